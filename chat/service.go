// Package chat persists the conversation carried by a network.Manager.
package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/network"
	"peerlink/storage"
)

// UnknownPeerChatID holds messages exchanged before the peer's profile arrives.
const UnknownPeerChatID = "unknown-peer"

const (
	unknownPeerName = "Unknown peer"
	imagePreview    = "[image]"
)

// Sender is the part of network.Manager the service writes through.
type Sender interface {
	Send(network.Frame) error
	SendSeenReceipt(messageID string) error
}

// Options configures a Service.
type Options struct {
	// ImageDir receives decoded profile photos. Photos are not kept when empty.
	ImageDir string
	// Next receives every event after it has been persisted.
	Next   network.Handler
	Logger *zap.Logger
	Now    func() time.Time
}

// Service implements network.Handler. It records messages, receipts and
// profiles in storage and tracks which chat is active and visible.
type Service struct {
	store   *storage.Store
	options Options
	logger  *zap.Logger

	mu      sync.Mutex
	sender  Sender
	active  string
	visible string
}

// NewService creates a Service over store.
func NewService(store *storage.Store, options Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: store is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Service{
		store:   store,
		options: options,
		logger:  options.Logger.Named("chat"),
	}, nil
}

// Attach sets the sender used for outgoing frames.
func (s *Service) Attach(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// ActiveChat returns the chat of the connected peer, or "" before any traffic.
func (s *Service) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetVisibleChat records which chat the user is looking at. Messages for the
// visible chat do not count as unread. An empty ID means none.
func (s *Service) SetVisibleChat(chatID string) error {
	s.mu.Lock()
	s.visible = chatID
	s.mu.Unlock()

	if chatID == "" {
		return nil
	}
	if err := s.store.MarkChatRead(chatID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// SendText stores body as an outgoing message and sends it.
func (s *Service) SendText(body string) (*storage.Message, error) {
	return s.send(network.Text{Body: body}, storage.Message{Text: body}, body)
}

// SendImage stores data as an outgoing image message and sends it.
func (s *Service) SendImage(data []byte) (*storage.Message, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	return s.send(network.Image{Data: data}, storage.Message{IsImage: true, ImageData: &encoded}, imagePreview)
}

func (s *Service) send(frame network.Frame, message storage.Message, preview string) (*storage.Message, error) {
	sender := s.getSender()
	if sender == nil {
		return nil, errors.New("chat: no sender attached")
	}

	chatID, err := s.ensureActiveChat()
	if err != nil {
		return nil, err
	}

	message.MessageID = uuid.NewString()
	message.ChatID = chatID
	message.WireID = network.MessageID(frame)
	message.IsSentByMe = true
	message.Timestamp = s.options.Now().UnixMilli()
	message.DeliveryStatus = storage.DeliveryStatusPending
	if message.WireID == "" {
		return nil, fmt.Errorf("chat: encode %s frame failed", frame.Kind())
	}

	if err := s.store.SaveMessage(message); err != nil {
		return nil, err
	}
	if err := s.store.UpdateChatLastMessage(chatID, preview, message.Timestamp, false); err != nil {
		return nil, err
	}

	sendErr := sender.Send(frame)
	switch {
	case sendErr == nil:
		// A receipt may already have promoted the row.
		if err := s.store.MarkSent(message.MessageID); err == nil {
			message.DeliveryStatus = storage.DeliveryStatusSent
		} else if !errors.Is(err, storage.ErrNotFound) {
			return &message, err
		}
	case errors.Is(sendErr, network.ErrFieldTooLarge), errors.Is(sendErr, network.ErrManagerClosed):
		if err := s.store.UpdateDeliveryStatus(message.MessageID, storage.DeliveryStatusFailed); err != nil {
			return &message, err
		}
		message.DeliveryStatus = storage.DeliveryStatusFailed
		return &message, sendErr
	default:
		// Queued by the manager for redelivery.
		s.logger.Debug("message queued", zap.String("message_id", message.MessageID), zap.Error(sendErr))
	}

	return &message, nil
}

// MarkSeen reports every unseen received message of chatID to the peer and
// resets the unread counter.
func (s *Service) MarkSeen(chatID string) error {
	unseen, err := s.store.GetUnseenIncoming(chatID)
	if err != nil {
		return err
	}

	sender := s.getSender()
	for _, message := range unseen {
		if sender != nil {
			if err := sender.SendSeenReceipt(message.WireID); err != nil {
				// Receipts are not queued. The message stays unseen for the next call.
				s.logger.Debug("seen receipt not sent", zap.String("message_id", message.MessageID), zap.Error(err))
				continue
			}
		}
		if err := s.store.SetMessageSeen(message.MessageID); err != nil {
			return err
		}
	}

	if err := s.store.MarkChatRead(chatID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// HandleEvent persists e, then forwards it to Options.Next.
func (s *Service) HandleEvent(e network.Event) {
	if err := s.apply(e); err != nil {
		s.logger.Warn("event not persisted", zap.String("type", string(e.Type)), zap.Error(err))
	}
	if s.options.Next != nil {
		s.options.Next.HandleEvent(e)
	}
}

func (s *Service) apply(e network.Event) error {
	switch e.Type {
	case network.EventMessageReceived:
		return s.saveIncoming(e)
	case network.EventDeliveryStatusChanged:
		return s.updateByWireID(e.MessageID, s.store.MarkDeliveredByWireID)
	case network.EventSeenStatusChanged:
		return s.updateByWireID(e.MessageID, s.store.MarkSeenByWireID)
	case network.EventMessageDropped:
		return s.updateByWireID(e.MessageID, s.store.MarkFailedByWireID)
	case network.EventProfileReceived:
		return s.saveProfile(e.Profile)
	}
	return nil
}

func (s *Service) saveIncoming(e network.Event) error {
	chatID, err := s.ensureActiveChat()
	if err != nil {
		return err
	}

	message := storage.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		WireID:    e.MessageID,
		Text:      e.Text,
		IsImage:   e.IsImage,
		Timestamp: s.options.Now().UnixMilli(),
		// Inbound rows are acknowledged by the manager on receipt.
		DeliveryStatus: storage.DeliveryStatusDelivered,
	}
	preview := e.Text
	if e.IsImage {
		encoded := e.ImageBase64
		message.ImageData = &encoded
		message.Text = ""
		preview = imagePreview
	}
	if message.WireID == "" {
		message.WireID = message.MessageID
	}

	if err := s.store.SaveMessage(message); err != nil {
		return err
	}
	return s.store.UpdateChatLastMessage(chatID, preview, message.Timestamp, !s.isVisible(chatID))
}

func (s *Service) updateByWireID(wireID string, mark func(string) (string, error)) error {
	if wireID == "" {
		return nil
	}
	messageID, err := mark(wireID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("no message for wire ID", zap.String("wire_id", wireID))
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Debug("message status updated", zap.String("message_id", messageID))
	return nil
}

func (s *Service) saveProfile(profile network.ProfileInfo) error {
	if profile.UserID == "" {
		return errors.New("chat: profile without user ID")
	}
	name := profile.DisplayName
	if name == "" {
		name = profile.UserID
	}

	photo, err := s.savePhoto(profile.UserID, profile.PhotoBase64)
	if err != nil {
		s.logger.Warn("profile photo not saved", zap.String("user_id", profile.UserID), zap.Error(err))
	}

	if err := s.store.UpsertChat(storage.Chat{
		ChatID:    profile.UserID,
		UserName:  name,
		UserPhoto: photo,
		CreatedAt: s.options.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = profile.UserID
	s.mu.Unlock()
	return nil
}

func (s *Service) savePhoto(userID, photoBase64 string) (string, error) {
	if photoBase64 == "" || s.options.ImageDir == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(photoBase64)
	if err != nil {
		return "", fmt.Errorf("decode photo: %w", err)
	}
	if err := os.MkdirAll(s.options.ImageDir, 0o700); err != nil {
		return "", fmt.Errorf("create image directory: %w", err)
	}
	path := filepath.Join(s.options.ImageDir, uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID)).String()+".img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write photo: %w", err)
	}
	return path, nil
}

// ensureActiveChat returns the active chat, creating the placeholder chat
// when no profile has been received yet.
func (s *Service) ensureActiveChat() (string, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != "" {
		return active, nil
	}

	if _, err := s.store.GetChat(UnknownPeerChatID); errors.Is(err, storage.ErrNotFound) {
		if err := s.store.UpsertChat(storage.Chat{
			ChatID:    UnknownPeerChatID,
			UserName:  unknownPeerName,
			CreatedAt: s.options.Now().UnixMilli(),
		}); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.active == "" {
		s.active = UnknownPeerChatID
	}
	active = s.active
	s.mu.Unlock()
	return active, nil
}

func (s *Service) isVisible(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible != "" && s.visible == chatID
}

func (s *Service) getSender() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}
