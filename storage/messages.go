package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `
	message_id,
	chat_id,
	wire_id,
	text,
	is_image,
	image_data,
	is_sent_by_me,
	timestamp,
	delivery_status,
	is_seen`

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if message.WireID == "" {
		return errors.New("wire_id is required")
	}
	if message.IsImage && message.ImageData == nil {
		return errors.New("image_data is required for image messages")
	}
	if !message.IsImage && message.Text == "" {
		return errors.New("text is required")
	}
	if message.DeliveryStatus == "" {
		message.DeliveryStatus = DeliveryStatusPending
	}
	if err := validateDeliveryStatus(message.DeliveryStatus); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ChatID,
		message.WireID,
		message.Text,
		boolInt(message.IsImage),
		nullString(message.ImageData),
		boolInt(message.IsSentByMe),
		message.Timestamp,
		message.DeliveryStatus,
		boolInt(message.IsSeen),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns a chat's messages ordered by timestamp.
func (s *Store) GetMessages(chatID string, limit, offset int) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		chatID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for chat %q: %w", chatID, err)
	}
	return collectMessages(rows)
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(`SELECT`+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetPendingMessages returns outbound messages of a chat that were never
// written to the stream.
func (s *Store) GetPendingMessages(chatID string) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_sent_by_me = 1 AND delivery_status = ?
		ORDER BY timestamp ASC, rowid ASC`,
		chatID,
		DeliveryStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("get pending messages for chat %q: %w", chatID, err)
	}
	return collectMessages(rows)
}

// GetUnseenIncoming returns received messages of a chat not yet reported seen.
func (s *Store) GetUnseenIncoming(chatID string) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_sent_by_me = 0 AND is_seen = 0
		ORDER BY timestamp ASC, rowid ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("get unseen messages for chat %q: %w", chatID, err)
	}
	return collectMessages(rows)
}

// SetMessageSeen flags one message as seen.
func (s *Store) SetMessageSeen(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(`UPDATE messages SET is_seen = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark message %q seen: %w", messageID, err)
	}
	return requireRow(res, "mark message seen", messageID)
}

// UpdateDeliveryStatus updates delivery_status for a message.
func (s *Store) UpdateDeliveryStatus(messageID, status string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDeliveryStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET delivery_status = ?
		WHERE message_id = ?`,
		status,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}
	return requireRow(res, "update delivery status", messageID)
}

// MarkSent promotes a pending outbound message to sent. Rows a receipt has
// already moved past pending are left alone and reported as ErrNotFound.
func (s *Store) MarkSent(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET delivery_status = ?
		WHERE message_id = ? AND is_sent_by_me = 1 AND delivery_status = ?`,
		DeliveryStatusSent,
		messageID,
		DeliveryStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark message %q sent: %w", messageID, err)
	}
	return requireRow(res, "mark message sent", messageID)
}

// MarkDeliveredByWireID marks the oldest unacknowledged outbound message
// with wireID as delivered and returns its message ID.
func (s *Store) MarkDeliveredByWireID(wireID string) (string, error) {
	return s.updateOldestOutbound(wireID,
		`delivery_status IN ('pending','sent')`,
		`SET delivery_status = 'delivered'`,
	)
}

// MarkSeenByWireID marks the oldest unseen outbound message with wireID as
// seen. A seen message is also delivered.
func (s *Store) MarkSeenByWireID(wireID string) (string, error) {
	return s.updateOldestOutbound(wireID,
		`is_seen = 0 AND delivery_status != 'failed'`,
		`SET is_seen = 1, delivery_status = 'delivered'`,
	)
}

// MarkFailedByWireID marks the oldest undelivered outbound message with
// wireID as failed.
func (s *Store) MarkFailedByWireID(wireID string) (string, error) {
	return s.updateOldestOutbound(wireID,
		`delivery_status IN ('pending','sent')`,
		`SET delivery_status = 'failed'`,
	)
}

// updateOldestOutbound applies set to the oldest outbound row matching
// wireID and where. Identical messages share a wire ID, so receipts are
// matched in send order.
func (s *Store) updateOldestOutbound(wireID, where, set string) (string, error) {
	if wireID == "" {
		return "", errors.New("wire_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin wire update transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var messageID string
	err = tx.QueryRow(
		`SELECT message_id FROM messages
		WHERE wire_id = ? AND is_sent_by_me = 1 AND `+where+`
		ORDER BY timestamp ASC, rowid ASC
		LIMIT 1`,
		wireID,
	).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find outbound message for wire ID %q: %w", wireID, err)
	}

	if _, err := tx.Exec(`UPDATE messages `+set+` WHERE message_id = ?`, messageID); err != nil {
		return "", fmt.Errorf("update message %q: %w", messageID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit wire update transaction: %w", err)
	}

	return messageID, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message    Message
		isImage    int
		imageData  sql.NullString
		isSentByMe int
		isSeen     int
	)

	if err := row.Scan(
		&message.MessageID,
		&message.ChatID,
		&message.WireID,
		&message.Text,
		&isImage,
		&imageData,
		&isSentByMe,
		&message.Timestamp,
		&message.DeliveryStatus,
		&isSeen,
	); err != nil {
		return nil, err
	}

	message.IsImage = isImage == 1
	message.ImageData = stringPtr(imageData)
	message.IsSentByMe = isSentByMe == 1
	message.IsSeen = isSeen == 1

	return &message, nil
}
