package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DeliveryStatusPending marks an outbound message not yet written to the stream.
	DeliveryStatusPending = "pending"
	// DeliveryStatusSent marks an outbound message written to the stream.
	DeliveryStatusSent = "sent"
	// DeliveryStatusDelivered marks an outbound message acknowledged by the peer.
	DeliveryStatusDelivered = "delivered"
	// DeliveryStatusFailed marks an outbound message given up on.
	DeliveryStatusFailed = "failed"
)

// Chat is one conversation, keyed by the remote user ID.
type Chat struct {
	ChatID          string
	UserName        string
	UserPhoto       string
	LastMessage     string
	LastMessageTime int64
	UnreadCount     int
	CreatedAt       int64
}

// Message is the SQLite representation of a chat message.
type Message struct {
	MessageID string
	ChatID    string
	// WireID is the protocol message ID used to correlate receipts.
	WireID         string
	Text           string
	IsImage        bool
	ImageData      *string
	IsSentByMe     bool
	Timestamp      int64
	DeliveryStatus string
	IsSeen         bool
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDeliveryStatus(status string) error {
	switch status {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusDelivered, DeliveryStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
