package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertChat inserts a chat or refreshes the name and photo of an existing one.
func (s *Store) UpsertChat(chat Chat) error {
	if chat.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if chat.UserName == "" {
		return errors.New("user_name is required")
	}
	if chat.CreatedAt == 0 {
		chat.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO chats (
			chat_id,
			user_name,
			user_photo,
			last_message,
			last_message_time,
			unread_count,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			user_name = excluded.user_name,
			user_photo = CASE WHEN excluded.user_photo != '' THEN excluded.user_photo ELSE chats.user_photo END`,
		chat.ChatID,
		chat.UserName,
		chat.UserPhoto,
		chat.LastMessage,
		chat.LastMessageTime,
		chat.UnreadCount,
		chat.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert chat %q: %w", chat.ChatID, err)
	}

	return nil
}

// GetChat fetches one chat by ID.
func (s *Store) GetChat(chatID string) (*Chat, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	row := s.db.QueryRow(
		`SELECT chat_id, user_name, user_photo, last_message, last_message_time, unread_count, created_at
		FROM chats
		WHERE chat_id = ?`,
		chatID,
	)
	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat %q: %w", chatID, err)
	}
	return chat, nil
}

// ListChats returns chats ordered by most recent message.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, user_name, user_photo, last_message, last_message_time, unread_count, created_at
		FROM chats
		ORDER BY last_message_time DESC, chat_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}

	return chats, nil
}

// UpdateChatLastMessage records the latest message preview and optionally
// bumps the unread counter.
func (s *Store) UpdateChatLastMessage(chatID, preview string, at int64, incrementUnread bool) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}
	if at == 0 {
		at = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE chats
		SET last_message = ?, last_message_time = ?, unread_count = unread_count + ?
		WHERE chat_id = ?`,
		preview,
		at,
		boolInt(incrementUnread),
		chatID,
	)
	if err != nil {
		return fmt.Errorf("update last message for chat %q: %w", chatID, err)
	}
	return requireRow(res, "update last message", chatID)
}

// MarkChatRead resets the unread counter.
func (s *Store) MarkChatRead(chatID string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	res, err := s.db.Exec(`UPDATE chats SET unread_count = 0 WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("mark chat %q read: %w", chatID, err)
	}
	return requireRow(res, "mark chat read", chatID)
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(chatID string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat %q: %w", chatID, err)
	}
	return requireRow(res, "delete chat", chatID)
}

func requireRow(res sql.Result, op, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChat(row scanner) (*Chat, error) {
	var chat Chat
	if err := row.Scan(
		&chat.ChatID,
		&chat.UserName,
		&chat.UserPhoto,
		&chat.LastMessage,
		&chat.LastMessageTime,
		&chat.UnreadCount,
		&chat.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &chat, nil
}
