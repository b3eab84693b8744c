package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path: got %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	expectedTables := []string{
		"chats",
		"messages",
	}
	for _, table := range expectedTables {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count); err != nil {
			t.Fatalf("check table %q: %v", table, err)
		}
		if count != 1 {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestSchemaIndexesAndCascade(t *testing.T) {
	store := newTestStore(t)

	for _, index := range []string{
		"idx_messages_chat_time",
		"idx_messages_wire_outbound",
		"idx_chats_last_message_time",
	} {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='index' AND name = ?",
			index,
		).Scan(&count); err != nil {
			t.Fatalf("check index %q: %v", index, err)
		}
		if count != 1 {
			t.Fatalf("expected index %q to exist", index)
		}
	}

	var foreignKeys int
	if err := store.db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign keys enabled, got %d", foreignKeys)
	}

	var table, onDelete string
	if err := store.db.QueryRow(
		`SELECT "table", on_delete FROM pragma_foreign_key_list('messages')`,
	).Scan(&table, &onDelete); err != nil {
		t.Fatalf("read messages foreign key: %v", err)
	}
	if table != "chats" || onDelete != "CASCADE" {
		t.Fatalf("expected messages to cascade from chats, got %q on delete %q", table, onDelete)
	}

	mustAddChat(t, store, "user-1", "Alice")
	mustSaveOutbound(t, store, "m1", "user-1", "wire-1", nowUnixMilli())
	if _, err := store.db.Exec(`DELETE FROM chats WHERE chat_id = ?`, "user-1"); err != nil {
		t.Fatalf("delete chat row: %v", err)
	}
	var remaining int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE chat_id = ?`, "user-1").Scan(&remaining); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected messages removed with chat, got %d", remaining)
	}
}
