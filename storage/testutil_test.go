package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddChat(t *testing.T, store *Store, chatID, name string) {
	t.Helper()

	if err := store.UpsertChat(Chat{ChatID: chatID, UserName: name}); err != nil {
		t.Fatalf("add chat %q: %v", chatID, err)
	}
}

func mustSaveOutbound(t *testing.T, store *Store, messageID, chatID, wireID string, ts int64) {
	t.Helper()

	if err := store.SaveMessage(Message{
		MessageID:      messageID,
		ChatID:         chatID,
		WireID:         wireID,
		Text:           "text " + messageID,
		IsSentByMe:     true,
		Timestamp:      ts,
		DeliveryStatus: DeliveryStatusSent,
	}); err != nil {
		t.Fatalf("save message %q: %v", messageID, err)
	}
}
