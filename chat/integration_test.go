package chat

import (
	"testing"
	"time"

	"peerlink/network"
	"peerlink/storage"
)

type eventTap chan network.Event

func (c eventTap) HandleEvent(e network.Event) { c <- e }

func waitForEvent(t *testing.T, events eventTap, typ network.EventType) network.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestChatOverLoopbackLink(t *testing.T) {
	aliceEvents := make(eventTap, 64)
	bobEvents := make(eventTap, 64)

	alice, aliceStore, _ := newTestService(t, Options{Next: aliceEvents})
	bob, bobStore, _ := newTestService(t, Options{Next: bobEvents})

	aliceLink, err := network.NewManager(network.Options{
		ListenAddress: "127.0.0.1:0",
		LocalProfile:  &network.ProfileInfo{UserID: "alice", DisplayName: "Alice"},
		Handler:       alice,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = aliceLink.Close() })
	bobLink, err := network.NewManager(network.Options{
		LocalProfile: &network.ProfileInfo{UserID: "bob", DisplayName: "Bob"},
		Handler:      bob,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = bobLink.Close() })
	alice.Attach(aliceLink)
	bob.Attach(bobLink)

	if err := aliceLink.StartListener(); err != nil {
		t.Fatalf("StartListener failed: %v", err)
	}
	listening := waitForEvent(t, aliceEvents, network.EventListening)
	if err := bobLink.StartInitiator(listening.Address.String()); err != nil {
		t.Fatalf("StartInitiator failed: %v", err)
	}
	waitForEvent(t, bobEvents, network.EventConnectionStatusChanged)

	if err := bobLink.SendPairingRequest("Bob Phone", "127.0.0.1"); err != nil {
		t.Fatalf("SendPairingRequest failed: %v", err)
	}
	waitForEvent(t, aliceEvents, network.EventPairingRequest)
	if err := aliceLink.SendPairingResponse(true); err != nil {
		t.Fatalf("SendPairingResponse failed: %v", err)
	}
	waitForEvent(t, aliceEvents, network.EventProfileReceived)
	waitForEvent(t, bobEvents, network.EventProfileReceived)

	sent, err := bob.SendText("hello alice")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if sent.ChatID != "alice" {
		t.Fatalf("expected message in alice chat, got %q", sent.ChatID)
	}
	waitForEvent(t, aliceEvents, network.EventMessageReceived)
	waitForEvent(t, bobEvents, network.EventDeliveryStatusChanged)

	if err := alice.MarkSeen("bob"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	waitForEvent(t, bobEvents, network.EventSeenStatusChanged)

	stored, err := bobStore.GetMessageByID(sent.MessageID)
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if stored.DeliveryStatus != storage.DeliveryStatusDelivered || !stored.IsSeen {
		t.Fatalf("unexpected sender-side status: %+v", stored)
	}

	received, err := aliceStore.GetMessages("bob", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(received) != 1 || received[0].Text != "hello alice" || received[0].WireID != sent.WireID || !received[0].IsSeen {
		t.Fatalf("unexpected receiver-side messages: %+v", received)
	}
}

func TestClearedQueueMarksMessagesFailed(t *testing.T) {
	events := make(eventTap, 16)
	svc, store, _ := newTestService(t, Options{Next: events})

	link, err := network.NewManager(network.Options{Handler: svc})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = link.Close() })
	svc.Attach(link)

	message, err := svc.SendText("lost")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if message.DeliveryStatus != storage.DeliveryStatusPending || len(link.Pending()) != 1 {
		t.Fatalf("expected queued pending message, got %+v with %d queued", message, len(link.Pending()))
	}

	if err := link.CloseConnections(); err != nil {
		t.Fatalf("CloseConnections failed: %v", err)
	}
	dropped := waitForEvent(t, events, network.EventMessageDropped)
	if dropped.MessageID != message.WireID {
		t.Fatalf("expected drop for %q, got %q", message.WireID, dropped.MessageID)
	}
	if n := len(link.Pending()); n != 0 {
		t.Fatalf("expected empty queue after close, got %d", n)
	}

	stored, err := store.GetMessageByID(message.MessageID)
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if stored.DeliveryStatus != storage.DeliveryStatusFailed {
		t.Fatalf("expected failed status after close, got %q", stored.DeliveryStatus)
	}
}
