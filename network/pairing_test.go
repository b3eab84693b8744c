package network

import (
	"errors"
	"io"
	"reflect"
	"testing"
	"time"
)

func TestPairingDeclineFromPeerTearsDown(t *testing.T) {
	manager, recorder, remote := connectPipe(t, Options{})
	go func() {
		_, _ = io.Copy(io.Discard, remote)
	}()

	if err := manager.SendPairingRequest("Pixel", "192.168.49.1"); err != nil {
		t.Fatalf("SendPairingRequest failed: %v", err)
	}
	if got := manager.PairingState(); got != PairingAwaitingReply {
		t.Fatalf("expected awaiting reply, got %s", got)
	}

	if err := WriteFrame(remote, PairingResponse{Accepted: false}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	response := recorder.waitFor(t, EventPairingResponse, nil)
	if response.Accepted {
		t.Fatalf("expected declined response")
	}
	recorder.waitFor(t, EventConnectionStatusChanged, disconnected)

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := recorder.count(EventConnectionStatusChanged, disconnected); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
	if manager.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", manager.State())
	}
	if got := manager.PairingState(); got != PairingDeclined {
		t.Fatalf("expected declined pairing state, got %s", got)
	}
}

func TestPairingDeclineFromPeerClearsQueue(t *testing.T) {
	recorder := newEventRecorder()
	dial, remote := pipeDialer()
	defer remote.Close()
	manager := newTestManager(t, Options{Dial: dial, Handler: recorder})

	if err := manager.SendText("stuck"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := manager.StartInitiator("peer"); err != nil {
		t.Fatalf("StartInitiator failed: %v", err)
	}
	recorder.waitFor(t, EventConnectionStatusChanged, connected)

	// The peer never reads, so the sweep blocks and the message stays queued.
	if n := len(manager.Pending()); n != 1 {
		t.Fatalf("expected one queued message before decline, got %d", n)
	}

	if err := WriteFrame(remote, PairingResponse{Accepted: false}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	recorder.waitFor(t, EventConnectionStatusChanged, disconnected)
	dropped := recorder.waitFor(t, EventMessageDropped, nil)
	if dropped.MessageID != MessageID(Text{Body: "stuck"}) {
		t.Fatalf("unexpected dropped message ID %q", dropped.MessageID)
	}

	if n := len(manager.Pending()); n != 0 {
		t.Fatalf("expected empty queue after decline, got %d", n)
	}
	if got := manager.PairingState(); got != PairingDeclined {
		t.Fatalf("expected declined pairing state, got %s", got)
	}
}

func TestPairingRequestRaisesEvent(t *testing.T) {
	manager, recorder, remote := connectPipe(t, Options{})

	if err := WriteFrame(remote, PairingRequest{DeviceName: "Galaxy", DeviceAddress: "02:00:00:00:00:01"}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	request := recorder.waitFor(t, EventPairingRequest, nil)
	if request.DeviceName != "Galaxy" || request.DeviceAddress != "02:00:00:00:00:01" {
		t.Fatalf("unexpected pairing request event: %+v", request)
	}
	if got := manager.PairingState(); got != PairingRequested {
		t.Fatalf("expected requested state, got %s", got)
	}
}

func TestLocalDeclineClosesAfterGracePeriod(t *testing.T) {
	manager, recorder, remote := connectPipe(t, Options{DeclineGracePeriod: 20 * time.Millisecond})

	frames := make(chan Frame, 4)
	go func() {
		for {
			frame, err := Decode(remote)
			if err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	}()

	if err := manager.SendPairingResponse(false); err != nil {
		t.Fatalf("SendPairingResponse failed: %v", err)
	}
	select {
	case frame := <-frames:
		if !reflect.DeepEqual(frame, PairingResponse{Accepted: false}) {
			t.Fatalf("expected decline on the wire, got %#v", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for decline frame")
	}

	recorder.waitFor(t, EventConnectionStatusChanged, disconnected)
	if manager.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", manager.State())
	}
}

func TestAcceptedPairingSendsLocalProfile(t *testing.T) {
	profile := ProfileInfo{UserID: "me", DisplayName: "Me", PhotoBase64: "cGhvdG8="}
	manager, recorder, remote := connectPipe(t, Options{LocalProfile: &profile})

	if err := WriteFrame(remote, PairingResponse{Accepted: true}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	recorder.waitFor(t, EventPairingResponse, func(e Event) bool { return e.Accepted })

	if got := readFrame(t, remote); !reflect.DeepEqual(got, profile) {
		t.Fatalf("expected local profile, got %#v", got)
	}
	if got := manager.PairingState(); got != PairingAccepted {
		t.Fatalf("expected accepted state, got %s", got)
	}
}
