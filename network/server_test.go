package network

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestListenerExhaustionEmitsServerFailedOnce(t *testing.T) {
	recorder := newEventRecorder()
	manager := newTestManager(t, Options{
		ListenAddress:    "127.0.0.1:0",
		AcceptTimeout:    50 * time.Millisecond,
		ListenRetryDelay: 10 * time.Millisecond,
		Handler:          recorder,
	})

	if err := manager.StartListener(); err != nil {
		t.Fatalf("StartListener failed: %v", err)
	}

	failed := recorder.waitFor(t, EventServerFailed, nil)
	if !errors.Is(failed.Err, ErrAcceptTimeout) {
		t.Fatalf("expected ErrAcceptTimeout, got %v", failed.Err)
	}
	if failed.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", failed.Attempts)
	}
	waitUntil(t, "disconnected state", func() bool { return manager.State() == StateDisconnected })

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := recorder.count(EventServerFailed, nil); n != 1 {
		t.Fatalf("expected one server failed event, got %d", n)
	}
	if n := recorder.count(EventListening, nil); n != 3 {
		t.Fatalf("expected 3 listening events, got %d", n)
	}
	if n := recorder.count(EventConnectionStatusChanged, disconnected); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
}

func TestListenerRetriesBindErrors(t *testing.T) {
	recorder := newEventRecorder()
	var binds atomic.Int32
	manager := newTestManager(t, Options{
		ListenAddress:    "127.0.0.1:0",
		ListenRetryDelay: time.Millisecond,
		Handler:          recorder,
		Listen: func(network, address string) (net.Listener, error) {
			binds.Add(1)
			return nil, errors.New("address already in use")
		},
	})

	if err := manager.StartListener(); err != nil {
		t.Fatalf("StartListener failed: %v", err)
	}
	recorder.waitFor(t, EventServerFailed, nil)
	if got := binds.Load(); got != 3 {
		t.Fatalf("expected 3 bind attempts, got %d", got)
	}
}

func TestListenerAcceptsClient(t *testing.T) {
	recorder := newEventRecorder()
	manager := newTestManager(t, Options{
		ListenAddress: "127.0.0.1:0",
		Handler:       recorder,
	})

	if err := manager.StartListener(); err != nil {
		t.Fatalf("StartListener failed: %v", err)
	}
	listening := recorder.waitFor(t, EventListening, nil)

	conn, err := net.DialTimeout("tcp", listening.Address.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial listener failed: %v", err)
	}
	defer conn.Close()

	recorder.waitFor(t, EventConnectionStatusChanged, connected)
	if manager.Role() != RoleListener {
		t.Fatalf("expected listener role, got %s", manager.Role())
	}
	if manager.RemoteAddr() == "" {
		t.Fatalf("expected remote address while connected")
	}

	// The listener serves exactly one client.
	if second, err := net.DialTimeout("tcp", listening.Address.String(), 500*time.Millisecond); err == nil {
		_ = second.Close()
		t.Fatalf("expected listener socket to be closed after accept")
	}
}

func TestListenerCloseDuringAccept(t *testing.T) {
	recorder := newEventRecorder()
	manager := newTestManager(t, Options{
		ListenAddress: "127.0.0.1:0",
		Handler:       recorder,
	})

	if err := manager.StartListener(); err != nil {
		t.Fatalf("StartListener failed: %v", err)
	}
	recorder.waitFor(t, EventListening, nil)

	if err := manager.CloseConnections(); err != nil {
		t.Fatalf("CloseConnections failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := recorder.count(EventServerFailed, nil); n != 0 {
		t.Fatalf("expected no server failed event after explicit close, got %d", n)
	}
	if n := recorder.count(EventConnectionStatusChanged, disconnected); n != 1 {
		t.Fatalf("expected one disconnect event, got %d", n)
	}
}
