package network

import (
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 4096)}
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.ch <- e:
	default:
	}
}

// waitFor consumes events until one matches typ and the optional filter.
func (r *eventRecorder) waitFor(t *testing.T, typ EventType, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

func (r *eventRecorder) count(typ EventType, match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ && (match == nil || match(e)) {
			n++
		}
	}
	return n
}

func connected(e Event) bool    { return e.Connected }
func disconnected(e Event) bool { return !e.Connected }

func newTestManager(t *testing.T, options Options) *Manager {
	t.Helper()
	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Close()
	})
	return manager
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
