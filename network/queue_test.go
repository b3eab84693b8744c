package network

import (
	"errors"
	"reflect"
	"testing"

	"github.com/benbjohnson/clock"
)

var errSendFailed = errors.New("send failed")

func TestPendingQueueDrainSuccessEmptiesQueue(t *testing.T) {
	queue := NewPendingQueue(0, 0, clock.NewMock())
	frames := []Frame{Text{Body: "a"}, Image{Data: []byte{1}}, ProfileInfo{UserID: "u"}, PairingRequest{DeviceName: "d"}}
	for _, frame := range frames {
		if evicted := queue.Enqueue(frame); evicted != nil {
			t.Fatalf("unexpected eviction: %+v", evicted)
		}
	}

	var sent []Frame
	dropped := queue.DrainRetry(func(frame Frame) error {
		sent = append(sent, frame)
		return nil
	})
	if len(dropped) != 0 {
		t.Fatalf("expected no drops, got %d", len(dropped))
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
	if !reflect.DeepEqual(sent, frames) {
		t.Fatalf("expected FIFO order, got %#v", sent)
	}
}

func TestPendingQueueDropsAfterMaxRetries(t *testing.T) {
	queue := NewPendingQueue(DefaultMaxSendRetries, 0, clock.NewMock())
	queue.Enqueue(Text{Body: "hi"})

	attempts := 0
	failing := func(Frame) error {
		attempts++
		return errSendFailed
	}

	var dropped []PendingMessage
	for i := 0; i < DefaultMaxSendRetries+3; i++ {
		dropped = append(dropped, queue.DrainRetry(failing)...)
	}

	if attempts != DefaultMaxSendRetries {
		t.Fatalf("expected %d send attempts, got %d", DefaultMaxSendRetries, attempts)
	}
	if len(dropped) != 1 {
		t.Fatalf("expected exactly one drop, got %d", len(dropped))
	}
	if dropped[0].RetryCount != DefaultMaxSendRetries {
		t.Fatalf("expected RetryCount %d, got %d", DefaultMaxSendRetries, dropped[0].RetryCount)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

func TestPendingQueueFailureIncrementsRetryCount(t *testing.T) {
	mock := clock.NewMock()
	queue := NewPendingQueue(0, 0, mock)
	queue.Enqueue(Text{Body: "one"})
	queue.Enqueue(Text{Body: "two"})

	queue.DrainRetry(func(frame Frame) error {
		if frame.(Text).Body == "one" {
			return nil
		}
		return errSendFailed
	})

	items := queue.Snapshot()
	if len(items) != 1 {
		t.Fatalf("expected one remaining message, got %d", len(items))
	}
	if items[0].Frame.(Text).Body != "two" || items[0].RetryCount != 1 {
		t.Fatalf("unexpected remaining message: %+v", items[0])
	}
	if !items[0].EnqueuedAt.Equal(mock.Now()) {
		t.Fatalf("expected EnqueuedAt from clock, got %v", items[0].EnqueuedAt)
	}
}

func TestPendingQueueKeepsMessagesEnqueuedDuringSweep(t *testing.T) {
	queue := NewPendingQueue(0, 0, clock.NewMock())
	queue.Enqueue(Text{Body: "first"})

	queue.DrainRetry(func(Frame) error {
		queue.Enqueue(Text{Body: "late"})
		return nil
	})

	items := queue.Snapshot()
	if len(items) != 1 || items[0].Frame.(Text).Body != "late" || items[0].RetryCount != 0 {
		t.Fatalf("expected late message untouched, got %+v", items)
	}
}

func TestPendingQueueOverflowEvictsOldest(t *testing.T) {
	queue := NewPendingQueue(0, 2, clock.NewMock())
	queue.Enqueue(Text{Body: "1"})
	queue.Enqueue(Text{Body: "2"})

	evicted := queue.Enqueue(Text{Body: "3"})
	if evicted == nil || evicted.Frame.(Text).Body != "1" {
		t.Fatalf("expected oldest message evicted, got %+v", evicted)
	}

	items := queue.Snapshot()
	if len(items) != 2 || items[0].Frame.(Text).Body != "2" || items[1].Frame.(Text).Body != "3" {
		t.Fatalf("unexpected queue contents: %+v", items)
	}
}

func TestPendingQueueClear(t *testing.T) {
	queue := NewPendingQueue(0, 0, nil)
	queue.Enqueue(Text{Body: "a"})
	queue.Enqueue(Text{Body: "b"})

	cleared := queue.Clear()
	if len(cleared) != 2 || cleared[0].Frame.(Text).Body != "a" || cleared[1].Frame.(Text).Body != "b" {
		t.Fatalf("unexpected cleared messages: %+v", cleared)
	}
	if cleared := queue.Clear(); len(cleared) != 0 {
		t.Fatalf("expected second clear to remove nothing, got %+v", cleared)
	}
	if dropped := queue.DrainRetry(func(Frame) error { return errSendFailed }); dropped != nil {
		t.Fatalf("expected no drops from empty queue, got %+v", dropped)
	}
}
