package network

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultMaxSendRetries is the number of failed retries after which a queued message is dropped.
	DefaultMaxSendRetries = 5
	// DefaultMaxQueuedMessages caps the pending queue; overflow drops the oldest entry.
	DefaultMaxQueuedMessages = 500
)

// PendingMessage is a frame that could not be sent immediately.
type PendingMessage struct {
	Kind       Kind
	Frame      Frame
	RetryCount int
	EnqueuedAt time.Time

	seq uint64
}

// PendingQueue buffers frames for best-effort at-least-once redelivery.
type PendingQueue struct {
	maxRetries int
	maxItems   int
	clock      clock.Clock

	// sweepMu serializes DrainRetry calls.
	sweepMu sync.Mutex

	mu      sync.Mutex
	items   []*PendingMessage
	nextSeq uint64
}

// NewPendingQueue creates a queue. Non-positive limits fall back to defaults.
func NewPendingQueue(maxRetries, maxItems int, clk clock.Clock) *PendingQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxSendRetries
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxQueuedMessages
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PendingQueue{
		maxRetries: maxRetries,
		maxItems:   maxItems,
		clock:      clk,
	}
}

// Enqueue appends a frame with RetryCount 0. When the queue is full the
// oldest entry is evicted and returned.
func (q *PendingQueue) Enqueue(frame Frame) *PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	q.items = append(q.items, &PendingMessage{
		Kind:       frame.Kind(),
		Frame:      frame,
		EnqueuedAt: q.clock.Now(),
		seq:        q.nextSeq,
	})

	if len(q.items) <= q.maxItems {
		return nil
	}
	evicted := *q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return &evicted
}

// DrainRetry walks the queue in FIFO order calling send for each message.
// Sent messages are removed, failed ones have RetryCount incremented, and
// messages reaching the retry cap are removed and returned as dropped.
func (q *PendingQueue) DrainRetry(send func(Frame) error) []PendingMessage {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()

	batch := q.Snapshot()
	if len(batch) == 0 {
		return nil
	}

	sent := make(map[uint64]bool, len(batch))
	for _, msg := range batch {
		sent[msg.seq] = send(msg.Frame) == nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []PendingMessage
	kept := q.items[:0]
	for _, item := range q.items {
		ok, attempted := sent[item.seq]
		switch {
		case !attempted:
			kept = append(kept, item)
		case ok:
		default:
			item.RetryCount++
			if item.RetryCount >= q.maxRetries {
				dropped = append(dropped, *item)
				continue
			}
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return dropped
}

// Clear discards every queued message and returns them in FIFO order.
func (q *PendingQueue) Clear() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	cleared := make([]PendingMessage, 0, len(q.items))
	for _, item := range q.items {
		cleared = append(cleared, *item)
	}
	q.items = nil
	return cleared
}

// Len returns the number of queued messages.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the queued messages in FIFO order.
func (q *PendingQueue) Snapshot() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}
