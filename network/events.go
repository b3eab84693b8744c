package network

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a notification raised toward the host.
type EventType string

const (
	EventMessageReceived         EventType = "message_received"
	EventConnectionStatusChanged EventType = "connection_status_changed"
	EventDeliveryStatusChanged   EventType = "delivery_status_changed"
	EventSeenStatusChanged       EventType = "seen_status_changed"
	EventProfileReceived         EventType = "profile_received"
	EventPairingRequest          EventType = "pairing_request"
	EventPairingResponse         EventType = "pairing_response"

	// EventListening is raised each time the listener binds and starts waiting.
	EventListening EventType = "listening"
	// EventDialRetry is raised before each backoff wait of the initiator.
	EventDialRetry EventType = "dial_retry"
	// EventServerFailed is raised when the listener exhausts its attempts.
	EventServerFailed EventType = "server_failed"
	// EventConnectionFailed is raised when the initiator exhausts its attempts.
	EventConnectionFailed EventType = "connection_failed"
	// EventMessageDropped is raised when a queued message is given up on or
	// discarded by a queue clear.
	EventMessageDropped EventType = "message_dropped"
)

// Event carries one notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	Role Role

	Connected bool

	Text        string
	IsImage     bool
	Image       []byte
	ImageBase64 string

	// MessageID is the wire message ID for received messages and receipts.
	MessageID string
	Delivered bool
	Seen      bool

	Profile ProfileInfo

	DeviceName    string
	DeviceAddress string
	Accepted      bool

	Address  net.Addr
	Attempt  int
	Attempts int
	Delay    time.Duration

	Dropped *PendingMessage
	Err     error
}

// Handler receives events. Calls are made from a single goroutine, one at a time.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Callbacks is a Handler built from optional typed callbacks.
type Callbacks struct {
	OnMessageReceived         func(text string, isImage bool, imageBase64 string)
	OnConnectionStatusChanged func(connected bool)
	OnDeliveryStatusChanged   func(messageID string, delivered bool)
	OnSeenStatusChanged       func(messageID string, seen bool)
	OnProfileReceived         func(userID, displayName, photoBase64 string)
	OnPairingRequest          func(deviceName, deviceAddress string)
	OnPairingResponse         func(accepted bool)
	OnFailure                 func(Event)
}

func (c Callbacks) HandleEvent(e Event) {
	switch e.Type {
	case EventMessageReceived:
		if c.OnMessageReceived != nil {
			c.OnMessageReceived(e.Text, e.IsImage, e.ImageBase64)
		}
	case EventConnectionStatusChanged:
		if c.OnConnectionStatusChanged != nil {
			c.OnConnectionStatusChanged(e.Connected)
		}
	case EventDeliveryStatusChanged:
		if c.OnDeliveryStatusChanged != nil {
			c.OnDeliveryStatusChanged(e.MessageID, e.Delivered)
		}
	case EventSeenStatusChanged:
		if c.OnSeenStatusChanged != nil {
			c.OnSeenStatusChanged(e.MessageID, e.Seen)
		}
	case EventProfileReceived:
		if c.OnProfileReceived != nil {
			c.OnProfileReceived(e.Profile.UserID, e.Profile.DisplayName, e.Profile.PhotoBase64)
		}
	case EventPairingRequest:
		if c.OnPairingRequest != nil {
			c.OnPairingRequest(e.DeviceName, e.DeviceAddress)
		}
	case EventPairingResponse:
		if c.OnPairingResponse != nil {
			c.OnPairingResponse(e.Accepted)
		}
	case EventServerFailed, EventConnectionFailed, EventMessageDropped:
		if c.OnFailure != nil {
			c.OnFailure(e)
		}
	}
}

// dispatcher delivers events to a Handler from one goroutine in FIFO
// order. emit never blocks.
type dispatcher struct {
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(handler Handler, logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) emit(e Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stop delivers what is already queued, then ends the loop.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				stopped := d.stopped
				d.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			e := d.queue[0]
			d.queue[0] = Event{}
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.deliver(e)
		}
	}
}

func (d *dispatcher) deliver(e Event) {
	if d.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("event", string(e.Type)), zap.Any("panic", r))
		}
	}()
	d.handler.HandleEvent(e)
}
