package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultPort               = 8888
	defaultAcceptTimeout      = 30 * time.Second
	defaultMaxListenAttempts  = 3
	defaultListenRetryDelay   = 2 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultMaxDialAttempts    = 10
	defaultRetryInterval      = 3 * time.Second
	defaultIdleReadTimeout    = 10 * time.Second
	defaultFrameReadTimeout   = 30 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultDeclineGracePeriod = 500 * time.Millisecond
	defaultKeepAlivePeriod    = 30 * time.Second
)

var (
	// ErrNotConnected is returned by sends while no stream is live.
	ErrNotConnected = errors.New("network: not connected")
	// ErrAlreadyStarting is returned when a start is requested while another is in flight.
	ErrAlreadyStarting = errors.New("network: session start already in progress")
	// ErrAcceptTimeout is returned when no client connects within the accept timeout.
	ErrAcceptTimeout = errors.New("network: accept timed out")
	// ErrManagerClosed is returned by operations on a closed Manager.
	ErrManagerClosed = errors.New("network: manager closed")
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// ListenAddress is bound by the listener role. Defaults to ":8888".
	ListenAddress string
	// Port is dialed by the initiator when the target has no port.
	Port int

	AcceptTimeout     time.Duration
	MaxListenAttempts int
	ListenRetryDelay  time.Duration

	DialTimeout     time.Duration
	MaxDialAttempts int
	Backoff         BackoffConfig

	RetryInterval      time.Duration
	IdleReadTimeout    time.Duration
	FrameReadTimeout   time.Duration
	WriteTimeout       time.Duration
	DeclineGracePeriod time.Duration

	MaxSendRetries    int
	MaxQueuedMessages int

	// AutoDeliveryReceipt answers received text and image frames with a
	// DeliveryReceipt. Defaults to true.
	AutoDeliveryReceipt *bool
	// LocalProfile is sent automatically once pairing is accepted.
	LocalProfile *ProfileInfo

	Handler Handler
	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics Metrics

	Listen func(network, address string) (net.Listener, error)
	Dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager owns at most one current session and the pending delivery queue.
type Manager struct {
	options Options
	logger  *zap.Logger
	clock   clock.Clock
	events  *dispatcher
	queue   *PendingQueue

	ctx    context.Context
	cancel context.CancelFunc

	// starting points at the session whose establishment is in flight.
	starting atomic.Pointer[session]
	nextID   atomic.Uint64

	mu      sync.Mutex
	current *session
	closed  bool

	wg sync.WaitGroup
}

// NewManager validates options and creates an idle Manager.
func NewManager(options Options) (*Manager, error) {
	if options.Port < 0 || options.Port > 65535 {
		return nil, fmt.Errorf("network: invalid port %d", options.Port)
	}
	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.ListenAddress == "" {
		options.ListenAddress = fmt.Sprintf(":%d", options.Port)
	}
	if options.AcceptTimeout <= 0 {
		options.AcceptTimeout = defaultAcceptTimeout
	}
	if options.MaxListenAttempts <= 0 {
		options.MaxListenAttempts = defaultMaxListenAttempts
	}
	if options.ListenRetryDelay < 0 {
		options.ListenRetryDelay = 0
	} else if options.ListenRetryDelay == 0 {
		options.ListenRetryDelay = defaultListenRetryDelay
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.MaxDialAttempts <= 0 {
		options.MaxDialAttempts = defaultMaxDialAttempts
	}
	if options.Backoff == (BackoffConfig{}) {
		options.Backoff = DefaultBackoff()
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = defaultRetryInterval
	}
	if options.IdleReadTimeout <= 0 {
		options.IdleReadTimeout = defaultIdleReadTimeout
	}
	if options.FrameReadTimeout <= 0 {
		options.FrameReadTimeout = defaultFrameReadTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaultWriteTimeout
	}
	if options.DeclineGracePeriod <= 0 {
		options.DeclineGracePeriod = defaultDeclineGracePeriod
	}
	if options.AutoDeliveryReceipt == nil {
		enabled := true
		options.AutoDeliveryReceipt = &enabled
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Metrics == nil {
		options.Metrics = nopMetrics{}
	}
	if options.Listen == nil {
		options.Listen = net.Listen
	}
	if options.Dial == nil {
		dialer := &net.Dialer{KeepAlive: defaultKeepAlivePeriod}
		options.Dial = dialer.DialContext
	}

	logger := options.Logger.Named("link")
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		logger:  logger,
		clock:   options.Clock,
		events:  newDispatcher(options.Handler, logger),
		queue:   NewPendingQueue(options.MaxSendRetries, options.MaxQueuedMessages, options.Clock),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// StartListener starts a listener session in the background, superseding
// any current session.
func (m *Manager) StartListener() error {
	return m.start(RoleListener, "", m.runListener)
}

// StartInitiator dials address in the background, superseding any current
// session. The configured port is used when address carries none.
func (m *Manager) StartInitiator(address string) error {
	if address == "" {
		return errors.New("network: initiator address is required")
	}
	return m.start(RoleInitiator, address, m.runInitiator)
}

func (m *Manager) start(role Role, target string, run func(*session)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.starting.Load() != nil {
		m.mu.Unlock()
		return ErrAlreadyStarting
	}

	prev := m.current
	s := newSession(m.ctx, m.nextID.Add(1), role, target)
	m.current = s
	m.starting.Store(s)
	m.wg.Add(1)
	m.mu.Unlock()

	if prev != nil {
		if err := m.disconnect(prev); err != nil {
			m.logger.Debug("close superseded session", zap.Uint64("session", prev.id), zap.Error(err))
		}
	}
	m.logger.Info("session starting", zap.Uint64("session", s.id), zap.Stringer("role", role), zap.String("target", target))

	go func() {
		defer m.wg.Done()
		run(s)
	}()
	return nil
}

// spawn runs fn on a goroutine that Close waits for. It reports false once
// the Manager is closed.
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// CloseConnections tears down the current session and clears the pending
// queue, raising EventMessageDropped for each discarded message. It is
// idempotent and safe to call from an event handler.
func (m *Manager) CloseConnections() error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	return m.closeSession(s)
}

// closeSession is CloseConnections scoped to s: the queue is only cleared
// while s is still the current session.
func (m *Manager) closeSession(s *session) error {
	var err error
	if s != nil {
		err = m.disconnect(s)
	}

	if s == nil || m.isCurrent(s) {
		cleared := m.queue.Clear()
		if len(cleared) > 0 {
			m.logger.Info("pending queue cleared", zap.Int("count", len(cleared)))
		}
		for i := range cleared {
			msg := cleared[i]
			m.options.Metrics.MessageDropped(msg.Kind)
			m.events.emit(Event{Type: EventMessageDropped, Dropped: &msg, MessageID: MessageID(msg.Frame)})
		}
	}
	return err
}

// Close shuts the Manager down and waits for its goroutines. It must not be
// called from an event handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.CloseConnections()
	m.cancel()
	m.wg.Wait()
	m.events.stop()
	return err
}

// State reports the current session state; StateIdle before any start.
func (m *Manager) State() State {
	if s := m.currentSession(); s != nil {
		return s.getState()
	}
	return StateIdle
}

// Connected reports whether the stream is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Role reports the role of the current session.
func (m *Manager) Role() Role {
	if s := m.currentSession(); s != nil {
		return s.role
	}
	return RoleNone
}

// Pending returns a snapshot of the pending delivery queue.
func (m *Manager) Pending() []PendingMessage {
	return m.queue.Snapshot()
}

// RemoteAddr returns the peer address of a live stream, or "".
func (m *Manager) RemoteAddr() string {
	s := m.currentSession()
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != StateConnected {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Send writes any frame on the current session. Retryable kinds are queued
// when the write cannot happen.
func (m *Manager) Send(frame Frame) error {
	_, err := m.sendFrame(frame)
	return err
}

// SendText sends a text message.
func (m *Manager) SendText(body string) error {
	return m.Send(Text{Body: body})
}

// SendImage sends an image payload.
func (m *Manager) SendImage(data []byte) error {
	return m.Send(Image{Data: data})
}

// SendDeliveryReceipt acknowledges a received message. Receipts are never queued.
func (m *Manager) SendDeliveryReceipt(messageID string) error {
	return m.Send(DeliveryReceipt{MessageID: messageID})
}

// SendSeenReceipt reports a message as shown. Receipts are never queued.
func (m *Manager) SendSeenReceipt(messageID string) error {
	return m.Send(SeenReceipt{MessageID: messageID})
}

func (m *Manager) sendFrame(frame Frame) (*session, error) {
	if frame == nil {
		return nil, ErrNilFrame
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	s := m.currentSession()
	if s == nil || s.getState() != StateConnected {
		m.enqueue(frame)
		return s, ErrNotConnected
	}

	if err := m.writeFrame(s, frame); err != nil {
		if errors.Is(err, ErrFieldTooLarge) {
			return s, err
		}
		m.logger.Warn("send failed", zap.Uint64("session", s.id), zap.String("kind", string(frame.Kind())), zap.Error(err))
		_ = m.disconnect(s)
		m.enqueue(frame)
		return s, err
	}
	return s, nil
}

func (m *Manager) enqueue(frame Frame) {
	if !frame.Kind().Retryable() {
		return
	}
	if evicted := m.queue.Enqueue(frame); evicted != nil {
		m.logger.Warn("pending queue full, dropping oldest", zap.String("kind", string(evicted.Kind)))
		m.options.Metrics.MessageDropped(evicted.Kind)
		m.events.emit(Event{Type: EventMessageDropped, Dropped: evicted, MessageID: MessageID(evicted.Frame)})
	}
}

// sweep retries every queued frame once on s.
func (m *Manager) sweep(s *session) {
	if s.getState() != StateConnected || m.queue.Len() == 0 {
		return
	}
	dropped := m.queue.DrainRetry(func(frame Frame) error {
		if s.getState() != StateConnected {
			return ErrNotConnected
		}
		if err := m.writeFrame(s, frame); err != nil {
			if !errors.Is(err, ErrFieldTooLarge) {
				_ = m.disconnect(s)
			}
			return err
		}
		return nil
	})
	for i := range dropped {
		msg := dropped[i]
		m.logger.Warn("pending message dropped after retries",
			zap.String("kind", string(msg.Kind)),
			zap.Int("retries", msg.RetryCount),
		)
		m.options.Metrics.MessageDropped(msg.Kind)
		m.events.emit(Event{Type: EventMessageDropped, Role: s.role, Dropped: &msg, MessageID: MessageID(msg.Frame)})
	}
}

// goSend writes frame on s from a tracked goroutine so the read loop never
// blocks on its own replies.
func (m *Manager) goSend(s *session, frame Frame) {
	m.spawn(func() {
		if s.getState() != StateConnected {
			m.enqueue(frame)
			return
		}
		if err := m.writeFrame(s, frame); err != nil {
			m.logger.Debug("reply failed", zap.String("kind", string(frame.Kind())), zap.Error(err))
			_ = m.disconnect(s)
			m.enqueue(frame)
		}
	})
}

func (m *Manager) currentSession() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == s
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// disconnect moves s to StateDisconnected once, closing its resources and
// reporting the lost connection.
func (m *Manager) disconnect(s *session) error {
	conn, ln, changed := s.markDisconnected()
	if !changed {
		return nil
	}
	m.starting.CompareAndSwap(s, nil)

	var err error
	if conn != nil {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	if ln != nil {
		err = multierr.Append(err, ignoreClosed(ln.Close()))
	}

	m.logger.Info("session disconnected", zap.Uint64("session", s.id), zap.Stringer("role", s.role))
	m.options.Metrics.SessionConnected(s.role, false)
	m.events.emit(Event{Type: EventConnectionStatusChanged, Role: s.role, Connected: false})
	return err
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
