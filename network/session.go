package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDialing
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role selects how a session establishes its stream.
type Role int

const (
	RoleNone Role = iota
	RoleListener
	RoleInitiator
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleInitiator:
		return "initiator"
	default:
		return "none"
	}
}

// session is one attempt at a stream. Once Disconnected it is never reused.
type session struct {
	id     uint64
	role   Role
	target string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     net.Conn
	listener net.Listener
	pairing  PairingState

	writeMu sync.Mutex
}

func newSession(parent context.Context, id uint64, role Role, target string) *session {
	ctx, cancel := context.WithCancel(parent)
	state := StateListening
	if role == RoleInitiator {
		state = StateDialing
	}
	return &session{
		id:     id,
		role:   role,
		target: target,
		ctx:    ctx,
		cancel: cancel,
		state:  state,
	}
}

func (s *session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) liveConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.conn
}

// markConnected installs conn unless the session was torn down meanwhile.
func (s *session) markConnected(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening && s.state != StateDialing {
		return false
	}
	s.state = StateConnected
	s.conn = conn
	s.listener = nil
	return true
}

func (s *session) markDisconnected() (net.Conn, net.Listener, bool) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.state = StateDisconnected
	conn, ln := s.conn, s.listener
	s.listener = nil
	s.mu.Unlock()

	s.cancel()
	return conn, ln, true
}

// setListener tracks the bound listener so a teardown can unblock Accept.
func (s *session) setListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return false
	}
	s.listener = ln
	return true
}

func (s *session) clearListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == ln {
		s.listener = nil
	}
}

func configureConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(defaultKeepAlivePeriod)
}

// establish moves s to Connected and runs it until the stream ends.
func (m *Manager) establish(s *session, conn net.Conn) {
	configureConn(conn)
	if !s.markConnected(conn) {
		_ = conn.Close()
		return
	}
	m.starting.CompareAndSwap(s, nil)

	m.logger.Info("session connected",
		zap.Uint64("session", s.id),
		zap.Stringer("role", s.role),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	m.options.Metrics.SessionConnected(s.role, true)
	m.events.emit(Event{Type: EventConnectionStatusChanged, Role: s.role, Connected: true})

	m.spawn(func() { m.retryLoop(s) })

	if err := m.readLoop(s, conn); err != nil && s.ctx.Err() == nil {
		m.logger.Warn("read loop stopped", zap.Uint64("session", s.id), zap.Error(err))
	}
	if err := m.disconnect(s); err != nil {
		m.logger.Debug("close session", zap.Uint64("session", s.id), zap.Error(err))
	}
}

// readLoop decodes and dispatches frames until the stream closes, a
// protocol error occurs, or dispatch asks to stop. Deadlines are wall-clock.
func (m *Manager) readLoop(s *session, conn net.Conn) error {
	reader := newFrameReader(conn)
	for {
		if s.ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(m.options.IdleReadTimeout)); err != nil {
			return fmt.Errorf("set idle read deadline: %w", err)
		}
		if err := reader.waitForFrame(); err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				m.logger.Info("stream closed by peer", zap.Uint64("session", s.id))
				return nil
			}
			return fmt.Errorf("wait for frame: %w", err)
		}

		if err := conn.SetReadDeadline(time.Now().Add(m.options.FrameReadTimeout)); err != nil {
			return fmt.Errorf("set frame read deadline: %w", err)
		}
		frame, err := reader.next()
		if err != nil {
			return err
		}
		m.logger.Debug("frame received", zap.Uint64("session", s.id), zap.String("kind", string(frame.Kind())))
		m.options.Metrics.FrameReceived(frame.Kind())

		if !m.dispatch(s, frame) {
			return nil
		}
	}
}

// dispatch turns one inbound frame into events and replies. It returns
// false when the session must stop reading.
func (m *Manager) dispatch(s *session, frame Frame) bool {
	switch f := frame.(type) {
	case Text:
		id := MessageID(f)
		m.events.emit(Event{Type: EventMessageReceived, Role: s.role, Text: f.Body, MessageID: id})
		m.acknowledge(s, id)
	case Image:
		id := MessageID(f)
		m.events.emit(Event{
			Type:        EventMessageReceived,
			Role:        s.role,
			IsImage:     true,
			Image:       f.Data,
			ImageBase64: encodeImage(f.Data),
			MessageID:   id,
		})
		m.acknowledge(s, id)
	case DeliveryReceipt:
		m.events.emit(Event{Type: EventDeliveryStatusChanged, Role: s.role, MessageID: f.MessageID, Delivered: true})
	case SeenReceipt:
		m.events.emit(Event{Type: EventSeenStatusChanged, Role: s.role, MessageID: f.MessageID, Seen: true})
	case ProfileInfo:
		m.events.emit(Event{Type: EventProfileReceived, Role: s.role, Profile: f})
	case PairingRequest:
		m.handlePairingRequest(s, f)
	case PairingResponse:
		return m.handlePairingResponse(s, f)
	}
	return true
}

func (m *Manager) acknowledge(s *session, messageID string) {
	if !*m.options.AutoDeliveryReceipt {
		return
	}
	m.goSend(s, DeliveryReceipt{MessageID: messageID})
}

// retryLoop sweeps the pending queue on connect and every RetryInterval
// until s leaves Connected.
func (m *Manager) retryLoop(s *session) {
	m.sweep(s)

	ticker := m.clock.Ticker(m.options.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(s)
		}
	}
}

// writeFrame performs one deadline-bounded write on s.
func (m *Manager) writeFrame(s *session, frame Frame) error {
	payload, err := Encode(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn := s.liveConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(m.options.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Kind(), err)
	}
	m.options.Metrics.FrameSent(frame.Kind())
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func encodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
