package network

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

// runListener binds, waits for one client and runs the session. Each
// attempt gets its own listener; after MaxListenAttempts failures the
// session ends with EventServerFailed.
func (m *Manager) runListener(s *session) {
	attempts := m.options.MaxListenAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := m.acceptOnce(s)
		if err == nil {
			m.establish(s, conn)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		lastErr = err
		m.logger.Warn("listen attempt failed",
			zap.Uint64("session", s.id),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if attempt < attempts && !sleepContext(s.ctx, m.clock, m.options.ListenRetryDelay) {
			return
		}
	}

	m.logger.Error("listener gave up", zap.Uint64("session", s.id), zap.Int("attempts", attempts), zap.Error(lastErr))
	m.events.emit(Event{Type: EventServerFailed, Role: RoleListener, Attempts: attempts, Err: lastErr})
	_ = m.disconnect(s)
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// acceptOnce binds the listen address and accepts a single client within
// AcceptTimeout. The listener is always closed before returning.
func (m *Manager) acceptOnce(s *session) (net.Conn, error) {
	address := m.options.ListenAddress
	ln, err := m.options.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	if !s.setListener(ln) {
		_ = ln.Close()
		return nil, s.ctx.Err()
	}
	defer func() {
		s.clearListener(ln)
		_ = ln.Close()
	}()

	m.logger.Info("waiting for connection", zap.Uint64("session", s.id), zap.String("address", ln.Addr().String()))
	m.events.emit(Event{Type: EventListening, Role: RoleListener, Address: ln.Addr()})

	results := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		results <- acceptResult{conn: conn, err: err}
	}()

	timer := m.clock.Timer(m.options.AcceptTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return r.conn, nil
	case <-timer.C:
		discardAccept(ln, results)
		return nil, ErrAcceptTimeout
	case <-s.ctx.Done():
		discardAccept(ln, results)
		return nil, s.ctx.Err()
	}
}

// discardAccept unblocks a pending Accept and closes any late client.
func discardAccept(ln net.Listener, results <-chan acceptResult) {
	_ = ln.Close()
	if r := <-results; r.conn != nil {
		_ = r.conn.Close()
	}
}
