package network

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
)

// runInitiator dials the session target with exponential backoff between
// attempts. After MaxDialAttempts failures the session ends with
// EventConnectionFailed.
func (m *Manager) runInitiator(s *session) {
	address := dialAddress(s.target, m.options.Port)
	attempts := m.options.MaxDialAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m.logger.Debug("dialing", zap.Uint64("session", s.id), zap.String("address", address), zap.Int("attempt", attempt))

		conn, err := m.dialOnce(s.ctx, address)
		if err == nil {
			m.establish(s, conn)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		delay := NextBackoffDelay(m.options.Backoff, attempt)
		m.logger.Warn("dial attempt failed",
			zap.Uint64("session", s.id),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		m.events.emit(Event{
			Type:     EventDialRetry,
			Role:     RoleInitiator,
			Attempt:  attempt,
			Attempts: attempts,
			Delay:    delay,
			Err:      err,
		})
		if !sleepContext(s.ctx, m.clock, delay) {
			return
		}
	}

	m.logger.Error("initiator gave up", zap.Uint64("session", s.id), zap.String("address", address), zap.Error(lastErr))
	m.events.emit(Event{Type: EventConnectionFailed, Role: RoleInitiator, Attempts: attempts, Err: lastErr})
	_ = m.disconnect(s)
}

func (m *Manager) dialOnce(ctx context.Context, address string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.options.DialTimeout)
	defer cancel()

	conn, err := m.options.Dial(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}

// dialAddress appends port unless target already names one.
func dialAddress(target string, port int) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, strconv.Itoa(port))
}
