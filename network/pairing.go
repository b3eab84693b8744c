package network

import (
	"go.uber.org/zap"
)

// PairingState tracks the consent exchange on the current session. The
// core does not gate traffic on it.
type PairingState int

const (
	PairingNone PairingState = iota
	// PairingRequested means the peer asked and a local answer is due.
	PairingRequested
	// PairingAwaitingReply means a local request was sent.
	PairingAwaitingReply
	PairingAccepted
	PairingDeclined
)

func (p PairingState) String() string {
	switch p {
	case PairingRequested:
		return "requested"
	case PairingAwaitingReply:
		return "awaiting_reply"
	case PairingAccepted:
		return "accepted"
	case PairingDeclined:
		return "declined"
	default:
		return "none"
	}
}

func (s *session) setPairing(state PairingState) {
	s.mu.Lock()
	s.pairing = state
	s.mu.Unlock()
}

func (s *session) getPairing() PairingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairing
}

// PairingState reports the consent state of the current session.
func (m *Manager) PairingState() PairingState {
	if s := m.currentSession(); s != nil {
		return s.getPairing()
	}
	return PairingNone
}

// SendProfile sends the local profile. photoBase64 may be empty.
func (m *Manager) SendProfile(userID, displayName, photoBase64 string) error {
	return m.Send(ProfileInfo{UserID: userID, DisplayName: displayName, PhotoBase64: photoBase64})
}

// SendPairingRequest asks the peer for consent to pair.
func (m *Manager) SendPairingRequest(deviceName, deviceAddress string) error {
	s, err := m.sendFrame(PairingRequest{DeviceName: deviceName, DeviceAddress: deviceAddress})
	if err != nil {
		return err
	}
	s.setPairing(PairingAwaitingReply)
	return nil
}

// SendPairingResponse answers a pairing request. A delivered decline tears
// the session down after DeclineGracePeriod. Responses are never queued.
func (m *Manager) SendPairingResponse(accepted bool) error {
	s, err := m.sendFrame(PairingResponse{Accepted: accepted})
	if err != nil {
		return err
	}

	if accepted {
		s.setPairing(PairingAccepted)
		m.sendLocalProfile(s)
		return nil
	}

	s.setPairing(PairingDeclined)
	m.logger.Info("pairing declined locally, closing session", zap.Uint64("session", s.id))
	m.spawn(func() {
		sleepContext(s.ctx, m.clock, m.options.DeclineGracePeriod)
		_ = m.closeSession(s)
	})
	return nil
}

func (m *Manager) handlePairingRequest(s *session, f PairingRequest) {
	s.setPairing(PairingRequested)
	m.logger.Info("pairing requested", zap.Uint64("session", s.id), zap.String("device", f.DeviceName))
	m.events.emit(Event{
		Type:          EventPairingRequest,
		Role:          s.role,
		DeviceName:    f.DeviceName,
		DeviceAddress: f.DeviceAddress,
	})
}

// handlePairingResponse reports the peer's answer. A decline closes the
// session and clears the queue; it returns false so the read loop stops.
func (m *Manager) handlePairingResponse(s *session, f PairingResponse) bool {
	m.events.emit(Event{Type: EventPairingResponse, Role: s.role, Accepted: f.Accepted})
	if f.Accepted {
		s.setPairing(PairingAccepted)
		m.sendLocalProfile(s)
		return true
	}

	s.setPairing(PairingDeclined)
	m.logger.Info("pairing declined by peer, closing session", zap.Uint64("session", s.id))
	if err := m.closeSession(s); err != nil {
		m.logger.Debug("close declined session", zap.Uint64("session", s.id), zap.Error(err))
	}
	return false
}

func (m *Manager) sendLocalProfile(s *session) {
	if m.options.LocalProfile == nil {
		return
	}
	m.goSend(s, *m.options.LocalProfile)
}
