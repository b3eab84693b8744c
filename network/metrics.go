package network

// Metrics receives link counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FrameSent(kind Kind)
	FrameReceived(kind Kind)
	MessageDropped(kind Kind)
	SessionConnected(role Role, connected bool)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent(Kind)              {}
func (nopMetrics) FrameReceived(Kind)          {}
func (nopMetrics) MessageDropped(Kind)         {}
func (nopMetrics) SessionConnected(Role, bool) {}
