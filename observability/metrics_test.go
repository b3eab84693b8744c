package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"peerlink/network"
)

func TestLinkMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewLinkMetrics(reg)
	if err != nil {
		t.Fatalf("NewLinkMetrics failed: %v", err)
	}

	m.FrameSent(network.KindText)
	m.FrameSent(network.KindText)
	m.FrameReceived(network.KindDeliveryReceipt)
	m.MessageDropped(network.KindImage)
	m.SessionConnected(network.RoleListener, true)

	if got := testutil.ToFloat64(m.framesSent.WithLabelValues(string(network.KindText))); got != 2 {
		t.Fatalf("expected 2 text frames sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues(string(network.KindDeliveryReceipt))); got != 1 {
		t.Fatalf("expected 1 receipt received, got %v", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues(string(network.KindImage))); got != 1 {
		t.Fatalf("expected 1 dropped image, got %v", got)
	}
	if got := testutil.ToFloat64(m.connected.WithLabelValues("listener")); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}

	m.SessionConnected(network.RoleListener, false)
	if got := testutil.ToFloat64(m.connected.WithLabelValues("listener")); got != 0 {
		t.Fatalf("expected connected gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("listener")); got != 1 {
		t.Fatalf("expected 1 session, got %v", got)
	}

	if _, err := NewLinkMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
