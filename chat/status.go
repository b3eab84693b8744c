package chat

import (
	"fmt"

	"peerlink/network"
)

// StatusText returns the connection status line shown for e, or "" when e
// does not change it.
func StatusText(e network.Event) string {
	switch e.Type {
	case network.EventListening:
		return "Waiting for connection..."
	case network.EventDialRetry:
		return fmt.Sprintf("Connecting (%d/%d)...", e.Attempt+1, e.Attempts)
	case network.EventConnectionStatusChanged:
		if e.Connected {
			return "Connected - Chat active"
		}
		return "Disconnected"
	case network.EventServerFailed:
		return fmt.Sprintf("Server failed after %d attempts", e.Attempts)
	case network.EventConnectionFailed:
		return "Connection failed"
	}
	return ""
}
