package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// Peer is one advertised listener.
type Peer struct {
	DeviceID    string
	DeviceName  string
	DisplayName string
	Version     int
	HostName    string
	Port        int
	Addresses   []string
}

// DialAddress returns host:port for the first known address.
func (p Peer) DialAddress() string {
	host := strings.TrimSuffix(p.HostName, ".")
	if len(p.Addresses) > 0 {
		host = p.Addresses[0]
	}
	if host == "" {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Scan browses for cfg.ScanTimeout and returns the peers found, excluding
// cfg.DeviceID, sorted by name.
func Scan(ctx context.Context, cfg Config) ([]Peer, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.Named("discovery")

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var (
		mu        sync.Mutex
		collected = make(map[string]Peer)
	)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				peer, ok := parseEntry(entry, cfg.DeviceID)
				if !ok {
					continue
				}
				mu.Lock()
				collected[peer.DeviceID] = peer
				mu.Unlock()
				logger.Debug("peer found", zap.String("device_id", peer.DeviceID), zap.String("address", peer.DialAddress()))
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Peer, 0, len(collected))
	for _, peer := range collected {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}

	version := 0
	if raw := txt["version"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	// IPv4 first so DialAddress prefers it.
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		start := len(addresses)
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			addresses = append(addresses, raw)
		}
		sort.Strings(addresses[start:])
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:    deviceID,
		DeviceName:  name,
		DisplayName: txt["display_name"],
		Version:     version,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
