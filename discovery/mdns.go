// Package discovery advertises a listening peerlink endpoint over mDNS and
// browses for others on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and scanning.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	DeviceID    string
	DeviceName  string
	DisplayName string
	Port        int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser publishes the local listener until Stop.
type Advertiser struct {
	server *zeroconf.Server
	logger *zap.Logger
}

// Advertise registers the local listener under cfg.DeviceName.
func Advertise(cfg Config) (*Advertiser, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("discovery: device ID is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("discovery: device name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(cfg.Version),
	}
	if cfg.DisplayName != "" {
		txt = append(txt, "display_name="+cfg.DisplayName)
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logger := cfg.Logger.Named("discovery")
	logger.Info("advertising listener", zap.String("service", cfg.Service), zap.Int("port", cfg.Port))
	return &Advertiser{server: server, logger: logger}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Debug("advertisement stopped")
}
