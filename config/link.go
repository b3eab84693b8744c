package config

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peerlink/network"
)

// Duration is a time.Duration persisted as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// LinkConfig holds the peer link session settings.
type LinkConfig struct {
	Port               int      `json:"port"`
	AcceptTimeout      Duration `json:"accept_timeout"`
	MaxListenAttempts  int      `json:"max_listen_attempts"`
	ListenRetryDelay   Duration `json:"listen_retry_delay"`
	DialTimeout        Duration `json:"dial_timeout"`
	MaxDialAttempts    int      `json:"max_dial_attempts"`
	BackoffInitial     Duration `json:"backoff_initial"`
	BackoffMax         Duration `json:"backoff_max"`
	RetryInterval      Duration `json:"retry_interval"`
	IdleReadTimeout    Duration `json:"idle_read_timeout"`
	FrameReadTimeout   Duration `json:"frame_read_timeout"`
	WriteTimeout       Duration `json:"write_timeout"`
	DeclineGracePeriod Duration `json:"decline_grace_period"`
	MaxSendRetries     int      `json:"max_send_retries"`
	MaxQueuedMessages  int      `json:"max_queued_messages"`
	DeliveryReceipts   *bool    `json:"delivery_receipts,omitempty"`
	AdvertiseMDNS      bool     `json:"advertise_mdns"`
	// MetricsAddress serves Prometheus metrics when set, e.g. "127.0.0.1:9108".
	MetricsAddress string `json:"metrics_address,omitempty"`
}

// DefaultLinkConfig returns the stock session settings.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Port:               network.DefaultPort,
		AcceptTimeout:      Duration(30 * time.Second),
		MaxListenAttempts:  3,
		ListenRetryDelay:   Duration(2 * time.Second),
		DialTimeout:        Duration(10 * time.Second),
		MaxDialAttempts:    10,
		BackoffInitial:     Duration(time.Second),
		BackoffMax:         Duration(8 * time.Second),
		RetryInterval:      Duration(3 * time.Second),
		IdleReadTimeout:    Duration(10 * time.Second),
		FrameReadTimeout:   Duration(30 * time.Second),
		WriteTimeout:       Duration(10 * time.Second),
		DeclineGracePeriod: Duration(500 * time.Millisecond),
		MaxSendRetries:     network.DefaultMaxSendRetries,
		MaxQueuedMessages:  network.DefaultMaxQueuedMessages,
		AdvertiseMDNS:      true,
	}
}

// Validate rejects values the link cannot run with.
func (c LinkConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("link.port %d out of range", c.Port)
	}
	if c.BackoffMax > 0 && c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("link.backoff_initial %s exceeds link.backoff_max %s",
			time.Duration(c.BackoffInitial), time.Duration(c.BackoffMax))
	}
	return nil
}

// normalize backfills zero fields from DefaultLinkConfig.
func (c *LinkConfig) normalize() bool {
	defaults := DefaultLinkConfig()
	updated := false

	fillInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
			updated = true
		}
	}
	fillDuration := func(v *Duration, def Duration) {
		if *v <= 0 {
			*v = def
			updated = true
		}
	}

	fillInt(&c.Port, defaults.Port)
	fillInt(&c.MaxListenAttempts, defaults.MaxListenAttempts)
	fillInt(&c.MaxDialAttempts, defaults.MaxDialAttempts)
	fillInt(&c.MaxSendRetries, defaults.MaxSendRetries)
	fillInt(&c.MaxQueuedMessages, defaults.MaxQueuedMessages)
	fillDuration(&c.AcceptTimeout, defaults.AcceptTimeout)
	fillDuration(&c.ListenRetryDelay, defaults.ListenRetryDelay)
	fillDuration(&c.DialTimeout, defaults.DialTimeout)
	fillDuration(&c.BackoffInitial, defaults.BackoffInitial)
	fillDuration(&c.BackoffMax, defaults.BackoffMax)
	fillDuration(&c.RetryInterval, defaults.RetryInterval)
	fillDuration(&c.IdleReadTimeout, defaults.IdleReadTimeout)
	fillDuration(&c.FrameReadTimeout, defaults.FrameReadTimeout)
	fillDuration(&c.WriteTimeout, defaults.WriteTimeout)
	fillDuration(&c.DeclineGracePeriod, defaults.DeclineGracePeriod)

	return updated
}

// Options converts the settings into manager options. Handler, profile
// and hooks are left for the caller.
func (c LinkConfig) Options(logger *zap.Logger) network.Options {
	return network.Options{
		ListenAddress:     fmt.Sprintf(":%d", c.Port),
		Port:              c.Port,
		AcceptTimeout:     time.Duration(c.AcceptTimeout),
		MaxListenAttempts: c.MaxListenAttempts,
		ListenRetryDelay:  time.Duration(c.ListenRetryDelay),
		DialTimeout:       time.Duration(c.DialTimeout),
		MaxDialAttempts:   c.MaxDialAttempts,
		Backoff: network.BackoffConfig{
			InitialDelay: time.Duration(c.BackoffInitial),
			Multiplier:   2.0,
			MaxDelay:     time.Duration(c.BackoffMax),
		},
		RetryInterval:       time.Duration(c.RetryInterval),
		IdleReadTimeout:     time.Duration(c.IdleReadTimeout),
		FrameReadTimeout:    time.Duration(c.FrameReadTimeout),
		WriteTimeout:        time.Duration(c.WriteTimeout),
		DeclineGracePeriod:  time.Duration(c.DeclineGracePeriod),
		MaxSendRetries:      c.MaxSendRetries,
		MaxQueuedMessages:   c.MaxQueuedMessages,
		AutoDeliveryReceipt: c.DeliveryReceipts,
		Logger:              logger,
	}
}
