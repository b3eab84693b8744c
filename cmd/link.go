package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/chat"
	"peerlink/discovery"
	"peerlink/network"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for a peer to connect",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLink(cmd, func(m *network.Manager) (func(), error) {
			if err := m.StartListener(); err != nil {
				return nil, err
			}
			if !cfg.Link.AdvertiseMDNS {
				return nil, nil
			}
			advertiser, err := discovery.Advertise(discovery.Config{
				DeviceID:    cfg.DeviceID,
				DeviceName:  cfg.DeviceName,
				DisplayName: cfg.DisplayName,
				Port:        cfg.Link.Port,
				Logger:      logger,
			})
			if err != nil {
				logger.Warn("mDNS advertisement failed", zap.Error(err))
				return nil, nil
			}
			return advertiser.Stop, nil
		}, false)
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial <address>",
	Short: "Connect to a listening peer and request pairing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLink(cmd, func(m *network.Manager) (func(), error) {
			return nil, m.StartInitiator(args[0])
		}, true)
	},
}

// runLink wires storage, chat and the link manager, starts the session
// and runs the console until stdin closes or a signal arrives.
func runLink(cmd *cobra.Command, start func(*network.Manager) (func(), error), requestPairing bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	profile, err := localProfile()
	if err != nil {
		return err
	}

	view := &consoleView{out: out}
	svc, err := chat.NewService(store, chat.Options{
		ImageDir: filepath.Join(filepath.Dir(cfgPath), "images"),
		Next:     view,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	options := cfg.Link.Options(logger)
	options.LocalProfile = &profile
	options.Handler = svc
	if cfg.Link.MetricsAddress != "" {
		metrics, stopMetrics, err := serveMetrics(cfg.Link.MetricsAddress)
		if err != nil {
			return err
		}
		defer stopMetrics()
		options.Metrics = metrics
	}
	manager, err := network.NewManager(options)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("link close failed", zap.Error(err))
		}
	}()

	svc.Attach(manager)
	view.attach(svc, manager, requestPairing, cfg.DeviceName)

	cleanup, err := start(manager)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	console := &console{in: cmd.InOrStdin(), out: out, chat: svc, link: manager}
	return console.run(ctx)
}

func localProfile() (network.ProfileInfo, error) {
	profile := network.ProfileInfo{UserID: cfg.UserID, DisplayName: cfg.DisplayName}
	if cfg.PhotoPath == "" {
		return profile, nil
	}
	raw, err := os.ReadFile(cfg.PhotoPath)
	if err != nil {
		return profile, fmt.Errorf("read profile photo: %w", err)
	}
	profile.PhotoBase64 = base64.StdEncoding.EncodeToString(raw)
	return profile, nil
}

// consoleView prints events and drives the initiator's pairing request.
type consoleView struct {
	out io.Writer

	chat           *chat.Service
	link           *network.Manager
	requestPairing bool
	deviceName     string
}

func (v *consoleView) attach(svc *chat.Service, link *network.Manager, requestPairing bool, deviceName string) {
	v.chat = svc
	v.link = link
	v.requestPairing = requestPairing
	v.deviceName = deviceName
}

func (v *consoleView) HandleEvent(e network.Event) {
	if status := chat.StatusText(e); status != "" {
		fmt.Fprintf(v.out, "* %s\n", status)
	}

	switch e.Type {
	case network.EventConnectionStatusChanged:
		if e.Connected && v.requestPairing {
			// Handlers run on the event goroutine; writes happen elsewhere.
			go func() {
				if err := v.link.SendPairingRequest(v.deviceName, ""); err != nil {
					logger.Warn("pairing request failed", zap.Error(err))
				}
			}()
		}
	case network.EventPairingRequest:
		fmt.Fprintf(v.out, "* %s wants to pair. Type /accept or /decline\n", e.DeviceName)
	case network.EventPairingResponse:
		if e.Accepted {
			fmt.Fprintln(v.out, "* pairing accepted")
		} else {
			fmt.Fprintln(v.out, "* pairing declined")
		}
	case network.EventProfileReceived:
		fmt.Fprintf(v.out, "* chatting with %s\n", e.Profile.DisplayName)
		if err := v.chat.SetVisibleChat(e.Profile.UserID); err != nil {
			logger.Warn("set visible chat failed", zap.Error(err))
		}
	case network.EventMessageReceived:
		if e.IsImage {
			fmt.Fprintf(v.out, "< [image, %d bytes]\n", len(e.Image))
		} else {
			fmt.Fprintf(v.out, "< %s\n", e.Text)
		}
	case network.EventDeliveryStatusChanged:
		fmt.Fprintln(v.out, "* delivered")
	case network.EventSeenStatusChanged:
		fmt.Fprintln(v.out, "* seen")
	case network.EventMessageDropped:
		fmt.Fprintln(v.out, "* a queued message could not be delivered")
	}
}

func init() {
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(dialCmd)
}
