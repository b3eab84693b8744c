// Package cmd implements the peerlink command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerlink/config"
	"peerlink/observability"
	"peerlink/storage"
)

var (
	dataDir  string
	logLevel string
	logJSON  bool

	// Set during PersistentPreRunE.
	cfg     *config.DeviceConfig
	cfgPath string
	logger  *zap.Logger
	store   *storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Two-party chat over a single TCP link",
	Long: `peerlink connects two devices on the same network over one TCP stream.
One side listens, the other dials. Once paired, both sides exchange
profiles, text, images and delivery/seen receipts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir != "" {
			if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
				return fmt.Errorf("set data directory: %w", err)
			}
		}

		var err error
		cfg, cfgPath, err = config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logJSON {
			cfg.Log.Format = "json"
		}

		logger, err = observability.SetupLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logger: %w", err)
		}
		logger.Debug("config loaded", zap.String("path", cfgPath), zap.String("device_id", cfg.DeviceID))

		if cmd.Annotations["store"] == "none" {
			return nil
		}
		store, err = storage.OpenPath(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_ = shutdown()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func shutdown() error {
	var err error
	if store != nil {
		err = multierr.Append(err, store.Close())
		store = nil
	}
	if logger != nil {
		// Sync on stderr fails with EINVAL on most terminals.
		_ = logger.Sync()
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default is the OS config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write logs as JSON")
}
