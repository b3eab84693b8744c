package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peerlink/discovery"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:         "scan",
	Short:       "List peerlink listeners advertised on the local network",
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := discovery.Scan(cmd.Context(), discovery.Config{
			DeviceID:    cfg.DeviceID,
			ScanTimeout: scanTimeout,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(peers) == 0 {
			fmt.Fprintln(out, "no peers found")
			return nil
		}
		for _, peer := range peers {
			name := peer.DeviceName
			if peer.DisplayName != "" {
				name = fmt.Sprintf("%s (%s)", peer.DeviceName, peer.DisplayName)
			}
			fmt.Fprintf(out, "%-32s %s\n", name, peer.DialAddress())
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	rootCmd.AddCommand(scanCmd)
}
