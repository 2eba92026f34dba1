package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for nearby Bluetooth Low Energy peripherals and list them in discovery order.

Each device appears once; later advertisements update its name and RSSI in place.

Examples:
  # Scan for 10 seconds
  gattctl scan

  # Scan for Heart Rate sensors with low latency until Ctrl+C
  gattctl scan --service 180d --mode low-latency --duration 0`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanService  string
	scanMode     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", "", "Only report devices advertising this service UUID")
	scanCmd.Flags().StringVar(&scanMode, "mode", "", "Scan mode (low-power, balanced, low-latency)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	cfg.ScanTimeout = scanDuration
	if scanService != "" {
		cfg.TargetServiceID = scanService
	}
	if scanMode != "" {
		cfg.ScanAggressiveness = scanMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	states := c.ScanStates()
	defer states.Close()

	if err := c.StartScan(); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning (%s)...\n", describeDuration(scanDuration))

	var failure error
wait:
	for {
		select {
		case st, ok := <-states.C():
			if !ok {
				break wait
			}
			if st.Phase == scanner.PhaseError && st.Err != nil {
				failure = st.Err
			}
			if st.Phase == scanner.PhaseStopped {
				break wait
			}
		case <-ctx.Done():
			_ = c.StopScan()
			break wait
		}
	}

	printRecords(cmd.OutOrStdout(), c.ScanResults())
	fmt.Fprintf(cmd.ErrOrStderr(), "%d device(s) found\n", len(c.ScanResults()))
	if failure != nil {
		return fmt.Errorf("scan failed: %w", failure)
	}
	return nil
}

func describeDuration(d time.Duration) string {
	if d <= 0 {
		return "until interrupted"
	}
	return d.String()
}
