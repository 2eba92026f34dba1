package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/client"
	"github.com/srg/gattmgr/connection"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <device-address> <char-uuid>",
	Short: "Print characteristic notifications",
	Long: `Connects to a device, enables notifications on one characteristic and prints
every value until interrupted or the link drops.

Examples:
  # Watch Heart Rate Measurement
  gattctl watch AA:BB:CC:DD:EE:FF 2a37 --service 180d --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

var (
	watchService string
	watchHex     bool
	watchCount   int
)

func init() {
	watchCmd.Flags().StringVar(&watchService, "service", "", "Service UUID (defaults to target_service_id from the config)")
	watchCmd.Flags().BoolVar(&watchHex, "hex", false, "Output as hex string; raw bytes by default")
	watchCmd.Flags().IntVarP(&watchCount, "count", "n", 0, "Exit after this many notifications (0 = unlimited)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	address, charID := args[0], args[1]

	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if watchService != "" {
		cfg.TargetServiceID = watchService
	}
	if cfg.TargetServiceID == "" {
		return fmt.Errorf("service UUID required: use --service or target_service_id")
	}
	cfg.NotifyCharacteristicID = charID
	cfg.EnableNotificationOnConnect = true
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	return withConnection(cmd, cfg, logger, address, func(ctx context.Context, c *client.Client) error {
		notifications := c.Notifications()
		defer notifications.Close()
		states := c.ConnectionStates()
		defer states.Close()

		out := cmd.OutOrStdout()
		received := 0
		for {
			select {
			case n, ok := <-notifications.C():
				if !ok {
					return nil
				}
				received++
				fmt.Fprintf(out, "%s [%d] %s\n", n.ReceivedAt.Format("15:04:05.000"), n.Seq, formatValue(n.Payload, watchHex))
				if watchCount > 0 && received >= watchCount {
					return nil
				}
			case st, ok := <-states.C():
				if !ok || st.Is(connection.PhaseDisconnected, connection.PhaseError) {
					fmt.Fprintf(cmd.ErrOrStderr(), "Link ended: %s\n", renderState(st))
					return nil
				}
			case <-ctx.Done():
				if dropped := notifications.Dropped(); dropped > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%d notification(s) dropped\n", dropped)
				}
				return nil
			}
		}
	})
}
