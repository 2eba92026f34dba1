package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/client"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <char-uuid>",
	Short: "Read a characteristic value",
	Long: `Connects to a device, reads one characteristic of the target service and disconnects.

Examples:
  # Read Battery Level
  gattctl read AA:BB:CC:DD:EE:FF 2a19 --service 180f --hex`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readService string
	readHex     bool
)

func init() {
	readCmd.Flags().StringVar(&readService, "service", "", "Service UUID (defaults to target_service_id from the config)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, charID := args[0], args[1]

	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if readService != "" {
		cfg.TargetServiceID = readService
	}
	if cfg.TargetServiceID == "" {
		return fmt.Errorf("service UUID required: use --service or target_service_id")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true

	return withConnection(cmd, cfg, logger, address, func(ctx context.Context, c *client.Client) error {
		value, err := c.Read(ctx, charID)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", charID, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatValue(value, readHex))
		return nil
	})
}
