package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/client"
	"github.com/srg/gattmgr/connection"
	"github.com/srg/gattmgr/internal/device"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <char-uuid> <data>",
	Short: "Write a characteristic value",
	Long: `Connects to a device, writes one characteristic and disconnects.

Examples:
  # Write hex data to the Heart Rate Control Point
  gattctl write AA:BB:CC:DD:EE:FF 2a39 01 --service 180d --hex

  # Write text without waiting for a response
  gattctl write AA:BB:CC:DD:EE:FF 6e400002b5a3f393e0a9e50e24dcca9e "hello" --no-response`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeService    string
	writeHex        bool
	writeNoResponse bool
)

func init() {
	writeCmd.Flags().StringVar(&writeService, "service", "", "Service UUID (defaults to target_service_id from the config)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Use write-without-response")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charID := args[0], args[1]

	payload, err := parsePayload(args[2], writeHex)
	if err != nil {
		return err
	}

	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var opts []connection.WriteOption
	if writeService != "" {
		opts = append(opts, connection.WithService(writeService))
	} else if cfg.TargetServiceID == "" {
		return fmt.Errorf("service UUID required: use --service or target_service_id")
	}
	if writeNoResponse {
		opts = append(opts, connection.WithMode(device.WriteWithoutResponse))
	}

	cmd.SilenceUsage = true

	return withConnection(cmd, cfg, logger, address, func(ctx context.Context, c *client.Client) error {
		if err := c.Write(ctx, charID, payload, opts...); err != nil {
			return fmt.Errorf("failed to write %s: %w", charID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d byte(s) to %s\n", len(payload), charID)
		return nil
	})
}
