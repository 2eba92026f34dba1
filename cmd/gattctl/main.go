package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/internal/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gattctl",
	Short: "BLE GATT client",
	Long: `Bluetooth Low Energy GATT client built on an observable connection state machine:

- Scan for nearby peripherals
- Read and write characteristics
- Watch characteristic notifications

Settings are read from an optional YAML file (--config); flags override it.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Bool("trace", false, "Print connection state transitions on exit")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.SetVersionTemplate(fmt.Sprintf("gattctl {{.Version}} (commit %s, built %s)\n", commit, date))
}

// formatUserError adds a hint for error kinds a user can act on.
func formatUserError(err error) string {
	switch device.KindOf(err) {
	case device.KindRadioDisabled:
		return err.Error() + " (turn Bluetooth on and retry)"
	case device.KindPermissionDenied:
		return err.Error() + " (grant Bluetooth access to this terminal)"
	case device.KindCharacteristicNotFound:
		return err.Error() + " (check --service)"
	default:
		return err.Error()
	}
}
