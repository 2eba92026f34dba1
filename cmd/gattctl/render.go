package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/srg/gattmgr/connection"
	"github.com/srg/gattmgr/internal/device"
)

var (
	readyColor   = color.New(color.FgGreen, color.Bold)
	pendingColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	idleColor    = color.New(color.Faint)
)

func renderPhase(p connection.Phase) string {
	switch p {
	case connection.PhaseReady:
		return readyColor.Sprint(p.String())
	case connection.PhaseConnecting, connection.PhaseDiscovering, connection.PhaseDisconnecting:
		return pendingColor.Sprint(p.String())
	case connection.PhaseError:
		return errorColor.Sprint(p.String())
	default:
		return idleColor.Sprint(p.String())
	}
}

// renderState formats a connection state, including the error of an Error state.
func renderState(s connection.State) string {
	out := renderPhase(s.Phase)
	if s.Phase == connection.PhaseError && s.Err != nil {
		out += " " + errorColor.Sprint(s.Err.Error())
	}
	return out
}

// parsePayload decodes command-line data: hex (spaces, colons and a 0x prefix
// allowed) or the raw string bytes.
func parsePayload(input string, isHex bool) ([]byte, error) {
	if !isHex {
		if input == "" {
			return nil, fmt.Errorf("empty payload")
		}
		return []byte(input), nil
	}

	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(input)), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", input, err)
	}
	return data, nil
}

// formatValue renders a characteristic value as upper-case hex or as text.
func formatValue(data []byte, asHex bool) string {
	if asHex {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	return string(data)
}

// printRecords writes scan results as a table in discovery order.
func printRecords(w io.Writer, records []device.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tADV BYTES")
	for _, r := range records {
		name := r.DisplayName
		if !r.HasName() {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.Address, name, r.SignalStrength, len(r.RawAdvertisement))
	}
	_ = tw.Flush()
}
