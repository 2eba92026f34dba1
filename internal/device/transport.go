package device

import (
	"fmt"
	"strings"
)

// Status is the numeric status a radio stack reports with every GATT callback.
type Status int

const (
	StatusSuccess                    Status = 0
	StatusReadNotPermitted           Status = 2
	StatusWriteNotPermitted          Status = 3
	StatusInsufficientAuthentication Status = 5
	StatusRequestNotSupported        Status = 6
	StatusGattError                  Status = 133 // vendor GATT_ERROR, usually a stale or failed link
	StatusFailure                    Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read_not_permitted"
	case StatusWriteNotPermitted:
		return "write_not_permitted"
	case StatusInsufficientAuthentication:
		return "insufficient_authentication"
	case StatusRequestNotSupported:
		return "request_not_supported"
	case StatusGattError:
		return "gatt_error"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status_%d", int(s))
	}
}

// LinkState is the physical link state reported by the transport.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("link_state_%d", int(s))
	}
}

// WriteMode selects the ATT write procedure.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// ScanMode trades discovery latency for power.
type ScanMode int

const (
	ScanBalanced ScanMode = iota
	ScanLowPower
	ScanLowLatency
)

func (m ScanMode) String() string {
	switch m {
	case ScanLowPower:
		return "low-power"
	case ScanLowLatency:
		return "low-latency"
	default:
		return "balanced"
	}
}

// ParseScanMode accepts the textual names produced by ScanMode.String.
// An empty string selects ScanBalanced.
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return ScanBalanced, nil
	case "low-power", "low_power", "lowpower":
		return ScanLowPower, nil
	case "low-latency", "low_latency", "lowlatency":
		return ScanLowLatency, nil
	default:
		return ScanBalanced, fmt.Errorf("unknown scan mode %q (expected low-power, balanced or low-latency)", s)
	}
}

// LinkHandler receives the asynchronous results of Link requests. Callbacks may
// arrive on any goroutine, and may arrive synchronously from inside the request call.
type LinkHandler interface {
	OnLinkStateChange(status Status, state LinkState)
	OnServicesDiscovered(status Status)
	OnCharacteristicRead(charID string, value []byte, status Status)
	OnCharacteristicWrite(charID string, status Status)
	OnNotificationStateChange(charID string, enabled bool, status Status)
	OnValueChanged(charID string, value []byte)
}

// Link is a single GATT client handle to one peripheral.
//
// Request methods return an error only when the request could not be issued;
// their outcome is always reported through the LinkHandler.
type Link interface {
	SetHandler(h LinkHandler)
	RequestConnect(address string, autoReconnect bool) error
	RequestDisconnect() error
	// ReleaseLink frees the underlying handle without reporting a link-down.
	// It is safe to call on an idle link and must not invoke handler callbacks.
	ReleaseLink()
	DiscoverServices() error
	// HasCharacteristic reports whether the discovered profile contains the
	// characteristic. An empty serviceID matches any service.
	HasCharacteristic(serviceID, charID string) bool
	ReadCharacteristic(serviceID, charID string) error
	WriteCharacteristic(serviceID, charID string, data []byte, mode WriteMode) error
	SetNotification(serviceID, charID string, enabled bool) error
}

// Scan failure codes passed to ScanHandler.OnScanFailed.
const (
	ScanFailedAlreadyStarted = 1
	ScanFailedRegistration   = 2
	ScanFailedInternal       = 3
	ScanFailedUnsupported    = 4
	ScanFailedRadioDisabled  = 5
)

// ScanHandler receives advertisements and scan failures from a Radio.
type ScanHandler interface {
	OnAdvertisement(rec Record)
	OnScanFailed(code int)
}

// Radio is the local adapter used for discovery scans.
type Radio interface {
	Enabled() bool
	StartDiscoveryScan(serviceFilters []string, mode ScanMode, h ScanHandler) error
	StopDiscoveryScan() error
}
