package device_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/gattmgr/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsComparesKind(t *testing.T) {
	// GOAL: Verify callers can branch on kind sentinels regardless of message, status or wrapping
	//
	// TEST SCENARIO: Build errors with details → wrap them with fmt.Errorf → errors.Is matches only the same kind

	err := device.NewStatusError(device.KindLinkError, device.StatusGattError, "connection failed")
	wrapped := fmt.Errorf("connect AA:BB: %w", err)

	assert.ErrorIs(t, wrapped, device.ErrLinkError)
	assert.NotErrorIs(t, wrapped, device.ErrPeerDisconnected)
	assert.Equal(t, device.KindLinkError, device.KindOf(wrapped))

	var devErr *device.Error
	require.ErrorAs(t, wrapped, &devErr)
	assert.Equal(t, device.StatusGattError, devErr.Status)
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name     string
		err      *device.Error
		expected string
	}{
		{name: "kind only", err: device.ErrTimeout, expected: "timeout"},
		{name: "with message", err: device.NewError(device.KindInvalidState, "not ready (%s)", "connecting"), expected: "invalid_state: not ready (connecting)"},
		{name: "with status", err: device.NewStatusError(device.KindLinkError, device.StatusGattError, "link down"), expected: "link_error: link down (status gatt_error)"},
		{name: "with cause", err: device.WrapError(device.KindLinkClosed, errors.New("boom"), "closed"), expected: "link_closed: closed: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := device.WrapError(device.KindLinkClosed, cause, "")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, device.ErrLinkClosed)
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, device.ErrorKind(""), device.KindOf(errors.New("plain")))
	assert.Equal(t, device.ErrorKind(""), device.KindOf(nil))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		expected device.ErrorKind
	}{
		{name: "powered off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), expected: device.KindRadioDisabled},
		{name: "not authorized", input: errors.New("Bluetooth access not authorized"), expected: device.KindPermissionDenied},
		{name: "timeout", input: errors.New("dial: i/o timeout"), expected: device.KindTimeout},
		{name: "deadline", input: errors.New("context deadline exceeded"), expected: device.KindTimeout},
		{name: "disconnected", input: errors.New("device disconnected"), expected: device.KindPeerDisconnected},
		{name: "unknown", input: errors.New("something else"), expected: device.KindLinkError},
		{name: "already kinded", input: device.ErrScanFailed, expected: device.KindScanFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, device.KindOf(device.NormalizeError(tt.input)))
		})
	}

	assert.NoError(t, device.NormalizeError(nil))
}

func TestParseScanMode(t *testing.T) {
	tests := []struct {
		input     string
		expected  device.ScanMode
		expectErr bool
	}{
		{input: "", expected: device.ScanBalanced},
		{input: "balanced", expected: device.ScanBalanced},
		{input: "Low-Power", expected: device.ScanLowPower},
		{input: "low_latency", expected: device.ScanLowLatency},
		{input: "turbo", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			mode, err := device.ParseScanMode(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
			assert.Equal(t, mode, mustParse(t, mode.String()))
		})
	}
}

func mustParse(t *testing.T, s string) device.ScanMode {
	t.Helper()
	mode, err := device.ParseScanMode(s)
	require.NoError(t, err)
	return mode
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "gatt_error", device.StatusGattError.String())
	assert.Equal(t, "status_19", device.Status(19).String())
}

func TestRecord_IsSnapshot(t *testing.T) {
	raw := []byte{0x02, 0x01, 0x06}
	rec := device.NewRecord("AA:BB:CC:DD:EE:FF", "", -60, raw)
	raw[0] = 0xFF

	assert.Equal(t, byte(0x02), rec.RawAdvertisement[0], "record MUST NOT alias caller bytes")
	assert.False(t, rec.HasName())

	clone := rec.Clone()
	clone.RawAdvertisement[1] = 0xEE
	assert.Equal(t, byte(0x01), rec.RawAdvertisement[1], "clone MUST NOT alias the original")
}

func TestStaticGate(t *testing.T) {
	gate := device.NewStaticGate(device.CapabilityScan)

	assert.True(t, gate.Granted(device.CapabilityScan))
	assert.False(t, gate.Granted(device.CapabilityConnect))

	gate.Grant(device.CapabilityConnect)
	assert.True(t, gate.Granted(device.CapabilityConnect))

	gate.Revoke(device.CapabilityScan)
	assert.False(t, gate.Granted(device.CapabilityScan))
}

func TestLoggedGate_LogsDenials(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	gate := device.NewLoggedGate(device.NewStaticGate(device.CapabilityScan), logger)

	assert.True(t, gate.Granted(device.CapabilityScan))
	assert.Empty(t, hook.AllEntries())

	assert.False(t, gate.Granted(device.CapabilityConnect))
	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, "permission", entry.Data["component"])
	assert.Equal(t, "connect", entry.Data["capability"])
}

func TestLoggedGate_NilGateAllowsAll(t *testing.T) {
	gate := device.NewLoggedGate(nil, nil)
	assert.True(t, gate.Granted(device.CapabilityConnect))
}
