package testutils

import (
	"sync"

	"github.com/srg/gattmgr/internal/device"
	"github.com/stretchr/testify/mock"
)

// FakeRadio is a scriptable device.Radio. Advertisements and failures are
// delivered with Advertise and FailScan to whichever handler started the scan.
type FakeRadio struct {
	mock.Mock

	mu       sync.Mutex
	enabled  bool
	handler  device.ScanHandler
	startErr error
	scanning bool
}

// NewFakeRadio creates an enabled radio.
func NewFakeRadio() *FakeRadio {
	r := &FakeRadio{enabled: true}
	r.On("StartDiscoveryScan", mock.Anything, mock.Anything, mock.Anything).Maybe()
	r.On("StopDiscoveryScan").Maybe()
	return r
}

// SetEnabled toggles the adapter power state.
func (r *FakeRadio) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// FailStart makes StartDiscoveryScan return err.
func (r *FakeRadio) FailStart(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

// Scanning reports whether a scan is running.
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *FakeRadio) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *FakeRadio) StartDiscoveryScan(serviceFilters []string, mode device.ScanMode, h device.ScanHandler) error {
	r.Called(serviceFilters, mode, h)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.handler = h
	r.scanning = true
	return nil
}

func (r *FakeRadio) StopDiscoveryScan() error {
	r.Called()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

func (r *FakeRadio) current() device.ScanHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// Advertise delivers an advertisement to the current scan handler.
func (r *FakeRadio) Advertise(address, name string, rssi int, raw ...byte) {
	if h := r.current(); h != nil {
		h.OnAdvertisement(device.NewRecord(address, name, rssi, raw))
	}
}

// FailScan reports a scan failure to the current scan handler.
func (r *FakeRadio) FailScan(code int) {
	if h := r.current(); h != nil {
		h.OnScanFailed(code)
	}
}
