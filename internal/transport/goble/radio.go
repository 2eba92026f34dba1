package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/groutine"
)

// DefaultStopTimeout bounds how long StopDiscoveryScan waits for go-ble to return from Scan.
const DefaultStopTimeout = 2 * time.Second

// ScanningDevice is the subset of ble.Device the radio adapter uses.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// Radio implements device.Radio over a go-ble device.
type Radio struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	dev         ScanningDevice
	poweredOff  atomic.Bool
	StopTimeout time.Duration
	logger      *logrus.Entry
}

var _ device.Radio = (*Radio)(nil)

// NewRadio wraps dev. A nil dev is a radio that is permanently disabled.
func NewRadio(dev ScanningDevice, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		dev:         dev,
		StopTimeout: DefaultStopTimeout,
		logger:      logger.WithField("component", "transport"),
	}
}

// Enabled reports false when there is no device or the last scan found the adapter powered off.
func (r *Radio) Enabled() bool {
	return r.dev != nil && !r.poweredOff.Load()
}

// StartDiscoveryScan starts scanning in the background. Advertisements not
// listing one of serviceFilters are dropped. go-ble has no duty-cycle control,
// so mode only decides whether duplicate advertisements are reported.
func (r *Radio) StartDiscoveryScan(serviceFilters []string, mode device.ScanMode, h device.ScanHandler) error {
	if r.dev == nil {
		return device.NewError(device.KindRadioDisabled, "no bluetooth adapter")
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return device.NewError(device.KindScanFailed, "scan already started (code %d)", device.ScanFailedAlreadyStarted)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	filters := device.NormalizeUUIDs(serviceFilters)
	allowDup := mode == device.ScanLowLatency
	log := r.logger.WithFields(logrus.Fields{"mode": mode.String(), "allow_dup": allowDup, "filters": filters})
	log.Debug("Starting discovery scan")

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(done)

		err := r.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
			if !advertises(adv, filters) {
				return
			}
			h.OnAdvertisement(recordOf(adv))
		})
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}

		code := device.ScanFailedInternal
		if errors.Is(device.NormalizeError(err), device.ErrRadioDisabled) {
			r.poweredOff.Store(true)
			code = device.ScanFailedRadioDisabled
		}
		log.WithFields(logrus.Fields{"error": err, "code": code}).Warn("Discovery scan failed")

		r.mu.Lock()
		if r.done == done {
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
		cancel()
		h.OnScanFailed(code)
	})
	return nil
}

// StopDiscoveryScan cancels the running scan and waits for go-ble to return.
func (r *Radio) StopDiscoveryScan() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		r.logger.Debug("Discovery scan stopped")
		return nil
	case <-time.After(r.StopTimeout):
		r.logger.WithField("timeout", r.StopTimeout).Warn("Discovery scan did not stop in time")
		return device.NewError(device.KindTimeout, "scan did not stop within %s", r.StopTimeout)
	}
}
