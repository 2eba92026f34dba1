// Package scanner aggregates discovery advertisements into a per-session,
// address-keyed result set and exposes the scan lifecycle as observable state.
package scanner

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/notify"
	"github.com/srg/gattmgr/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Aggregator drives a device.Radio through scan sessions.
type Aggregator struct {
	// ctl serializes StartScan/StopScan so radio calls never interleave.
	ctl sync.Mutex
	mu  sync.Mutex

	state   State
	results *orderedmap.OrderedMap[string, device.Record]
	session uint64
	timer   *time.Timer

	radio  device.Radio
	gate   device.PermissionGate
	cfg    config.Config
	states *notify.Broadcaster[State]
	logger *logrus.Entry
}

// New creates an Idle aggregator. A nil gate allows everything.
func New(radio device.Radio, gate device.PermissionGate, cfg config.Config, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.WithDefaults()

	return &Aggregator{
		state:   State{Phase: PhaseIdle},
		results: orderedmap.New[string, device.Record](),
		radio:   radio,
		gate:    device.NewLoggedGate(gate, logger),
		cfg:     cfg,
		states:  notify.NewBroadcaster[State]("scan_state", cfg.StateBuffer, logger),
		logger:  logger.WithField("component", "scanner"),
	}
}

// State returns the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// States subscribes to scan state changes made after this call.
func (a *Aggregator) States() *notify.Subscription[State] {
	return a.states.Subscribe()
}

// Results returns the records of the current or last session in discovery order.
func (a *Aggregator) Results() []device.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// StartScan begins a new session, clearing previous results. Calling it while
// scanning restarts the session. Missing scan permission or a disabled radio
// fail synchronously; the failure is also published as an Error state before
// the aggregator settles to Stopped.
func (a *Aggregator) StartScan() error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	if !a.gate.Granted(device.CapabilityScan) {
		return a.reject(device.NewError(device.KindPermissionDenied, "scan permission not granted"))
	}
	if !a.radio.Enabled() {
		return a.reject(device.NewError(device.KindRadioDisabled, "bluetooth adapter is disabled"))
	}

	a.mu.Lock()
	restarting := a.state.Phase == PhaseScanning
	a.stopTimerLocked()
	a.session++
	session := a.session
	a.results = orderedmap.New[string, device.Record]()
	a.setStateLocked(State{Phase: PhaseScanning})
	if a.cfg.ScanTimeout > 0 {
		a.timer = time.AfterFunc(a.cfg.ScanTimeout, func() { a.onTimeout(session) })
	}
	a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{
		"session": session,
		"timeout": a.cfg.ScanTimeout,
		"mode":    a.cfg.ScanMode().String(),
		"filters": a.cfg.ServiceFilters(),
	})

	if restarting {
		log.Debug("Restarting scan session")
		if err := a.radio.StopDiscoveryScan(); err != nil {
			log.WithError(err).Warn("Failed to stop previous scan")
		}
	}

	if err := a.radio.StartDiscoveryScan(a.cfg.ServiceFilters(), a.cfg.ScanMode(), &sessionHandler{a: a, session: session}); err != nil {
		failure := device.WrapError(device.KindScanFailed, err, "scan could not start")
		a.mu.Lock()
		if a.session == session {
			a.failLocked(failure)
		}
		a.mu.Unlock()
		return failure
	}

	log.Info("Scan started")
	return nil
}

// StopScan ends the current session. It is a no-op unless scanning.
func (a *Aggregator) StopScan() error {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	stopped := a.stopLocked(a.session)
	a.mu.Unlock()

	if !stopped {
		return nil
	}
	a.logger.Info("Scan stopped")
	return a.stopRadio()
}

// Close stops an active scan and closes the state stream.
func (a *Aggregator) Close() error {
	err := a.StopScan()
	a.states.Close()
	return err
}

func (a *Aggregator) onTimeout(session uint64) {
	a.ctl.Lock()
	defer a.ctl.Unlock()

	a.mu.Lock()
	stopped := a.stopLocked(session)
	count := a.results.Len()
	a.mu.Unlock()

	if !stopped {
		return
	}
	a.logger.WithFields(logrus.Fields{"session": session, "device_count": count}).Info("Scan timeout reached")
	if err := a.stopRadio(); err != nil {
		a.logger.WithError(err).Warn("Failed to stop scan after timeout")
	}
}

// reject publishes a synchronous failure without entering Scanning.
func (a *Aggregator) reject(err *device.Error) error {
	a.mu.Lock()
	wasScanning := a.state.Phase == PhaseScanning
	if wasScanning {
		a.session++
	}
	a.failLocked(err)
	a.mu.Unlock()

	if wasScanning {
		_ = a.stopRadio()
	}
	return err
}

func (a *Aggregator) stopRadio() error {
	if err := a.radio.StopDiscoveryScan(); err != nil {
		a.logger.WithError(err).Warn("Failed to stop discovery scan")
		return device.WrapError(device.KindScanFailed, err, "scan could not stop")
	}
	return nil
}

// stopLocked moves a live session to Stopped. It reports whether it did.
func (a *Aggregator) stopLocked(session uint64) bool {
	if a.session != session || a.state.Phase != PhaseScanning {
		return false
	}
	a.session++
	a.stopTimerLocked()
	a.setStateLocked(State{Phase: PhaseStopped, Results: a.snapshotLocked()})
	return true
}

func (a *Aggregator) failLocked(err *device.Error) {
	a.stopTimerLocked()
	a.logger.WithError(err).Warn("Scan failed")
	a.setStateLocked(State{Phase: PhaseError, Err: err})
	a.setStateLocked(State{Phase: PhaseStopped, Results: a.snapshotLocked()})
}

func (a *Aggregator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) setStateLocked(next State) {
	prev := a.state
	a.state = next
	if prev.Phase != next.Phase {
		a.logger.WithFields(logrus.Fields{"from": prev.Phase.String(), "to": next.Phase.String()}).Info("Scan state changed")
	}
	a.states.Publish(next)
}

func (a *Aggregator) snapshotLocked() []device.Record {
	out := make([]device.Record, 0, a.results.Len())
	for pair := a.results.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (a *Aggregator) upsert(session uint64, rec device.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != session || a.state.Phase != PhaseScanning {
		return
	}

	_, existed := a.results.Get(rec.Address)
	a.results.Set(rec.Address, rec.Clone())
	if !existed {
		a.logger.WithFields(logrus.Fields{
			"address": rec.Address,
			"name":    rec.DisplayName,
			"rssi":    rec.SignalStrength,
		}).Debug("Device discovered")
	}
	a.setStateLocked(State{Phase: PhaseScanning, Results: a.snapshotLocked()})
}

func (a *Aggregator) scanFailed(session uint64, code int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != session || a.state.Phase != PhaseScanning {
		return
	}
	a.session++
	a.failLocked(device.NewError(device.KindScanFailed, "radio reported scan failure code %d", code))
}

// sessionHandler binds radio callbacks to the session that started them so
// callbacks from an older session are dropped.
type sessionHandler struct {
	a       *Aggregator
	session uint64
}

func (h *sessionHandler) OnAdvertisement(rec device.Record) { h.a.upsert(h.session, rec) }

func (h *sessionHandler) OnScanFailed(code int) { h.a.scanFailed(h.session, code) }
