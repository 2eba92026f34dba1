// Package connection owns the lifecycle of a single GATT link:
// connect, discover, ready, disconnect, with error and timeout transitions.
//
// All state changes go through one mutex. Transport calls are never made while
// holding it, so a transport may invoke LinkHandler callbacks from any goroutine,
// including synchronously from inside a request call.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/notify"
	"github.com/srg/gattmgr/internal/queue"
	"github.com/srg/gattmgr/pkg/config"
)

// Machine is the connection state machine for one link.
type Machine struct {
	// linkMu orders link release against connect attempts. Lock order: linkMu, then mu.
	linkMu sync.Mutex
	mu     sync.Mutex

	state  State
	epoch  uint64 // bumped on every connect attempt and every teardown
	closed bool

	connTimer      *time.Timer // spans Connecting and Discovering
	discoveryTimer *time.Timer
	guardTimer     *time.Timer // forces teardown of a Disconnecting link that never reports link-down

	pendingRead   *pending
	pendingWrite  *pending
	pendingNotify *pending
	orphans       [opKinds][]string // charIDs of abandoned requests still in flight, per kind

	link  device.Link
	gate  device.PermissionGate
	cfg   config.Config
	queue *queue.Queue

	states        *notify.Broadcaster[State]
	notifications *notify.Stream

	journalMu sync.Mutex
	journal   mpmc.RichOverlappedRingBuffer[Transition]

	now    func() time.Time
	logger *logrus.Entry
}

// New creates a machine driving link and registers itself as the link's handler.
// Zero-valued config fields take their defaults. A nil gate allows everything.
func New(link device.Link, gate device.PermissionGate, cfg config.Config, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.WithDefaults()

	m := &Machine{
		state:         State{Phase: PhaseDisconnected},
		link:          link,
		gate:          device.NewLoggedGate(gate, logger),
		cfg:           cfg,
		queue:         queue.New(logger),
		states:        notify.NewBroadcaster[State]("connection_state", cfg.StateBuffer, logger),
		notifications: notify.NewStream(cfg.NotificationBuffer, logger),
		journal:       mpmc.NewOverlappedRingBuffer[Transition](uint32(cfg.StateBuffer)),
		now:           time.Now,
		logger:        logger.WithField("component", "gatt"),
	}
	link.SetHandler(m)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States subscribes to state changes made after this call.
func (m *Machine) States() *notify.Subscription[State] {
	return m.states.Subscribe()
}

// Notifications subscribes to characteristic push events received after this call.
func (m *Machine) Notifications() *notify.Subscription[notify.Notification] {
	return m.notifications.Subscribe()
}

// Transitions returns the journalled transitions, oldest first, and empties the journal.
// The journal keeps only the most recent transitions.
func (m *Machine) Transitions() []Transition {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()

	var out []Transition
	for !m.journal.IsEmpty() {
		t, err := m.journal.Dequeue()
		if err != nil {
			break
		}
		out = append(out, t)
	}
	return out
}

// WaitFor blocks until the machine enters one of phases, returning that state.
func (m *Machine) WaitFor(ctx context.Context, phases ...Phase) (State, error) {
	sub := m.states.Subscribe()
	defer sub.Close()

	if s := m.State(); s.Is(phases...) {
		return s, nil
	}

	for {
		select {
		case s, ok := <-sub.C():
			if !ok {
				current := m.State()
				if current.Is(phases...) {
					return current, nil
				}
				return current, device.NewError(device.KindLinkClosed, "machine closed while waiting for %v", phases)
			}
			if s.Is(phases...) {
				return s, nil
			}
		case <-ctx.Done():
			return m.State(), ctx.Err()
		}
	}
}

// Connect starts a connection attempt to address and returns without waiting for it.
//
// It fails synchronously when the connect permission is missing, leaving the state
// untouched. It is a no-op while a link is already being established or is ready.
func (m *Machine) Connect(address string) error {
	if address == "" {
		return device.NewError(device.KindInvalidState, "device address is empty")
	}
	if !m.gate.Granted(device.CapabilityConnect) {
		return device.NewError(device.KindPermissionDenied, "connect permission not granted")
	}

	log := m.logger.WithField("address", address)

	m.linkMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.linkMu.Unlock()
		return device.NewError(device.KindLinkClosed, "connection manager is closed")
	}

	switch m.state.Phase {
	case PhaseConnecting, PhaseDiscovering, PhaseReady:
		current := m.state
		m.mu.Unlock()
		m.linkMu.Unlock()
		if current.Address != address {
			log.WithField("current", current.Address).Warn("Connect ignored, another link is active")
		} else {
			log.WithField("state", current.Phase.String()).Debug("Connect ignored, already connecting or connected")
		}
		return nil
	case PhaseDisconnecting:
		m.mu.Unlock()
		m.linkMu.Unlock()
		return device.NewError(device.KindInvalidState, "cannot connect while disconnecting")
	}

	m.epoch++
	epoch := m.epoch
	m.setStateLocked(State{Phase: PhaseConnecting, Address: address})
	m.connTimer = time.AfterFunc(m.cfg.ConnectionTimeout, func() { m.onConnectionTimeout(epoch) })
	m.mu.Unlock()

	// Stale handles from a previous attempt must not survive into this one.
	m.link.ReleaseLink()
	m.linkMu.Unlock()

	log.WithField("auto_reconnect", m.cfg.AutoReconnect).Info("Connecting")
	err := m.link.RequestConnect(address, m.cfg.AutoReconnect)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Debug("Manager closed during connect, releasing link")
		m.linkMu.Lock()
		m.link.ReleaseLink()
		m.linkMu.Unlock()
		return device.NewError(device.KindLinkClosed, "connection manager closed during connect")
	}
	if err == nil || m.epoch != epoch {
		m.mu.Unlock()
		return err
	}

	failure := kinded(err, device.KindLinkError, "connect request failed")
	s := m.teardownLocked(failure)
	m.mu.Unlock()
	m.finish(s)
	return failure
}

// Disconnect tears the link down.
//
// From Ready the machine enters Disconnecting and waits for the transport's
// link-down callback. An attempt still Connecting or Discovering is abandoned
// immediately. Disconnecting an idle machine is a no-op.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseDisconnected, PhaseError, PhaseDisconnecting:
		m.mu.Unlock()
		return nil
	case PhaseConnecting, PhaseDiscovering:
		m.logger.WithField("address", m.state.Address).Info("Abandoning connection attempt")
		s := m.teardownLocked(nil)
		m.mu.Unlock()
		m.finish(s)
		return nil
	}

	m.stopTimersLocked()
	m.epoch++
	epoch := m.epoch
	address := m.state.Address
	m.setStateLocked(State{Phase: PhaseDisconnecting, Address: address})
	m.guardTimer = time.AfterFunc(m.cfg.ConnectionTimeout, func() { m.onDisconnectGuard(epoch) })
	m.mu.Unlock()

	if err := m.link.RequestDisconnect(); err != nil {
		m.logger.WithError(err).WithField("address", address).Warn("Disconnect request failed, releasing link")
		m.mu.Lock()
		if m.epoch != epoch || m.state.Phase != PhaseDisconnecting {
			m.mu.Unlock()
			return nil
		}
		s := m.teardownLocked(nil)
		m.mu.Unlock()
		m.finish(s)
	}
	return nil
}

// Close fails pending operations, releases the link and leaves the machine
// Disconnected. The machine cannot be reused. Close is idempotent and safe to
// call concurrently with Connect.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.teardownLocked(nil)
	m.mu.Unlock()

	m.finish(s)
	m.logger.Debug("Connection manager closed")

	m.states.Close()
	m.notifications.Close()
	return nil
}

// settlement carries work deferred until after m.mu is released.
type settlement struct {
	epoch   uint64
	cause   *device.Error
	pending []*pending
}

// teardownLocked moves to Disconnected, passing through Error when failure is set.
// The caller holds m.mu and must call finish with the result after unlocking.
func (m *Machine) teardownLocked(failure *device.Error) settlement {
	m.stopTimersLocked()

	address := m.state.Address
	if failure != nil {
		m.logger.WithError(failure).WithField("address", address).Warn("Connection failed")
		m.setStateLocked(State{Phase: PhaseError, Address: address, Err: failure})
	}
	m.setStateLocked(State{Phase: PhaseDisconnected})
	m.epoch++

	return settlement{epoch: m.epoch, cause: failure, pending: m.takePendingLocked()}
}

// finish fails the collected pending operations and releases the link, unless a
// newer connect attempt already owns it.
func (m *Machine) finish(s settlement) {
	var cause error
	if s.cause != nil {
		cause = s.cause
	}
	for _, p := range s.pending {
		p.resolve(nil, device.WrapError(device.KindLinkClosed, cause, "link closed before "+p.kind.String()+" completed"))
	}

	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	m.mu.Lock()
	current := m.epoch == s.epoch
	m.mu.Unlock()

	if current {
		m.link.ReleaseLink()
	}
}

func (m *Machine) stopTimersLocked() {
	for _, t := range []*time.Timer{m.connTimer, m.discoveryTimer, m.guardTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.connTimer, m.discoveryTimer, m.guardTimer = nil, nil, nil
}

// setStateLocked records and publishes an edge. Same-phase updates are dropped.
func (m *Machine) setStateLocked(next State) {
	prev := m.state
	if prev.Phase == next.Phase {
		return
	}
	m.state = next

	m.logger.WithFields(logrus.Fields{
		"from":    prev.Phase.String(),
		"to":      next.Phase.String(),
		"address": next.Address,
	}).Info("Connection state changed")

	m.record(Transition{From: prev, To: next, At: m.now()})
	m.states.Publish(next)
}

func (m *Machine) record(t Transition) {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()

	if overwrites, err := m.journal.EnqueueM(t); err != nil {
		m.logger.WithError(err).Debug("Failed to journal transition")
	} else if overwrites > 0 {
		m.logger.WithField("overwrites", overwrites).Trace("Transition journal wrapped")
	}
}

func (m *Machine) onConnectionTimeout(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || !m.state.Is(PhaseConnecting, PhaseDiscovering) {
		m.mu.Unlock()
		return
	}
	phase := m.state.Phase
	s := m.teardownLocked(device.NewError(device.KindTimeout, "no ready link after %s (%s)", m.cfg.ConnectionTimeout, phase))
	m.mu.Unlock()
	m.finish(s)
}

func (m *Machine) onDisconnectGuard(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state.Phase != PhaseDisconnecting {
		m.mu.Unlock()
		return
	}
	m.logger.WithField("address", m.state.Address).Warn("No link-down reported, forcing release")
	s := m.teardownLocked(nil)
	m.mu.Unlock()
	m.finish(s)
}

// kinded converts a transport error into a *device.Error, keeping an existing kind.
func kinded(err error, fallback device.ErrorKind, msg string) *device.Error {
	var devErr *device.Error
	if errors.As(device.NormalizeError(err), &devErr) {
		return &device.Error{Kind: devErr.Kind, Msg: msg, Status: devErr.Status, Err: err}
	}
	return device.WrapError(fallback, err, msg)
}

// classifyLinkDown maps a link-down status to an error kind.
func classifyLinkDown(status device.Status) device.ErrorKind {
	if status == device.StatusGattError {
		return device.KindLinkError
	}
	return device.KindPeerDisconnected
}
