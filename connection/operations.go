package connection

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/queue"
)

type opKind int

const (
	opRead opKind = iota
	opWrite
	opNotify

	opKinds = 3
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	default:
		return "notification setup"
	}
}

type result struct {
	value []byte
	err   error
}

// pending is an issued transport request waiting for its callback.
// Whoever clears the pending slot owns the right to resolve it.
type pending struct {
	id     string
	kind   opKind
	charID string
	done   chan result
}

func newPending(kind opKind, charID string) *pending {
	return &pending{
		id:     uuid.NewString(),
		kind:   kind,
		charID: device.NormalizeUUID(charID),
		done:   make(chan result, 1),
	}
}

func (p *pending) resolve(value []byte, err error) {
	p.done <- result{value: value, err: err}
}

func (m *Machine) slot(kind opKind) **pending {
	switch kind {
	case opRead:
		return &m.pendingRead
	case opWrite:
		return &m.pendingWrite
	default:
		return &m.pendingNotify
	}
}

// claim clears and returns the pending operation of kind when it targets charID.
// A result for an abandoned request on charID is consumed and dropped instead.
func (m *Machine) claim(kind opKind, charID string) *pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	charID = device.NormalizeUUID(charID)
	if m.dropOrphanLocked(kind, charID) {
		return nil
	}
	slot := m.slot(kind)
	p := *slot
	if p == nil || p.charID != charID {
		return nil
	}
	*slot = nil
	return p
}

// abandon clears the slot if it still holds p. It reports false when a resolver got there first.
// When the transport request was issued, its eventual result is remembered as orphaned.
func (m *Machine) abandon(p *pending, issued bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.slot(p.kind)
	if *slot != p {
		return false
	}
	*slot = nil
	if issued {
		m.orphans[p.kind] = append(m.orphans[p.kind], p.charID)
	}
	return true
}

// dropOrphanLocked removes the oldest orphan of kind on charID and reports whether there was one.
func (m *Machine) dropOrphanLocked(kind opKind, charID string) bool {
	for i, id := range m.orphans[kind] {
		if id == charID {
			m.orphans[kind] = append(m.orphans[kind][:i:i], m.orphans[kind][i+1:]...)
			return true
		}
	}
	return false
}

func (m *Machine) takePendingLocked() []*pending {
	var out []*pending
	for _, slot := range []**pending{&m.pendingRead, &m.pendingWrite, &m.pendingNotify} {
		if *slot != nil {
			out = append(out, *slot)
			*slot = nil
		}
	}
	m.orphans = [opKinds][]string{}
	return out
}

// begin validates the link and registers a pending operation for charID.
func (m *Machine) begin(kind opKind, serviceID, charID string) (*pending, error) {
	found := m.link.HasCharacteristic(serviceID, charID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseReady {
		return nil, device.NewError(device.KindInvalidState, "cannot %s %s while %s", kind, charID, m.state.Phase)
	}
	if !found {
		return nil, device.NewError(device.KindCharacteristicNotFound, "characteristic %s not found in service %q", charID, serviceID)
	}

	slot := m.slot(kind)
	if *slot != nil {
		return nil, device.NewError(device.KindInvalidState, "another %s is already pending", kind)
	}
	p := newPending(kind, charID)
	*slot = p
	return p, nil
}

// await blocks until p is resolved, the operation times out or ctx is done.
// Timeout and completion are mutually exclusive: a result that was already
// claimed by a callback wins over a timer or cancellation firing at the same time.
// Callbacks carry no request id, so after a timeout or cancellation the next result
// of the same kind on the same characteristic is taken to be the abandoned one and
// dropped. Results are assumed to arrive in request order.
func (m *Machine) await(ctx context.Context, p *pending, log *logrus.Entry) ([]byte, error) {
	timer := time.NewTimer(m.cfg.OperationTimeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-timer.C:
		if m.abandon(p, true) {
			log.WithField("timeout", m.cfg.OperationTimeout).Warn("Operation timed out")
			return nil, device.NewError(device.KindTimeout, "%s %s timed out after %s", p.kind, p.charID, m.cfg.OperationTimeout)
		}
	case <-ctx.Done():
		if m.abandon(p, true) {
			log.Debug("Operation cancelled by caller")
			return nil, ctx.Err()
		}
	}

	r := <-p.done
	return r.value, r.err
}

func (m *Machine) checkReady(kind opKind, charID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseReady {
		return device.NewError(device.KindInvalidState, "cannot %s %s while %s", kind, charID, m.state.Phase)
	}
	return nil
}

// Read reads a characteristic of the target service. It fails fast with
// InvalidState unless the link is Ready.
func (m *Machine) Read(ctx context.Context, charID string) ([]byte, error) {
	if err := m.checkReady(opRead, charID); err != nil {
		return nil, err
	}
	serviceID := m.cfg.TargetServiceID

	return queue.Enqueue(ctx, m.queue, func(ctx context.Context) ([]byte, error) {
		p, err := m.begin(opRead, serviceID, charID)
		if err != nil {
			return nil, err
		}
		log := m.logger.WithFields(logrus.Fields{"op_id": p.id, "char_uuid": p.charID})
		log.Debug("Reading characteristic")

		if err := m.link.ReadCharacteristic(serviceID, charID); err != nil {
			m.abandon(p, false)
			return nil, kinded(err, device.KindLinkError, "read request failed")
		}

		value, err := m.await(ctx, p, log)
		if err == nil {
			log.WithField("value", hex.EncodeToString(value)).Debug("Read completed")
		}
		return value, err
	})
}

// WriteOption customizes a single Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	serviceID string
	mode      device.WriteMode
}

// WithService writes to a service other than the configured target service.
func WithService(serviceID string) WriteOption {
	return func(o *writeOptions) { o.serviceID = serviceID }
}

// WithMode selects the write procedure. The default is device.WriteWithResponse.
func WithMode(mode device.WriteMode) WriteOption {
	return func(o *writeOptions) { o.mode = mode }
}

// Write writes payload to a characteristic. It fails fast with InvalidState
// unless the link is Ready.
func (m *Machine) Write(ctx context.Context, charID string, payload []byte, opts ...WriteOption) error {
	o := writeOptions{serviceID: m.cfg.TargetServiceID, mode: device.WriteWithResponse}
	for _, opt := range opts {
		opt(&o)
	}

	if err := m.checkReady(opWrite, charID); err != nil {
		return err
	}

	return m.queue.Run(ctx, func(ctx context.Context) error {
		p, err := m.begin(opWrite, o.serviceID, charID)
		if err != nil {
			return err
		}
		log := m.logger.WithFields(logrus.Fields{"op_id": p.id, "char_uuid": p.charID, "mode": o.mode.String()})
		log.WithField("value", hex.EncodeToString(payload)).Debug("Writing characteristic")

		if err := m.link.WriteCharacteristic(o.serviceID, charID, payload, o.mode); err != nil {
			m.abandon(p, false)
			return kinded(err, device.KindLinkError, "write request failed")
		}

		_, err = m.await(ctx, p, log)
		return err
	})
}

// enableNotifications subscribes to the configured characteristic. Failures are logged only.
func (m *Machine) enableNotifications(ctx context.Context, epoch uint64) {
	charID := m.cfg.NotifyCharacteristicID
	serviceID := m.cfg.TargetServiceID
	log := m.logger.WithField("char_uuid", device.NormalizeUUID(charID))

	enabled := false
	err := m.queue.Run(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		stale := m.epoch != epoch
		m.mu.Unlock()
		if stale {
			return nil
		}

		p, err := m.begin(opNotify, serviceID, charID)
		if err != nil {
			return err
		}
		if err := m.link.SetNotification(serviceID, charID, true); err != nil {
			m.abandon(p, false)
			return kinded(err, device.KindLinkError, "notification request failed")
		}
		if _, err = m.await(ctx, p, log.WithField("op_id", p.id)); err != nil {
			return err
		}
		enabled = true
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Failed to enable notifications")
		return
	}
	if enabled {
		log.Info("Notifications enabled")
	}
}
