package connection

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/groutine"
)

var _ device.LinkHandler = (*Machine)(nil)

// OnLinkStateChange implements device.LinkHandler.
func (m *Machine) OnLinkStateChange(status device.Status, state device.LinkState) {
	log := m.logger.WithFields(logrus.Fields{"status": status.String(), "link_state": state.String()})

	switch state {
	case device.LinkConnected:
		if status != device.StatusSuccess {
			m.onLinkDown(status, log)
			return
		}
		m.onLinkUp(log)
	case device.LinkDisconnected:
		m.onLinkDown(status, log)
	default:
		log.Debug("Intermediate link state")
	}
}

func (m *Machine) onLinkUp(log *logrus.Entry) {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseConnecting:
	case PhaseDisconnected:
		m.mu.Unlock()
		log.Warn("Link up with no connect attempt, releasing stray link")
		m.linkMu.Lock()
		m.mu.Lock()
		stray := m.state.Phase == PhaseDisconnected
		m.mu.Unlock()
		if stray {
			m.link.ReleaseLink()
		}
		m.linkMu.Unlock()
		return
	default:
		phase := m.state.Phase
		m.mu.Unlock()
		log.WithField("state", phase.String()).Debug("Link up ignored")
		return
	}

	epoch := m.epoch
	m.setStateLocked(State{Phase: PhaseDiscovering, Address: m.state.Address})
	m.discoveryTimer = time.AfterFunc(m.cfg.DiscoveryDelay, func() { m.startDiscovery(epoch) })
	m.mu.Unlock()

	log.WithField("delay", m.cfg.DiscoveryDelay).Debug("Link up, scheduling service discovery")
}

func (m *Machine) onLinkDown(status device.Status, log *logrus.Entry) {
	m.mu.Lock()
	var failure *device.Error

	switch m.state.Phase {
	case PhaseDisconnected, PhaseError:
		m.mu.Unlock()
		log.Debug("Link down ignored, already disconnected")
		return
	case PhaseDisconnecting:
		log.Info("Link down after disconnect request")
	case PhaseConnecting, PhaseDiscovering:
		failure = device.NewStatusError(classifyLinkDown(status), status, "link lost while "+m.state.Phase.String())
	case PhaseReady:
		if status != device.StatusSuccess {
			failure = device.NewStatusError(classifyLinkDown(status), status, "link lost")
		} else {
			log.Info("Peer closed the link")
		}
	}

	s := m.teardownLocked(failure)
	m.mu.Unlock()
	m.finish(s)
}

// startDiscovery runs when the discovery delay elapses.
func (m *Machine) startDiscovery(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state.Phase != PhaseDiscovering {
		m.mu.Unlock()
		return
	}
	m.discoveryTimer = nil
	m.mu.Unlock()

	m.logger.Debug("Discovering services")
	err := m.link.DiscoverServices()
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state.Phase != PhaseDiscovering {
		m.mu.Unlock()
		return
	}
	s := m.teardownLocked(kinded(err, device.KindLinkError, "service discovery could not start"))
	m.mu.Unlock()
	m.finish(s)
}

// OnServicesDiscovered implements device.LinkHandler.
func (m *Machine) OnServicesDiscovered(status device.Status) {
	m.mu.Lock()
	if m.state.Phase != PhaseDiscovering {
		phase := m.state.Phase
		m.mu.Unlock()
		m.logger.WithField("state", phase.String()).Debug("Discovery result ignored")
		return
	}

	if status != device.StatusSuccess {
		s := m.teardownLocked(device.NewStatusError(device.KindLinkError, status, "service discovery failed"))
		m.mu.Unlock()
		m.finish(s)
		return
	}

	m.stopTimersLocked()
	epoch := m.epoch
	m.setStateLocked(State{Phase: PhaseReady, Address: m.state.Address})
	m.mu.Unlock()

	if m.cfg.EnableNotificationOnConnect && m.cfg.NotifyCharacteristicID != "" {
		groutine.Go(context.Background(), "gatt-notify-enable", func(ctx context.Context) {
			m.enableNotifications(ctx, epoch)
		})
	}
}

// OnCharacteristicRead implements device.LinkHandler.
func (m *Machine) OnCharacteristicRead(charID string, value []byte, status device.Status) {
	p := m.claim(opRead, charID)
	if p == nil {
		m.logger.WithField("char_uuid", charID).Debug("Read result with no matching request dropped")
		return
	}
	if status != device.StatusSuccess {
		p.resolve(nil, device.NewStatusError(device.KindLinkError, status, "read "+charID+" failed"))
		return
	}
	p.resolve(value, nil)
}

// OnCharacteristicWrite implements device.LinkHandler.
func (m *Machine) OnCharacteristicWrite(charID string, status device.Status) {
	p := m.claim(opWrite, charID)
	if p == nil {
		m.logger.WithField("char_uuid", charID).Debug("Write result with no matching request dropped")
		return
	}
	if status != device.StatusSuccess {
		p.resolve(nil, device.NewStatusError(device.KindLinkError, status, "write "+charID+" failed"))
		return
	}
	p.resolve(nil, nil)
}

// OnNotificationStateChange implements device.LinkHandler.
func (m *Machine) OnNotificationStateChange(charID string, enabled bool, status device.Status) {
	p := m.claim(opNotify, charID)
	if p == nil {
		m.logger.WithFields(logrus.Fields{"char_uuid": charID, "enabled": enabled}).Debug("Notification state change with no matching request dropped")
		return
	}
	if status != device.StatusSuccess {
		p.resolve(nil, device.NewStatusError(device.KindLinkError, status, "notification setup for "+charID+" failed"))
		return
	}
	p.resolve(nil, nil)
}

// OnValueChanged implements device.LinkHandler. Push events bypass the command queue.
func (m *Machine) OnValueChanged(charID string, value []byte) {
	m.notifications.Publish(device.NormalizeUUID(charID), value)
}
