package goble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/groutine"
)

// DefaultRedialInterval is the pause between dial attempts when auto reconnect is on.
const DefaultRedialInterval = time.Second

// Dialer opens a GATT client connection to address.
type Dialer func(ctx context.Context, address string) (GATTClient, error)

// DeviceDialer returns a Dialer backed by a go-ble device.
func DeviceDialer(dev ble.Device) Dialer {
	return func(ctx context.Context, address string) (GATTClient, error) {
		client, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func unavailableDialer(cause error) Dialer {
	return func(context.Context, string) (GATTClient, error) {
		return nil, cause
	}
}

// linkSession is one RequestConnect..ReleaseLink span.
type linkSession struct {
	address string
	ctx     context.Context
	cancel  context.CancelFunc

	client  GATTClient
	profile *ble.Profile

	downOnce     sync.Once
	disconnected bool // RequestDisconnect was issued
}

// Link implements device.Link over a go-ble client.
type Link struct {
	mu      sync.Mutex
	handler device.LinkHandler
	current *linkSession

	dial           Dialer
	RedialInterval time.Duration
	logger         *logrus.Entry
}

var _ device.Link = (*Link)(nil)

// NewLink creates a link that dials through dial.
func NewLink(dial Dialer, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	return &Link{
		dial:           dial,
		RedialInterval: DefaultRedialInterval,
		logger:         logger.WithField("component", "transport"),
	}
}

func (l *Link) SetHandler(h device.LinkHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// live returns the handler when s is still the current session.
func (l *Link) live(s *linkSession) device.LinkHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != s {
		return nil
	}
	return l.handler
}

// connected returns the current session once its client is up.
func (l *Link) connected() (*linkSession, GATTClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.client == nil {
		return nil, nil, device.NewError(device.KindInvalidState, "no GATT link")
	}
	return l.current, l.current.client, nil
}

// RequestConnect dials address in the background. With autoReconnect the dial
// is retried until it succeeds or the link is released.
func (l *Link) RequestConnect(address string, autoReconnect bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	s := &linkSession{address: address, ctx: ctx, cancel: cancel}

	l.mu.Lock()
	prev := l.current
	l.current = s
	l.mu.Unlock()
	if prev != nil {
		l.drop(prev)
	}

	log := l.logger.WithFields(logrus.Fields{"address": address, "auto_reconnect": autoReconnect})
	log.Info("Connecting to BLE device...")

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		for attempt := 1; ; attempt++ {
			client, err := l.dial(ctx, address)
			if ctx.Err() != nil {
				if client != nil {
					_ = client.CancelConnection()
				}
				return
			}
			if err == nil {
				l.established(s, client, log)
				return
			}

			attemptLog := log.WithFields(logrus.Fields{"attempt": attempt, "error": err})
			if !autoReconnect {
				attemptLog.Warn("Failed to dial BLE device")
				l.down(s, statusOf(err))
				return
			}
			attemptLog.Debug("Dial failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.RedialInterval):
			}
		}
	})
	return nil
}

func (l *Link) established(s *linkSession, client GATTClient, log *logrus.Entry) {
	l.mu.Lock()
	if l.current != s {
		l.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	s.client = client
	h := l.handler
	l.mu.Unlock()

	log.Info("BLE device connected")
	if notifier, ok := client.(disconnectNotifier); ok {
		groutine.Go(s.ctx, "goble-link-monitor", func(ctx context.Context) {
			select {
			case <-notifier.Disconnected():
				l.mu.Lock()
				status := device.StatusFailure
				if s.disconnected {
					status = device.StatusSuccess
				}
				l.mu.Unlock()
				log.WithField("status", status.String()).Info("BLE device disconnected")
				l.down(s, status)
			case <-ctx.Done():
			}
		})
	} else {
		log.Debug("Client does not report disconnection")
	}

	if h != nil {
		h.OnLinkStateChange(device.StatusSuccess, device.LinkConnected)
	}
}

// down reports link loss for s at most once.
func (l *Link) down(s *linkSession, status device.Status) {
	s.downOnce.Do(func() {
		if h := l.live(s); h != nil {
			h.OnLinkStateChange(status, device.LinkDisconnected)
		}
	})
}

// RequestDisconnect cancels the connection; link-down is reported when the
// client confirms it.
func (l *Link) RequestDisconnect() error {
	s, client, err := l.connected()
	if err != nil {
		return err
	}
	l.mu.Lock()
	s.disconnected = true
	l.mu.Unlock()

	groutine.Go(s.ctx, "goble-disconnect", func(ctx context.Context) {
		err := client.CancelConnection()
		if err != nil {
			l.logger.WithError(err).Warn("BLE device disconnected with errors")
		}
		if _, ok := client.(disconnectNotifier); !ok || err != nil {
			l.down(s, device.StatusSuccess)
		}
	})
	return nil
}

// ReleaseLink drops the current session without reporting anything.
func (l *Link) ReleaseLink() {
	l.mu.Lock()
	s := l.current
	l.current = nil
	l.mu.Unlock()

	if s != nil {
		l.drop(s)
	}
}

func (l *Link) drop(s *linkSession) {
	s.downOnce.Do(func() {})
	s.cancel()

	l.mu.Lock()
	client := s.client
	s.client = nil
	s.profile = nil
	l.mu.Unlock()

	if client == nil {
		return
	}
	l.logger.WithField("address", s.address).Debug("Releasing GATT client")
	groutine.Go(context.Background(), "goble-release", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			l.logger.WithError(err).Debug("Cancel connection during release failed")
		}
	})
}

// DiscoverServices discovers the full profile in the background.
func (l *Link) DiscoverServices() error {
	s, client, err := l.connected()
	if err != nil {
		return err
	}

	groutine.Go(s.ctx, "goble-discover", func(ctx context.Context) {
		profile, err := client.DiscoverProfile(true)
		status := statusOf(err)

		l.mu.Lock()
		if err == nil && l.current == s {
			s.profile = profile
		}
		l.mu.Unlock()

		log := l.logger.WithField("address", s.address)
		if err != nil {
			log.WithError(err).Warn("Failed to discover profile")
		} else {
			log.WithField("services", len(profile.Services)).Debug("Profile discovered successfully")
		}
		if h := l.live(s); h != nil {
			h.OnServicesDiscovered(status)
		}
	})
	return nil
}

func (l *Link) lookup(serviceID, charID string) (*linkSession, GATTClient, *ble.Characteristic, error) {
	s, client, err := l.connected()
	if err != nil {
		return nil, nil, nil, err
	}
	l.mu.Lock()
	c := findCharacteristic(s.profile, serviceID, charID)
	l.mu.Unlock()
	if c == nil {
		return nil, nil, nil, device.NewError(device.KindCharacteristicNotFound, "characteristic %s not found in service %q", charID, serviceID)
	}
	return s, client, c, nil
}

func (l *Link) HasCharacteristic(serviceID, charID string) bool {
	_, _, _, err := l.lookup(serviceID, charID)
	return err == nil
}

func (l *Link) ReadCharacteristic(serviceID, charID string) error {
	s, client, c, err := l.lookup(serviceID, charID)
	if err != nil {
		return err
	}

	groutine.Go(s.ctx, "goble-read", func(ctx context.Context) {
		value, err := client.ReadCharacteristic(c)
		if err != nil {
			l.logger.WithFields(logrus.Fields{"char_uuid": charID, "error": err}).Debug("Read failed")
		}
		if h := l.live(s); h != nil {
			h.OnCharacteristicRead(charID, bytes.Clone(value), statusOf(err))
		}
	})
	return nil
}

func (l *Link) WriteCharacteristic(serviceID, charID string, data []byte, mode device.WriteMode) error {
	s, client, c, err := l.lookup(serviceID, charID)
	if err != nil {
		return err
	}
	payload := bytes.Clone(data)
	noRsp := mode == device.WriteWithoutResponse

	groutine.Go(s.ctx, "goble-write", func(ctx context.Context) {
		err := client.WriteCharacteristic(c, payload, noRsp)
		if err != nil {
			l.logger.WithFields(logrus.Fields{"char_uuid": charID, "error": err}).Debug("Write failed")
		}
		if h := l.live(s); h != nil {
			h.OnCharacteristicWrite(charID, statusOf(err))
		}
	})
	return nil
}

// SetNotification subscribes or unsubscribes. Indications are used when the
// characteristic supports them but not notifications.
func (l *Link) SetNotification(serviceID, charID string, enabled bool) error {
	s, client, c, err := l.lookup(serviceID, charID)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return device.NewStatusError(device.KindLinkError, device.StatusRequestNotSupported, "characteristic "+charID+" supports neither notify nor indicate")
	}
	ind := c.Property&ble.CharNotify == 0

	groutine.Go(s.ctx, "goble-subscribe", func(ctx context.Context) {
		var err error
		if enabled {
			err = client.Subscribe(c, ind, func(data []byte) {
				if h := l.live(s); h != nil {
					h.OnValueChanged(charID, bytes.Clone(data))
				}
			})
		} else {
			err = client.Unsubscribe(c, ind)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.WithFields(logrus.Fields{"char_uuid": charID, "indicate": ind, "error": err}).Debug("Subscription change failed")
		}
		if h := l.live(s); h != nil {
			h.OnNotificationStateChange(charID, enabled, statusOf(err))
		}
	})
	return nil
}
