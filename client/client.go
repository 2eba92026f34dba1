// Package client composes the scanner and the connection machine into a single
// handle over one radio and one GATT link.
package client

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/connection"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/notify"
	"github.com/srg/gattmgr/pkg/config"
	"github.com/srg/gattmgr/scanner"
)

// Client is the entry point for GATT client work. The configuration is fixed at
// construction.
type Client struct {
	cfg     config.Config
	radio   device.Radio
	scanner *scanner.Aggregator
	machine *connection.Machine
	logger  *logrus.Entry

	closeOnce sync.Once
	closeErr  error
}

// New wires a client over the given transport. A nil gate grants every
// capability; a nil logger is replaced with a default one.
func New(cfg config.Config, link device.Link, radio device.Radio, gate device.PermissionGate, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.WithDefaults()

	return &Client{
		cfg:     cfg,
		radio:   radio,
		scanner: scanner.New(radio, gate, cfg, logger),
		machine: connection.New(link, gate, cfg, logger),
		logger:  logger.WithField("component", "client"),
	}
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.Config { return c.cfg }

// StartScan starts (or restarts) a discovery session.
func (c *Client) StartScan() error {
	return c.scanner.StartScan()
}

// StopScan ends the active discovery session.
func (c *Client) StopScan() error {
	return c.scanner.StopScan()
}

// ScanResults returns the records of the current or last session.
func (c *Client) ScanResults() []device.Record {
	return c.scanner.Results()
}

// Connect begins connecting to address. It returns once the attempt is under
// way; observe ConnectionStates or use WaitFor to learn the outcome.
func (c *Client) Connect(address string) error {
	if !c.radio.Enabled() {
		c.logger.WithField("address", address).Warn("Connect rejected: bluetooth adapter is disabled")
		return device.NewError(device.KindRadioDisabled, "bluetooth adapter is disabled")
	}
	return c.machine.Connect(address)
}

// Disconnect tears down the active link, if any.
func (c *Client) Disconnect() error {
	return c.machine.Disconnect()
}

// Read reads a characteristic of the target service.
func (c *Client) Read(ctx context.Context, charID string) ([]byte, error) {
	return c.machine.Read(ctx, charID)
}

// Write writes payload to a characteristic. The service defaults to the
// configured target service and the mode to write-with-response.
func (c *Client) Write(ctx context.Context, charID string, payload []byte, opts ...connection.WriteOption) error {
	return c.machine.Write(ctx, charID, payload, opts...)
}

// WaitFor blocks until the connection reaches one of phases.
func (c *Client) WaitFor(ctx context.Context, phases ...connection.Phase) (connection.State, error) {
	return c.machine.WaitFor(ctx, phases...)
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() connection.State { return c.machine.State() }

// ScanState returns the current scan state.
func (c *Client) ScanState() scanner.State { return c.scanner.State() }

// ConnectionStates subscribes to connection state changes.
func (c *Client) ConnectionStates() *notify.Subscription[connection.State] { return c.machine.States() }

// ScanStates subscribes to scan state changes.
func (c *Client) ScanStates() *notify.Subscription[scanner.State] { return c.scanner.States() }

// Notifications subscribes to characteristic value pushes.
func (c *Client) Notifications() *notify.Subscription[notify.Notification] {
	return c.machine.Notifications()
}

// Transitions drains the recorded connection transitions, oldest first.
func (c *Client) Transitions() []connection.Transition { return c.machine.Transitions() }

// Close stops any scan, fails pending operations and releases the link. The
// client cannot be reused afterwards. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("Closing client")
		scanErr := c.scanner.Close()
		connErr := c.machine.Close()
		if scanErr != nil {
			c.closeErr = scanErr
		} else {
			c.closeErr = connErr
		}
	})
	return c.closeErr
}
