package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/client"
	"github.com/srg/gattmgr/connection"
	"github.com/srg/gattmgr/internal/device"
	"github.com/srg/gattmgr/internal/transport/goble"
	"github.com/srg/gattmgr/pkg/config"
)

// newClient builds the client on the platform radio. Tests replace it.
var newClient = func(cfg config.Config, logger *logrus.Logger) (*client.Client, error) {
	link, radio, err := goble.Open(logger)
	if err != nil {
		logger.WithError(err).Warn("Bluetooth adapter unavailable")
	}
	return client.New(cfg, link, radio, device.AllowAll, logger), nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// connectReady connects and waits until the link is ready or the attempt fails.
func connectReady(ctx context.Context, c *client.Client, address string) error {
	states := c.ConnectionStates()
	defer states.Close()

	if err := c.Connect(address); err != nil {
		return err
	}

	for {
		select {
		case st, ok := <-states.C():
			if !ok {
				return device.NewError(device.KindLinkClosed, "client closed while connecting")
			}
			switch st.Phase {
			case connection.PhaseReady:
				return nil
			case connection.PhaseError:
				return st.Err
			case connection.PhaseDisconnected:
				return device.NewError(device.KindPeerDisconnected, "connection to %s ended before it was ready", address)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// withConnection runs fn against a ready link to address and always closes the client.
func withConnection(cmd *cobra.Command, cfg config.Config, logger *logrus.Logger, address string, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	runErr := func() error {
		if err := connectReady(ctx, c, address); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		return fn(ctx, c)
	}()

	_ = c.Disconnect()
	closeErr := c.Close()

	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		printTransitions(cmd.ErrOrStderr(), c.Transitions())
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func printTransitions(w io.Writer, transitions []connection.Transition) {
	for _, t := range transitions {
		fmt.Fprintf(w, "%s  %s -> %s\n", t.At.Format("15:04:05.000"), renderPhase(t.From.Phase), renderPhase(t.To.Phase))
	}
}
