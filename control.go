package r8139

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/nic"
	"golang.org/x/sync/errgroup"
)

// Control owns a running daemon. Every interaction with the device goes
// through the device's own locking, so Control only sequences startup and
// shutdown.
type Control struct {
	f       *Interface
	dev     *nic.Device
	line    *irq.Line
	backend *backend
	l       *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	// done is canceled by Stop or when a worker fails.
	done context.Context

	buildVersion string
	sshStart     func()
	sshStop      func()
	statsStart   func()
}

// Start brings the host side device and the adapter up and starts moving
// frames. It does not block, use ShutdownBlock or Wait for that.
func (c *Control) Start() error {
	// Activate the interface
	if err := c.f.activate(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(c.ctx)
	c.eg = eg
	c.done = ctx

	// The line has to be serviced before Open, the reset and link check
	// raise interrupts.
	eg.Go(func() error {
		return c.line.Run(ctx)
	})

	if err := c.dev.Open(ctx, c.line); err != nil {
		c.cancel()
		eg.Wait()
		c.f.Close()
		return err
	}

	// Call all the delayed funcs that waited patiently for the interface to be created.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	// Start reading frames.
	eg.Go(func() error {
		return c.f.listenIn(ctx)
	})

	return nil
}

// Stop signals the daemon to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()

	if err := c.dev.Close(); err != nil {
		c.l.WithError(err).Error("Failed to close the device")
	}

	if err := c.f.Close(); err != nil {
		c.l.WithError(err).Error("Close interface failed")
	}

	if c.eg != nil {
		if err := c.eg.Wait(); err != nil {
			c.l.WithError(err).Error("A worker failed")
		}
	}

	if err := c.line.Close(); err != nil {
		c.l.WithError(err).Error("Failed to close the interrupt line")
	}

	if err := c.backend.Close(); err != nil {
		c.l.WithError(err).Error("Failed to release the adapter backend")
	}

	if c.sshStop != nil {
		c.sshStop()
	}

	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	done := c.ctx
	if c.done != nil {
		done = c.done
	}

	var sig string
	select {
	case rawSig := <-sigChan:
		sig = rawSig.String()
	case <-done.Done():
		sig = "worker exit"
	}
	signal.Stop(sigChan)

	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Context is canceled once the daemon starts shutting down.
func (c *Control) Context() context.Context {
	return c.ctx
}

// Device returns the driven adapter.
func (c *Control) Device() *nic.Device {
	return c.dev
}

// Interface returns the frame path between the host and the adapter.
func (c *Control) Interface() *Interface {
	return c.f
}
