package r8139

import (
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/emu"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/util"
)

// backend is the register window and DMA memory a device is driven through.
type backend struct {
	kind string
	bus  hw.Bus
	dma  hw.Allocator

	// adapter is set for the emulated backend, which asserts its interrupt
	// line itself.
	adapter *emu.Adapter
	closers []io.Closer
}

func newBackendFromConfig(l *logrus.Logger, c *config.C) (*backend, error) {
	switch kind := c.GetString("backend.type", "emulator"); kind {
	case "emulator":
		return newEmulatedBackend(l, c)
	case "mmio":
		return newMappedBackend(l, c)
	default:
		return nil, util.NewContextualError("Unknown backend.type", map[string]any{"type": kind}, nil)
	}
}

func newEmulatedBackend(l *logrus.Logger, c *config.C) (*backend, error) {
	mac, err := c.GetHardwareAddr("backend.mac", nil)
	if err != nil {
		return nil, util.NewContextualError("Invalid backend.mac", nil, err)
	}

	a := emu.New(l, emu.Options{
		MAC:         mac,
		ResetPolls:  c.GetInt("backend.reset_polls", 2),
		LinkDown:    c.GetBool("backend.link_down", false),
		HalfDuplex:  c.GetBool("backend.half_duplex", false),
		Speed10:     c.GetBool("backend.speed_10", false),
		MemoryLimit: c.GetByteSize("backend.memory_limit", 0),
	})

	wireName := c.GetString("backend.wire", "loopback")
	w, ok := emu.NewWireFromName(a, wireName)
	if !ok {
		return nil, util.NewContextualError("Unknown backend.wire", map[string]any{"wire": wireName}, nil)
	}
	a.SetWire(w)

	l.WithField("wire", wireName).Info("Using the emulated adapter")
	return &backend{kind: "emulator", bus: a, dma: a, adapter: a}, nil
}

// attach connects the backend's interrupt source to line.
func (b *backend) attach(line *irq.Line) {
	if b.adapter != nil {
		b.adapter.SetAsserter(line)
	}
}

// stationAddress reads the address the adapter loaded from its eeprom.
func (b *backend) stationAddress() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		mac[i] = b.bus.Read8(hw.IDR(i))
	}
	return mac
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}
