package r8139

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/util"
)

func newMappedBackend(l *logrus.Logger, c *config.C) (*backend, error) {
	path := c.GetString("backend.resource", "")
	if path == "" {
		return nil, util.NewContextualError("backend.resource must be provided for the mmio backend", nil, nil)
	}

	regs, err := hw.OpenResource(path)
	if err != nil {
		return nil, util.NewContextualError("Failed to map the register window", map[string]any{"resource": path}, err)
	}

	dma, err := hw.NewPageAllocator()
	if err != nil {
		regs.Close()
		return nil, util.NewContextualError("Failed to set up dma memory", nil, err)
	}

	if c.GetString("irq.trigger", "") != "poll" {
		l.Warn("The mmio backend has no interrupt routing, set irq.trigger to poll or frames will sit in the rings")
	}

	l.WithField("resource", path).Info("Using a mapped adapter")
	return &backend{kind: "mmio", bus: regs, dma: dma, closers: []io.Closer{regs, dma}}, nil
}
