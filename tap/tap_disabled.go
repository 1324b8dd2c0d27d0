package tap

import (
	"fmt"
	"io"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
)

// disabledTap stands in when there is no host side. Frames received by the
// adapter are counted and dropped, and reads block until Close.
type disabledTap struct {
	read chan []byte
	mtu  int
	once sync.Once

	// Track these metrics since we don't have the tap device to do it for us
	tx metrics.Counter
	rx metrics.Counter
	l  *logrus.Logger
}

func newDisabledTap(l *logrus.Logger, mtu, queueLen int) *disabledTap {
	return &disabledTap{
		read: make(chan []byte, queueLen),
		mtu:  mtu,
		tx:   metrics.GetOrRegisterCounter("tap.disabled.tx", nil),
		rx:   metrics.GetOrRegisterCounter("tap.disabled.rx", nil),
		l:    l,
	}
}

func (*disabledTap) Activate() error {
	return nil
}

func (*disabledTap) Name() string {
	return "disabled"
}

func (t *disabledTap) MTU() int {
	return t.mtu
}

func (t *disabledTap) Read(b []byte) (int, error) {
	r, ok := <-t.read
	if !ok {
		return 0, io.EOF
	}

	if len(r) > len(b) {
		return 0, fmt.Errorf("frame larger than buffer: %d > %d bytes", len(r), len(b))
	}

	t.tx.Inc(1)
	return copy(b, r), nil
}

func (t *disabledTap) Write(b []byte) (int, error) {
	t.rx.Inc(1)
	if t.l.Level >= logrus.DebugLevel {
		t.l.WithField("frame", capture.Describe(b)).Debug("Disabled tap dropped frame")
	}
	return len(b), nil
}

func (t *disabledTap) Close() error {
	t.once.Do(func() { close(t.read) })
	return nil
}
