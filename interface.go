package r8139

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/nic"
	"github.com/slackhq/r8139/tap"
)

// DefaultRetryTimeout bounds how long an outbound frame waits for a
// transmit slot when the device has no watchdog timeout configured.
const DefaultRetryTimeout = time.Second

type InterfaceConfig struct {
	Device       *nic.Device
	Inside       tap.Device
	RetryTimeout time.Duration
	l            *logrus.Logger
}

// Interface moves frames between the host side tap device and the adapter.
type Interface struct {
	l            *logrus.Logger
	dev          *nic.Device
	inside       tap.Device
	retryTimeout time.Duration

	capture atomic.Pointer[capture.Writer]

	insideFrames  metrics.Counter
	outsideFrames metrics.Counter
	outsideDrops  metrics.Counter
}

func NewInterface(c *InterfaceConfig) (*Interface, error) {
	if c.Device == nil {
		return nil, errors.New("no device provided")
	}
	if c.Inside == nil {
		return nil, errors.New("no inside interface provided")
	}

	retry := c.RetryTimeout
	if retry <= 0 {
		retry = DefaultRetryTimeout
	}

	return &Interface{
		l:             c.l,
		dev:           c.Device,
		inside:        c.Inside,
		retryTimeout:  retry,
		insideFrames:  metrics.GetOrRegisterCounter("inside.frames", nil),
		outsideFrames: metrics.GetOrRegisterCounter("outside.frames", nil),
		outsideDrops:  metrics.GetOrRegisterCounter("outside.dropped", nil),
	}, nil
}

// activate hooks the receive path up and brings the host side device up.
func (f *Interface) activate() error {
	f.dev.OnReceive(f.consumeOutsideFrame)

	if err := f.inside.Activate(); err != nil {
		f.dev.OnReceive(nil)
		return err
	}

	f.l.WithField("interface", f.inside.Name()).
		WithField("mtu", f.inside.MTU()).
		Info("Interface is active")
	return nil
}

// StartCapture records frames crossing the interface to a pcap file at path,
// replacing any capture in progress.
func (f *Interface) StartCapture(path string, snaplen int, dirs capture.Direction) error {
	w, err := capture.Create(path, snaplen)
	if err != nil {
		return err
	}
	w.SetDirections(dirs)

	if old := f.capture.Swap(w); old != nil {
		old.Close()
	}

	f.l.WithField("path", path).
		WithField("snaplen", w.SnapLen()).
		WithField("directions", dirs).
		Info("Frame capture started")
	return nil
}

// reloadCapture follows changes to the capture section: the running capture,
// if any, is closed and a new one started when capture.path is set.
func (f *Interface) reloadCapture(c *config.C) {
	if !c.HasChanged("capture") {
		return
	}

	f.StopCapture()
	path := c.GetString("capture.path", "")
	if path == "" {
		return
	}

	dirs, err := capture.ParseDirection(c.GetString("capture.direction", ""))
	if err != nil {
		f.l.WithError(err).Error("Invalid capture.direction, not restarting the frame capture")
		return
	}

	snaplen := c.GetInt("capture.snaplen", capture.DefaultSnapLen)
	if err := f.StartCapture(path, snaplen, dirs); err != nil {
		f.l.WithError(err).WithField("path", path).Error("Failed to start the frame capture")
	}
}

// StopCapture ends the capture in progress. It reports whether there was one.
func (f *Interface) StopCapture() bool {
	w := f.capture.Swap(nil)
	if w == nil {
		return false
	}

	if err := w.Close(); err != nil {
		f.l.WithError(err).Error("Failed to close the frame capture")
	}
	f.l.Info("Frame capture stopped")
	return true
}

// Capturing reports whether a capture is in progress.
func (f *Interface) Capturing() bool {
	return f.capture.Load() != nil
}

func (f *Interface) writeCapture(dir capture.Direction, frame []byte) {
	w := f.capture.Load()
	if w == nil {
		return
	}

	if err := w.WriteFrame(dir, frame); err != nil && !errors.Is(err, capture.ErrClosed) {
		f.l.WithError(err).Error("Frame capture failed, stopping it")
		if f.capture.CompareAndSwap(w, nil) {
			w.Close()
		}
	}
}

func (f *Interface) Close() error {
	f.StopCapture()
	f.dev.OnReceive(nil)
	return f.inside.Close()
}
