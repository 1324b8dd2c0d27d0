package tap

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// TestDevice is an in memory Device for tests. Frames given to Send are read
// by the daemon as if the kernel sent them, frames the daemon writes show up
// on Get.
type TestDevice struct {
	name string
	mtu  int
	l    *logrus.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	rxFrames  chan []byte // frames toward the adapter
	TxFrames  chan []byte // frames the adapter received
}

func NewTestDevice(l *logrus.Logger, name string) *TestDevice {
	return &TestDevice{
		name:     name,
		mtu:      DefaultMTU,
		l:        l,
		rxFrames: make(chan []byte, 64),
		TxFrames: make(chan []byte, 64),
	}
}

// Send queues frame to be read by the daemon.
func (t *TestDevice) Send(frame []byte) {
	if t.closed.Load() {
		return
	}

	if t.l.Level >= logrus.DebugLevel {
		t.l.WithField("dataLen", len(frame)).Debug("Tap receiving injected frame")
	}
	t.rxFrames <- frame
}

// Get returns the next frame written by the daemon. Without block it
// returns nil if none is waiting.
func (t *TestDevice) Get(block bool) []byte {
	if block {
		return <-t.TxFrames
	}

	select {
	case f := <-t.TxFrames:
		return f
	default:
		return nil
	}
}

func (t *TestDevice) Activate() error {
	return nil
}

func (t *TestDevice) Name() string {
	return t.name
}

func (t *TestDevice) MTU() int {
	return t.mtu
}

func (t *TestDevice) Read(b []byte) (int, error) {
	f, ok := <-t.rxFrames
	if !ok {
		return 0, io.EOF
	}
	return copy(b, f), nil
}

func (t *TestDevice) Write(b []byte) (int, error) {
	if t.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	frame := make([]byte, len(b))
	copy(frame, b)
	t.TxFrames <- frame
	return len(b), nil
}

func (t *TestDevice) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.rxFrames)
	})
	return nil
}
