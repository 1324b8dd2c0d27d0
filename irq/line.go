// Package irq delivers adapter interrupts to the drivers sharing a line.
package irq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Result is what a Handler reports for one invocation.
type Result int

const (
	// None means the interrupt was not raised by the handler's device.
	None Result = iota
	// Handled means the handler's device raised the interrupt and it was
	// serviced.
	Handled
)

func (r Result) String() string {
	switch r {
	case None:
		return "none"
	case Handled:
		return "handled"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Handler services an interrupt. Handlers on a line are never invoked
// concurrently with each other or themselves.
type Handler interface {
	Interrupt() Result
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func() Result

func (f HandlerFunc) Interrupt() Result { return f() }

var ErrAlreadyRegistered = errors.New("handler name is already registered on this line")

// Registration is a handler's place on a line. It is the key Unregister
// removes by.
type Registration struct {
	name string
	h    Handler
}

func (r *Registration) Name() string {
	return r.name
}

// Line is a shared interrupt line. Assertions are delivered by Run to every
// registered handler in registration order.
type Line struct {
	name    string
	l       *logrus.Logger
	trigger Trigger

	// handlers is replaced, never modified, so Dispatch can iterate a
	// snapshot without holding hl.
	hl       sync.Mutex
	handlers []*Registration

	// dl is held for the whole of a dispatch. Unregister takes it to wait
	// out an in-flight dispatch.
	dl sync.Mutex

	handled  metrics.Counter
	spurious metrics.Counter
}

// NewLine creates a line that waits for assertions on t.
func NewLine(l *logrus.Logger, name string, t Trigger) *Line {
	return &Line{
		name:     name,
		l:        l,
		trigger:  t,
		handled:  metrics.GetOrRegisterCounter(fmt.Sprintf("irq.%s.handled", name), nil),
		spurious: metrics.GetOrRegisterCounter(fmt.Sprintf("irq.%s.spurious", name), nil),
	}
}

func (l *Line) Name() string {
	return l.name
}

// Register adds h to the line under name. Names are unique per line.
func (l *Line) Register(name string, h Handler) (*Registration, error) {
	l.hl.Lock()
	defer l.hl.Unlock()

	for _, r := range l.handlers {
		if r.name == name {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
		}
	}

	r := &Registration{name: name, h: h}
	handlers := make([]*Registration, len(l.handlers), len(l.handlers)+1)
	copy(handlers, l.handlers)
	l.handlers = append(handlers, r)

	l.l.WithField("line", l.name).WithField("handler", name).Debug("Registered interrupt handler")
	return r, nil
}

// Unregister removes r from the line. When it returns the handler is not
// running and will not be invoked again. It must not be called from a
// handler. Removing a registration twice is a no-op.
func (l *Line) Unregister(r *Registration) {
	l.remove(r)

	l.dl.Lock()
	l.dl.Unlock() //nolint:staticcheck // waits out an in-flight dispatch
}

func (l *Line) remove(r *Registration) {
	l.hl.Lock()
	defer l.hl.Unlock()

	handlers := make([]*Registration, 0, len(l.handlers))
	for _, o := range l.handlers {
		if o != r {
			handlers = append(handlers, o)
		} else {
			l.l.WithField("line", l.name).WithField("handler", r.name).Debug("Unregistered interrupt handler")
		}
	}
	l.handlers = handlers
}

// Raise asserts the line.
func (l *Line) Raise() {
	if err := l.trigger.Fire(); err != nil {
		l.l.WithError(err).WithField("line", l.name).Error("Failed to raise interrupt")
	}
}

// Dispatch invokes every registered handler once and reports whether any of
// them claimed the interrupt.
func (l *Line) Dispatch() Result {
	l.dl.Lock()
	defer l.dl.Unlock()

	l.hl.Lock()
	handlers := l.handlers
	l.hl.Unlock()

	res := None
	for _, r := range handlers {
		if r.h.Interrupt() == Handled {
			res = Handled
		}
	}

	if res == Handled {
		l.handled.Inc(1)
	} else {
		l.spurious.Inc(1)
		if l.l.Level >= logrus.DebugLevel {
			l.l.WithField("line", l.name).Debug("Spurious interrupt")
		}
	}
	return res
}

// Run delivers assertions until ctx is done.
func (l *Line) Run(ctx context.Context) error {
	for {
		if err := l.trigger.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("interrupt line %s: %w", l.name, err)
		}
		l.Dispatch()
	}
}

// Counts returns the number of dispatches that were claimed and not claimed.
func (l *Line) Counts() (handled, spurious int64) {
	return l.handled.Count(), l.spurious.Count()
}

// Close releases the trigger. Run must have returned.
func (l *Line) Close() error {
	return l.trigger.Close()
}
