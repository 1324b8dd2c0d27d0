package irq

import (
	"context"
	"time"
)

// Trigger carries assertions from the interrupt source to Line.Run.
// Assertions that arrive while nobody is waiting coalesce into one, the way a
// level triggered line stays asserted until it is serviced.
type Trigger interface {
	Fire() error
	Wait(ctx context.Context) error
	Close() error
}

type chanTrigger struct {
	c chan struct{}
}

// NewChanTrigger returns a portable in process Trigger.
func NewChanTrigger() Trigger {
	return &chanTrigger{c: make(chan struct{}, 1)}
}

func (t *chanTrigger) Fire() error {
	select {
	case t.c <- struct{}{}:
	default:
	}
	return nil
}

func (t *chanTrigger) Wait(ctx context.Context) error {
	select {
	case <-t.c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *chanTrigger) Close() error {
	return nil
}

// pollTrigger wakes its waiter on every tick as well as on Fire. It serves
// adapters whose interrupt is not routed to the process, at the cost of a
// spurious dispatch per idle tick.
type pollTrigger struct {
	chanTrigger
	ticker *time.Ticker
}

func NewPollTrigger(interval time.Duration) Trigger {
	return &pollTrigger{
		chanTrigger: chanTrigger{c: make(chan struct{}, 1)},
		ticker:      time.NewTicker(interval),
	}
}

func (t *pollTrigger) Wait(ctx context.Context) error {
	select {
	case <-t.c:
	case <-t.ticker.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *pollTrigger) Close() error {
	t.ticker.Stop()
	return nil
}
