package irq

import (
	"context"
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventFD is a counter the kernel, or a VFIO device, can signal.
type EventFD struct {
	fd int
}

func NewEventFD() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick and Clear run on different goroutines, so each has its own buffer.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Clear resets the counter. A counter that was already zero is not an error.
func (e *EventFD) Clear() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd != 0 {
		return unix.Close(e.fd)
	}
	return nil
}

// Epoll waits for any of a set of file descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 2),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits for at least one descriptor and returns the ready ones.
func (ep *Epoll) Block() ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ep.events[:n], nil
	}
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		return unix.Close(ep.fd)
	}
	return nil
}

// EventFDTrigger is a Trigger backed by an eventfd.
type EventFDTrigger struct {
	irq  EventFD
	stop EventFD
	ep   Epoll
}

// NewEventFDTrigger creates an EventFDTrigger. The descriptor
// from FD can be handed to an interrupt source outside the process, such as
// VFIO_DEVICE_SET_IRQS.
func NewEventFDTrigger() (*EventFDTrigger, error) {
	t := &EventFDTrigger{}
	var err error

	if t.irq, err = NewEventFD(); err != nil {
		return nil, err
	}
	if t.stop, err = NewEventFD(); err != nil {
		t.Close()
		return nil, err
	}
	if t.ep, err = NewEpoll(); err != nil {
		t.Close()
		return nil, err
	}
	if err = t.ep.AddEvent(t.irq.FD()); err != nil {
		t.Close()
		return nil, err
	}
	if err = t.ep.AddEvent(t.stop.FD()); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *EventFDTrigger) FD() int {
	return t.irq.FD()
}

func (t *EventFDTrigger) Fire() error {
	return t.irq.Kick()
}

func (t *EventFDTrigger) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = t.stop.Kick()
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := t.ep.Block()
		if err != nil {
			return err
		}

		for _, ev := range events {
			switch int(ev.Fd) {
			case t.irq.FD():
				return t.irq.Clear()
			case t.stop.FD():
				// A stale kick from an earlier Wait is cleared and ignored.
				if err := t.stop.Clear(); err != nil {
					return err
				}
			}
		}
	}
}

func (t *EventFDTrigger) Close() error {
	return errors.Join(t.ep.Close(), t.stop.Close(), t.irq.Close())
}
