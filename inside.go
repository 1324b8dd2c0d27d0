package r8139

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
	"github.com/slackhq/r8139/nic"
	"github.com/slackhq/r8139/ring"
	"github.com/slackhq/r8139/tap"
)

// listenIn reads frames the host sends and hands them to the adapter until
// the tap device is closed.
func (f *Interface) listenIn(ctx context.Context) error {
	frame := make([]byte, tap.MaxFrameSize(f.inside))

	for {
		n, err := f.inside.Read(frame)
		if err != nil {
			if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}

			f.l.WithError(err).Error("Error while reading outbound frame")
			return err
		}

		f.consumeInsideFrame(ctx, frame[:n])
	}
}

// consumeInsideFrame submits one frame, waiting out a full transmit ring for
// at most the retry timeout. frame may be reused once it returns.
func (f *Interface) consumeInsideFrame(ctx context.Context, frame []byte) {
	f.insideFrames.Inc(1)
	f.writeCapture(capture.Outbound, frame)

	if f.l.Level >= logrus.DebugLevel {
		f.l.WithField("frame", capture.Describe(frame)).Debug("Submitting frame")
	}

	var timeout *time.Timer
	for {
		_, err := f.dev.Submit(frame)
		if err == nil {
			break
		}

		if !errors.Is(err, ring.ErrRingFull) {
			f.dropInside(dropReason(err), frame, err)
			break
		}

		if timeout == nil {
			timeout = time.NewTimer(f.retryTimeout)
		}

		select {
		case <-f.dev.Wake():
			continue
		case <-timeout.C:
			f.dropInside("ring_full", frame, err)
		case <-ctx.Done():
		}
		break
	}

	if timeout != nil {
		timeout.Stop()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, nic.ErrCarrierDown):
		return "carrier"
	case errors.Is(err, nic.ErrDeviceDown):
		return "down"
	case errors.Is(err, nic.ErrTxDisabled):
		return "tx_disabled"
	case errors.Is(err, ring.ErrFrameTooLarge), errors.Is(err, ring.ErrFrameEmpty):
		return "invalid"
	default:
		return "other"
	}
}

func (f *Interface) dropInside(reason string, frame []byte, err error) {
	metrics.GetOrRegisterCounter("inside.dropped."+reason, nil).Inc(1)

	if f.l.Level >= logrus.DebugLevel {
		f.l.WithError(err).
			WithField("reason", reason).
			WithField("frame", capture.Describe(frame)).
			Debug("Dropping outbound frame")
	}
}
