package r8139

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/capture"
)

// consumeOutsideFrame hands a frame the adapter received to the host. It runs
// in interrupt context, so a host that is not keeping up loses the frame.
func (f *Interface) consumeOutsideFrame(frame []byte) {
	f.outsideFrames.Inc(1)
	f.writeCapture(capture.Inbound, frame)

	if _, err := f.inside.Write(frame); err != nil {
		f.outsideDrops.Inc(1)
		f.l.WithError(err).WithField("frame", capture.Describe(frame)).Error("Failed to write to tap")
		return
	}

	if f.l.Level >= logrus.DebugLevel {
		f.l.WithField("frame", capture.Describe(frame)).Debug("Delivered frame")
	}
}
