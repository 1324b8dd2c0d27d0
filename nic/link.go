package nic

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/hw"
)

// LinkStatus is what the phy last reported.
type LinkStatus struct {
	Up         bool
	SpeedMbps  int
	FullDuplex bool
}

func (s LinkStatus) Duplex() string {
	if s.FullDuplex {
		return "full"
	}
	return "half"
}

func (s LinkStatus) String() string {
	if !s.Up {
		return "down"
	}
	return fmt.Sprintf("up %dMbps %s duplex", s.SpeedMbps, s.Duplex())
}

// Carrier reports whether the link is up. Submissions fail with
// ErrCarrierDown while it is not.
func (d *Device) Carrier() bool {
	return d.carrier.Load()
}

func (d *Device) Link() LinkStatus {
	return *d.link.Load()
}

// checkLink reads the phy state and applies a carrier transition. It runs
// with serviceMu held.
func (d *Device) checkLink() {
	msr := hw.MediaStatus(d.bus.Read8(hw.MSR))
	bmcr := hw.BasicModeControl(d.bus.Read16(hw.BMCR))

	st := LinkStatus{
		Up:         msr.LinkUp(),
		SpeedMbps:  msr.SpeedMbps(),
		FullDuplex: bmcr.FullDuplex(),
	}
	d.link.Store(&st)

	if d.carrier.Swap(st.Up) == st.Up {
		return
	}

	if st.Up {
		d.l.WithFields(logrus.Fields{
			"device": d.cfg.Name,
			"speed":  st.SpeedMbps,
			"duplex": st.Duplex(),
		}).Info("Link is up")
		d.signalWake()
	} else {
		d.l.WithField("device", d.cfg.Name).Warn("Link is down")
	}
}
