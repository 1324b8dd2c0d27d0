// Package tap is the host side of the adapter: an ethernet device the kernel
// sends frames to and receives frames from.
package tap

import (
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/config"
	"github.com/slackhq/r8139/util"
)

const (
	DefaultMTU        = 1500
	DefaultTxQueueLen = 500

	// frameOverhead is the ethernet header on top of the MTU. Frames carry no
	// FCS on the host side.
	frameOverhead = 14
)

type Device interface {
	io.ReadWriteCloser
	Activate() error
	Name() string
	MTU() int
}

// DeviceFactory creates the host side device. NewDeviceFromConfig is the
// default; tests hand in a TestDevice instead.
type DeviceFactory func(c *config.C, l *logrus.Logger, mac net.HardwareAddr) (Device, error)

// MaxFrameSize is the largest frame d hands out or accepts.
func MaxFrameSize(d Device) int {
	return d.MTU() + frameOverhead
}

// NewDeviceFromConfig creates the host side device described by the tap
// section of c. mac, if set, becomes the device's hardware address.
func NewDeviceFromConfig(c *config.C, l *logrus.Logger, mac net.HardwareAddr) (Device, error) {
	mtu := c.GetInt("tap.mtu", DefaultMTU)
	if mtu < 68 || mtu > 9000 {
		return nil, util.NewContextualError("Invalid tap.mtu", map[string]any{"mtu": mtu}, nil)
	}

	if c.GetBool("tap.disabled", false) {
		return newDisabledTap(l, mtu, c.GetInt("tap.tx_queue", DefaultTxQueueLen)), nil
	}

	t, err := newTap(l, c.GetString("tap.dev", "r8139%d"), mtu, c.GetInt("tap.tx_queue", DefaultTxQueueLen), mac)
	if err != nil {
		return nil, util.NewContextualError("Failed to get a tap device", nil, err)
	}
	return t, nil
}
