//go:build linux

package tap

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type tap struct {
	*os.File
	name       string
	mtu        int
	txQueueLen int
	mac        net.HardwareAddr
	l          *logrus.Logger
}

func newTap(l *logrus.Logger, name string, mtu, txQueueLen int, mac net.HardwareAddr) (*tap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tap device name %q is too long", name)
	}

	// Containers often come without the tun node
	if _, err := os.Stat("/dev/net/tun"); os.IsNotExist(err) {
		if err := os.MkdirAll("/dev/net", 0755); err != nil {
			return nil, fmt.Errorf("/dev/net/tun doesn't exist, failed to mkdir -p /dev/net: %w", err)
		}
		if err := unix.Mknod("/dev/net/tun", unix.S_IFCHR|0600, int(unix.Mkdev(10, 200))); err != nil {
			return nil, fmt.Errorf("failed to create /dev/net/tun: %w", err)
		}
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	req, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	req.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF failed: %w", err)
	}

	// Non blocking so Close interrupts a pending Read.
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &tap{
		File:       os.NewFile(uintptr(fd), "/dev/net/tun"),
		name:       req.Name(),
		mtu:        mtu,
		txQueueLen: txQueueLen,
		mac:        mac,
		l:          l,
	}, nil
}

func (t *tap) Name() string {
	return t.name
}

func (t *tap) MTU() int {
	return t.mtu
}

// Activate configures the kernel side of the device and brings it up.
func (t *tap) Activate() error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to get tap device link: %w", err)
	}

	if err = netlink.LinkSetMTU(link, t.mtu); err != nil {
		return fmt.Errorf("failed to set tap mtu: %w", err)
	}

	if t.mac != nil {
		if err = netlink.LinkSetHardwareAddr(link, t.mac); err != nil {
			return fmt.Errorf("failed to set tap hardware address: %w", err)
		}
	}

	if err = netlink.LinkSetTxQLen(link, t.txQueueLen); err != nil {
		// Frames still flow, the kernel may drop more under load
		t.l.WithError(err).Error("Failed to set tap tx queue length")
	}

	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring the tap device up: %w", err)
	}

	t.l.WithField("device", t.name).WithField("mtu", t.mtu).WithField("mac", t.mac).Info("Tap device is up")
	return nil
}
