//go:build !linux

package tap

import (
	"fmt"
	"net"
	"runtime"

	"github.com/sirupsen/logrus"
)

func newTap(_ *logrus.Logger, _ string, _, _ int, _ net.HardwareAddr) (Device, error) {
	return nil, fmt.Errorf("tap devices are not supported on %s, set tap.disabled", runtime.GOOS)
}
