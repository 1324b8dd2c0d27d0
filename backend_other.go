//go:build !linux

package r8139

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/config"
)

func newMappedBackend(_ *logrus.Logger, _ *config.C) (*backend, error) {
	return nil, errors.New("the mmio backend is only supported on linux")
}
