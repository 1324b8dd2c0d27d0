package nic

import "errors"

var (
	ErrHardwareResetTimeout = errors.New("adapter did not finish reset in time")
	ErrInvalidState         = errors.New("invalid device state for operation")

	// ErrDeviceDown is returned by Submit while the device is not up.
	ErrDeviceDown = errors.New("device is not up")

	// ErrTxDisabled is returned by Submit on a device opened without a
	// transmit ring.
	ErrTxDisabled = errors.New("transmit is disabled")

	// ErrCarrierDown is returned by Submit while the link is down. Unlike
	// ring.ErrRingFull it does not clear by itself until the link returns.
	ErrCarrierDown = errors.New("no carrier")
)
