package ring

import "errors"

var (
	// ErrRingFull is returned by Enqueue when every transmit slot is in
	// flight. It is transient; the ring's resume callback runs once a slot
	// frees up.
	ErrRingFull = errors.New("transmit ring is full")

	ErrFrameTooLarge = errors.New("frame does not fit in a transmit slot")
	ErrFrameEmpty    = errors.New("frame is empty")

	// ErrRingCorrupt is returned by Drain when a frame header could not have
	// been written by the adapter. The receiver has to be reset.
	ErrRingCorrupt = errors.New("receive ring is corrupt")
)
