package ring

import (
	"errors"
	"fmt"
)

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// CheckSize checks if the given value would be a valid ring size no larger
// than limit and returns an [ErrSizeInvalid], if not.
func CheckSize(size, limit int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, size)
	}

	// Indices are free running and only reduced by a mask, which only works
	// for powers of 2.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, size)
	}

	if size > limit {
		return fmt.Errorf("%w: %d is larger than the maximum possible size %d", ErrSizeInvalid, size, limit)
	}

	return nil
}
