package remat

import (
	"errors"
	"fmt"

	"github.com/vk/flowvm/internal/slot"
)

var (
	// ErrReleased is returned when a released tensor is used.
	ErrReleased = errors.New("tensor has been released")
	// ErrUnproduced is returned when a tensor is read before any instruction wrote it.
	ErrUnproduced = errors.New("tensor has never been produced")
	// ErrDuplicateTensor is returned when a slot already has a tensor.
	ErrDuplicateTensor = errors.New("tensor already exists for slot")
)

// AllocationError reports an allocation that could not be satisfied even
// after every eligible value was evicted.
type AllocationError struct {
	Size    int64
	Evicted int
	Err     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate %d bytes after evicting %d values: %v", e.Size, e.Evicted, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// ConsistencyError signals a broken internal invariant. It is raised with
// panic; it is never a recoverable runtime condition.
type ConsistencyError struct {
	Slot   slot.ID
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("remat consistency violation on %s: %s", e.Slot, e.Reason)
}
