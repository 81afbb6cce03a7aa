package procline

import (
	"fmt"
	"sync"

	"github.com/kagehq/procline/internal/pipeend"
	"golang.org/x/sys/unix"
)

var (
	devnullOnce sync.Once
	devnullFD   int
	devnullErr  error
)

// openDevNull opens /dev/null for read+write exactly once per process
// image and reuses that descriptor for every Discard slot in every
// spawn; it is never closed.
func openDevNull() (int, error) {
	devnullOnce.Do(func() {
		fd, err := unix.Open("/dev/null", unix.O_RDWR, 0)
		if err != nil {
			devnullErr = fmt.Errorf("%w: %v", ErrDevNullUnavail, err)
			return
		}
		devnullFD = fd
	})
	return devnullFD, devnullErr
}

// resolveSlot turns a slot descriptor into the channel a spawn should
// use for one standard stream. SameAsOut is handled by the caller, not
// here, since its resolution depends on a sibling slot.
func resolveSlot(slot int, dir pipeend.Direction) (*pipeend.Channel, error) {
	switch {
	case slot == NewChannel:
		return pipeend.Allocate(dir)
	case slot == Discard:
		fd, err := openDevNull()
		if err != nil {
			return nil, err
		}
		return pipeend.Borrow(dir, fd), nil
	case slot >= 0:
		return pipeend.Borrow(dir, slot), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
}
