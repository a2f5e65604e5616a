//go:build go1.21

package heap

import (
	"errors"
	"fmt"

	"github.com/arena-labs/heapsim/pkg/arena"
	"github.com/arena-labs/heapsim/pkg/xerrors"
)

// ErrOutOfMemory is returned when the underlying arena cannot grow enough
// to satisfy a request. It is an alias for [arena.ErrOutOfMemory] so
// callers can errors.Is against either package.
var ErrOutOfMemory = arena.ErrOutOfMemory

// ErrInvalidArgument is returned for requests that are malformed
// independently of the heap's current state, e.g. a negative size.
var ErrInvalidArgument = errors.New("heap: invalid argument")

// ErrPreconditionViolated is returned by [Engine.Resize] when it is given
// an address that lies neither in a slab chunk nor in the arena. Double
// frees and other uses of released pointers are not detected.
var ErrPreconditionViolated = errors.New("heap: precondition violated")

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func preconditionViolated(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionViolated, fmt.Sprintf(format, args...))
}

// describeAllocFailure enriches an [ErrOutOfMemory] with the arena capacity
// numbers behind it, for debug logging, falling back to err.Error() for any
// other failure (or if the arena didn't attach an [arena.OutOfMemoryError]).
func describeAllocFailure(err error) string {
	if detail, ok := xerrors.AsA[*arena.OutOfMemoryError](err); ok {
		return fmt.Sprintf("requested=%d remaining=%d capacity=%d", detail.Requested, detail.Remaining, detail.Capacity)
	}

	return err.Error()
}
