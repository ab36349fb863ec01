package ring

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when a requested cache size does not fit the
// borrowed buffer.
var ErrOutOfBounds = errors.New("ring: size out of bounds")

// InvariantError reports a broken cache invariant or a caller contract
// violation. It is raised with panic, never returned from a public method
// other than Validate.
type InvariantError struct {
	Op  string
	ID  string
	Msg string
}

func (e *InvariantError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("ring: %s %q: %s", e.Op, e.ID, e.Msg)
	}
	return fmt.Sprintf("ring: %s: %s", e.Op, e.Msg)
}

func invariantf(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
