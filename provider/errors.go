package provider

import (
	"errors"
	"fmt"
)

// ErrSizeMismatch is reported when a provider obtains a body whose length
// differs from the requested size.
var ErrSizeMismatch = errors.New("provider: resource size mismatch")

// SizeError reports a body of the wrong length for one resource.
type SizeError struct {
	ID   string
	Want int
	Got  int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("provider: resource %q: got %d bytes, want %d", e.ID, e.Got, e.Want)
}

func (e *SizeError) Unwrap() error { return ErrSizeMismatch }
