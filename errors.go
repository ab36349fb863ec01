package replaycache

import (
	"errors"

	"github.com/meigma/replaycache/provider"
	"github.com/meigma/replaycache/ring"
)

var (
	// ErrNotFound is returned when the provider does not supply a resource.
	ErrNotFound = errors.New("replaycache: resource not found")

	// ErrNilProvider is returned by New when no provider is given.
	ErrNilProvider = errors.New("replaycache: nil provider")
)

// Errors re-exported from subpackages.
var (
	// ErrSizeMismatch is returned when a resource does not have the
	// requested size.
	ErrSizeMismatch = provider.ErrSizeMismatch

	// ErrOutOfBounds is returned when a cache size exceeds the buffer.
	ErrOutOfBounds = ring.ErrOutOfBounds
)
