package registry

import (
	"errors"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when a blob does not exist in the registry.
	ErrNotFound = errors.New("registry: not found")

	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("registry: unauthorized")

	// ErrForbidden is returned when access is denied.
	ErrForbidden = errors.New("registry: forbidden")

	// ErrInvalidReference is returned when a reference string is malformed.
	ErrInvalidReference = errors.New("registry: invalid reference")

	// ErrInvalidID is returned when a resource identifier is not a digest.
	ErrInvalidID = errors.New("registry: invalid resource id")

	// ErrDigestMismatch is returned when content does not match its digest.
	ErrDigestMismatch = errors.New("registry: digest mismatch")
)

// mapError translates oras errors into this package's sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if errors.Is(err, auth.ErrBasicCredentialNotFound) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
