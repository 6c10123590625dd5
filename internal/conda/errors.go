package conda

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from spec.md §7. Component errors wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrCancelled: a coalesced operation lost all its waiters or was
	// dropped mid-flight.
	ErrCancelled = errors.New("repodata gateway: operation cancelled")

	// ErrEncoding: malformed NDJSON, wrong manifest magic/version, or
	// invalid UTF-8 in a name.
	ErrEncoding = errors.New("repodata gateway: encoding error")

	// ErrNotFound: a 404 or missing local file, specifically, so callers
	// can apply the "missing non-NoArch subdir is OK" policy.
	ErrNotFound = errors.New("repodata gateway: not found")

	// ErrInvalidURL: a channel URL uses an unsupported scheme.
	ErrInvalidURL = errors.New("repodata gateway: invalid channel url")
)

// HTTPStatusError is a non-success response on a required resource
// (spec.md: "HttpStatus(code, url)").
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("repodata gateway: unexpected status %d for %s", e.StatusCode, e.URL)
}

// SubdirConstructionError wraps the cause of a failed per-subdir init.
type SubdirConstructionError struct {
	Channel  string
	Platform string
	Cause    error
}

func (e *SubdirConstructionError) Error() string {
	return fmt.Sprintf("repodata gateway: constructing subdir %s/%s: %v", e.Channel, e.Platform, e.Cause)
}

func (e *SubdirConstructionError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err represents a 404/missing-file condition,
// either via ErrNotFound or an HTTPStatusError carrying status 404.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 404
	}
	return false
}
