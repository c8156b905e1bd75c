package schemas

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Per-resource failures never abort a page; only a
// root document fetch failure is surfaced to the host as a navigation error.
var (
	// ErrInvalidReference indicates an operation against a node that does
	// not exist or has been detached. Fatal to the single operation only.
	ErrInvalidReference = errors.New("invalid node reference")

	// ErrFetchFailed indicates a resource fetch exhausted its retries.
	// Recoverable: the engine renders a placeholder.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrParseError indicates a resource could not be parsed. Recoverable:
	// the partial subtree is discarded and the rest of the page proceeds.
	ErrParseError = errors.New("parse error")
)

// NavigationError aborts a page load. It is produced only when the root
// document fetch or parse fails.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
