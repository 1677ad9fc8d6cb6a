package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrCycleRejected = errors.New("cycle rejected")
	ErrClosed        = errors.New("closed")

	// ErrStaleRef marks a reference to a deleted node id. It matches
	// ErrNotFound under errors.Is; the extra sentinel lets callers tell a
	// never-existed id from a deleted one.
	ErrStaleRef = fmt.Errorf("stale reference: %w", ErrNotFound)
)
