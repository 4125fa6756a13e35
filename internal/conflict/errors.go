package conflict

import (
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Error is a hash mismatch: the function changed since the caller read it.
// It is never fatal; the caller re-reads and retries.
type Error struct {
	Function ids.FunctionID
	Expected merkle.Hash
	Current  merkle.Hash
	Diff     Diff
}

func (e *Error) Error() string {
	return fmt.Sprintf("conflict on %s: expected %s, current %s (%s)",
		e.Function, e.Expected, e.Current, e.Diff.Summary())
}

// Retryable is always true.
func (e *Error) Retryable() bool {
	return true
}

// IsConflict returns true if err is a hash mismatch.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// AsConflict extracts the conflict details from err.
func AsConflict(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
