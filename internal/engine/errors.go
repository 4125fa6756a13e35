package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/ids"
)

var (
	// ErrNotWriter means the agent does not hold the function's write lock.
	ErrNotWriter = errors.New("write lock not held")

	// ErrNotReader means the agent holds no lock on the function.
	ErrNotReader = errors.New("read lock not held")

	// ErrNotGlobal means the agent does not hold the global lock.
	ErrNotGlobal = errors.New("global lock not held")

	// ErrOutsideFunction means a function transaction touched an entity
	// owned by another function.
	ErrOutsideFunction = errors.New("outside function")
)

// AccessError reports an operation attempted without the lock it needs.
// It wraps ErrNotWriter, ErrNotReader or ErrNotGlobal.
type AccessError struct {
	Op       string
	Agent    ids.AgentID
	Function ids.FunctionID // zero for structural operations
	err      error
}

func (e *AccessError) Error() string {
	if e.Function.IsValid() {
		return fmt.Sprintf("%s %s by %s: %v", e.Op, e.Function, e.Agent, e.err)
	}
	return fmt.Sprintf("%s by %s: %v", e.Op, e.Agent, e.err)
}

func (e *AccessError) Unwrap() error {
	return e.err
}

// IsAccessError returns true if err reports a missing lock.
// Uses errors.As to handle wrapped errors.
func IsAccessError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae)
}

func notWriter(op string, agent ids.AgentID, fn ids.FunctionID) error {
	return &AccessError{Op: op, Agent: agent, Function: fn, err: ErrNotWriter}
}

func notReader(op string, agent ids.AgentID, fn ids.FunctionID) error {
	return &AccessError{Op: op, Agent: agent, Function: fn, err: ErrNotReader}
}

func notGlobal(op string, agent ids.AgentID) error {
	return &AccessError{Op: op, Agent: agent, err: ErrNotGlobal}
}
