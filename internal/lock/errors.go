package lock

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/keel/internal/ids"
)

var (
	// ErrDenied is wrapped by every *DeniedError.
	ErrDenied = errors.New("lock denied")

	// ErrNotHeld is returned when releasing a lock the agent neither holds
	// nor waits for.
	ErrNotHeld = errors.New("lock not held")

	// ErrUnknownAgent is returned for agents that never registered or have
	// deregistered.
	ErrUnknownAgent = errors.New("unknown agent")
)

// DeniedError describes why a request was not granted and where the
// requester stands. It carries enough context to decide whether to retry,
// wait, or give up without another status query.
type DeniedError struct {
	// Function is the lock that blocked the request. For global requests
	// it is the first function held by another agent.
	Function ids.FunctionID

	// Mode is the requested mode.
	Mode Mode

	// Holder is the current writer, the global holder, or the first
	// reader when only readers hold the lock.
	Holder ids.AgentID

	// Readers lists every current reader, sorted.
	Readers []ids.AgentID

	// Description is the holder's stated activity.
	Description string

	// ExpiresAt is when the blocking hold lapses if never renewed.
	ExpiresAt time.Time

	// Position is the requester's 1-based place in the queue. For batch
	// and global requests, which never queue, it is the place the
	// requester would take.
	Position int

	// Queued reports whether the requester was added to the queue.
	Queued bool

	// Global reports that the global lock caused the denial.
	Global bool
}

func (e *DeniedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lock denied: %s", e.Mode)
	if e.Function.IsValid() {
		fmt.Fprintf(&b, " %s", e.Function)
	}
	switch {
	case e.Global:
		fmt.Fprintf(&b, ": global lock held by %s", e.Holder)
	case e.Holder != "":
		fmt.Fprintf(&b, ": held by %s", e.Holder)
	case e.Position > 1:
		fmt.Fprintf(&b, ": %d waiting ahead", e.Position-1)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, " (%s)", e.Description)
	}
	if e.Queued {
		fmt.Fprintf(&b, ", queue position %d", e.Position)
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrDenied.
func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// Retryable is always true: denials describe a transient state.
func (e *DeniedError) Retryable() bool {
	return true
}

// IsDenied returns true if err is a lock denial.
// Uses errors.As to handle wrapped errors.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

// AsDenied extracts the denial details from err.
func AsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Expired records a hold the sweep force-released.
type Expired struct {
	Function    ids.FunctionID `json:"function,omitempty"`
	Agent       ids.AgentID    `json:"agent"`
	Mode        Mode           `json:"mode"`
	Description string         `json:"description,omitempty"`
	AcquiredAt  time.Time      `json:"acquired_at"`
	ExpiredAt   time.Time      `json:"expired_at"`
	Global      bool           `json:"global,omitempty"`
}

func (e Expired) String() string {
	if e.Global {
		return fmt.Sprintf("global lock of %s expired", e.Agent)
	}
	return fmt.Sprintf("%s lock on %s of %s expired", e.Mode, e.Function, e.Agent)
}
