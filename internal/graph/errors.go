package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Match with errors.Is.
var (
	// ErrNotFound is returned when an id does not name a live entity.
	// Retired ids also match ErrNotFound.
	ErrNotFound = errors.New("not found")

	// ErrRetired is returned when an id named an entity that was removed.
	ErrRetired = errors.New("retired")

	// ErrUnknownType is returned when a type id is not in the registry.
	ErrUnknownType = errors.New("unknown type")

	// ErrInvalid is returned for malformed payloads or arguments.
	ErrInvalid = errors.New("invalid argument")

	// ErrDataCycle is returned when a data edge would close a cycle.
	ErrDataCycle = errors.New("data edge would create a cycle")

	// ErrPortInUse is returned when a target port already has a producer.
	ErrPortInUse = errors.New("target port already has a producer")

	// ErrInUse is returned when removing an entity that is still referenced.
	ErrInUse = errors.New("still referenced")

	// ErrInconsistent reports a cross-layer invariant violation. It means
	// the mutation API has a defect and is never expected in correct use.
	ErrInconsistent = errors.New("inconsistent graph")
)

// EntityKind names the kind of entity an id refers to.
type EntityKind string

const (
	KindNode     EntityKind = "node"
	KindEdge     EntityKind = "edge"
	KindFunction EntityKind = "function"
	KindModule   EntityKind = "module"
	KindType     EntityKind = "type"
)

// IdentityError reports a reference to an unknown or retired id.
type IdentityError struct {
	Kind    EntityKind
	ID      uint64
	Retired bool
}

func (e *IdentityError) Error() string {
	if e.Retired {
		return fmt.Sprintf("%s %d: retired", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %d: not found", e.Kind, e.ID)
}

// Unwrap lets errors.Is match ErrNotFound for every identity error and
// ErrRetired for retired ids.
func (e *IdentityError) Unwrap() []error {
	if e.Retired {
		return []error{ErrNotFound, ErrRetired}
	}
	return []error{ErrNotFound}
}

// InconsistentError lists every cross-layer invariant that failed.
type InconsistentError struct {
	Problems []string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent graph: %s", strings.Join(e.Problems, "; "))
}

func (e *InconsistentError) Unwrap() error {
	return ErrInconsistent
}

// IsNotFound returns true if err references an unknown or retired id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInconsistent returns true if err reports a cross-layer violation.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrInconsistent)
}

func notFound(kind EntityKind, id uint64, retired bool) error {
	return &IdentityError{Kind: kind, ID: id, Retired: retired}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
