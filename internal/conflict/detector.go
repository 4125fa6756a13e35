package conflict

import (
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Detector validates optimistic writes. Callers must hold the function's
// write lock while checking and applying, so nothing can change between
// the check and the edit.
type Detector struct {
	hasher  *merkle.Hasher
	history *History
	logger  *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithHistory sets the manifest history. Defaults to NewHistory(0).
func WithHistory(h *History) Option {
	return func(d *Detector) {
		if h != nil {
			d.history = h
		}
	}
}

// WithHasher sets the hasher. Defaults to the full-content hasher.
func WithHasher(h *merkle.Hasher) Option {
	return func(d *Detector) {
		if h != nil {
			d.hasher = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDetector creates a detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		hasher:  merkle.New(),
		history: NewHistory(DefaultHistory),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// History exposes the manifest history.
func (d *Detector) History() *History {
	return d.history
}

// Observe hashes fn, records the manifest, and returns it. Reads and
// commits call this so later conflicts can be diffed against them.
func (d *Detector) Observe(src merkle.Source, fn ids.FunctionID) (merkle.Manifest, error) {
	m, err := d.hasher.Manifest(src, fn)
	if err != nil {
		return merkle.Manifest{}, fmt.Errorf("observe: %w", err)
	}
	d.history.Record(m)
	return m, nil
}

// Check compares expected with fn's current hash. It returns nil on a
// match and a *Error carrying the diff otherwise.
func (d *Detector) Check(src merkle.Source, fn ids.FunctionID, expected merkle.Hash) error {
	current, err := d.Observe(src, fn)
	if err != nil {
		return fmt.Errorf("check %s: %w", fn, err)
	}
	if current.Root == expected {
		return nil
	}

	var diff Diff
	if baseline, ok := d.history.Lookup(fn, expected); ok {
		diff = Compare(baseline, current)
	} else {
		diff = unknownBaseline(expected, current)
	}
	d.logger.Debug("conflict detected",
		"function", fn,
		"expected", expected,
		"current", current.Root,
		"diff", diff.Summary())
	return &Error{Function: fn, Expected: expected, Current: current.Root, Diff: diff}
}
