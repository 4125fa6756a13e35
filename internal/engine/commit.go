package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Commit kinds.
const (
	CommitEdit       = "edit"
	CommitStructural = "structural"
)

// Commit records one applied change.
type Commit struct {
	ID        string           `json:"id"`
	Revision  int64            `json:"revision"`
	Kind      string           `json:"kind"`
	Agent     ids.AgentID      `json:"agent"`
	Functions []ids.FunctionID `json:"functions"`
	Before    merkle.Hash      `json:"before,omitzero"` // edits only
	After     merkle.Hash      `json:"after,omitzero"`  // edits only
}

// IDGenerator issues commit ids.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-sortable UUIDv7 commit ids.
//
// Thread Safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7. It panics only if the system
// random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator hands out predetermined ids so traces are reproducible.
//
// Thread Safety: safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next token. It panics once the tokens run out,
// which means a test committed more than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// IDFunc adapts a function to IDGenerator.
type IDFunc func() string

// Generate calls f.
func (f IDFunc) Generate() string {
	return f()
}
