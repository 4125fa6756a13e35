package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	var gen UUIDv7Generator
	a, b := gen.Generate(), gen.Generate()
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("c1", "c2")
	assert.Equal(t, "c1", gen.Generate())
	assert.Equal(t, "c2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestCommitLogIsBounded(t *testing.T) {
	e := New(nil, WithCommitLog(2), WithCommitIDs(NewFixedGenerator("a", "b", "c")))
	for rev := int64(1); rev <= 3; rev++ {
		e.record(Commit{Revision: rev, Kind: CommitEdit})
	}
	commits := e.Commits(0)
	require.Len(t, commits, 2)
	assert.Equal(t, "b", commits[0].ID)
	assert.Equal(t, "c", commits[1].ID)
	assert.NotNil(t, commits[0].Functions)
}
