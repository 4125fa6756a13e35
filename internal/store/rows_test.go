package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/merkle"
	"github.com/roach88/keel/internal/testutil"
)

func TestRowsRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := sampleProgram(t)
	want := p.G.Decompose()

	require.NoError(t, s.SaveRows(ctx, want))
	got, err := s.LoadRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	g, err := s.LoadGraph(ctx, graph.WithLogger(testutil.QuietLogger()))
	require.NoError(t, err)
	before, err := merkle.New().HashAll(ctx, p.G)
	require.NoError(t, err)
	after, err := merkle.New().HashAll(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Retired ids stay retired after a reload.
	next, err := g.AddNode(p.Func(t, "inc"), graph.Const(canon.Int(0)))
	require.NoError(t, err)
	assert.Equal(t, want.Counters.NextNode, next)
}

func TestSaveRowsReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := sampleProgram(t)
	require.NoError(t, s.SaveRows(ctx, p.G.Decompose()))

	require.NoError(t, p.G.RemoveNode(p.Node(t, "inc.const")))
	want := p.G.Decompose()
	require.NoError(t, s.SaveRows(ctx, want))

	got, err := s.LoadRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRowsEmpty(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rows, err := s.LoadRows(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows.Functions)
	assert.Zero(t, rows.Counters)

	g, err := s.LoadGraph(ctx)
	require.NoError(t, err)
	assert.Zero(t, g.Stats().Functions)
}

func TestAttrsStoredCanonically(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := sampleProgram(t)
	require.NoError(t, s.SaveRows(ctx, p.G.Decompose()))

	var attrs string
	require.NoError(t, s.db.QueryRow(`SELECT attrs FROM nodes WHERE kind = 'loop'`).Scan(&attrs))
	assert.Equal(t, `{"bounds":[0,10],"label":"ü"}`, attrs)

	require.NoError(t, s.db.QueryRow(`SELECT attrs FROM nodes WHERE kind = 'return' LIMIT 1`).Scan(&attrs))
	assert.Equal(t, `{}`, attrs)
}

func TestSaveEngine(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := testutil.NewProgram(t)
	inc := p.Leaf(t, "inc", 1)

	var n int
	e := engine.New(p.G,
		engine.WithLogger(testutil.QuietLogger()),
		engine.WithCommitIDs(engine.IDFunc(func() string { n++; return fmt.Sprintf("c%d", n) })),
	)
	agent := e.Locks().RegisterAgent("a")
	_, err := e.Locks().AcquireWrite(agent, inc, "")
	require.NoError(t, err)
	h, err := e.HashFunction(inc)
	require.NoError(t, err)
	after, err := e.Edit(agent, inc, h, func(tx *engine.FunctionTx) error {
		return tx.SetOp(p.Node(t, "inc.const"), graph.Const(canon.Int(3)))
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveEngine(ctx, e))
	require.NoError(t, s.SaveEngine(ctx, e), "saving twice keeps one commit")

	rev, err := s.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	commits, err := s.Commits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, e.Commits(0)[0], commits[0])
	assert.Equal(t, after, commits[0].After)

	rows, err := s.LoadRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Rows(), rows)
}
