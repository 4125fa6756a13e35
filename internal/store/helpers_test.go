package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/testutil"
)

// createTestStore opens a fresh database under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sampleProgram builds a program that exercises every column: a removed node
// (an id gap), a control edge with and without a branch, a closure with
// captures, and nested attrs.
func sampleProgram(t *testing.T) *testutil.Program {
	t.Helper()
	p := testutil.NewProgram(t)
	inc := p.Leaf(t, "inc", 1)
	main := p.Caller(t, "main", inc)

	closure, err := p.G.AddFunction(p.Module, graph.FunctionSpec{
		Name:       "adder",
		Params:     []graph.Param{{Name: "y", Type: p.I64}},
		Return:     p.I64,
		Closure:    true,
		Captures:   []graph.Capture{{Name: "k", Type: p.I64, Mode: graph.ByRef}},
		Visibility: graph.Private,
	})
	require.NoError(t, err)
	body, err := p.G.AddNode(closure, graph.Return())
	require.NoError(t, err)
	require.NoError(t, p.G.SetEntry(closure, body))

	mk, err := p.G.AddNode(main, graph.MakeClosure(closure))
	require.NoError(t, err)
	loop, err := p.G.AddNode(main, graph.Op{
		Kind:  graph.OpLoop,
		Attrs: canon.Obj(canon.P("bounds", canon.Array{canon.Int(0), canon.Int(10)}), canon.P("label", canon.String("ü"))),
	})
	require.NoError(t, err)
	_, err = p.G.AddControlEdge(mk, loop, nil)
	require.NoError(t, err)
	_, err = p.G.AddControlEdge(loop, mk, graph.BranchIndex(1))
	require.NoError(t, err)

	gone, err := p.G.AddNode(main, graph.Const(canon.Bool(true)))
	require.NoError(t, err)
	require.NoError(t, p.G.RemoveNode(gone))
	return p
}
