package graph

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ids"
)

type fixture struct {
	g      *Graph
	module ids.ModuleID
	i64    ids.TypeID
	boolT  ids.TypeID
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := New(WithLogger(quietLogger()))
	m, err := g.AddModule(0, "main", Public)
	require.NoError(t, err)
	i64, err := g.AddType(0, "i64", TypePrimitive)
	require.NoError(t, err)
	b, err := g.AddType(0, "bool", TypePrimitive)
	require.NoError(t, err)
	return &fixture{g: g, module: m, i64: i64, boolT: b}
}

func (f *fixture) function(t *testing.T, name string) ids.FunctionID {
	t.Helper()
	id, err := f.g.AddFunction(f.module, FunctionSpec{
		Name:   name,
		Params: []Param{{Name: "x", Type: f.i64}},
		Return: f.i64,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) node(t *testing.T, fn ids.FunctionID, op Op) ids.NodeID {
	t.Helper()
	id, err := f.g.AddNode(fn, op)
	require.NoError(t, err)
	return id
}

func (f *fixture) data(t *testing.T, src, dst ids.NodeID, port uint32) ids.EdgeID {
	t.Helper()
	id, err := f.g.AddDataEdge(src, dst, 0, port, f.i64)
	require.NoError(t, err)
	return id
}
