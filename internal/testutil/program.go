package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
)

// QuietLogger discards everything. Tests pass it wherever a logger is
// accepted.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Program is a graph under construction with named handles for the ids it
// created, so tests can refer to "double.add" instead of a raw NodeID.
type Program struct {
	G      *graph.Graph
	Module ids.ModuleID
	I64    ids.TypeID
	Bool   ids.TypeID
	Funcs  map[string]ids.FunctionID
	Nodes  map[string]ids.NodeID
}

// NewProgram creates a graph with one root module and the i64 and bool
// builtin types.
func NewProgram(t testing.TB, opts ...graph.Option) *Program {
	t.Helper()
	g := graph.New(append([]graph.Option{graph.WithLogger(QuietLogger())}, opts...)...)
	m, err := g.AddModule(ids.NoModule, "main", graph.Public)
	require.NoError(t, err)
	i64, err := g.AddType(ids.NoModule, "i64", graph.TypePrimitive)
	require.NoError(t, err)
	b, err := g.AddType(ids.NoModule, "bool", graph.TypePrimitive)
	require.NoError(t, err)
	return &Program{
		G:      g,
		Module: m,
		I64:    i64,
		Bool:   b,
		Funcs:  make(map[string]ids.FunctionID),
		Nodes:  make(map[string]ids.NodeID),
	}
}

// Leaf adds name(x i64) i64 { return x + k }. Nodes are registered as
// name.param, name.const, name.add and name.return.
func (p *Program) Leaf(t testing.TB, name string, k int64) ids.FunctionID {
	t.Helper()
	fn := p.function(t, name)
	param := p.node(t, name, "param", fn, graph.ParamOp(0))
	c := p.node(t, name, "const", fn, graph.Const(canon.Int(k)))
	add := p.node(t, name, "add", fn, graph.Arith("add"))
	ret := p.node(t, name, "return", fn, graph.Return())
	p.Data(t, param, add, 0)
	p.Data(t, c, add, 1)
	p.Data(t, add, ret, 0)
	require.NoError(t, p.G.SetEntry(fn, param))
	return fn
}

// Caller adds a function that threads its parameter through a call to each
// callee in turn. Call nodes are registered as name.call0, name.call1, ...
func (p *Program) Caller(t testing.TB, name string, callees ...ids.FunctionID) ids.FunctionID {
	t.Helper()
	fn := p.function(t, name)
	prev := p.node(t, name, "param", fn, graph.ParamOp(0))
	require.NoError(t, p.G.SetEntry(fn, prev))
	for i, callee := range callees {
		call := p.node(t, name, fmt.Sprintf("call%d", i), fn, graph.Call(callee))
		p.Data(t, prev, call, 0)
		prev = call
	}
	ret := p.node(t, name, "return", fn, graph.Return())
	p.Data(t, prev, ret, 0)
	return fn
}

// Data adds an i64 data edge from src port 0 to dst's port.
func (p *Program) Data(t testing.TB, src, dst ids.NodeID, port uint32) ids.EdgeID {
	t.Helper()
	id, err := p.G.AddDataEdge(src, dst, 0, port, p.I64)
	require.NoError(t, err)
	return id
}

// Node returns a registered node id, failing the test if it is unknown.
func (p *Program) Node(t testing.TB, name string) ids.NodeID {
	t.Helper()
	id, ok := p.Nodes[name]
	require.True(t, ok, "unknown node %q", name)
	return id
}

// Func returns a registered function id, failing the test if it is unknown.
func (p *Program) Func(t testing.TB, name string) ids.FunctionID {
	t.Helper()
	id, ok := p.Funcs[name]
	require.True(t, ok, "unknown function %q", name)
	return id
}

func (p *Program) function(t testing.TB, name string) ids.FunctionID {
	t.Helper()
	id, err := p.G.AddFunction(p.Module, graph.FunctionSpec{
		Name:       name,
		Params:     []graph.Param{{Name: "x", Type: p.I64}},
		Return:     p.I64,
		Visibility: graph.Public,
	})
	require.NoError(t, err)
	p.Funcs[name] = id
	return id
}

func (p *Program) node(t testing.TB, fnName, label string, fn ids.FunctionID, op graph.Op) ids.NodeID {
	t.Helper()
	id, err := p.G.AddNode(fn, op)
	require.NoError(t, err)
	p.Nodes[fnName+"."+label] = id
	return id
}
