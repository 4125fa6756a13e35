package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/ids"
)

func TestIDsStartAtOneAndAreNeverReused(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")

	n1 := f.node(t, fn, ParamOp(0))
	n2 := f.node(t, fn, Const(canon.Int(1)))
	assert.Equal(t, ids.NodeID(1), n1)
	assert.Equal(t, ids.NodeID(2), n2)

	require.NoError(t, f.g.RemoveNode(n2))
	n3 := f.node(t, fn, Arith("add"))
	assert.Equal(t, ids.NodeID(3), n3, "retired id must not be reissued")
	assert.True(t, f.g.IsRetired(KindNode, uint64(n2)))
}

func TestRetiredAndUnknownIDsFailWithNotFound(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	n := f.node(t, fn, ParamOp(0))
	require.NoError(t, f.g.RemoveNode(n))

	_, err := f.g.Node(n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrRetired))

	var idErr *IdentityError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, KindNode, idErr.Kind)
	assert.True(t, idErr.Retired)

	_, err = f.g.Node(99)
	assert.True(t, IsNotFound(err))
	assert.False(t, errors.Is(err, ErrRetired))

	_, err = f.g.AddNode(ids.FunctionID(42), Return())
	assert.True(t, IsNotFound(err))

	assert.True(t, IsNotFound(f.g.RemoveNode(n)), "removing twice reports the retired id")
}

func TestAddDataEdgeRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	a := f.node(t, fn, ParamOp(0))
	b := f.node(t, fn, Return())

	_, err := f.g.AddDataEdge(a, b, 0, 0, ids.TypeID(77))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.Equal(t, 0, f.g.Stats().Edges, "rejected edge must not be written")
}

func TestDataEdgesAreSingleProducerPerPort(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	a := f.node(t, fn, ParamOp(0))
	b := f.node(t, fn, Const(canon.Int(2)))
	add := f.node(t, fn, Arith("add"))

	f.data(t, a, add, 0)
	f.data(t, b, add, 1)
	_, err := f.g.AddDataEdge(b, add, 0, 0, f.i64)
	assert.True(t, errors.Is(err, ErrPortInUse))

	// One producer may feed many consumers.
	ret := f.node(t, fn, Return())
	f.data(t, a, ret, 0)
	out, err := f.g.DataEdgesFrom(a)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDataEdgesMustStayAcyclic(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "loop")
	a := f.node(t, fn, Arith("add"))
	b := f.node(t, fn, Arith("mul"))
	f.data(t, a, b, 0)

	_, err := f.g.AddDataEdge(b, a, 0, 0, f.i64)
	assert.True(t, errors.Is(err, ErrDataCycle))
	_, err = f.g.AddDataEdge(a, a, 0, 1, f.i64)
	assert.True(t, errors.Is(err, ErrDataCycle))
}

func TestControlEdgesMayCycle(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "loop")
	head := f.node(t, fn, Op{Kind: OpLoop})
	body := f.node(t, fn, Arith("add"))

	_, err := f.g.AddControlEdge(head, body, BranchIndex(0))
	require.NoError(t, err)
	_, err = f.g.AddControlEdge(body, head, BranchIndex(1))
	require.NoError(t, err)
	_, err = f.g.AddControlEdge(head, head, nil)
	require.NoError(t, err)
	require.NoError(t, f.g.Verify())

	from, err := f.g.ControlEdgesFrom(head)
	require.NoError(t, err)
	require.Len(t, from, 2)
	assert.Equal(t, int64(0), from[0].PortOrBranch())
	assert.Equal(t, int64(-1), from[1].PortOrBranch())
}

func TestQueriesAreReadOnly(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	a := f.node(t, fn, Op{Kind: OpConst, Attrs: canon.Object{"value": canon.Int(1)}})
	b := f.node(t, fn, Return())
	f.data(t, a, b, 0)

	before := f.g.Decompose()

	n, err := f.g.Node(a)
	require.NoError(t, err)
	n.Op.Attrs["value"] = canon.Int(99)

	fun, err := f.g.Function(fn)
	require.NoError(t, err)
	fun.Params[0].Name = "changed"

	owned, err := f.g.NodesOwnedBy(fn)
	require.NoError(t, err)
	assert.Equal(t, []ids.NodeID{a, b}, owned)

	from, err := f.g.EdgesFrom(a)
	require.NoError(t, err)
	to, err := f.g.EdgesTo(b)
	require.NoError(t, err)
	assert.Equal(t, from, to)

	assert.Equal(t, before, f.g.Decompose())
}

func TestSemanticSkeletonTracksCalls(t *testing.T) {
	f := newFixture(t)
	main := f.function(t, "main")
	helper := f.function(t, "helper")

	c1 := f.node(t, main, Call(helper))
	f.node(t, main, Call(helper))

	callees, err := f.g.Callees(main)
	require.NoError(t, err)
	assert.Equal(t, []ids.FunctionID{helper}, callees)
	callers, err := f.g.Callers(helper)
	require.NoError(t, err)
	assert.Equal(t, []ids.FunctionID{main}, callers)

	// Dropping one of two call sites keeps the relationship.
	require.NoError(t, f.g.RemoveNode(c1))
	callees, err = f.g.Callees(main)
	require.NoError(t, err)
	assert.Equal(t, []ids.FunctionID{helper}, callees)

	assert.Equal(t, map[ids.FunctionID][]ids.FunctionID{
		main:   {helper},
		helper: {},
	}, f.g.CallGraph())

	used, err := f.g.UsedTypes(main)
	require.NoError(t, err)
	assert.Equal(t, []ids.TypeID{f.i64}, used)
}

func TestSetOpRewiresSemanticCalls(t *testing.T) {
	f := newFixture(t)
	main := f.function(t, "main")
	a := f.function(t, "a")
	b := f.function(t, "b")

	site := f.node(t, main, Call(a))
	require.NoError(t, f.g.SetOp(site, Call(b)))

	callees, err := f.g.Callees(main)
	require.NoError(t, err)
	assert.Equal(t, []ids.FunctionID{b}, callees)

	require.NoError(t, f.g.SetOp(site, Arith("add")))
	callees, err = f.g.Callees(main)
	require.NoError(t, err)
	assert.Empty(t, callees)

	err = f.g.SetOp(site, Op{Kind: OpCall})
	assert.True(t, errors.Is(err, ErrInvalid))
	err = f.g.SetOp(site, Call(ids.FunctionID(500)))
	assert.True(t, IsNotFound(err))
}

func TestRemoveFunctionCascades(t *testing.T) {
	f := newFixture(t)
	main := f.function(t, "main")
	helper := f.function(t, "helper")
	site := f.node(t, main, Call(helper))
	ret := f.node(t, main, Return())
	p := f.node(t, helper, ParamOp(0))
	r := f.node(t, helper, Return())
	f.data(t, p, r, 0)
	cross, err := f.g.AddControlEdge(p, ret, nil)
	require.NoError(t, err)

	err = f.g.RemoveFunction(helper)
	assert.True(t, errors.Is(err, ErrInUse), "helper is still called")

	require.NoError(t, f.g.RemoveNode(site))
	require.NoError(t, f.g.RemoveFunction(helper))

	assert.True(t, f.g.IsRetired(KindFunction, uint64(helper)))
	assert.True(t, f.g.IsRetired(KindNode, uint64(p)))
	assert.True(t, f.g.IsRetired(KindEdge, uint64(cross)))
	m, err := f.g.Module(f.module)
	require.NoError(t, err)
	assert.Equal(t, []ids.FunctionID{main}, m.Functions)
}

func TestRemoveModuleRequiresEmpty(t *testing.T) {
	f := newFixture(t)
	child, err := f.g.AddModule(f.module, "util", Private)
	require.NoError(t, err)

	assert.True(t, errors.Is(f.g.RemoveModule(f.module), ErrInUse))
	require.NoError(t, f.g.RemoveModule(child))

	m, err := f.g.Module(f.module)
	require.NoError(t, err)
	assert.Empty(t, m.Children)
}

func TestAddFunctionValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.g.AddFunction(f.module, FunctionSpec{Name: "bad", Return: ids.TypeID(50)})
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = f.g.AddFunction(f.module, FunctionSpec{
		Name:     "notclosure",
		Captures: []Capture{{Name: "x", Type: f.i64, Mode: ByValue}},
	})
	assert.True(t, errors.Is(err, ErrInvalid))

	id, err := f.g.AddFunction(f.module, FunctionSpec{
		Name:     "inc",
		Closure:  true,
		Captures: []Capture{{Name: "step", Type: f.i64, Mode: ByRef}},
		Return:   f.i64,
	})
	require.NoError(t, err)
	fn, err := f.g.Function(id)
	require.NoError(t, err)
	assert.True(t, fn.Closure)
	assert.Len(t, fn.Captures, 1)
}

func TestInvalidUTF8IsRejected(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "a")

	// Both bytes would otherwise serialize as U+FFFD.
	_, err := f.g.AddNode(fn, Arith("\xff"))
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
	_, err = f.g.AddNode(fn, Arith("\xfe"))
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)

	_, err = f.g.AddNode(fn, Op{Kind: OpConst, Attrs: canon.Object{"value": canon.String("\xff")}})
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
	_, err = f.g.AddNode(fn, Op{Kind: OpConst, Attrs: canon.Object{"\xff": canon.Int(1)}})
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)

	_, err = f.g.AddFunction(f.module, FunctionSpec{Name: "b\xff"})
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
	_, err = f.g.AddFunction(f.module, FunctionSpec{Name: "b", Params: []Param{{Name: "\xc3", Type: f.i64}}})
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)

	_, err = f.g.AddNode(fn, Arith("größer"))
	assert.NoError(t, err)
}

func TestSetEntry(t *testing.T) {
	f := newFixture(t)
	a := f.function(t, "a")
	b := f.function(t, "b")
	n := f.node(t, a, ParamOp(0))
	other := f.node(t, b, ParamOp(0))

	require.NoError(t, f.g.SetEntry(a, n))
	assert.True(t, errors.Is(f.g.SetEntry(a, other), ErrInvalid))

	require.NoError(t, f.g.RemoveNode(n))
	fn, err := f.g.Function(a)
	require.NoError(t, err)
	assert.False(t, fn.Entry.IsValid(), "removing the entry node clears it")
}

func TestBatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	before := f.g.Decompose()

	err := f.g.Batch(func(tx *Graph) error {
		if _, err := tx.AddNode(fn, Arith("add")); err != nil {
			return err
		}
		_, err := tx.AddNode(fn, Op{Kind: "bogus"})
		return err
	})
	require.Error(t, err)
	assert.Equal(t, before, f.g.Decompose(), "failed batch must leave graph untouched")

	err = f.g.Batch(func(tx *Graph) error {
		a, err := tx.AddNode(fn, ParamOp(0))
		if err != nil {
			return err
		}
		b, err := tx.AddNode(fn, Return())
		if err != nil {
			return err
		}
		_, err = tx.AddDataEdge(a, b, 0, 0, f.i64)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.g.Stats().Nodes)
	assert.Equal(t, 1, f.g.Stats().Edges)
}

func TestCloneIsIndependent(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	f.node(t, fn, ParamOp(0))

	cp := f.g.Clone()
	_, err := cp.AddNode(fn, Return())
	require.NoError(t, err)

	assert.Equal(t, 1, f.g.Stats().Nodes)
	assert.Equal(t, 2, cp.Stats().Nodes)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	f.node(t, fn, Call(fn))
	require.NoError(t, f.g.Verify())

	// Simulate a defect: a semantic Calls edge with no backing call node.
	other := f.function(t, "other")
	f.g.semantic.link(Calls, semFunction(fn), semFunction(other))

	err := f.g.Verify()
	require.Error(t, err)
	assert.True(t, IsInconsistent(err))
	var inc *InconsistentError
	require.True(t, errors.As(err, &inc))
	assert.NotEmpty(t, inc.Problems)

	// With verification on, the next mutation reports it.
	_, err = f.g.AddNode(fn, Return())
	assert.True(t, IsInconsistent(err))
}

func TestVerifyDetectsMissingSemanticFunction(t *testing.T) {
	f := newFixture(t)
	fn := f.function(t, "add")
	delete(f.g.semantic.nodes, semFunction(fn))

	err := f.g.Verify()
	assert.True(t, IsInconsistent(err))
}
