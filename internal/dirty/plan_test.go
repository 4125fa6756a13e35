package dirty

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
	"github.com/roach88/keel/internal/testutil"
)

func h(b byte) merkle.Hash {
	var out merkle.Hash
	out[0] = b
	return out
}

func fns(in ...uint64) []ids.FunctionID {
	out := make([]ids.FunctionID, 0, len(in))
	for _, v := range in {
		out = append(out, ids.FunctionID(v))
	}
	return out
}

func TestComputeChain(t *testing.T) {
	// 1 -> 2 -> 3, 4 -> 3, 5 isolated
	calls := CallGraph{1: fns(2), 2: fns(3), 3: fns(), 4: fns(3), 5: fns()}
	old := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2), 3: h(3), 4: h(4), 5: h(5)}
	current := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2), 3: h(33), 4: h(4), 5: h(5)}

	plan := Compute(old, current, calls)
	assert.Equal(t, fns(3), plan.DirectlyDirty)
	assert.Equal(t, fns(1, 2, 4), plan.TransitivelyDirty)
	assert.Equal(t, fns(5), plan.Cached)
	assert.Empty(t, plan.Removed)
	assert.Equal(t, fns(1, 2, 3, 4), plan.Dirty())
	assert.Equal(t, plan.Recompile(), plan.Reverify())
	assert.True(t, plan.IsDirty(1))
	assert.False(t, plan.IsDirty(5))
}

func TestComputeCalleesOfDirtyStayCached(t *testing.T) {
	calls := CallGraph{1: fns(2), 2: fns()}
	old := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2)}
	current := map[ids.FunctionID]merkle.Hash{1: h(11), 2: h(2)}

	plan := Compute(old, current, calls)
	assert.Equal(t, fns(1), plan.DirectlyDirty)
	assert.Empty(t, plan.TransitivelyDirty)
	assert.Equal(t, fns(2), plan.Cached)
}

func TestComputeNewAndRemovedFunctions(t *testing.T) {
	calls := CallGraph{1: fns(3), 3: fns()}
	old := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2)}
	current := map[ids.FunctionID]merkle.Hash{1: h(11), 3: h(3)}

	plan := Compute(old, current, calls)
	assert.Equal(t, fns(1, 3), plan.DirectlyDirty)
	assert.Equal(t, fns(2), plan.Removed)
	assert.Empty(t, plan.Cached)
	assert.False(t, plan.Empty())
}

func TestComputeRecursionTerminates(t *testing.T) {
	calls := CallGraph{1: fns(2), 2: fns(1, 2), 3: fns(1)}
	old := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2), 3: h(3)}
	current := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(22), 3: h(3)}

	plan := Compute(old, current, calls)
	assert.Equal(t, fns(2), plan.DirectlyDirty)
	assert.Equal(t, fns(1, 3), plan.TransitivelyDirty)
}

func TestComputeNoChanges(t *testing.T) {
	snap := map[ids.FunctionID]merkle.Hash{1: h(1), 2: h(2)}
	plan := Compute(snap, snap, CallGraph{1: fns(2)})
	assert.True(t, plan.Empty())
	assert.Equal(t, fns(1, 2), plan.Cached)
}

// reaches reports whether from transitively calls any function in set.
func reaches(calls CallGraph, from ids.FunctionID, set map[ids.FunctionID]bool) bool {
	seen := map[ids.FunctionID]bool{}
	stack := append([]ids.FunctionID(nil), calls[from]...)
	for len(stack) > 0 {
		fn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[fn] {
			continue
		}
		seen[fn] = true
		if set[fn] {
			return true
		}
		stack = append(stack, calls[fn]...)
	}
	return false
}

func TestComputeSoundAndMinimal(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for round := range 50 {
		n := 2 + r.IntN(15)
		calls := make(CallGraph, n)
		old := make(map[ids.FunctionID]merkle.Hash, n)
		current := make(map[ids.FunctionID]merkle.Hash, n)
		changed := map[ids.FunctionID]bool{}
		for i := 1; i <= n; i++ {
			fn := ids.FunctionID(i)
			calls[fn] = []ids.FunctionID{}
			for j := 1; j <= n; j++ {
				if r.IntN(5) == 0 {
					calls[fn] = append(calls[fn], ids.FunctionID(j))
				}
			}
			old[fn] = h(byte(i))
			current[fn] = h(byte(i))
			if r.IntN(4) == 0 {
				current[fn] = h(byte(i + 100))
				changed[fn] = true
			}
		}

		plan := Compute(old, current, calls)
		dirty := map[ids.FunctionID]bool{}
		for _, fn := range plan.Dirty() {
			dirty[fn] = true
		}
		for i := 1; i <= n; i++ {
			fn := ids.FunctionID(i)
			want := changed[fn] || reaches(calls, fn, changed)
			assert.Equal(t, want, dirty[fn], "round %d function %s", round, fn)
		}
		assert.Equal(t, n, len(plan.Dirty())+len(plan.Cached), "round %d", round)
	}
}

func TestRebuildOrder(t *testing.T) {
	// 1 -> 2 <-> 3 -> 4, 5 -> 4; everything dirty.
	calls := CallGraph{1: fns(2), 2: fns(3), 3: fns(2, 4), 4: fns(), 5: fns(4)}
	plan := Plan{DirectlyDirty: fns(4), TransitivelyDirty: fns(1, 2, 3, 5)}

	order := RebuildOrder(plan, calls)
	assert.Equal(t, [][]ids.FunctionID{fns(4), fns(2, 3), fns(1), fns(5)}, order)
}

func TestRebuildOrderIgnoresCachedCallees(t *testing.T) {
	calls := CallGraph{1: fns(2), 2: fns(3), 3: fns()}
	plan := Plan{DirectlyDirty: fns(1), Cached: fns(2, 3)}
	assert.Equal(t, [][]ids.FunctionID{fns(1)}, RebuildOrder(plan, calls))
}

func TestCycles(t *testing.T) {
	calls := CallGraph{1: fns(1), 2: fns(3), 3: fns(2), 4: fns(1)}
	assert.Equal(t, [][]ids.FunctionID{fns(1), fns(2, 3)}, Cycles(calls))
}

func TestReverseIncludesLeaves(t *testing.T) {
	calls := CallGraph{1: fns(2, 2), 3: fns(2)}
	rev := calls.Reverse()
	assert.Equal(t, fns(1, 3), rev[2])
	assert.Equal(t, fns(), rev[1])
	assert.Equal(t, fns(1, 2, 3), calls.Functions())
}

func TestPlanFromGraph(t *testing.T) {
	p := testutil.NewProgram(t)
	inc := p.Leaf(t, "inc", 1)
	dec := p.Leaf(t, "dec", -1)
	twice := p.Caller(t, "twice", inc, inc)
	top := p.Caller(t, "top", twice)
	other := p.Caller(t, "other", dec)

	ctx := context.Background()
	old, err := merkle.Compilation().HashAll(ctx, p.G)
	require.NoError(t, err)

	// Contract-only edit: nothing to rebuild.
	_, err = p.G.AddNode(inc, graph.Contract(graph.OpPrecondition, "x > 0"))
	require.NoError(t, err)
	current, err := merkle.Compilation().HashAll(ctx, p.G)
	require.NoError(t, err)
	assert.True(t, Compute(old, current, FromGraph(p.G)).Empty())

	// Executable edit: inc and everything above it.
	require.NoError(t, p.G.SetOp(p.Node(t, "inc.const"), graph.Const(canon.Int(5))))
	current, err = merkle.Compilation().HashAll(ctx, p.G)
	require.NoError(t, err)

	plan := Compute(old, current, FromGraph(p.G))
	assert.Equal(t, []ids.FunctionID{inc}, plan.DirectlyDirty)
	assert.Equal(t, []ids.FunctionID{twice, top}, plan.TransitivelyDirty)
	assert.Equal(t, []ids.FunctionID{dec, other}, plan.Cached)
}

func TestTracker(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	tr := NewTracker(clock.Now)

	tr.Mark(Entry{Function: 2, Agent: "a", Revision: 1, Source: SourceEdit})
	clock.Advance(time.Second)
	tr.Mark(Entry{Function: 1, Revision: 2})
	tr.Mark(Entry{Function: 2, Agent: "b", Revision: 3, Source: SourceEdit})

	assert.True(t, tr.IsDirty(2))
	assert.Equal(t, 2, tr.Len())

	entries := tr.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ids.FunctionID(1), entries[0].Function)
	assert.Equal(t, SourceManual, entries[0].Source)
	assert.Equal(t, ids.AgentID("b"), entries[1].Agent)
	assert.Equal(t, testutil.Epoch.Add(time.Second), entries[1].MarkedAt)

	drained := tr.Drain()
	assert.Equal(t, entries, drained)
	assert.Zero(t, tr.Len())
	assert.False(t, tr.IsDirty(2))
}
