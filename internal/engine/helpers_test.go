package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/lock"
	"github.com/roach88/keel/internal/testutil"
)

type harness struct {
	e     *Engine
	p     *testutil.Program
	clock *testutil.FakeClock
}

// newHarness builds an engine over a program with two leaves and a caller:
// main calls inc and dec.
func newHarness(t *testing.T) *harness {
	t.Helper()
	p := testutil.NewProgram(t)
	inc := p.Leaf(t, "inc", 1)
	dec := p.Leaf(t, "dec", -1)
	p.Caller(t, "main", inc, dec)

	clock := testutil.NewFakeClock(time.Time{})
	agentIDs := &testutil.SequentialAgentIDs{}
	var commits int
	locks := lock.NewManager(
		lock.WithClock(clock.Now),
		lock.WithLogger(testutil.QuietLogger()),
		lock.WithIDGenerator(agentIDs.Next),
	)
	e := New(p.G,
		WithLockManager(locks),
		WithLogger(testutil.QuietLogger()),
		WithWallClock(clock.Now),
		WithCommitIDs(IDFunc(func() string {
			commits++
			return fmt.Sprintf("c%d", commits)
		})),
	)
	return &harness{e: e, p: p, clock: clock}
}

func (h *harness) agent(name string) ids.AgentID {
	return h.e.Locks().RegisterAgent(name)
}

func (h *harness) write(t *testing.T, agent ids.AgentID, fn ids.FunctionID) {
	t.Helper()
	_, err := h.e.Locks().AcquireWrite(agent, fn, "test")
	require.NoError(t, err)
}

func (h *harness) read(t *testing.T, agent ids.AgentID, fn ids.FunctionID) View {
	t.Helper()
	_, err := h.e.Locks().AcquireRead(agent, fn)
	require.NoError(t, err)
	v, err := h.e.Read(agent, fn)
	require.NoError(t, err)
	return v
}
