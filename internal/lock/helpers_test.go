package lock

import (
	"testing"
	"time"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/testutil"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	gen := &testutil.SequentialAgentIDs{}
	base := []Option{
		WithClock(clock.Now),
		WithLogger(testutil.QuietLogger()),
		WithIDGenerator(gen.Next),
	}
	return NewManager(append(base, opts...)...), clock
}

func agents(m *Manager, names ...string) []ids.AgentID {
	out := make([]ids.AgentID, len(names))
	for i, n := range names {
		out[i] = m.RegisterAgent(n)
	}
	return out
}
