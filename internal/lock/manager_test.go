package lock

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ids"
)

func TestRegisterAgent(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.RegisterAgent("alice")
	assert.Equal(t, ids.AgentID("agent-1"), a)

	require.NoError(t, m.RegisterAgentID("bob", "Bob"))
	require.NoError(t, m.RegisterAgentID("bob", "Robert"))
	assert.Error(t, m.RegisterAgentID("", "nobody"))

	list := m.Agents()
	require.Len(t, list, 2)
	assert.Equal(t, ids.AgentID("agent-1"), list[0].ID)
	assert.Equal(t, "Robert", list[1].Name)

	_, err := m.AcquireRead("ghost", 1)
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestDefaultIDsAreUUIDs(t *testing.T) {
	m := NewManager(WithLogger(nil))
	a := m.RegisterAgent("a")
	b := m.RegisterAgent("b")
	assert.Len(t, string(a), 36)
	assert.NotEqual(t, a, b)
	assert.Equal(t, DefaultTTL, m.TTL())
}

func TestReadersShareAndWriterIsDenied(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	_, err := m.AcquireRead(ag[0], 1)
	require.NoError(t, err)
	_, err = m.AcquireRead(ag[1], 1)
	require.NoError(t, err)

	_, err = m.AcquireWrite(ag[2], 1, "rename")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	de, ok := AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, ag[0], de.Holder)
	assert.Equal(t, []ids.AgentID{ag[0], ag[1]}, de.Readers)
	assert.Equal(t, 1, de.Position)
	assert.True(t, de.Queued)
	assert.True(t, de.Retryable())

	st := m.Status(1)
	assert.Equal(t, ReadLocked, st.State)
	assert.Len(t, st.Readers, 2)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, Write, st.Queue[0].Mode)
}

func TestWriteDenialCarriesHolderAndPosition(t *testing.T) {
	m, clock := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	hold, err := m.AcquireWrite(ag[0], 7, "refactor loop")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), hold.ExpiresAt)

	_, err = m.AcquireWrite(ag[1], 7, "inline")
	de, ok := AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, ag[0], de.Holder)
	assert.Equal(t, "refactor loop", de.Description)
	assert.Equal(t, hold.ExpiresAt, de.ExpiresAt)
	assert.Equal(t, 1, de.Position)

	_, err = m.AcquireRead(ag[2], 7)
	de, _ = AsDenied(err)
	assert.Equal(t, 2, de.Position)

	// Retrying keeps the original place.
	_, err = m.AcquireWrite(ag[1], 7, "inline")
	de, _ = AsDenied(err)
	assert.Equal(t, 1, de.Position)
	assert.Contains(t, err.Error(), "queue position 1")
	assert.Len(t, m.Status(7).Queue, 2)
}

func TestReleasePromotesHeadWriter(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[1], 1, "second")
	require.Error(t, err)
	_, err = m.AcquireRead(ag[2], 1)
	require.Error(t, err)

	require.NoError(t, m.Release(ag[0], 1))
	st := m.Status(1)
	require.NotNil(t, st.Writer)
	assert.Equal(t, ag[1], st.Writer.Agent)
	assert.Equal(t, "second", st.Writer.Description)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, 1, st.Queue[0].Position)

	// The promoted agent's retry succeeds without a new wait.
	hold, err := m.AcquireWrite(ag[1], 1, "second")
	require.NoError(t, err)
	assert.Equal(t, Write, hold.Mode)

	require.NoError(t, m.Release(ag[1], 1))
	assert.True(t, m.Holds(ag[2], 1, Read))
	assert.Equal(t, ReadLocked, m.Status(1).State)
}

func TestReleasePromotesRunOfReaders(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "w", "r1", "r2", "w2", "r3")

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	for _, a := range ag[1:] {
		if a == ag[3] {
			_, err = m.AcquireWrite(a, 1, "")
		} else {
			_, err = m.AcquireRead(a, 1)
		}
		require.Error(t, err)
	}

	require.NoError(t, m.Release(ag[0], 1))
	st := m.Status(1)
	assert.Equal(t, ReadLocked, st.State)
	assert.Len(t, st.Readers, 2)
	require.Len(t, st.Queue, 2)
	assert.Equal(t, ag[3], st.Queue[0].Agent)
	assert.Equal(t, ag[4], st.Queue[1].Agent)
}

func TestQueuedWriterBlocksLaterReaders(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	_, err := m.AcquireRead(ag[0], 1)
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[1], 1, "")
	require.Error(t, err)

	_, err = m.AcquireRead(ag[2], 1)
	de, ok := AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, 2, de.Position)

	require.NoError(t, m.Release(ag[0], 1))
	assert.True(t, m.Holds(ag[1], 1, Write))
	assert.False(t, m.Holds(ag[2], 1, Read))
}

func TestReentrancyAndUpgrade(t *testing.T) {
	m, clock := newTestManager(t)
	ag := agents(m, "a", "b")

	_, err := m.AcquireWrite(ag[0], 1, "first")
	require.NoError(t, err)
	hold, err := m.AcquireRead(ag[0], 1)
	require.NoError(t, err)
	assert.Equal(t, Write, hold.Mode, "a writer asking for read keeps the write lock")

	clock.Advance(time.Minute)
	hold, err = m.AcquireWrite(ag[0], 1, "second")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), hold.ExpiresAt)
	assert.Equal(t, "second", hold.Description)

	// Sole reader upgrade, even with a writer queued behind it.
	_, err = m.AcquireRead(ag[0], 2)
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[1], 2, "")
	require.Error(t, err)
	hold, err = m.AcquireWrite(ag[0], 2, "upgrade")
	require.NoError(t, err)
	assert.Equal(t, Write, hold.Mode)
	st := m.Status(2)
	assert.Empty(t, st.Readers)
	assert.Equal(t, ag[0], st.Writer.Agent)

	// Two readers: no upgrade.
	_, err = m.AcquireRead(ag[0], 3)
	require.NoError(t, err)
	_, err = m.AcquireRead(ag[1], 3)
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[0], 3, "")
	assert.True(t, IsDenied(err))
}

func TestReleaseErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b")

	assert.ErrorIs(t, m.Release(ag[0], 1), ErrNotHeld)

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Release(ag[1], 1), ErrNotHeld)

	// A queued agent releasing leaves the queue.
	_, err = m.AcquireWrite(ag[1], 1, "")
	require.Error(t, err)
	require.NoError(t, m.Release(ag[1], 1))
	assert.Empty(t, m.Status(1).Queue)

	require.NoError(t, m.Release(ag[0], 1))
	assert.Equal(t, Unlocked, m.Status(1).State)
	assert.Empty(t, m.Statuses())
}

func TestReleaseAllAndDeregister(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b")

	for _, fn := range []ids.FunctionID{3, 1, 2} {
		_, err := m.AcquireWrite(ag[0], fn, "")
		require.NoError(t, err)
	}
	_, err := m.AcquireWrite(ag[1], 2, "waiting")
	require.Error(t, err)
	_, err = m.AcquireRead(ag[1], 9)
	require.NoError(t, err)

	held := m.HeldBy(ag[0])
	require.Len(t, held, 3)
	assert.Equal(t, ids.FunctionID(1), held[0].Function)

	require.NoError(t, m.DeregisterAgent(ag[0]))
	assert.Empty(t, m.HeldBy(ag[0]))
	assert.True(t, m.Holds(ag[1], 2, Write), "waiter promoted on deregister")

	require.NoError(t, m.DeregisterAgent(ag[1]))
	assert.Empty(t, m.Statuses())
	assert.ErrorIs(t, m.DeregisterAgent(ag[1]), ErrUnknownAgent)

	n := m.ReleaseAll("nobody")
	assert.Zero(t, n)
}

func TestDeregisterDropsQueueEntries(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[1], 1, "")
	require.Error(t, err)
	_, err = m.AcquireWrite(ag[2], 1, "")
	require.Error(t, err)

	require.NoError(t, m.DeregisterAgent(ag[1]))
	q := m.Status(1).Queue
	require.Len(t, q, 1)
	assert.Equal(t, ag[2], q[0].Agent)
	assert.Equal(t, 1, q[0].Position)
}

func TestWriteLockMutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	const (
		workers    = 16
		iterations = 50
		fn         = ids.FunctionID(1)
	)

	var (
		writers   atomic.Int32
		readers   atomic.Int32
		violation atomic.Bool
		wg        sync.WaitGroup
	)
	for i := range workers {
		agent := m.RegisterAgent("worker")
		write := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done := 0; done < iterations; {
				var err error
				if write {
					_, err = m.AcquireWrite(agent, fn, "")
				} else {
					_, err = m.AcquireRead(agent, fn)
				}
				if err != nil {
					runtime.Gosched()
					continue
				}
				if write {
					if writers.Add(1) != 1 || readers.Load() != 0 {
						violation.Store(true)
					}
					writers.Add(-1)
				} else {
					readers.Add(1)
					if writers.Load() != 0 {
						violation.Store(true)
					}
					readers.Add(-1)
				}
				if err := m.Release(agent, fn); err != nil {
					violation.Store(true)
				}
				done++
			}
		}()
	}
	wg.Wait()

	assert.False(t, violation.Load())
	assert.Equal(t, Unlocked, m.Status(fn).State)
}

func TestDeniedErrorMessages(t *testing.T) {
	err := &DeniedError{Function: 3, Mode: Write, Holder: "a", Description: "edit", Position: 2, Queued: true}
	assert.Equal(t, "lock denied: write f3: held by a (edit), queue position 2", err.Error())

	err = &DeniedError{Mode: Global, Holder: "b", Global: true}
	assert.Equal(t, "lock denied: global: global lock held by b", err.Error())

	wrapped := errors.Join(errors.New("context"), err)
	assert.True(t, IsDenied(wrapped))
}

func TestContended(t *testing.T) {
	m, _ := newTestManager(t)
	ag := agents(m, "a", "b", "c")

	assert.NoError(t, m.Contended(ag[0], 1), "unknown function")

	_, err := m.AcquireRead(ag[0], 1)
	require.NoError(t, err)
	assert.NoError(t, m.Contended(ag[0], 1), "own read")

	_, err = m.AcquireRead(ag[1], 1)
	require.NoError(t, err)
	err = m.Contended(ag[0], 1)
	de, ok := AsDenied(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, ag[1], de.Holder)
	assert.False(t, de.Queued)

	_, err = m.AcquireWrite(ag[1], 2, "rewrite")
	require.NoError(t, err)
	assert.NoError(t, m.Contended(ag[1], 2), "own write")
	de, ok = AsDenied(m.Contended(ag[2], 2))
	require.True(t, ok)
	assert.Equal(t, ag[1], de.Holder)
	assert.Equal(t, "rewrite", de.Description)
	assert.Empty(t, m.Status(2).Queue)

	require.NoError(t, m.Release(ag[1], 2))
	require.NoError(t, m.Release(ag[0], 1))
	require.NoError(t, m.Release(ag[1], 1))
	_, err = m.AcquireGlobal(ag[2], "restructure")
	require.NoError(t, err)
	de, ok = AsDenied(m.Contended(ag[0], 3))
	require.True(t, ok)
	assert.True(t, de.Global)
	assert.Equal(t, ag[2], de.Holder)
	assert.NoError(t, m.Contended(ag[2], 3))
}
