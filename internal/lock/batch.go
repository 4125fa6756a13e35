package lock

import (
	"fmt"

	"github.com/roach88/keel/internal/ids"
)

// BatchAcquireWrite takes the write lock on every function in fns or on
// none of them. The ids are sorted and deduplicated first; that total
// order is what rules out circular waits between overlapping batches.
//
// A denied batch is never queued. Locks acquired earlier in the same batch
// are released, and reads upgraded by the batch are restored, so the agent
// ends up holding exactly what it held before the call.
func (m *Manager) BatchAcquireWrite(agent ids.AgentID, fns []ids.FunctionID, description string) ([]Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAgent(agent); err != nil {
		return nil, err
	}
	sorted := ids.Dedupe(fns)
	if len(sorted) == 0 {
		return []Hold{}, nil
	}
	if err := m.checkGlobal(agent, sorted[0], Write); err != nil {
		return nil, err
	}

	type undo struct {
		fn   ids.FunctionID
		read *Hold // non-nil when the batch upgraded a read hold
	}
	var (
		taken []undo
		holds = make([]Hold, 0, len(sorted))
	)
	for _, fn := range sorted {
		l := m.lockFor(fn)
		wasWriter := l.writer != nil && l.writer.Agent == agent
		var prevRead *Hold
		if r, ok := l.readers[agent]; ok {
			cp := *r
			prevRead = &cp
		}

		hold, ok := m.tryGrant(agent, fn, l, Write, description)
		if !ok {
			err := m.denial(fn, l, Write)
			if i := l.queueIndex(agent); i >= 0 {
				err.Position = i + 1
			} else {
				err.Position = len(l.queue) + 1
			}
			m.gc(fn, l)
			for i := len(taken) - 1; i >= 0; i-- {
				m.rollback(agent, taken[i].fn, taken[i].read)
			}
			m.metrics.denied(Write)
			m.logger.Debug("batch lock denied",
				"agent", agent,
				"functions", sorted,
				"blocked_on", fn,
				"holder", err.Holder)
			return nil, fmt.Errorf("batch of %d: %w", len(sorted), err)
		}
		if !wasWriter {
			taken = append(taken, undo{fn: fn, read: prevRead})
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

// rollback undoes one batch grant: the write hold goes away and a read
// hold the batch upgraded comes back.
func (m *Manager) rollback(agent ids.AgentID, fn ids.FunctionID, read *Hold) {
	l := m.locks[fn]
	m.drop(fn, l, agent)
	if read != nil {
		l.readers[agent] = read
		m.metrics.restored(Read)
	}
	m.promote(fn, l)
	m.gc(fn, l)
}
