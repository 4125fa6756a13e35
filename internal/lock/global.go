package lock

import (
	"github.com/roach88/keel/internal/ids"
)

// AcquireGlobal takes the global write lock used for structural changes.
// It is granted only when no other agent holds any function lock; the
// caller's own function locks are allowed. Global requests never queue.
func (m *Manager) AcquireGlobal(agent ids.AgentID, description string) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAgent(agent); err != nil {
		return Hold{}, err
	}
	now := m.now()
	if m.global != nil {
		if m.global.Agent == agent {
			m.global.ExpiresAt = now.Add(m.ttl)
			m.global.Description = description
			return *m.global, nil
		}
		m.metrics.denied(Global)
		return Hold{}, &DeniedError{
			Mode:        Global,
			Holder:      m.global.Agent,
			Description: m.global.Description,
			ExpiresAt:   m.global.ExpiresAt,
			Position:    1,
			Global:      true,
		}
	}

	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		others := l.readerIDs()
		if l.writer != nil {
			others = append(others, l.writer.Agent)
		}
		for _, holder := range others {
			if holder == agent {
				continue
			}
			err := m.denial(fn, l, Global)
			err.Position = 1
			m.metrics.denied(Global)
			m.logger.Debug("global lock denied", "agent", agent, "function", fn, "holder", holder)
			return Hold{}, err
		}
	}

	m.global = &Hold{
		Agent:       agent,
		Mode:        Global,
		Description: description,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.metrics.granted(Global)
	m.logger.Info("global lock granted", "agent", agent, "description", description)
	return *m.global, nil
}

// ReleaseGlobal gives up the global lock and promotes waiters that queued
// before it was taken.
func (m *Manager) ReleaseGlobal(agent ids.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAgent(agent); err != nil {
		return err
	}
	if m.global == nil || m.global.Agent != agent {
		return ErrNotHeld
	}
	m.dropGlobal()
	m.promoteAll()
	return nil
}

// GlobalStatus returns the global hold, or nil when it is free.
func (m *Manager) GlobalStatus() *Hold {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global == nil {
		return nil
	}
	g := *m.global
	return &g
}

// HoldsGlobal reports whether agent holds the global lock.
func (m *Manager) HoldsGlobal(agent ids.AgentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global != nil && m.global.Agent == agent
}

func (m *Manager) dropGlobal() {
	m.logger.Info("global lock released", "agent", m.global.Agent)
	m.global = nil
	m.metrics.released(Global)
}
