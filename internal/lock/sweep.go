package lock

import (
	"context"
	"time"

	"github.com/roach88/keel/internal/ids"
)

// DefaultSweepInterval is how often Run sweeps.
const DefaultSweepInterval = 60 * time.Second

// Sweep force-releases every hold past its expiry, drops expired queue
// entries, and promotes waiters. Each released hold is logged at Warn with
// its holder of record and returned.
func (m *Manager) Sweep() []Expired {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Expired

	if m.global != nil && !now.Before(m.global.ExpiresAt) {
		out = append(out, m.expire(*m.global, now, true))
		m.global = nil
		m.metrics.released(Global)
	}

	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		if l.writer != nil && !now.Before(l.writer.ExpiresAt) {
			out = append(out, m.expire(*l.writer, now, false))
			l.writer = nil
			m.metrics.released(Write)
		}
		for _, a := range l.readerIDs() {
			r := l.readers[a]
			if now.Before(r.ExpiresAt) {
				continue
			}
			out = append(out, m.expire(*r, now, false))
			delete(l.readers, a)
			m.metrics.released(Read)
		}
		kept := l.queue[:0]
		for _, w := range l.queue {
			if now.Before(w.ExpiresAt) {
				kept = append(kept, w)
				continue
			}
			m.logger.Info("queued lock request expired", "function", fn, "agent", w.Agent, "mode", w.Mode)
		}
		l.queue = kept
	}
	m.promoteAll()
	return out
}

func (m *Manager) expire(h Hold, now time.Time, global bool) Expired {
	e := Expired{
		Function:    h.Function,
		Agent:       h.Agent,
		Mode:        h.Mode,
		Description: h.Description,
		AcquiredAt:  h.AcquiredAt,
		ExpiredAt:   now,
		Global:      global,
	}
	m.metrics.expired()
	m.logger.Warn("lock expired",
		"function", h.Function,
		"holder", h.Agent,
		"mode", h.Mode,
		"description", h.Description,
		"acquired_at", h.AcquiredAt,
		"expires_at", h.ExpiresAt)
	return e
}

// Run sweeps every interval until ctx is done. A non-positive interval
// uses DefaultSweepInterval.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("lock sweeper starting", "interval", interval, "ttl", m.ttl)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lock sweeper stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}
