package lock

import (
	"slices"
	"strings"
	"time"

	"github.com/roach88/keel/internal/ids"
)

// Mode is a requested or held access mode.
type Mode string

const (
	Read   Mode = "read"
	Write  Mode = "write"
	Global Mode = "global"
)

// State is the lock state of one function.
type State string

const (
	Unlocked    State = "unlocked"
	ReadLocked  State = "read_locked"
	WriteLocked State = "write_locked"
)

// Hold is one granted lock.
type Hold struct {
	Function    ids.FunctionID `json:"function,omitempty"`
	Agent       ids.AgentID    `json:"agent"`
	Mode        Mode           `json:"mode"`
	Description string         `json:"description,omitempty"`
	AcquiredAt  time.Time      `json:"acquired_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Waiter is a queued request.
type Waiter struct {
	Agent       ids.AgentID `json:"agent"`
	Mode        Mode        `json:"mode"`
	Description string      `json:"description,omitempty"`
	Position    int         `json:"position"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Status is a point-in-time view of one function's lock.
type Status struct {
	Function ids.FunctionID `json:"function"`
	State    State          `json:"state"`
	Writer   *Hold          `json:"writer,omitempty"`
	Readers  []Hold         `json:"readers,omitempty"`
	Queue    []Waiter       `json:"queue,omitempty"`
}

// Agent is a registered agent identity.
type Agent struct {
	ID           ids.AgentID `json:"id"`
	Name         string      `json:"name"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// functionLock is the mutable state behind one function's lock.
type functionLock struct {
	writer  *Hold
	readers map[ids.AgentID]*Hold
	queue   []*Waiter
}

func newFunctionLock() *functionLock {
	return &functionLock{readers: make(map[ids.AgentID]*Hold)}
}

func (l *functionLock) state() State {
	switch {
	case l.writer != nil:
		return WriteLocked
	case len(l.readers) > 0:
		return ReadLocked
	default:
		return Unlocked
	}
}

func (l *functionLock) idle() bool {
	return l.writer == nil && len(l.readers) == 0 && len(l.queue) == 0
}

func (l *functionLock) readerIDs() []ids.AgentID {
	out := make([]ids.AgentID, 0, len(l.readers))
	for a := range l.readers {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// heldBy reports whether agent holds the lock in any mode.
func (l *functionLock) heldBy(agent ids.AgentID) bool {
	if l.writer != nil && l.writer.Agent == agent {
		return true
	}
	_, ok := l.readers[agent]
	return ok
}

// compatible reports whether mode can be granted to agent given only the
// current holders. A sole reader may upgrade to writer.
func (l *functionLock) compatible(agent ids.AgentID, mode Mode) bool {
	if l.writer != nil {
		return l.writer.Agent == agent
	}
	if mode == Read {
		return true
	}
	switch len(l.readers) {
	case 0:
		return true
	case 1:
		_, ok := l.readers[agent]
		return ok
	default:
		return false
	}
}

// queueIndex returns agent's index in the queue, or -1.
func (l *functionLock) queueIndex(agent ids.AgentID) int {
	return slices.IndexFunc(l.queue, func(w *Waiter) bool { return w.Agent == agent })
}

// othersAhead reports whether another agent is queued before agent. An
// agent that is not queued counts everyone as ahead.
func (l *functionLock) othersAhead(agent ids.AgentID) bool {
	i := l.queueIndex(agent)
	if i < 0 {
		return len(l.queue) > 0
	}
	return i > 0
}

func (l *functionLock) dequeue(agent ids.AgentID) bool {
	i := l.queueIndex(agent)
	if i < 0 {
		return false
	}
	l.queue = slices.Delete(l.queue, i, i+1)
	return true
}

func (l *functionLock) status(fn ids.FunctionID) Status {
	s := Status{Function: fn, State: l.state()}
	if l.writer != nil {
		w := *l.writer
		s.Writer = &w
	}
	for _, a := range l.readerIDs() {
		s.Readers = append(s.Readers, *l.readers[a])
	}
	for i, w := range l.queue {
		cp := *w
		cp.Position = i + 1
		s.Queue = append(s.Queue, cp)
	}
	return s
}

// String renders a compact one-line summary, used by traces.
func (s Status) String() string {
	var b strings.Builder
	b.WriteString(string(s.State))
	if s.Writer != nil {
		b.WriteString(" writer=" + string(s.Writer.Agent))
	}
	if len(s.Readers) > 0 {
		names := make([]string, len(s.Readers))
		for i, r := range s.Readers {
			names[i] = string(r.Agent)
		}
		b.WriteString(" readers=" + strings.Join(names, ","))
	}
	if len(s.Queue) > 0 {
		names := make([]string, len(s.Queue))
		for i, w := range s.Queue {
			names[i] = string(w.Agent) + ":" + string(w.Mode)
		}
		b.WriteString(" queue=" + strings.Join(names, ","))
	}
	return b.String()
}
