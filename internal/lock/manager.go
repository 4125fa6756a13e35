package lock

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/ids"
)

// DefaultTTL is how long a hold lives without renewal.
const DefaultTTL = 30 * time.Minute

// Manager is the lock table. All state sits behind one mutex, so every
// operation, batches included, is atomic with respect to the others.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	ttl     time.Duration
	now     func() time.Time
	newID   func() ids.AgentID
	logger  *slog.Logger
	metrics *Metrics

	agents map[ids.AgentID]Agent
	locks  map[ids.FunctionID]*functionLock
	global *Hold
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the hold lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithIDGenerator replaces the UUID generator used by RegisterAgent.
func WithIDGenerator(gen func() ids.AgentID) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager creates an empty lock table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ttl:    DefaultTTL,
		now:    time.Now,
		newID:  func() ids.AgentID { return ids.AgentID(uuid.NewString()) },
		logger: slog.Default(),
		agents: make(map[ids.AgentID]Agent),
		locks:  make(map[ids.FunctionID]*functionLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured hold lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// RegisterAgent issues a fresh agent id.
func (m *Manager) RegisterAgent(name string) ids.AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	for {
		if _, taken := m.agents[id]; !taken {
			break
		}
		id = m.newID()
	}
	m.agents[id] = Agent{ID: id, Name: name, RegisteredAt: m.now()}
	m.logger.Info("agent registered", "agent", id, "name", name)
	return id
}

// RegisterAgentID registers a caller-chosen id. Registering an existing id
// updates its name.
func (m *Manager) RegisterAgentID(id ids.AgentID, name string) error {
	if id == "" {
		return fmt.Errorf("register agent: %w: empty id", ErrUnknownAgent)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.Name = name
		m.agents[id] = a
		return nil
	}
	m.agents[id] = Agent{ID: id, Name: name, RegisteredAt: m.now()}
	m.logger.Info("agent registered", "agent", id, "name", name)
	return nil
}

// DeregisterAgent releases everything the agent holds, drops its queue
// entries, and forgets it.
func (m *Manager) DeregisterAgent(agent ids.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent]; !ok {
		return fmt.Errorf("deregister %s: %w", agent, ErrUnknownAgent)
	}
	released := m.releaseAllLocked(agent)
	if m.global != nil && m.global.Agent == agent {
		m.dropGlobal()
		released++
	}
	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		if l.dequeue(agent) {
			m.promote(fn, l)
		}
		m.gc(fn, l)
	}
	delete(m.agents, agent)
	m.logger.Info("agent deregistered", "agent", agent, "released", released)
	return nil
}

// Agents returns registered agents sorted by id.
func (m *Manager) Agents() []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// AcquireRead grants a read lock on fn. A writer asking for read keeps its
// write lock; a reader asking again renews its hold.
func (m *Manager) AcquireRead(agent ids.AgentID, fn ids.FunctionID) (Hold, error) {
	return m.acquire(agent, fn, Read, "")
}

// AcquireWrite grants the write lock on fn. A writer asking again renews
// its hold and description; a sole reader is upgraded.
func (m *Manager) AcquireWrite(agent ids.AgentID, fn ids.FunctionID, description string) (Hold, error) {
	return m.acquire(agent, fn, Write, description)
}

func (m *Manager) acquire(agent ids.AgentID, fn ids.FunctionID, mode Mode, description string) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAgent(agent); err != nil {
		return Hold{}, err
	}
	if err := m.checkGlobal(agent, fn, mode); err != nil {
		return Hold{}, err
	}

	l := m.lockFor(fn)
	if hold, ok := m.tryGrant(agent, fn, l, mode, description); ok {
		return hold, nil
	}

	// Deny and queue. A repeated request keeps its place and refreshes its
	// expiry; a stronger mode replaces a weaker one.
	now := m.now()
	i := l.queueIndex(agent)
	if i < 0 {
		l.queue = append(l.queue, &Waiter{Agent: agent, Mode: mode, Description: description, EnqueuedAt: now})
		i = len(l.queue) - 1
	}
	w := l.queue[i]
	if mode == Write {
		w.Mode = Write
		w.Description = description
	}
	w.ExpiresAt = now.Add(m.ttl)

	err := m.denial(fn, l, mode)
	err.Position = i + 1
	err.Queued = true
	m.metrics.denied(mode)
	m.logger.Debug("lock denied", "function", fn, "agent", agent, "mode", mode, "holder", err.Holder, "position", err.Position)
	return Hold{}, err
}

// tryGrant grants mode to agent if it is compatible with the current
// holders and nobody else is queued ahead. Re-acquisition renews. A sole
// reader upgrading to writer does not wait behind the queue: queued
// writers are waiting for that reader, so making it wait for them would
// deadlock until expiry.
func (m *Manager) tryGrant(agent ids.AgentID, fn ids.FunctionID, l *functionLock, mode Mode, description string) (Hold, bool) {
	now := m.now()

	if l.writer != nil && l.writer.Agent == agent {
		l.writer.ExpiresAt = now.Add(m.ttl)
		if mode == Write {
			l.writer.Description = description
		}
		return *l.writer, true
	}
	if r, ok := l.readers[agent]; ok && mode == Read {
		r.ExpiresAt = now.Add(m.ttl)
		return *r, true
	}

	if !l.compatible(agent, mode) {
		return Hold{}, false
	}
	upgrade := mode == Write && l.heldBy(agent)
	if !upgrade && l.othersAhead(agent) {
		return Hold{}, false
	}

	l.dequeue(agent)
	hold := m.grant(agent, fn, l, mode, description)
	return hold, true
}

// grant installs a new hold. An upgrading reader loses its read hold.
func (m *Manager) grant(agent ids.AgentID, fn ids.FunctionID, l *functionLock, mode Mode, description string) Hold {
	now := m.now()
	hold := &Hold{
		Function:    fn,
		Agent:       agent,
		Mode:        mode,
		Description: description,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}
	if mode == Write {
		if _, ok := l.readers[agent]; ok {
			delete(l.readers, agent)
			m.metrics.released(Read)
		}
		l.writer = hold
	} else {
		l.readers[agent] = hold
	}
	m.metrics.granted(mode)
	m.logger.Debug("lock granted", "function", fn, "agent", agent, "mode", mode)
	return *hold
}

// denial describes the holders blocking fn.
func (m *Manager) denial(fn ids.FunctionID, l *functionLock, mode Mode) *DeniedError {
	err := &DeniedError{Function: fn, Mode: mode, Readers: l.readerIDs()}
	switch {
	case l.writer != nil:
		err.Holder = l.writer.Agent
		err.Description = l.writer.Description
		err.ExpiresAt = l.writer.ExpiresAt
	case len(err.Readers) > 0:
		first := l.readers[err.Readers[0]]
		err.Holder = first.Agent
		err.Description = first.Description
		err.ExpiresAt = first.ExpiresAt
	}
	return err
}

// Release gives up agent's hold on fn and promotes waiters. An agent that
// only waits for fn leaves the queue instead.
func (m *Manager) Release(agent ids.AgentID, fn ids.FunctionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAgent(agent); err != nil {
		return err
	}
	l, ok := m.locks[fn]
	if !ok {
		return fmt.Errorf("release %s by %s: %w", fn, agent, ErrNotHeld)
	}
	switch {
	case l.heldBy(agent):
		m.drop(fn, l, agent)
	case l.dequeue(agent):
		m.logger.Debug("left lock queue", "function", fn, "agent", agent)
	default:
		return fmt.Errorf("release %s by %s: %w", fn, agent, ErrNotHeld)
	}
	m.promote(fn, l)
	m.gc(fn, l)
	return nil
}

// ReleaseAll releases every function lock agent holds and returns how many
// were released. The global lock is not affected.
func (m *Manager) ReleaseAll(agent ids.AgentID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseAllLocked(agent)
}

func (m *Manager) releaseAllLocked(agent ids.AgentID) int {
	n := 0
	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		if !l.heldBy(agent) {
			continue
		}
		m.drop(fn, l, agent)
		m.promote(fn, l)
		m.gc(fn, l)
		n++
	}
	return n
}

// drop removes agent's hold on fn without promoting.
func (m *Manager) drop(fn ids.FunctionID, l *functionLock, agent ids.AgentID) {
	if l.writer != nil && l.writer.Agent == agent {
		l.writer = nil
		m.metrics.released(Write)
		m.logger.Debug("lock released", "function", fn, "agent", agent, "mode", Write)
		return
	}
	if _, ok := l.readers[agent]; ok {
		delete(l.readers, agent)
		m.metrics.released(Read)
		m.logger.Debug("lock released", "function", fn, "agent", agent, "mode", Read)
	}
}

// promote grants queued requests from the head: one writer, or the longest
// run of readers.
func (m *Manager) promote(fn ids.FunctionID, l *functionLock) {
	if m.global != nil {
		return
	}
	for len(l.queue) > 0 {
		head := l.queue[0]
		if !l.compatible(head.Agent, head.Mode) {
			return
		}
		l.queue = l.queue[1:]
		m.grant(head.Agent, fn, l, head.Mode, head.Description)
		m.logger.Info("lock promoted from queue", "function", fn, "agent", head.Agent, "mode", head.Mode)
		if head.Mode == Write {
			return
		}
	}
}

// promoteAll runs promotion on every function, used after the global lock
// goes away.
func (m *Manager) promoteAll() {
	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		m.promote(fn, l)
		m.gc(fn, l)
	}
}

// gc forgets idle locks so the table only holds functions in use.
func (m *Manager) gc(fn ids.FunctionID, l *functionLock) {
	if l.idle() {
		delete(m.locks, fn)
	}
}

func (m *Manager) lockFor(fn ids.FunctionID) *functionLock {
	l, ok := m.locks[fn]
	if !ok {
		l = newFunctionLock()
		m.locks[fn] = l
	}
	return l
}

func (m *Manager) checkAgent(agent ids.AgentID) error {
	if _, ok := m.agents[agent]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	return nil
}

// checkGlobal denies any request while another agent holds the global lock.
func (m *Manager) checkGlobal(agent ids.AgentID, fn ids.FunctionID, mode Mode) error {
	if m.global == nil || m.global.Agent == agent {
		return nil
	}
	m.metrics.denied(mode)
	return &DeniedError{
		Function:    fn,
		Mode:        mode,
		Holder:      m.global.Agent,
		Description: m.global.Description,
		ExpiresAt:   m.global.ExpiresAt,
		Global:      true,
	}
}

// Status returns fn's lock state. Unknown functions are Unlocked.
func (m *Manager) Status(fn ids.FunctionID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[fn]
	if !ok {
		return Status{Function: fn, State: Unlocked}
	}
	return l.status(fn)
}

// Statuses returns every function with a holder or waiter, sorted.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.locks))
	for _, fn := range ids.SortedKeys(m.locks) {
		out = append(out, m.locks[fn].status(fn))
	}
	return out
}

// Holds reports whether agent holds fn in mode. A writer also counts as a
// reader.
func (m *Manager) Holds(agent ids.AgentID, fn ids.FunctionID, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[fn]
	if !ok {
		return false
	}
	if l.writer != nil && l.writer.Agent == agent {
		return true
	}
	if mode == Read {
		_, ok := l.readers[agent]
		return ok
	}
	return false
}

// Contended returns a *DeniedError when an agent other than agent holds fn
// in any mode, or holds the global lock. Nothing is queued. Edits whose
// effects reach into fn use it to respect the holder's lock.
func (m *Manager) Contended(agent ids.AgentID, fn ids.FunctionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global != nil && m.global.Agent != agent {
		return &DeniedError{
			Function:    fn,
			Mode:        Write,
			Holder:      m.global.Agent,
			Description: m.global.Description,
			ExpiresAt:   m.global.ExpiresAt,
			Global:      true,
		}
	}
	l, ok := m.locks[fn]
	if !ok {
		return nil
	}
	if l.writer != nil && l.writer.Agent == agent {
		return nil
	}
	if l.writer == nil {
		others := false
		for a := range l.readers {
			if a != agent {
				others = true
				break
			}
		}
		if !others {
			return nil
		}
	}
	err := m.denial(fn, l, Write)
	if err.Holder == agent && len(err.Readers) > 1 {
		// Name a reader other than the caller.
		for _, r := range err.Readers {
			if r != agent {
				h := l.readers[r]
				err.Holder, err.Description, err.ExpiresAt = h.Agent, h.Description, h.ExpiresAt
				break
			}
		}
	}
	return err
}

// HeldBy returns agent's function holds sorted by function.
func (m *Manager) HeldBy(agent ids.AgentID) []Hold {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Hold
	for _, fn := range ids.SortedKeys(m.locks) {
		l := m.locks[fn]
		if l.writer != nil && l.writer.Agent == agent {
			out = append(out, *l.writer)
		} else if r, ok := l.readers[agent]; ok {
			out = append(out, *r)
		}
	}
	return out
}
