package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/keel/internal/conflict"
	"github.com/roach88/keel/internal/dirty"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/lock"
	"github.com/roach88/keel/internal/merkle"
)

// DefaultCommitLog is how many commits Commits keeps.
const DefaultCommitLog = 1024

// Engine is the shared container. The graph is guarded by mu: readers
// share it, edits and structural changes take it exclusively. Function
// locks are a separate, agent-level protocol enforced by the lock manager;
// mu only keeps individual operations atomic.
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	mu sync.RWMutex
	g  *graph.Graph

	locks       *lock.Manager
	detector    *conflict.Detector
	hasher      *merkle.Hasher
	compilation *merkle.Hasher
	tracker     *dirty.Tracker
	clock       *Clock
	commitIDs   IDGenerator
	logger      *slog.Logger
	now         func() time.Time

	commits   []Commit
	commitCap int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockManager supplies the lock manager. Defaults to lock.NewManager().
func WithLockManager(m *lock.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.locks = m
		}
	}
}

// WithDetector supplies the conflict detector.
func WithDetector(d *conflict.Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWallClock replaces time.Now for dirty-mark timestamps.
func WithWallClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRevision starts the revision clock at rev.
func WithRevision(rev int64) Option {
	return func(e *Engine) { e.clock = NewClockAt(rev) }
}

// WithCommitIDs sets the commit id generator. Defaults to UUIDv7.
func WithCommitIDs(gen IDGenerator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.commitIDs = gen
		}
	}
}

// WithWorkers bounds the goroutines used by HashAll and CompilationHashes.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.hasher = merkle.New(merkle.WithWorkers(n))
			e.compilation = merkle.Compilation(merkle.WithWorkers(n))
		}
	}
}

// WithCommitLog sets how many commits are retained.
func WithCommitLog(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.commitCap = n
		}
	}
}

// New wraps g. A nil graph starts empty.
func New(g *graph.Graph, opts ...Option) *Engine {
	if g == nil {
		g = graph.New()
	}
	e := &Engine{
		g:           g,
		hasher:      merkle.New(),
		compilation: merkle.Compilation(),
		clock:       NewClock(),
		commitIDs:   UUIDv7Generator{},
		logger:      slog.Default(),
		now:         time.Now,
		commitCap:   DefaultCommitLog,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = lock.NewManager(lock.WithLogger(e.logger), lock.WithClock(e.now))
	}
	if e.detector == nil {
		e.detector = conflict.NewDetector(conflict.WithLogger(e.logger), conflict.WithHasher(e.hasher))
	}
	e.tracker = dirty.NewTracker(e.now)
	return e
}

// Locks returns the lock manager.
func (e *Engine) Locks() *lock.Manager {
	return e.locks
}

// Detector returns the conflict detector.
func (e *Engine) Detector() *conflict.Detector {
	return e.detector
}

// Dirty returns the tracker of functions changed since it was last drained.
func (e *Engine) Dirty() *dirty.Tracker {
	return e.tracker
}

// Revision returns the latest committed revision.
func (e *Engine) Revision() int64 {
	return e.clock.Current()
}

// View is what an agent sees when it reads a function. Hash is the value
// to pass back to Edit.
type View struct {
	Function graph.Function `json:"function"`
	Nodes    []graph.Node   `json:"nodes"`
	Edges    []graph.Edge   `json:"edges"` // outgoing edges of Nodes
	Hash     merkle.Hash    `json:"hash"`
	Revision int64          `json:"revision"`
}

// Read returns a snapshot of fn. The agent must hold a read or write lock
// on it. The snapshot is recorded so a later conflict can be diffed
// against it.
func (e *Engine) Read(agent ids.AgentID, fn ids.FunctionID) (View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.locks.Holds(agent, fn, lock.Read) {
		return View{}, notReader("read", agent, fn)
	}

	f, err := e.g.Function(fn)
	if err != nil {
		return View{}, fmt.Errorf("read: %w", err)
	}
	m, err := e.detector.Observe(e.g, fn)
	if err != nil {
		return View{}, fmt.Errorf("read: %w", err)
	}
	v := View{Function: f, Hash: m.Root, Revision: e.clock.Current(), Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	owned, err := e.g.NodesOwnedBy(fn)
	if err != nil {
		return View{}, fmt.Errorf("read: %w", err)
	}
	for _, id := range owned {
		n, err := e.g.Node(id)
		if err != nil {
			return View{}, fmt.Errorf("read: %w", err)
		}
		out, err := e.g.EdgesFrom(id)
		if err != nil {
			return View{}, fmt.Errorf("read: %w", err)
		}
		v.Nodes = append(v.Nodes, n)
		v.Edges = append(v.Edges, out...)
	}
	return v, nil
}

// Check validates expected against fn's current hash without editing. The
// agent must hold the write lock. A mismatch is a *conflict.Error.
func (e *Engine) Check(agent ids.AgentID, fn ids.FunctionID, expected merkle.Hash) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.locks.Holds(agent, fn, lock.Write) {
		return notWriter("check", agent, fn)
	}
	return e.detector.Check(e.g, fn, expected)
}

// Edit applies an optimistic edit to fn. The agent must hold fn's write
// lock and expected must equal fn's current hash. The edit runs against a
// working copy and is committed only if it succeeds and leaves the graph
// consistent. It returns fn's new hash.
//
// An edit that changes another function, by removing or replacing a node
// that function's edges point at, is denied with a *lock.DeniedError while
// any other agent holds that function.
func (e *Engine) Edit(agent ids.AgentID, fn ids.FunctionID, expected merkle.Hash, apply func(*FunctionTx) error) (merkle.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.locks.Holds(agent, fn, lock.Write) {
		return merkle.Hash{}, notWriter("edit", agent, fn)
	}

	if err := e.detector.Check(e.g, fn, expected); err != nil {
		return merkle.Hash{}, err
	}

	var touched map[ids.FunctionID]struct{}
	err := e.g.Batch(func(work *graph.Graph) error {
		tx := newFunctionTx(work, fn)
		if err := apply(tx); err != nil {
			return err
		}
		for _, other := range ids.SortedKeys(tx.touched) {
			if err := e.locks.Contended(agent, other); err != nil {
				return err
			}
		}
		// The sweep does not take mu, so the hold may have lapsed meanwhile.
		if !e.locks.Holds(agent, fn, lock.Write) {
			return notWriter("edit", agent, fn)
		}
		touched = tx.touched
		return nil
	})
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("edit %s: %w", fn, err)
	}

	after, err := e.detector.Observe(e.g, fn)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("edit %s: %w", fn, err)
	}
	rev := e.clock.Next()
	changed := []ids.FunctionID{fn}
	e.tracker.Mark(dirty.Entry{Function: fn, Agent: agent, Revision: rev, Source: dirty.SourceEdit})
	for _, other := range ids.SortedKeys(touched) {
		// Removing a node also removes edges other functions had into it.
		if _, err := e.detector.Observe(e.g, other); err != nil {
			return merkle.Hash{}, fmt.Errorf("edit %s: %w", fn, err)
		}
		e.tracker.Mark(dirty.Entry{Function: other, Agent: agent, Revision: rev, Source: dirty.SourceEdit})
		changed = append(changed, other)
	}
	e.record(Commit{Revision: rev, Kind: CommitEdit, Agent: agent, Functions: ids.Sort(changed), Before: expected, After: after.Root})

	e.logger.Info("edit committed",
		"function", fn,
		"agent", agent,
		"old", expected,
		"new", after.Root,
		"revision", rev)
	return after.Root, nil
}

// Structural applies a change that may add or remove modules, types, or
// functions. The agent must hold the global lock. Every function whose
// hash changed is marked dirty.
func (e *Engine) Structural(ctx context.Context, agent ids.AgentID, apply func(*graph.Graph) error) ([]ids.FunctionID, error) {
	if !e.locks.HoldsGlobal(agent) {
		return nil, notGlobal("structural change", agent)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before, err := e.hasher.HashAll(ctx, e.g)
	if err != nil {
		return nil, fmt.Errorf("structural: %w", err)
	}
	if err := e.g.Batch(apply); err != nil {
		return nil, fmt.Errorf("structural: %w", err)
	}
	after, err := e.hasher.HashAll(ctx, e.g)
	if err != nil {
		return nil, fmt.Errorf("structural: %w", err)
	}

	rev := e.clock.Next()
	var changed []ids.FunctionID
	for fn, h := range after {
		if old, ok := before[fn]; ok && old == h {
			continue
		}
		if _, err := e.detector.Observe(e.g, fn); err != nil {
			return nil, fmt.Errorf("structural: %w", err)
		}
		changed = append(changed, fn)
	}
	for fn := range before {
		if _, ok := after[fn]; !ok {
			e.detector.History().Forget(fn)
			changed = append(changed, fn)
		}
	}
	changed = ids.Sort(changed)
	for _, fn := range changed {
		e.tracker.Mark(dirty.Entry{Function: fn, Agent: agent, Revision: rev, Source: dirty.SourceStructural})
	}
	e.record(Commit{Revision: rev, Kind: CommitStructural, Agent: agent, Functions: changed})

	e.logger.Info("structural change committed",
		"agent", agent,
		"functions", len(changed),
		"revision", rev)
	return changed, nil
}

// record appends c to the commit log. Callers hold mu.
func (e *Engine) record(c Commit) {
	c.ID = e.commitIDs.Generate()
	if c.Functions == nil {
		c.Functions = []ids.FunctionID{}
	}
	e.commits = append(e.commits, c)
	if over := len(e.commits) - e.commitCap; over > 0 {
		e.commits = append([]Commit(nil), e.commits[over:]...)
	}
}

// Commits returns retained commits with a revision above since, oldest
// first.
func (e *Engine) Commits(since int64) []Commit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Commit
	for _, c := range e.commits {
		if c.Revision > since {
			out = append(out, c)
		}
	}
	return out
}

// HashFunction returns fn's full-content hash.
func (e *Engine) HashFunction(fn ids.FunctionID) (merkle.Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.HashFunction(e.g, fn)
}

// HashAll returns the full-content hash of every function.
func (e *Engine) HashAll(ctx context.Context) (map[ids.FunctionID]merkle.Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.HashAll(ctx, e.g)
}

// CompilationHashes returns every function's hash with contract nodes
// excluded. Snapshots for dirty planning store these.
func (e *Engine) CompilationHashes(ctx context.Context) (map[ids.FunctionID]merkle.Hash, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compilation.HashAll(ctx, e.g)
}

// CallGraph returns the current call graph.
func (e *Engine) CallGraph() dirty.CallGraph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return dirty.FromGraph(e.g)
}

// Plan compares old compilation hashes with the current ones.
func (e *Engine) Plan(ctx context.Context, old map[ids.FunctionID]merkle.Hash) (dirty.Plan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	current, err := e.compilation.HashAll(ctx, e.g)
	if err != nil {
		return dirty.Plan{}, fmt.Errorf("plan: %w", err)
	}
	return dirty.Compute(old, current, dirty.FromGraph(e.g)), nil
}

// Rows decomposes the graph for storage.
func (e *Engine) Rows() graph.Rows {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.g.Decompose()
}

// Verify runs the cross-layer consistency check.
func (e *Engine) Verify() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.g.Verify()
}

// Stats returns the graph's entity counts.
func (e *Engine) Stats() graph.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.g.Stats()
}

// Inspect runs fn with read access to the graph. fn must not retain g.
func (e *Engine) Inspect(fn func(g *graph.Graph) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.g)
}

// Run sweeps expired locks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("engine starting", "sweep_interval", interval, "revision", e.clock.Current())
	err := e.locks.Run(ctx, interval)
	e.logger.Info("engine stopped", "revision", e.clock.Current())
	return err
}
