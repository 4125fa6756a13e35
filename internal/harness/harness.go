package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/keel/internal/conflict"
	"github.com/roach88/keel/internal/dirty"
	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/lock"
	"github.com/roach88/keel/internal/merkle"
	"github.com/roach88/keel/internal/testutil"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness runs one scenario against a fresh engine. Time comes from a
// fake clock that only the advance op moves, and commit ids are
// sequential, so a run is reproducible.
type Harness struct {
	scenario *Scenario
	engine   *engine.Engine
	clock    *testutil.FakeClock
	names    *names
	symbols  *symbols
	logger   *slog.Logger

	// seen is the hash each agent last observed per function; edit and
	// check send it as the expected hash.
	seen map[string]map[ids.FunctionID]merkle.Hash

	// baseline holds the compilation hashes the next plan compares with.
	baseline map[ids.FunctionID]merkle.Hash
}

// Option configures a Harness.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	metrics *lock.Metrics
}

// WithLogger routes engine and lock logs to l. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics instruments the scenario's lock manager.
func WithMetrics(m *lock.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New builds the scenario's program and registers its agents.
func New(ctx context.Context, s *Scenario, opts ...Option) (*Harness, error) {
	cfg := config{logger: testutil.QuietLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = testutil.QuietLogger()
	}

	r := newNames()
	g := graph.New(graph.WithLogger(cfg.logger))
	if err := g.Batch(func(work *graph.Graph) error {
		return r.buildSetup(work, s.Setup)
	}); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	var ttl time.Duration
	if s.TTL != "" {
		d, err := time.ParseDuration(s.TTL)
		if err != nil {
			return nil, fmt.Errorf("ttl: %w", err)
		}
		ttl = d
	}

	clock := testutil.NewFakeClock(Epoch)
	locks := lock.NewManager(
		lock.WithTTL(ttl),
		lock.WithClock(clock.Now),
		lock.WithLogger(cfg.logger),
		lock.WithMetrics(cfg.metrics),
	)
	commits := 0
	eng := engine.New(g,
		engine.WithLockManager(locks),
		engine.WithLogger(cfg.logger),
		engine.WithWallClock(clock.Now),
		engine.WithCommitIDs(engine.IDFunc(func() string {
			commits++
			return fmt.Sprintf("c%d", commits)
		})),
	)
	for _, a := range s.Agents {
		if err := locks.RegisterAgentID(ids.AgentID(a), a); err != nil {
			return nil, fmt.Errorf("agent %q: %w", a, err)
		}
	}

	baseline, err := eng.CompilationHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	return &Harness{
		scenario: s,
		engine:   eng,
		clock:    clock,
		names:    r,
		symbols:  newSymbols(),
		logger:   cfg.logger,
		seen:     make(map[string]map[ids.FunctionID]merkle.Hash),
		baseline: baseline,
	}, nil
}

// Engine returns the engine the scenario runs against.
func (h *Harness) Engine() *engine.Engine {
	return h.engine
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory engine. A step whose
// outcome differs from its expect clause fails the result but does not
// stop the run, so the trace always covers every step.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	ctx := context.Background()
	h, err := New(ctx, s, opts...)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx), nil
}

// Run executes every step in order.
func (h *Harness) Run(ctx context.Context) *Result {
	result := NewResult()
	for i, step := range h.scenario.Steps {
		ev, err := h.step(ctx, i+1, step)
		ev.Outcome = outcome(err)
		want := step.Expect
		if want == "" {
			want = OutcomeOK
		}
		if ev.Outcome != want {
			msg := fmt.Sprintf("step %d (%s): expected %s, got %s", ev.Step, step.Op, want, ev.Outcome)
			if err != nil {
				msg += ": " + err.Error()
			}
			result.AddError(msg)
		}
		h.logger.Debug("scenario step",
			"scenario", h.scenario.Name,
			"step", ev.Step,
			"op", step.Op,
			"outcome", ev.Outcome)
		result.Trace = append(result.Trace, ev)
	}
	result.Revision = h.engine.Revision()
	return result
}

// outcome classifies a step error.
func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case lock.IsDenied(err):
		return OutcomeDenied
	case conflict.IsConflict(err):
		return OutcomeConflict
	case errors.Is(err, engine.ErrNotWriter):
		return OutcomeNotWriter
	case errors.Is(err, engine.ErrNotReader):
		return OutcomeNotReader
	case errors.Is(err, engine.ErrNotGlobal):
		return OutcomeNotGlobal
	default:
		return OutcomeError
	}
}

func (h *Harness) step(ctx context.Context, n int, s Step) (TraceEvent, error) {
	ev := TraceEvent{Step: n, Op: s.Op, Agent: s.Agent, Function: s.Function, Functions: s.Functions}
	agent := ids.AgentID(s.Agent)

	var fn ids.FunctionID
	if s.Function != "" {
		id, err := h.names.function(s.Function)
		if err != nil {
			return ev, err
		}
		fn = id
	}

	locks := h.engine.Locks()
	switch s.Op {
	case OpAcquireRead:
		_, err := locks.AcquireRead(agent, fn)
		h.denial(&ev, err)
		ev.Lock = locks.Status(fn).String()
		return ev, err

	case OpAcquireWrite:
		_, err := locks.AcquireWrite(agent, fn, s.Description)
		h.denial(&ev, err)
		ev.Lock = locks.Status(fn).String()
		return ev, err

	case OpBatchAcquireWrite:
		fns := make([]ids.FunctionID, 0, len(s.Functions))
		for _, name := range s.Functions {
			id, err := h.names.function(name)
			if err != nil {
				return ev, err
			}
			fns = append(fns, id)
		}
		_, err := locks.BatchAcquireWrite(agent, fns, s.Description)
		if de, ok := lock.AsDenied(err); ok {
			ev.Function = h.names.funcName(de.Function)
		}
		h.denial(&ev, err)
		return ev, err

	case OpRelease:
		err := locks.Release(agent, fn)
		ev.Lock = locks.Status(fn).String()
		return ev, err

	case OpAcquireGlobal:
		_, err := locks.AcquireGlobal(agent, s.Description)
		if de, ok := lock.AsDenied(err); ok && de.Function.IsValid() {
			ev.Function = h.names.funcName(de.Function)
		}
		h.denial(&ev, err)
		return ev, err

	case OpReleaseGlobal:
		return ev, locks.ReleaseGlobal(agent)

	case OpRead:
		v, err := h.engine.Read(agent, fn)
		if err != nil {
			return ev, err
		}
		h.see(s.Agent, fn, v.Hash)
		ev.Hash = h.symbols.name(v.Hash)
		return ev, nil

	case OpCheck:
		expected := h.seen[s.Agent][fn]
		ev.Expected = h.symbols.name(expected)
		err := h.engine.Check(agent, fn, expected)
		if err == nil {
			ev.Hash = ev.Expected
		}
		h.conflictDiff(&ev, err)
		return ev, err

	case OpEdit:
		return h.edit(ev, agent, fn, s)

	case OpStructural:
		return h.structural(ctx, ev, agent, s.Structural)

	case OpHash:
		full, err := h.engine.HashFunction(fn)
		if err != nil {
			return ev, err
		}
		comp, err := h.engine.CompilationHashes(ctx)
		if err != nil {
			return ev, err
		}
		ev.Hash = h.symbols.name(full)
		ev.Compilation = h.symbols.name(comp[fn])
		return ev, nil

	case OpPlan:
		return h.plan(ctx, ev)

	case OpAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return ev, err
		}
		h.clock.Advance(d)
		ev.Elapsed = d.String()
		return ev, nil

	case OpSweep:
		for _, x := range locks.Sweep() {
			if x.Global {
				ev.Expired = append(ev.Expired, fmt.Sprintf("%s global", x.Agent))
				continue
			}
			ev.Expired = append(ev.Expired, fmt.Sprintf("%s %s %s", x.Agent, x.Mode, h.names.funcName(x.Function)))
		}
		return ev, nil
	}
	return ev, fmt.Errorf("unknown op %q", s.Op)
}

// denial copies where a denied request stands into ev.
func (h *Harness) denial(ev *TraceEvent, err error) {
	de, ok := lock.AsDenied(err)
	if !ok {
		return
	}
	ev.Holder = string(de.Holder)
	ev.Position = de.Position
	ev.Queued = de.Queued
	ev.Global = de.Global
}

func (h *Harness) see(agent string, fn ids.FunctionID, hash merkle.Hash) {
	m, ok := h.seen[agent]
	if !ok {
		m = make(map[ids.FunctionID]merkle.Hash)
		h.seen[agent] = m
	}
	m[fn] = hash
}

// conflictDiff records the current hash and the named diff of a conflict.
func (h *Harness) conflictDiff(ev *TraceEvent, err error) {
	ce, ok := conflict.AsConflict(err)
	if !ok {
		return
	}
	ev.Hash = h.symbols.name(ce.Current)
	d := ce.Diff
	ev.Diff = &DiffTrace{
		Summary:          d.Summary(),
		BaselineKnown:    d.BaselineKnown,
		SignatureChanged: d.SignatureChanged,
		AddedNodes:       nodeNames(h.names, d.AddedNodes),
		RemovedNodes:     nodeNames(h.names, d.RemovedNodes),
		ModifiedNodes:    nodeNames(h.names, d.ModifiedNodes),
		AddedEdges:       edgeNames(h.names, d.AddedEdges),
		RemovedEdges:     edgeNames(h.names, d.RemovedEdges),
		ModifiedEdges:    edgeNames(h.names, d.ModifiedEdges),
		CurrentNodes:     nodeNames(h.names, d.CurrentNodes),
		CurrentEdges:     edgeNames(h.names, d.CurrentEdges),
	}
}

func nodeNames(r *names, in []ids.NodeID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = r.nodeName(id)
	}
	return out
}

func edgeNames(r *names, in []ids.EdgeID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = r.edgeName(id)
	}
	return out
}

// edit applies the step's actions through a function transaction. Names
// given to new nodes and edges become visible only if the edit commits.
func (h *Harness) edit(ev TraceEvent, agent ids.AgentID, fn ids.FunctionID, s Step) (TraceEvent, error) {
	expected := h.seen[s.Agent][fn]
	ev.Expected = h.symbols.name(expected)

	work := h.names.clone()
	after, err := h.engine.Edit(agent, fn, expected, func(tx *engine.FunctionTx) error {
		for i, a := range s.Edit {
			if err := work.apply(tx, s.Function, a); err != nil {
				return fmt.Errorf("edit[%d]: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		h.conflictDiff(&ev, err)
		return ev, err
	}
	h.names = work
	h.see(s.Agent, fn, after)
	ev.Hash = h.symbols.name(after)
	ev.Revision = h.engine.Revision()
	return ev, nil
}

func (r *names) apply(tx *engine.FunctionTx, fn string, a EditAction) error {
	switch {
	case a.AddNode != nil:
		op, err := r.op(*a.AddNode)
		if err != nil {
			return err
		}
		id, err := tx.AddNode(op)
		if err != nil {
			return err
		}
		r.addNode(fn, a.AddNode.Name, id)
		return nil
	case a.SetOp != nil:
		id, err := r.node(fn, a.SetOp.Name)
		if err != nil {
			return err
		}
		op, err := r.op(*a.SetOp)
		if err != nil {
			return err
		}
		return tx.SetOp(id, op)
	case a.RemoveNode != "":
		id, err := r.node(fn, a.RemoveNode)
		if err != nil {
			return err
		}
		return tx.RemoveNode(id)
	case a.AddEdge != nil:
		return r.buildEdge(tx, fn, *a.AddEdge)
	case a.RemoveEdge != "":
		id, err := r.edge(fn, a.RemoveEdge)
		if err != nil {
			return err
		}
		return tx.RemoveEdge(id)
	case a.SetEntry != "":
		id, err := r.node(fn, a.SetEntry)
		if err != nil {
			return err
		}
		return tx.SetEntry(id)
	}
	return fmt.Errorf("empty edit action")
}

// structural adds and removes whole functions under the global lock.
func (h *Harness) structural(ctx context.Context, ev TraceEvent, agent ids.AgentID, spec *StructuralSpec) (TraceEvent, error) {
	work := h.names.clone()
	changed, err := h.engine.Structural(ctx, agent, func(g *graph.Graph) error {
		if err := work.buildFunctions(g, spec.Add); err != nil {
			return err
		}
		for _, name := range spec.Remove {
			fn, err := work.function(name)
			if err != nil {
				return err
			}
			if err := g.RemoveFunction(fn); err != nil {
				return fmt.Errorf("remove %q: %w", name, err)
			}
			delete(work.funcs, name)
		}
		return nil
	})
	if err != nil {
		return ev, err
	}
	h.names = work
	ev.Changed = h.names.funcList(changed)
	ev.Revision = h.engine.Revision()
	return ev, nil
}

// plan reports what a rebuild since the previous plan needs, then takes
// the current compilation hashes as the next baseline.
func (h *Harness) plan(ctx context.Context, ev TraceEvent) (TraceEvent, error) {
	p, err := h.engine.Plan(ctx, h.baseline)
	if err != nil {
		return ev, err
	}
	current, err := h.engine.CompilationHashes(ctx)
	if err != nil {
		return ev, err
	}
	h.baseline = current
	ev.Dirty = h.names.funcList(p.Dirty())
	for _, group := range dirty.RebuildOrder(p, h.engine.CallGraph()) {
		ev.Order = append(ev.Order, h.names.funcList(group))
	}
	ev.Removed = h.names.funcList(p.Removed)
	return ev, nil
}
