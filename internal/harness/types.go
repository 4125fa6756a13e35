package harness

import (
	"bytes"
	"fmt"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/merkle"
)

// TraceEvent is what one step did. Names replace ids and hashes are
// symbolic, so a trace reads the same on every run.
type TraceEvent struct {
	Step      int      `json:"step"`
	Op        string   `json:"op"`
	Agent     string   `json:"agent,omitempty"`
	Function  string   `json:"function,omitempty"`
	Functions []string `json:"functions,omitempty"`
	Outcome   string   `json:"outcome"`

	Hash        string `json:"hash,omitempty"`
	Expected    string `json:"expected,omitempty"`
	Compilation string `json:"compilation,omitempty"`
	Revision    int64  `json:"revision,omitempty"`

	// Lock is the function's lock status after the step.
	Lock     string `json:"lock,omitempty"`
	Holder   string `json:"holder,omitempty"`
	Position int    `json:"position,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
	Global   bool   `json:"global,omitempty"`

	Diff    *DiffTrace `json:"diff,omitempty"`
	Changed []string   `json:"changed,omitempty"`
	Dirty   []string   `json:"dirty,omitempty"`
	Removed []string   `json:"removed,omitempty"`
	Order   [][]string `json:"order,omitempty"`
	Expired []string   `json:"expired,omitempty"`
	Elapsed string     `json:"elapsed,omitempty"`
}

// DiffTrace is a conflict diff with entity names.
type DiffTrace struct {
	Summary          string   `json:"summary"`
	BaselineKnown    bool     `json:"baseline_known"`
	SignatureChanged bool     `json:"signature_changed,omitempty"`
	AddedNodes       []string `json:"added_nodes,omitempty"`
	RemovedNodes     []string `json:"removed_nodes,omitempty"`
	ModifiedNodes    []string `json:"modified_nodes,omitempty"`
	AddedEdges       []string `json:"added_edges,omitempty"`
	RemovedEdges     []string `json:"removed_edges,omitempty"`
	ModifiedEdges    []string `json:"modified_edges,omitempty"`
	CurrentNodes     []string `json:"current_nodes,omitempty"`
	CurrentEdges     []string `json:"current_edges,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step had its expected outcome.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists every mismatch. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Revision is the engine revision after the last step.
	Revision int64 `json:"revision"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Marshal renders the trace as canonical JSON lines: a header naming the
// scenario, then one line per event.
func (r *Result) Marshal(scenario string) ([]byte, error) {
	var buf bytes.Buffer
	header, err := canon.MarshalCanonical(canon.Obj(canon.P("scenario", canon.String(scenario))))
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range r.Trace {
		line, err := canon.MarshalCanonical(ev.canonical())
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", ev.Step, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// canonical keeps only the fields the event set.
func (ev TraceEvent) canonical() canon.Object {
	obj := canon.Object{
		"step":    canon.Int(ev.Step),
		"op":      canon.String(ev.Op),
		"outcome": canon.String(ev.Outcome),
	}
	putString(obj, "agent", ev.Agent)
	putString(obj, "function", ev.Function)
	putStrings(obj, "functions", ev.Functions)
	putString(obj, "hash", ev.Hash)
	putString(obj, "expected", ev.Expected)
	putString(obj, "compilation", ev.Compilation)
	if ev.Revision != 0 {
		obj["revision"] = canon.Int(ev.Revision)
	}
	putString(obj, "lock", ev.Lock)
	putString(obj, "holder", ev.Holder)
	if ev.Position != 0 {
		obj["position"] = canon.Int(ev.Position)
	}
	if ev.Queued {
		obj["queued"] = canon.Bool(true)
	}
	if ev.Global {
		obj["global"] = canon.Bool(true)
	}
	if ev.Diff != nil {
		obj["diff"] = ev.Diff.canonical()
	}
	putStrings(obj, "changed", ev.Changed)
	putStrings(obj, "dirty", ev.Dirty)
	putStrings(obj, "removed", ev.Removed)
	if len(ev.Order) > 0 {
		groups := make(canon.Array, len(ev.Order))
		for i, g := range ev.Order {
			groups[i] = stringArray(g)
		}
		obj["order"] = groups
	}
	putStrings(obj, "expired", ev.Expired)
	putString(obj, "elapsed", ev.Elapsed)
	return obj
}

func (d *DiffTrace) canonical() canon.Object {
	obj := canon.Object{
		"summary":        canon.String(d.Summary),
		"baseline_known": canon.Bool(d.BaselineKnown),
	}
	if d.SignatureChanged {
		obj["signature_changed"] = canon.Bool(true)
	}
	putStrings(obj, "added_nodes", d.AddedNodes)
	putStrings(obj, "removed_nodes", d.RemovedNodes)
	putStrings(obj, "modified_nodes", d.ModifiedNodes)
	putStrings(obj, "added_edges", d.AddedEdges)
	putStrings(obj, "removed_edges", d.RemovedEdges)
	putStrings(obj, "modified_edges", d.ModifiedEdges)
	putStrings(obj, "current_nodes", d.CurrentNodes)
	putStrings(obj, "current_edges", d.CurrentEdges)
	return obj
}

func putString(obj canon.Object, key, v string) {
	if v != "" {
		obj[key] = canon.String(v)
	}
}

func putStrings(obj canon.Object, key string, v []string) {
	if len(v) > 0 {
		obj[key] = stringArray(v)
	}
}

func stringArray(v []string) canon.Array {
	out := make(canon.Array, len(v))
	for i, s := range v {
		out[i] = canon.String(s)
	}
	return out
}

// symbols names hashes h0, h1, ... in order of first appearance. The zero
// hash is "none".
type symbols struct {
	names map[merkle.Hash]string
}

func newSymbols() *symbols {
	return &symbols{names: make(map[merkle.Hash]string)}
}

func (s *symbols) name(h merkle.Hash) string {
	if h == (merkle.Hash{}) {
		return "none"
	}
	if n, ok := s.names[h]; ok {
		return n
	}
	n := fmt.Sprintf("h%d", len(s.names))
	s.names[h] = n
	return n
}
