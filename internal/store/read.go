package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Snapshot is a labelled set of function hashes.
type Snapshot struct {
	Label    string                          `json:"label"`
	Revision int64                           `json:"revision"`
	TakenAt  time.Time                       `json:"taken_at"`
	Hashes   map[ids.FunctionID]merkle.Hash `json:"hashes,omitempty"`
}

// LoadRows reads the stored graph. Every table is read in id order.
// An empty database yields empty rows with zero counters.
func (s *Store) LoadRows(ctx context.Context) (graph.Rows, error) {
	rows := graph.Rows{
		Modules:   []graph.ModuleRow{},
		Types:     []graph.TypeDef{},
		Functions: []graph.Function{},
		Nodes:     []graph.Node{},
		Edges:     []graph.Edge{},
	}
	var err error
	if rows.Counters, err = s.readCounters(ctx); err != nil {
		return graph.Rows{}, err
	}
	if rows.Modules, err = s.readModules(ctx); err != nil {
		return graph.Rows{}, err
	}
	if rows.Types, err = s.readTypes(ctx); err != nil {
		return graph.Rows{}, err
	}
	if rows.Functions, err = s.readFunctions(ctx); err != nil {
		return graph.Rows{}, err
	}
	if rows.Nodes, err = s.readNodes(ctx); err != nil {
		return graph.Rows{}, err
	}
	if rows.Edges, err = s.readEdges(ctx); err != nil {
		return graph.Rows{}, err
	}
	return rows, nil
}

// LoadGraph reads and recomposes the stored graph.
func (s *Store) LoadGraph(ctx context.Context, opts ...graph.Option) (*graph.Graph, error) {
	rows, err := s.LoadRows(ctx)
	if err != nil {
		return nil, err
	}
	g, err := graph.Recompose(rows, opts...)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return g, nil
}

func (s *Store) readCounters(ctx context.Context) (graph.Counters, error) {
	read := func(key string) (uint64, error) {
		v, err := s.Meta(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %s: %w", key, err)
		}
		return n, nil
	}
	var c graph.Counters
	for key, dst := range map[string]func(uint64){
		metaNextModule:   func(n uint64) { c.NextModule = ids.ModuleID(n) },
		metaNextType:     func(n uint64) { c.NextType = ids.TypeID(n) },
		metaNextFunction: func(n uint64) { c.NextFunction = ids.FunctionID(n) },
		metaNextNode:     func(n uint64) { c.NextNode = ids.NodeID(n) },
		metaNextEdge:     func(n uint64) { c.NextEdge = ids.EdgeID(n) },
	} {
		n, err := read(key)
		if err != nil {
			return graph.Counters{}, fmt.Errorf("load rows: %w", err)
		}
		dst(n)
	}
	return c, nil
}

// scanAll runs query and appends one item per row.
func scanAll[T any](ctx context.Context, db *sql.DB, what, query string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func (s *Store) readModules(ctx context.Context) ([]graph.ModuleRow, error) {
	return scanAll(ctx, s.db, "modules", `
		SELECT id, name, parent, visibility FROM modules ORDER BY id ASC
	`, func(r *sql.Rows) (graph.ModuleRow, error) {
		var m graph.ModuleRow
		var id, parent int64
		var vis string
		if err := r.Scan(&id, &m.Name, &parent, &vis); err != nil {
			return m, err
		}
		m.ID, m.Parent, m.Visibility = ids.ModuleID(id), ids.ModuleID(parent), graph.Visibility(vis)
		return m, nil
	})
}

func (s *Store) readTypes(ctx context.Context) ([]graph.TypeDef, error) {
	return scanAll(ctx, s.db, "types", `
		SELECT id, module, name, kind FROM types ORDER BY id ASC
	`, func(r *sql.Rows) (graph.TypeDef, error) {
		var t graph.TypeDef
		var id, module int64
		var kind string
		if err := r.Scan(&id, &module, &t.Name, &kind); err != nil {
			return t, err
		}
		t.ID, t.Module, t.Kind = ids.TypeID(id), ids.ModuleID(module), graph.TypeKind(kind)
		return t, nil
	})
}

func (s *Store) readFunctions(ctx context.Context) ([]graph.Function, error) {
	return scanAll(ctx, s.db, "functions", `
		SELECT id, module, name, params, return_type, entry, closure, captures, visibility
		FROM functions ORDER BY id ASC
	`, func(r *sql.Rows) (graph.Function, error) {
		var f graph.Function
		var id, module, ret, entry, closure int64
		var params, captures, vis string
		if err := r.Scan(&id, &module, &f.Name, &params, &ret, &entry, &closure, &captures, &vis); err != nil {
			return f, err
		}
		var err error
		if f.Params, err = unmarshalList[graph.Param](params); err != nil {
			return f, err
		}
		if f.Captures, err = unmarshalList[graph.Capture](captures); err != nil {
			return f, err
		}
		if len(f.Captures) == 0 {
			f.Captures = nil
		}
		f.ID, f.Module = ids.FunctionID(id), ids.ModuleID(module)
		f.Return, f.Entry = ids.TypeID(ret), ids.NodeID(entry)
		f.Closure, f.Visibility = closure != 0, graph.Visibility(vis)
		return f, nil
	})
}

func (s *Store) readNodes(ctx context.Context) ([]graph.Node, error) {
	return scanAll(ctx, s.db, "nodes", `
		SELECT id, owner, kind, operator, callee, attrs FROM nodes ORDER BY id ASC
	`, func(r *sql.Rows) (graph.Node, error) {
		var n graph.Node
		var id, owner, callee int64
		var kind, attrs string
		if err := r.Scan(&id, &owner, &kind, &n.Op.Operator, &callee, &attrs); err != nil {
			return n, err
		}
		obj, err := unmarshalAttrs(attrs)
		if err != nil {
			return n, err
		}
		n.ID, n.Owner = ids.NodeID(id), ids.FunctionID(owner)
		n.Op.Kind, n.Op.Callee, n.Op.Attrs = graph.OpKind(kind), ids.FunctionID(callee), obj
		return n, nil
	})
}

func (s *Store) readEdges(ctx context.Context) ([]graph.Edge, error) {
	return scanAll(ctx, s.db, "edges", `
		SELECT id, kind, source, target, source_port, target_port, value_type, branch
		FROM edges ORDER BY id ASC
	`, func(r *sql.Rows) (graph.Edge, error) {
		var e graph.Edge
		var id, kind, source, target, sp, tp, vt int64
		var branch sql.NullInt64
		if err := r.Scan(&id, &kind, &source, &target, &sp, &tp, &vt, &branch); err != nil {
			return e, err
		}
		e.ID, e.Kind = ids.EdgeID(id), graph.EdgeKind(kind)
		e.Source, e.Target = ids.NodeID(source), ids.NodeID(target)
		e.SourcePort, e.TargetPort, e.ValueType = uint32(sp), uint32(tp), ids.TypeID(vt)
		if branch.Valid {
			e.Branch = graph.BranchIndex(uint32(branch.Int64))
		}
		return e, nil
	})
}

// Meta reads a key stored with SetMeta. Missing keys return ErrNotFound.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("meta %s: %w", key, err)
	}
	return value, nil
}

// Revision returns the stored engine revision, or 0 if none was saved.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	v, err := s.Meta(ctx, MetaRevision)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("revision: %w", err)
	}
	return rev, nil
}

// LoadSnapshot reads the snapshot with the given label.
func (s *Store) LoadSnapshot(ctx context.Context, label string) (Snapshot, error) {
	var seq int64
	var takenAt string
	snap := Snapshot{Label: label}
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, revision, taken_at FROM snapshots WHERE label = ?
	`, label).Scan(&seq, &snap.Revision, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", label, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", label, err)
	}
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", label, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT function, hash FROM snapshot_hashes WHERE snapshot = ? ORDER BY function ASC
	`, seq)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %q hashes: %w", label, err)
	}
	defer rows.Close()

	snap.Hashes = make(map[ids.FunctionID]merkle.Hash)
	for rows.Next() {
		var fn int64
		var hex string
		if err := rows.Scan(&fn, &hex); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot hash: %w", err)
		}
		h, err := merkle.ParseHash(hex)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot %q function %d: %w", label, fn, err)
		}
		snap.Hashes[ids.FunctionID(fn)] = h
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot hashes: %w", err)
	}
	return snap, nil
}

// Snapshots lists snapshots oldest first, without their hashes.
func (s *Store) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return scanAll(ctx, s.db, "snapshots", `
		SELECT label, revision, taken_at FROM snapshots ORDER BY seq ASC
	`, func(r *sql.Rows) (Snapshot, error) {
		var snap Snapshot
		var takenAt string
		if err := r.Scan(&snap.Label, &snap.Revision, &takenAt); err != nil {
			return snap, err
		}
		t, err := time.Parse(time.RFC3339Nano, takenAt)
		snap.TakenAt = t
		return snap, err
	})
}

// Commits returns stored commits with a revision above since, in revision
// order.
func (s *Store) Commits(ctx context.Context, since int64) ([]engine.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, id, kind, agent, functions, hash_before, hash_after
		FROM commits WHERE revision > ? ORDER BY revision ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	out := []engine.Commit{}
	for rows.Next() {
		var c engine.Commit
		var agent, fns, before, after string
		if err := rows.Scan(&c.Revision, &c.ID, &c.Kind, &agent, &fns, &before, &after); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c.Agent = ids.AgentID(agent)
		if c.Functions, err = unmarshalList[ids.FunctionID](fns); err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.ID, err)
		}
		if c.Before, err = parseOptionalHash(before); err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.ID, err)
		}
		if c.After, err = parseOptionalHash(after); err != nil {
			return nil, fmt.Errorf("commit %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return out, nil
}

func parseOptionalHash(s string) (merkle.Hash, error) {
	if s == "" {
		return merkle.Hash{}, nil
	}
	return merkle.ParseHash(s)
}
