package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Meta keys.
const (
	metaNextModule   = "next_module"
	metaNextType     = "next_type"
	metaNextFunction = "next_function"
	metaNextNode     = "next_node"
	metaNextEdge     = "next_edge"

	// MetaRevision holds the engine revision at the last save.
	MetaRevision = "revision"
)

// SaveRows replaces the stored graph with rows in one transaction.
func (s *Store) SaveRows(ctx context.Context, rows graph.Rows) error {
	return s.inTx(ctx, "save rows", func(tx *sql.Tx) error {
		return writeRows(ctx, tx, rows)
	})
}

// SaveEngine stores e's graph, revision, and retained commits in one
// transaction.
func (s *Store) SaveEngine(ctx context.Context, e *engine.Engine) error {
	rows, rev, commits := e.Rows(), e.Revision(), e.Commits(0)
	return s.inTx(ctx, "save engine", func(tx *sql.Tx) error {
		if err := writeRows(ctx, tx, rows); err != nil {
			return err
		}
		if err := setMeta(ctx, tx, MetaRevision, strconv.FormatInt(rev, 10)); err != nil {
			return err
		}
		return writeCommits(ctx, tx, commits)
	})
}

func writeRows(ctx context.Context, tx *sql.Tx, rows graph.Rows) error {
	for _, table := range []string{"edges", "nodes", "functions", "types", "modules"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := writeCounters(ctx, tx, rows.Counters); err != nil {
		return err
	}
	if err := writeModules(ctx, tx, rows.Modules); err != nil {
		return err
	}
	if err := writeTypes(ctx, tx, rows.Types); err != nil {
		return err
	}
	if err := writeFunctions(ctx, tx, rows.Functions); err != nil {
		return err
	}
	if err := writeNodes(ctx, tx, rows.Nodes); err != nil {
		return err
	}
	return writeEdges(ctx, tx, rows.Edges)
}

func writeCounters(ctx context.Context, tx *sql.Tx, c graph.Counters) error {
	counters := map[string]uint64{
		metaNextModule:   uint64(c.NextModule),
		metaNextType:     uint64(c.NextType),
		metaNextFunction: uint64(c.NextFunction),
		metaNextNode:     uint64(c.NextNode),
		metaNextEdge:     uint64(c.NextEdge),
	}
	for key, v := range counters {
		if err := setMeta(ctx, tx, key, strconv.FormatUint(v, 10)); err != nil {
			return err
		}
	}
	return nil
}

func writeModules(ctx context.Context, tx *sql.Tx, modules []graph.ModuleRow) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO modules (id, name, parent, visibility) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare modules: %w", err)
	}
	defer stmt.Close()
	for _, m := range modules {
		if _, err := stmt.ExecContext(ctx, int64(m.ID), m.Name, int64(m.Parent), string(m.Visibility)); err != nil {
			return fmt.Errorf("insert module %s: %w", m.ID, err)
		}
	}
	return nil
}

func writeTypes(ctx context.Context, tx *sql.Tx, types []graph.TypeDef) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO types (id, module, name, kind) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare types: %w", err)
	}
	defer stmt.Close()
	for _, t := range types {
		if _, err := stmt.ExecContext(ctx, int64(t.ID), int64(t.Module), t.Name, string(t.Kind)); err != nil {
			return fmt.Errorf("insert type %s: %w", t.ID, err)
		}
	}
	return nil
}

func writeFunctions(ctx context.Context, tx *sql.Tx, fns []graph.Function) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO functions
		(id, module, name, params, return_type, entry, closure, captures, visibility)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare functions: %w", err)
	}
	defer stmt.Close()
	for _, f := range fns {
		params, err := marshalList(f.Params)
		if err != nil {
			return fmt.Errorf("function %s: %w", f.ID, err)
		}
		captures, err := marshalList(f.Captures)
		if err != nil {
			return fmt.Errorf("function %s: %w", f.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			int64(f.ID),
			int64(f.Module),
			f.Name,
			params,
			int64(f.Return),
			int64(f.Entry),
			boolToInt(f.Closure),
			captures,
			string(f.Visibility),
		)
		if err != nil {
			return fmt.Errorf("insert function %s: %w", f.ID, err)
		}
	}
	return nil
}

func writeNodes(ctx context.Context, tx *sql.Tx, nodes []graph.Node) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (id, owner, kind, operator, callee, attrs)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	defer stmt.Close()
	for _, n := range nodes {
		attrs, err := marshalAttrs(n.Op.Attrs)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			int64(n.ID),
			int64(n.Owner),
			string(n.Op.Kind),
			n.Op.Operator,
			int64(n.Op.Callee),
			attrs,
		)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	return nil
}

func writeEdges(ctx context.Context, tx *sql.Tx, edges []graph.Edge) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (id, kind, source, target, source_port, target_port, value_type, branch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer stmt.Close()
	for _, e := range edges {
		var branch sql.NullInt64
		if e.Branch != nil {
			branch = sql.NullInt64{Int64: int64(*e.Branch), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			int64(e.ID),
			int64(e.Kind),
			int64(e.Source),
			int64(e.Target),
			int64(e.SourcePort),
			int64(e.TargetPort),
			int64(e.ValueType),
			branch,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// SetMeta stores a free-form key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.inTx(ctx, "set meta", func(tx *sql.Tx) error {
		return setMeta(ctx, tx, key, value)
	})
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// SaveSnapshot stores snap. Labels are unique; saving an existing label
// replaces it and moves it to the newest position.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	label, hashes := snap.Label, snap.Hashes
	if label == "" {
		return fmt.Errorf("save snapshot: empty label")
	}
	return s.inTx(ctx, "save snapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE label = ?`, label); err != nil {
			return fmt.Errorf("replace snapshot %q: %w", label, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (label, revision, taken_at) VALUES (?, ?, ?)
		`, label, snap.Revision, snap.TakenAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert snapshot %q: %w", label, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("snapshot %q seq: %w", label, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO snapshot_hashes (snapshot, function, hash) VALUES (?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare snapshot hashes: %w", err)
		}
		defer stmt.Close()
		for _, fn := range ids.SortedKeys(hashes) {
			if _, err := stmt.ExecContext(ctx, seq, int64(fn), hashes[fn].Hex()); err != nil {
				return fmt.Errorf("insert snapshot hash %s: %w", fn, err)
			}
		}
		return nil
	})
}

// DeleteSnapshot removes a snapshot and its hashes.
func (s *Store) DeleteSnapshot(ctx context.Context, label string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE label = ?`, label)
	if err != nil {
		return fmt.Errorf("delete snapshot %q: %w", label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete snapshot %q: %w", label, err)
	}
	if n == 0 {
		return fmt.Errorf("delete snapshot %q: %w", label, ErrNotFound)
	}
	return nil
}

// AppendCommits adds commits to the log. Commits already stored (same
// revision and id) are ignored, so saving a session twice is harmless.
func (s *Store) AppendCommits(ctx context.Context, commits []engine.Commit) error {
	return s.inTx(ctx, "append commits", func(tx *sql.Tx) error {
		return writeCommits(ctx, tx, commits)
	})
}

func writeCommits(ctx context.Context, tx *sql.Tx, commits []engine.Commit) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commits (revision, id, kind, agent, functions, hash_before, hash_after)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare commits: %w", err)
	}
	defer stmt.Close()
	for _, c := range commits {
		fns, err := marshalList(c.Functions)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			c.Revision,
			c.ID,
			c.Kind,
			string(c.Agent),
			fns,
			hexOrEmpty(c.Before),
			hexOrEmpty(c.After),
		)
		if err != nil {
			return fmt.Errorf("insert commit %s: %w", c.ID, err)
		}
	}
	return nil
}

func hexOrEmpty(h merkle.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.Hex()
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
