package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/testutil"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decode unmarshals a JSON envelope's data into v.
func decode(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// seedDatabase stores main(x) = inc(x), inc(x) = x + 1 and returns the
// database path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	p := testutil.NewProgram(t)
	inc := p.Leaf(t, "inc", 1)
	p.Caller(t, "main", inc)

	path := filepath.Join(t.TempDir(), "keel.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SaveRows(context.Background(), p.G.Decompose()))
	return path
}

// editStored changes inc's constant directly in the database.
func editStored(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	g, err := st.LoadGraph(ctx)
	require.NoError(t, err)
	var constNode graph.Node
	for _, fn := range g.FunctionIDs() {
		f, err := g.Function(fn)
		require.NoError(t, err)
		if f.Name != "inc" {
			continue
		}
		owned, err := g.NodesOwnedBy(fn)
		require.NoError(t, err)
		for _, id := range owned {
			n, err := g.Node(id)
			require.NoError(t, err)
			if n.Op.Kind == graph.OpConst {
				constNode = n
			}
		}
	}
	require.True(t, constNode.ID.IsValid())
	require.NoError(t, g.SetOp(constNode.ID, graph.Const(canon.Int(2))))
	require.NoError(t, st.SaveRows(ctx, g.Decompose()))
}

func TestHashCommand(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--db", db, "hash")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "inc")
	assert.Contains(t, lines[1], "main")

	out, err = execute(t, "--db", db, "--format", "json", "hash", "--compilation")
	require.NoError(t, err)
	var report HashReport
	decode(t, out, &report)
	require.Len(t, report.Functions, 2)
	for _, f := range report.Functions {
		assert.False(t, f.Hash.IsZero())
		assert.Equal(t, f.Hash, f.Compilation, "no contract nodes, so both hashes agree")
	}
}

func TestHashCommandIsStable(t *testing.T) {
	db := seedDatabase(t)
	first, err := execute(t, "--db", db, "hash")
	require.NoError(t, err)
	second, err := execute(t, "--db", db, "hash")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSnapshotAndDirty(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--db", db, "snapshot", "base")
	require.NoError(t, err)
	assert.Contains(t, out, "base")
	assert.Contains(t, out, "2 functions")

	out, err = execute(t, "--db", db, "--format", "json", "dirty", "--since", "base")
	require.NoError(t, err)
	var clean DirtyReport
	decode(t, out, &clean)
	assert.Empty(t, clean.DirectlyDirty)
	assert.Empty(t, clean.TransitivelyDirty)
	assert.ElementsMatch(t, []string{"inc", "main"}, clean.Cached)
	assert.Empty(t, clean.Order)

	editStored(t, db)

	out, err = execute(t, "--db", db, "--format", "json", "dirty", "--since", "base")
	require.NoError(t, err)
	var report DirtyReport
	decode(t, out, &report)
	assert.Equal(t, []string{"inc"}, report.DirectlyDirty)
	assert.Equal(t, []string{"main"}, report.TransitivelyDirty)
	assert.Empty(t, report.Cached)
	assert.Equal(t, [][]string{{"inc"}, {"main"}}, report.Order)

	out, err = execute(t, "--db", db, "dirty", "--since", "base")
	require.NoError(t, err)
	assert.Contains(t, out, "2 dirty (1 direct, 1 transitive)")
	assert.Contains(t, out, "1. inc")
	assert.Contains(t, out, "2. main")
}

func TestSnapshotListAndDelete(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--db", db, "snapshot", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "No snapshots.")

	_, err = execute(t, "--db", db, "snapshot", "first")
	require.NoError(t, err)
	_, err = execute(t, "--db", db, "snapshot", "second")
	require.NoError(t, err)

	out, err = execute(t, "--db", db, "--format", "json", "snapshot", "--list")
	require.NoError(t, err)
	var list SnapshotList
	decode(t, out, &list)
	require.Len(t, list.Snapshots, 2)
	assert.Equal(t, "first", list.Snapshots[0].Label)
	assert.Equal(t, "second", list.Snapshots[1].Label)

	out, err = execute(t, "--db", db, "snapshot", "--delete", "first")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted snapshot first.")

	_, err = execute(t, "--db", db, "snapshot", "--delete", "first")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--db", db, "dirty", "--since", "first")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such snapshot")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSnapshotArguments(t *testing.T) {
	db := seedDatabase(t)

	_, err := execute(t, "--db", db, "snapshot")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--db", db, "snapshot", "--list", "extra")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSnapshotUsesInjectedClock(t *testing.T) {
	db := seedDatabase(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	opts := &SnapshotOptions{RootOptions: &RootOptions{DB: db}, Now: func() time.Time { return at }}
	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	require.NoError(t, runSnapshot(opts, []string{"pinned"}, cmd))
	assert.Equal(t, "pinned  revision 0  2026-03-01T12:00:00Z  2 functions\n", buf.String())
}

func TestDirtyRequiresSince(t *testing.T) {
	db := seedDatabase(t)
	_, err := execute(t, "--db", db, "dirty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestVerifyCommand(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--db", db, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Graph is consistent at revision 0.")
	assert.Contains(t, out, "2 functions")

	out, err = execute(t, "--db", db, "--format", "json", "verify")
	require.NoError(t, err)
	var report VerifyReport
	decode(t, out, &report)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.Stats.Functions)
	assert.Equal(t, 1, report.Stats.Modules)
}

func TestVerifyUnopenableDatabase(t *testing.T) {
	_, err := execute(t, "--db", "/nonexistent/path/keel.db", "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRowsCommand(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "--db", db, "--format", "json", "rows")
	require.NoError(t, err)
	var rows graph.Rows
	decode(t, out, &rows)
	assert.Len(t, rows.Functions, 2)
	assert.Len(t, rows.Modules, 1)
	assert.NotEmpty(t, rows.Nodes)

	out, err = execute(t, "--db", db, "rows")
	require.NoError(t, err)
	var text graph.Rows
	require.NoError(t, json.Unmarshal([]byte(out), &text))
	assert.Equal(t, rows, text)
}

const demoScenario = `
name: demo
description: one agent edits a function
agents: [alice]
setup:
  functions:
    - name: f1
      params: [{name: x, type: i64}]
      return: i64
      nodes:
        - {name: x, op: param, attrs: {index: 0}}
        - {name: ret, op: return}
      edges:
        - {from: x, to: ret}
steps:
  - {op: acquire_write, agent: alice, function: f1}
  - {op: read, agent: alice, function: f1}
  - op: edit
    agent: alice
    function: f1
    edit:
      - add_node: {name: neg, op: arith, operator: neg}
  - {op: release, agent: alice, function: f1}
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestScenarioCommand(t *testing.T) {
	path := writeScenario(t, demoScenario)

	out, err := execute(t, "scenario", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, `{"scenario":"demo"}`+"\n"))
	assert.Contains(t, out, "PASS demo (4 steps, revision 1)")

	out, err = execute(t, "--format", "json", "scenario", path)
	require.NoError(t, err)
	var report ScenarioReport
	decode(t, out, &report)
	assert.True(t, report.Pass)
	assert.Len(t, report.Trace, 4)
	assert.Equal(t, int64(1), report.Revision)
}

func TestScenarioCommandSaves(t *testing.T) {
	path := writeScenario(t, demoScenario)
	db := filepath.Join(t.TempDir(), "keel.db")

	out, err := execute(t, "--db", db, "scenario", path, "--save")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved to "+db)

	out, err = execute(t, "--db", db, "hash")
	require.NoError(t, err)
	assert.Contains(t, out, "f1")

	out, err = execute(t, "--db", db, "--format", "json", "log")
	require.NoError(t, err)
	var log CommitLog
	decode(t, out, &log)
	require.Len(t, log.Commits, 1)
	c := log.Commits[0]
	assert.Equal(t, engine.CommitEdit, c.Kind)
	assert.Equal(t, "alice", string(c.Agent))
	assert.Equal(t, int64(1), c.Revision)
	assert.NotEqual(t, c.Before, c.After)

	out, err = execute(t, "--db", db, "log", "--since", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "No commits.")

	out, err = execute(t, "--db", db, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "revision 1")
}

func TestScenarioCommandFailure(t *testing.T) {
	path := writeScenario(t, strings.Replace(demoScenario,
		"  - {op: release, agent: alice, function: f1}",
		"  - {op: read, agent: alice, function: f1, expect: conflict}", 1))

	out, err := execute(t, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL demo")
	assert.Contains(t, out, "step 4 (read): expected conflict, got ok")
}

func TestScenarioCommandInvalidFile(t *testing.T) {
	path := writeScenario(t, "name: demo\n")
	_, err := execute(t, "scenario", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load scenario")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeCommand(t *testing.T) {
	db := seedDatabase(t)

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{DB: db},
		MetricsAddr: "127.0.0.1:0",
		ready:       ready,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "keel_lock_expiries_total 0")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	out, err := execute(t, "--db", db, "hash")
	require.NoError(t, err)
	assert.Contains(t, out, "inc")
}
