// Package harness runs scripted multi-agent sessions against the engine and
// compares their traces with golden files.
//
// A scenario is a YAML file with a setup section that declares a program
// by name and a list of steps. Each step is one agent operation (lock,
// read, edit, check, structural change) or a clock or bookkeeping op
// (advance, sweep, hash, plan), and produces one trace event:
//
//	steps:
//	  - {op: acquire_write, agent: alice, function: f1}
//	  - {op: read, agent: alice, function: f1}
//	  - op: edit
//	    agent: alice
//	    function: f1
//	    edit:
//	      - set_op: {name: k, op: const, attrs: {value: 2}}
//
// Edits and checks send the hash the agent last read or wrote as the
// expected hash, the same way a real agent would.
//
// Traces never contain raw ids or hashes. Functions, nodes, and edges are
// named as the scenario declared them and hashes are numbered h0, h1, ...
// in order of first appearance, so equal symbols mean equal hashes and a
// trace only changes when behaviour does.
//
// Golden files live in testdata/golden and are rendered as canonical JSON
// lines. Regenerate them with:
//
//	go test ./internal/harness -update
package harness
