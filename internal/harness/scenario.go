package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted multi-agent session against one engine. Setup
// builds the program, then Steps run in order, each producing one trace
// event.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// TTL overrides the lock lifetime, e.g. "10m". Empty keeps the default.
	TTL string `yaml:"ttl,omitempty"`

	// Setup declares the starting program by name.
	Setup Setup `yaml:"setup"`

	// Agents are registered under their own names before the first step.
	Agents []string `yaml:"agents"`

	// Steps is the scripted session.
	Steps []Step `yaml:"steps"`
}

// Setup declares modules, types, and functions. Functions land in the
// first module unless they name another.
type Setup struct {
	Modules   []string       `yaml:"modules,omitempty"`
	Types     []string       `yaml:"types,omitempty"`
	Functions []FunctionSpec `yaml:"functions"`
}

// FunctionSpec declares a function together with its body.
type FunctionSpec struct {
	Name       string        `yaml:"name"`
	Module     string        `yaml:"module,omitempty"`
	Params     []ParamSpec   `yaml:"params,omitempty"`
	Return     string        `yaml:"return,omitempty"`
	Visibility string        `yaml:"visibility,omitempty"`
	Closure    bool          `yaml:"closure,omitempty"`
	Captures   []CaptureSpec `yaml:"captures,omitempty"`
	Entry      string        `yaml:"entry,omitempty"`
	Nodes      []NodeSpec    `yaml:"nodes,omitempty"`
	Edges      []EdgeSpec    `yaml:"edges,omitempty"`
}

// ParamSpec is a named, typed parameter.
type ParamSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// CaptureSpec is a closure capture.
type CaptureSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Mode string `yaml:"mode"`
}

// NodeSpec declares a node. In set_op actions Name is the node to change.
type NodeSpec struct {
	Name     string         `yaml:"name"`
	Op       string         `yaml:"op"`
	Operator string         `yaml:"operator,omitempty"`
	Callee   string         `yaml:"callee,omitempty"`
	Attrs    map[string]any `yaml:"attrs,omitempty"`
}

// EdgeSpec declares an edge between two nodes. Endpoints are node names
// local to the function or qualified as "function.node". Kind defaults to
// data and Type to the first declared type.
type EdgeSpec struct {
	Name       string  `yaml:"name,omitempty"`
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Kind       string  `yaml:"kind,omitempty"`
	Port       uint32  `yaml:"port,omitempty"`
	SourcePort uint32  `yaml:"source_port,omitempty"`
	Type       string  `yaml:"type,omitempty"`
	Branch     *uint32 `yaml:"branch,omitempty"`
}

// EditAction is one change inside an edit step. Exactly one field is set.
type EditAction struct {
	AddNode    *NodeSpec `yaml:"add_node,omitempty"`
	SetOp      *NodeSpec `yaml:"set_op,omitempty"`
	RemoveNode string    `yaml:"remove_node,omitempty"`
	AddEdge    *EdgeSpec `yaml:"add_edge,omitempty"`
	RemoveEdge string    `yaml:"remove_edge,omitempty"`
	SetEntry   string    `yaml:"set_entry,omitempty"`
}

// StructuralSpec adds and removes whole functions under the global lock.
type StructuralSpec struct {
	Add    []FunctionSpec `yaml:"add,omitempty"`
	Remove []string       `yaml:"remove,omitempty"`
}

// Step is one scripted operation.
type Step struct {
	Op          string          `yaml:"op"`
	Agent       string          `yaml:"agent,omitempty"`
	Function    string          `yaml:"function,omitempty"`
	Functions   []string        `yaml:"functions,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Edit        []EditAction    `yaml:"edit,omitempty"`
	Structural  *StructuralSpec `yaml:"structural,omitempty"`
	Advance     string          `yaml:"advance,omitempty"`

	// Expect is the outcome the step must have; empty means ok.
	Expect string `yaml:"expect,omitempty"`
}

// Step ops.
const (
	OpAcquireRead       = "acquire_read"
	OpAcquireWrite      = "acquire_write"
	OpBatchAcquireWrite = "batch_acquire_write"
	OpRelease           = "release"
	OpAcquireGlobal     = "acquire_global"
	OpReleaseGlobal     = "release_global"
	OpRead              = "read"
	OpEdit              = "edit"
	OpCheck             = "check"
	OpStructural        = "structural"
	OpHash              = "hash"
	OpPlan              = "plan"
	OpAdvance           = "advance"
	OpSweep             = "sweep"
)

// Step outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeDenied    = "denied"
	OutcomeConflict  = "conflict"
	OutcomeNotWriter = "not_writer"
	OutcomeNotReader = "not_reader"
	OutcomeNotGlobal = "not_global"
	OutcomeError     = "error"
)

var (
	validOps = map[string]bool{
		OpAcquireRead: true, OpAcquireWrite: true, OpBatchAcquireWrite: true,
		OpRelease: true, OpAcquireGlobal: true, OpReleaseGlobal: true,
		OpRead: true, OpEdit: true, OpCheck: true, OpStructural: true,
		OpHash: true, OpPlan: true, OpAdvance: true, OpSweep: true,
	}
	validOutcomes = map[string]bool{
		OutcomeOK: true, OutcomeDenied: true, OutcomeConflict: true,
		OutcomeNotWriter: true, OutcomeNotReader: true, OutcomeNotGlobal: true,
		OutcomeError: true,
	}
	// Ops that act on behalf of an agent.
	agentOps = map[string]bool{
		OpAcquireRead: true, OpAcquireWrite: true, OpBatchAcquireWrite: true,
		OpRelease: true, OpAcquireGlobal: true, OpReleaseGlobal: true,
		OpRead: true, OpEdit: true, OpCheck: true, OpStructural: true,
	}
	// Ops that name a single function.
	functionOps = map[string]bool{
		OpAcquireRead: true, OpAcquireWrite: true, OpRelease: true,
		OpRead: true, OpEdit: true, OpCheck: true, OpHash: true,
	}
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
// Name resolution happens when the scenario runs.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.TTL != "" {
		if d, err := time.ParseDuration(s.TTL); err != nil || d <= 0 {
			return fmt.Errorf("ttl %q must be a positive duration", s.TTL)
		}
	}
	if len(s.Setup.Functions) == 0 {
		return fmt.Errorf("setup.functions is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	agents := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if agents[a] {
			return fmt.Errorf("agents[%d]: duplicate agent %q", i, a)
		}
		agents[a] = true
	}

	for i, fn := range s.Setup.Functions {
		if fn.Name == "" {
			return fmt.Errorf("setup.functions[%d]: name is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, agents); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, agents map[string]bool) error {
	if !validOps[step.Op] {
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.Expect != "" && !validOutcomes[step.Expect] {
		return fmt.Errorf("unknown expect %q", step.Expect)
	}
	if agentOps[step.Op] {
		if step.Agent == "" {
			return fmt.Errorf("%s: agent is required", step.Op)
		}
		if !agents[step.Agent] {
			return fmt.Errorf("%s: agent %q is not declared", step.Op, step.Agent)
		}
	}
	if functionOps[step.Op] && step.Function == "" {
		return fmt.Errorf("%s: function is required", step.Op)
	}

	switch step.Op {
	case OpBatchAcquireWrite:
		if len(step.Functions) == 0 {
			return fmt.Errorf("%s: functions list is required", step.Op)
		}
	case OpEdit:
		if len(step.Edit) == 0 {
			return fmt.Errorf("%s: edit list is required", step.Op)
		}
		for j, a := range step.Edit {
			if n := a.count(); n != 1 {
				return fmt.Errorf("edit[%d]: exactly one action is required, got %d", j, n)
			}
		}
	case OpStructural:
		if step.Structural == nil {
			return fmt.Errorf("%s: structural block is required", step.Op)
		}
	case OpAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s: advance %q must be a positive duration", step.Op, step.Advance)
		}
	}
	return nil
}

func (a EditAction) count() int {
	n := 0
	for _, set := range []bool{
		a.AddNode != nil, a.SetOp != nil, a.RemoveNode != "",
		a.AddEdge != nil, a.RemoveEdge != "", a.SetEntry != "",
	} {
		if set {
			n++
		}
	}
	return n
}
