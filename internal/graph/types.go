package graph

import (
	"slices"
	"unicode/utf8"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/ids"
)

// OpKind is the operation variant of a compute node.
type OpKind string

const (
	OpConst   OpKind = "const"
	OpParam   OpKind = "param"
	OpArith   OpKind = "arith"
	OpCompare OpKind = "compare"
	OpLogic   OpKind = "logic"
	OpBranch  OpKind = "branch"
	OpJump    OpKind = "jump"
	OpLoop    OpKind = "loop"
	OpReturn  OpKind = "return"
	OpAlloc   OpKind = "alloc"
	OpLoad    OpKind = "load"
	OpStore   OpKind = "store"
	OpCall    OpKind = "call"
	OpIO      OpKind = "io"
	OpClosure OpKind = "closure"

	// Contract kinds carry annotations with no executable effect.
	OpPrecondition  OpKind = "precondition"
	OpPostcondition OpKind = "postcondition"
	OpInvariant     OpKind = "invariant"
	OpAssert        OpKind = "assert"
)

var validOpKinds = map[OpKind]bool{
	OpConst: true, OpParam: true, OpArith: true, OpCompare: true, OpLogic: true,
	OpBranch: true, OpJump: true, OpLoop: true, OpReturn: true, OpAlloc: true,
	OpLoad: true, OpStore: true, OpCall: true, OpIO: true, OpClosure: true,
	OpPrecondition: true, OpPostcondition: true, OpInvariant: true, OpAssert: true,
}

// IsContract reports whether the kind is a contract annotation.
func (k OpKind) IsContract() bool {
	switch k {
	case OpPrecondition, OpPostcondition, OpInvariant, OpAssert:
		return true
	}
	return false
}

// References reports whether ops of this kind name a callee function.
func (k OpKind) References() bool {
	return k == OpCall || k == OpClosure
}

// Op is the operation payload of a compute node.
type Op struct {
	Kind     OpKind         `json:"kind"`
	Operator string         `json:"operator,omitempty"` // "add", "lt", "stdout", ...
	Callee   ids.FunctionID `json:"callee,omitempty"`   // call and closure only
	Attrs    canon.Object   `json:"attrs,omitempty"`
}

// Validate checks the payload shape. It does not check that Callee exists.
func (op Op) Validate() error {
	if !validOpKinds[op.Kind] {
		return invalid("unknown op kind %q", op.Kind)
	}
	if op.Kind.References() && !op.Callee.IsValid() {
		return invalid("%s op requires a callee", op.Kind)
	}
	if !op.Kind.References() && op.Callee.IsValid() {
		return invalid("%s op cannot name a callee", op.Kind)
	}
	if !utf8.ValidString(op.Operator) {
		return invalid("operator %q is not valid UTF-8", op.Operator)
	}
	if op.Attrs != nil {
		if _, err := canon.MarshalCanonical(op.Attrs); err != nil {
			return invalid("op attrs: %v", err)
		}
	}
	return nil
}

// Canonical returns the payload as a canonical object. Every key is always
// present so two payloads never serialize ambiguously.
func (op Op) Canonical() canon.Object {
	attrs := op.Attrs
	if attrs == nil {
		attrs = canon.Object{}
	}
	return canon.Object{
		"kind":     canon.String(op.Kind),
		"operator": canon.String(op.Operator),
		"callee":   canon.Int(op.Callee),
		"attrs":    attrs,
	}
}

func (op Op) clone() Op {
	if len(op.Attrs) == 0 {
		op.Attrs = nil
		return op
	}
	op.Attrs = op.Attrs.Clone()
	return op
}

// Node is one operation, owned by exactly one function.
type Node struct {
	ID    ids.NodeID     `json:"id"`
	Owner ids.FunctionID `json:"owner"`
	Op    Op             `json:"op"`
}

func (n Node) clone() Node {
	n.Op = n.Op.clone()
	return n
}

// EdgeKind distinguishes data from control edges.
type EdgeKind uint8

const (
	// EdgeData carries a typed value from a source port to a target port.
	EdgeData EdgeKind = iota + 1
	// EdgeControl orders execution; may form cycles.
	EdgeControl
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeData:
		return "data"
	case EdgeControl:
		return "control"
	default:
		return "unknown"
	}
}

// Edge is a data or control dependency between two nodes.
type Edge struct {
	ID         ids.EdgeID `json:"id"`
	Kind       EdgeKind   `json:"kind"`
	Source     ids.NodeID `json:"source"`
	Target     ids.NodeID `json:"target"`
	SourcePort uint32     `json:"source_port,omitempty"` // data only
	TargetPort uint32     `json:"target_port,omitempty"` // data only
	ValueType  ids.TypeID `json:"value_type,omitempty"`  // data only
	Branch     *uint32    `json:"branch,omitempty"`      // control only
}

// BranchIndex returns a pointer for Edge.Branch.
func BranchIndex(i uint32) *uint32 {
	return &i
}

// PortOrBranch returns the second component of the edge sort key: the
// source port for data edges, the branch index for control edges, and -1
// for control edges without a branch.
func (e Edge) PortOrBranch() int64 {
	if e.Kind == EdgeData {
		return int64(e.SourcePort)
	}
	if e.Branch == nil {
		return -1
	}
	return int64(*e.Branch)
}

// Canonical returns the edge payload, excluding the edge's own id so the
// serialization does not depend on construction order.
func (e Edge) Canonical() canon.Object {
	obj := canon.Object{
		"kind":   canon.String(e.Kind.String()),
		"source": canon.Int(e.Source),
		"target": canon.Int(e.Target),
	}
	switch e.Kind {
	case EdgeData:
		obj["source_port"] = canon.Int(e.SourcePort)
		obj["target_port"] = canon.Int(e.TargetPort)
		obj["value_type"] = canon.Int(e.ValueType)
	case EdgeControl:
		obj["branch"] = canon.Int(e.PortOrBranch())
	}
	return obj
}

// Visibility is public or private.
type Visibility string

const (
	Private Visibility = "private"
	Public  Visibility = "public"
)

func (v Visibility) valid() bool {
	return v == Private || v == Public
}

// CaptureMode says how a closure captures a variable.
type CaptureMode string

const (
	ByValue  CaptureMode = "value"
	ByRef    CaptureMode = "ref"
	ByMutRef CaptureMode = "mut_ref"
)

// Param is a typed function parameter.
type Param struct {
	Name string     `json:"name"`
	Type ids.TypeID `json:"type"`
}

// Capture is a variable captured by a closure.
type Capture struct {
	Name string      `json:"name"`
	Type ids.TypeID  `json:"type"`
	Mode CaptureMode `json:"mode"`
}

// FunctionSpec describes a function to add.
type FunctionSpec struct {
	Name       string
	Params     []Param
	Return     ids.TypeID // zero means no return value
	Closure    bool
	Captures   []Capture // only for closures
	Visibility Visibility
}

// Function is a function table entry. Its node set is exactly the nodes
// whose Owner is ID.
type Function struct {
	ID         ids.FunctionID `json:"id"`
	Module     ids.ModuleID   `json:"module"`
	Name       string         `json:"name"`
	Params     []Param        `json:"params"`
	Return     ids.TypeID     `json:"return,omitempty"`
	Entry      ids.NodeID     `json:"entry,omitempty"`
	Closure    bool           `json:"closure,omitempty"`
	Captures   []Capture      `json:"captures,omitempty"`
	Visibility Visibility     `json:"visibility"`
}

func (f Function) clone() Function {
	f.Params = slices.Clone(f.Params)
	f.Captures = slices.Clone(f.Captures)
	return f
}

// typeRefs lists every type the signature mentions, in declaration order.
func (f Function) typeRefs() []ids.TypeID {
	var out []ids.TypeID
	for _, p := range f.Params {
		out = append(out, p.Type)
	}
	if f.Return.IsValid() {
		out = append(out, f.Return)
	}
	for _, c := range f.Captures {
		out = append(out, c.Type)
	}
	return out
}

// Module is a node in the module tree.
type Module struct {
	ID         ids.ModuleID     `json:"id"`
	Name       string           `json:"name"`
	Parent     ids.ModuleID     `json:"parent,omitempty"`
	Children   []ids.ModuleID   `json:"children,omitempty"`
	Functions  []ids.FunctionID `json:"functions,omitempty"`
	Types      []ids.TypeID     `json:"types,omitempty"`
	Visibility Visibility       `json:"visibility"`
}

func (m Module) clone() Module {
	m.Children = slices.Clone(m.Children)
	m.Functions = slices.Clone(m.Functions)
	m.Types = slices.Clone(m.Types)
	return m
}

// TypeKind classifies a registered type.
type TypeKind string

const (
	TypePrimitive TypeKind = "primitive"
	TypeStruct    TypeKind = "struct"
	TypeEnum      TypeKind = "enum"
	TypeFunc      TypeKind = "func"
	TypeRef       TypeKind = "ref"
)

// TypeDef is a type registry entry. Module is zero for builtins.
type TypeDef struct {
	ID     ids.TypeID   `json:"id"`
	Module ids.ModuleID `json:"module,omitempty"`
	Name   string       `json:"name"`
	Kind   TypeKind     `json:"kind"`
}

func identity[V any](v V) V { return v }

// insertSorted inserts id into a sorted slice if absent.
func insertSorted[T ids.ID](s []T, id T) []T {
	i, found := slices.BinarySearch(s, id)
	if found {
		return s
	}
	return slices.Insert(s, i, id)
}

// deleteSorted removes id from a sorted slice if present.
func deleteSorted[T ids.ID](s []T, id T) []T {
	i, found := slices.BinarySearch(s, id)
	if !found {
		return s
	}
	return slices.Delete(s, i, i+1)
}
