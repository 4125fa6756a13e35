package harness

import (
	"fmt"
	"maps"
	"strings"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
)

// names maps scenario names to graph ids and back. Nodes are keyed
// "function.node"; edges are keyed by their declared name or
// "function.from->function.to".
type names struct {
	modules   map[string]ids.ModuleID
	module0   ids.ModuleID
	types     map[string]ids.TypeID
	type0     ids.TypeID
	funcs     map[string]ids.FunctionID
	funcNames map[ids.FunctionID]string
	nodes     map[string]ids.NodeID
	nodeNames map[ids.NodeID]string
	edges     map[string]ids.EdgeID
	edgeNames map[ids.EdgeID]string
}

func newNames() *names {
	return &names{
		modules:   make(map[string]ids.ModuleID),
		types:     make(map[string]ids.TypeID),
		funcs:     make(map[string]ids.FunctionID),
		funcNames: make(map[ids.FunctionID]string),
		nodes:     make(map[string]ids.NodeID),
		nodeNames: make(map[ids.NodeID]string),
		edges:     make(map[string]ids.EdgeID),
		edgeNames: make(map[ids.EdgeID]string),
	}
}

func (r *names) clone() *names {
	cp := *r
	cp.modules = maps.Clone(r.modules)
	cp.types = maps.Clone(r.types)
	cp.funcs = maps.Clone(r.funcs)
	cp.funcNames = maps.Clone(r.funcNames)
	cp.nodes = maps.Clone(r.nodes)
	cp.nodeNames = maps.Clone(r.nodeNames)
	cp.edges = maps.Clone(r.edges)
	cp.edgeNames = maps.Clone(r.edgeNames)
	return &cp
}

func (r *names) function(name string) (ids.FunctionID, error) {
	id, ok := r.funcs[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name)
	}
	return id, nil
}

func (r *names) typ(name string) (ids.TypeID, error) {
	if name == "" {
		return r.type0, nil
	}
	id, ok := r.types[name]
	if !ok {
		return 0, fmt.Errorf("unknown type %q", name)
	}
	return id, nil
}

// qualify turns a local node name into "function.node".
func qualify(fn, ref string) string {
	if strings.Contains(ref, ".") {
		return ref
	}
	return fn + "." + ref
}

func (r *names) node(fn, ref string) (ids.NodeID, error) {
	id, ok := r.nodes[qualify(fn, ref)]
	if !ok {
		return 0, fmt.Errorf("unknown node %q", qualify(fn, ref))
	}
	return id, nil
}

func (r *names) edge(fn, ref string) (ids.EdgeID, error) {
	if id, ok := r.edges[ref]; ok {
		return id, nil
	}
	if from, to, ok := strings.Cut(ref, "->"); ok {
		if id, ok := r.edges[qualify(fn, from)+"->"+qualify(fn, to)]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown edge %q", ref)
}

func (r *names) addNode(fn, name string, id ids.NodeID) {
	label := qualify(fn, name)
	if name == "" {
		label = fmt.Sprintf("%s.%s", fn, id)
	}
	r.nodes[label] = id
	r.nodeNames[id] = label
}

func (r *names) addEdge(fn string, spec EdgeSpec, id ids.EdgeID) {
	label := spec.Name
	if label == "" {
		label = qualify(fn, spec.From) + "->" + qualify(fn, spec.To)
	}
	if _, taken := r.edges[label]; taken {
		label = fmt.Sprintf("%s#%d", label, id)
	}
	r.edges[label] = id
	r.edgeNames[id] = label
}

func (r *names) funcName(id ids.FunctionID) string {
	if n, ok := r.funcNames[id]; ok {
		return n
	}
	return id.String()
}

func (r *names) nodeName(id ids.NodeID) string {
	if n, ok := r.nodeNames[id]; ok {
		return n
	}
	return id.String()
}

func (r *names) edgeName(id ids.EdgeID) string {
	if n, ok := r.edgeNames[id]; ok {
		return n
	}
	return id.String()
}

func (r *names) funcList(fns []ids.FunctionID) []string {
	out := make([]string, len(fns))
	for i, fn := range fns {
		out[i] = r.funcName(fn)
	}
	return out
}

// op converts a node declaration into an op payload.
func (r *names) op(spec NodeSpec) (graph.Op, error) {
	op := graph.Op{Kind: graph.OpKind(spec.Op), Operator: spec.Operator}
	if spec.Callee != "" {
		callee, err := r.function(spec.Callee)
		if err != nil {
			return graph.Op{}, err
		}
		op.Callee = callee
	}
	if len(spec.Attrs) > 0 {
		v, err := canon.FromGo(spec.Attrs)
		if err != nil {
			return graph.Op{}, fmt.Errorf("node %q attrs: %w", spec.Name, err)
		}
		op.Attrs = v.(canon.Object)
	}
	return op, nil
}

// signature converts a function declaration's signature.
func (r *names) signature(spec FunctionSpec) (ids.ModuleID, graph.FunctionSpec, error) {
	module := r.module0
	if spec.Module != "" {
		m, ok := r.modules[spec.Module]
		if !ok {
			return 0, graph.FunctionSpec{}, fmt.Errorf("function %q: unknown module %q", spec.Name, spec.Module)
		}
		module = m
	}
	out := graph.FunctionSpec{
		Name:       spec.Name,
		Closure:    spec.Closure,
		Visibility: graph.Visibility(spec.Visibility),
	}
	for _, p := range spec.Params {
		t, err := r.typ(p.Type)
		if err != nil {
			return 0, graph.FunctionSpec{}, fmt.Errorf("function %q param %q: %w", spec.Name, p.Name, err)
		}
		out.Params = append(out.Params, graph.Param{Name: p.Name, Type: t})
	}
	if spec.Return != "" {
		t, err := r.typ(spec.Return)
		if err != nil {
			return 0, graph.FunctionSpec{}, fmt.Errorf("function %q return: %w", spec.Name, err)
		}
		out.Return = t
	}
	for _, c := range spec.Captures {
		t, err := r.typ(c.Type)
		if err != nil {
			return 0, graph.FunctionSpec{}, fmt.Errorf("function %q capture %q: %w", spec.Name, c.Name, err)
		}
		out.Captures = append(out.Captures, graph.Capture{Name: c.Name, Type: t, Mode: graph.CaptureMode(c.Mode)})
	}
	return module, out, nil
}

// buildSetup declares modules and types, then builds every function.
func (r *names) buildSetup(g *graph.Graph, setup Setup) error {
	modules := setup.Modules
	if len(modules) == 0 {
		modules = []string{"main"}
	}
	for i, name := range modules {
		id, err := g.AddModule(0, name, graph.Public)
		if err != nil {
			return fmt.Errorf("module %q: %w", name, err)
		}
		r.modules[name] = id
		if i == 0 {
			r.module0 = id
		}
	}
	types := setup.Types
	if len(types) == 0 {
		types = []string{"i64"}
	}
	for i, name := range types {
		id, err := g.AddType(0, name, graph.TypePrimitive)
		if err != nil {
			return fmt.Errorf("type %q: %w", name, err)
		}
		r.types[name] = id
		if i == 0 {
			r.type0 = id
		}
	}
	return r.buildFunctions(g, setup.Functions)
}

// buildFunctions adds every function first so calls can name any of them,
// then their nodes, then their edges and entries.
func (r *names) buildFunctions(g *graph.Graph, specs []FunctionSpec) error {
	for _, spec := range specs {
		if _, dup := r.funcs[spec.Name]; dup {
			return fmt.Errorf("duplicate function %q", spec.Name)
		}
		module, fs, err := r.signature(spec)
		if err != nil {
			return err
		}
		id, err := g.AddFunction(module, fs)
		if err != nil {
			return fmt.Errorf("function %q: %w", spec.Name, err)
		}
		r.funcs[spec.Name] = id
		r.funcNames[id] = spec.Name
	}
	for _, spec := range specs {
		fn := r.funcs[spec.Name]
		for _, ns := range spec.Nodes {
			if _, dup := r.nodes[qualify(spec.Name, ns.Name)]; dup && ns.Name != "" {
				return fmt.Errorf("duplicate node %q", qualify(spec.Name, ns.Name))
			}
			op, err := r.op(ns)
			if err != nil {
				return err
			}
			id, err := g.AddNode(fn, op)
			if err != nil {
				return fmt.Errorf("node %q: %w", qualify(spec.Name, ns.Name), err)
			}
			r.addNode(spec.Name, ns.Name, id)
		}
	}
	for _, spec := range specs {
		for _, es := range spec.Edges {
			if err := r.buildEdge(g, spec.Name, es); err != nil {
				return err
			}
		}
		if spec.Entry != "" {
			n, err := r.node(spec.Name, spec.Entry)
			if err != nil {
				return err
			}
			if err := g.SetEntry(r.funcs[spec.Name], n); err != nil {
				return fmt.Errorf("function %q entry: %w", spec.Name, err)
			}
		}
	}
	return nil
}

// edgeAdder is satisfied by both *graph.Graph and *engine.FunctionTx.
type edgeAdder interface {
	AddDataEdge(source, target ids.NodeID, sourcePort, targetPort uint32, valueType ids.TypeID) (ids.EdgeID, error)
	AddControlEdge(source, target ids.NodeID, branch *uint32) (ids.EdgeID, error)
}

func (r *names) buildEdge(g edgeAdder, fn string, spec EdgeSpec) error {
	src, dst, err := r.endpoints(fn, spec)
	if err != nil {
		return err
	}
	var id ids.EdgeID
	switch spec.Kind {
	case "", "data":
		t, err := r.typ(spec.Type)
		if err != nil {
			return err
		}
		id, err = g.AddDataEdge(src, dst, spec.SourcePort, spec.Port, t)
		if err != nil {
			return fmt.Errorf("edge %s->%s: %w", spec.From, spec.To, err)
		}
	case "control":
		id, err = g.AddControlEdge(src, dst, spec.Branch)
		if err != nil {
			return fmt.Errorf("edge %s->%s: %w", spec.From, spec.To, err)
		}
	default:
		return fmt.Errorf("edge %s->%s: unknown kind %q", spec.From, spec.To, spec.Kind)
	}
	r.addEdge(fn, spec, id)
	return nil
}

func (r *names) endpoints(fn string, spec EdgeSpec) (ids.NodeID, ids.NodeID, error) {
	src, err := r.node(fn, spec.From)
	if err != nil {
		return 0, 0, err
	}
	dst, err := r.node(fn, spec.To)
	if err != nil {
		return 0, 0, err
	}
	return src, dst, nil
}
