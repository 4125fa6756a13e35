package graph

import (
	"fmt"
	"unicode/utf8"

	"github.com/roach88/keel/internal/ids"
)

// Every mutation validates fully before writing, so a rejected call leaves
// both layers untouched. When verification is on, the cross-layer check
// runs after the write.

// AddModule creates a module under parent (zero for a root module).
func (g *Graph) AddModule(parent ids.ModuleID, name string, vis Visibility) (ids.ModuleID, error) {
	if name == "" {
		return 0, invalid("module name is empty")
	}
	if vis == "" {
		vis = Private
	}
	if !vis.valid() {
		return 0, invalid("visibility %q", vis)
	}
	if parent.IsValid() && !g.modules.contains(parent) {
		return 0, notFound(KindModule, uint64(parent), g.modules.retired(parent))
	}

	id := g.modules.insert(Module{Name: name, Parent: parent, Visibility: vis})
	g.modules.ptr(id).ID = id
	g.semantic.addNode(semModule(id))
	if parent.IsValid() {
		p := g.modules.ptr(parent)
		p.Children = insertSorted(p.Children, id)
		g.semantic.link(Contains, semModule(parent), semModule(id))
	}
	return id, g.checked("add module")
}

// RemoveModule retires an empty module.
func (g *Graph) RemoveModule(id ids.ModuleID) error {
	m := g.modules.ptr(id)
	if m == nil {
		return notFound(KindModule, uint64(id), g.modules.retired(id))
	}
	if len(m.Children) > 0 || len(m.Functions) > 0 || len(m.Types) > 0 {
		return fmt.Errorf("%w: module %s is not empty", ErrInUse, id)
	}
	if m.Parent.IsValid() {
		p := g.modules.ptr(m.Parent)
		p.Children = deleteSorted(p.Children, id)
	}
	g.modules.remove(id)
	g.semantic.removeNode(semModule(id))
	return g.checked("remove module")
}

// AddType registers a type. Module may be zero for builtins.
func (g *Graph) AddType(module ids.ModuleID, name string, kind TypeKind) (ids.TypeID, error) {
	if name == "" {
		return 0, invalid("type name is empty")
	}
	if kind == "" {
		kind = TypePrimitive
	}
	if module.IsValid() && !g.modules.contains(module) {
		return 0, notFound(KindModule, uint64(module), g.modules.retired(module))
	}

	id := g.types.insert(TypeDef{Module: module, Name: name, Kind: kind})
	g.types.ptr(id).ID = id
	g.semantic.addNode(semType(id))
	if module.IsValid() {
		m := g.modules.ptr(module)
		m.Types = insertSorted(m.Types, id)
		g.semantic.link(Contains, semModule(module), semType(id))
	}
	return id, g.checked("add type")
}

// AddFunction adds a function to a module.
func (g *Graph) AddFunction(module ids.ModuleID, spec FunctionSpec) (ids.FunctionID, error) {
	if spec.Name == "" {
		return 0, invalid("function name is empty")
	}
	if !utf8.ValidString(spec.Name) {
		return 0, invalid("function name %q is not valid UTF-8", spec.Name)
	}
	for _, p := range spec.Params {
		if !utf8.ValidString(p.Name) {
			return 0, invalid("parameter name %q is not valid UTF-8", p.Name)
		}
	}
	if !g.modules.contains(module) {
		return 0, notFound(KindModule, uint64(module), g.modules.retired(module))
	}
	if spec.Visibility == "" {
		spec.Visibility = Private
	}
	if !spec.Visibility.valid() {
		return 0, invalid("visibility %q", spec.Visibility)
	}
	if len(spec.Captures) > 0 && !spec.Closure {
		return 0, invalid("captures are only allowed on closures")
	}
	for _, c := range spec.Captures {
		switch c.Mode {
		case ByValue, ByRef, ByMutRef:
		default:
			return 0, invalid("capture %q: mode %q", c.Name, c.Mode)
		}
	}

	f := Function{
		Module:     module,
		Name:       spec.Name,
		Params:     append([]Param{}, spec.Params...),
		Return:     spec.Return,
		Closure:    spec.Closure,
		Captures:   append([]Capture(nil), spec.Captures...),
		Visibility: spec.Visibility,
	}
	for _, t := range f.typeRefs() {
		if !g.types.contains(t) {
			return 0, fmt.Errorf("%w: %s in signature of %q", ErrUnknownType, t, spec.Name)
		}
	}

	id := g.functions.insert(f)
	g.functions.ptr(id).ID = id
	g.compute.owned[id] = make(map[ids.NodeID]struct{})

	m := g.modules.ptr(module)
	m.Functions = insertSorted(m.Functions, id)
	g.semantic.addNode(semFunction(id))
	g.semantic.link(Contains, semModule(module), semFunction(id))
	for _, t := range f.typeRefs() {
		g.semantic.link(UsesType, semFunction(id), semType(t))
	}
	return id, g.checked("add function")
}

// RemoveFunction retires a function together with its nodes and every edge
// touching them. It fails with ErrInUse while another function still calls
// or closes over it.
func (g *Graph) RemoveFunction(id ids.FunctionID) error {
	f, ok := g.functions.get(id)
	if !ok {
		return notFound(KindFunction, uint64(id), g.functions.retired(id))
	}
	for _, caller := range g.semantic.sources(Calls, semFunction(id)) {
		if ids.FunctionID(caller) != id {
			return fmt.Errorf("%w: function %s is called by %s", ErrInUse, id, ids.FunctionID(caller))
		}
	}

	for _, n := range ids.SortedKeys(g.compute.owned[id]) {
		g.dropNode(n)
	}
	delete(g.compute.owned, id)

	m := g.modules.ptr(f.Module)
	m.Functions = deleteSorted(m.Functions, id)
	g.functions.remove(id)
	g.semantic.removeNode(semFunction(id))
	return g.checked("remove function")
}

// SetEntry marks node as fn's entry node. The node must be owned by fn.
func (g *Graph) SetEntry(fn ids.FunctionID, node ids.NodeID) error {
	f := g.functions.ptr(fn)
	if f == nil {
		return notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	n, ok := g.compute.nodes.get(node)
	if !ok {
		return notFound(KindNode, uint64(node), g.compute.nodes.retired(node))
	}
	if n.Owner != fn {
		return invalid("entry %s is owned by %s, not %s", node, n.Owner, fn)
	}
	f.Entry = node
	return g.checked("set entry")
}

// AddNode adds a compute node owned by fn.
func (g *Graph) AddNode(fn ids.FunctionID, op Op) (ids.NodeID, error) {
	if !g.functions.contains(fn) {
		return 0, notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	if err := g.validateOp(op); err != nil {
		return 0, err
	}

	id := g.compute.nodes.insert(Node{Owner: fn, Op: op.clone()})
	g.compute.nodes.ptr(id).ID = id
	g.compute.owned[fn][id] = struct{}{}
	if op.Kind.References() {
		g.semantic.link(Calls, semFunction(fn), semFunction(op.Callee))
	}
	return id, g.checked("add node")
}

// SetOp replaces a node's payload. The id and its edges are kept.
func (g *Graph) SetOp(id ids.NodeID, op Op) error {
	n := g.compute.nodes.ptr(id)
	if n == nil {
		return notFound(KindNode, uint64(id), g.compute.nodes.retired(id))
	}
	if err := g.validateOp(op); err != nil {
		return err
	}
	if n.Op.Kind.References() {
		g.semantic.unlink(Calls, semFunction(n.Owner), semFunction(n.Op.Callee))
	}
	n.Op = op.clone()
	if op.Kind.References() {
		g.semantic.link(Calls, semFunction(n.Owner), semFunction(op.Callee))
	}
	return g.checked("set op")
}

// RemoveNode retires a node and every edge touching it. If the node was
// its function's entry, the entry is cleared.
func (g *Graph) RemoveNode(id ids.NodeID) error {
	if !g.compute.nodes.contains(id) {
		return notFound(KindNode, uint64(id), g.compute.nodes.retired(id))
	}
	g.dropNode(id)
	return g.checked("remove node")
}

// dropNode removes a node without validation or checks.
func (g *Graph) dropNode(id ids.NodeID) {
	n, _ := g.compute.nodes.get(id)
	for _, adj := range []adjacency{g.compute.dataOut, g.compute.dataIn, g.compute.ctrlOut, g.compute.ctrlIn} {
		for _, e := range adj.sorted(id) {
			g.dropEdge(e)
		}
	}
	if n.Op.Kind.References() {
		g.semantic.unlink(Calls, semFunction(n.Owner), semFunction(n.Op.Callee))
	}
	if f := g.functions.ptr(n.Owner); f != nil && f.Entry == id {
		f.Entry = ids.NoNode
	}
	delete(g.compute.owned[n.Owner], id)
	g.compute.nodes.remove(id)
}

// AddDataEdge wires source's output port to target's input port. The value
// type must be registered, the target port must be free, and the data
// subgraph must stay acyclic.
func (g *Graph) AddDataEdge(source, target ids.NodeID, sourcePort, targetPort uint32, valueType ids.TypeID) (ids.EdgeID, error) {
	if err := g.checkEndpoints(source, target); err != nil {
		return 0, err
	}
	if !g.types.contains(valueType) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, valueType)
	}
	for e := range g.compute.dataIn[target] {
		existing, _ := g.compute.edges.get(e)
		if existing.TargetPort == targetPort {
			return 0, fmt.Errorf("%w: %s port %d is fed by %s", ErrPortInUse, target, targetPort, e)
		}
	}
	if g.dataReaches(target, source) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrDataCycle, source, target)
	}

	id := g.compute.edges.insert(Edge{
		Kind:       EdgeData,
		Source:     source,
		Target:     target,
		SourcePort: sourcePort,
		TargetPort: targetPort,
		ValueType:  valueType,
	})
	g.compute.edges.ptr(id).ID = id
	g.compute.dataOut.add(source, id)
	g.compute.dataIn.add(target, id)
	return id, g.checked("add data edge")
}

// AddControlEdge adds a control dependency. Branch distinguishes control
// paths (true/false arm, loop back-edge) and may be nil.
func (g *Graph) AddControlEdge(source, target ids.NodeID, branch *uint32) (ids.EdgeID, error) {
	if err := g.checkEndpoints(source, target); err != nil {
		return 0, err
	}
	e := Edge{Kind: EdgeControl, Source: source, Target: target}
	if branch != nil {
		e.Branch = BranchIndex(*branch)
	}
	id := g.compute.edges.insert(e)
	g.compute.edges.ptr(id).ID = id
	g.compute.ctrlOut.add(source, id)
	g.compute.ctrlIn.add(target, id)
	return id, g.checked("add control edge")
}

// RemoveEdge retires an edge.
func (g *Graph) RemoveEdge(id ids.EdgeID) error {
	if !g.compute.edges.contains(id) {
		return notFound(KindEdge, uint64(id), g.compute.edges.retired(id))
	}
	g.dropEdge(id)
	return g.checked("remove edge")
}

func (g *Graph) dropEdge(id ids.EdgeID) {
	e, ok := g.compute.edges.get(id)
	if !ok {
		return
	}
	if e.Kind == EdgeData {
		g.compute.dataOut.remove(e.Source, id)
		g.compute.dataIn.remove(e.Target, id)
	} else {
		g.compute.ctrlOut.remove(e.Source, id)
		g.compute.ctrlIn.remove(e.Target, id)
	}
	g.compute.edges.remove(id)
}

func (g *Graph) checkEndpoints(source, target ids.NodeID) error {
	if !g.compute.nodes.contains(source) {
		return notFound(KindNode, uint64(source), g.compute.nodes.retired(source))
	}
	if !g.compute.nodes.contains(target) {
		return notFound(KindNode, uint64(target), g.compute.nodes.retired(target))
	}
	return nil
}

func (g *Graph) validateOp(op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Kind.References() && !g.functions.contains(op.Callee) {
		return notFound(KindFunction, uint64(op.Callee), g.functions.retired(op.Callee))
	}
	return nil
}

// dataReaches reports whether to is reachable from from over data edges.
func (g *Graph) dataReaches(from, to ids.NodeID) bool {
	if from == to {
		return true
	}
	seen := map[ids.NodeID]bool{from: true}
	stack := []ids.NodeID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for e := range g.compute.dataOut[n] {
			edge, _ := g.compute.edges.get(e)
			if edge.Target == to {
				return true
			}
			if !seen[edge.Target] {
				seen[edge.Target] = true
				stack = append(stack, edge.Target)
			}
		}
	}
	return false
}

// checked runs Verify after a mutation when verification is enabled.
func (g *Graph) checked(op string) error {
	if !g.verify {
		return nil
	}
	if err := g.Verify(); err != nil {
		g.logger.Error("graph invariant violated", "operation", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
