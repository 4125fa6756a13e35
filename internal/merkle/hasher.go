package merkle

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
)

// Source is the read-only view of the graph the hasher needs. *graph.Graph
// satisfies it. Implementations must tolerate concurrent reads.
type Source interface {
	FunctionIDs() []ids.FunctionID
	Function(ids.FunctionID) (graph.Function, error)
	Node(ids.NodeID) (graph.Node, error)
	NodesOwnedBy(ids.FunctionID) ([]ids.NodeID, error)
	EdgesFrom(ids.NodeID) ([]graph.Edge, error)
}

// Filter reports whether a node takes part in hashing. Edges touching a
// dropped node are dropped with it.
type Filter func(graph.Node) bool

// ExcludeContracts keeps every node except contract annotations.
func ExcludeContracts(n graph.Node) bool {
	return !n.Op.Kind.IsContract()
}

// Hasher computes function hashes under an optional node filter. The zero
// filter keeps every node.
type Hasher struct {
	filter  Filter
	workers int
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithFilter restricts which nodes contribute to the hash.
func WithFilter(f Filter) Option {
	return func(h *Hasher) { h.filter = f }
}

// WithWorkers bounds HashAll's parallelism. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.workers = n
		}
	}
}

// New creates a hasher that covers the full content of each function.
func New(opts ...Option) *Hasher {
	h := &Hasher{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Compilation returns a hasher that ignores contract nodes, so adding or
// editing a precondition, postcondition, invariant, or assert never changes
// the hash a recompilation decision is based on.
func Compilation(opts ...Option) *Hasher {
	return New(append([]Option{WithFilter(ExcludeContracts)}, opts...)...)
}

// HashFunction hashes fn with the full-content hasher.
func HashFunction(src Source, fn ids.FunctionID) (Hash, error) {
	return New().HashFunction(src, fn)
}

// CompilationHash hashes fn with contract nodes excluded.
func CompilationHash(src Source, fn ids.FunctionID) (Hash, error) {
	return Compilation().HashFunction(src, fn)
}

// HashFunction returns fn's root hash.
func (h *Hasher) HashFunction(src Source, fn ids.FunctionID) (Hash, error) {
	m, err := h.Manifest(src, fn)
	if err != nil {
		return Hash{}, err
	}
	return m.Root, nil
}

// HashAll hashes every function in src in parallel.
func (h *Hasher) HashAll(ctx context.Context, src Source) (map[ids.FunctionID]Hash, error) {
	fns := src.FunctionIDs()
	roots := make([]Hash, len(fns))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for i, fn := range fns {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root, err := h.HashFunction(src, fn)
			if err != nil {
				return err
			}
			roots[i] = root
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hash all: %w", err)
	}

	out := make(map[ids.FunctionID]Hash, len(fns))
	for i, fn := range fns {
		out[fn] = roots[i]
	}
	return out, nil
}

// Manifest hashes fn and keeps the per-node and per-edge hashes that went
// into the root. Conflict diffs are built by comparing two manifests.
func (h *Hasher) Manifest(src Source, fn ids.FunctionID) (Manifest, error) {
	f, err := src.Function(fn)
	if err != nil {
		return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
	}
	owned, err := src.NodesOwnedBy(fn)
	if err != nil {
		return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
	}

	m := Manifest{
		Function: fn,
		Nodes:    make(map[ids.NodeID]Hash, len(owned)),
		Edges:    make(map[ids.EdgeID]Hash),
	}

	// Pass 1: content hashes of the kept nodes.
	kept := make([]ids.NodeID, 0, len(owned))
	for _, id := range owned {
		n, err := src.Node(id)
		if err != nil {
			return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
		}
		if !h.keep(n) {
			continue
		}
		c, err := contentHash(n)
		if err != nil {
			return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
		}
		m.Nodes[id] = c
		kept = append(kept, id)
	}

	sig, err := h.signatureHash(f, m.Nodes)
	if err != nil {
		return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
	}
	m.Signature = sig

	// Pass 2: composites, folded into the root in ascending id order.
	root := newHasher(DomainFunction)
	root.Write(sig[:])
	var idBuf [8]byte
	for _, id := range kept {
		composite, err := h.composite(src, id, &m)
		if err != nil {
			return Manifest{}, fmt.Errorf("hash %s: %w", fn, err)
		}
		binary.BigEndian.PutUint64(idBuf[:], uint64(id))
		root.Write(idBuf[:])
		root.Write(composite[:])
	}
	m.Root = sum(root)
	return m, nil
}

func (h *Hasher) keep(n graph.Node) bool {
	return h.filter == nil || h.filter(n)
}

// contentHash hashes a node's payload and owner.
func contentHash(n graph.Node) (Hash, error) {
	data, err := canon.MarshalCanonical(canon.Object{
		"op":    n.Op.Canonical(),
		"owner": canon.Int(n.Owner),
	})
	if err != nil {
		return Hash{}, fmt.Errorf("node %s: %w", n.ID, err)
	}
	return hashWithDomain(DomainNode, data), nil
}

type sortedEdge struct {
	edge    graph.Edge
	payload []byte
	target  Hash
}

// composite seeds a hash with the node's content hash and feeds its
// outgoing edges sorted by (kind, port or branch, target id, payload).
// Each edge contributes its payload hash and its target's content hash;
// the manifest records both together so a changed target shows up as a
// modified edge.
func (h *Hasher) composite(src Source, id ids.NodeID, m *Manifest) (Hash, error) {
	edges, err := src.EdgesFrom(id)
	if err != nil {
		return Hash{}, err
	}

	batch := make([]sortedEdge, 0, len(edges))
	for _, e := range edges {
		target, ok, err := h.targetContent(src, e.Target, m.Nodes)
		if err != nil {
			return Hash{}, err
		}
		if !ok {
			continue
		}
		payload, err := canon.MarshalCanonical(e.Canonical())
		if err != nil {
			return Hash{}, fmt.Errorf("edge %s: %w", e.ID, err)
		}
		batch = append(batch, sortedEdge{edge: e, payload: payload, target: target})
	}
	slices.SortFunc(batch, func(a, b sortedEdge) int {
		return cmp.Or(
			cmp.Compare(a.edge.Kind, b.edge.Kind),
			cmp.Compare(a.edge.PortOrBranch(), b.edge.PortOrBranch()),
			cmp.Compare(a.edge.Target, b.edge.Target),
			bytes.Compare(a.payload, b.payload),
		)
	})

	seed := m.Nodes[id]
	c := newHasher(DomainComposite)
	c.Write(seed[:])
	for _, se := range batch {
		eh := hashWithDomain(DomainEdge, se.payload)
		c.Write(eh[:])
		c.Write(se.target[:])

		entry := newHasher(DomainEdgeEntry)
		entry.Write(eh[:])
		entry.Write(se.target[:])
		m.Edges[se.edge.ID] = sum(entry)
	}
	return sum(c), nil
}

// targetContent returns the content hash of an edge target. Targets owned
// by the function come from the first pass; targets in other functions are
// hashed on demand and contribute only their content. A target the filter
// drops reports ok == false.
func (h *Hasher) targetContent(src Source, target ids.NodeID, local map[ids.NodeID]Hash) (Hash, bool, error) {
	if c, ok := local[target]; ok {
		return c, true, nil
	}
	n, err := src.Node(target)
	if err != nil {
		return Hash{}, false, err
	}
	if !h.keep(n) {
		return Hash{}, false, nil
	}
	c, err := contentHash(n)
	if err != nil {
		return Hash{}, false, err
	}
	return c, true, nil
}

// signatureHash covers the function's own declaration: name, parameters,
// return type, captures, and entry node. An entry the filter dropped is
// recorded as absent.
func (h *Hasher) signatureHash(f graph.Function, kept map[ids.NodeID]Hash) (Hash, error) {
	params := make(canon.Array, 0, len(f.Params))
	for _, p := range f.Params {
		params = append(params, canon.Obj(
			canon.P("name", canon.String(p.Name)),
			canon.P("type", canon.Int(p.Type)),
		))
	}
	captures := make(canon.Array, 0, len(f.Captures))
	for _, c := range f.Captures {
		captures = append(captures, canon.Obj(
			canon.P("mode", canon.String(c.Mode)),
			canon.P("name", canon.String(c.Name)),
			canon.P("type", canon.Int(c.Type)),
		))
	}
	entry := f.Entry
	if _, ok := kept[entry]; !ok {
		entry = ids.NoNode
	}
	data, err := canon.MarshalCanonical(canon.Object{
		"captures":   captures,
		"closure":    canon.Bool(f.Closure),
		"entry":      canon.Int(entry),
		"function":   canon.Int(f.ID),
		"name":       canon.String(f.Name),
		"params":     params,
		"return":     canon.Int(f.Return),
		"visibility": canon.String(f.Visibility),
	})
	if err != nil {
		return Hash{}, fmt.Errorf("signature: %w", err)
	}
	return hashWithDomain(DomainSignature, data), nil
}
