package graph

import (
	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/ids"
)

// Const builds a constant op.
func Const(v canon.Value) Op {
	return Op{Kind: OpConst, Attrs: canon.Object{"value": v}}
}

// ParamOp builds an op that reads parameter i.
func ParamOp(i int64) Op {
	return Op{Kind: OpParam, Attrs: canon.Object{"index": canon.Int(i)}}
}

// Arith builds an arithmetic op such as "add" or "mul".
func Arith(operator string) Op {
	return Op{Kind: OpArith, Operator: operator}
}

// Compare builds a comparison op such as "lt" or "eq".
func Compare(operator string) Op {
	return Op{Kind: OpCompare, Operator: operator}
}

// Call builds a call to fn.
func Call(fn ids.FunctionID) Op {
	return Op{Kind: OpCall, Callee: fn}
}

// MakeClosure builds an op that creates a closure over fn.
func MakeClosure(fn ids.FunctionID) Op {
	return Op{Kind: OpClosure, Callee: fn}
}

// Return builds a return op.
func Return() Op {
	return Op{Kind: OpReturn}
}

// Contract builds a contract annotation of the given kind.
func Contract(kind OpKind, expr string) Op {
	return Op{Kind: kind, Attrs: canon.Object{"expr": canon.String(expr)}}
}
