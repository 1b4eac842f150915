package trace

import (
	"github.com/chazu/quill/vm/vec"
)

// Payload returns the element slice of c in the vec.Apply conventions.
func (c Const) Payload() any {
	switch c.Type {
	case vec.Logical:
		return c.L
	case vec.Integer:
		return c.I
	case vec.Double:
		return c.D
	case vec.Character:
		return c.S
	}
	return nil
}

// ConstFrom wraps an element slice as a constant.
func ConstFrom(t vec.Type, elems any) Const {
	c := Const{Type: t}
	switch t {
	case vec.Logical:
		c.L = elems.([]int8)
	case vec.Integer:
		c.I = elems.([]int64)
	case vec.Double:
		c.D = elems.([]float64)
	case vec.Character:
		c.S = elems.([]string)
	}
	return c
}

// scalarValue returns the numeric value of a scalar constant.
func (c Const) scalarValue() (float64, bool) {
	switch {
	case c.Type == vec.Integer && len(c.I) == 1 && c.I[0] != vec.NAInteger:
		return float64(c.I[0]), true
	case c.Type == vec.Double && len(c.D) == 1 && !vec.IsNAOrNaN(c.D[0]):
		return c.D[0], true
	}
	return 0, false
}

// normalize puts commutative operands in a canonical order: constants
// second, otherwise the lower ref first.
func (o *optimizer) normalize(n Node) Node {
	v, ok := n.Op.Vec()
	if !ok || v.Group() != vec.GroupBinary || !v.Info().Commutative {
		return n
	}
	ca, cb := o.g.isConst(n.A), o.g.isConst(n.B)
	if (ca && !cb) || (ca == cb && n.A > n.B) {
		n.A, n.B = n.B, n.A
	}
	return n
}

// fold evaluates arithmetic and casts over constant operands with the same
// kernels the interpreter uses. Results that overflow are left to run time so
// that the warning is raised where the interpreter would raise it.
func (o *optimizer) fold(n Node) (Ref, bool) {
	if !n.Out.Constant || n.Out.TraceLength > foldLimit {
		return NoRef, false
	}
	if n.Op == OpCast {
		if !o.g.isConst(n.A) {
			return NoRef, false
		}
		a := o.g.constOf(n.A)
		dst := vec.Make(n.Type, n.Out.TraceLength)
		vec.Cast(a.Type, n.Type, dst, a.Payload())
		return o.g.constant(ConstFrom(n.Type, dst)), true
	}
	v, ok := n.Op.Vec()
	if !ok {
		return NoRef, false
	}
	binary := v.Group() == vec.GroupBinary
	if !o.g.isConst(n.A) || (binary && !o.g.isConst(n.B)) {
		return NoRef, false
	}
	a := o.g.constOf(n.A)
	var b any
	if binary {
		b = o.g.constOf(n.B).Payload()
	}
	dst := vec.Make(n.Type, n.Out.TraceLength)
	if vec.Apply(v, a.Type, dst, a.Payload(), b) {
		return NoRef, false
	}
	return o.g.constant(ConstFrom(n.Type, dst)), true
}

// foldLimit bounds the size of constants produced by folding.
const foldLimit = 64

// reduce rewrites a node into a cheaper equivalent with identical results,
// NA behaviour included.
func (o *optimizer) reduce(n Node, rec int) (Ref, bool) {
	if n.Op == OpCast && o.g.nodes[n.A].Type == n.Type && o.g.nodes[n.A].Out.Equal(n.Out) {
		return n.A, true
	}
	v, ok := n.Op.Vec()
	if !ok {
		return NoRef, false
	}
	a := o.g.nodes[n.A]
	sameAsA := a.Type == n.Type && a.Out.Equal(n.Out)

	switch v {
	case vec.OpNeg, vec.OpNot:
		if a.Op == n.Op && sameAsA && o.g.nodes[a.A].Type == n.Type && o.g.nodes[a.A].Out.Equal(n.Out) {
			return a.A, true
		}
		return NoRef, false
	}
	if v.Group() != vec.GroupBinary || !o.g.isConst(n.B) {
		return NoRef, false
	}
	k, ok := o.g.constOf(n.B).scalarValue()
	if !ok {
		return NoRef, false
	}
	switch {
	case (v == vec.OpAdd || v == vec.OpSub) && k == 0 && n.Type == vec.Integer && sameAsA:
		return n.A, true
	case v == vec.OpMul && k == 1 && n.Type == vec.Integer && sameAsA:
		return n.A, true
	case v == vec.OpMul && k == 2 && sameAsA:
		m := n
		m.Op, m.B = Arith(vec.OpAdd), n.A
		return o.insert(m, rec), true
	case v == vec.OpPow && k == 2 && n.Type == vec.Double && sameAsA:
		m := n
		m.Op, m.B = Arith(vec.OpMul), n.A
		return o.insert(m, rec), true
	case v == vec.OpPow && k == 1 && n.Type == vec.Double && sameAsA:
		return n.A, true
	}
	return NoRef, false
}
