package vm

import (
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Arithmetic: elementwise maps, folds and scans over the vec kernels
// ---------------------------------------------------------------------------

func opArith(t *Thread, pc int, in Instruction) int {
	op, _ := in.Op.Arith()
	binary := op.Group() == vec.GroupBinary
	a := t.raw(in.A)
	var b Value
	if binary {
		b = t.raw(in.B)
	}
	if v, ok := t.fuseArith(op, a, b); ok {
		t.setReg(in.C, v)
		return pc + 1
	}
	a = t.bind(a)
	if binary {
		b = t.bind(b)
	}
	t.setReg(in.C, t.arith(op, a, b))
	return pc + 1
}

// operandVector returns v as a vector for arithmetic. NULL is an empty
// logical vector.
func operandVector(v Value) (Vector, bool) {
	switch x := v.(type) {
	case Null:
		return NewLogical(0), true
	case Vector:
		return x, x.Type() != vec.List
	}
	return nil, false
}

func badOperands(op vec.Op, a, b Value) *RError {
	switch op.Group() {
	case vec.GroupBinary:
		if op.IsComparison() {
			return errorf("comparison (%s) is possible only for atomic types", op)
		}
		if op == vec.OpAnd || op == vec.OpOr {
			return errorf("operations are possible only for numeric, logical or complex types")
		}
		return errorf(msgNonNumeric)
	case vec.GroupUnary:
		return errorf(msgNonNumericUnary)
	}
	return errorf("invalid 'type' (%s) of argument", TypeOf(a))
}

// resultLength returns the length op produces for operands of lengths m and
// n.
func resultLength(op vec.Op, m, n int) int {
	switch op.Group() {
	case vec.GroupBinary:
		return vec.RecycledLength(m, n)
	case vec.GroupFold:
		return 1
	}
	return m
}

// arith applies op to concrete operands, recycling binary operands and
// warning on integer overflow.
func (t *Thread) arith(op vec.Op, a, b Value) Value {
	av, ok := operandVector(a)
	if !ok {
		panic(badOperands(op, a, b))
	}
	binary := op.Group() == vec.GroupBinary
	bt, bn := av.Type(), 0
	var bv Vector
	if binary {
		if bv, ok = operandVector(b); !ok {
			panic(badOperands(op, a, b))
		}
		bt, bn = bv.Type(), bv.Len()
	}
	operand, result, ok := vec.Signature(op, av.Type(), bt)
	if !ok {
		panic(badOperands(op, a, b))
	}
	n := resultLength(op, av.Len(), bn)
	dst := vec.Make(result, n)
	var bp any
	if binary {
		bp = Coerce(bv, operand).Payload()
	}
	if vec.Apply(op, operand, dst, Coerce(av, operand).Payload(), bp) {
		t.warn(msgOverflow)
	}
	out := VectorFrom(result, dst)
	var attrs *Attributes
	switch {
	case op.Group() == vec.GroupFold:
	case av.Len() == n:
		attrs = av.Attributes()
	case binary && bv.Len() == n:
		attrs = bv.Attributes()
	}
	if attrs != nil {
		out = out.WithAttributes(attrs)
	}
	return out
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// opIfElse selects elementwise from yes (b) and no (a) by the condition in
// c, which also receives the result.
func opIfElse(t *Thread, pc int, in Instruction) int {
	cond, ok := t.in(in.C).(Vector)
	if !ok {
		panic(errorf("argument is not interpretable as logical"))
	}
	test := Coerce(cond, vec.Logical).(*Logical)
	yes, ok1 := t.in(in.B).(Vector)
	no, ok2 := t.in(in.A).(Vector)
	if !ok1 || !ok2 {
		panic(errorf("ifelse needs vector arguments"))
	}
	typ := vec.Max(yes.Type(), no.Type())
	yes, no = Coerce(yes, typ), Coerce(no, typ)
	out := MakeVector(typ, test.Len())
	for i, c := range test.Elems() {
		var src Vector
		switch c {
		case vec.NALogical:
			setNA(out, i)
			continue
		case vec.False:
			src = no
		default:
			src = yes
		}
		if src.Len() == 0 {
			setNA(out, i)
			continue
		}
		copyElement(out, i, src, i%src.Len())
	}
	t.setReg(in.C, out)
	return pc + 1
}

func setNA(v Vector, i int) {
	switch x := v.(type) {
	case *Logical:
		x.elems[i] = vec.NALogical
	case *Integer:
		x.elems[i] = vec.NAInteger
	case *Double:
		x.elems[i] = vec.NADouble
	case *Character:
		x.elems[i] = vec.NAString
	case *List:
		x.elems[i] = Nil
	}
}

// copyElement copies src[j] into dst[i]; both have the same type.
func copyElement(dst Vector, i int, src Vector, j int) {
	switch x := dst.(type) {
	case *Logical:
		x.elems[i] = src.(*Logical).elems[j]
	case *Integer:
		x.elems[i] = src.(*Integer).elems[j]
	case *Double:
		x.elems[i] = src.(*Double).elems[j]
	case *Character:
		x.elems[i] = src.(*Character).elems[j]
	case *Raw:
		x.elems[i] = src.(*Raw).elems[j]
	case *List:
		x.elems[i] = src.(*List).elems[j]
	}
}

func opVector(t *Thread, pc int, in Instruction) int {
	name, ok := asName(t.in(in.A))
	if !ok {
		panic(errorf("vector: cannot make a vector of mode '%s'", Deparse(t.in(in.A))))
	}
	typ, ok := vec.ParseType(name)
	if !ok || !(typ.IsAtomic() || typ == vec.List) {
		panic(errorf("vector: cannot make a vector of mode '%s'", name))
	}
	n := asIndex(t.in(in.B))
	if n < 0 {
		panic(errorf("vector: cannot make a vector of negative length"))
	}
	t.setReg(in.C, MakeVector(typ, int(n)))
	return pc + 1
}

// seqArgs reads the scalar start and step of seq.
func seqArgs(from, by Value) (vec.Type, Vector, Vector) {
	f, ok1 := from.(Vector)
	b, ok2 := by.(Vector)
	if !ok1 || !ok2 || f.Len() != 1 || b.Len() != 1 || !f.Type().IsNumeric() || !b.Type().IsNumeric() {
		panic(errorf("'from' and 'by' must be numeric scalars"))
	}
	typ := vec.Integer
	if f.Type() == vec.Double || b.Type() == vec.Double {
		typ = vec.Double
	}
	return typ, Coerce(f, typ), Coerce(b, typ)
}

// opSeq makes a length-a sequence starting at c with step b, into c.
func opSeq(t *Thread, pc int, in Instruction) int {
	n := asIndex(t.in(in.A))
	if n < 0 {
		panic(errorf("'length.out' must be a non-negative number"))
	}
	typ, from, by := seqArgs(t.in(in.C), t.in(in.B))
	if f, ok := t.fuseSeq(typ, from, by, int(n)); ok {
		t.setReg(in.C, f)
		return pc + 1
	}
	t.setReg(in.C, makeSeq(typ, from, by, int(n)))
	return pc + 1
}

func makeSeq(typ vec.Type, from, by Vector, n int) Vector {
	if typ == vec.Double {
		out := NewDouble(n)
		vec.Seq(out.elems, from.(*Double).At(0), by.(*Double).At(0))
		return out
	}
	out := NewInteger(n)
	vec.Seq(out.elems, from.(*Integer).At(0), by.(*Integer).At(0))
	return out
}

// opRep makes a length-a vector of indices 1..n with each index repeated b
// times, cycling; n is read from c, which receives the result.
func opRep(t *Thread, pc int, in Instruction) int {
	length := asIndex(t.in(in.A))
	each := asIndex(t.in(in.B))
	n := asIndex(t.in(in.C))
	if length < 0 || each < 1 || n < 1 {
		panic(errorf("invalid arguments to rep"))
	}
	out := NewInteger(int(length))
	vec.RepIndex(out.elems, n, each)
	t.setReg(in.C, out)
	return pc + 1
}
