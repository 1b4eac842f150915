package vm

import (
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Object access: moves, type queries, subscripts, attributes
// ---------------------------------------------------------------------------

func opMov(t *Thread, pc int, in Instruction) int {
	t.setReg(in.C, t.raw(in.A))
	return pc + 1
}

func opType(t *Thread, pc int, in Instruction) int {
	t.setReg(in.C, ScalarString(TypeOf(t.raw(in.A))))
	return pc + 1
}

func opLength(t *Thread, pc int, in Instruction) int {
	v := t.raw(in.A)
	n := Length(v)
	if e, ok := v.(EnvRef); ok {
		n = len(t.heap.Names(e))
	}
	t.setReg(in.C, IntegerOf(int64(n)))
	return pc + 1
}

// asIndex reads a scalar numeric subscript.
func asIndex(v Value) int64 {
	switch x := v.(type) {
	case *Integer:
		if x.Len() == 1 && x.At(0) != vec.NAInteger {
			return x.At(0)
		}
	case *Double:
		if x.Len() == 1 && !vec.IsNAOrNaN(x.At(0)) {
			return int64(x.At(0))
		}
	case *Logical:
		if x.Len() == 1 && x.At(0) != vec.NALogical {
			return int64(x.At(0))
		}
	}
	panic(errorf("invalid subscript type '%s'", TypeOf(v)))
}

// asName reads a scalar character subscript.
func asName(v Value) (string, bool) {
	c, ok := v.(*Character)
	if !ok || c.Len() != 1 {
		return "", false
	}
	return c.At(0), true
}

// closureMember reads the documented members of a closure.
func (t *Thread) closureMember(cl *Closure, member string) Value {
	switch member {
	case "body":
		return ScalarString(cl.Proto.Expression)
	case "formals":
		return CharacterOf(cl.Proto.Formals()...)
	case "environment":
		return cl.Env
	}
	return Nil
}

func opGet(t *Thread, pc int, in Instruction) int {
	obj, idx := t.in(in.A), t.in(in.B)
	switch x := obj.(type) {
	case EnvRef:
		name, ok := asName(idx)
		if !ok {
			panic(errorf("wrong args for environment subassignment"))
		}
		v, bound := t.heap.Get(x, name)
		if !bound {
			t.setReg(in.C, Nil)
			return pc + 1
		}
		if p, ok := v.(*Promise); ok {
			if !p.Forced() {
				return t.force(p, pc)
			}
			v = p.value
			t.heap.Assign(x, name, v)
		}
		t.setReg(in.C, v)
	case *Closure:
		name, ok := asName(idx)
		if !ok {
			panic(errorf("object of type 'closure' is not subsettable"))
		}
		t.setReg(in.C, t.closureMember(x, name))
	case Vector:
		t.setReg(in.C, getElement(x, idx))
	case Null:
		t.setReg(in.C, Nil)
	default:
		panic(errorf("object of type '%s' is not subsettable", TypeOf(obj)))
	}
	return pc + 1
}

// getElement implements [[ on vectors.
func getElement(x Vector, idx Value) Value {
	if name, ok := asName(idx); ok {
		names, _ := Names(x)
		for i, n := range names {
			if n == name {
				return Element(x, i)
			}
		}
		if x.Type() == vec.List {
			return Nil
		}
		panic(errorf(msgOutOfBounds))
	}
	i := asIndex(idx)
	if i < 1 || i > int64(x.Len()) {
		panic(errorf(msgOutOfBounds))
	}
	return Element(x, int(i-1))
}

func opSet(t *Thread, pc int, in Instruction) int {
	val, idx, target := t.in(in.A), t.in(in.B), t.in(in.C)
	switch x := target.(type) {
	case EnvRef:
		name, ok := asName(idx)
		if !ok {
			panic(errorf("wrong args for environment subassignment"))
		}
		t.heap.Assign(x, name, val)
	case *Closure:
		panic(errorf(msgClosureAssign))
	case Vector:
		t.setReg(in.C, setElement(x, idx, val))
	case Null:
		t.setReg(in.C, setElement(nil, idx, val))
	default:
		panic(errorf("object of type '%s' is not subsettable", TypeOf(target)))
	}
	return pc + 1
}

// setElement implements [[<- on vectors, returning a new vector. A nil
// target stands for NULL.
func setElement(x Vector, idx, val Value) Vector {
	if x == nil {
		if vv, ok := val.(Vector); ok && vv.Type() != vec.List && vv.Len() == 1 {
			x = MakeVector(vv.Type(), 0)
		} else {
			x = NewList(0)
		}
	}
	pos := -1
	var newName string
	names, hasNames := Names(x)
	if name, ok := asName(idx); ok {
		for i, n := range names {
			if n == name {
				pos = i
				break
			}
		}
		if pos < 0 {
			pos, newName = x.Len(), name
		}
	} else {
		i := asIndex(idx)
		if i < 1 {
			panic(errorf(msgOutOfBounds))
		}
		pos = int(i - 1)
	}

	if x.Type() != vec.List {
		vv, ok := val.(Vector)
		if !ok || vv.Len() != 1 || vv.Type() == vec.List {
			x = Coerce(x, vec.List)
		} else if vv.Type() > x.Type() {
			x = Coerce(x, vv.Type())
		}
	}
	n := x.Len()
	if pos+1 > n {
		n = pos + 1
	}
	out := resized(x, n)
	if l, ok := out.(*List); ok {
		l.elems[pos] = val
	} else {
		vv := Coerce(val.(Vector), out.Type())
		vec.Cast(out.Type(), out.Type(), sliceAt(out.Payload(), out.Type(), pos), vv.Payload())
	}
	attrs := x.Attributes()
	if newName != "" || (hasNames && n > len(names)) {
		nn := make([]string, n)
		copy(nn, names)
		if newName != "" {
			nn[pos] = newName
		}
		attrs = attrs.With("names", CharacterOf(nn...))
	}
	return out.WithAttributes(attrs)
}

// resized copies x into a new vector of length n, padding with NA (NULL
// for lists).
func resized(x Vector, n int) Vector {
	out := MakeVector(x.Type(), n)
	switch o := out.(type) {
	case *List:
		copy(o.elems, x.(*List).elems)
	case *Logical:
		copy(o.elems, x.(*Logical).elems)
		for i := x.Len(); i < n; i++ {
			o.elems[i] = vec.NALogical
		}
	case *Integer:
		copy(o.elems, x.(*Integer).elems)
		for i := x.Len(); i < n; i++ {
			o.elems[i] = vec.NAInteger
		}
	case *Double:
		copy(o.elems, x.(*Double).elems)
		for i := x.Len(); i < n; i++ {
			o.elems[i] = vec.NADouble
		}
	case *Character:
		copy(o.elems, x.(*Character).elems)
		for i := x.Len(); i < n; i++ {
			o.elems[i] = vec.NAString
		}
	case *Raw:
		copy(o.elems, x.(*Raw).elems)
	}
	return out
}

// indexVector turns a [ subscript into 1-based positions. Positions past
// the end are kept; NA positions are NAInteger.
func indexVector(x Vector, idx Value) []int64 {
	n := x.Len()
	switch s := idx.(type) {
	case Null:
		return []int64{}
	case *Character:
		names, _ := Names(x)
		out := make([]int64, s.Len())
		for i, want := range s.Elems() {
			out[i] = vec.NAInteger
			for j, have := range names {
				if have == want {
					out[i] = int64(j + 1)
					break
				}
			}
		}
		return out
	case *Logical:
		var out []int64
		m := vec.RecycledLength(n, s.Len())
		if n == 0 {
			m = 0
		}
		for i := 0; i < m; i++ {
			switch s.At(i % s.Len()) {
			case vec.True:
				out = append(out, int64(i+1))
			case vec.NALogical:
				out = append(out, vec.NAInteger)
			}
		}
		if out == nil {
			out = []int64{}
		}
		return out
	case *Integer, *Double:
		ints := Coerce(s.(Vector), vec.Integer).(*Integer).Elems()
		negative := false
		for _, k := range ints {
			if k < 0 && k != vec.NAInteger {
				negative = true
			}
		}
		if !negative {
			out := make([]int64, 0, len(ints))
			for _, k := range ints {
				if k != 0 {
					out = append(out, k)
				}
			}
			return out
		}
		drop := make([]bool, n)
		for _, k := range ints {
			if k > 0 || k == vec.NAInteger {
				panic(errorf("can't mix positive and negative subscripts"))
			}
			if -k <= int64(n) && k != 0 {
				drop[-k-1] = true
			}
		}
		out := []int64{}
		for i, d := range drop {
			if !d {
				out = append(out, int64(i+1))
			}
		}
		return out
	}
	panic(errorf("invalid subscript type '%s'", TypeOf(idx)))
}

// gather selects positions from x, giving NA past the end.
func gather(x Vector, pos []int64) Vector {
	switch v := x.(type) {
	case *List:
		out := NewList(len(pos))
		for i, k := range pos {
			if k != vec.NAInteger && k >= 1 && k <= int64(v.Len()) {
				out.elems[i] = v.elems[k-1]
			}
		}
		return out
	case *Logical:
		out := NewLogical(len(pos))
		vec.Gather(out.elems, v.elems, pos, vec.NALogical)
		return out
	case *Integer:
		out := NewInteger(len(pos))
		vec.Gather(out.elems, v.elems, pos, vec.NAInteger)
		return out
	case *Double:
		out := NewDouble(len(pos))
		vec.Gather(out.elems, v.elems, pos, vec.NADouble)
		return out
	case *Character:
		out := NewCharacter(len(pos))
		vec.Gather(out.elems, v.elems, pos, vec.NAString)
		return out
	case *Raw:
		out := NewRaw(len(pos))
		vec.Gather(out.elems, v.elems, pos, 0)
		return out
	}
	panic(errorf("object of type '%s' is not subsettable", TypeOf(x)))
}

func opGetSub(t *Thread, pc int, in Instruction) int {
	obj, idx := t.in(in.A), t.in(in.B)
	switch x := obj.(type) {
	case Null:
		t.setReg(in.C, Nil)
	case Vector:
		pos := indexVector(x, idx)
		out := gather(x, pos)
		if names, ok := Names(x); ok {
			nn := gather(CharacterOf(names...), pos).(*Character)
			out = out.WithAttributes((*Attributes)(nil).With("names", nn))
		}
		t.setReg(in.C, out)
	case *Closure:
		panic(errorf("object of type 'closure' is not subsettable"))
	default:
		panic(errorf("object of type '%s' is not subsettable", TypeOf(obj)))
	}
	return pc + 1
}

func opSetSub(t *Thread, pc int, in Instruction) int {
	val, idx, target := t.in(in.A), t.in(in.B), t.in(in.C)
	x, ok := target.(Vector)
	if !ok {
		if _, isNull := target.(Null); !isNull {
			panic(errorf("object of type '%s' is not subsettable", TypeOf(target)))
		}
		x = NewLogical(0)
	}
	vv, ok := val.(Vector)
	if !ok {
		panic(errorf("replacement has length zero"))
	}
	pos := indexVector(x, idx)
	if len(pos) == 0 {
		t.setReg(in.C, x)
		return pc + 1
	}
	if vv.Len() == 0 {
		panic(errorf("replacement has length zero"))
	}
	n := x.Len()
	for _, k := range pos {
		if k == vec.NAInteger {
			panic(errorf("NAs are not allowed in subscripted assignments"))
		}
		if int(k) > n {
			n = int(k)
		}
	}
	typ := x.Type()
	if vv.Type() > typ {
		typ = vv.Type()
	}
	out := resized(Coerce(x, typ), n)
	src := Coerce(vv, typ)
	switch o := out.(type) {
	case *List:
		vec.Scatter(o.elems, pos, src.(*List).elems)
	case *Logical:
		vec.Scatter(o.elems, pos, src.(*Logical).elems)
	case *Integer:
		vec.Scatter(o.elems, pos, src.(*Integer).elems)
	case *Double:
		vec.Scatter(o.elems, pos, src.(*Double).elems)
	case *Character:
		vec.Scatter(o.elems, pos, src.(*Character).elems)
	case *Raw:
		vec.Scatter(o.elems, pos, src.(*Raw).elems)
	}
	t.setReg(in.C, out.WithAttributes(x.Attributes()))
	return pc + 1
}

func opGetAttr(t *Thread, pc int, in Instruction) int {
	name, ok := asName(t.in(in.B))
	if !ok {
		panic(errorf("'name' must be non-null character string"))
	}
	v := Value(Nil)
	if x, ok := t.in(in.A).(Vector); ok {
		if a, found := x.Attributes().Get(name); found {
			v = a
		}
	}
	t.setReg(in.C, v)
	return pc + 1
}

func opSetAttr(t *Thread, pc int, in Instruction) int {
	val := t.in(in.A)
	name, ok := asName(t.in(in.B))
	if !ok {
		panic(errorf("'name' must be non-null character string"))
	}
	x, ok := t.in(in.C).(Vector)
	if !ok {
		panic(errorf("attempt to set an attribute on %s", TypeOf(t.in(in.C))))
	}
	if name == "names" {
		if vv, ok := val.(Vector); ok {
			if vv.Len() != x.Len() {
				panic(errorf("'names' attribute [%d] must be the same length as the vector [%d]", vv.Len(), x.Len()))
			}
			val = StripAttributes(Coerce(vv, vec.Character))
		}
	}
	t.setReg(in.C, x.WithAttributes(x.Attributes().With(name, val)))
	return pc + 1
}

func opAttributes(t *Thread, pc int, in Instruction) int {
	v := Value(Nil)
	if x, ok := t.in(in.A).(Vector); ok {
		v = x.Attributes().AsList()
	}
	t.setReg(in.C, v)
	return pc + 1
}

func opStrip(t *Thread, pc int, in Instruction) int {
	t.setReg(in.C, StripAttributes(t.in(in.A)))
	return pc + 1
}

func opAs(t *Thread, pc int, in Instruction) int {
	name := t.name(in.B)
	typ, ok := vec.ParseType(name)
	if !ok || !(typ.IsAtomic() || typ == vec.List) {
		panic(errorf("cannot coerce to '%s'", name))
	}
	switch x := t.in(in.A).(type) {
	case Vector:
		t.setReg(in.C, StripAttributes(Coerce(x, typ)))
	case Null:
		t.setReg(in.C, MakeVector(typ, 0))
	default:
		panic(errorf("cannot coerce type '%s' to vector of type '%s'", TypeOf(x), name))
	}
	return pc + 1
}

// ---------------------------------------------------------------------------
// Environments and functions
// ---------------------------------------------------------------------------

func opGetEnv(t *Thread, pc int, in Instruction) int {
	switch x := t.in(in.A).(type) {
	case Null:
		t.setReg(in.C, t.cur.env)
	case EnvRef:
		p := t.heap.Parent(x)
		if p.IsNil() {
			panic(errorf("environment does not have a parent"))
		}
		t.setReg(in.C, p)
	case *Closure:
		t.setReg(in.C, x.Env)
	default:
		t.setReg(in.C, Nil)
	}
	return pc + 1
}

func opSetEnv(t *Thread, pc int, in Instruction) int {
	env, ok := t.in(in.B).(EnvRef)
	if !ok {
		panic(errorf("replacement object is not an environment"))
	}
	switch x := t.in(in.A).(type) {
	case EnvRef:
		if err := t.heap.SetParent(x, env); err != nil {
			panic(err)
		}
		t.setReg(in.C, x)
	case *Closure:
		t.setReg(in.C, &Closure{Proto: x.Proto, Env: env})
	default:
		panic(errorf("cannot set the environment of %s", TypeOf(x)))
	}
	return pc + 1
}

func opEnvNew(t *Thread, pc int, in Instruction) int {
	parent := t.cur.env
	switch x := t.in(in.A).(type) {
	case EnvRef:
		parent = x
	case Null:
	default:
		panic(errorf("'enclos' must be an environment"))
	}
	t.setReg(in.C, t.heap.NewEnv(parent, t.cur.env))
	return pc + 1
}

func envAndName(t *Thread, in Instruction) (EnvRef, string) {
	env, ok := t.in(in.A).(EnvRef)
	if !ok {
		panic(errorf("invalid 'envir' argument"))
	}
	name, ok := asName(t.in(in.B))
	if !ok {
		panic(errorf("invalid first argument"))
	}
	return env, name
}

func opEnvExists(t *Thread, pc int, in Instruction) int {
	env, name := envAndName(t, in)
	_, ok := t.heap.Get(env, name)
	t.setReg(in.C, ScalarLogical(ok))
	return pc + 1
}

func opEnvRemove(t *Thread, pc int, in Instruction) int {
	env, name := envAndName(t, in)
	t.setReg(in.C, ScalarLogical(t.heap.Remove(env, name)))
	return pc + 1
}

func opEnvGlobal(t *Thread, pc int, in Instruction) int {
	t.setReg(in.C, t.rt.Global)
	return pc + 1
}

func opFnNew(t *Thread, pc int, in Instruction) int {
	tmpl, ok := t.raw(in.A).(*Closure)
	if !ok {
		panic(errorf("fn_new needs a function constant"))
	}
	t.setReg(in.C, &Closure{Proto: tmpl.Proto, Env: t.cur.env})
	return pc + 1
}
