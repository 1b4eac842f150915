package vm

import (
	"github.com/chazu/quill/vm/trace"
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Value: the closed sum of everything a register or binding can hold
// ---------------------------------------------------------------------------

// Value is a language value. The set of implementations is closed; consumers
// switch over the concrete types.
type Value interface {
	Type() vec.Type
	isValue()
}

// Null is the NULL value.
type Null struct{}

// Nil is the only Null.
var Nil Value = Null{}

func (Null) Type() vec.Type { return vec.Null }
func (Null) isValue()       {}

// ---------------------------------------------------------------------------
// Vectors
// ---------------------------------------------------------------------------

// vector is the storage shared by all vector types. Length-one vectors keep
// their element inline; longer ones own a fixed-length slice. A vector is
// never mutated once it has been handed to the interpreter, so values may be
// shared freely between registers and bindings.
type vector[T any] struct {
	one   [1]T
	elems []T
	attrs *Attributes
}

func (v *vector[T]) init(n int) {
	if n == 1 {
		v.elems = v.one[:]
		return
	}
	v.elems = make([]T, n)
}

// adopt takes ownership of elems.
func (v *vector[T]) adopt(elems []T) {
	if len(elems) == 1 {
		v.one[0] = elems[0]
		v.elems = v.one[:]
		return
	}
	v.elems = elems
}

func (v *vector[T]) copyFrom(w *vector[T], attrs *Attributes) {
	if len(w.elems) == 1 {
		v.one = w.one
		v.elems = v.one[:]
	} else {
		v.elems = w.elems
	}
	v.attrs = attrs
}

// Len returns the number of elements.
func (v *vector[T]) Len() int { return len(v.elems) }

// Elems returns the element slice. It must not be modified unless the
// caller has just created the vector.
func (v *vector[T]) Elems() []T { return v.elems }

// At returns element i.
func (v *vector[T]) At(i int) T { return v.elems[i] }

// Payload returns the element slice in the vec.Apply conventions.
func (v *vector[T]) Payload() any { return v.elems }

// Attributes returns the attribute set, which may be nil.
func (v *vector[T]) Attributes() *Attributes { return v.attrs }

func (v *vector[T]) isValue() {}

// Vector is implemented by every vector type, List included.
type Vector interface {
	Value
	Len() int
	Payload() any
	Attributes() *Attributes
	// WithAttributes returns a vector sharing the elements with a different
	// attribute set.
	WithAttributes(*Attributes) Vector
}

type (
	Logical   struct{ vector[int8] }
	Integer   struct{ vector[int64] }
	Double    struct{ vector[float64] }
	Character struct{ vector[string] }
	Raw       struct{ vector[byte] }
	List      struct{ vector[Value] }
)

func (*Logical) Type() vec.Type   { return vec.Logical }
func (*Integer) Type() vec.Type   { return vec.Integer }
func (*Double) Type() vec.Type    { return vec.Double }
func (*Character) Type() vec.Type { return vec.Character }
func (*Raw) Type() vec.Type       { return vec.Raw }
func (*List) Type() vec.Type      { return vec.List }

func (v *Logical) WithAttributes(a *Attributes) Vector {
	w := &Logical{}
	w.copyFrom(&v.vector, a)
	return w
}

func (v *Integer) WithAttributes(a *Attributes) Vector {
	w := &Integer{}
	w.copyFrom(&v.vector, a)
	return w
}

func (v *Double) WithAttributes(a *Attributes) Vector {
	w := &Double{}
	w.copyFrom(&v.vector, a)
	return w
}

func (v *Character) WithAttributes(a *Attributes) Vector {
	w := &Character{}
	w.copyFrom(&v.vector, a)
	return w
}

func (v *Raw) WithAttributes(a *Attributes) Vector {
	w := &Raw{}
	w.copyFrom(&v.vector, a)
	return w
}

func (v *List) WithAttributes(a *Attributes) Vector {
	w := &List{}
	w.copyFrom(&v.vector, a)
	return w
}

func NewLogical(n int) *Logical     { v := &Logical{}; v.init(n); return v }
func NewInteger(n int) *Integer     { v := &Integer{}; v.init(n); return v }
func NewDouble(n int) *Double       { v := &Double{}; v.init(n); return v }
func NewCharacter(n int) *Character { v := &Character{}; v.init(n); return v }
func NewRaw(n int) *Raw             { v := &Raw{}; v.init(n); return v }

// NewList returns a list of n NULLs.
func NewList(n int) *List {
	v := &List{}
	v.init(n)
	for i := range v.elems {
		v.elems[i] = Nil
	}
	return v
}

func LogicalOf(xs ...int8) *Logical       { v := &Logical{}; v.adopt(xs); return v }
func IntegerOf(xs ...int64) *Integer      { v := &Integer{}; v.adopt(xs); return v }
func DoubleOf(xs ...float64) *Double      { v := &Double{}; v.adopt(xs); return v }
func CharacterOf(xs ...string) *Character { v := &Character{}; v.adopt(xs); return v }
func RawOf(xs ...byte) *Raw               { v := &Raw{}; v.adopt(xs); return v }
func ListOf(xs ...Value) *List            { v := &List{}; v.adopt(xs); return v }

func ScalarLogical(b bool) *Logical    { return LogicalOf(vec.Bool(b)) }
func ScalarInteger(x int64) *Integer   { return IntegerOf(x) }
func ScalarDouble(x float64) *Double   { return DoubleOf(x) }
func ScalarString(s string) *Character { return CharacterOf(s) }

// MakeVector allocates a zero-filled vector of an atomic type or a list.
func MakeVector(t vec.Type, n int) Vector {
	switch t {
	case vec.List:
		return NewList(n)
	case vec.Logical:
		return NewLogical(n)
	case vec.Integer:
		return NewInteger(n)
	case vec.Double:
		return NewDouble(n)
	case vec.Character:
		return NewCharacter(n)
	case vec.Raw:
		return NewRaw(n)
	}
	panic(errorf("vector: cannot make a vector of type %s", t))
}

// VectorFrom wraps an element slice of atomic type t, taking ownership.
func VectorFrom(t vec.Type, payload any) Vector {
	switch t {
	case vec.Logical:
		return LogicalOf(payload.([]int8)...)
	case vec.Integer:
		return IntegerOf(payload.([]int64)...)
	case vec.Double:
		return DoubleOf(payload.([]float64)...)
	case vec.Character:
		return CharacterOf(payload.([]string)...)
	case vec.Raw:
		return RawOf(payload.([]byte)...)
	}
	panic(errorf("vector: no payload of type %s", t))
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

// Attributes is an ordered, immutable set of named attributes. Updates
// return a new set; the nil set is empty.
type Attributes struct {
	names  []string
	values []Value
}

// Get returns the attribute called name.
func (a *Attributes) Get(name string) (Value, bool) {
	if a == nil {
		return nil, false
	}
	for i, n := range a.names {
		if n == name {
			return a.values[i], true
		}
	}
	return nil, false
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.names)
}

// Each calls f for every attribute in insertion order.
func (a *Attributes) Each(f func(name string, v Value)) {
	if a == nil {
		return
	}
	for i, n := range a.names {
		f(n, a.values[i])
	}
}

// With returns a copy of a with name set to v. Setting NULL removes the
// attribute.
func (a *Attributes) With(name string, v Value) *Attributes {
	out := &Attributes{}
	found := false
	a.Each(func(n string, old Value) {
		if n == name {
			found = true
			if v.Type() == vec.Null {
				return
			}
			old = v
		}
		out.names = append(out.names, n)
		out.values = append(out.values, old)
	})
	if !found && v.Type() != vec.Null {
		out.names = append(out.names, name)
		out.values = append(out.values, v)
	}
	if len(out.names) == 0 {
		return nil
	}
	return out
}

// AsList returns the attributes as a named list.
func (a *Attributes) AsList() Value {
	if a.Len() == 0 {
		return Nil
	}
	l := ListOf(append([]Value(nil), a.values...)...)
	names := CharacterOf(append([]string(nil), a.names...)...)
	return l.WithAttributes((*Attributes)(nil).With("names", names))
}

// Names returns the names attribute of v as strings.
func Names(v Value) ([]string, bool) {
	vv, ok := v.(Vector)
	if !ok {
		return nil, false
	}
	n, ok := vv.Attributes().Get("names")
	if !ok {
		return nil, false
	}
	c, ok := n.(*Character)
	if !ok {
		return nil, false
	}
	return c.Elems(), true
}

// ---------------------------------------------------------------------------
// Closures, environments, promises, futures
// ---------------------------------------------------------------------------

// Closure is a function: a prototype and the environment it captured.
type Closure struct {
	Proto *Prototype
	Env   EnvRef
}

func (*Closure) Type() vec.Type { return vec.Closure }
func (*Closure) isValue()       {}

// EnvRef refers to an environment record in the heap. The generation
// detects use of a record after it has been collected. The zero EnvRef
// refers to no environment.
type EnvRef struct {
	index uint32
	gen   uint32
}

// NoEnv is the absent environment.
var NoEnv EnvRef

func (EnvRef) Type() vec.Type { return vec.Environment }
func (EnvRef) isValue()       {}

// IsNil reports whether e refers to no environment.
func (e EnvRef) IsNil() bool { return e.index == 0 }

// PromiseKind says what a promise evaluates to.
type PromiseKind uint8

const (
	// PromiseExpr evaluates Proto in Env.
	PromiseExpr PromiseKind = iota
	// PromiseDotDot forwards element Index of the variadic list of Env.
	PromiseDotDot
	// PromiseDefault evaluates a formal's default expression in the callee
	// environment.
	PromiseDefault
	// PromiseMissing stands for a formal that received no argument and has
	// no default.
	PromiseMissing
)

// Promise is a lazily evaluated argument. Its environment never changes
// after creation and it is evaluated at most once.
type Promise struct {
	Kind  PromiseKind
	Proto *Prototype
	Env   EnvRef
	Index int
	Name  string

	value   Value
	forcing bool
}

func (*Promise) Type() vec.Type { return vec.Promise }
func (*Promise) isValue()       {}

// Forced reports whether the promise holds its value.
func (p *Promise) Forced() bool { return p.value != nil }

// Value returns the cached value of a forced promise.
func (p *Promise) Value() Value { return p.value }

// Future stands for a vector being computed by a fusion batch. It is bound
// to a concrete vector when anything other than a move or store consumes it.
type Future struct {
	batch  *fusion
	ref    trace.Ref
	typ    vec.Type
	length int
	value  Vector
}

func (*Future) Type() vec.Type { return vec.Future }
func (*Future) isValue()       {}

// ElemType returns the element type the future will have.
func (f *Future) ElemType() vec.Type { return f.typ }

// Len returns the length the future will have.
func (f *Future) Len() int { return f.length }

// ---------------------------------------------------------------------------
// Generic queries
// ---------------------------------------------------------------------------

// TypeOf returns the type name of v.
func TypeOf(v Value) string {
	if f, ok := v.(*Future); ok {
		return f.typ.String()
	}
	return v.Type().String()
}

// Length returns the length of v: element count for vectors, 0 for NULL and
// 1 for everything else.
func Length(v Value) int {
	switch x := v.(type) {
	case Null:
		return 0
	case Vector:
		return x.Len()
	case *Future:
		return x.length
	}
	return 1
}

// StripAttributes returns v without attributes.
func StripAttributes(v Value) Value {
	if vv, ok := v.(Vector); ok && vv.Attributes() != nil {
		return vv.WithAttributes(nil)
	}
	return v
}

// Coerce converts an atomic vector to type t, keeping its attributes.
func Coerce(v Vector, t vec.Type) Vector {
	if v.Type() == t {
		return v
	}
	if v.Type() == vec.List || t == vec.List {
		return coerceList(v, t)
	}
	dst := vec.Make(t, v.Len())
	vec.Cast(v.Type(), t, dst, v.Payload())
	out := VectorFrom(t, dst)
	if v.Attributes() != nil {
		out = out.WithAttributes(v.Attributes())
	}
	return out
}

func coerceList(v Vector, t vec.Type) Vector {
	if t == vec.List {
		out := NewList(v.Len())
		for i := range out.elems {
			out.elems[i] = Element(v, i)
		}
		return out.WithAttributes(v.Attributes())
	}
	l := v.(*List)
	out := MakeVector(t, l.Len())
	dst := out.Payload()
	for i, e := range l.elems {
		ev, ok := e.(Vector)
		if !ok || ev.Type() == vec.List || ev.Len() != 1 {
			panic(errorf("(list) object cannot be coerced to type '%s'", t))
		}
		vec.Cast(ev.Type(), t, sliceAt(dst, t, i), ev.Payload())
	}
	return out
}

// sliceAt returns the one-element window at i of a payload.
func sliceAt(payload any, t vec.Type, i int) any {
	switch t {
	case vec.Logical:
		return payload.([]int8)[i : i+1]
	case vec.Integer:
		return payload.([]int64)[i : i+1]
	case vec.Double:
		return payload.([]float64)[i : i+1]
	case vec.Character:
		return payload.([]string)[i : i+1]
	case vec.Raw:
		return payload.([]byte)[i : i+1]
	}
	panic(errorf("vector: no payload of type %s", t))
}

// Element returns element i of a vector as a length-one value.
func Element(v Vector, i int) Value {
	switch x := v.(type) {
	case *List:
		return x.elems[i]
	case *Logical:
		return LogicalOf(x.elems[i])
	case *Integer:
		return IntegerOf(x.elems[i])
	case *Double:
		return DoubleOf(x.elems[i])
	case *Character:
		return CharacterOf(x.elems[i])
	case *Raw:
		return RawOf(x.elems[i])
	}
	panic(errorf("vector: unknown vector type %s", v.Type()))
}

// naOf returns a length-one NA of type t.
func naOf(t vec.Type) Value {
	switch t {
	case vec.Logical:
		return LogicalOf(vec.NALogical)
	case vec.Integer:
		return IntegerOf(vec.NAInteger)
	case vec.Double:
		return DoubleOf(vec.NADouble)
	case vec.Character:
		return CharacterOf(vec.NAString)
	case vec.Raw:
		return RawOf(0)
	}
	return Nil
}
