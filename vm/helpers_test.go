package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRuntime returns a runtime with the given config changes, its printed
// output and a thread.
func testRuntime(t *testing.T, configure ...func(*Config)) (*Runtime, *bytes.Buffer, *Thread) {
	t.Helper()
	cfg := DefaultConfig()
	for _, c := range configure {
		c(&cfg)
	}
	rt := NewRuntime(cfg)
	var out bytes.Buffer
	rt.Output = &out
	th := rt.NewThread()
	t.Cleanup(th.Close)
	return rt, &out, th
}

func noJIT(c *Config) { c.JITEnabled = false }

// define binds a closure over p in the global environment under p's name.
func define(rt *Runtime, p *Prototype) {
	rt.Define(p.Name, &Closure{Proto: p, Env: rt.Global})
}

// call evaluates name(args...) at top level, passing the arguments as
// values.
func call(th *Thread, name string, args ...Value) (Value, error) {
	as := make([]Argument, len(args))
	b := NewProtoBuilder("<top>")
	for i, a := range args {
		as[i] = Argument{Kind: ArgValue, Operand: b.Const(a)}
	}
	return callWith(th, b, name, as...)
}

// callWith finishes b with a call of the global function name.
func callWith(th *Thread, b *ProtoBuilder, name string, args ...Argument) (Value, error) {
	fn, out := b.Reg(), b.Reg()
	b.Emit(OpLoadFn, b.Name(name), 0, fn)
	b.Emit(OpCall, fn, b.CallSite(name+"()", args...), out)
	b.Emit(OpRetS, out, 0, 0)
	return th.EvalGlobal(b.Build())
}

func mustCall(t *testing.T, th *Thread, name string, args ...Value) Value {
	t.Helper()
	v, err := call(th, name, args...)
	require.NoError(t, err)
	return v
}

// promiseProto returns a promise expression that yields v.
func promiseProto(v Value) *Prototype {
	b := NewProtoBuilder("<arg>")
	b.Emit(OpRetP, b.Const(v), 0, 0)
	return b.Build()
}

// sumLoopFn builds
//
//	name <- function(x) { s <- init; for (v in x) s <- s + v; s }
func sumLoopFn(name string, init Value) *Prototype {
	b := NewProtoBuilder(name).Param("x", nil)
	seq := b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, seq)
	b.Emit(OpStore, b.Name("s"), 0, b.Const(init))
	b.ForLoop("v", seq, func() {
		s, v, sum := b.Reg(), b.Reg(), b.Reg()
		b.Emit(OpLoad, b.Name("s"), 0, s)
		b.Emit(OpLoad, b.Name("v"), 0, v)
		b.Emit(OpAdd, s, v, sum)
		b.Emit(OpStore, b.Name("s"), 0, sum)
	})
	out := b.Reg()
	b.Emit(OpLoad, b.Name("s"), 0, out)
	b.Emit(OpRet, out, 0, 0)
	return b.Build()
}

// sumSquaresFn builds
//
//	name <- function(x) { s <- 0; for (v in x) s <- s + v * v; s }
func sumSquaresFn(name string) *Prototype {
	b := NewProtoBuilder(name).Param("x", nil)
	seq := b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, seq)
	b.Emit(OpStore, b.Name("s"), 0, b.Const(ScalarDouble(0)))
	b.ForLoop("v", seq, func() {
		s, v, sq, sum := b.Reg(), b.Reg(), b.Reg(), b.Reg()
		b.Emit(OpLoad, b.Name("s"), 0, s)
		b.Emit(OpLoad, b.Name("v"), 0, v)
		b.Emit(OpMul, v, v, sq)
		b.Emit(OpAdd, s, sq, sum)
		b.Emit(OpStore, b.Name("s"), 0, sum)
	})
	out := b.Reg()
	b.Emit(OpLoad, b.Name("s"), 0, out)
	b.Emit(OpRet, out, 0, 0)
	return b.Build()
}
