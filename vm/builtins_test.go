package vm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// internal evaluates the builtin name(args...) at top level.
func internal(th *Thread, name string, args ...Value) (Value, error) {
	b := NewProtoBuilder("<top>")
	first := b.Regs(max(len(args), 1))
	for i, a := range args {
		b.Emit(OpMov, b.Const(a), 0, first+int64(i))
	}
	b.Emit(OpInternal, b.Name(name), int64(len(args)), first)
	b.Emit(OpRetS, first, 0, 0)
	return th.EvalGlobal(b.Build())
}

func mustInternal(t *testing.T, th *Thread, name string, args ...Value) Value {
	t.Helper()
	v, err := internal(th, name, args...)
	require.NoError(t, err)
	return v
}

func TestBuiltinC(t *testing.T) {
	_, _, th := testRuntime(t)

	v := mustInternal(t, th, "c", IntegerOf(1), DoubleOf(2.5), Nil)
	assert.True(t, Identical(DoubleOf(1, 2.5), v), Deparse(v))

	assert.Equal(t, Nil, mustInternal(t, th, "c"))
	assert.Equal(t, Nil, mustInternal(t, th, "c", Nil, Nil))

	named := withAttr(DoubleOf(1), "names", CharacterOf("a"))
	v = mustInternal(t, th, "c", named, ScalarLogical(true))
	assert.Equal(t, `c(a = 1, 1)`, Deparse(v))

	v = mustInternal(t, th, "c", ListOf(ScalarInteger(1)), CharacterOf("x", "y"))
	assert.Equal(t, `list(1L, "x", "y")`, Deparse(v))
}

func TestBuiltinList(t *testing.T) {
	_, _, th := testRuntime(t)
	v := mustInternal(t, th, "list", IntegerOf(1, 2), Nil)
	assert.Equal(t, "list(c(1L, 2L), NULL)", Deparse(v))
}

func TestBuiltinPrintAndCat(t *testing.T) {
	_, out, th := testRuntime(t)

	v := mustInternal(t, th, "print", IntegerOf(1, 2, 3))
	assert.Equal(t, "[1] 1 2 3\n", out.String())
	assert.True(t, Identical(IntegerOf(1, 2, 3), v))
	assert.False(t, th.Visible())

	out.Reset()
	mustInternal(t, th, "cat", CharacterOf("a", "b"), ScalarDouble(1.5), Nil, ScalarLogical(true))
	assert.Equal(t, "a b 1.5 TRUE", out.String())

	_, err := internal(th, "print")
	assert.ErrorContains(t, err, "0 arguments passed to 'print'")
}

func TestBuiltinInvisible(t *testing.T) {
	_, _, th := testRuntime(t)
	v := mustInternal(t, th, "invisible", ScalarDouble(3))
	assert.False(t, th.Visible())
	assert.True(t, Identical(ScalarDouble(3), v))
	assert.Equal(t, Nil, mustInternal(t, th, "invisible"))
}

func TestBuiltinStopAndWarning(t *testing.T) {
	_, _, th := testRuntime(t)

	_, err := internal(th, "stop", CharacterOf("bad "), ScalarInteger(3))
	re, ok := AsRError(err)
	require.True(t, ok)
	assert.Equal(t, "bad 3", re.Message)
	assert.Equal(t, "Error in <top> : bad 3", err.Error())

	th.ClearWarnings()
	v := mustInternal(t, th, "warning", CharacterOf("careful"))
	assert.Equal(t, `"careful"`, Deparse(v))
	require.Len(t, th.Warnings(), 1)
	assert.Equal(t, "Warning in <top> : careful", th.Warnings()[0].String())
}

func TestBuiltinIdenticalAndClass(t *testing.T) {
	rt, _, th := testRuntime(t)

	assert.Equal(t, "TRUE", Deparse(mustInternal(t, th, "identical", IntegerOf(1), IntegerOf(1))))
	assert.Equal(t, "FALSE", Deparse(mustInternal(t, th, "identical", IntegerOf(1), DoubleOf(1))))

	tests := []struct {
		v    Value
		want string
	}{
		{DoubleOf(1), `"numeric"`},
		{IntegerOf(1), `"integer"`},
		{CharacterOf("a"), `"character"`},
		{ListOf(), `"list"`},
		{Nil, `"NULL"`},
		{&Closure{Proto: NewProtoBuilder("f").Build(), Env: rt.Global}, `"function"`},
		{withAttr(IntegerOf(1), "class", CharacterOf("factor")), `"factor"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Deparse(mustInternal(t, th, "class", tt.v)))
	}
}

func TestBuiltinNames(t *testing.T) {
	rt, _, th := testRuntime(t)
	rt.Define("zeta", ScalarDouble(1))
	rt.Define("alpha", ScalarDouble(2))

	v := mustInternal(t, th, "names", rt.Global)
	assert.Equal(t, `c("alpha", "zeta")`, Deparse(v))

	v = mustInternal(t, th, "names", withAttr(DoubleOf(1, 2), "names", CharacterOf("a", "b")))
	assert.Equal(t, `c("a", "b")`, Deparse(v))
	assert.Equal(t, Nil, mustInternal(t, th, "names", DoubleOf(1)))
}

func TestBuiltinParentFrame(t *testing.T) {
	rt, _, th := testRuntime(t)

	// g <- function() parent.frame()
	g := NewProtoBuilder("g")
	r := g.Reg()
	g.Emit(OpInternal, g.Name("parent.frame"), 0, r)
	g.Emit(OpRet, r, 0, 0)
	define(rt, g.Build())

	// f <- function() identical(environment(), g())
	f := NewProtoBuilder("f")
	env, got, fn := f.Reg(), f.Reg(), f.Reg()
	f.Emit(OpInternal, f.Name("environment"), 0, env)
	f.Emit(OpLoadFn, f.Name("g"), 0, fn)
	f.Emit(OpCall, fn, f.CallSite("g()"), got)
	f.Emit(OpInternal, f.Name("identical"), 2, env)
	f.Emit(OpRet, env, 0, 0)
	define(rt, f.Build())

	assert.Equal(t, "TRUE", Deparse(mustCall(t, th, "f")))

	// Past the top of the stack parent.frame is the global environment.
	v := mustInternal(t, th, "parent.frame", ScalarInteger(5))
	assert.Equal(t, rt.Global, v)

	_, err := internal(th, "parent.frame", ScalarInteger(0))
	assert.ErrorContains(t, err, "invalid 'n' value")
}

func TestBuiltinEnvironment(t *testing.T) {
	rt, _, th := testRuntime(t)
	env := rt.Heap.NewEnv(rt.Global, NoEnv)
	cl := &Closure{Proto: NewProtoBuilder("f").Build(), Env: env}

	assert.Equal(t, env, mustInternal(t, th, "environment", cl))
	assert.Equal(t, rt.Global, mustInternal(t, th, "environment"))
	assert.Equal(t, Nil, mustInternal(t, th, "environment", DoubleOf(1)))
}

// assignProto builds code that assigns v to name and returns it.
func assignProto(name string, v Value) *Prototype {
	b := NewProtoBuilder("<file>")
	k := b.Const(v)
	b.Emit(OpStore, b.Name(name), 0, k)
	b.Emit(OpRetS, k, 0, 0)
	return b.Build()
}

func TestBuiltinSource(t *testing.T) {
	rt, _, th := testRuntime(t)

	_, err := internal(th, "source", CharacterOf("a.qbc"))
	assert.ErrorContains(t, err, "cannot open file 'a.qbc': no loader")

	rt.Loader = func(path string) (*Prototype, error) {
		if path != "a.qbc" {
			return nil, os.ErrNotExist
		}
		return assignProto("x", ScalarDouble(42)), nil
	}
	v := mustInternal(t, th, "source", CharacterOf("a.qbc"))
	assert.Equal(t, "42", Deparse(v))
	assert.False(t, th.Visible())

	x, ok := rt.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "42", Deparse(x))

	_, err = internal(th, "source", CharacterOf("b.qbc"))
	assert.ErrorContains(t, err, "cannot open file 'b.qbc'")
}

func TestBuiltinLibrary(t *testing.T) {
	lib := t.TempDir()
	rt, _, th := testRuntime(t, func(c *Config) { c.LibraryPath = lib })
	pkg := filepath.Join(lib, "stats")
	require.NoError(t, os.MkdirAll(pkg, 0o755))
	for _, name := range []string{"a.qbc", "b.qbc", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(pkg, name), nil, 0o644))
	}

	var loaded []string
	rt.Loader = func(path string) (*Prototype, error) {
		loaded = append(loaded, filepath.Base(path))
		if strings.HasSuffix(path, "b.qbc") {
			return nil, errors.New("truncated")
		}
		return assignProto("fromA", ScalarInteger(1)), nil
	}

	th.ClearWarnings()
	v := mustInternal(t, th, "library", CharacterOf("stats"))
	assert.Equal(t, `"stats"`, Deparse(v))
	assert.Equal(t, []string{"a.qbc", "b.qbc"}, loaded)

	_, ok := rt.Lookup("fromA")
	assert.True(t, ok)
	require.Len(t, th.Warnings(), 1)
	assert.Contains(t, th.Warnings()[0].Message, "library 'stats': b.qbc: cannot open file")
	assert.Contains(t, th.Warnings()[0].Message, "truncated")

	_, err := internal(th, "library", CharacterOf("missing"))
	assert.ErrorContains(t, err, "there is no package called 'missing'")
}

func TestRegisterBuiltin(t *testing.T) {
	rt, _, th := testRuntime(t)
	rt.RegisterBuiltin("twice", func(_ *Thread, args []Value) Value {
		return DoubleOf(args[0].(*Double).At(0) * 2)
	})
	assert.Equal(t, "6", Deparse(mustInternal(t, th, "twice", ScalarDouble(3))))

	_, err := internal(th, "nope")
	assert.ErrorContains(t, err, `could not find builtin "nope"`)
}
