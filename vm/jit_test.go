package vm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/quill/vm/vec"
)

func seq(n int) *Integer {
	v := NewInteger(n)
	for i := range v.elems {
		v.elems[i] = int64(i + 1)
	}
	return v
}

func TestTraceInstalledOnFifthCall(t *testing.T) {
	rt, _, th := testRuntime(t)
	define(rt, sumLoopFn("f", ScalarDouble(0)))

	for i := 1; i <= 4; i++ {
		v := mustCall(t, th, "f", seq(5))
		assert.Equal(t, []float64{15}, v.(*Double).Elems())
		assert.Zero(t, rt.JIT.Stats().Installed, "call %d", i)
	}
	v := mustCall(t, th, "f", seq(5))
	assert.Equal(t, []float64{15}, v.(*Double).Elems())

	stats := rt.JIT.Stats()
	assert.EqualValues(t, 1, stats.Recordings)
	assert.GreaterOrEqual(t, stats.Installed, uint64(1))
	assert.Positive(t, stats.Entries)
	assert.Equal(t, 1, stats.Cached)

	v = mustCall(t, th, "f", seq(5))
	assert.Equal(t, []float64{15}, v.(*Double).Elems())
	assert.Greater(t, rt.JIT.Stats().Entries, stats.Entries)
}

func randomDoubles(r *rand.Rand, n int) *Double {
	v := NewDouble(n)
	for i := range v.elems {
		switch r.Intn(20) {
		case 0:
			v.elems[i] = vec.NADouble
		default:
			v.elems[i] = r.NormFloat64() * 100
		}
	}
	return v
}

func TestTraceMatchesInterpreter(t *testing.T) {
	traced, _, tth := testRuntime(t, func(c *Config) { c.RecordTrigger = 1 })
	plain, _, pth := testRuntime(t, noJIT)
	for _, rt := range []*Runtime{traced, plain} {
		define(rt, sumSquaresFn("f"))
		define(rt, sumLoopFn("g", ScalarDouble(0)))
	}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var x Value = randomDoubles(r, 1+r.Intn(60))
		if i%7 == 0 {
			x = seq(1 + r.Intn(40))
		}
		for _, fn := range []string{"f", "g"} {
			want := mustCall(t, pth, fn, x)
			got := mustCall(t, tth, fn, x)
			require.True(t, Identical(want, got), "%s(%s): %s != %s", fn, Deparse(x), Deparse(got), Deparse(want))
		}
	}
	assert.Positive(t, traced.JIT.Stats().Installed)
	assert.Positive(t, traced.JIT.Stats().Entries)
	assert.Zero(t, plain.JIT.Stats().Recordings)
}

func TestGuardExitAfterTypeChange(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) { c.RecordTrigger = 1 })
	define(rt, sumLoopFn("f", ScalarDouble(0)))

	for i := 0; i < 4; i++ {
		mustCall(t, th, "f", seq(8))
	}
	require.Positive(t, rt.JIT.Stats().Installed)
	exits := rt.JIT.Stats().SideExits

	v := mustCall(t, th, "f", DoubleOf(0.5, 1.5, 2.5, 3.5))
	assert.Equal(t, []float64{8}, v.(*Double).Elems())
	assert.Greater(t, rt.JIT.Stats().SideExits, exits)

	v = mustCall(t, th, "f", seq(8))
	assert.Equal(t, []float64{36}, v.(*Double).Elems())
}

func TestRepeatedSideExitsInvalidate(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) {
		c.RecordTrigger = 1
		c.ExitBlacklist = 2
	})
	define(rt, sumLoopFn("f", ScalarDouble(0)))
	var events []TraceEvent
	rt.JIT.OnEvent = func(ev TraceEvent) { events = append(events, ev) }

	for i := 0; i < 3; i++ {
		mustCall(t, th, "f", seq(8))
	}
	require.Positive(t, rt.JIT.Stats().Installed)
	for i := 0; i < 4; i++ {
		v := mustCall(t, th, "f", DoubleOf(1, 2))
		assert.Equal(t, []float64{3}, v.(*Double).Elems())
	}
	assert.Positive(t, rt.JIT.Stats().Invalidated)

	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
		assert.Equal(t, "f", ev.Function)
	}
	assert.Positive(t, kinds[EventInstalled])
	assert.Positive(t, kinds[EventInvalidated])
}

func TestUnstableLoopBlacklisted(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) {
		c.RecordTrigger = 0
		c.AbortBlacklist = 2
	})
	// s starts as an integer and becomes a double in the first iteration.
	define(rt, sumLoopFn("f", ScalarInteger(0)))

	for i := 0; i < 5; i++ {
		v := mustCall(t, th, "f", DoubleOf(0.5, 0.5, 0.5))
		assert.Equal(t, []float64{1.5}, v.(*Double).Elems())
	}
	stats := rt.JIT.Stats()
	assert.EqualValues(t, 2, stats.Aborted)
	assert.EqualValues(t, 1, stats.Blacklisted)
	assert.Zero(t, stats.Installed)
	assert.Equal(t, 1, rt.JIT.Profiler().Stats().Blacklisted)
}

// whileFn builds
//
//	name <- function(n) { i <- 0L; while (i < n) i <- i + 1L; i }
func whileFn(name string) *Prototype {
	b := NewProtoBuilder(name).Param("n", nil)
	b.Emit(OpStore, b.Name("i"), 0, b.Const(ScalarInteger(0)))
	head, body, end := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(head)
	i, n, lt := b.Reg(), b.Reg(), b.Reg()
	b.Emit(OpLoad, b.Name("i"), 0, i)
	b.Emit(OpLoad, b.Name("n"), 0, n)
	b.Emit(OpLt, i, n, lt)
	b.EmitBranch(lt, body, end)
	b.Mark(body)
	cur, next := b.Reg(), b.Reg()
	b.Emit(OpLoad, b.Name("i"), 0, cur)
	b.Emit(OpAdd, cur, b.Const(ScalarInteger(1)), next)
	b.Emit(OpStore, b.Name("i"), 0, next)
	b.EmitJump(head)
	b.Mark(end)
	out := b.Reg()
	b.Emit(OpLoad, b.Name("i"), 0, out)
	b.Emit(OpRet, out, 0, 0)
	return b.Build()
}

func TestWhileLoopTraced(t *testing.T) {
	rt, _, th := testRuntime(t)
	define(rt, whileFn("count"))

	v := mustCall(t, th, "count", ScalarInteger(100))
	assert.Equal(t, []int64{100}, v.(*Integer).Elems())
	assert.EqualValues(t, 1, rt.JIT.Stats().Installed)

	v = mustCall(t, th, "count", ScalarInteger(3))
	assert.Equal(t, []int64{3}, v.(*Integer).Elems())
}

// doubleInPlaceFn builds
//
//	name <- function(x) { for (i in seq_len(length(x))) x[[i]] <- x[[i]] * 2; x }
func doubleInPlaceFn(name string) *Prototype {
	b := NewProtoBuilder(name).Param("x", nil)
	x0, n, idx := b.Reg(), b.Reg(), b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, x0)
	b.Emit(OpLength, x0, 0, n)
	b.Emit(OpMov, b.Const(ScalarInteger(1)), 0, idx)
	b.Emit(OpSeq, n, b.Const(ScalarInteger(1)), idx)
	b.ForLoop("i", idx, func() {
		x, i, e, d, y := b.Reg(), b.Reg(), b.Reg(), b.Reg(), b.Reg()
		b.Emit(OpLoad, b.Name("x"), 0, x)
		b.Emit(OpLoad, b.Name("i"), 0, i)
		b.Emit(OpGet, x, i, e)
		b.Emit(OpMul, e, b.Const(ScalarDouble(2)), d)
		b.Emit(OpLoad, b.Name("x"), 0, y)
		b.Emit(OpSet, d, i, y)
		b.Emit(OpStore, b.Name("x"), 0, y)
	})
	out := b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, out)
	b.Emit(OpRet, out, 0, 0)
	return b.Build()
}

func TestGatherScatterTraced(t *testing.T) {
	traced, _, tth := testRuntime(t, func(c *Config) { c.RecordTrigger = 1 })
	plain, _, pth := testRuntime(t, noJIT)
	define(traced, doubleInPlaceFn("f"))
	define(plain, doubleInPlaceFn("f"))

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		x := randomDoubles(r, 1+r.Intn(40))
		want := mustCall(t, pth, "f", x)
		got := mustCall(t, tth, "f", x)
		require.True(t, Identical(want, got), "%s != %s", Deparse(got), Deparse(want))
	}
	assert.Positive(t, traced.JIT.Stats().Installed)
}

func TestNestedCallSplicedIntoTrace(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) { c.RecordTrigger = 1 })
	define(rt, identityFn("id", "v"))

	// f <- function(x) { s <- 0; for (v in x) s <- s + id(v); s }
	b := NewProtoBuilder("f").Param("x", nil)
	sq := b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, sq)
	b.Emit(OpStore, b.Name("s"), 0, b.Const(ScalarDouble(0)))
	b.ForLoop("v", sq, func() {
		s, fn, v, r, sum := b.Reg(), b.Reg(), b.Reg(), b.Reg(), b.Reg()
		b.Emit(OpLoad, b.Name("s"), 0, s)
		b.Emit(OpLoadFn, b.Name("id"), 0, fn)
		b.Emit(OpLoad, b.Name("v"), 0, v)
		b.Emit(OpCall, fn, b.CallSite("id(v)", Argument{Kind: ArgValue, Operand: v}), r)
		b.Emit(OpAdd, s, r, sum)
		b.Emit(OpStore, b.Name("s"), 0, sum)
	})
	out := b.Reg()
	b.Emit(OpLoad, b.Name("s"), 0, out)
	b.Emit(OpRet, out, 0, 0)
	define(rt, b.Build())

	for i := 0; i < 4; i++ {
		v := mustCall(t, th, "f", seq(10))
		assert.Equal(t, []float64{55}, v.(*Double).Elems())
	}
	assert.Positive(t, rt.JIT.Stats().Installed)
}

func TestJITDisabledNeverRecords(t *testing.T) {
	rt, _, th := testRuntime(t, noJIT)
	define(rt, sumLoopFn("f", ScalarDouble(0)))
	for i := 0; i < 10; i++ {
		mustCall(t, th, "f", seq(5))
	}
	assert.Equal(t, JITStats{}, rt.JIT.Stats())
}

func TestJITResetAndDump(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) { c.RecordTrigger = 1 })
	define(rt, sumLoopFn("f", ScalarDouble(0)))
	for i := 0; i < 3; i++ {
		mustCall(t, th, "f", seq(5))
	}
	require.Equal(t, 1, rt.JIT.Stats().Cached)

	var buf bytes.Buffer
	rt.JIT.Dump(&buf)
	assert.Contains(t, buf.String(), "== trace f at")

	rt.JIT.Reset()
	assert.Equal(t, JITStats{}, rt.JIT.Stats())
	assert.Zero(t, rt.JIT.Profiler().Stats().Loops)

	v := mustCall(t, th, "f", seq(5))
	assert.Equal(t, []float64{15}, v.(*Double).Elems())
}

func TestTraceCacheEvicts(t *testing.T) {
	rt, _, th := testRuntime(t, func(c *Config) {
		c.RecordTrigger = 0
		c.TraceCacheSize = 1
	})
	define(rt, sumLoopFn("f", ScalarDouble(0)))
	define(rt, sumLoopFn("g", ScalarDouble(0)))
	var evicted []string
	rt.JIT.OnEvent = func(ev TraceEvent) {
		if ev.Kind == EventEvicted {
			evicted = append(evicted, ev.Function)
		}
	}

	mustCall(t, th, "f", seq(5))
	mustCall(t, th, "g", seq(5))
	assert.Equal(t, []string{"f"}, evicted)
	assert.Equal(t, 1, rt.JIT.Stats().Cached)
	assert.EqualValues(t, 1, rt.JIT.Stats().Evicted)
}
