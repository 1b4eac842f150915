package trace

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/quill/vm/vec"
)

func scalar(op Op, a, b Ref, t vec.Type) Node {
	return Node{Op: op, A: a, B: b, Type: t, In: Scalar, Out: Scalar}
}

func doubleConst(b *Builder, x float64) Ref {
	return b.Const(Const{Type: vec.Double, D: []float64{x}})
}

func name(b *Builder, s string) Ref {
	return b.Const(Const{Type: vec.Character, S: []string{s}})
}

// sumLoop records one iteration of
//
//	for (i in seq) s <- s + i
//
// with the loop counter in slot 3 and its limit in slot 4.
func sumLoop() *Recording {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	slotC, slotL := b.Int(3), b.Int(4)
	s := name(b, "s")

	c0 := b.EmitGuard(Node{Op: OpSLoad, A: slotC, Type: vec.Integer, In: Empty, Out: Scalar}, 9, ExitGuard)
	l0 := b.EmitGuard(Node{Op: OpSLoad, A: slotL, Type: vec.Integer, In: Empty, Out: Scalar}, 9, ExitGuard)
	lt := b.Emit(scalar(Arith(vec.OpLt), c0, l0, vec.Logical))
	b.EmitGuard(scalar(OpGTrue, lt, NoRef, vec.Logical), 9, ExitLoop)
	idx := b.Emit(scalar(Arith(vec.OpAdd), c0, RefOne, vec.Integer))

	sv := b.EmitGuard(Node{Op: OpLoad, A: env, B: s, Type: vec.Double, In: Empty, Out: Scalar}, 11, ExitGuard)
	d := b.Emit(scalar(OpCast, idx, NoRef, vec.Double))
	sum := b.Emit(scalar(Arith(vec.OpAdd), sv, d, vec.Double))
	b.Emit(Node{Op: OpStore, A: env, B: s, C: sum, In: Empty, Out: Empty})
	b.Emit(Node{Op: OpSStore, A: slotC, B: idx, In: Empty, Out: Empty})
	return b.Finish(true)
}

func opsIn(tr *Trace, refs []Ref) []Op {
	var ops []Op
	for _, r := range refs {
		ops = append(ops, tr.Nodes[r].Op)
	}
	return ops
}

func TestOptimizeSumLoop(t *testing.T) {
	tr, err := Optimize(sumLoop())
	require.NoError(t, err)
	require.True(t, tr.Looping())

	for _, op := range opsIn(tr, tr.Order) {
		assert.False(t, op.IsStore(), "stores only reach memory through exits")
	}
	for _, op := range opsIn(tr, tr.Order[tr.Body:]) {
		assert.False(t, op.IsLoad(), "loop body reloads %s", op)
	}

	// The counter and the running sum are carried around the loop.
	require.Len(t, tr.Phis, 2)
	carried := map[Ref]bool{}
	for _, p := range tr.Phis {
		phi := tr.Nodes[p]
		assert.Less(t, phi.A, tr.Loop)
		assert.Greater(t, phi.B, tr.Loop)
		carried[phi.A] = true
	}

	var loopExit *Exit
	for _, r := range tr.Order[tr.Body:] {
		n := tr.Nodes[r]
		if n.Op == OpGTrue && tr.Exits[n.Exit].Kind == ExitLoop {
			loopExit = &tr.Exits[n.Exit]
		}
	}
	require.NotNil(t, loopExit)
	assert.Equal(t, 9, loopExit.PC)
	require.Len(t, loopExit.Snapshot, 2)
	for _, e := range loopExit.Snapshot {
		assert.True(t, carried[e.Value], "snapshot entry %v reads a carried value", e.Loc)
	}

	checkRegisters(t, tr)
	assert.Contains(t, tr.String(), "---- loop")
}

func TestOptimizeRejectsTypeChange(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	x := name(b, "x")
	xv := b.EmitGuard(Node{Op: OpLoad, A: env, B: x, Type: vec.Integer, In: Empty, Out: Scalar}, 2, ExitGuard)
	d := b.Emit(scalar(OpCast, xv, NoRef, vec.Double))
	half := b.Emit(scalar(Arith(vec.OpAdd), d, doubleConst(b, 0.5), vec.Double))
	b.Emit(Node{Op: OpStore, A: env, B: x, C: half, In: Empty, Out: Empty})

	_, err := Optimize(b.Finish(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnstable))
}

func TestOptimizeFoldsAndReduces(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	sum := b.Emit(scalar(Arith(vec.OpAdd), b.Int(2), b.Int(3), vec.Integer))
	x := b.EmitGuard(Node{Op: OpLoad, A: env, B: name(b, "x"), Type: vec.Double, In: Empty, Out: Scalar}, 1, ExitGuard)
	twice := b.Emit(scalar(Arith(vec.OpMul), x, doubleConst(b, 2), vec.Double))
	square := b.Emit(scalar(Arith(vec.OpPow), x, doubleConst(b, 2), vec.Double))
	same := b.Emit(scalar(Arith(vec.OpPow), x, doubleConst(b, 1), vec.Double))
	b.Output(sum)
	b.Output(twice)
	b.Output(square)
	b.Output(same)
	b.EmitGuard(Node{Op: OpExit, In: Empty, Out: Empty}, 4, ExitEnd)

	tr, err := Optimize(b.Finish(false))
	require.NoError(t, err)
	require.False(t, tr.Looping())

	var end *Exit
	for i := range tr.Exits {
		if tr.Exits[i].Kind == ExitEnd {
			end = &tr.Exits[i]
		}
	}
	require.NotNil(t, end)
	outs := map[Ref]Ref{}
	for _, e := range end.Snapshot {
		if e.Loc.Kind == LocOutput {
			outs[e.Loc.Key] = e.Value
		}
	}
	require.Len(t, outs, 4)

	five := tr.Nodes[outs[0]]
	require.Equal(t, OpConst, five.Op)
	assert.Equal(t, []int64{5}, tr.Consts[five.A].I)

	added := tr.Nodes[outs[1]]
	assert.Equal(t, Arith(vec.OpAdd), added.Op)
	assert.Equal(t, added.A, added.B)

	squared := tr.Nodes[outs[2]]
	assert.Equal(t, Arith(vec.OpMul), squared.Op)
	assert.Equal(t, squared.A, squared.B)

	assert.Equal(t, OpLoad, tr.Nodes[outs[3]].Op)
	assert.True(t, added.Sunk, "values only read by an exit are sunk")
	checkRegisters(t, tr)
}

func TestOptimizeCommutativeNumbering(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	x := b.EmitGuard(Node{Op: OpLoad, A: env, B: name(b, "x"), Type: vec.Double, In: Empty, Out: Scalar}, 1, ExitGuard)
	y := b.EmitGuard(Node{Op: OpLoad, A: env, B: name(b, "y"), Type: vec.Double, In: Empty, Out: Scalar}, 2, ExitGuard)
	xy := b.Emit(scalar(Arith(vec.OpAdd), x, y, vec.Double))
	yx := b.Emit(scalar(Arith(vec.OpAdd), y, x, vec.Double))
	require.NotEqual(t, xy, yx)
	b.Output(xy)
	b.Output(yx)
	b.EmitGuard(Node{Op: OpExit, In: Empty, Out: Empty}, 3, ExitEnd)

	tr, err := Optimize(b.Finish(false))
	require.NoError(t, err)
	var outs []Ref
	for _, e := range tr.Exits[len(tr.Exits)-1].Snapshot {
		outs = append(outs, e.Value)
	}
	require.Len(t, outs, 2)
	assert.Equal(t, outs[0], outs[1])
}

func TestGuardSnapshotsHoldStores(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	x := name(b, "x")
	xv := b.EmitGuard(Node{Op: OpLoad, A: env, B: x, Type: vec.Double, In: Empty, Out: Scalar}, 1, ExitGuard)
	v := b.Emit(scalar(Arith(vec.OpAdd), xv, doubleConst(b, 1), vec.Double))
	b.Emit(Node{Op: OpStore, A: env, B: x, C: v, In: Empty, Out: Empty})
	gt := b.Emit(scalar(Arith(vec.OpGt), v, doubleConst(b, 0), vec.Logical))
	b.EmitGuard(scalar(OpGTrue, gt, NoRef, vec.Logical), 6, ExitGuard)
	b.EmitGuard(Node{Op: OpExit, In: Empty, Out: Empty}, 8, ExitEnd)

	tr, err := Optimize(b.Finish(false))
	require.NoError(t, err)

	var guard Node
	for _, r := range tr.Order {
		if tr.Nodes[r].Op == OpGTrue {
			guard = tr.Nodes[r]
		}
		assert.NotEqual(t, OpStore, tr.Nodes[r].Op)
	}
	e := tr.Exits[guard.Exit]
	assert.Equal(t, 6, e.PC)
	require.Len(t, e.Snapshot, 1)
	assert.Equal(t, LocVar, e.Snapshot[0].Loc.Kind)
	assert.Equal(t, Arith(vec.OpAdd), tr.Nodes[e.Snapshot[0].Value].Op)
	checkRegisters(t, tr)
}

func TestNestStopsForwarding(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	x := name(b, "x")
	first := b.EmitGuard(Node{Op: OpLoad, A: env, B: x, Type: vec.Double, In: Empty, Out: Scalar}, 1, ExitGuard)
	b.EmitGuard(Node{Op: OpNest, A: 2, B: 5, In: Empty, Out: Empty}, 2, ExitNest)
	second := b.EmitGuard(Node{Op: OpLoad, A: env, B: x, Type: vec.Double, In: Empty, Out: Scalar}, 5, ExitGuard)
	b.Output(b.Emit(scalar(Arith(vec.OpAdd), first, second, vec.Double)))
	b.EmitGuard(Node{Op: OpExit, In: Empty, Out: Empty}, 6, ExitEnd)

	tr, err := Optimize(b.Finish(false))
	require.NoError(t, err)
	loads := 0
	for _, op := range opsIn(tr, tr.Order) {
		if op == OpLoad {
			loads++
		}
	}
	assert.Equal(t, 2, loads)
	assert.True(t, strings.Contains(tr.String(), "nest pc=2..5"))
}

func TestRegistersSharedInPlace(t *testing.T) {
	b := NewBuilder()
	env := b.Emit(Node{Op: OpCurEnv, Type: vec.Environment, In: Empty, Out: Scalar})
	long := Shape{Length: b.Int(100), Constant: true, TraceLength: 100}
	x := b.EmitGuard(Node{Op: OpLoad, A: env, B: name(b, "x"), Type: vec.Double, In: Empty, Out: long}, 1, ExitGuard)
	neg := b.Emit(Node{Op: Arith(vec.OpNeg), A: x, Type: vec.Double, In: long, Out: long})
	total := b.Emit(Node{Op: Arith(vec.OpSum), A: neg, Type: vec.Double, In: long, Out: Scalar})
	gt := b.Emit(scalar(Arith(vec.OpGt), total, doubleConst(b, 0), vec.Logical))
	b.EmitGuard(scalar(OpGTrue, gt, NoRef, vec.Logical), 3, ExitGuard)

	tr, err := Optimize(b.Finish(false))
	require.NoError(t, err)
	var loadReg, negReg int16 = -1, -1
	for _, r := range tr.Order {
		switch tr.Nodes[r].Op {
		case OpLoad:
			loadReg = tr.Nodes[r].Reg
		case Arith(vec.OpNeg):
			negReg = tr.Nodes[r].Reg
		}
	}
	require.GreaterOrEqual(t, loadReg, int16(0))
	assert.Equal(t, loadReg, negReg)
	checkRegisters(t, tr)
}

// checkRegisters walks the schedule, looping twice through the body, and
// verifies that every value read is still in its register.
func checkRegisters(t *testing.T, tr *Trace) {
	t.Helper()
	holds := map[int16]Ref{}
	read := func(d Ref) {
		n := tr.Nodes[d]
		if !needsReg(&n) {
			return
		}
		require.GreaterOrEqual(t, n.Reg, int16(0), "%%%d has no register", d)
		require.Equal(t, d, holds[n.Reg], "r%d lost %%%d", n.Reg, d)
	}
	exec := func(r Ref) {
		n := tr.Nodes[r]
		var each func(d Ref)
		each = func(d Ref) {
			if d < 0 {
				return
			}
			if tr.Nodes[d].Sunk {
				for _, dd := range tr.Nodes[d].deps() {
					each(dd)
				}
				return
			}
			read(d)
		}
		for _, d := range n.deps() {
			each(d)
		}
		if n.Exit >= 0 {
			for _, s := range tr.Exits[n.Exit].Snapshot {
				each(s.Value)
			}
		}
		if needsReg(&n) {
			holds[n.Reg] = r
		}
	}
	for _, r := range tr.Order[:tr.Body] {
		exec(r)
	}
	if !tr.Looping() {
		return
	}
	for iter := 0; iter < 2; iter++ {
		for _, r := range tr.Order[tr.Body:] {
			exec(r)
		}
		moved := map[int16]Ref{}
		for _, p := range tr.Phis {
			phi := tr.Nodes[p]
			read(phi.B)
			moved[tr.Nodes[phi.A].Reg] = phi.A
		}
		for reg, r := range moved {
			holds[reg] = r
		}
	}
}
