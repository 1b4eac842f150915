package vm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chazu/quill/vm/trace"
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Recorder: translating one loop iteration into trace IR
// ---------------------------------------------------------------------------

type recState uint8

const (
	recRecording recState = iota
	recDone
	recAborted
)

// recorder watches the interpreter run one iteration of a hot loop and
// emits the IR for it. Every instruction is still executed by the
// interpreter; the recorder only looks at the state before it runs.
type recorder struct {
	t   *Thread
	jit *JIT
	key loopKey

	frame *CallFrame
	depth int
	// first and last bound the loop's code; leaving them ends the trace.
	first, last int
	// forEnd is the pc of the loop's forend, or -1 for other loops.
	forEnd int

	b     *trace.Builder
	env   trace.Ref
	slots map[int64]trace.Ref
	vars  map[string]trace.Ref
	pc    int
	steps int
	state recState

	// skipping is set while a spliced region runs; recording resumes at
	// skipEnd in the recording frame.
	skipping bool
	skipEnd  int

	// pending is the register the last instruction wrote, checked against
	// the recorded type before the next instruction.
	pending    int64
	pendingRef trace.Ref
}

// abortRecording carries the reason a recording cannot continue.
type abortRecording struct{ reason string }

func (r *recorder) fail(format string, args ...any) {
	panic(abortRecording{fmt.Sprintf(format, args...)})
}

// startRecording begins recording the loop whose body starts at head.
func (t *Thread) startRecording(head, last, forEnd int) {
	t.flushFusion()
	j := t.rt.JIT
	b := trace.NewBuilder()
	r := &recorder{
		t: t, jit: j, key: loopKey{t.cur.proto, head},
		frame: t.cur, depth: len(t.frames),
		first: head, last: last, forEnd: forEnd,
		b:       b,
		env:     b.Emit(trace.Node{Op: trace.OpCurEnv, Type: vec.Environment, In: trace.Empty, Out: trace.Scalar}),
		pending: -1,
	}
	r.forget()
	t.rec = r
	atomic.AddUint64(&j.recordings, 1)
	jitLog.Debugf("recording %s at %d", t.cur.proto.Name, head)
}

func (r *recorder) active() bool { return r.state == recRecording }

// forget drops everything known about registers and variables.
func (r *recorder) forget() {
	r.slots = make(map[int64]trace.Ref)
	r.vars = make(map[string]trace.Ref)
	r.pending = -1
}

func (r *recorder) stop(s recState) {
	r.state = s
	if r.t.rec == r {
		r.t.rec = nil
	}
}

func (r *recorder) abort(reason string) {
	if !r.active() {
		return
	}
	r.stop(recAborted)
	r.jit.recordAbort(r.key, r.b.Len(), reason)
}

// observe is called before the interpreter executes pc. It returns true
// with the next pc when it ran the instruction itself, which it does only
// when it has just installed a trace for the loop and runs it.
func (r *recorder) observe(pc int) (int, bool) {
	t := r.t
	if r.skipping {
		if t.cur != r.frame || len(t.frames) != r.depth || pc != r.skipEnd {
			return pc, false
		}
		r.skipping = false
		r.forget()
	}
	if t.cur != r.frame || len(t.frames) != r.depth {
		r.abort("left the loop's frame")
		return pc, false
	}
	if reason := r.verify(); reason != "" {
		r.abort(reason)
		return pc, false
	}
	if pc == r.key.pc && r.steps > 0 {
		return r.finish(pc, true)
	}
	if pc < r.first || pc > r.last {
		return r.finish(pc, false)
	}
	r.steps++
	if max := r.jit.cfg.MaxRecordLength; max > 0 && r.steps > max {
		r.abort("trace too long")
		return pc, false
	}
	if reason := r.step(pc); reason != "" {
		r.abort(reason)
	}
	return pc, false
}

// verify checks that the register written by the last instruction holds
// what the recording says it holds.
func (r *recorder) verify() string {
	if r.pending < 0 {
		return ""
	}
	slot, ref := r.pending, r.pendingRef
	r.pending = -1
	n := r.b.Node(ref)
	v, ok := r.t.bind(r.t.reg(slot)).(Vector)
	if !ok || v.Type() != n.Type || v.Len() != n.Out.TraceLength || v.Attributes() != nil {
		return fmt.Sprintf("r%d holds %s, recorded %s", slot, TypeOf(r.t.reg(slot)), n.Type)
	}
	return ""
}

// finish closes the recording, optimizes and installs it. A trace that
// returned to its head loops; one that left the loop ends with an exit to
// pc.
func (r *recorder) finish(pc int, looping bool) (int, bool) {
	r.stop(recDone)
	if !looping {
		r.b.EmitGuard(trace.Node{Op: trace.OpExit, In: trace.Empty, Out: trace.Empty}, pc, trace.ExitEnd)
	}
	rec := r.b.Finish(looping)
	tr, err := trace.Optimize(rec)
	if err != nil {
		reason := err.Error()
		if !errors.Is(err, trace.ErrUnstable) {
			reason = "optimizer: " + reason
		}
		r.state = recAborted
		r.jit.recordAbort(r.key, len(rec.Nodes), reason)
		return pc, false
	}
	ct := compileTrace(r.key, r.key.proto.Name, tr, r.jit)
	r.jit.install(ct)
	if looping {
		return r.t.runTrace(ct, pc), true
	}
	return pc, false
}

// step translates one instruction. It returns a reason when the recording
// has to be abandoned.
func (r *recorder) step(pc int) (reason string) {
	defer func() {
		if e := recover(); e != nil {
			a, ok := e.(abortRecording)
			if !ok {
				panic(e)
			}
			reason = a.reason
		}
	}()
	r.pc = pc
	t := r.t
	code := t.cur.proto.Code
	in := code[pc]

	if op, ok := in.Op.Arith(); ok {
		r.recordArith(op, in)
		return ""
	}
	switch in.Op {
	case OpJmp:
		if in.A < 0 && pc+int(in.A) != r.key.pc {
			r.fail("inner loop at %d", pc+int(in.A))
		}
	case OpJc:
		r.recordBranch(in)
	case OpForBegin:
		r.nest(pc, loopEnd(code, pc))
	case OpForEnd:
		if pc != r.forEnd {
			r.fail("forend of another loop")
		}
		r.recordForEnd(in)
	case OpRet, OpRetP, OpRetS, OpDone:
		r.fail("%s leaves the frame", in.Op)
	case OpLoad:
		if ref, ok := r.variable(t.name(in.A)); ok {
			r.setSlot(in.C, ref)
		} else {
			r.nest(pc, pc+1)
		}
	case OpStore:
		if ref, ok := r.operand(in.C); ok {
			r.setVar(t.name(in.A), ref)
		} else {
			r.nest(pc, pc+1)
		}
	case OpMov, OpFastMov, OpStrip:
		if ref, ok := r.operand(in.A); ok {
			r.setSlot(in.C, ref)
		} else {
			r.nest(pc, pc+1)
		}
	case OpLength:
		if ref, ok := r.operand(in.A); ok {
			r.setSlot(in.C, r.b.Node(ref).Out.Length)
		} else {
			r.nest(pc, pc+1)
		}
	case OpType:
		if ref, ok := r.operand(in.A); ok {
			name := r.b.Node(ref).Type.String()
			r.setSlot(in.C, r.b.Const(trace.Const{Type: vec.Character, S: []string{name}}))
		} else {
			r.nest(pc, pc+1)
		}
	case OpAs:
		typ, ok := vec.ParseType(t.name(in.B))
		ref, ok2 := r.operand(in.A)
		if ok && ok2 && traceableType(typ) {
			r.setSlot(in.C, r.cast(ref, typ))
		} else {
			r.nest(pc, pc+1)
		}
	case OpGet, OpGetSub:
		if !r.recordGather(in) {
			r.nest(pc, pc+1)
		}
	case OpSet, OpSetSub:
		if !r.recordScatter(in) {
			r.nest(pc, pc+1)
		}
	case OpSeq:
		if !r.recordSeq(in) {
			r.nest(pc, pc+1)
		}
	default:
		r.nest(pc, pc+1)
	}
	return ""
}

// nest splices the region from pc to end: the interpreter runs it and the
// recorder resumes at end.
func (r *recorder) nest(pc, end int) {
	r.b.EmitGuard(trace.Node{Op: trace.OpNest, A: trace.Ref(pc), B: trace.Ref(end), In: trace.Empty, Out: trace.Empty}, pc, trace.ExitNest)
	r.skipping = true
	r.skipEnd = end
	r.pending = -1
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func traceableType(t vec.Type) bool {
	switch t {
	case vec.Logical, vec.Integer, vec.Double, vec.Character:
		return true
	}
	return false
}

// traceable returns v as a vector the IR can hold.
func (r *recorder) traceable(v Value) (Vector, bool) {
	v = r.t.bind(v)
	vv, ok := v.(Vector)
	if !ok || !traceableType(vv.Type()) || vv.Attributes() != nil {
		return nil, false
	}
	return vv, true
}

// shape returns the shape of a vector of length n read by a load; dynamic
// emits the run-time length for vectors too long to specialize on.
func (r *recorder) shape(n int, dynamic func() trace.Ref) trace.Shape {
	if n <= r.jit.cfg.SpecializeLength {
		return r.b.ShapeOf(n)
	}
	return trace.Shape{Length: dynamic(), Constant: false, TraceLength: n}
}

func (r *recorder) constant(v Value) (trace.Ref, bool) {
	vv, ok := r.traceable(v)
	if !ok {
		return trace.NoRef, false
	}
	return r.b.Const(trace.ConstFrom(vv.Type(), vv.Payload())), true
}

// operand returns the IR value of an instruction operand, loading the
// register if the recording has not seen it yet.
func (r *recorder) operand(x int64) (trace.Ref, bool) {
	if isConstOperand(x) {
		return r.constant(r.t.cur.proto.Constants[constIndex(x)])
	}
	if ref, ok := r.slots[x]; ok {
		return ref, true
	}
	vv, ok := r.traceable(r.t.reg(x))
	if !ok {
		return trace.NoRef, false
	}
	slot := r.b.Int(x)
	shape := r.shape(vv.Len(), func() trace.Ref {
		return r.b.EmitGuard(trace.Node{Op: trace.OpSLength, A: slot, Type: vec.Integer, In: trace.Empty, Out: trace.Scalar}, r.pc, trace.ExitGuard)
	})
	ref := r.b.EmitGuard(trace.Node{Op: trace.OpSLoad, A: slot, Type: vv.Type(), In: trace.Empty, Out: shape}, r.pc, trace.ExitGuard)
	r.slots[x] = ref
	return ref, true
}

func (r *recorder) nameRef(name string) trace.Ref {
	return r.b.Const(trace.Const{Type: vec.Character, S: []string{name}})
}

// variable returns the IR value of a variable visible from the frame.
func (r *recorder) variable(name string) (trace.Ref, bool) {
	if ref, ok := r.vars[name]; ok {
		return ref, true
	}
	v, _, ok := r.t.heap.Lookup(r.frame.env, name)
	if !ok {
		return trace.NoRef, false
	}
	if p, isPromise := v.(*Promise); isPromise {
		if !p.Forced() {
			return trace.NoRef, false
		}
		v = p.value
	}
	vv, ok := r.traceable(v)
	if !ok {
		return trace.NoRef, false
	}
	key := r.nameRef(name)
	shape := r.shape(vv.Len(), func() trace.Ref {
		return r.b.EmitGuard(trace.Node{Op: trace.OpOLength, A: r.env, B: key, Type: vec.Integer, In: trace.Empty, Out: trace.Scalar}, r.pc, trace.ExitGuard)
	})
	ref := r.b.EmitGuard(trace.Node{Op: trace.OpLoad, A: r.env, B: key, Type: vv.Type(), In: trace.Empty, Out: shape}, r.pc, trace.ExitGuard)
	r.vars[name] = ref
	return ref, true
}

func (r *recorder) setSlot(x int64, ref trace.Ref) {
	r.b.Emit(trace.Node{Op: trace.OpSStore, A: r.b.Int(x), B: ref, In: trace.Empty, Out: trace.Empty})
	r.slots[x] = ref
	r.pending, r.pendingRef = x, ref
}

func (r *recorder) setVar(name string, ref trace.Ref) {
	r.b.Emit(trace.Node{Op: trace.OpStore, A: r.env, B: r.nameRef(name), C: ref, In: trace.Empty, Out: trace.Empty})
	r.vars[name] = ref
}

func (r *recorder) cast(ref trace.Ref, typ vec.Type) trace.Ref {
	return emitCast(r.b, ref, typ)
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// emitCast converts ref to typ.
func emitCast(b *trace.Builder, ref trace.Ref, typ vec.Type) trace.Ref {
	n := b.Node(ref)
	if n.Type == typ {
		return ref
	}
	return b.Emit(trace.Node{Op: trace.OpCast, A: ref, Type: typ, In: n.Out, Out: n.Out})
}

// emitArith emits op over x and y (y unused for unary ops, folds and
// scans), casting the operands to the type op computes in.
func emitArith(b *trace.Builder, op vec.Op, x, y trace.Ref) (trace.Ref, error) {
	binary := op.Group() == vec.GroupBinary
	nx := b.Node(x)
	yt := nx.Type
	if binary {
		yt = b.Node(y).Type
	}
	operand, result, ok := vec.Signature(op, nx.Type, yt)
	if !ok {
		return trace.NoRef, fmt.Errorf("%s of %s and %s", op, nx.Type, yt)
	}
	x = emitCast(b, x, operand)
	in, out := nx.Out, nx.Out
	switch op.Group() {
	case vec.GroupBinary:
		y = emitCast(b, y, operand)
		merged, ok := b.MergeShapes(nx.Out, b.Node(y).Out)
		if !ok {
			return trace.NoRef, fmt.Errorf("%s of incompatible shapes", op)
		}
		in, out = merged, merged
	case vec.GroupFold:
		out = trace.Scalar
	}
	if !binary {
		y = trace.NoRef
	}
	return b.Emit(trace.Node{Op: trace.Arith(op), A: x, B: y, Type: result, In: in, Out: out}), nil
}

func (r *recorder) recordArith(op vec.Op, in Instruction) {
	x, ok := r.operand(in.A)
	y := trace.NoRef
	if ok && op.Group() == vec.GroupBinary {
		y, ok = r.operand(in.B)
	}
	if !ok {
		r.nest(r.pc, r.pc+1)
		return
	}
	ref, err := emitArith(r.b, op, x, y)
	if err != nil {
		r.fail("%s", err)
	}
	r.setSlot(in.C, ref)
}

// recordBranch guards the direction the interpreter is about to take. A
// failing guard re-executes the branch in the interpreter.
func (r *recorder) recordBranch(in Instruction) {
	cond, ok := r.operand(in.C)
	if !ok || !r.b.Node(cond).Out.IsScalar() {
		r.fail("branch on a value the trace cannot hold")
	}
	v := Coerce(r.t.in(in.C).(Vector), vec.Logical).(*Logical).At(0)
	if v == vec.NALogical {
		r.fail("NA condition")
	}
	op := trace.OpGTrue
	if v == vec.False {
		op = trace.OpGFalse
	}
	c := r.cast(cond, vec.Logical)
	r.b.EmitGuard(trace.Node{Op: op, A: c, Type: vec.Logical, In: trace.Scalar, Out: trace.Scalar}, r.pc, trace.ExitGuard)
}

// recordForEnd translates the loop's own forend: test the counter, fetch
// the next element, bind the variable and advance the counter.
func (r *recorder) recordForEnd(in Instruction) {
	c0, ok1 := r.operand(in.C)
	l0, ok2 := r.operand(in.C + 1)
	if !ok1 || !ok2 {
		r.fail("loop counter is not traceable")
	}
	lt, err := emitArith(r.b, vec.OpLt, c0, l0)
	if err != nil {
		r.fail("%s", err)
	}
	i := r.t.reg(in.C).(*Integer).At(0)
	n := r.t.reg(in.C + 1).(*Integer).At(0)
	if i >= n {
		r.b.EmitGuard(trace.Node{Op: trace.OpGFalse, A: lt, Type: vec.Logical, In: trace.Scalar, Out: trace.Scalar}, r.pc, trace.ExitGuard)
		return
	}
	r.b.EmitGuard(trace.Node{Op: trace.OpGTrue, A: lt, Type: vec.Logical, In: trace.Scalar, Out: trace.Scalar}, r.pc+2, trace.ExitLoop)
	idx, err := emitArith(r.b, vec.OpAdd, c0, trace.RefOne)
	if err != nil {
		r.fail("%s", err)
	}
	seq, ok := r.operand(in.B)
	if !ok {
		r.fail("loop over a sequence the trace cannot hold")
	}
	sn := r.b.Node(seq)
	elem := r.b.EmitGuard(trace.Node{Op: trace.OpGather, A: seq, B: idx, Type: sn.Type, In: sn.Out, Out: trace.Scalar}, r.pc, trace.ExitGuard)
	r.setVar(r.t.name(in.A), elem)
	r.setSlot(in.C, idx)
	r.pending = -1
}

// scalarIndex returns a numeric scalar subscript as an integer IR value.
func (r *recorder) scalarIndex(x int64) (trace.Ref, bool) {
	idx, ok := r.operand(x)
	if !ok {
		return trace.NoRef, false
	}
	n := r.b.Node(idx)
	if !n.Out.IsScalar() || (n.Type != vec.Integer && n.Type != vec.Double) {
		return trace.NoRef, false
	}
	return r.cast(idx, vec.Integer), true
}

// recordGather translates [[ and [ with a positive scalar subscript on an
// atomic vector. Out of range subscripts leave the trace.
func (r *recorder) recordGather(in Instruction) bool {
	x, ok := r.operand(in.A)
	if !ok {
		return false
	}
	if _, named := Names(r.t.in(in.A)); named {
		return false
	}
	idx, ok := r.scalarIndex(in.B)
	if !ok {
		return false
	}
	xn := r.b.Node(x)
	ref := r.b.EmitGuard(trace.Node{Op: trace.OpGather, A: x, B: idx, Type: xn.Type, In: xn.Out, Out: trace.Scalar}, r.pc, trace.ExitGuard)
	r.setSlot(in.C, ref)
	return true
}

// recordScatter translates [[<- and [<- of a scalar into an atomic vector
// at an existing position without changing its type.
func (r *recorder) recordScatter(in Instruction) bool {
	target, ok := r.operand(in.C)
	if !ok {
		return false
	}
	idx, ok := r.scalarIndex(in.B)
	if !ok {
		return false
	}
	val, ok := r.operand(in.A)
	if !ok {
		return false
	}
	tn, vn := r.b.Node(target), r.b.Node(val)
	if !vn.Out.IsScalar() || vec.Max(tn.Type, vn.Type) != tn.Type {
		return false
	}
	val = r.cast(val, tn.Type)
	ref := r.b.EmitGuard(trace.Node{Op: trace.OpScatter, A: target, B: idx, C: val, Type: tn.Type, In: tn.Out, Out: tn.Out}, r.pc, trace.ExitGuard)
	r.setSlot(in.C, ref)
	return true
}

// recordSeq translates seq with a length the recording can express.
func (r *recorder) recordSeq(in Instruction) bool {
	length, ok := r.scalarIndex(in.A)
	if !ok {
		return false
	}
	from, ok1 := r.operand(in.C)
	by, ok2 := r.operand(in.B)
	if !ok1 || !ok2 {
		return false
	}
	fn, bn := r.b.Node(from), r.b.Node(by)
	if !fn.Out.IsScalar() || !bn.Out.IsScalar() || !fn.Type.IsNumeric() || !bn.Type.IsNumeric() {
		return false
	}
	n := asIndex(r.t.in(in.A))
	if n < 0 {
		return false
	}
	typ := vec.Integer
	if fn.Type == vec.Double || bn.Type == vec.Double {
		typ = vec.Double
	}
	var shape trace.Shape
	if r.b.IsConst(length) {
		shape = r.b.ShapeOf(int(n))
	} else {
		ge, err := emitArith(r.b, vec.OpGe, length, trace.RefZero)
		if err != nil {
			r.fail("%s", err)
		}
		r.b.EmitGuard(trace.Node{Op: trace.OpGTrue, A: ge, Type: vec.Logical, In: trace.Scalar, Out: trace.Scalar}, r.pc, trace.ExitGuard)
		shape = trace.Shape{Length: length, Constant: false, TraceLength: int(n)}
	}
	ref := r.b.Emit(trace.Node{Op: trace.OpSeq, A: r.cast(from, typ), B: r.cast(by, typ), Type: typ, In: trace.Scalar, Out: shape})
	r.setSlot(in.C, ref)
	return true
}
