package vm

import (
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// CallFrame: Execution state for one invocation
// ---------------------------------------------------------------------------

// CallFrame is the state of one function call, promise evaluation or eval.
type CallFrame struct {
	proto    *Prototype
	env      EnvRef
	base     int   // start of the register window in the thread's stack
	returnPC int   // pc to resume in the caller
	dest     int64 // caller register receiving ret, or -1

	// promise is the promise this frame evaluates, for retp.
	promise *Promise

	// resultSlot is the register done reads the result from, for eval
	// frames. -1 yields NULL.
	resultSlot int
}

const (
	// pcDone ends the interpreter loop.
	pcDone = -1

	maxFrames = 5000
)

// ---------------------------------------------------------------------------
// Thread: an execution context
// ---------------------------------------------------------------------------

// Thread executes bytecode. It owns a frame stack and a register stack;
// the heap, global environment and JIT are shared through the runtime.
type Thread struct {
	rt   *Runtime
	heap *Heap

	frames []*CallFrame
	cur    *CallFrame
	regs   []Value
	result Value

	warnings []Warning
	visible  bool

	// rec is the active recording, if any.
	rec *recorder
	// inTrace counts compiled traces executing on this thread.
	inTrace int
	// fusion is the pending batch of deferred vector operations.
	fusion *fusion
}

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Close detaches the thread from its runtime.
func (t *Thread) Close() {
	t.rt.mu.Lock()
	delete(t.rt.threads, t)
	t.rt.mu.Unlock()
}

// Visible reports whether the last evaluated value should be printed.
func (t *Thread) Visible() bool { return t.visible }

// Depth returns the number of active frames.
func (t *Thread) Depth() int { return len(t.frames) }

func (t *Thread) top() *CallFrame { return t.cur }

func (t *Thread) push(f *CallFrame) {
	if len(t.frames) >= maxFrames {
		panic(errorf("evaluation nested too deeply: infinite recursion / options(expressions=)?"))
	}
	if t.cur != nil {
		f.base = t.cur.base + t.cur.proto.Registers
	}
	need := f.base + f.proto.Registers
	if need > len(t.regs) {
		grown := make([]Value, need*2)
		copy(grown, t.regs)
		t.regs = grown
	}
	window := t.regs[f.base:need]
	for i := range window {
		window[i] = Nil
	}
	t.frames = append(t.frames, f)
	t.cur = f
}

func (t *Thread) pop() *CallFrame {
	f := t.cur
	window := t.regs[f.base : f.base+f.proto.Registers]
	for i := range window {
		window[i] = nil
	}
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
	if n := len(t.frames); n > 0 {
		t.cur = t.frames[n-1]
	} else {
		t.cur = nil
	}
	return f
}

// unwind pops frames until depth remain.
func (t *Thread) unwind(depth int) {
	for len(t.frames) > depth {
		if f := t.pop(); f.promise != nil {
			f.promise.forcing = false
		}
	}
}

// roots reports every value the thread keeps alive.
func (t *Thread) roots(mark func(Value)) {
	for _, f := range t.frames {
		mark(f.env)
		if f.promise != nil {
			mark(f.promise)
		}
		for _, v := range t.regs[f.base : f.base+f.proto.Registers] {
			if v != nil {
				mark(v)
			}
		}
	}
	if t.result != nil {
		mark(t.result)
	}
}

// ---------------------------------------------------------------------------
// Operand access
// ---------------------------------------------------------------------------

func (t *Thread) reg(r int64) Value { return t.regs[t.cur.base+int(r)] }

func (t *Thread) setReg(r int64, v Value) { t.regs[t.cur.base+int(r)] = v }

// raw returns an operand as stored, futures included.
func (t *Thread) raw(x int64) Value {
	if isConstOperand(x) {
		return t.cur.proto.Constants[constIndex(x)]
	}
	return t.reg(x)
}

// in returns an operand for a consumer that needs a concrete value.
func (t *Thread) in(x int64) Value {
	return t.bind(t.raw(x))
}

func (t *Thread) name(k int64) string { return t.cur.proto.constantName(k) }

// ---------------------------------------------------------------------------
// Eval: the entry point and error boundary
// ---------------------------------------------------------------------------

// Eval runs p in env until it finishes and returns its result. done yields
// register resultSlot (NULL when negative); rets yields its operand. On an
// evaluation error the frame stack, the recorder and the trace state are
// put back as they were when Eval was entered. Any other panic is reported
// as an internal error after the same cleanup.
func (t *Thread) Eval(p *Prototype, env EnvRef, resultSlot int) (result Value, err error) {
	depth := len(t.frames)
	rec, inTrace := t.rec, t.inTrace
	t.visible = true
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		re, ok := r.(*RError)
		if !ok {
			vmLog.Errorf("internal error in %s: %v", p.Name, r)
			re = errorf("internal error: %v", r)
		}
		t.unwind(depth)
		if t.rec != nil && t.rec != rec {
			t.rec.abort("error: " + re.Message)
		}
		t.rec = nil
		if rec != nil && rec.active() {
			t.rec = rec
		}
		t.inTrace = inTrace
		t.result = nil
		result, err = nil, re
	}()

	if !t.heap.Valid(env) {
		return nil, errorf(msgStaleEnv)
	}
	t.push(&CallFrame{proto: p, env: env, returnPC: pcDone, dest: -1, resultSlot: resultSlot})
	t.loop(0, nil)
	result = t.bind(t.result)
	t.result = nil
	return result, nil
}

// EvalGlobal evaluates p in the global environment.
func (t *Thread) EvalGlobal(p *Prototype) (Value, error) {
	return t.Eval(p, t.rt.Global, -1)
}

// loop executes instructions until a frame returns pcDone or stop reports
// true. It returns the pc it stopped at.
func (t *Thread) loop(pc int, stop func(pc int) bool) int {
	for pc != pcDone {
		if stop != nil && stop(pc) {
			return pc
		}
		if t.rec != nil {
			if next, ran := t.rec.observe(pc); ran {
				pc = next
				continue
			}
		}
		in := t.cur.proto.Code[pc]
		h := dispatch[in.Op]
		if h == nil {
			panic(errorf("unknown opcode %s at %d in %s", in.Op, pc, t.cur.proto.Name))
		}
		pc = h(t, pc, in)
	}
	return pc
}

// ---------------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------------

// handler executes one instruction and returns the next pc of the top
// frame.
type handler func(t *Thread, pc int, in Instruction) int

var dispatch [numOpcodes]handler

func init() {
	dispatch = [numOpcodes]handler{
		OpJmp:      opJmp,
		OpJc:       opJc,
		OpForBegin: opForBegin,
		OpForEnd:   opForEnd,
		OpCall:     opCall,
		OpRet:      opRet,
		OpRetP:     opRetP,
		OpRetS:     opRetS,
		OpDone:     opDone,

		OpExternal: opExternal,
		OpInternal: opInternal,

		OpLoad:    opLoad,
		OpLoadFn:  opLoadFn,
		OpStore:   opStore,
		OpStoreUp: opStoreUp,
		OpRm:      opRm,
		OpDotsV:   opDotsV,
		OpDotsC:   opDotsC,
		OpDots:    opDots,
		OpMissing: opMissing,

		OpMov:        opMov,
		OpFastMov:    opMov,
		OpType:       opType,
		OpLength:     opLength,
		OpGet:        opGet,
		OpSet:        opSet,
		OpGetSub:     opGetSub,
		OpSetSub:     opSetSub,
		OpGetEnv:     opGetEnv,
		OpSetEnv:     opSetEnv,
		OpGetAttr:    opGetAttr,
		OpSetAttr:    opSetAttr,
		OpAttributes: opAttributes,
		OpStrip:      opStrip,
		OpAs:         opAs,

		OpEnvNew:    opEnvNew,
		OpEnvExists: opEnvExists,
		OpEnvRemove: opEnvRemove,
		OpEnvGlobal: opEnvGlobal,
		OpFnNew:     opFnNew,

		OpIfElse: opIfElse,
		OpVector: opVector,
		OpSeq:    opSeq,
		OpRep:    opRep,
	}
	for op := OpNeg; op <= OpCumProd; op++ {
		dispatch[op] = opArith
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func opJmp(t *Thread, pc int, in Instruction) int {
	target := pc + int(in.A)
	if in.A < 0 {
		return t.backEdge(pc, target)
	}
	return target
}

// truth interprets a branch condition.
func truth(v Value) bool {
	var x int8
	switch c := v.(type) {
	case *Logical:
		if c.Len() != 1 {
			panic(errorf(msgConditionLength))
		}
		x = c.At(0)
	case *Integer, *Double:
		vv := c.(Vector)
		if vv.Len() != 1 {
			panic(errorf(msgConditionLength))
		}
		x = Coerce(vv, vec.Logical).(*Logical).At(0)
	default:
		panic(errorf(msgConditionLength))
	}
	if x == vec.NALogical {
		panic(errorf(msgNAInCondition))
	}
	return x != vec.False
}

func opJc(t *Thread, pc int, in Instruction) int {
	if truth(t.in(in.C)) {
		return pc + int(in.A)
	}
	return pc + int(in.B)
}

// loopEnd returns the pc after the loop whose forbegin is at pc.
func loopEnd(code []Instruction, pc int) int {
	return jumpTarget(code, pc+1)
}

func opForBegin(t *Thread, pc int, in Instruction) int {
	seq := t.in(in.B)
	n := Length(seq)
	switch seq.(type) {
	case Null, Vector:
	default:
		panic(errorf("invalid for() loop sequence"))
	}
	t.setReg(in.C, IntegerOf(0))
	t.setReg(in.C+1, IntegerOf(int64(n)))
	if n == 0 {
		return loopEnd(t.cur.proto.Code, pc)
	}
	t.heap.Assign(t.cur.env, t.name(in.A), Element(seq.(Vector), 0))
	t.setReg(in.C, IntegerOf(1))
	return t.loopEntry(pc + 2)
}

func opForEnd(t *Thread, pc int, in Instruction) int {
	ik, ok1 := t.reg(in.C).(*Integer)
	nk, ok2 := t.reg(in.C + 1).(*Integer)
	if !ok1 || !ok2 {
		panic(errorf("for() loop counter overwritten"))
	}
	i, n := ik.At(0), nk.At(0)
	if i >= n {
		return pc + 2
	}
	seq, ok := t.in(in.B).(Vector)
	if !ok || int(n) > Length(seq) {
		panic(errorf("for() loop sequence overwritten"))
	}
	t.heap.Assign(t.cur.env, t.name(in.A), Element(seq, int(i)))
	t.setReg(in.C, IntegerOf(i+1))
	return t.enterTrace(jumpTarget(t.cur.proto.Code, pc+1))
}

func opRet(t *Thread, pc int, in Instruction) int {
	v := t.raw(in.A)
	f := t.pop()
	if f.dest >= 0 {
		t.setReg(f.dest, v)
	}
	return f.returnPC
}

func opRetP(t *Thread, pc int, in Instruction) int {
	v := t.in(in.A)
	f := t.pop()
	f.promise.value = v
	f.promise.forcing = false
	return f.returnPC
}

func opRetS(t *Thread, pc int, in Instruction) int {
	t.result = t.raw(in.A)
	t.pop()
	return pcDone
}

func opDone(t *Thread, pc int, in Instruction) int {
	t.result = Nil
	if t.cur.resultSlot >= 0 {
		t.result = t.reg(int64(t.cur.resultSlot))
	}
	t.pop()
	return pcDone
}

// ---------------------------------------------------------------------------
// Builtins and externals
// ---------------------------------------------------------------------------

func (t *Thread) args(first, n int64) []Value {
	args := make([]Value, n)
	for i := range args {
		args[i] = t.in(first + int64(i))
	}
	return args
}

func opInternal(t *Thread, pc int, in Instruction) int {
	name := t.name(in.A)
	fn, ok := t.rt.builtins[name]
	if !ok {
		panic(errorf("could not find builtin \"%s\"", name))
	}
	t.visible = true
	t.setReg(in.C, fn(t, t.args(in.C, in.B)))
	return pc + 1
}

func opExternal(t *Thread, pc int, in Instruction) int {
	fn, ok := t.rt.lookupExternal(t.name(in.A))
	if !ok {
		panic(errorf(msgNoExternal))
	}
	t.setReg(in.C, fn(t, t.args(in.C, in.B)))
	return pc + 1
}

// ---------------------------------------------------------------------------
// Load/store
// ---------------------------------------------------------------------------

func opLoad(t *Thread, pc int, in Instruction) int {
	name := t.name(in.A)
	v, where, ok := t.heap.Lookup(t.cur.env, name)
	if !ok {
		panic(objectNotFound(name))
	}
	if p, ok := v.(*Promise); ok {
		if !p.Forced() {
			return t.force(p, pc)
		}
		v = p.value
		t.heap.Assign(where, name, v)
	}
	t.setReg(in.C, v)
	return pc + 1
}

func opLoadFn(t *Thread, pc int, in Instruction) int {
	name := t.name(in.A)
	for e := t.cur.env; !e.IsNil(); e = t.heap.Parent(e) {
		v, ok := t.heap.Get(e, name)
		if !ok {
			continue
		}
		if p, ok := v.(*Promise); ok {
			if !p.Forced() {
				return t.force(p, pc)
			}
			v = p.value
			t.heap.Assign(e, name, v)
		}
		if _, ok := v.(*Closure); ok {
			t.setReg(in.C, v)
			return pc + 1
		}
	}
	panic(errorf("could not find function \"%s\"", name))
}

func opStore(t *Thread, pc int, in Instruction) int {
	t.heap.Assign(t.cur.env, t.name(in.A), t.raw(in.C))
	return pc + 1
}

func opStoreUp(t *Thread, pc int, in Instruction) int {
	name := t.name(in.A)
	target := t.rt.Global
	for e := t.heap.Parent(t.cur.env); !e.IsNil(); e = t.heap.Parent(e) {
		if _, ok := t.heap.Get(e, name); ok {
			target = e
			break
		}
	}
	t.heap.Assign(target, name, t.raw(in.C))
	return pc + 1
}

func opRm(t *Thread, pc int, in Instruction) int {
	t.heap.Remove(t.cur.env, t.name(in.A))
	t.setReg(in.C, Nil)
	t.visible = false
	return pc + 1
}

// dotsEnv returns the nearest environment on the lexical chain with a
// variadic list.
func (t *Thread) dotsEnv() EnvRef {
	for e := t.cur.env; !e.IsNil(); e = t.heap.Parent(e) {
		if t.heap.Dots(e) != nil {
			return e
		}
	}
	return t.cur.env
}

// forceDot makes element i of the variadic list of e concrete. It returns
// the value, or a pc to continue at while a promise is evaluated.
func (t *Thread) forceDot(e EnvRef, i, pc int) (Value, int, bool) {
	dots := t.heap.Dots(e)
	v := dots[i].Value
	if p, ok := v.(*Promise); ok {
		if !p.Forced() {
			return nil, t.force(p, pc), false
		}
		v = p.value
		dots[i].Value = v
	}
	return v, 0, true
}

func opDotsV(t *Thread, pc int, in Instruction) int {
	idx := int(asIndex(t.in(in.A)))
	e := t.dotsEnv()
	if idx < 1 || idx > len(t.heap.Dots(e)) {
		panic(errorf("the ... list does not contain %d elements", idx))
	}
	v, next, ok := t.forceDot(e, idx-1, pc)
	if !ok {
		return next
	}
	t.setReg(in.C, v)
	return pc + 1
}

func opDotsC(t *Thread, pc int, in Instruction) int {
	t.setReg(in.C, IntegerOf(int64(len(t.heap.Dots(t.dotsEnv())))))
	return pc + 1
}

// opDots forces the variadic list one element at a time, re-executing
// until every element is concrete, then collects it into a list. Forced
// elements are replaced by their values, so a re-execution passes over
// them without forcing again.
func opDots(t *Thread, pc int, in Instruction) int {
	e := t.dotsEnv()
	dots := t.heap.Dots(e)
	for i := range dots {
		if _, next, ok := t.forceDot(e, i, pc); !ok {
			return next
		}
	}
	out := NewList(len(dots))
	names := make([]string, len(dots))
	for i, d := range dots {
		out.elems[i] = d.Value
		names[i] = d.Name
	}
	var result Vector = out
	if t.heap.DotsNamed(e) {
		result = out.WithAttributes((*Attributes)(nil).With("names", CharacterOf(names...)))
	}
	t.setReg(in.C, result)
	return pc + 1
}

func opMissing(t *Thread, pc int, in Instruction) int {
	v, ok := t.heap.Get(t.cur.env, t.name(in.A))
	missing := !ok
	if p, isPromise := v.(*Promise); ok && isPromise {
		switch p.Kind {
		case PromiseDefault, PromiseMissing:
			missing = true
		case PromiseDotDot:
			if q, ok := t.heap.Dots(p.Env)[p.Index].Value.(*Promise); ok && q.Kind == PromiseMissing {
				missing = true
			}
		}
	}
	t.setReg(in.C, ScalarLogical(missing))
	return pc + 1
}
