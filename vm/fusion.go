package vm

import (
	"fmt"

	"github.com/chazu/quill/vm/trace"
	"github.com/chazu/quill/vm/vec"
)

// fusion is a batch of deferred vector operations. seq results at least
// FusionWidth long, and the arithmetic applied to them, become IR nodes
// instead of vectors; the interpreter holds Futures for them. The first
// consumer that needs a concrete vector runs the whole batch as one linear
// trace, producing every future that is still reachable.
type fusion struct {
	b       *trace.Builder
	futures []*Future
	// rec is the recording once the batch has run. A future that was not
	// reachable then is recomputed from it on demand.
	rec *trace.Recording
}

func (f *fusion) closed() bool { return f.rec != nil }

// fusing reports whether new operations may be deferred.
func (t *Thread) fusing() bool {
	return t.rt.Config.FusionWidth > 0 && (t.rec == nil || t.rec.skipping)
}

func (t *Thread) batch() *fusion {
	if t.fusion == nil {
		t.fusion = &fusion{b: trace.NewBuilder()}
	}
	return t.fusion
}

func (t *Thread) future(f *fusion, ref trace.Ref) *Future {
	n := f.b.Node(ref)
	fu := &Future{batch: f, ref: ref, typ: n.Type, length: n.Out.TraceLength}
	f.futures = append(f.futures, fu)
	return fu
}

// fuseSeq defers a seq long enough to be worth fusing.
func (t *Thread) fuseSeq(typ vec.Type, from, by Vector, n int) (Value, bool) {
	if !t.fusing() || n < t.rt.Config.FusionWidth {
		return nil, false
	}
	f := t.batch()
	start := f.b.Const(trace.ConstFrom(typ, from.Payload()))
	step := f.b.Const(trace.ConstFrom(typ, by.Payload()))
	ref := f.b.Emit(trace.Node{Op: trace.OpSeq, A: start, B: step, Type: typ, In: trace.Scalar, Out: f.b.ShapeOf(n)})
	return t.future(f, ref), true
}

// fuseOperand returns the IR value of v in the open batch. Futures of the
// batch are used directly; other attribute-free atomic vectors become
// constants.
func (t *Thread) fuseOperand(f *fusion, v Value) (trace.Ref, bool) {
	if fu, ok := v.(*Future); ok && fu.batch == f && fu.value == nil {
		return fu.ref, true
	}
	vv, ok := t.bind(v).(Vector)
	if !ok || !traceableType(vv.Type()) || vv.Attributes() != nil {
		return trace.NoRef, false
	}
	return f.b.Const(trace.ConstFrom(vv.Type(), vv.Payload())), true
}

// fuseArith defers op when an operand is a future of the open batch.
func (t *Thread) fuseArith(op vec.Op, a, b Value) (Value, bool) {
	if !t.fusing() || t.fusion == nil {
		return nil, false
	}
	f := t.fusion
	binary := op.Group() == vec.GroupBinary
	if !pendingIn(f, a) && !(binary && pendingIn(f, b)) {
		return nil, false
	}
	x, ok := t.fuseOperand(f, a)
	y := trace.NoRef
	if ok && binary {
		y, ok = t.fuseOperand(f, b)
	}
	if !ok {
		return nil, false
	}
	ref, err := emitArith(f.b, op, x, y)
	if err != nil {
		return nil, false
	}
	return t.future(f, ref), true
}

func pendingIn(f *fusion, v Value) bool {
	fu, ok := v.(*Future)
	return ok && fu.batch == f && fu.value == nil
}

// bind returns v with any future replaced by its vector.
func (t *Thread) bind(v Value) Value {
	fu, ok := v.(*Future)
	if !ok {
		return v
	}
	if fu.value == nil {
		if fu.batch.closed() {
			t.recompute(fu)
		} else {
			t.runBatch(fu.batch, fu)
		}
	}
	return fu.value
}

// flushFusion runs the open batch, if any.
func (t *Thread) flushFusion() {
	if t.fusion != nil {
		t.runBatch(t.fusion, nil)
	}
}

// runBatch closes f and computes every future that is still reachable
// from the thread, plus want.
func (t *Thread) runBatch(f *fusion, want *Future) {
	if t.fusion == f {
		t.fusion = nil
	}
	live := t.liveFutures(f)
	if want != nil && !containsFuture(live, want) {
		live = append(live, want)
	}
	for _, fu := range live {
		f.b.Output(fu.ref)
	}
	f.b.EmitGuard(trace.Node{Op: trace.OpExit, In: trace.Empty, Out: trace.Empty}, 0, trace.ExitEnd)
	f.rec = f.b.Finish(false)
	values := t.runFused(f.rec)
	for i, fu := range live {
		fu.value = values[i].(Vector)
	}
	jitLog.Debugf("fused %d nodes into %d vectors", len(f.rec.Nodes), len(live))
}

// recompute produces a future its closed batch did not keep.
func (t *Thread) recompute(fu *Future) {
	rec := *fu.batch.rec
	rec.Outputs = []trace.Ref{fu.ref}
	fu.value = t.runFused(&rec)[0].(Vector)
}

func (t *Thread) runFused(rec *trace.Recording) []Value {
	tr, err := trace.Optimize(rec)
	if err != nil {
		panic(fmt.Sprintf("fusion: %s", err))
	}
	ct := compileTrace(loopKey{}, "<fusion>", tr, t.rt.JIT)
	return t.runLinear(ct, len(rec.Outputs))
}

// liveFutures finds the pending futures of f held in registers or in the
// environments of active frames.
func (t *Thread) liveFutures(f *fusion) []*Future {
	var live []*Future
	note := func(v Value) {
		if fu, ok := v.(*Future); ok && fu.batch == f && fu.value == nil && !containsFuture(live, fu) {
			live = append(live, fu)
		}
	}
	for _, v := range t.regs {
		note(v)
	}
	for _, fr := range t.frames {
		if !t.heap.Valid(fr.env) {
			continue
		}
		for _, name := range t.heap.Names(fr.env) {
			if v, ok := t.heap.Get(fr.env, name); ok {
				note(v)
			}
		}
	}
	note(t.result)
	return live
}

func containsFuture(fs []*Future, fu *Future) bool {
	for _, x := range fs {
		if x == fu {
			return true
		}
	}
	return false
}
