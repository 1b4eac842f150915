package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/quill/vm/trace"
	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Compiled traces
// ---------------------------------------------------------------------------

// A step executes one scheduled node. It returns stepNext to continue, an
// exit index, or stepLeft when a spliced region left the trace's frame.
type step func(x *execState) int

const (
	stepNext = -1
	stepLeft = -2
)

// compiledTrace is a trace ready to run: one closure per scheduled node.
type compiledTrace struct {
	key  loopKey
	name string
	tr   *trace.Trace
	jit  *JIT

	pre, body []step
	phis      []phiCopy

	exitCounts []uint64
	invalid    bool
}

type phiCopy struct {
	dst int16
	src trace.Ref
}

// execState is the machine state of one trace run.
type execState struct {
	t     *Thread
	ct    *compiledTrace
	env   EnvRef
	frame *CallFrame
	depth int
	regs  []any
	temps []any

	// pc is where the interpreter resumes after stepLeft.
	pc int
	// outputs receives the output values of a linear trace.
	outputs []Value
}

func compileTrace(key loopKey, name string, tr *trace.Trace, j *JIT) *compiledTrace {
	ct := &compiledTrace{key: key, name: name, tr: tr, jit: j, exitCounts: make([]uint64, len(tr.Exits))}
	for i, r := range tr.Order {
		s := ct.compile(r)
		if i < tr.Body {
			ct.pre = append(ct.pre, s)
		} else {
			ct.body = append(ct.body, s)
		}
	}
	for _, p := range tr.Phis {
		n := tr.Nodes[p]
		ct.phis = append(ct.phis, phiCopy{dst: tr.Nodes[n.A].Reg, src: n.B})
	}
	return ct
}

// run executes the trace until an exit is taken or a spliced region leaves
// the frame.
func (x *execState) run() int {
	for _, s := range x.ct.pre {
		if r := s(x); r != stepNext {
			return r
		}
	}
	if !x.ct.tr.Looping() {
		panic(fmt.Sprintf("trace for %s ends without an exit", x.ct.name))
	}
	for {
		for _, s := range x.ct.body {
			if r := s(x); r != stepNext {
				return r
			}
		}
		x.copyPhis()
	}
}

// copyPhis moves the values computed by the body into the registers the
// next iteration reads. All sources are read before any destination is
// written.
func (x *execState) copyPhis() {
	if len(x.temps) < len(x.ct.phis) {
		x.temps = make([]any, len(x.ct.phis))
	}
	for i, p := range x.ct.phis {
		x.temps[i] = copyPayload(x.temps[i], x.value(p.src))
	}
	for i, p := range x.ct.phis {
		x.regs[p.dst] = copyPayload(x.regs[p.dst], x.temps[i])
	}
}

// runTrace executes ct in the current frame, entered at pc, and returns the
// pc the interpreter continues at.
func (t *Thread) runTrace(ct *compiledTrace, pc int) int {
	if ct.invalid {
		return pc
	}
	t.flushFusion()
	j := ct.jit
	atomic.AddUint64(&j.entries, 1)
	x := &execState{
		t: t, ct: ct, env: t.cur.env, frame: t.cur, depth: len(t.frames),
		regs: make([]any, len(ct.tr.Regs)),
	}
	t.inTrace++
	r := x.run()
	t.inTrace--
	if r == stepLeft {
		return x.pc
	}
	return x.takeExit(r)
}

// takeExit writes the snapshot of exit i back to the interpreter and
// returns its pc. Guard exits are counted; a trace that keeps failing is
// invalidated.
func (x *execState) takeExit(i int) int {
	e := &x.ct.tr.Exits[i]
	x.flush(e.Snapshot)
	if e.Kind == trace.ExitGuard && x.ct.jit != nil {
		j := x.ct.jit
		atomic.AddUint64(&j.sideExits, 1)
		n := atomic.AddUint64(&x.ct.exitCounts[i], 1)
		if limit := j.cfg.ExitBlacklist; limit > 0 && n > uint64(limit) && !x.ct.invalid {
			j.invalidate(x.ct, n)
		}
	}
	return e.PC
}

// flush materializes every snapshot entry.
func (x *execState) flush(snap []trace.SnapEntry) {
	for _, s := range snap {
		v := x.materialize(s.Value)
		switch s.Loc.Kind {
		case trace.LocSlot:
			x.t.regs[x.frame.base+int(x.intConst(s.Loc.Key))] = v
		case trace.LocVar:
			x.t.heap.Assign(x.env, x.stringConst(s.Loc.Key), v)
		case trace.LocOutput:
			x.outputs[s.Loc.Key] = v
		}
	}
}

// materialize turns a node's current value into an interpreter value.
func (x *execState) materialize(r trace.Ref) Value {
	n := &x.ct.tr.Nodes[r]
	if n.Op == trace.OpCurEnv {
		return x.env
	}
	return VectorFrom(n.Type, copyPayload(nil, x.value(r)))
}

// ---------------------------------------------------------------------------
// Operand access
// ---------------------------------------------------------------------------

func (x *execState) intConst(r trace.Ref) int64 {
	return x.ct.tr.Consts[x.ct.tr.Nodes[r].A].I[0]
}

func (x *execState) stringConst(r trace.Ref) string {
	return x.ct.tr.Consts[x.ct.tr.Nodes[r].A].S[0]
}

// value returns the payload of node r. Sunk nodes are recomputed.
func (x *execState) value(r trace.Ref) any {
	n := &x.ct.tr.Nodes[r]
	switch {
	case n.Op == trace.OpConst:
		return x.ct.tr.Consts[n.A].Payload()
	case n.Sunk:
		dst := vec.Make(n.Type, x.length(n.Out))
		x.compute(n, dst)
		return dst
	}
	return x.regs[n.Reg]
}

// length evaluates a shape.
func (x *execState) length(s trace.Shape) int {
	if s.Constant {
		return s.TraceLength
	}
	return int(x.value(s.Length).([]int64)[0])
}

// buf returns register reg sized for n elements of type typ, reusing its
// current buffer when it fits.
func (x *execState) buf(reg int16, typ vec.Type, n int) any {
	if cur := x.regs[reg]; cur != nil && payloadLen(cur) == n {
		return cur
	}
	b := vec.Make(typ, n)
	x.regs[reg] = b
	return b
}

// concrete reads an interpreter value as an attribute-free atomic vector.
func (x *execState) concrete(v Value) (Vector, bool) {
	if p, ok := v.(*Promise); ok {
		if !p.Forced() {
			return nil, false
		}
		v = p.value
	}
	v = x.t.bind(v)
	vv, ok := v.(Vector)
	if !ok || vv.Attributes() != nil {
		return nil, false
	}
	return vv, true
}

func payloadLen(p any) int {
	switch s := p.(type) {
	case []int8:
		return len(s)
	case []int64:
		return len(s)
	case []float64:
		return len(s)
	case []string:
		return len(s)
	case []byte:
		return len(s)
	}
	return 0
}

// copyPayload copies src into dst, reallocating dst when the lengths
// differ.
func copyPayload(dst, src any) any {
	switch s := src.(type) {
	case []int8:
		d, ok := dst.([]int8)
		if !ok || len(d) != len(s) {
			d = make([]int8, len(s))
		}
		copy(d, s)
		return d
	case []int64:
		d, ok := dst.([]int64)
		if !ok || len(d) != len(s) {
			d = make([]int64, len(s))
		}
		copy(d, s)
		return d
	case []float64:
		d, ok := dst.([]float64)
		if !ok || len(d) != len(s) {
			d = make([]float64, len(s))
		}
		copy(d, s)
		return d
	case []string:
		d, ok := dst.([]string)
		if !ok || len(d) != len(s) {
			d = make([]string, len(s))
		}
		copy(d, s)
		return d
	}
	panic(fmt.Sprintf("trace: no payload %T", src))
}

// ---------------------------------------------------------------------------
// Node compilation
// ---------------------------------------------------------------------------

func (ct *compiledTrace) compile(r trace.Ref) step {
	n := &ct.tr.Nodes[r]
	exit := int(n.Exit)
	switch n.Op {
	case trace.OpNop, trace.OpCurEnv:
		return func(*execState) int { return stepNext }

	case trace.OpSLoad, trace.OpLoad:
		read := ct.reader(n)
		return func(x *execState) int {
			vv, ok := x.concrete(read(x))
			if !ok || vv.Type() != n.Type || vv.Len() != x.length(n.Out) {
				return exit
			}
			x.regs[n.Reg] = copyPayload(x.regs[n.Reg], vv.Payload())
			return stepNext
		}

	case trace.OpSLength, trace.OpOLength:
		read := ct.reader(n)
		return func(x *execState) int {
			vv, ok := x.concrete(read(x))
			if !ok {
				return exit
			}
			x.buf(n.Reg, vec.Integer, 1).([]int64)[0] = int64(vv.Len())
			return stepNext
		}

	case trace.OpSStore:
		return func(x *execState) int {
			x.t.regs[x.frame.base+int(x.intConst(n.A))] = x.materialize(n.B)
			return stepNext
		}

	case trace.OpStore:
		return func(x *execState) int {
			x.t.heap.Assign(x.env, x.stringConst(n.B), x.materialize(n.C))
			return stepNext
		}

	case trace.OpGTrue, trace.OpGFalse:
		want := vec.Bool(n.Op == trace.OpGTrue)
		return func(x *execState) int {
			if x.value(n.A).([]int8)[0] != want {
				return exit
			}
			return stepNext
		}

	case trace.OpExit:
		return func(*execState) int { return exit }

	case trace.OpNest:
		start, end := int(n.A), int(n.B)
		return func(x *execState) int {
			x.flush(x.ct.tr.Exits[exit].Snapshot)
			t := x.t
			depth := x.depth
			t.inTrace--
			pc := t.loop(start, func(pc int) bool {
				return len(t.frames) < depth || (len(t.frames) == depth && pc == end)
			})
			t.inTrace++
			if pc == pcDone || len(t.frames) < depth {
				x.pc = pc
				return stepLeft
			}
			return stepNext
		}

	case trace.OpGather:
		return func(x *execState) int {
			idx := x.value(n.B).([]int64)
			src := x.value(n.A)
			if !inRange(idx, payloadLen(src)) {
				return exit
			}
			dst := x.buf(n.Reg, n.Type, x.length(n.Out))
			gatherPayload(dst, src, idx)
			return stepNext
		}

	case trace.OpScatter:
		return func(x *execState) int {
			idx := x.value(n.B).([]int64)
			src := x.value(n.A)
			if !inRange(idx, payloadLen(src)) {
				return exit
			}
			dst := copyPayload(x.regs[n.Reg], src)
			x.regs[n.Reg] = dst
			scatterPayload(dst, idx, x.value(n.C))
			return stepNext
		}
	}

	if n.Op.IsPure() {
		return func(x *execState) int {
			x.compute(n, x.buf(n.Reg, n.Type, x.length(n.Out)))
			return stepNext
		}
	}
	panic(fmt.Sprintf("trace: cannot execute %s", n.Op))
}

// reader returns the interpreter value a load or length node reads.
func (ct *compiledTrace) reader(n *trace.Node) func(x *execState) Value {
	switch n.Op {
	case trace.OpSLoad, trace.OpSLength:
		return func(x *execState) Value {
			return x.t.regs[x.frame.base+int(x.intConst(n.A))]
		}
	}
	if ct.tr.Nodes[n.A].Op != trace.OpCurEnv {
		panic(fmt.Sprintf("trace: %s from an environment other than the frame's", n.Op))
	}
	return func(x *execState) Value {
		v, _, ok := x.t.heap.Lookup(x.env, x.stringConst(n.B))
		if !ok {
			return Nil
		}
		return v
	}
}

// compute evaluates a pure node into dst.
func (x *execState) compute(n *trace.Node, dst any) {
	switch n.Op {
	case trace.OpCast:
		vec.Cast(x.ct.tr.Nodes[n.A].Type, n.Type, dst, x.value(n.A))
		return
	case trace.OpSeq:
		switch d := dst.(type) {
		case []int64:
			vec.Seq(d, x.value(n.A).([]int64)[0], x.value(n.B).([]int64)[0])
		case []float64:
			vec.Seq(d, x.value(n.A).([]float64)[0], x.value(n.B).([]float64)[0])
		}
		return
	}
	op, ok := n.Op.Vec()
	if !ok {
		panic(fmt.Sprintf("trace: %s is not computable", n.Op))
	}
	var b any
	if op.Group() == vec.GroupBinary {
		b = x.value(n.B)
	}
	if vec.Apply(op, x.ct.tr.Nodes[n.A].Type, dst, x.value(n.A), b) {
		x.t.warn(msgOverflow)
	}
}

func inRange(idx []int64, n int) bool {
	for _, k := range idx {
		if k == vec.NAInteger || k < 1 || k > int64(n) {
			return false
		}
	}
	return true
}

func gatherPayload(dst, src any, idx []int64) {
	switch d := dst.(type) {
	case []int8:
		vec.Gather(d, src.([]int8), idx, vec.NALogical)
	case []int64:
		vec.Gather(d, src.([]int64), idx, vec.NAInteger)
	case []float64:
		vec.Gather(d, src.([]float64), idx, vec.NADouble)
	case []string:
		vec.Gather(d, src.([]string), idx, vec.NAString)
	}
}

func scatterPayload(dst any, idx []int64, vals any) {
	switch d := dst.(type) {
	case []int8:
		vec.Scatter(d, idx, vals.([]int8))
	case []int64:
		vec.Scatter(d, idx, vals.([]int64))
	case []float64:
		vec.Scatter(d, idx, vals.([]float64))
	case []string:
		vec.Scatter(d, idx, vals.([]string))
	}
}

// ---------------------------------------------------------------------------
// Linear traces
// ---------------------------------------------------------------------------

// runLinear executes a trace that ends in an exit with outputs, outside any
// frame, and returns the outputs.
func (t *Thread) runLinear(ct *compiledTrace, outputs int) []Value {
	x := &execState{t: t, ct: ct, regs: make([]any, len(ct.tr.Regs)), outputs: make([]Value, outputs)}
	t.inTrace++
	r := x.run()
	t.inTrace--
	x.flush(ct.tr.Exits[r].Snapshot)
	return x.outputs
}
