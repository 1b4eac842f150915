package trace

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/chazu/quill/vm/vec"
)

// ErrUnstable is returned for loops whose carried values change type or
// shape between iterations.
var ErrUnstable = errors.New("trace: loop is not type stable")

type unstable struct{ reason string }

// Trace is an optimized recording with its evaluation order and register
// assignment.
type Trace struct {
	Nodes  []Node
	Consts []Const
	Exits  []Exit

	// Order lists the nodes to evaluate. Order[:Body] runs once; for a
	// looping trace Order[Body:] then repeats, followed by the phi copies,
	// until an exit is taken.
	Order []Ref
	Body  int
	Loop  Ref
	Phis  []Ref

	Regs []RegClass

	// Recorded is the number of nodes in the recording.
	Recorded int
}

// Looping reports whether t closes a loop.
func (t *Trace) Looping() bool { return t.Loop != NoRef }

type aliasKind uint8

const (
	noAlias aliasKind = iota
	mayAlias
	mustAlias
)

type optimizer struct {
	rec    *Recording
	g      *graph
	subst  []Ref
	origin []int32
	snap   []SnapEntry
	loop   Ref
	kept   *bitset.BitSet
}

// Optimize replays a recording through forwarding, folding and value
// numbering, peels one iteration of a looping recording into a preamble
// with phis for the carried values, then removes dead stores and dead
// nodes, sinks values only needed by exits, schedules and assigns
// registers.
func Optimize(rec *Recording) (t *Trace, err error) {
	defer func() {
		if r := recover(); r != nil {
			u, ok := r.(unstable)
			if !ok {
				panic(r)
			}
			t, err = nil, fmt.Errorf("%w: %s", ErrUnstable, u.reason)
		}
	}()

	o := &optimizer{rec: rec, g: newGraph(), loop: NoRef}
	o.pass()
	var phis []Ref
	if rec.Looping {
		o.loop = o.g.append(Node{Op: OpLoop, In: Empty, Out: Empty})
		o.pass()
		phis = o.phis()
	}
	o.eliminateDeadStores()
	o.markLive(phis)
	o.sink()

	t = &Trace{
		Nodes:    o.g.nodes,
		Consts:   o.g.consts,
		Exits:    o.g.exits,
		Loop:     o.loop,
		Recorded: len(rec.Nodes),
	}
	for _, p := range phis {
		if o.g.nodes[p].Live {
			t.Phis = append(t.Phis, p)
		}
	}
	t.Order, t.Body = o.schedule()
	allocate(t)
	return t, nil
}

func (o *optimizer) pass() {
	o.subst = make([]Ref, len(o.rec.Nodes))
	for i, n := range o.rec.Nodes {
		o.subst[i] = o.replay(n, i)
	}
}

func (o *optimizer) replay(n Node, i int) Ref {
	switch n.Op {
	case OpNop:
		return NoRef
	case OpConst:
		return o.g.constant(o.rec.Consts[n.A])
	}
	a, b, c := n.Op.refOperands()
	if a {
		n.A = o.subst[n.A]
	}
	if b {
		n.B = o.subst[n.B]
	}
	if c {
		n.C = o.subst[n.C]
	}
	n.In = o.substShape(n.In)
	n.Out = o.substShape(n.Out)
	return o.insert(n, i)
}

func (o *optimizer) substShape(s Shape) Shape {
	l := o.subst[s.Length]
	return Shape{Length: l, Constant: o.g.isConst(l), TraceLength: s.TraceLength}
}

func (o *optimizer) setOrigin(r Ref, rec int) {
	for len(o.origin) <= int(r) {
		o.origin = append(o.origin, -1)
	}
	o.origin[r] = int32(rec)
}

func (o *optimizer) originOf(r Ref) int {
	if int(r) >= len(o.origin) {
		return -1
	}
	return int(o.origin[r])
}

// insert adds an already substituted node to the output, or returns an
// equivalent existing ref.
func (o *optimizer) insert(n Node, rec int) Ref {
	n = o.normalize(n)
	switch {
	case n.Op.IsPure():
		if r, ok := o.fold(n); ok {
			return r
		}
		if r, ok := o.reduce(n, rec); ok {
			return r
		}
	case n.Op.IsLoad():
		if r, ok := o.forward(n); ok {
			return r
		}
	case n.Op == OpGTrue || n.Op == OpGFalse:
		if o.g.isConst(n.A) {
			c := o.g.constOf(n.A)
			want := vec.Bool(n.Op == OpGTrue)
			if c.Type == vec.Logical && len(c.L) == 1 && c.L[0] == want {
				return n.A
			}
		}
	}
	if r, ok := o.g.lookup(n); ok {
		return r
	}
	if n.Op.HasExit() {
		n.Exit = o.exit(n)
	}
	r := o.g.append(n)
	o.g.remember(n, r)
	o.setOrigin(r, rec)
	switch n.Op {
	case OpSStore, OpStore:
		o.record(locationOf(n), storedValue(n))
	case OpNest:
		o.snap = nil
	}
	return r
}

func (o *optimizer) exit(n Node) int32 {
	if n.Exit < 0 {
		panic(fmt.Sprintf("trace: %s recorded without an exit", n.Op))
	}
	re := o.rec.Exits[n.Exit]
	e := Exit{PC: re.PC, Kind: re.Kind, Snapshot: append([]SnapEntry(nil), o.snap...)}
	if n.Op == OpExit && re.Kind == ExitEnd {
		for i, out := range o.rec.Outputs {
			e.Snapshot = append(e.Snapshot, SnapEntry{
				Loc:   Location{Kind: LocOutput, Env: NoRef, Key: Ref(i)},
				Value: o.subst[out],
			})
		}
	}
	o.g.exits = append(o.g.exits, e)
	return int32(len(o.g.exits) - 1)
}

// record notes that loc now holds v.
func (o *optimizer) record(loc Location, v Ref) {
	for i := range o.snap {
		if o.snap[i].Loc == loc {
			o.snap[i].Value = v
			return
		}
	}
	o.snap = append(o.snap, SnapEntry{Loc: loc, Value: v})
}

func locationOf(n Node) Location {
	switch n.Op {
	case OpSLoad, OpSLength, OpSStore:
		return Location{Kind: LocSlot, Env: NoRef, Key: n.A}
	case OpLoad, OpOLength, OpStore:
		return Location{Kind: LocVar, Env: n.A, Key: n.B}
	}
	panic(fmt.Sprintf("trace: %s has no location", n.Op))
}

func storedValue(n Node) Ref {
	if n.Op == OpSStore {
		return n.B
	}
	return n.C
}

// alias classifies two locations. Variable names are interned constants,
// so different refs are different names. Across the loop edge an
// environment defined inside the loop may be a different one each time.
func (o *optimizer) alias(x, y Location, crossed bool) aliasKind {
	if x.Kind != y.Kind || x.Key != y.Key {
		return noAlias
	}
	if x.Kind != LocVar {
		return mustAlias
	}
	if x.Env == y.Env {
		if crossed && o.loop != NoRef && x.Env > o.loop {
			return mayAlias
		}
		return mustAlias
	}
	return mayAlias
}

// forward finds the value a load would read from an earlier store or an
// identical earlier load.
func (o *optimizer) forward(n Node) (Ref, bool) {
	loc := locationOf(n)
	crossed := false
	for r := Ref(len(o.g.nodes) - 1); r >= 0; r-- {
		m := o.g.nodes[r]
		switch {
		case m.Op == OpLoop:
			crossed = true
		case m.Op == OpNest:
			return NoRef, false
		case m.Op.IsStore():
			switch o.alias(loc, locationOf(m), crossed) {
			case mustAlias:
				v := storedValue(m)
				if n.Op == OpSLength || n.Op == OpOLength {
					return o.g.nodes[v].Out.Length, true
				}
				o.check(n, v)
				return v, true
			case mayAlias:
				return NoRef, false
			}
		case m.Op == n.Op && o.alias(loc, locationOf(m), crossed) == mustAlias:
			o.check(n, r)
			return r, true
		}
	}
	return NoRef, false
}

func (o *optimizer) check(load Node, v Ref) {
	m := o.g.nodes[v]
	if m.Type != load.Type || !m.Out.Equal(load.Out) {
		panic(unstable{fmt.Sprintf("%s of %s %s finds %s %s", load.Op, load.Type, o.lengthString(load.Out), m.Type, o.lengthString(m.Out))})
	}
}

func (o *optimizer) lengthString(s Shape) string {
	if s.Constant {
		return fmt.Sprintf("[%d]", s.TraceLength)
	}
	return fmt.Sprintf("[%%%d]", s.Length)
}

// phis connects every preamble value read in the loop body to the value the
// body computes for the same recorded node.
func (o *optimizer) phis() []Ref {
	seen := bitset.New(uint(o.loop))
	var work []Ref
	use := func(r Ref) {
		if r >= 0 && r < o.loop && !seen.Test(uint(r)) {
			seen.Set(uint(r))
			work = append(work, r)
		}
	}
	for r := int(o.loop) + 1; r < len(o.g.nodes); r++ {
		n := o.g.nodes[r]
		for _, d := range n.deps() {
			use(d)
		}
		if n.Exit >= 0 {
			for _, s := range o.g.exits[n.Exit].Snapshot {
				use(s.Value)
			}
		}
	}

	var phis []Ref
	for len(work) > 0 {
		r := work[len(work)-1]
		work = work[:len(work)-1]
		rec := o.originOf(r)
		if o.g.isConst(r) || rec < 0 {
			continue
		}
		c := o.subst[rec]
		if c == r || c == NoRef {
			continue
		}
		a, b := o.g.nodes[r], o.g.nodes[c]
		if a.Type != b.Type || !a.Out.Equal(b.Out) {
			panic(unstable{fmt.Sprintf("%%%d enters the loop as %s %s and leaves as %s %s",
				r, a.Type, o.lengthString(a.Out), b.Type, o.lengthString(b.Out))})
		}
		phis = append(phis, o.g.append(Node{Op: OpPhi, A: r, B: c, Type: a.Type, In: Empty, Out: a.Out}))
		use(c)
	}
	return phis
}

// eliminateDeadStores keeps only stores a remaining load might observe: a
// later load, or any load in the body when the store is in the body too.
// Every other write reaches memory through exit snapshots.
func (o *optimizer) eliminateDeadStores() {
	o.kept = bitset.New(uint(len(o.g.nodes)))
	var loads []Ref
	for r, n := range o.g.nodes {
		if n.Op.IsLoad() {
			loads = append(loads, Ref(r))
		}
	}
	inBody := func(r Ref) bool { return o.loop != NoRef && r > o.loop }
	for r, n := range o.g.nodes {
		if !n.Op.IsStore() {
			continue
		}
		s := Ref(r)
		loc := locationOf(n)
		for _, l := range loads {
			if l < s && !(inBody(l) && inBody(s)) {
				continue
			}
			if o.alias(locationOf(o.g.nodes[l]), loc, true) != noAlias {
				o.kept.Set(uint(r))
				break
			}
		}
	}
}

func (o *optimizer) markLive(phis []Ref) {
	nodes := o.g.nodes
	live := bitset.New(uint(len(nodes)))
	var work []Ref
	mark := func(r Ref) {
		if r >= 0 && !live.Test(uint(r)) {
			live.Set(uint(r))
			work = append(work, r)
		}
	}
	propagate := func() {
		for len(work) > 0 {
			r := work[len(work)-1]
			work = work[:len(work)-1]
			n := nodes[r]
			for _, d := range n.deps() {
				mark(d)
			}
			if n.Exit >= 0 {
				for _, s := range o.g.exits[n.Exit].Snapshot {
					mark(s.Value)
				}
			}
		}
	}

	for r, n := range nodes {
		if n.Op.HasExit() || n.Op == OpLoop || (n.Op.IsStore() && o.kept.Test(uint(r))) {
			mark(Ref(r))
		}
	}
	propagate()
	for changed := true; changed; {
		changed = false
		for _, p := range phis {
			if !live.Test(uint(p)) && live.Test(uint(nodes[p].A)) {
				mark(p)
				changed = true
			}
		}
		propagate()
	}
	for r := range nodes {
		nodes[r].Live = live.Test(uint(r))
	}
}

// sink marks scalar pure values that only exits read. They are recomputed
// when an exit is taken instead of on every pass through the trace.
func (o *optimizer) sink() {
	nodes := o.g.nodes
	used := bitset.New(uint(len(nodes)))
	for _, n := range nodes {
		if !n.Live {
			continue
		}
		for _, d := range n.deps() {
			if d >= 0 {
				used.Set(uint(d))
			}
		}
	}
	for r := range nodes {
		n := &nodes[r]
		if n.Live && n.Op.IsPure() && n.Op != OpConst && n.Op != OpCurEnv &&
			n.Out.IsScalar() && !used.Test(uint(r)) && !mayOverflow(*n) {
			n.Sunk = true
		}
	}
}

// mayOverflow reports whether evaluating n can raise the integer overflow
// warning, which must not move to a different point in the program.
func mayOverflow(n Node) bool {
	v, ok := n.Op.Vec()
	if !ok || n.Type != vec.Integer {
		return false
	}
	switch v {
	case vec.OpAdd, vec.OpSub, vec.OpMul, vec.OpSum, vec.OpCumSum:
		return true
	}
	return false
}

// schedule orders live nodes. Anchors keep their relative order; every
// other node is placed just before its first user, or at the end of its
// region when only a later region or a phi reads it.
func (o *optimizer) schedule() (order []Ref, body int) {
	nodes := o.g.nodes
	done := bitset.New(uint(len(nodes)))
	var visit func(r Ref)
	visit = func(r Ref) {
		if r < 0 || done.Test(uint(r)) {
			return
		}
		done.Set(uint(r))
		n := nodes[r]
		if n.Op == OpConst {
			return
		}
		for _, d := range n.deps() {
			visit(d)
		}
		if n.Exit >= 0 {
			for _, s := range o.g.exits[n.Exit].Snapshot {
				visit(s.Value)
			}
		}
		if n.Sunk || n.Op == OpPhi || n.Op == OpLoop {
			return
		}
		order = append(order, r)
	}
	region := func(lo, hi Ref) {
		for r := lo; r < hi; r++ {
			if nodes[r].Live && nodes[r].Op.IsAnchor() {
				visit(r)
			}
		}
		for r := lo; r < hi; r++ {
			if nodes[r].Live && nodes[r].Op != OpPhi {
				visit(r)
			}
		}
	}
	if o.loop == NoRef {
		region(0, Ref(len(nodes)))
		return order, len(order)
	}
	region(0, o.loop)
	body = len(order)
	region(o.loop+1, Ref(len(nodes)))
	return order, body
}
