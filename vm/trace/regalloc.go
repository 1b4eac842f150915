package trace

import "github.com/chazu/quill/vm/vec"

// RegClass describes what a register holds: values of one type and one
// shape.
type RegClass struct {
	Type   vec.Type
	Length Ref
}

type allocator struct {
	t    *Trace
	free map[RegClass][]int16
}

func needsReg(n *Node) bool {
	return n.Op.producesValue() && n.Op != OpConst && n.Op != OpCurEnv && !n.Sunk
}

func classOf(n *Node) RegClass {
	return RegClass{Type: n.Type, Length: n.Out.Length}
}

// allocate assigns registers by scanning the schedule backwards: a value
// takes a register at its last use and gives it back at its definition.
// Values live around the loop edge are assigned before the scan so that
// nothing in the body reuses their registers.
func allocate(t *Trace) {
	a := &allocator{t: t, free: make(map[RegClass][]int16)}
	if t.Looping() {
		for _, p := range t.Phis {
			a.use(t.Nodes[p].A)
			a.use(t.Nodes[p].B)
		}
		for _, r := range t.Order[t.Body:] {
			a.uses(r, func(d Ref) {
				if d < t.Loop {
					a.use(d)
				}
			})
		}
	}
	for i := len(t.Order) - 1; i >= 0; i-- {
		a.step(t.Order[i])
	}
}

func (a *allocator) take(c RegClass) int16 {
	if pool := a.free[c]; len(pool) > 0 {
		reg := pool[len(pool)-1]
		a.free[c] = pool[:len(pool)-1]
		return reg
	}
	a.t.Regs = append(a.t.Regs, c)
	return int16(len(a.t.Regs) - 1)
}

func (a *allocator) release(reg int16) {
	c := a.t.Regs[reg]
	a.free[c] = append(a.free[c], reg)
}

// uses calls f for every value node r reads, looking through sunk values to
// their operands.
func (a *allocator) uses(r Ref, f func(Ref)) {
	n := &a.t.Nodes[r]
	var each func(d Ref)
	each = func(d Ref) {
		if d < 0 {
			return
		}
		if m := &a.t.Nodes[d]; m.Sunk {
			for _, dd := range m.deps() {
				each(dd)
			}
			return
		}
		f(d)
	}
	for _, d := range n.deps() {
		each(d)
	}
	if n.Exit >= 0 {
		for _, s := range a.t.Exits[n.Exit].Snapshot {
			each(s.Value)
		}
	}
}

func (a *allocator) use(r Ref) {
	if r < 0 {
		return
	}
	n := &a.t.Nodes[r]
	if n.Sunk {
		for _, d := range n.deps() {
			a.use(d)
		}
		return
	}
	if needsReg(n) && n.Reg < 0 {
		n.Reg = a.take(classOf(n))
	}
}

func (a *allocator) step(r Ref) {
	n := &a.t.Nodes[r]
	if !needsReg(n) {
		a.uses(r, a.use)
		return
	}
	if n.Reg < 0 {
		// The value is never read but still needs somewhere to go.
		n.Reg = a.take(classOf(n))
	}
	shared := a.share(r)
	a.uses(r, a.use)
	if !shared {
		a.release(n.Reg)
	}
}

// share hands the result register of an elementwise or scan node to an
// operand of the same class whose last use this is, so the kernel runs in
// place.
func (a *allocator) share(r Ref) bool {
	n := &a.t.Nodes[r]
	v, ok := n.Op.Vec()
	if !ok {
		return false
	}
	switch v.Group() {
	case vec.GroupUnary, vec.GroupBinary, vec.GroupScan:
	default:
		return false
	}
	for _, d := range n.operands() {
		if d < 0 {
			continue
		}
		m := &a.t.Nodes[d]
		if needsReg(m) && m.Reg < 0 && classOf(m) == classOf(n) {
			m.Reg = n.Reg
			return true
		}
	}
	return false
}
