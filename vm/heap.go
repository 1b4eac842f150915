package vm

import (
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Heap: arena of environment records with mark-and-sweep collection
// ---------------------------------------------------------------------------

// DotArg is one element of a variadic list.
type DotArg struct {
	Name  string
	Value Value
}

type envRecord struct {
	gen     uint32
	live    bool
	marked  bool
	pinned  int
	vars    map[string]Value
	lexical EnvRef
	dynamic EnvRef
	dots    []DotArg
	named   bool
	call    string
}

// Heap owns every environment. Environments are referred to by EnvRef and
// reclaimed by Collect once unreachable from the roots the runtime reports.
type Heap struct {
	envs []envRecord
	free []uint32

	// Threshold is the number of environments allocated between
	// collections. Zero disables collection.
	Threshold int

	allocated   int
	collections int
	lastStats   GCStats
}

// GCStats describes one collection.
type GCStats struct {
	Live     int
	Swept    int
	Duration time.Duration
}

// NewHeap returns an empty heap. Slot zero is reserved for NoEnv.
func NewHeap(threshold int) *Heap {
	return &Heap{envs: make([]envRecord, 1, 64), Threshold: threshold}
}

// NewEnv allocates an environment with the given parents.
func (h *Heap) NewEnv(lexical, dynamic EnvRef) EnvRef {
	h.allocated++
	rec := envRecord{live: true, vars: make(map[string]Value), lexical: lexical, dynamic: dynamic}
	if n := len(h.free); n > 0 {
		idx := h.free[n-1]
		h.free = h.free[:n-1]
		rec.gen = h.envs[idx].gen
		h.envs[idx] = rec
		return EnvRef{index: idx, gen: rec.gen}
	}
	h.envs = append(h.envs, rec)
	return EnvRef{index: uint32(len(h.envs) - 1)}
}

func (h *Heap) rec(e EnvRef) *envRecord {
	if e.index == 0 || int(e.index) >= len(h.envs) {
		panic(errorf(msgStaleEnv))
	}
	r := &h.envs[e.index]
	if !r.live || r.gen != e.gen {
		panic(errorf(msgStaleEnv))
	}
	return r
}

// Valid reports whether e refers to a live environment.
func (h *Heap) Valid(e EnvRef) bool {
	if e.index == 0 || int(e.index) >= len(h.envs) {
		return false
	}
	r := &h.envs[e.index]
	return r.live && r.gen == e.gen
}

// Get returns the local binding of name in e.
func (h *Heap) Get(e EnvRef, name string) (Value, bool) {
	v, ok := h.rec(e).vars[name]
	return v, ok
}

// Lookup resolves name along the lexical chain starting at e and returns
// the binding and the environment holding it.
func (h *Heap) Lookup(e EnvRef, name string) (Value, EnvRef, bool) {
	for !e.IsNil() {
		r := h.rec(e)
		if v, ok := r.vars[name]; ok {
			return v, e, true
		}
		e = r.lexical
	}
	return nil, NoEnv, false
}

// Assign binds name in e.
func (h *Heap) Assign(e EnvRef, name string, v Value) {
	h.rec(e).vars[name] = v
}

// Remove unbinds name in e and reports whether it was bound.
func (h *Heap) Remove(e EnvRef, name string) bool {
	r := h.rec(e)
	_, ok := r.vars[name]
	delete(r.vars, name)
	return ok
}

// Names returns the names bound in e, sorted.
func (h *Heap) Names(e EnvRef) []string {
	r := h.rec(e)
	out := make([]string, 0, len(r.vars))
	for n := range r.vars {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parent returns the lexical parent of e.
func (h *Heap) Parent(e EnvRef) EnvRef { return h.rec(e).lexical }

// Dynamic returns the dynamic parent of e: the environment of the caller.
func (h *Heap) Dynamic(e EnvRef) EnvRef { return h.rec(e).dynamic }

// SetParent makes parent the lexical parent of e. It refuses, leaving the
// chain as it was, when e would become its own ancestor.
func (h *Heap) SetParent(e, parent EnvRef) error {
	for p := parent; !p.IsNil(); p = h.rec(p).lexical {
		if p == e {
			return errorf(msgCycle)
		}
	}
	h.rec(e).lexical = parent
	return nil
}

// Dots returns the variadic list of e.
func (h *Heap) Dots(e EnvRef) []DotArg { return h.rec(e).dots }

// DotsNamed reports whether any element of the variadic list has a name.
func (h *Heap) DotsNamed(e EnvRef) bool { return h.rec(e).named }

// SetDots installs the variadic list of e.
func (h *Heap) SetDots(e EnvRef, dots []DotArg, named bool) {
	r := h.rec(e)
	r.dots, r.named = dots, named
}

// SetCall records the call text an environment was created for.
func (h *Heap) SetCall(e EnvRef, call string) { h.rec(e).call = call }

// Call returns the call text recorded for e.
func (h *Heap) Call(e EnvRef) string { return h.rec(e).call }

// Pin keeps e alive regardless of reachability until a matching Unpin.
func (h *Heap) Pin(e EnvRef) { h.rec(e).pinned++ }

// Unpin releases a Pin.
func (h *Heap) Unpin(e EnvRef) {
	if r := h.rec(e); r.pinned > 0 {
		r.pinned--
	}
}

// Live returns the number of live environments.
func (h *Heap) Live() int { return len(h.envs) - 1 - len(h.free) }

// Collections returns how many collections have run.
func (h *Heap) Collections() int { return h.collections }

// LastStats returns the statistics of the most recent collection.
func (h *Heap) LastStats() GCStats { return h.lastStats }

// due reports whether enough environments were allocated since the last
// collection.
func (h *Heap) due() bool {
	return h.Threshold > 0 && h.allocated >= h.Threshold
}

// Collect marks everything reachable from roots and the pinned
// environments, then frees the rest. roots must call mark for every root
// value.
func (h *Heap) Collect(roots func(mark func(Value))) GCStats {
	start := time.Now()
	var stack []EnvRef
	var mark func(Value)
	markEnv := func(e EnvRef) {
		if !h.Valid(e) {
			return
		}
		r := &h.envs[e.index]
		if !r.marked {
			r.marked = true
			stack = append(stack, e)
		}
	}
	mark = func(v Value) {
		switch x := v.(type) {
		case EnvRef:
			markEnv(x)
		case *Closure:
			markEnv(x.Env)
		case *Promise:
			markEnv(x.Env)
			if x.value != nil {
				mark(x.value)
			}
		case *List:
			for _, e := range x.elems {
				mark(e)
			}
			x.attrs.Each(func(_ string, a Value) { mark(a) })
		case Vector:
			x.Attributes().Each(func(_ string, a Value) { mark(a) })
		case *Future:
			if x.value != nil {
				mark(x.value)
			}
		}
	}

	for i := 1; i < len(h.envs); i++ {
		if r := &h.envs[i]; r.live && r.pinned > 0 {
			markEnv(EnvRef{index: uint32(i), gen: r.gen})
		}
	}
	roots(mark)
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		r := &h.envs[e.index]
		for _, v := range r.vars {
			mark(v)
		}
		for _, d := range r.dots {
			mark(d.Value)
		}
		markEnv(r.lexical)
		markEnv(r.dynamic)
	}

	swept := 0
	for i := 1; i < len(h.envs); i++ {
		r := &h.envs[i]
		if !r.live {
			continue
		}
		if r.marked {
			r.marked = false
			continue
		}
		*r = envRecord{gen: r.gen + 1}
		h.free = append(h.free, uint32(i))
		swept++
	}
	h.allocated = 0
	h.collections++
	h.lastStats = GCStats{Live: h.Live(), Swept: swept, Duration: time.Since(start)}
	return h.lastStats
}
