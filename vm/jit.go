package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tliron/commonlog"
)

var jitLog = commonlog.GetLogger("quill.jit")

// JIT manages trace compilation of hot loops. It connects the profiler
// (which finds hot loop heads) to the recorder, keeps the compiled traces
// in a bounded cache and counts what happens to them.
type JIT struct {
	profiler *Profiler
	cfg      Config

	mu      sync.RWMutex
	traces  *simplelru.LRU[loopKey, *compiledTrace]
	evicted []*compiledTrace

	// Enabled is the master switch.
	Enabled bool
	// OnEvent receives trace lifecycle events. It is called without the
	// JIT lock held, on the goroutine driving the runtime.
	OnEvent func(TraceEvent)

	// Statistics
	recordings  uint64
	installed   uint64
	aborted     uint64
	blacklisted uint64
	invalidated uint64
	evictions   uint64
	entries     uint64
	sideExits   uint64
}

const defaultTraceCacheSize = 256

// NewJIT creates a JIT configured from cfg.
func NewJIT(cfg Config) *JIT {
	j := &JIT{
		profiler: NewProfiler(cfg.RecordTrigger, cfg.AbortBlacklist),
		cfg:      cfg,
		Enabled:  cfg.JITEnabled,
	}
	j.traces = j.newCache()
	return j
}

func (j *JIT) newCache() *simplelru.LRU[loopKey, *compiledTrace] {
	size := j.cfg.TraceCacheSize
	if size <= 0 {
		size = defaultTraceCacheSize
	}
	cache, err := simplelru.NewLRU[loopKey, *compiledTrace](size, func(_ loopKey, ct *compiledTrace) {
		j.evicted = append(j.evicted, ct)
	})
	if err != nil {
		panic(fmt.Sprintf("jit: %s", err))
	}
	return cache
}

// Profiler returns the loop profiler.
func (j *JIT) Profiler() *Profiler { return j.profiler }

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventKind names what happened to a trace.
type EventKind uint8

const (
	EventInstalled EventKind = iota
	EventAborted
	EventBlacklisted
	EventInvalidated
	EventEvicted
)

var eventNames = [...]string{"installed", "aborted", "blacklisted", "invalidated", "evicted"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event%d", uint8(k))
}

// TraceEvent describes one step in the life of a trace.
type TraceEvent struct {
	Kind     EventKind
	Function string
	PC       int
	// Recorded and Nodes are the sizes of the recording and of the
	// optimized trace.
	Recorded int
	Nodes    int
	Looping  bool
	// Exits is the number of side exits taken before invalidation.
	Exits  uint64
	Reason string
	At     time.Time
}

func (j *JIT) emit(ev TraceEvent) {
	ev.At = time.Now()
	if j.OnEvent != nil {
		j.OnEvent(ev)
	}
}

// ---------------------------------------------------------------------------
// Trace cache
// ---------------------------------------------------------------------------

func (j *JIT) lookup(proto *Prototype, pc int) *compiledTrace {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ct, ok := j.traces.Peek(loopKey{proto, pc})
	if !ok {
		return nil
	}
	return ct
}

func (j *JIT) install(ct *compiledTrace) {
	j.mu.Lock()
	j.traces.Add(ct.key, ct)
	evicted := j.evicted
	j.evicted = nil
	j.mu.Unlock()

	atomic.AddUint64(&j.installed, 1)
	jitLog.Infof("installed trace for %s at %d: %d recorded, %d nodes", ct.name, ct.key.pc, ct.tr.Recorded, len(ct.tr.Order))
	j.emit(TraceEvent{
		Kind: EventInstalled, Function: ct.name, PC: ct.key.pc,
		Recorded: ct.tr.Recorded, Nodes: len(ct.tr.Order), Looping: ct.tr.Looping(),
	})
	for _, old := range evicted {
		atomic.AddUint64(&j.evictions, 1)
		jitLog.Debugf("evicted trace for %s at %d", old.name, old.key.pc)
		j.emit(TraceEvent{Kind: EventEvicted, Function: old.name, PC: old.key.pc})
	}
}

// invalidate drops the trace of a loop head and makes the head cold again.
func (j *JIT) invalidate(ct *compiledTrace, exits uint64) {
	j.mu.Lock()
	if cur, ok := j.traces.Peek(ct.key); ok && cur == ct {
		j.traces.Remove(ct.key)
	}
	j.evicted = nil
	j.mu.Unlock()

	ct.invalid = true
	j.profiler.Cool(ct.key.proto, ct.key.pc)
	atomic.AddUint64(&j.invalidated, 1)
	jitLog.Infof("invalidated trace for %s at %d after %d side exits", ct.name, ct.key.pc, exits)
	j.emit(TraceEvent{Kind: EventInvalidated, Function: ct.name, PC: ct.key.pc, Exits: exits})
}

func (j *JIT) recordAbort(key loopKey, recorded int, reason string) {
	atomic.AddUint64(&j.aborted, 1)
	name := key.proto.Name
	jitLog.Debugf("aborted recording of %s at %d: %s", name, key.pc, reason)
	j.emit(TraceEvent{Kind: EventAborted, Function: name, PC: key.pc, Recorded: recorded, Reason: reason})
	if j.profiler.RecordAbort(key.proto, key.pc) {
		atomic.AddUint64(&j.blacklisted, 1)
		jitLog.Debugf("blacklisted %s at %d", name, key.pc)
		j.emit(TraceEvent{Kind: EventBlacklisted, Function: name, PC: key.pc, Reason: reason})
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// JITStats holds JIT statistics.
type JITStats struct {
	Recordings  uint64
	Installed   uint64
	Aborted     uint64
	Blacklisted uint64
	Invalidated uint64
	Evicted     uint64
	Entries     uint64 // trace executions
	SideExits   uint64 // guard exits other than the loop exit
	Cached      int
}

// Stats returns JIT statistics.
func (j *JIT) Stats() JITStats {
	j.mu.RLock()
	cached := j.traces.Len()
	j.mu.RUnlock()
	return JITStats{
		Recordings:  atomic.LoadUint64(&j.recordings),
		Installed:   atomic.LoadUint64(&j.installed),
		Aborted:     atomic.LoadUint64(&j.aborted),
		Blacklisted: atomic.LoadUint64(&j.blacklisted),
		Invalidated: atomic.LoadUint64(&j.invalidated),
		Evicted:     atomic.LoadUint64(&j.evictions),
		Entries:     atomic.LoadUint64(&j.entries),
		SideExits:   atomic.LoadUint64(&j.sideExits),
		Cached:      cached,
	}
}

// Reset clears all compiled traces, profiles and statistics.
func (j *JIT) Reset() {
	j.mu.Lock()
	for _, ct := range j.traces.Values() {
		ct.invalid = true
	}
	j.traces.Purge()
	j.evicted = nil
	j.mu.Unlock()

	j.profiler.Reset()
	for _, c := range []*uint64{&j.recordings, &j.installed, &j.aborted, &j.blacklisted,
		&j.invalidated, &j.evictions, &j.entries, &j.sideExits} {
		atomic.StoreUint64(c, 0)
	}
}

// Dump writes a listing of every cached trace.
func (j *JIT) Dump(w io.Writer) {
	j.mu.RLock()
	traces := j.traces.Values()
	j.mu.RUnlock()
	sort.Slice(traces, func(a, b int) bool {
		if traces[a].name != traces[b].name {
			return traces[a].name < traces[b].name
		}
		return traces[a].key.pc < traces[b].key.pc
	})
	for _, ct := range traces {
		fmt.Fprintf(w, "== trace %s at %04d (%d recorded nodes)\n", ct.name, ct.key.pc, ct.tr.Recorded)
		ct.tr.Dump(w)
	}
}

// ---------------------------------------------------------------------------
// Interpreter hooks
// ---------------------------------------------------------------------------

// canRunTraces reports whether compiled traces may run now: not while an
// instruction is being recorded.
func (t *Thread) canRunTraces() bool {
	return t.rt.JIT.Enabled && (t.rec == nil || t.rec.skipping)
}

// loopEntry is reached when a for loop starts its first iteration; head is
// the first pc of the body.
func (t *Thread) loopEntry(head int) int {
	j := t.rt.JIT
	if !j.Enabled {
		return head
	}
	if t.canRunTraces() {
		if ct := j.lookup(t.cur.proto, head); ct != nil {
			return t.runTrace(ct, head)
		}
	}
	if t.rec == nil && j.profiler.RecordLoopEntry(t.cur.proto, head) {
		forEnd := loopEnd(t.cur.proto.Code, head-2) - 2
		t.startRecording(head, forEnd, forEnd)
	}
	return head
}

// backEdge is reached by a backward jump at pc to target.
func (t *Thread) backEdge(pc, target int) int {
	j := t.rt.JIT
	if !j.Enabled {
		return target
	}
	if t.canRunTraces() {
		if ct := j.lookup(t.cur.proto, target); ct != nil {
			return t.runTrace(ct, target)
		}
	}
	if t.rec == nil && j.profiler.RecordLoopEntry(t.cur.proto, target) {
		t.startRecording(target, pc, -1)
	}
	return target
}

// enterTrace runs the trace at pc if one is installed. It does not count
// towards hotness.
func (t *Thread) enterTrace(pc int) int {
	if !t.canRunTraces() {
		return pc
	}
	if ct := t.rt.JIT.lookup(t.cur.proto, pc); ct != nil {
		return t.runTrace(ct, pc)
	}
	return pc
}
