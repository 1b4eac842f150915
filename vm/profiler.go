package vm

import (
	"sync"
)

// Profiler counts how often loop heads are reached to decide when a loop is
// worth recording. A loop head is a (prototype, pc) pair: the body start of
// a for loop, or the target of a backward jump.

// loopKey identifies a loop head.
type loopKey struct {
	proto *Prototype
	pc    int
}

// LoopProfile holds profiling data for a single loop head.
type LoopProfile struct {
	Count       uint64 // entries since the last reset
	Aborts      int    // recordings that failed
	Blacklisted bool   // no longer recorded
}

// Profiler manages the loop profiles of a runtime.
type Profiler struct {
	mu    sync.Mutex
	loops map[loopKey]*LoopProfile

	// Trigger is the count a loop head must exceed before it is hot.
	Trigger uint64
	// AbortLimit is the number of failed recordings that blacklists a head.
	AbortLimit int

	// OnHot is called when a head becomes hot.
	OnHot func(proto *Prototype, pc int, profile *LoopProfile)
}

// NewProfiler creates a profiler with the given thresholds.
func NewProfiler(trigger, abortLimit int) *Profiler {
	if trigger < 0 {
		trigger = 0
	}
	return &Profiler{
		loops:      make(map[loopKey]*LoopProfile),
		Trigger:    uint64(trigger),
		AbortLimit: abortLimit,
	}
}

func (p *Profiler) profile(k loopKey) *LoopProfile {
	lp, ok := p.loops[k]
	if !ok {
		lp = &LoopProfile{}
		p.loops[k] = lp
	}
	return lp
}

// RecordLoopEntry counts one arrival at a loop head. It returns true when
// the head is hot and may be recorded.
func (p *Profiler) RecordLoopEntry(proto *Prototype, pc int) bool {
	p.mu.Lock()
	lp := p.profile(loopKey{proto, pc})
	if lp.Blacklisted {
		p.mu.Unlock()
		return false
	}
	became := false
	if lp.Count <= p.Trigger {
		lp.Count++
		became = lp.Count > p.Trigger
	}
	hot := lp.Count > p.Trigger
	p.mu.Unlock()

	if became && p.OnHot != nil {
		p.OnHot(proto, pc, lp)
	}
	return hot
}

// RecordAbort notes a failed recording. It returns true if this abort
// blacklisted the head.
func (p *Profiler) RecordAbort(proto *Prototype, pc int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp := p.profile(loopKey{proto, pc})
	lp.Aborts++
	if !lp.Blacklisted && p.AbortLimit > 0 && lp.Aborts >= p.AbortLimit {
		lp.Blacklisted = true
		return true
	}
	return false
}

// Cool resets the count of a head so it has to become hot again.
func (p *Profiler) Cool(proto *Prototype, pc int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lp, ok := p.loops[loopKey{proto, pc}]; ok {
		lp.Count = 0
	}
}

// GetLoopProfile returns a copy of the profile of a head, or nil if the
// head was never reached.
func (p *Profiler) GetLoopProfile(proto *Prototype, pc int) *LoopProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp, ok := p.loops[loopKey{proto, pc}]
	if !ok {
		return nil
	}
	cp := *lp
	return &cp
}

// IsBlacklisted reports whether a head is no longer recorded.
func (p *Profiler) IsBlacklisted(proto *Prototype, pc int) bool {
	lp := p.GetLoopProfile(proto, pc)
	return lp != nil && lp.Blacklisted
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Loops       int    // loop heads seen
	HotLoops    int    // heads past the trigger
	Blacklisted int    // heads no longer recorded
	Entries     uint64 // counted entries over all heads
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats ProfilerStats
	for _, lp := range p.loops {
		stats.Loops++
		stats.Entries += lp.Count
		if lp.Count > p.Trigger {
			stats.HotLoops++
		}
		if lp.Blacklisted {
			stats.Blacklisted++
		}
	}
	return stats
}

// Reset forgets every profile.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loops = make(map[loopKey]*LoopProfile)
}
