package vm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerLoopEntry(t *testing.T) {
	p := NewProfiler(3, 2)
	proto := &Prototype{Name: "f"}

	var hot []int
	p.OnHot = func(_ *Prototype, pc int, lp *LoopProfile) { hot = append(hot, pc) }

	for i := 1; i <= 3; i++ {
		assert.False(t, p.RecordLoopEntry(proto, 7), "entry %d", i)
	}
	assert.True(t, p.RecordLoopEntry(proto, 7))
	assert.True(t, p.RecordLoopEntry(proto, 7))
	assert.Equal(t, []int{7}, hot, "OnHot fires once per transition")

	lp := p.GetLoopProfile(proto, 7)
	require.NotNil(t, lp)
	assert.EqualValues(t, 4, lp.Count, "counting stops once hot")
	assert.Nil(t, p.GetLoopProfile(proto, 8))
}

func TestProfilerZeroTrigger(t *testing.T) {
	p := NewProfiler(-1, 1)
	assert.EqualValues(t, 0, p.Trigger)
	assert.True(t, p.RecordLoopEntry(&Prototype{}, 0))
}

func TestProfilerAbortBlacklists(t *testing.T) {
	p := NewProfiler(0, 2)
	proto := &Prototype{Name: "f"}
	require.True(t, p.RecordLoopEntry(proto, 3))

	assert.False(t, p.RecordAbort(proto, 3))
	assert.False(t, p.IsBlacklisted(proto, 3))
	assert.True(t, p.RecordAbort(proto, 3))
	assert.True(t, p.IsBlacklisted(proto, 3))
	assert.False(t, p.RecordAbort(proto, 3), "only the first crossing reports")

	assert.False(t, p.RecordLoopEntry(proto, 3))
	assert.Equal(t, 2, p.GetLoopProfile(proto, 3).Aborts)
}

func TestProfilerNoAbortLimit(t *testing.T) {
	p := NewProfiler(0, 0)
	proto := &Prototype{}
	for i := 0; i < 10; i++ {
		assert.False(t, p.RecordAbort(proto, 0))
	}
	assert.False(t, p.IsBlacklisted(proto, 0))
}

func TestProfilerCool(t *testing.T) {
	p := NewProfiler(1, 3)
	proto := &Prototype{}
	p.RecordLoopEntry(proto, 0)
	require.True(t, p.RecordLoopEntry(proto, 0))

	p.Cool(proto, 0)
	assert.EqualValues(t, 0, p.GetLoopProfile(proto, 0).Count)
	assert.False(t, p.RecordLoopEntry(proto, 0))
	assert.True(t, p.RecordLoopEntry(proto, 0))

	// Cooling an unknown head does not create a profile.
	p.Cool(proto, 99)
	assert.Nil(t, p.GetLoopProfile(proto, 99))
}

func TestProfilerStatsAndReset(t *testing.T) {
	p := NewProfiler(2, 1)
	f, g := &Prototype{Name: "f"}, &Prototype{Name: "g"}
	for i := 0; i < 5; i++ {
		p.RecordLoopEntry(f, 0)
	}
	p.RecordLoopEntry(g, 4)
	p.RecordLoopEntry(g, 9)
	p.RecordAbort(g, 9)

	assert.Equal(t, ProfilerStats{Loops: 3, HotLoops: 1, Blacklisted: 1, Entries: 5}, p.Stats())

	p.Reset()
	assert.Equal(t, ProfilerStats{}, p.Stats())
	assert.Nil(t, p.GetLoopProfile(f, 0))
}

func TestProfilerConcurrentAccess(t *testing.T) {
	p := NewProfiler(1000, 0)
	proto := &Prototype{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.RecordLoopEntry(proto, i%4)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 4, stats.Loops)
	assert.EqualValues(t, 800, stats.Entries)
}
