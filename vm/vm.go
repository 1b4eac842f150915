package vm

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("quill.vm")

// ---------------------------------------------------------------------------
// Config: engine tuning knobs
// ---------------------------------------------------------------------------

// Config holds the tunables of a runtime. The config package fills it from
// quill.toml.
type Config struct {
	// GCThreshold is the number of environments allocated between
	// collections. Zero disables collection.
	GCThreshold int

	JITEnabled bool
	// RecordTrigger is the hotness a loop head must exceed before it is
	// recorded.
	RecordTrigger int
	// SpecializeLength is the longest vector given a constant shape.
	SpecializeLength int
	// MaxRecordLength bounds the instructions visited by one recording.
	MaxRecordLength int
	// ExitBlacklist is the number of side exits a trace may take before it
	// is thrown away.
	ExitBlacklist int
	// AbortBlacklist is the number of aborted recordings after which a loop
	// head is no longer recorded.
	AbortBlacklist int
	// TraceCacheSize bounds the number of installed traces.
	TraceCacheSize int
	// FusionWidth is the shortest seq result deferred into a fusion batch.
	// Zero disables fusion.
	FusionWidth int

	// LibraryPath is searched by library().
	LibraryPath string
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		GCThreshold:      10000,
		JITEnabled:       true,
		RecordTrigger:    4,
		SpecializeLength: 16,
		MaxRecordLength:  1000,
		ExitBlacklist:    64,
		AbortBlacklist:   3,
		TraceCacheSize:   256,
		FusionWidth:      0,
		LibraryPath:      "lib",
	}
}

// ---------------------------------------------------------------------------
// Runtime: the state shared by all threads
// ---------------------------------------------------------------------------

// Runtime owns the heap, the global and base environments, the JIT, the
// builtin table and the loaded external modules. All threads of a runtime
// must be driven from one goroutine at a time.
type Runtime struct {
	ID     uuid.UUID
	Heap   *Heap
	Global EnvRef
	Base   EnvRef
	JIT    *JIT
	Config Config

	// Output receives print and cat.
	Output io.Writer
	// Loader decodes a compiled source file for source() and library().
	Loader func(path string) (*Prototype, error)

	builtins map[string]Builtin
	modules  []module

	mu      sync.Mutex
	threads map[*Thread]struct{}
}

type module struct {
	name string
	fns  map[string]ExternalFunc
}

// ExternalFunc is a natively registered function reached by the external
// instruction.
type ExternalFunc func(t *Thread, args []Value) Value

// NewRuntime creates a runtime with an empty global environment whose
// parent is the base environment.
func NewRuntime(cfg Config) *Runtime {
	rt := &Runtime{
		ID:       uuid.New(),
		Heap:     NewHeap(cfg.GCThreshold),
		Config:   cfg,
		Output:   os.Stdout,
		builtins: make(map[string]Builtin),
		threads:  make(map[*Thread]struct{}),
	}
	rt.Base = rt.Heap.NewEnv(NoEnv, NoEnv)
	rt.Global = rt.Heap.NewEnv(rt.Base, NoEnv)
	rt.Heap.Pin(rt.Base)
	rt.Heap.Pin(rt.Global)
	rt.JIT = NewJIT(cfg)
	rt.registerBuiltins()
	vmLog.Debugf("runtime %s created", rt.ID)
	return rt
}

// NewThread creates an execution context.
func (rt *Runtime) NewThread() *Thread {
	t := &Thread{rt: rt, heap: rt.Heap, visible: true}
	rt.mu.Lock()
	rt.threads[t] = struct{}{}
	rt.mu.Unlock()
	return t
}

// RegisterModule makes the functions of a native module available to the
// external instruction. Later modules do not shadow earlier ones.
func (rt *Runtime) RegisterModule(name string, fns map[string]ExternalFunc) {
	rt.modules = append(rt.modules, module{name: name, fns: fns})
}

// lookupExternal resolves name in the loaded modules.
func (rt *Runtime) lookupExternal(name string) (ExternalFunc, bool) {
	for _, m := range rt.modules {
		if f, ok := m.fns[name]; ok {
			return f, true
		}
	}
	return nil, false
}

// Define binds name in the global environment.
func (rt *Runtime) Define(name string, v Value) {
	rt.Heap.Assign(rt.Global, name, v)
}

// Lookup returns the global binding of name.
func (rt *Runtime) Lookup(name string) (Value, bool) {
	v, _, ok := rt.Heap.Lookup(rt.Global, name)
	return v, ok
}

// collect runs a collection if one is due and no thread is inside a trace.
func (rt *Runtime) collect() {
	if !rt.Heap.due() {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for t := range rt.threads {
		if t.inTrace > 0 {
			return
		}
	}
	stats := rt.Heap.Collect(func(mark func(Value)) {
		for t := range rt.threads {
			t.roots(mark)
		}
	})
	vmLog.Debugf("gc: %d live, %d swept in %s", stats.Live, stats.Swept, stats.Duration)
}

// String identifies the runtime in logs.
func (rt *Runtime) String() string {
	return fmt.Sprintf("runtime %s", rt.ID)
}
