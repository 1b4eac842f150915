// Package trace holds the intermediate representation of recorded traces
// and the passes that turn a recording into a scheduled, register-allocated
// trace: replay with forwarding and CSE, dead store and dead phi
// elimination, sinking, scheduling and register assignment.
//
// The package knows nothing about values or environments. Loads, stores and
// exits name interpreter state through Locations; the engine that records and
// executes traces gives them meaning.
package trace

import (
	"fmt"

	"github.com/chazu/quill/vm/vec"
)

// Ref identifies a node by its index in a node sequence.
type Ref int32

// NoRef marks an unused operand.
const NoRef Ref = -1

// Refs every node sequence starts with. The first two double as the lengths
// of the empty and scalar shapes.
const (
	RefZero  Ref = 0 // integer 0
	RefOne   Ref = 1 // integer 1
	RefFalse Ref = 2 // logical FALSE
)

// Op is an IR opcode. Arithmetic ops are the vec ops shifted into the range
// starting at opArith.
type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpCurEnv

	// Memory
	OpSLoad   // A slot
	OpSLength // A slot
	OpSStore  // A slot, B value
	OpLoad    // A env, B name
	OpOLength // A env, B name
	OpStore   // A env, B name, C value

	// Control
	OpGTrue  // A condition
	OpGFalse // A condition
	OpExit
	OpLoop
	OpPhi  // A loop entry value, B back edge value
	OpNest // A start pc, B end pc

	// Vector
	OpCast    // A value; Type is the target
	OpSeq     // A from, B by; Out gives the length
	OpGather  // A vector, B 1-based index
	OpScatter // A vector, B 1-based index, C value

	opArith Op = 64
)

// Arith returns the IR op for an elementwise, fold or scan op.
func Arith(op vec.Op) Op {
	return opArith + Op(op)
}

// Vec returns the arithmetic op carried by o.
func (o Op) Vec() (vec.Op, bool) {
	if o < opArith {
		return vec.OpNone, false
	}
	return vec.Op(o - opArith), true
}

var opNames = map[Op]string{
	OpNop:     "nop",
	OpConst:   "const",
	OpCurEnv:  "curenv",
	OpSLoad:   "sload",
	OpSLength: "slength",
	OpSStore:  "sstore",
	OpLoad:    "load",
	OpOLength: "olength",
	OpStore:   "store",
	OpGTrue:   "gtrue",
	OpGFalse:  "gfalse",
	OpExit:    "exit",
	OpLoop:    "loop",
	OpPhi:     "phi",
	OpNest:    "nest",
	OpCast:    "cast",
	OpSeq:     "seq",
	OpGather:  "gather",
	OpScatter: "scatter",
}

func (o Op) String() string {
	if v, ok := o.Vec(); ok {
		return v.String()
	}
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op%d", uint8(o))
}

// IsLoad reports whether o reads interpreter memory.
func (o Op) IsLoad() bool {
	return o == OpSLoad || o == OpSLength || o == OpLoad || o == OpOLength
}

// IsStore reports whether o writes interpreter memory.
func (o Op) IsStore() bool {
	return o == OpSStore || o == OpStore
}

// HasExit reports whether nodes with op o carry an exit.
func (o Op) HasExit() bool {
	switch o {
	case OpSLoad, OpSLength, OpLoad, OpOLength, OpGTrue, OpGFalse, OpExit, OpNest, OpGather, OpScatter:
		return true
	}
	return false
}

// IsPure reports whether o computes a value from its operands alone. Pure
// nodes are value numbered, constant folded and may be sunk.
func (o Op) IsPure() bool {
	if _, ok := o.Vec(); ok {
		return true
	}
	switch o {
	case OpConst, OpCurEnv, OpCast, OpSeq:
		return true
	}
	return false
}

// numbered reports whether structurally identical nodes with op o may share
// a ref. Guards that only depend on their operands are included: a repeated
// test of the same value always has the same outcome.
func (o Op) numbered() bool {
	return o.IsPure() || o == OpGTrue || o == OpGFalse || o == OpGather || o == OpScatter
}

// producesValue reports whether nodes with op o define a value other nodes
// may read.
func (o Op) producesValue() bool {
	switch o {
	case OpNop, OpSStore, OpStore, OpGTrue, OpGFalse, OpExit, OpLoop, OpPhi, OpNest:
		return false
	}
	return true
}

// IsAnchor reports whether o keeps its position relative to other anchors
// when scheduling.
func (o Op) IsAnchor() bool {
	return o.IsLoad() || o.IsStore() || o.HasExit() || o == OpLoop
}

// refOperands reports which of A, B, C are node refs rather than unused.
func (o Op) refOperands() (a, b, c bool) {
	if v, ok := o.Vec(); ok {
		return true, v.Group() == vec.GroupBinary, false
	}
	switch o {
	case OpSLoad, OpSLength, OpGTrue, OpGFalse, OpCast:
		return true, false, false
	case OpSStore, OpLoad, OpOLength, OpPhi, OpSeq, OpGather:
		return true, true, false
	case OpStore, OpScatter:
		return true, true, true
	}
	return false, false, false
}

// Shape describes the length of a vector in a trace: a reference to the
// integer node holding the length. TraceLength is the length seen while
// recording.
type Shape struct {
	Length      Ref
	Constant    bool
	TraceLength int
}

var (
	Empty  = Shape{Length: RefZero, Constant: true, TraceLength: 0}
	Scalar = Shape{Length: RefOne, Constant: true, TraceLength: 1}
)

// Equal reports whether two shapes have the same length reference.
func (s Shape) Equal(o Shape) bool { return s.Length == o.Length }

// IsScalar reports whether s is the scalar shape.
func (s Shape) IsScalar() bool { return s.Length == RefOne }

// Node is one IR instruction. Nodes are immutable once appended; the passes
// only flip Live and Sunk and assign Reg.
type Node struct {
	Op      Op
	A, B, C Ref
	Type    vec.Type
	In, Out Shape
	Exit    int32
	Live    bool
	Sunk    bool
	Reg     int16
}

func (n Node) operands() [3]Ref {
	a, b, c := n.Op.refOperands()
	ops := [3]Ref{NoRef, NoRef, NoRef}
	if a {
		ops[0] = n.A
	}
	if b {
		ops[1] = n.B
	}
	if c {
		ops[2] = n.C
	}
	return ops
}

// deps lists every ref n reads: operands and shape lengths.
func (n Node) deps() []Ref {
	var out []Ref
	for _, r := range n.operands() {
		if r != NoRef {
			out = append(out, r)
		}
	}
	if n.Op != OpConst {
		out = append(out, n.In.Length, n.Out.Length)
	}
	return out
}

// Const is a constant pool entry. Exactly one payload slice is set,
// according to Type.
type Const struct {
	Type vec.Type
	L    []int8
	I    []int64
	D    []float64
	S    []string
}

// Len returns the number of elements in c.
func (c Const) Len() int {
	switch c.Type {
	case vec.Logical:
		return len(c.L)
	case vec.Integer:
		return len(c.I)
	case vec.Double:
		return len(c.D)
	case vec.Character:
		return len(c.S)
	}
	return 0
}

// LocKind names the kind of interpreter state a location refers to.
type LocKind uint8

const (
	LocSlot   LocKind = iota // a frame register; Key is the slot constant
	LocVar                   // an environment variable; Env and Key (name constant)
	LocOutput                // a fusion output; Key is the producing node
)

// Location identifies a piece of interpreter state written by a trace.
type Location struct {
	Kind LocKind
	Env  Ref
	Key  Ref
}

// SnapEntry maps a location to the node holding its current value.
type SnapEntry struct {
	Loc   Location
	Value Ref
}

// ExitKind tells the engine how an exit is used.
type ExitKind uint8

const (
	ExitGuard ExitKind = iota // speculation failed
	ExitLoop                  // the traced loop finished normally
	ExitEnd                   // end of a linear trace
	ExitNest                  // state flushed before a spliced region
)

// Exit is a guard's way back to the interpreter: the pc to resume at and
// the values of every location the trace has written.
type Exit struct {
	PC       int
	Kind     ExitKind
	Snapshot []SnapEntry
}
