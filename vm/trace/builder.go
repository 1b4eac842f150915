package trace

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/chazu/quill/vm/vec"
)

type nodeKey struct {
	op      Op
	a, b, c Ref
	typ     vec.Type
	in, out Ref
}

func keyOf(n Node) nodeKey {
	ops := n.operands()
	return nodeKey{n.Op, ops[0], ops[1], ops[2], n.Type, n.In.Length, n.Out.Length}
}

// graph is a node sequence with interned constants and value numbering.
// Both the recorder's builder and the optimizer's output are graphs.
type graph struct {
	nodes      []Node
	consts     []Const
	exits      []Exit
	constIndex map[string]Ref
	numbering  map[nodeKey]Ref
}

func newGraph() *graph {
	g := &graph{
		constIndex: make(map[string]Ref),
		numbering:  make(map[nodeKey]Ref),
	}
	g.constant(Const{Type: vec.Integer, I: []int64{0}})
	g.constant(Const{Type: vec.Integer, I: []int64{1}})
	g.constant(Const{Type: vec.Logical, L: []int8{vec.False}})
	return g
}

func constKey(c Const) string {
	var sb strings.Builder
	sb.WriteByte(byte(c.Type))
	var buf [8]byte
	switch c.Type {
	case vec.Logical:
		for _, x := range c.L {
			sb.WriteByte(byte(x))
		}
	case vec.Integer:
		for _, x := range c.I {
			binary.LittleEndian.PutUint64(buf[:], uint64(x))
			sb.Write(buf[:])
		}
	case vec.Double:
		for _, x := range c.D {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
			sb.Write(buf[:])
		}
	case vec.Character:
		for _, x := range c.S {
			binary.LittleEndian.PutUint64(buf[:], uint64(len(x)))
			sb.Write(buf[:])
			sb.WriteString(x)
		}
	}
	return sb.String()
}

func (g *graph) constant(c Const) Ref {
	key := constKey(c)
	if r, ok := g.constIndex[key]; ok {
		return r
	}
	n := c.Len()
	var shape Shape
	switch n {
	case 0:
		shape = Empty
	case 1:
		shape = Scalar
	default:
		shape = Shape{Length: g.intConst(int64(n)), Constant: true, TraceLength: n}
	}
	g.consts = append(g.consts, c)
	r := g.append(Node{Op: OpConst, A: Ref(len(g.consts) - 1), Type: c.Type, In: Empty, Out: shape})
	g.constIndex[key] = r
	return r
}

func (g *graph) intConst(v int64) Ref {
	return g.constant(Const{Type: vec.Integer, I: []int64{v}})
}

func (g *graph) shapeOf(n int) Shape {
	switch n {
	case 0:
		return Empty
	case 1:
		return Scalar
	}
	return Shape{Length: g.intConst(int64(n)), Constant: true, TraceLength: n}
}

func (g *graph) append(n Node) Ref {
	n.Reg = -1
	if !n.Op.HasExit() {
		n.Exit = -1
	}
	g.nodes = append(g.nodes, n)
	return Ref(len(g.nodes) - 1)
}

// lookup returns the existing ref for a numbered node.
func (g *graph) lookup(n Node) (Ref, bool) {
	if !n.Op.numbered() {
		return NoRef, false
	}
	r, ok := g.numbering[keyOf(n)]
	return r, ok
}

func (g *graph) remember(n Node, r Ref) {
	if n.Op.numbered() {
		g.numbering[keyOf(n)] = r
	}
}

func (g *graph) emit(n Node) Ref {
	if r, ok := g.lookup(n); ok {
		return r
	}
	r := g.append(n)
	g.remember(n, r)
	return r
}

func (g *graph) isConst(r Ref) bool {
	return r >= 0 && g.nodes[r].Op == OpConst
}

func (g *graph) constOf(r Ref) Const {
	return g.consts[g.nodes[r].A]
}

// mergeShapes returns the shape of an elementwise result over x and y.
// Equal shapes merge to themselves, a scalar takes the other shape and two
// different constant lengths recycle to the longer one. Anything else
// cannot be expressed in a trace.
func (g *graph) mergeShapes(x, y Shape) (Shape, bool) {
	switch {
	case x.Equal(y):
		return x, true
	case x.Length == RefZero || y.Length == RefZero:
		return Empty, true
	case x.IsScalar():
		return y, true
	case y.IsScalar():
		return x, true
	case x.Constant && y.Constant:
		if x.TraceLength >= y.TraceLength {
			return x, true
		}
		return y, true
	}
	return Shape{}, false
}

// Recording is the raw IR of one recorded path through the bytecode.
type Recording struct {
	Nodes   []Node
	Consts  []Const
	Exits   []Exit
	Looping bool
	// Outputs are values a linear trace hands back through its end exit.
	Outputs []Ref
}

// Builder accumulates a recording. Pure nodes are value numbered as they are
// emitted.
type Builder struct {
	g       *graph
	outputs []Ref
}

// NewBuilder returns a builder holding the three fixed constants.
func NewBuilder() *Builder {
	return &Builder{g: newGraph()}
}

// Len returns the number of nodes emitted so far.
func (b *Builder) Len() int { return len(b.g.nodes) }

// Node returns the node at r.
func (b *Builder) Node(r Ref) Node { return b.g.nodes[r] }

// Const interns a constant.
func (b *Builder) Const(c Const) Ref { return b.g.constant(c) }

// Int interns an integer scalar constant.
func (b *Builder) Int(v int64) Ref { return b.g.intConst(v) }

// IsConst reports whether r is a constant node.
func (b *Builder) IsConst(r Ref) bool { return b.g.isConst(r) }

// ConstOf returns the payload of constant node r.
func (b *Builder) ConstOf(r Ref) Const { return b.g.constOf(r) }

// ShapeOf returns the constant shape of length n.
func (b *Builder) ShapeOf(n int) Shape { return b.g.shapeOf(n) }

// MergeShapes returns the recycled shape of x and y.
func (b *Builder) MergeShapes(x, y Shape) (Shape, bool) { return b.g.mergeShapes(x, y) }

// Emit appends n, or returns the ref of a structurally identical pure node.
func (b *Builder) Emit(n Node) Ref {
	n.Exit = -1
	return b.g.emit(n)
}

// EmitGuard appends n with an exit that resumes the interpreter at pc.
func (b *Builder) EmitGuard(n Node, pc int, kind ExitKind) Ref {
	if r, ok := b.g.lookup(n); ok {
		return r
	}
	n.Exit = int32(len(b.g.exits))
	b.g.exits = append(b.g.exits, Exit{PC: pc, Kind: kind})
	r := b.g.append(n)
	b.g.remember(n, r)
	return r
}

// Output marks r as a value the trace must hand back when it ends. It
// returns the output's index.
func (b *Builder) Output(r Ref) int {
	b.outputs = append(b.outputs, r)
	return len(b.outputs) - 1
}

// Finish returns the recording.
func (b *Builder) Finish(looping bool) *Recording {
	return &Recording{
		Nodes:   b.g.nodes,
		Consts:  b.g.consts,
		Exits:   b.g.exits,
		Looping: looping,
		Outputs: b.outputs,
	}
}
