package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Prototype: compiled code for a function body or promise expression
// ---------------------------------------------------------------------------

// Prototype is the compiler's output for one function body, promise
// expression or top-level expression. The engine treats it as read-only.
type Prototype struct {
	Name       string // function name, for messages and dumps
	Expression string // deparsed source text

	Parameters []Param
	DotIndex   int // position of ... in Parameters, or -1

	Constants []Value
	Code      []Instruction
	Calls     []CompiledCall
	Registers int // size of the register window
}

// Param is one formal parameter. Default is nil when the formal has no
// default expression.
type Param struct {
	Name    string
	Default *Prototype
}

// ArgKind says how a call site passes an argument.
type ArgKind uint8

const (
	// ArgValue passes an already evaluated operand of the caller.
	ArgValue ArgKind = iota
	// ArgPromise passes an unevaluated expression, evaluated lazily in the
	// caller's environment.
	ArgPromise
	// ArgDots splices the caller's variadic list.
	ArgDots
)

// Argument describes one argument at a call site.
type Argument struct {
	Name    string
	Kind    ArgKind
	Operand int64      // ArgValue: register or constant operand
	Proto   *Prototype // ArgPromise: the argument expression
}

// CompiledCall is the metadata of one call site.
type CompiledCall struct {
	Call      string // deparsed call text
	Arguments []Argument
	Named     bool // some argument is passed by name
}

// Formals returns the parameter names.
func (p *Prototype) Formals() []string {
	out := make([]string, len(p.Parameters))
	for i, prm := range p.Parameters {
		out[i] = prm.Name
	}
	return out
}

// Signature renders the function header, for printing closures.
func (p *Prototype) Signature() string {
	var sb strings.Builder
	sb.WriteString("function(")
	for i, prm := range p.Parameters {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(prm.Name)
		if prm.Default != nil {
			sb.WriteString(" = ")
			sb.WriteString(prm.Default.Expression)
		}
	}
	sb.WriteString(")")
	return sb.String()
}

// constantName returns the name stored in constant k.
func (p *Prototype) constantName(k int64) string {
	if k < 0 || int(k) >= len(p.Constants) {
		panic(errorf("bad name constant %d in %s", k, p.Name))
	}
	c, ok := p.Constants[k].(*Character)
	if !ok || c.Len() != 1 {
		panic(errorf("constant %d of %s is not a name", k, p.Name))
	}
	return c.At(0)
}

// Validate checks that every operand of p refers to something that exists
// (registers inside the window, constants and call sites in their tables,
// names that are scalar strings, jumps that land on an instruction), that
// the code cannot run off its end and that for loops have the layout the
// interpreter expects. Decoded code must pass it before it runs.
func (p *Prototype) Validate() error {
	bad := func(pc int, format string, args ...any) error {
		return fmt.Errorf("%s: pc %d: %s", p.Name, pc, fmt.Sprintf(format, args...))
	}
	reg := func(x int64, width int64) bool { return x >= 0 && x+width <= int64(p.Registers) }
	if p.DotIndex < -1 || p.DotIndex >= len(p.Parameters) {
		return fmt.Errorf("%s: bad ... position %d", p.Name, p.DotIndex)
	}
	for pc, in := range p.Code {
		if !in.Op.Valid() {
			return bad(pc, "unknown opcode %d", uint8(in.Op))
		}
		fields := [3]int64{in.A, in.B, in.C}
		for i, kind := range in.Op.Info().Operands {
			x := fields[i]
			switch kind {
			case argOperand:
				if isConstOperand(x) {
					if constIndex(x) >= len(p.Constants) {
						return bad(pc, "constant %d out of range", constIndex(x))
					}
				} else if !reg(x, 1) {
					return bad(pc, "register %d out of range", x)
				}
			case argReg:
				width := int64(1)
				switch in.Op {
				case OpForBegin, OpForEnd:
					width = 2
				case OpInternal, OpExternal:
					width = max(in.B, 1)
				}
				if !reg(x, width) {
					return bad(pc, "register %d out of range", x)
				}
			case argName:
				if x < 0 || int(x) >= len(p.Constants) {
					return bad(pc, "name %d out of range", x)
				}
				if c, ok := p.Constants[x].(*Character); !ok || c.Len() != 1 {
					return bad(pc, "constant %d is not a name", x)
				}
			case argOffset:
				if t := pc + int(x); t < 0 || t >= len(p.Code) {
					return bad(pc, "jump to %d outside the code", t)
				}
			case argCount:
				if x < 0 {
					return bad(pc, "negative count %d", x)
				}
			case argCallSite:
				if x < 0 || int(x) >= len(p.Calls) {
					return bad(pc, "call site %d out of range", x)
				}
			}
		}
	}
	if len(p.Code) == 0 {
		return fmt.Errorf("%s: no code", p.Name)
	}
	if last := len(p.Code) - 1; !p.Code[last].Op.endsBlock() {
		return bad(last, "code ends in %s instead of a return or jump", p.Code[last].Op.Info().Name)
	}
	paired := map[int]bool{}
	for pc, in := range p.Code {
		if in.Op != OpForBegin {
			continue
		}
		end, err := p.checkForLoop(pc)
		if err != nil {
			return bad(pc, "%s", err)
		}
		paired[end] = true
	}
	for pc, in := range p.Code {
		if in.Op == OpForEnd && !paired[pc] {
			return bad(pc, "forend without a matching forbegin")
		}
	}
	for i, cc := range p.Calls {
		for _, a := range cc.Arguments {
			switch a.Kind {
			case ArgValue:
				if isConstOperand(a.Operand) && constIndex(a.Operand) >= len(p.Constants) ||
					!isConstOperand(a.Operand) && !reg(a.Operand, 1) {
					return fmt.Errorf("%s: call %d: bad operand %d", p.Name, i, a.Operand)
				}
			case ArgPromise:
				if a.Proto == nil {
					return fmt.Errorf("%s: call %d: promise without code", p.Name, i)
				}
			case ArgDots:
			default:
				return fmt.Errorf("%s: call %d: bad argument kind %d", p.Name, i, a.Kind)
			}
		}
	}
	return nil
}

// checkForLoop checks the layout ForLoop emits for the forbegin at pc:
//
//	forbegin; jmp end; body...; forend; jmp body; end:
//
// with the same operands on both loop instructions. It returns the pc of
// the forend.
func (p *Prototype) checkForLoop(pc int) (int, error) {
	code := p.Code
	if pc+1 >= len(code) || code[pc+1].Op != OpJmp {
		return 0, fmt.Errorf("forbegin not followed by a jump past the loop")
	}
	fe := jumpTarget(code, pc+1) - 2
	if fe < pc+2 || code[fe].Op != OpForEnd {
		return 0, fmt.Errorf("loop end does not follow a forend")
	}
	b, e := code[pc], code[fe]
	if b.A != e.A || b.B != e.B || b.C != e.C {
		return 0, fmt.Errorf("forbegin and forend at %d disagree", fe)
	}
	if code[fe+1].Op != OpJmp || jumpTarget(code, fe+1) != pc+2 {
		return 0, fmt.Errorf("forend at %d does not jump back to the body", fe)
	}
	return fe, nil
}
