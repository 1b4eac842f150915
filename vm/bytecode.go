package vm

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/quill/vm/vec"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode uint8

// Control flow
const (
	OpJmp      Opcode = iota // jump by a
	OpJc                     // jump by a if c is TRUE, by b if FALSE
	OpForBegin               // start a for loop; a var, b sequence, c counter
	OpForEnd                 // advance a for loop
	OpCall                   // call a with call site b into c
	OpRet                    // return a from a function
	OpRetP                   // return a from a promise
	OpRetS                   // return a from an eval
	OpDone                   // end of top-level code
)

// Foreign and builtin calls
const (
	OpExternal Opcode = iota + 16 // call external a with b args starting at c
	OpInternal                    // call builtin a with b args starting at c
)

// Load/store
const (
	OpLoad    Opcode = iota + 24 // c = value of a
	OpLoadFn                     // c = function named a
	OpStore                      // a = c in the current environment
	OpStoreUp                    // a = c in an enclosing environment
	OpRm                         // remove a
	OpDotsV                      // c = ..a
	OpDotsC                      // c = length(...)
	OpDots                       // c = list(...), forcing every element
	OpMissing                    // c = missing(a)
)

// Object access
const (
	OpMov Opcode = iota + 40
	OpFastMov
	OpType
	OpLength
	OpGet
	OpSet
	OpGetSub
	OpSetSub
	OpGetEnv
	OpSetEnv
	OpGetAttr
	OpSetAttr
	OpAttributes
	OpStrip
	OpAs
)

// Environments and functions
const (
	OpEnvNew Opcode = iota + 64
	OpEnvExists
	OpEnvRemove
	OpEnvGlobal
	OpFnNew
)

// Arithmetic: unary, binary, folds and scans
const (
	OpNeg Opcode = iota + 80
	OpNot
	OpAbs
	OpSqrt
	OpExp
	OpLog
	OpFloor
	OpCeiling
	OpIsNA

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpIDiv
	OpMod
	OpPow
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
	OpAnd
	OpOr

	OpSum
	OpProd
	OpMin
	OpMax
	OpAny
	OpAll

	OpCumSum
	OpCumProd
)

// Generators
const (
	OpIfElse Opcode = iota + 120
	OpVector
	OpSeq
	OpRep

	numOpcodes = 128
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// operandKind says how an operand field is read.
type operandKind uint8

const (
	argNone    operandKind = iota
	argOperand             // register, or constant when negative
	argReg                 // register
	argName                // constant index of a name
	argOffset              // pc-relative jump
	argCount               // plain integer
	argCallSite            // call site index
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands [3]operandKind
	Vec      vec.Op // arithmetic ops only
}

var (
	none3    = [3]operandKind{}
	toReg    = [3]operandKind{argOperand, argNone, argReg}
	binToReg = [3]operandKind{argOperand, argOperand, argReg}
	nameReg  = [3]operandKind{argName, argNone, argReg}
	forLoop  = [3]operandKind{argName, argReg, argReg}
	builtin  = [3]operandKind{argName, argCount, argReg}
	retArg   = [3]operandKind{argOperand, argNone, argNone}
)

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpJmp:      {Name: "jmp", Operands: [3]operandKind{argOffset}},
	OpJc:       {Name: "jc", Operands: [3]operandKind{argOffset, argOffset, argOperand}},
	OpForBegin: {Name: "forbegin", Operands: forLoop},
	OpForEnd:   {Name: "forend", Operands: forLoop},
	OpCall:     {Name: "call", Operands: [3]operandKind{argOperand, argCallSite, argReg}},
	OpRet:      {Name: "ret", Operands: retArg},
	OpRetP:     {Name: "retp", Operands: retArg},
	OpRetS:     {Name: "rets", Operands: retArg},
	OpDone:     {Name: "done", Operands: none3},

	OpExternal: {Name: "external", Operands: builtin},
	OpInternal: {Name: "internal", Operands: builtin},

	OpLoad:    {Name: "load", Operands: nameReg},
	OpLoadFn:  {Name: "loadfn", Operands: nameReg},
	OpStore:   {Name: "store", Operands: [3]operandKind{argName, argNone, argOperand}},
	OpStoreUp: {Name: "storeup", Operands: [3]operandKind{argName, argNone, argOperand}},
	OpRm:      {Name: "rm", Operands: nameReg},
	OpDotsV:   {Name: "dotsv", Operands: toReg},
	OpDotsC:   {Name: "dotsc", Operands: [3]operandKind{argNone, argNone, argReg}},
	OpDots:    {Name: "dots", Operands: [3]operandKind{argNone, argNone, argReg}},
	OpMissing: {Name: "missing", Operands: nameReg},

	OpMov:        {Name: "mov", Operands: toReg},
	OpFastMov:    {Name: "fastmov", Operands: toReg},
	OpType:       {Name: "type", Operands: toReg},
	OpLength:     {Name: "length", Operands: toReg},
	OpGet:        {Name: "get", Operands: binToReg},
	OpSet:        {Name: "set", Operands: binToReg},
	OpGetSub:     {Name: "getsub", Operands: binToReg},
	OpSetSub:     {Name: "setsub", Operands: binToReg},
	OpGetEnv:     {Name: "getenv", Operands: toReg},
	OpSetEnv:     {Name: "setenv", Operands: binToReg},
	OpGetAttr:    {Name: "getattr", Operands: binToReg},
	OpSetAttr:    {Name: "setattr", Operands: binToReg},
	OpAttributes: {Name: "attributes", Operands: toReg},
	OpStrip:      {Name: "strip", Operands: toReg},
	OpAs:         {Name: "as", Operands: [3]operandKind{argOperand, argName, argReg}},

	OpEnvNew:    {Name: "env_new", Operands: toReg},
	OpEnvExists: {Name: "env_exists", Operands: binToReg},
	OpEnvRemove: {Name: "env_remove", Operands: binToReg},
	OpEnvGlobal: {Name: "env_global", Operands: [3]operandKind{argNone, argNone, argReg}},
	OpFnNew:     {Name: "fn_new", Operands: toReg},

	OpIfElse: {Name: "ifelse", Operands: binToReg},
	OpVector: {Name: "vector", Operands: binToReg},
	OpSeq:    {Name: "seq", Operands: binToReg},
	OpRep:    {Name: "rep", Operands: binToReg},
}

func init() {
	arith := map[Opcode]vec.Op{
		OpNeg: vec.OpNeg, OpNot: vec.OpNot, OpAbs: vec.OpAbs, OpSqrt: vec.OpSqrt,
		OpExp: vec.OpExp, OpLog: vec.OpLog, OpFloor: vec.OpFloor, OpCeiling: vec.OpCeiling,
		OpIsNA: vec.OpIsNA,
		OpAdd:  vec.OpAdd, OpSub: vec.OpSub, OpMul: vec.OpMul, OpDiv: vec.OpDiv,
		OpIDiv: vec.OpIDiv, OpMod: vec.OpMod, OpPow: vec.OpPow,
		OpLt: vec.OpLt, OpLe: vec.OpLe, OpGt: vec.OpGt, OpGe: vec.OpGe, OpEq: vec.OpEq, OpNe: vec.OpNe,
		OpAnd: vec.OpAnd, OpOr: vec.OpOr,
		OpSum: vec.OpSum, OpProd: vec.OpProd, OpMin: vec.OpMin, OpMax: vec.OpMax,
		OpAny: vec.OpAny, OpAll: vec.OpAll,
		OpCumSum: vec.OpCumSum, OpCumProd: vec.OpCumProd,
	}
	for op, v := range arith {
		operands := toReg
		if v.Group() == vec.GroupBinary {
			operands = binToReg
		}
		opcodeTable[op] = OpcodeInfo{Name: v.String(), Operands: operands, Vec: v}
	}
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", uint8(op))}
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// endsBlock reports whether control never falls through op to the next
// instruction.
func (op Opcode) endsBlock() bool {
	switch op {
	case OpJmp, OpJc, OpRet, OpRetP, OpRetS, OpDone:
		return true
	}
	return false
}

// Name returns the mnemonic of op.
func (op Opcode) Name() string { return op.Info().Name }

func (op Opcode) String() string { return op.Name() }

// Arith returns the vec op an arithmetic opcode performs.
func (op Opcode) Arith() (vec.Op, bool) {
	v := op.Info().Vec
	return v, v != vec.OpNone
}

// OpcodeByName looks an opcode up by mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Instructions and operands
// ---------------------------------------------------------------------------

// Instruction is one fixed-width instruction. Register operands are
// non-negative; a negative operand -(k+1) names constant k.
type Instruction struct {
	Op      Opcode
	A, B, C int64
}

// ConstOperand encodes constant index k as an operand.
func ConstOperand(k int) int64 { return -int64(k) - 1 }

// isConstOperand reports whether an operand names a constant.
func isConstOperand(x int64) bool { return x < 0 }

// constIndex decodes a constant operand.
func constIndex(x int64) int { return int(-x - 1) }

// jumpTarget returns the pc a jmp at pc transfers to.
func jumpTarget(code []Instruction, pc int) int {
	return pc + int(code[pc].A)
}

// ---------------------------------------------------------------------------
// ProtoBuilder: assembling prototypes
// ---------------------------------------------------------------------------

// ProtoBuilder assembles a prototype instruction by instruction. It is the
// interface the compiler stage targets and what tests use to build code.
type ProtoBuilder struct {
	p      *Prototype
	consts map[string]int
}

// NewProtoBuilder starts a prototype.
func NewProtoBuilder(name string) *ProtoBuilder {
	return &ProtoBuilder{
		p:      &Prototype{Name: name, DotIndex: -1},
		consts: make(map[string]int),
	}
}

// Expression sets the deparsed source text.
func (b *ProtoBuilder) Expression(src string) *ProtoBuilder {
	b.p.Expression = src
	return b
}

// Param adds a formal parameter. def may be nil.
func (b *ProtoBuilder) Param(name string, def *Prototype) *ProtoBuilder {
	if name == "..." {
		b.p.DotIndex = len(b.p.Parameters)
	}
	b.p.Parameters = append(b.p.Parameters, Param{Name: name, Default: def})
	return b
}

// Const adds v to the constant pool and returns it as an operand. Scalar
// constants are shared.
func (b *ProtoBuilder) Const(v Value) int64 {
	return ConstOperand(b.constIndex(v))
}

func (b *ProtoBuilder) constIndex(v Value) int {
	key := ""
	if vv, ok := v.(Vector); ok && vv.Len() == 1 && vv.Attributes() == nil && vv.Type() != vec.List {
		key = vv.Type().String() + ":" + fmt.Sprintf("%v", vv.Payload())
		if d, ok := vv.(*Double); ok {
			key = fmt.Sprintf("double:%x", math.Float64bits(d.At(0)))
		}
		if k, ok := b.consts[key]; ok {
			return k
		}
	}
	b.p.Constants = append(b.p.Constants, v)
	k := len(b.p.Constants) - 1
	if key != "" {
		b.consts[key] = k
	}
	return k
}

// Name interns a name and returns its constant index.
func (b *ProtoBuilder) Name(name string) int64 {
	return int64(b.constIndex(ScalarString(name)))
}

// Reg allocates a register.
func (b *ProtoBuilder) Reg() int64 {
	b.p.Registers++
	return int64(b.p.Registers - 1)
}

// Regs allocates n consecutive registers and returns the first.
func (b *ProtoBuilder) Regs(n int) int64 {
	first := int64(b.p.Registers)
	b.p.Registers += n
	return first
}

// Len returns the number of instructions emitted.
func (b *ProtoBuilder) Len() int { return len(b.p.Code) }

// Emit appends an instruction and returns its pc.
func (b *ProtoBuilder) Emit(op Opcode, x, y, z int64) int {
	b.p.Code = append(b.p.Code, Instruction{Op: op, A: x, B: y, C: z})
	return len(b.p.Code) - 1
}

// CallSite adds call site metadata and returns its index.
func (b *ProtoBuilder) CallSite(call string, args ...Argument) int64 {
	cc := CompiledCall{Call: call, Arguments: args}
	for _, a := range args {
		if a.Name != "" {
			cc.Named = true
		}
	}
	b.p.Calls = append(b.p.Calls, cc)
	return int64(len(b.p.Calls) - 1)
}

// Build returns the prototype.
func (b *ProtoBuilder) Build() *Prototype {
	return b.p
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be placed yet.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	pc    int
	field int // 0 = A, 1 = B
}

// NewLabel creates an unresolved label.
func (b *ProtoBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves a label to the next instruction.
func (b *ProtoBuilder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.p.Code)
	for _, r := range l.refs {
		b.patch(r, l.position)
	}
	l.refs = nil
}

func (b *ProtoBuilder) patch(r labelRef, target int) {
	offset := int64(target - r.pc)
	if r.field == 0 {
		b.p.Code[r.pc].A = offset
	} else {
		b.p.Code[r.pc].B = offset
	}
}

func (b *ProtoBuilder) refer(l *Label, pc, field int) {
	r := labelRef{pc: pc, field: field}
	if l.resolved {
		b.patch(r, l.position)
		return
	}
	l.refs = append(l.refs, r)
}

// EmitJump emits jmp to l.
func (b *ProtoBuilder) EmitJump(l *Label) int {
	pc := b.Emit(OpJmp, 0, 0, 0)
	b.refer(l, pc, 0)
	return pc
}

// EmitBranch emits jc on cond to onTrue or onFalse.
func (b *ProtoBuilder) EmitBranch(cond int64, onTrue, onFalse *Label) int {
	pc := b.Emit(OpJc, 0, 0, cond)
	b.refer(onTrue, pc, 0)
	b.refer(onFalse, pc, 1)
	return pc
}

// ForLoop emits a for loop over the vector in register seq, binding each
// element to name. body emits the loop body. The counter uses two
// consecutive registers.
func (b *ProtoBuilder) ForLoop(name string, seq int64, body func()) {
	n := b.Name(name)
	counter := b.Regs(2)
	end, start := b.NewLabel(), b.NewLabel()
	b.Emit(OpForBegin, n, seq, counter)
	b.EmitJump(end)
	b.Mark(start)
	body()
	b.Emit(OpForEnd, n, seq, counter)
	b.EmitJump(start)
	b.Mark(end)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at pc.
func DisassembleInstruction(p *Prototype, pc int) string {
	in := p.Code[pc]
	info := in.Op.Info()
	parts := []string{fmt.Sprintf("%04d  %-10s", pc, info.Name)}
	fields := [3]int64{in.A, in.B, in.C}
	for i, kind := range info.Operands {
		x := fields[i]
		switch kind {
		case argOperand:
			if isConstOperand(x) {
				parts = append(parts, "k"+formatConstOperand(p, constIndex(x)))
			} else {
				parts = append(parts, fmt.Sprintf("r%d", x))
			}
		case argReg:
			parts = append(parts, fmt.Sprintf("r%d", x))
		case argName:
			parts = append(parts, fmt.Sprintf("'%s'", p.constantName(x)))
		case argOffset:
			parts = append(parts, fmt.Sprintf("%+d (-> %04d)", x, pc+int(x)))
		case argCount:
			parts = append(parts, fmt.Sprintf("#%d", x))
		case argCallSite:
			cc := p.Calls[x]
			parts = append(parts, fmt.Sprintf("call=%d args=%d", x, len(cc.Arguments)))
		}
	}
	return strings.TrimRight(strings.Join(parts, " "), " ")
}

func formatConstOperand(p *Prototype, k int) string {
	c := p.Constants[k]
	if cl, ok := c.(*Closure); ok {
		return fmt.Sprintf("[%s]", cl.Proto.Name)
	}
	s := Deparse(c)
	if len(s) > 24 {
		s = s[:21] + "..."
	}
	return "[" + s + "]"
}

// Disassemble renders a prototype: its constants, call sites and code, and
// then every nested prototype it references.
func Disassemble(p *Prototype) string {
	var sb strings.Builder
	seen := map[*Prototype]bool{}
	disassemble(&sb, p, seen)
	return strings.TrimRight(sb.String(), "\n")
}

func disassemble(sb *strings.Builder, p *Prototype, seen map[*Prototype]bool) {
	if seen[p] {
		return
	}
	seen[p] = true
	fmt.Fprintf(sb, "prototype %s (%d registers)\n", p.Name, p.Registers)
	if len(p.Parameters) > 0 {
		fmt.Fprintf(sb, "  params: %s\n", strings.Join(p.Formals(), ", "))
	}
	for k, c := range p.Constants {
		fmt.Fprintf(sb, "  k%d = %s\n", k, Deparse(c))
	}
	for i, cc := range p.Calls {
		var args []string
		for _, a := range cc.Arguments {
			s := a.Name
			if s != "" {
				s += "="
			}
			switch a.Kind {
			case ArgValue:
				if isConstOperand(a.Operand) {
					s += fmt.Sprintf("k%d", constIndex(a.Operand))
				} else {
					s += fmt.Sprintf("r%d", a.Operand)
				}
			case ArgPromise:
				s += "<" + a.Proto.Name + ">"
			case ArgDots:
				s += "..."
			}
			args = append(args, s)
		}
		fmt.Fprintf(sb, "  call%d %s (%s)\n", i, cc.Call, strings.Join(args, ", "))
	}
	for pc := range p.Code {
		sb.WriteString(DisassembleInstruction(p, pc))
		sb.WriteByte('\n')
	}
	var nested []*Prototype
	for _, prm := range p.Parameters {
		if prm.Default != nil {
			nested = append(nested, prm.Default)
		}
	}
	for _, cc := range p.Calls {
		for _, a := range cc.Arguments {
			if a.Proto != nil {
				nested = append(nested, a.Proto)
			}
		}
	}
	for _, c := range p.Constants {
		if cl, ok := c.(*Closure); ok {
			nested = append(nested, cl.Proto)
		}
	}
	for _, n := range nested {
		sb.WriteByte('\n')
		disassemble(sb, n, seen)
	}
}
