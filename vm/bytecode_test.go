package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/quill/vm/vec"
)

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op   Opcode
		name string
	}{
		{OpJmp, "jmp"},
		{OpForBegin, "forbegin"},
		{OpLoad, "load"},
		{OpSetSub, "setsub"},
		{OpAdd, "add"},
		{OpCumSum, "cumsum"},
		{OpSeq, "seq"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.op.String())
		op, ok := OpcodeByName(tt.name)
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.op, op)
	}

	_, ok := OpcodeByName("send")
	assert.False(t, ok)
	assert.Equal(t, "unknown_ff", Opcode(0xff).Name())
}

func TestOpcodeArith(t *testing.T) {
	v, ok := OpMul.Arith()
	assert.True(t, ok)
	assert.Equal(t, vec.OpMul, v)

	_, ok = OpLoad.Arith()
	assert.False(t, ok)

	assert.Equal(t, binToReg, OpLt.Info().Operands)
	assert.Equal(t, toReg, OpSqrt.Info().Operands)
}

func TestConstOperand(t *testing.T) {
	for k := 0; k < 5; k++ {
		x := ConstOperand(k)
		assert.True(t, isConstOperand(x))
		assert.Equal(t, k, constIndex(x))
	}
	assert.False(t, isConstOperand(0))
}

func TestBuilderSharesScalarConstants(t *testing.T) {
	b := NewProtoBuilder("f")
	one := b.Const(ScalarDouble(1))
	assert.Equal(t, one, b.Const(ScalarDouble(1)))
	assert.NotEqual(t, one, b.Const(ScalarInteger(1)))
	assert.Equal(t, b.Name("x"), b.Name("x"))

	// Vectors and NaN payloads are kept apart.
	assert.NotEqual(t, b.Const(DoubleOf(1, 2)), b.Const(DoubleOf(1, 2)))
	assert.NotEqual(t, b.Const(ScalarDouble(vec.NADouble)), b.Const(ScalarDouble(0)))

	p := b.Build()
	assert.Equal(t, "x", p.constantName(b.Name("x")))
	assert.Panics(t, func() { p.constantName(int64(constIndex(one))) })
}

func TestBuilderRegisters(t *testing.T) {
	b := NewProtoBuilder("f")
	assert.EqualValues(t, 0, b.Reg())
	assert.EqualValues(t, 1, b.Regs(3))
	assert.EqualValues(t, 4, b.Reg())
	assert.Equal(t, 5, b.Build().Registers)
}

func TestLabelForwardJump(t *testing.T) {
	b := NewProtoBuilder("f")
	l := b.NewLabel()
	pc := b.EmitJump(l)
	b.Emit(OpDone, 0, 0, 0)
	b.Emit(OpDone, 0, 0, 0)
	b.Mark(l)
	b.Emit(OpDone, 0, 0, 0)

	code := b.Build().Code
	assert.EqualValues(t, 3, code[pc].A)
	assert.Equal(t, 3, jumpTarget(code, pc))
}

func TestLabelBackwardJump(t *testing.T) {
	b := NewProtoBuilder("f")
	l := b.NewLabel()
	b.Emit(OpDone, 0, 0, 0)
	b.Mark(l)
	b.Emit(OpDone, 0, 0, 0)
	pc := b.EmitJump(l)
	assert.EqualValues(t, -1, b.Build().Code[pc].A)
}

func TestLabelDoubleMark(t *testing.T) {
	b := NewProtoBuilder("f")
	l := b.NewLabel()
	b.Mark(l)
	assert.Panics(t, func() { b.Mark(l) })
}

func TestBranchPatchesBothOffsets(t *testing.T) {
	b := NewProtoBuilder("f")
	cond := b.Reg()
	yes, no := b.NewLabel(), b.NewLabel()
	pc := b.EmitBranch(cond, yes, no)
	b.Mark(yes)
	b.Emit(OpDone, 0, 0, 0)
	b.Mark(no)
	b.Emit(OpDone, 0, 0, 0)

	in := b.Build().Code[pc]
	assert.Equal(t, Instruction{Op: OpJc, A: 1, B: 2, C: cond}, in)
}

func TestForLoopLayout(t *testing.T) {
	b := NewProtoBuilder("f")
	seq := b.Reg()
	b.ForLoop("v", seq, func() {
		b.Emit(OpDone, 0, 0, 0)
	})
	code := b.Build().Code
	require.Len(t, code, 5)

	ops := make([]Opcode, len(code))
	for i, in := range code {
		ops[i] = in.Op
	}
	assert.Equal(t, []Opcode{OpForBegin, OpJmp, OpDone, OpForEnd, OpJmp}, ops)
	assert.Equal(t, 5, jumpTarget(code, 1), "the exit jump leaves the loop")
	assert.Equal(t, 2, jumpTarget(code, 4), "the back jump reaches the body")
	assert.Equal(t, code[0].C, code[3].C, "begin and end share the counter")
	assert.Equal(t, seq, code[3].B)
}

func TestDisassembleInstructions(t *testing.T) {
	b := NewProtoBuilder("f").Param("x", nil)
	r0, r1 := b.Reg(), b.Reg()
	b.Emit(OpLoad, b.Name("x"), 0, r0)
	b.Emit(OpAdd, r0, b.Const(ScalarDouble(1)), r1)
	b.Emit(OpInternal, b.Name("print"), 1, r1)
	b.Emit(OpRet, r1, 0, 0)
	p := b.Build()

	assert.Equal(t, "0000  load       'x' r0", DisassembleInstruction(p, 0))
	assert.Equal(t, "0001  add        r0 k[1] r1", DisassembleInstruction(p, 1))
	assert.Equal(t, "0002  internal   'print' #1 r1", DisassembleInstruction(p, 2))
	assert.Equal(t, "0003  ret        r1", DisassembleInstruction(p, 3))
}

func TestDisassembleJump(t *testing.T) {
	b := NewProtoBuilder("f")
	l := b.NewLabel()
	b.EmitJump(l)
	b.Emit(OpDone, 0, 0, 0)
	b.Mark(l)
	b.Emit(OpDone, 0, 0, 0)

	assert.Equal(t, "0000  jmp        +2 (-> 0002)", DisassembleInstruction(b.Build(), 0))
}

func TestDisassembleLongConstant(t *testing.T) {
	b := NewProtoBuilder("f")
	b.Emit(OpRet, b.Const(CharacterOf(strings.Repeat("a", 40))), 0, 0)
	line := DisassembleInstruction(b.Build(), 0)
	assert.True(t, strings.HasSuffix(line, `k["aaaaaaaaaaaaaaaaaaaa...]`), line)
}

func TestDisassembleNested(t *testing.T) {
	def := NewProtoBuilder("<default y>")
	def.Emit(OpRetP, def.Const(ScalarInteger(2)), 0, 0)

	b := NewProtoBuilder("g").Param("y", def.Build()).Param("...", nil)
	fn, out := b.Reg(), b.Reg()
	b.Emit(OpLoadFn, b.Name("h"), 0, fn)
	b.Emit(OpCall, fn, b.CallSite("h(a = y, ...)",
		Argument{Name: "a", Kind: ArgPromise, Proto: promiseProto(ScalarDouble(3))},
		Argument{Kind: ArgDots},
	), out)
	b.Emit(OpRet, out, 0, 0)

	text := Disassemble(b.Build())
	lines := strings.Split(text, "\n")
	assert.Equal(t, "prototype g (2 registers)", lines[0])
	assert.Equal(t, "  params: y, ...", lines[1])
	assert.Contains(t, text, `  k0 = "h"`)
	assert.Contains(t, text, "  call0 h(a = y, ...) (a=<<arg>>, ...)")
	assert.Contains(t, text, "0001  call       r0 call=0 args=2 r1")
	assert.Contains(t, text, "\n\nprototype <default y> (0 registers)\n")
	assert.Contains(t, text, "\n\nprototype <arg> (0 registers)\n")
	assert.Contains(t, text, "0000  retp       k[2L]")
}

func TestValidateControlFlow(t *testing.T) {
	// forEndAt returns the pc of the only forend in p.
	forEndAt := func(p *Prototype) int {
		for pc, in := range p.Code {
			if in.Op == OpForEnd {
				return pc
			}
		}
		t.Fatal("no forend")
		return -1
	}

	tests := []struct {
		name  string
		build func() *Prototype
		want  string
	}{
		{"empty", func() *Prototype {
			return NewProtoBuilder("f").Build()
		}, "no code"},
		{"falls off the end", func() *Prototype {
			b := NewProtoBuilder("f")
			b.Emit(OpMov, b.Const(ScalarDouble(1)), 0, b.Reg())
			return b.Build()
		}, "code ends in mov"},
		{"forbegin without jump", func() *Prototype {
			b := NewProtoBuilder("f")
			r := b.Regs(3)
			b.Emit(OpForBegin, b.Name("v"), r, r+1)
			b.Emit(OpDone, 0, 0, 0)
			return b.Build()
		}, "forbegin not followed by a jump"},
		{"mismatched counter", func() *Prototype {
			p := sumLoopFn("f", ScalarDouble(0))
			p.Code[forEndAt(p)].C = 0
			return p
		}, "disagree"},
		{"forend jumps elsewhere", func() *Prototype {
			p := sumLoopFn("f", ScalarDouble(0))
			p.Code[forEndAt(p)+1].A = -1
			return p
		}, "does not jump back"},
		{"stray forend", func() *Prototype {
			b := NewProtoBuilder("f")
			r := b.Regs(3)
			b.Emit(OpForEnd, b.Name("v"), r, r+1)
			b.Emit(OpJmp, -1, 0, 0)
			return b.Build()
		}, "forend without a matching forbegin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.build().Validate(), tt.want)
		})
	}

	assert.NoError(t, sumLoopFn("f", ScalarDouble(0)).Validate())
	assert.NoError(t, counterClobber("f").Validate(), "register writes are checked at run time")
}
