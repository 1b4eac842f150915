package vm

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chazu/quill/vm/vec"
)

func withAttr(v Vector, name string, val Value) Vector {
	return v.WithAttributes(v.Attributes().With(name, val))
}

func TestFormatVectors(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "NULL"},
		{IntegerOf(1, 2, 3), "[1] 1 2 3"},
		{DoubleOf(1.5, vec.NADouble, 3), "[1] 1.5  NA   3"},
		{DoubleOf(1.0 / 3), "[1] 0.3333333"},
		{DoubleOf(math.Inf(-1), math.NaN()), "[1] -Inf  NaN"},
		{CharacterOf("a", vec.NAString), `[1] "a"  NA`},
		{LogicalOf(vec.True, vec.NALogical), "[1] TRUE   NA"},
		{RawOf(0, 255), "[1] 00 ff"},
		{NewInteger(0), "integer(0)"},
		{ListOf(), "list()"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.v), Deparse(tt.v))
	}
}

func TestFormatWraps(t *testing.T) {
	lines := strings.Split(Format(seq(30)), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], " [1]  1  2  3"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[26] 26 27"), lines[1])
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), printWidth)
	}
}

func TestFormatNamed(t *testing.T) {
	v := withAttr(DoubleOf(1, 2), "names", CharacterOf("a", "bb"))
	assert.Equal(t, " a bb\n 1  2", Format(v))
}

func TestFormatList(t *testing.T) {
	l := ListOf(ScalarDouble(1), CharacterOf("x"))
	assert.Equal(t, "[[1]]\n[1] 1\n\n[[2]]\n[1] \"x\"", Format(l))

	named := withAttr(ListOf(ScalarInteger(1), ListOf(ScalarLogical(true))), "names", CharacterOf("a", ""))
	assert.Equal(t, "$a\n[1] 1\n\n[[2]]\n[[2]][[1]]\n[1] TRUE", Format(named))
}

func TestFormatAttributes(t *testing.T) {
	v := withAttr(IntegerOf(7), "units", CharacterOf("cm"))
	assert.Equal(t, "[1] 7\nattr(,\"units\")\n[1] \"cm\"", Format(v))
}

func TestFormatClosure(t *testing.T) {
	def := NewProtoBuilder("<default>").Expression("2").Build()
	p := NewProtoBuilder("f").Param("x", nil).Param("y", def).Build()
	assert.Equal(t, "function(x, y = 2)", Format(&Closure{Proto: p}))

	p.Expression = "function(x, y = 2) x + y"
	assert.Equal(t, "function(x, y = 2) x + y", Format(&Closure{Proto: p}))
}

func TestDeparse(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "NULL"},
		{IntegerOf(1, vec.NAInteger), "c(1L, NA_integer_)"},
		{ScalarDouble(0.1), "0.1"},
		{ScalarDouble(1.0 / 3), "0.333333333333333"},
		{DoubleOf(vec.NADouble, math.NaN()), "c(NA_real_, NaN)"},
		{CharacterOf(`a"b`), `"a\"b"`},
		{CharacterOf(vec.NAString), "NA_character_"},
		{LogicalOf(vec.True, vec.NALogical), "c(TRUE, NA)"},
		{RawOf(255), "as.raw(0xff)"},
		{NewDouble(0), "double(0)"},
		{withAttr(ListOf(ScalarDouble(1), ScalarInteger(2)), "names", CharacterOf("a", "")), "list(a = 1, 2L)"},
		{withAttr(DoubleOf(1), "names", CharacterOf("x")), "c(x = 1)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Deparse(tt.v))
	}
}

func TestIdentical(t *testing.T) {
	na, nan := ScalarDouble(vec.NADouble), ScalarDouble(math.NaN())
	assert.True(t, Identical(na, ScalarDouble(vec.NADouble)))
	assert.True(t, Identical(nan, ScalarDouble(math.NaN())))
	assert.False(t, Identical(na, nan))

	assert.False(t, Identical(IntegerOf(1), DoubleOf(1)))
	assert.False(t, Identical(DoubleOf(1, 2), DoubleOf(1)))
	assert.True(t, Identical(Nil, Nil))
	assert.False(t, Identical(Nil, NewList(0)))

	a := withAttr(withAttr(IntegerOf(1), "x", ScalarDouble(1)), "y", ScalarDouble(2))
	b := withAttr(withAttr(IntegerOf(1), "y", ScalarDouble(2)), "x", ScalarDouble(1))
	assert.True(t, Identical(a, b), "attribute order does not matter")
	assert.False(t, Identical(a, IntegerOf(1)))

	nested := func() Value { return ListOf(CharacterOf("a"), ListOf(na)) }
	assert.True(t, Identical(nested(), nested()))
	assert.False(t, Identical(nested(), ListOf(CharacterOf("a"), ListOf(nan))))
}
