package vec

import "fmt"

// The Apply functions dispatch an op over typed slices passed as any: []int8
// for logical, []int64 for integer, []float64 for double, []string for
// character. Operands must already be in the op's operand type (see
// Signature) and dst in its result type. Interpreter, constant folder and
// trace executor all go through here.

// Unary applies a unary op. It panics on a type/op combination Signature
// rejects.
func Unary(op Op, operand Type, dst, a any) {
	if op == OpIsNA {
		switch operand {
		case Logical:
			IsNAOf(dst.([]int8), a.([]int8), IsNALogical)
		case Integer:
			IsNAOf(dst.([]int8), a.([]int64), IsNAInteger)
		case Double:
			IsNAOf(dst.([]int8), a.([]float64), IsNADouble)
		case Character:
			IsNAOf(dst.([]int8), a.([]string), IsNAString)
		case Raw:
			IsNAOf(dst.([]int8), a.([]byte), IsNARaw)
		default:
			panic(badApply(op, operand))
		}
		return
	}
	switch operand {
	case Logical:
		if op != OpNot {
			panic(badApply(op, operand))
		}
		NotLogical(dst.([]int8), a.([]int8))
	case Integer:
		UnaryInteger(op, dst.([]int64), a.([]int64))
	case Double:
		UnaryDouble(op, dst.([]float64), a.([]float64))
	default:
		panic(badApply(op, operand))
	}
}

// Binary applies a binary op with recycling and reports integer overflow.
func Binary(op Op, operand Type, dst, a, b any) (overflow bool) {
	switch {
	case op == OpAnd || op == OpOr:
		LogicLogical(op, dst.([]int8), a.([]int8), b.([]int8))
	case op.IsComparison():
		switch operand {
		case Integer:
			CompareInteger(op, dst.([]int8), a.([]int64), b.([]int64))
		case Double:
			CompareDouble(op, dst.([]int8), a.([]float64), b.([]float64))
		case Character:
			CompareString(op, dst.([]int8), a.([]string), b.([]string))
		default:
			panic(badApply(op, operand))
		}
	default:
		switch operand {
		case Integer:
			return ArithInteger(op, dst.([]int64), a.([]int64), b.([]int64))
		case Double:
			ArithDouble(op, dst.([]float64), a.([]float64), b.([]float64))
		default:
			panic(badApply(op, operand))
		}
	}
	return false
}

// Fold reduces a into the single element of dst.
func Fold(op Op, operand Type, dst, a any) (overflow bool) {
	switch operand {
	case Logical:
		dst.([]int8)[0] = FoldLogical(op, a.([]int8))
	case Integer:
		dst.([]int64)[0], overflow = FoldInteger(op, a.([]int64))
	case Double:
		dst.([]float64)[0] = FoldDouble(op, a.([]float64))
	default:
		panic(badApply(op, operand))
	}
	return overflow
}

// Scan computes a cumulative op into dst.
func Scan(op Op, operand Type, dst, a any) (overflow bool) {
	switch operand {
	case Integer:
		return ScanInteger(op, dst.([]int64), a.([]int64))
	case Double:
		ScanDouble(op, dst.([]float64), a.([]float64))
	default:
		panic(badApply(op, operand))
	}
	return false
}

// Apply runs any map, fold or scan op. For unary ops, folds and scans b is
// ignored.
func Apply(op Op, operand Type, dst, a, b any) (overflow bool) {
	switch op.Group() {
	case GroupUnary:
		Unary(op, operand, dst, a)
		return false
	case GroupBinary:
		return Binary(op, operand, dst, a, b)
	case GroupFold:
		return Fold(op, operand, dst, a)
	case GroupScan:
		return Scan(op, operand, dst, a)
	}
	panic(badApply(op, operand))
}

// Cast converts src of type from into dst of type to. Both slices follow the
// Apply conventions, with []byte for raw.
func Cast(from, to Type, dst, src any) {
	if from == to {
		switch to {
		case Logical:
			copyRecycled(dst.([]int8), src.([]int8))
		case Integer:
			copyRecycled(dst.([]int64), src.([]int64))
		case Double:
			copyRecycled(dst.([]float64), src.([]float64))
		case Character:
			copyRecycled(dst.([]string), src.([]string))
		case Raw:
			copyRecycled(dst.([]byte), src.([]byte))
		default:
			panic(badCast(from, to))
		}
		return
	}
	switch from {
	case Raw:
		s := src.([]byte)
		switch to {
		case Logical:
			Convert(dst.([]int8), s, RawToLogical)
		case Integer:
			Convert(dst.([]int64), s, RawToInteger)
		case Double:
			Convert(dst.([]float64), s, RawToDouble)
		case Character:
			Convert(dst.([]string), s, FormatRaw)
		default:
			panic(badCast(from, to))
		}
	case Logical:
		s := src.([]int8)
		switch to {
		case Integer:
			Convert(dst.([]int64), s, LogicalToInteger)
		case Double:
			Convert(dst.([]float64), s, LogicalToDouble)
		case Character:
			Convert(dst.([]string), s, FormatLogical)
		case Raw:
			Convert(dst.([]byte), s, func(x int8) byte { return IntegerToRaw(LogicalToInteger(x)) })
		default:
			panic(badCast(from, to))
		}
	case Integer:
		s := src.([]int64)
		switch to {
		case Logical:
			Convert(dst.([]int8), s, IntegerToLogical)
		case Double:
			Convert(dst.([]float64), s, IntegerToDouble)
		case Character:
			Convert(dst.([]string), s, FormatInteger)
		case Raw:
			Convert(dst.([]byte), s, IntegerToRaw)
		default:
			panic(badCast(from, to))
		}
	case Double:
		s := src.([]float64)
		switch to {
		case Logical:
			Convert(dst.([]int8), s, DoubleToLogical)
		case Integer:
			Convert(dst.([]int64), s, DoubleToInteger)
		case Character:
			Convert(dst.([]string), s, FormatDouble)
		case Raw:
			Convert(dst.([]byte), s, func(x float64) byte { return IntegerToRaw(DoubleToInteger(x)) })
		default:
			panic(badCast(from, to))
		}
	case Character:
		s := src.([]string)
		switch to {
		case Logical:
			Convert(dst.([]int8), s, ParseLogical)
		case Integer:
			Convert(dst.([]int64), s, ParseInteger)
		case Double:
			Convert(dst.([]float64), s, ParseDouble)
		case Raw:
			Convert(dst.([]byte), s, func(x string) byte { return IntegerToRaw(ParseInteger(x)) })
		default:
			panic(badCast(from, to))
		}
	default:
		panic(badCast(from, to))
	}
}

// Make allocates a slice of n elements for an atomic type, following the
// Apply conventions.
func Make(t Type, n int) any {
	switch t {
	case Raw:
		return make([]byte, n)
	case Logical:
		return make([]int8, n)
	case Integer:
		return make([]int64, n)
	case Double:
		return make([]float64, n)
	case Character:
		return make([]string, n)
	}
	panic(fmt.Sprintf("vec: no element slice for %s", t))
}

func copyRecycled[T any](dst, src []T) {
	if len(src) == len(dst) {
		copy(dst, src)
		return
	}
	each(dst, src, func(x T) T { return x })
}

func badApply(op Op, t Type) string {
	return fmt.Sprintf("vec: %s does not apply to %s", op, t)
}

func badCast(from, to Type) string {
	return fmt.Sprintf("vec: cannot cast %s to %s", from, to)
}
