package vec

import (
	"math"

	"golang.org/x/exp/constraints"
)

// zip applies f across a and b with recycling; len(dst) decides the result
// length.
func zip[A, B, R any](dst []R, a []A, b []B, f func(A, B) R) {
	n, na, nb := len(dst), len(a), len(b)
	if n == 0 {
		return
	}
	switch {
	case na == n && nb == n:
		for i := range dst {
			dst[i] = f(a[i], b[i])
		}
	case na == 1 && nb == n:
		x := a[0]
		for i := range dst {
			dst[i] = f(x, b[i])
		}
	case nb == 1 && na == n:
		y := b[0]
		for i := range dst {
			dst[i] = f(a[i], y)
		}
	default:
		ia, ib := 0, 0
		for i := range dst {
			dst[i] = f(a[ia], b[ib])
			if ia++; ia == na {
				ia = 0
			}
			if ib++; ib == nb {
				ib = 0
			}
		}
	}
}

// each applies f to every element of a, recycling a over dst.
func each[A, R any](dst []R, a []A, f func(A) R) {
	if len(a) == 0 {
		return
	}
	if len(a) == len(dst) {
		for i := range dst {
			dst[i] = f(a[i])
		}
		return
	}
	for i := range dst {
		dst[i] = f(a[i%len(a)])
	}
}

// ---------------------------------------------------------------------------
// Double
// ---------------------------------------------------------------------------

func doubleArith(op Op) func(x, y float64) float64 {
	switch op {
	case OpAdd:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			return x + y
		}
	case OpSub:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			return x - y
		}
	case OpMul:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			return x * y
		}
	case OpDiv:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			return x / y
		}
	case OpIDiv:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			return math.Floor(x / y)
		}
	case OpMod:
		return func(x, y float64) float64 {
			if IsNA(x) || IsNA(y) {
				return NADouble
			}
			if y == 0 {
				return math.NaN()
			}
			return x - math.Floor(x/y)*y
		}
	case OpPow:
		return powDouble
	}
	panic("vec: not a double arithmetic op: " + op.String())
}

// powDouble squares through a multiply so that strength reduction of x^2
// to x*x stays exact.
func powDouble(x, y float64) float64 {
	if IsNA(x) || IsNA(y) {
		return NADouble
	}
	switch y {
	case 2:
		return x * x
	case 1:
		return x
	}
	return math.Pow(x, y)
}

// ArithDouble computes dst = a op b with recycling.
func ArithDouble(op Op, dst, a, b []float64) {
	zip(dst, a, b, doubleArith(op))
}

func compare[T any](op Op, isNA func(T) bool, lt func(x, y T) bool, eq func(x, y T) bool) func(x, y T) int8 {
	return func(x, y T) int8 {
		if isNA(x) || isNA(y) {
			return NALogical
		}
		switch op {
		case OpLt:
			return Bool(lt(x, y))
		case OpLe:
			return Bool(lt(x, y) || eq(x, y))
		case OpGt:
			return Bool(lt(y, x))
		case OpGe:
			return Bool(lt(y, x) || eq(x, y))
		case OpEq:
			return Bool(eq(x, y))
		case OpNe:
			return Bool(!eq(x, y))
		}
		panic("vec: not a comparison: " + op.String())
	}
}

func less[T constraints.Ordered](x, y T) bool  { return x < y }
func equal[T constraints.Ordered](x, y T) bool { return x == y }

// CompareDouble computes dst = a op b for a relational op. NaN compares as NA.
func CompareDouble(op Op, dst []int8, a, b []float64) {
	zip(dst, a, b, compare(op, IsNAOrNaN, less[float64], equal[float64]))
}

// UnaryDouble applies neg, abs, sqrt, exp, log, floor or ceiling.
func UnaryDouble(op Op, dst, a []float64) {
	var f func(float64) float64
	switch op {
	case OpNeg:
		f = func(x float64) float64 { return -x }
	case OpAbs:
		f = math.Abs
	case OpSqrt:
		f = math.Sqrt
	case OpExp:
		f = math.Exp
	case OpLog:
		f = math.Log
	case OpFloor:
		f = math.Floor
	case OpCeiling:
		f = math.Ceil
	default:
		panic("vec: not a double unary op: " + op.String())
	}
	each(dst, a, func(x float64) float64 {
		if IsNA(x) {
			return NADouble
		}
		return f(x)
	})
}

// FoldDouble reduces a with sum, prod, min or max.
func FoldDouble(op Op, a []float64) float64 {
	switch op {
	case OpSum, OpProd:
		acc := 0.0
		if op == OpProd {
			acc = 1
		}
		for _, x := range a {
			if IsNA(x) {
				return NADouble
			}
			if op == OpSum {
				acc += x
			} else {
				acc *= x
			}
		}
		return acc
	case OpMin, OpMax:
		acc := math.Inf(1)
		if op == OpMax {
			acc = math.Inf(-1)
		}
		nan := false
		for _, x := range a {
			if IsNA(x) {
				return NADouble
			}
			if x != x {
				nan = true
				continue
			}
			if (op == OpMin && x < acc) || (op == OpMax && x > acc) {
				acc = x
			}
		}
		if nan {
			return math.NaN()
		}
		return acc
	}
	panic("vec: not a double fold: " + op.String())
}

// ScanDouble computes cumulative sums or products; NA poisons the rest.
func ScanDouble(op Op, dst, a []float64) {
	acc := 0.0
	if op == OpCumProd {
		acc = 1
	}
	for i, x := range a {
		if IsNA(x) || IsNA(acc) {
			acc = NADouble
		} else if op == OpCumSum {
			acc += x
		} else {
			acc *= x
		}
		dst[i] = acc
	}
}

// ---------------------------------------------------------------------------
// Integer
// ---------------------------------------------------------------------------

func addInt(x, y int64) (int64, bool) {
	s := x + y
	if (x > 0 && y > 0 && s < 0) || (x < 0 && y < 0 && s >= 0) || s == NAInteger {
		return NAInteger, true
	}
	return s, false
}

func mulInt(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, false
	}
	p := x * y
	if p/x != y || p == NAInteger {
		return NAInteger, true
	}
	return p, false
}

func floorDiv(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

// ArithInteger computes dst = a op b for add, sub, mul, idiv and mod. It
// reports whether any element overflowed to NA.
func ArithInteger(op Op, dst, a, b []int64) (overflow bool) {
	var f func(x, y int64) int64
	switch op {
	case OpAdd:
		f = func(x, y int64) int64 {
			s, o := addInt(x, y)
			overflow = overflow || o
			return s
		}
	case OpSub:
		f = func(x, y int64) int64 {
			s, o := addInt(x, -y)
			overflow = overflow || o
			return s
		}
	case OpMul:
		f = func(x, y int64) int64 {
			p, o := mulInt(x, y)
			overflow = overflow || o
			return p
		}
	case OpIDiv:
		f = func(x, y int64) int64 {
			if y == 0 {
				return NAInteger
			}
			return floorDiv(x, y)
		}
	case OpMod:
		f = func(x, y int64) int64 {
			if y == 0 {
				return NAInteger
			}
			return x - floorDiv(x, y)*y
		}
	default:
		panic("vec: not an integer arithmetic op: " + op.String())
	}
	zip(dst, a, b, func(x, y int64) int64 {
		if x == NAInteger || y == NAInteger {
			return NAInteger
		}
		return f(x, y)
	})
	return overflow
}

// CompareInteger computes dst = a op b for a relational op.
func CompareInteger(op Op, dst []int8, a, b []int64) {
	zip(dst, a, b, compare(op, IsNAInteger, less[int64], equal[int64]))
}

// UnaryInteger applies neg or abs.
func UnaryInteger(op Op, dst, a []int64) {
	var f func(int64) int64
	switch op {
	case OpNeg:
		f = func(x int64) int64 { return -x }
	case OpAbs:
		f = func(x int64) int64 {
			if x < 0 {
				return -x
			}
			return x
		}
	default:
		panic("vec: not an integer unary op: " + op.String())
	}
	each(dst, a, func(x int64) int64 {
		if x == NAInteger {
			return NAInteger
		}
		return f(x)
	})
}

// FoldInteger reduces a with sum, min or max. Min and max of an empty
// vector are NA.
func FoldInteger(op Op, a []int64) (r int64, overflow bool) {
	switch op {
	case OpSum:
		var acc int64
		for _, x := range a {
			if x == NAInteger {
				return NAInteger, false
			}
			if acc, overflow = addInt(acc, x); overflow {
				return NAInteger, true
			}
		}
		return acc, false
	case OpMin, OpMax:
		if len(a) == 0 {
			return NAInteger, false
		}
		acc := a[0]
		for _, x := range a {
			if x == NAInteger {
				return NAInteger, false
			}
			if (op == OpMin && x < acc) || (op == OpMax && x > acc) {
				acc = x
			}
		}
		return acc, false
	}
	panic("vec: not an integer fold: " + op.String())
}

// ScanInteger computes cumulative sums.
func ScanInteger(op Op, dst, a []int64) (overflow bool) {
	if op != OpCumSum {
		panic("vec: not an integer scan: " + op.String())
	}
	var acc int64
	for i, x := range a {
		if x == NAInteger || acc == NAInteger {
			acc = NAInteger
		} else {
			var o bool
			acc, o = addInt(acc, x)
			overflow = overflow || o
		}
		dst[i] = acc
	}
	return overflow
}

// ---------------------------------------------------------------------------
// Logical
// ---------------------------------------------------------------------------

// LogicLogical computes three-valued and/or.
func LogicLogical(op Op, dst, a, b []int8) {
	switch op {
	case OpAnd:
		zip(dst, a, b, func(x, y int8) int8 {
			if x == False || y == False {
				return False
			}
			if x == NALogical || y == NALogical {
				return NALogical
			}
			return True
		})
	case OpOr:
		zip(dst, a, b, func(x, y int8) int8 {
			if x == True || y == True {
				return True
			}
			if x == NALogical || y == NALogical {
				return NALogical
			}
			return False
		})
	default:
		panic("vec: not a logical op: " + op.String())
	}
}

// NotLogical negates a.
func NotLogical(dst, a []int8) {
	each(dst, a, func(x int8) int8 {
		if x == NALogical {
			return NALogical
		}
		return 1 - x
	})
}

// FoldLogical reduces a with any or all.
func FoldLogical(op Op, a []int8) int8 {
	sawNA := false
	switch op {
	case OpAny:
		for _, x := range a {
			if x == True {
				return True
			}
			sawNA = sawNA || x == NALogical
		}
		if sawNA {
			return NALogical
		}
		return False
	case OpAll:
		for _, x := range a {
			if x == False {
				return False
			}
			sawNA = sawNA || x == NALogical
		}
		if sawNA {
			return NALogical
		}
		return True
	}
	panic("vec: not a logical fold: " + op.String())
}

// ---------------------------------------------------------------------------
// Character
// ---------------------------------------------------------------------------

// CompareString computes dst = a op b over strings.
func CompareString(op Op, dst []int8, a, b []string) {
	zip(dst, a, b, compare(op, IsNAString, less[string], equal[string]))
}

// ---------------------------------------------------------------------------
// isna
// ---------------------------------------------------------------------------

// IsNAOf fills dst with the NA test of each element of a.
func IsNAOf[T any](dst []int8, a []T, isNA func(T) bool) {
	each(dst, a, func(x T) int8 { return Bool(isNA(x)) })
}

// NA predicates per element type, for IsNAOf. Double treats every NaN as NA.
func IsNALogical(x int8) bool   { return x == NALogical }
func IsNAInteger(x int64) bool  { return x == NAInteger }
func IsNAString(x string) bool  { return x == NAString }
func IsNADouble(x float64) bool { return x != x }
func IsNARaw(byte) bool         { return false }

// ---------------------------------------------------------------------------
// Generators, gather and scatter
// ---------------------------------------------------------------------------

// Seq fills dst with from, from+by, from+2*by, ...
func Seq[T constraints.Integer | constraints.Float](dst []T, from, by T) {
	for i := range dst {
		dst[i] = from + T(i)*by
	}
}

// RepIndex fills dst with the 1-based indices that repeat a length-n vector
// with each element repeated each times.
func RepIndex(dst []int64, n, each int64) {
	for i := range dst {
		dst[i] = (int64(i)/each)%n + 1
	}
}

// Gather fills dst[i] with src[idx[i]-1], or na when the index is NA or
// outside 1..len(src). idx is recycled.
func Gather[T any](dst, src []T, idx []int64, na T) {
	each(dst, idx, func(k int64) T {
		if k == NAInteger || k < 1 || k > int64(len(src)) {
			return na
		}
		return src[k-1]
	})
}

// Scatter writes vals into dst at the 1-based positions in idx, recycling
// vals. Indices must be within 1..len(dst).
func Scatter[T any](dst []T, idx []int64, vals []T) {
	for i, k := range idx {
		dst[k-1] = vals[i%len(vals)]
	}
}
