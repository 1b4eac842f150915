// Package vec holds the element types of the engine and the elementwise
// kernels shared by the interpreter and compiled traces. Both execution paths
// call the same functions, so a trace and an interpreted run of the same
// loop produce bit-identical results.
package vec

import (
	"math"
)

// Type identifies a value kind. Atomic vector types are ordered by the
// coercion hierarchy: a binary operation on two atomic types computes in the
// larger of the two.
type Type uint8

const (
	Null Type = iota
	Raw
	Logical
	Integer
	Double
	Character
	List
	Closure
	Environment
	Promise
	Future
)

var typeNames = [...]string{
	Null:        "NULL",
	Raw:         "raw",
	Logical:     "logical",
	Integer:     "integer",
	Double:      "double",
	Character:   "character",
	List:        "list",
	Closure:     "closure",
	Environment: "environment",
	Promise:     "promise",
	Future:      "future",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// IsAtomic reports whether t is an atomic vector type.
func (t Type) IsAtomic() bool {
	return t >= Raw && t <= Character
}

// IsNumeric reports whether t takes part in arithmetic (logical, integer,
// double).
func (t Type) IsNumeric() bool {
	return t >= Logical && t <= Double
}

// ParseType maps a type name as used by as() and vector() to a Type.
func ParseType(name string) (Type, bool) {
	switch name {
	case "numeric":
		return Double, true
	}
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return Null, false
}

// Max returns the larger of two types in the coercion order.
func Max(a, b Type) Type {
	if a > b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// NA sentinels
// ---------------------------------------------------------------------------

const (
	True  int8 = 1
	False int8 = 0

	NALogical int8  = math.MinInt8
	NAInteger int64 = math.MinInt64

	// NAString cannot occur in a language string, which never holds NUL.
	NAString = "\x00NA\x00"

	naDoubleBits uint64 = 0x7FF00000000007A2
)

// NADouble is the double NA: a NaN whose low word is 1954.
var NADouble = math.Float64frombits(naDoubleBits)

// IsNA reports whether x is the double NA. Other NaNs are not NA.
func IsNA(x float64) bool {
	return x != x && uint32(math.Float64bits(x)) == 1954
}

// IsNAOrNaN reports whether x is NA or any other NaN.
func IsNAOrNaN(x float64) bool {
	return x != x
}

// Bool converts a Go bool to a logical element.
func Bool(b bool) int8 {
	if b {
		return True
	}
	return False
}
