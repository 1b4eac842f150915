package vec

// Op is an elementwise, fold or scan operation. Bytecode opcodes and trace IR
// nodes both name their arithmetic through an Op.
type Op uint8

const (
	OpNone Op = iota

	// Unary maps
	OpNeg
	OpNot
	OpAbs
	OpSqrt
	OpExp
	OpLog
	OpFloor
	OpCeiling
	OpIsNA

	// Binary maps
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

	// Folds
	OpSum
	OpProd
	OpMin
	OpMax
	OpAny
	OpAll

	// Scans
	OpCumSum
	OpCumProd

	numOps
)

// Group classifies how an op consumes its operands.
type Group uint8

const (
	GroupNone Group = iota
	GroupUnary
	GroupBinary
	GroupFold
	GroupScan
)

// OpInfo describes an op.
type OpInfo struct {
	Name        string
	Group       Group
	Commutative bool
}

var opTable = [numOps]OpInfo{
	OpNone:    {"none", GroupNone, false},
	OpNeg:     {"neg", GroupUnary, false},
	OpNot:     {"not", GroupUnary, false},
	OpAbs:     {"abs", GroupUnary, false},
	OpSqrt:    {"sqrt", GroupUnary, false},
	OpExp:     {"exp", GroupUnary, false},
	OpLog:     {"log", GroupUnary, false},
	OpFloor:   {"floor", GroupUnary, false},
	OpCeiling: {"ceiling", GroupUnary, false},
	OpIsNA:    {"isna", GroupUnary, false},
	OpAdd:     {"add", GroupBinary, true},
	OpSub:     {"sub", GroupBinary, false},
	OpMul:     {"mul", GroupBinary, true},
	OpDiv:     {"div", GroupBinary, false},
	OpIDiv:    {"idiv", GroupBinary, false},
	OpMod:     {"mod", GroupBinary, false},
	OpPow:     {"pow", GroupBinary, false},
	OpLt:      {"lt", GroupBinary, false},
	OpLe:      {"le", GroupBinary, false},
	OpGt:      {"gt", GroupBinary, false},
	OpGe:      {"ge", GroupBinary, false},
	OpEq:      {"eq", GroupBinary, true},
	OpNe:      {"neq", GroupBinary, true},
	OpAnd:     {"and", GroupBinary, true},
	OpOr:      {"or", GroupBinary, true},
	OpSum:     {"sum", GroupFold, false},
	OpProd:    {"prod", GroupFold, false},
	OpMin:     {"min", GroupFold, false},
	OpMax:     {"max", GroupFold, false},
	OpAny:     {"any", GroupFold, false},
	OpAll:     {"all", GroupFold, false},
	OpCumSum:  {"cumsum", GroupScan, false},
	OpCumProd: {"cumprod", GroupScan, false},
}

// Info returns the metadata for op.
func (op Op) Info() OpInfo {
	if op < numOps {
		return opTable[op]
	}
	return OpInfo{Name: "unknown"}
}

func (op Op) String() string { return op.Info().Name }

// Group returns the op's group.
func (op Op) Group() Group { return op.Info().Group }

// IsComparison reports whether op is one of the relational operators.
func (op Op) IsComparison() bool {
	return op >= OpLt && op <= OpNe
}

// Signature returns the type op computes in and the type it yields for the
// given operand types. For unary ops, folds and scans b is ignored. ok is false
// when the operand types are not accepted.
func Signature(op Op, a, b Type) (operand, result Type, ok bool) {
	switch op.Group() {
	case GroupUnary, GroupFold, GroupScan:
		b = a
	case GroupBinary:
	default:
		return Null, Null, false
	}

	if op == OpIsNA {
		if !a.IsAtomic() {
			return Null, Null, false
		}
		return a, Logical, true
	}

	if op == OpEq || op == OpNe || op == OpLt || op == OpLe || op == OpGt || op == OpGe {
		if (a == Character && b.IsAtomic()) || (b == Character && a.IsAtomic()) {
			return Character, Logical, true
		}
	}

	if !a.IsNumeric() || !b.IsNumeric() {
		return Null, Null, false
	}
	widest := Max(a, b)

	switch op {
	case OpNot, OpAnd, OpOr, OpAny, OpAll:
		return Logical, Logical, true
	case OpAdd, OpSub, OpMul, OpIDiv, OpMod, OpNeg, OpAbs, OpSum, OpMin, OpMax, OpCumSum:
		t := Max(widest, Integer)
		return t, t, true
	case OpDiv, OpPow, OpSqrt, OpExp, OpLog, OpFloor, OpCeiling, OpProd, OpCumProd:
		return Double, Double, true
	case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
		return Max(widest, Integer), Logical, true
	}
	return Null, Null, false
}

// RecycledLength is the length of an elementwise result over operands of
// lengths m and n: zero if either is empty, otherwise the longer.
func RecycledLength(m, n int) int {
	if m == 0 || n == 0 {
		return 0
	}
	if m > n {
		return m
	}
	return n
}
