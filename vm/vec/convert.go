package vec

import (
	"math"
	"strconv"
	"strings"
)

// Convert maps src into dst elementwise with f, recycling src.
func Convert[S, D any](dst []D, src []S, f func(S) D) {
	each(dst, src, f)
}

func LogicalToInteger(x int8) int64 {
	if x == NALogical {
		return NAInteger
	}
	return int64(x)
}

func LogicalToDouble(x int8) float64 {
	if x == NALogical {
		return NADouble
	}
	return float64(x)
}

func IntegerToDouble(x int64) float64 {
	if x == NAInteger {
		return NADouble
	}
	return float64(x)
}

func IntegerToLogical(x int64) int8 {
	if x == NAInteger {
		return NALogical
	}
	return Bool(x != 0)
}

func DoubleToLogical(x float64) int8 {
	if x != x {
		return NALogical
	}
	return Bool(x != 0)
}

// DoubleToInteger truncates toward zero; NaN and values outside the int64
// range become NA.
func DoubleToInteger(x float64) int64 {
	if x != x || x >= math.MaxInt64 || x <= math.MinInt64 {
		return NAInteger
	}
	return int64(x)
}

func RawToLogical(x byte) int8   { return Bool(x != 0) }
func RawToInteger(x byte) int64  { return int64(x) }
func RawToDouble(x byte) float64 { return float64(x) }

func IntegerToRaw(x int64) byte {
	if x < 0 || x > 255 {
		return 0
	}
	return byte(x)
}

// ---------------------------------------------------------------------------
// Character conversions
// ---------------------------------------------------------------------------

func FormatLogical(x int8) string {
	switch x {
	case NALogical:
		return NAString
	case False:
		return "FALSE"
	}
	return "TRUE"
}

func FormatInteger(x int64) string {
	if x == NAInteger {
		return NAString
	}
	return strconv.FormatInt(x, 10)
}

// FormatDouble renders x with 15 significant digits, the precision used by
// as.character.
func FormatDouble(x float64) string {
	if IsNA(x) {
		return NAString
	}
	return FormatDoubleDigits(x, 15)
}

// FormatDoubleDigits renders x with at most digits significant digits, using
// the spellings Inf, -Inf and NaN.
func FormatDoubleDigits(x float64, digits int) string {
	switch {
	case IsNA(x):
		return "NA"
	case x != x:
		return "NaN"
	case math.IsInf(x, 1):
		return "Inf"
	case math.IsInf(x, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(x, 'g', digits, 64)
	if strings.ContainsRune(s, 'e') {
		mant, exp, _ := strings.Cut(s, "e")
		if strings.Contains(mant, ".") {
			mant = strings.TrimRight(strings.TrimRight(mant, "0"), ".")
		}
		return mant + "e" + exp
	}
	return s
}

func FormatRaw(x byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[x>>4], hex[x&15]})
}

func ParseLogical(s string) int8 {
	switch s {
	case "TRUE", "true", "True", "T":
		return True
	case "FALSE", "false", "False", "F":
		return False
	}
	return NALogical
}

// ParseDouble reads a decimal number; anything unparseable is NA.
func ParseDouble(s string) float64 {
	if s == NAString {
		return NADouble
	}
	s = strings.TrimSpace(s)
	switch s {
	case "NA", "":
		return NADouble
	case "Inf":
		return math.Inf(1)
	case "-Inf":
		return math.Inf(-1)
	case "NaN":
		return math.NaN()
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return NADouble
	}
	return x
}

func ParseInteger(s string) int64 {
	return DoubleToInteger(ParseDouble(s))
}
