package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/quill/vm/vec"
)

// printWidth is the line width print wraps vectors at.
const printWidth = 80

// ---------------------------------------------------------------------------
// Element rendering
// ---------------------------------------------------------------------------

// printDigits is the number of significant digits print shows for doubles.
const printDigits = 7

// elementStrings renders the elements of v for print: strings quoted,
// doubles with printDigits digits.
func elementStrings(v Vector, quote bool, digits int) []string {
	out := make([]string, v.Len())
	switch x := v.(type) {
	case *Logical:
		for i, e := range x.elems {
			out[i] = naSpelling(vec.FormatLogical(e))
		}
	case *Integer:
		for i, e := range x.elems {
			out[i] = naSpelling(vec.FormatInteger(e))
		}
	case *Double:
		for i, e := range x.elems {
			out[i] = vec.FormatDoubleDigits(e, digits)
		}
	case *Character:
		for i, e := range x.elems {
			switch {
			case e == vec.NAString:
				out[i] = "NA"
			case quote:
				out[i] = strconv.Quote(e)
			default:
				out[i] = e
			}
		}
	case *Raw:
		for i, e := range x.elems {
			out[i] = vec.FormatRaw(e)
		}
	case *List:
		for i, e := range x.elems {
			out[i] = Deparse(e)
		}
	}
	return out
}

func naSpelling(s string) string {
	if s == vec.NAString {
		return "NA"
	}
	return s
}

// ---------------------------------------------------------------------------
// Format: the print representation
// ---------------------------------------------------------------------------

// Format renders v the way print shows it, without a trailing newline.
func Format(v Value) string {
	var sb strings.Builder
	format(&sb, v, "")
	return strings.TrimRight(sb.String(), "\n")
}

func format(sb *strings.Builder, v Value, prefix string) {
	switch x := v.(type) {
	case Null:
		sb.WriteString("NULL\n")
	case *List:
		formatList(sb, x, prefix)
		formatAttributes(sb, x.Attributes())
	case Vector:
		formatVector(sb, x)
		formatAttributes(sb, x.Attributes())
	case *Closure:
		if x.Proto.Expression != "" {
			sb.WriteString(x.Proto.Expression)
		} else {
			sb.WriteString(x.Proto.Signature())
		}
		sb.WriteByte('\n')
	case EnvRef:
		fmt.Fprintf(sb, "<environment: %d>\n", x.index)
	case *Promise:
		if x.Forced() {
			format(sb, x.value, prefix)
			return
		}
		sb.WriteString("<promise>\n")
	case *Future:
		if x.value != nil {
			format(sb, x.value, prefix)
			return
		}
		fmt.Fprintf(sb, "<future: %s[%d]>\n", x.typ, x.length)
	default:
		fmt.Fprintf(sb, "<%s>\n", TypeOf(v))
	}
}

func formatVector(sb *strings.Builder, v Vector) {
	if v.Len() == 0 {
		fmt.Fprintf(sb, "%s(0)\n", v.Type())
		return
	}
	elems := elementStrings(v, true, printDigits)
	if names, ok := Names(v); ok {
		formatNamed(sb, elems, names)
		return
	}
	width := 0
	for _, e := range elems {
		width = max(width, len(e))
	}
	label := len(fmt.Sprintf("[%d]", len(elems)))
	perLine := max(1, (printWidth-label)/(width+1))
	for i := 0; i < len(elems); i += perLine {
		fmt.Fprintf(sb, "%*s", label, fmt.Sprintf("[%d]", i+1))
		for _, e := range elems[i:min(i+perLine, len(elems))] {
			fmt.Fprintf(sb, " %*s", width, e)
		}
		sb.WriteByte('\n')
	}
}

// formatNamed prints names above their values in aligned columns.
func formatNamed(sb *strings.Builder, elems, names []string) {
	names = append([]string(nil), names...)
	width := 0
	for i, e := range elems {
		n := names[i]
		if n == vec.NAString {
			n = "<NA>"
		}
		names[i] = n
		width = max(width, len(e), len(n))
	}
	perLine := max(1, printWidth/(width+1))
	for i := 0; i < len(elems); i += perLine {
		end := min(i+perLine, len(elems))
		for j, n := range names[i:end] {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(sb, "%*s", width, n)
		}
		sb.WriteByte('\n')
		for j, e := range elems[i:end] {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(sb, "%*s", width, e)
		}
		sb.WriteByte('\n')
	}
}

func formatList(sb *strings.Builder, l *List, prefix string) {
	if l.Len() == 0 {
		sb.WriteString("list()\n")
		return
	}
	names, named := Names(l)
	for i, e := range l.elems {
		tag := fmt.Sprintf("%s[[%d]]", prefix, i+1)
		if named && names[i] != "" && names[i] != vec.NAString {
			tag = prefix + "$" + names[i]
		}
		sb.WriteString(tag)
		sb.WriteByte('\n')
		format(sb, e, tag)
		sb.WriteByte('\n')
	}
}

func formatAttributes(sb *strings.Builder, a *Attributes) {
	a.Each(func(name string, v Value) {
		if name == "names" {
			return
		}
		fmt.Fprintf(sb, "attr(,%q)\n", name)
		format(sb, v, "")
	})
}

// ---------------------------------------------------------------------------
// Deparse: a one-line source representation
// ---------------------------------------------------------------------------

// Deparse renders v as an expression that would produce it.
func Deparse(v Value) string {
	switch x := v.(type) {
	case Null:
		return "NULL"
	case *List:
		return "list(" + strings.Join(deparseElems(x, elementsOf(x)), ", ") + ")"
	case Vector:
		if x.Len() == 0 {
			return fmt.Sprintf("%s(0)", x.Type())
		}
		elems := deparseAtoms(x)
		if x.Len() == 1 && x.Attributes() == nil {
			return elems[0]
		}
		return "c(" + strings.Join(deparseElems(x, elems), ", ") + ")"
	case *Closure:
		return x.Proto.Signature()
	case EnvRef:
		return "<environment>"
	case *Promise:
		if x.Forced() {
			return Deparse(x.value)
		}
		return "<promise>"
	case *Future:
		if x.value != nil {
			return Deparse(x.value)
		}
		return fmt.Sprintf("<future: %s[%d]>", x.typ, x.length)
	}
	return "<" + TypeOf(v) + ">"
}

func elementsOf(l *List) []string {
	out := make([]string, l.Len())
	for i, e := range l.elems {
		out[i] = Deparse(e)
	}
	return out
}

// deparseElems prefixes elements with their names.
func deparseElems(v Vector, elems []string) []string {
	names, ok := Names(v)
	if !ok {
		return elems
	}
	for i, n := range names {
		if n != "" && n != vec.NAString {
			elems[i] = n + " = " + elems[i]
		}
	}
	return elems
}

func deparseAtoms(v Vector) []string {
	switch x := v.(type) {
	case *Integer:
		out := make([]string, x.Len())
		for i, e := range x.elems {
			if e == vec.NAInteger {
				out[i] = "NA_integer_"
			} else {
				out[i] = strconv.FormatInt(e, 10) + "L"
			}
		}
		return out
	case *Double:
		out := make([]string, x.Len())
		for i, e := range x.elems {
			switch {
			case vec.IsNA(e):
				out[i] = "NA_real_"
			case math.IsNaN(e):
				out[i] = "NaN"
			default:
				out[i] = vec.FormatDoubleDigits(e, 15)
			}
		}
		return out
	case *Character:
		out := elementStrings(x, true, 0)
		for i, e := range x.elems {
			if e == vec.NAString {
				out[i] = "NA_character_"
			}
		}
		return out
	case *Raw:
		out := make([]string, x.Len())
		for i, e := range x.elems {
			out[i] = "as.raw(0x" + vec.FormatRaw(e) + ")"
		}
		return out
	}
	return elementStrings(v, true, 15)
}

// ---------------------------------------------------------------------------
// Identical
// ---------------------------------------------------------------------------

// Identical reports whether a and b are the same value: same type, length,
// elements and attributes. NA equals NA and NaN equals NaN, but NA is not
// NaN.
func Identical(a, b Value) bool {
	if fa, ok := a.(*Future); ok && fa.value != nil {
		a = fa.value
	}
	if fb, ok := b.(*Future); ok && fb.value != nil {
		b = fb.value
	}
	switch x := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case *Closure:
		y, ok := b.(*Closure)
		return ok && x.Proto == y.Proto && x.Env == y.Env
	case EnvRef:
		y, ok := b.(EnvRef)
		return ok && x == y
	case Vector:
		y, ok := b.(Vector)
		if !ok || x.Type() != y.Type() || x.Len() != y.Len() {
			return false
		}
		return identicalElems(x, y) && identicalAttributes(x.Attributes(), y.Attributes())
	}
	return a == b
}

func identicalElems(a, b Vector) bool {
	switch x := a.(type) {
	case *Logical:
		return sliceEqual(x.elems, b.(*Logical).elems)
	case *Integer:
		return sliceEqual(x.elems, b.(*Integer).elems)
	case *Character:
		return sliceEqual(x.elems, b.(*Character).elems)
	case *Raw:
		return sliceEqual(x.elems, b.(*Raw).elems)
	case *Double:
		for i, e := range x.elems {
			f := b.(*Double).elems[i]
			if e == f {
				continue
			}
			if !(math.IsNaN(e) && math.IsNaN(f) && vec.IsNA(e) == vec.IsNA(f)) {
				return false
			}
		}
		return true
	case *List:
		for i, e := range x.elems {
			if !Identical(e, b.(*List).elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func sliceEqual[T comparable](a, b []T) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func identicalAttributes(a, b *Attributes) bool {
	if a.Len() != b.Len() {
		return false
	}
	same := true
	a.Each(func(name string, v Value) {
		w, ok := b.Get(name)
		if !ok || !Identical(v, w) {
			same = false
		}
	})
	return same
}
