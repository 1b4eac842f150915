package trace

import (
	"fmt"
	"io"
	"strings"

	"github.com/chazu/quill/vm/vec"
)

// String renders a listing of the trace in evaluation order.
func (t *Trace) String() string {
	var sb strings.Builder
	t.Dump(&sb)
	return sb.String()
}

// Dump writes a listing of the trace in evaluation order: one line per node
// with its register, type and shape, a marker where the loop starts, the
// phis, and the snapshot of every exit.
func (t *Trace) Dump(w io.Writer) {
	for i, r := range t.Order {
		if t.Looping() && i == t.Body {
			fmt.Fprintln(w, "---- loop")
		}
		fmt.Fprintln(w, t.line(r))
	}
	if t.Looping() && t.Body == len(t.Order) {
		fmt.Fprintln(w, "---- loop")
	}
	for _, p := range t.Phis {
		fmt.Fprintln(w, t.line(p))
	}
	for i, e := range t.Exits {
		fmt.Fprintf(w, "exit %d %s pc=%d %s\n", i, e.Kind, e.PC, t.snapshot(e.Snapshot))
	}
}

func (t *Trace) line(r Ref) string {
	n := t.Nodes[r]
	reg := "    "
	if n.Reg >= 0 {
		reg = fmt.Sprintf("r%-3d", n.Reg)
	}
	var args []string
	switch n.Op {
	case OpNest:
		args = append(args, fmt.Sprintf("pc=%d..%d", n.A, n.B))
	default:
		for _, d := range n.operands() {
			if d != NoRef {
				args = append(args, t.operand(d))
			}
		}
	}
	if n.Exit >= 0 {
		args = append(args, fmt.Sprintf("exit=%d", n.Exit))
	}
	return fmt.Sprintf("%04d %s %-9s %-6s %s %s", r, reg, n.Type, t.shape(n.Out), n.Op, strings.Join(args, " "))
}

func (t *Trace) operand(r Ref) string {
	n := t.Nodes[r]
	switch {
	case n.Op == OpConst:
		return formatConst(t.Consts[n.A])
	case n.Sunk:
		return fmt.Sprintf("%%%d*", r)
	}
	return fmt.Sprintf("%%%d", r)
}

func (t *Trace) shape(s Shape) string {
	if s.Constant {
		return fmt.Sprintf("[%d]", s.TraceLength)
	}
	return fmt.Sprintf("[%%%d]", s.Length)
}

func (t *Trace) snapshot(entries []SnapEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		var loc string
		switch e.Loc.Kind {
		case LocSlot:
			loc = "slot " + t.operand(e.Loc.Key)
		case LocVar:
			loc = t.operand(e.Loc.Key)
		case LocOutput:
			loc = fmt.Sprintf("out%d", e.Loc.Key)
		}
		parts = append(parts, loc+"="+t.operand(e.Value))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (k ExitKind) String() string {
	switch k {
	case ExitGuard:
		return "guard"
	case ExitLoop:
		return "loop"
	case ExitEnd:
		return "end"
	case ExitNest:
		return "nest"
	}
	return fmt.Sprintf("exit%d", uint8(k))
}

func formatConst(c Const) string {
	var elems []string
	switch c.Type {
	case vec.Logical:
		for _, x := range c.L {
			elems = append(elems, naName(vec.FormatLogical(x)))
		}
	case vec.Integer:
		for _, x := range c.I {
			if x == vec.NAInteger {
				elems = append(elems, "NA")
				continue
			}
			elems = append(elems, vec.FormatInteger(x)+"L")
		}
	case vec.Double:
		for _, x := range c.D {
			elems = append(elems, naName(vec.FormatDouble(x)))
		}
	case vec.Character:
		for _, x := range c.S {
			if x == vec.NAString {
				elems = append(elems, "NA")
				continue
			}
			elems = append(elems, fmt.Sprintf("%q", x))
		}
	}
	if len(elems) > 4 {
		elems = append(elems[:4], "...")
	}
	if len(elems) == 1 {
		return elems[0]
	}
	return "c(" + strings.Join(elems, ",") + ")"
}

func naName(s string) string {
	if s == vec.NAString {
		return "NA"
	}
	return s
}
