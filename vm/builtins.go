package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chazu/quill/vm/vec"
)

// Builtin is a function reached by the internal instruction. Arguments
// arrive evaluated and positional.
type Builtin func(t *Thread, args []Value) Value

// RegisterBuiltin adds or replaces the builtin called name.
func (rt *Runtime) RegisterBuiltin(name string, fn Builtin) {
	rt.builtins[name] = fn
}

func (rt *Runtime) registerBuiltins() {
	for name, fn := range map[string]Builtin{
		"c":            builtinC,
		"list":         builtinList,
		"stop":         builtinStop,
		"warning":      builtinWarning,
		"print":        builtinPrint,
		"cat":          builtinCat,
		"identical":    builtinIdentical,
		"names":        builtinNames,
		"class":        builtinClass,
		"environment":  builtinEnvironment,
		"parent.frame": builtinParentFrame,
		"invisible":    builtinInvisible,
		"source":       builtinSource,
		"library":      builtinLibrary,
	} {
		rt.RegisterBuiltin(name, fn)
	}
}

func arity(name string, args []Value, lo, hi int) {
	if len(args) < lo || len(args) > hi {
		panic(errorf("%d arguments passed to '%s'", len(args), name))
	}
}

func stringArg(name string, v Value) string {
	s, ok := asName(v)
	if !ok {
		panic(errorf("invalid '%s' argument", name))
	}
	return s
}

// message pastes the arguments of stop, warning and cat.
func message(args []Value, sep string) string {
	var parts []string
	for _, a := range args {
		if v, ok := a.(Vector); ok && v.Type() != vec.List {
			parts = append(parts, elementStrings(v, false, printDigits)...)
		} else if _, null := a.(Null); !null {
			parts = append(parts, Deparse(a))
		}
	}
	return strings.Join(parts, sep)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func builtinC(t *Thread, args []Value) Value {
	typ, n, named := vec.Null, 0, false
	for _, a := range args {
		switch x := a.(type) {
		case Null:
			continue
		case Vector:
			if typ == vec.Null {
				typ = x.Type()
			} else {
				typ = vec.Max(typ, x.Type())
			}
			n += x.Len()
			_, has := Names(x)
			named = named || has
		default:
			typ = vec.List
			n++
		}
	}
	if typ == vec.Null {
		return Nil
	}
	out := MakeVector(typ, n)
	var names []string
	if named {
		names = make([]string, n)
	}
	i := 0
	for _, a := range args {
		switch x := a.(type) {
		case Null:
		case Vector:
			src := Coerce(x.WithAttributes(nil), typ)
			nm, _ := Names(x)
			for j := 0; j < src.Len(); j++ {
				copyElement(out, i, src, j)
				if nm != nil {
					names[i] = nm[j]
				}
				i++
			}
		default:
			out.(*List).elems[i] = a
			i++
		}
	}
	if named {
		out = out.WithAttributes((*Attributes)(nil).With("names", CharacterOf(names...)))
	}
	return out
}

func builtinList(t *Thread, args []Value) Value {
	return ListOf(append([]Value(nil), args...)...)
}

// ---------------------------------------------------------------------------
// Conditions and output
// ---------------------------------------------------------------------------

func builtinStop(t *Thread, args []Value) Value {
	panic(&RError{Message: message(args, ""), Call: t.cur.proto.Name})
}

func builtinWarning(t *Thread, args []Value) Value {
	msg := message(args, "")
	t.warn(msg)
	t.visible = false
	return CharacterOf(msg)
}

func builtinPrint(t *Thread, args []Value) Value {
	arity("print", args, 1, 1)
	fmt.Fprintln(t.rt.Output, Format(args[0]))
	t.visible = false
	return args[0]
}

func builtinCat(t *Thread, args []Value) Value {
	fmt.Fprint(t.rt.Output, message(args, " "))
	t.visible = false
	return Nil
}

func builtinInvisible(t *Thread, args []Value) Value {
	arity("invisible", args, 0, 1)
	t.visible = false
	if len(args) == 0 {
		return Nil
	}
	return args[0]
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

func builtinIdentical(t *Thread, args []Value) Value {
	arity("identical", args, 2, 2)
	return ScalarLogical(Identical(args[0], args[1]))
}

func builtinNames(t *Thread, args []Value) Value {
	arity("names", args, 1, 1)
	if e, ok := args[0].(EnvRef); ok {
		names := t.heap.Names(e)
		sort.Strings(names)
		return CharacterOf(names...)
	}
	names, ok := Names(args[0])
	if !ok {
		return Nil
	}
	return CharacterOf(append([]string(nil), names...)...)
}

// implicitClass is the class of a value without a class attribute.
func implicitClass(v Value) string {
	switch v.Type() {
	case vec.Double:
		return "numeric"
	case vec.Closure:
		return "function"
	}
	return TypeOf(v)
}

func builtinClass(t *Thread, args []Value) Value {
	arity("class", args, 1, 1)
	if v, ok := args[0].(Vector); ok {
		if cls, ok := v.Attributes().Get("class"); ok {
			return cls
		}
	}
	return ScalarString(implicitClass(args[0]))
}

func builtinEnvironment(t *Thread, args []Value) Value {
	arity("environment", args, 0, 1)
	if len(args) == 0 {
		return t.cur.env
	}
	switch x := args[0].(type) {
	case Null:
		return t.cur.env
	case *Closure:
		return x.Env
	}
	return Nil
}

// builtinParentFrame returns the environment of the n-th caller of the
// function that called parent.frame, or the global environment past the
// top.
func builtinParentFrame(t *Thread, args []Value) Value {
	arity("parent.frame", args, 0, 1)
	n := int64(1)
	if len(args) == 1 {
		if n = asIndex(args[0]); n < 1 {
			panic(errorf("invalid 'n' value"))
		}
	}
	e := t.cur.env
	for ; n > 0; n-- {
		e = t.heap.Dynamic(e)
		if e.IsNil() {
			return t.rt.Global
		}
	}
	return e
}

// ---------------------------------------------------------------------------
// Loading code
// ---------------------------------------------------------------------------

// source evaluates a compiled file in the global environment.
func (t *Thread) source(path string) (Value, error) {
	if t.rt.Loader == nil {
		return nil, errorf("cannot open file '%s': no loader", path)
	}
	p, err := t.rt.Loader(path)
	if err != nil {
		return nil, errorf("cannot open file '%s': %s", path, err)
	}
	vmLog.Debugf("sourcing %s", path)
	return t.Eval(p, t.rt.Global, -1)
}

func builtinSource(t *Thread, args []Value) Value {
	arity("source", args, 1, 1)
	v, err := t.source(stringArg("file", args[0]))
	if err != nil {
		panic(err)
	}
	t.visible = false
	return v
}

// builtinLibrary sources every compiled file of a library directory. A file
// that fails is reported as a warning and the rest still load.
func builtinLibrary(t *Thread, args []Value) Value {
	arity("library", args, 1, 1)
	name := stringArg("package", args[0])
	dir := filepath.Join(t.rt.Config.LibraryPath, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		panic(errorf("there is no package called '%s'", name))
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".qbc" {
			continue
		}
		if _, err := t.source(filepath.Join(dir, e.Name())); err != nil {
			msg := err.Error()
			if re, ok := AsRError(err); ok {
				msg = re.Message
			}
			t.warn(fmt.Sprintf("library '%s': %s: %s", name, e.Name(), msg))
		}
	}
	t.visible = false
	return ScalarString(name)
}
