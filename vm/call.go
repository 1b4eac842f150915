package vm

import "strings"

// ---------------------------------------------------------------------------
// Calls and argument matching
// ---------------------------------------------------------------------------

// supplied is one argument after ... has been spliced.
type supplied struct {
	name  string
	value Value
}

func opCall(t *Thread, pc int, in Instruction) int {
	cl, ok := t.in(in.A).(*Closure)
	if !ok {
		panic(errorf(msgNotFunction))
	}
	caller := t.cur
	cc := &caller.proto.Calls[in.B]
	env := t.heap.NewEnv(cl.Env, caller.env)
	t.heap.SetCall(env, cc.Call)
	t.bindArguments(cl.Proto, t.supply(cc), env)
	t.push(&CallFrame{proto: cl.Proto, env: env, returnPC: pc + 1, dest: in.C, resultSlot: -1})
	t.rt.collect()
	return 0
}

// supply evaluates the argument list of a call site into values and
// promises, splicing the caller's variadic list.
func (t *Thread) supply(cc *CompiledCall) []supplied {
	env := t.cur.env
	out := make([]supplied, 0, len(cc.Arguments))
	for _, a := range cc.Arguments {
		switch a.Kind {
		case ArgValue:
			out = append(out, supplied{a.Name, t.raw(a.Operand)})
		case ArgPromise:
			out = append(out, supplied{a.Name, &Promise{Kind: PromiseExpr, Proto: a.Proto, Env: env}})
		case ArgDots:
			de := t.dotsEnv()
			for i, d := range t.heap.Dots(de) {
				out = append(out, supplied{d.Name, forward(d.Value, de, i)})
			}
		}
	}
	return out
}

// forward returns what a callee receives for element i of the variadic
// list of e. Forwarding an element that already forwards another keeps
// pointing at the original, so a chain never grows past two hops.
func forward(v Value, e EnvRef, i int) Value {
	p, ok := v.(*Promise)
	if !ok {
		return v
	}
	if p.Forced() {
		return p.value
	}
	if p.Kind == PromiseDotDot {
		return &Promise{Kind: PromiseDotDot, Env: p.Env, Index: p.Index, Name: p.Name}
	}
	return &Promise{Kind: PromiseDotDot, Env: e, Index: i}
}

// bindArguments matches supplied arguments to the formals of p and binds
// them in env: exact names first, then unique prefixes of the formals
// before ..., then positions up to ..., then the rest into the variadic
// list. Unmatched formals get their default as a promise,
// or a missing marker.
func (t *Thread) bindArguments(p *Prototype, args []supplied, env EnvRef) {
	formals := p.Parameters
	bound := make([]Value, len(formals))
	used := make([]bool, len(args))

	for i, a := range args {
		if a.name == "" {
			continue
		}
		for j, f := range formals {
			if j != p.DotIndex && bound[j] == nil && f.Name == a.name {
				bound[j] = a.value
				used[i] = true
				break
			}
		}
	}

	positional := len(formals)
	if p.DotIndex >= 0 {
		positional = p.DotIndex
	}

	for i, a := range args {
		if used[i] || a.name == "" {
			continue
		}
		match := -1
		for j := 0; j < positional; j++ {
			if bound[j] != nil || !strings.HasPrefix(formals[j].Name, a.name) {
				continue
			}
			if match >= 0 {
				panic(errorf("argument %d matches multiple formal arguments", i+1))
			}
			match = j
		}
		if match >= 0 {
			bound[match] = a.value
			used[i] = true
		}
	}

	j := 0
	for i, a := range args {
		if used[i] || a.name != "" {
			continue
		}
		for j < positional && bound[j] != nil {
			j++
		}
		if j >= positional {
			break
		}
		bound[j] = a.value
		used[i] = true
	}

	var dots []DotArg
	named := false
	for i, a := range args {
		if used[i] {
			continue
		}
		if p.DotIndex < 0 {
			panic(errorf(msgUnusedArgs))
		}
		dots = append(dots, DotArg{Name: a.name, Value: a.value})
		named = named || a.name != ""
	}
	if p.DotIndex >= 0 {
		if dots == nil {
			dots = []DotArg{}
		}
		t.heap.SetDots(env, dots, named)
	}

	for j, f := range formals {
		if j == p.DotIndex {
			continue
		}
		v := bound[j]
		switch {
		case v != nil:
		case f.Default != nil:
			v = &Promise{Kind: PromiseDefault, Proto: f.Default, Env: env, Name: f.Name}
		default:
			v = &Promise{Kind: PromiseMissing, Env: env, Name: f.Name}
		}
		t.heap.Assign(env, f.Name, v)
	}
}

// ---------------------------------------------------------------------------
// Promise forcing
// ---------------------------------------------------------------------------

// force starts evaluating p for the instruction at pc, which is executed
// again once the promise has a value. It returns the pc to continue at.
func (t *Thread) force(p *Promise, pc int) int {
	switch p.Kind {
	case PromiseExpr, PromiseDefault:
		if p.forcing {
			panic(errorf(msgRecursive))
		}
		p.forcing = true
		t.push(&CallFrame{proto: p.Proto, env: p.Env, returnPC: pc, dest: -1, promise: p, resultSlot: -1})
		return 0
	case PromiseDotDot:
		dots := t.heap.Dots(p.Env)
		if p.Index >= len(dots) {
			panic(errorf("the ... list does not contain %d elements", p.Index+1))
		}
		target := dots[p.Index].Value
		q, ok := target.(*Promise)
		if !ok {
			p.value = target
			return pc
		}
		if q.Forced() {
			p.value = q.value
			return pc
		}
		if q.Kind == PromiseDotDot {
			panic(errorf("promise forwarding chain is longer than two hops"))
		}
		return t.force(q, pc)
	case PromiseMissing:
		panic(missingArgument(p.Name))
	}
	panic(errorf("invalid promise state"))
}
