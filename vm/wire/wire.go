// Package wire encodes compiled prototypes as canonical CBOR. This is the
// format of .qbc files loaded by source() and library(), and of the code
// sent to the eval service.
package wire

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/vec"
)

// Version is the format version written by Encode.
const Version = 1

// Ext is the file extension of encoded programs.
const Ext = ".qbc"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
	dm, err := cbor.DecOptions{MaxNestedLevels: 64, MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// program is the encoded form. Prototypes are flattened into one table so
// shared and nested ones are written once; references are table indices.
type program struct {
	Version int           `cbor:"1,keyasint"`
	Root    int           `cbor:"2,keyasint"`
	Protos  []protoRecord `cbor:"3,keyasint"`
}

type protoRecord struct {
	Name       string        `cbor:"1,keyasint"`
	Expression string        `cbor:"2,keyasint,omitempty"`
	Params     []paramRecord `cbor:"3,keyasint,omitempty"`
	DotIndex   int           `cbor:"4,keyasint"`
	Registers  int           `cbor:"5,keyasint"`
	Constants  []constRecord `cbor:"6,keyasint,omitempty"`
	Code       []instrRecord `cbor:"7,keyasint"`
	Calls      []callRecord  `cbor:"8,keyasint,omitempty"`
}

type paramRecord struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Default int // -1 when the formal has no default
}

type instrRecord struct {
	_       struct{} `cbor:",toarray"`
	Op      uint8
	A, B, C int64
}

type callRecord struct {
	Call  string      `cbor:"1,keyasint"`
	Named bool        `cbor:"2,keyasint,omitempty"`
	Args  []argRecord `cbor:"3,keyasint,omitempty"`
}

type argRecord struct {
	_       struct{} `cbor:",toarray"`
	Name    string
	Kind    uint8
	Operand int64
	Proto   int // -1 unless Kind is a promise
}

// constRecord holds one constant. Doubles are stored as their bit
// patterns: canonical CBOR shortens floats and would lose the NA payload.
type constRecord struct {
	Type      string        `cbor:"1,keyasint"`
	Logical   []int8        `cbor:"2,keyasint,omitempty"`
	Integer   []int64       `cbor:"3,keyasint,omitempty"`
	Double    []uint64      `cbor:"4,keyasint,omitempty"`
	Character []string      `cbor:"5,keyasint,omitempty"`
	Raw       []byte        `cbor:"6,keyasint,omitempty"`
	List      []constRecord `cbor:"7,keyasint,omitempty"`
	Attrs     []attrRecord  `cbor:"8,keyasint,omitempty"`
	Proto     int           `cbor:"9,keyasint,omitempty"`
}

type attrRecord struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value constRecord
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type encoder struct {
	protos []protoRecord
	index  map[*vm.Prototype]int
}

// Encode serializes p and every prototype it references.
func Encode(p *vm.Prototype) ([]byte, error) {
	e := &encoder{index: make(map[*vm.Prototype]int)}
	root, err := e.proto(p)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&program{Version: Version, Root: root, Protos: e.protos})
}

func (e *encoder) proto(p *vm.Prototype) (int, error) {
	if i, ok := e.index[p]; ok {
		return i, nil
	}
	i := len(e.protos)
	e.index[p] = i
	e.protos = append(e.protos, protoRecord{})

	r := protoRecord{
		Name:       p.Name,
		Expression: p.Expression,
		DotIndex:   p.DotIndex,
		Registers:  p.Registers,
		Code:       make([]instrRecord, len(p.Code)),
	}
	for _, prm := range p.Parameters {
		def := -1
		if prm.Default != nil {
			d, err := e.proto(prm.Default)
			if err != nil {
				return 0, err
			}
			def = d
		}
		r.Params = append(r.Params, paramRecord{Name: prm.Name, Default: def})
	}
	for _, c := range p.Constants {
		cr, err := e.value(c)
		if err != nil {
			return 0, fmt.Errorf("wire: %s: %w", p.Name, err)
		}
		r.Constants = append(r.Constants, cr)
	}
	for pc, in := range p.Code {
		r.Code[pc] = instrRecord{Op: uint8(in.Op), A: in.A, B: in.B, C: in.C}
	}
	for _, cc := range p.Calls {
		rec := callRecord{Call: cc.Call, Named: cc.Named}
		for _, a := range cc.Arguments {
			ar := argRecord{Name: a.Name, Kind: uint8(a.Kind), Operand: a.Operand, Proto: -1}
			if a.Proto != nil {
				pi, err := e.proto(a.Proto)
				if err != nil {
					return 0, err
				}
				ar.Proto = pi
			}
			rec.Args = append(rec.Args, ar)
		}
		r.Calls = append(r.Calls, rec)
	}
	e.protos[i] = r
	return i, nil
}

func (e *encoder) value(v vm.Value) (constRecord, error) {
	r := constRecord{Type: v.Type().String()}
	switch x := v.(type) {
	case vm.Null:
		return r, nil
	case *vm.Logical:
		r.Logical = x.Elems()
	case *vm.Integer:
		r.Integer = x.Elems()
	case *vm.Double:
		r.Double = make([]uint64, x.Len())
		for i, f := range x.Elems() {
			r.Double[i] = math.Float64bits(f)
		}
	case *vm.Character:
		r.Character = x.Elems()
	case *vm.Raw:
		r.Raw = x.Elems()
	case *vm.List:
		for _, el := range x.Elems() {
			er, err := e.value(el)
			if err != nil {
				return r, err
			}
			r.List = append(r.List, er)
		}
	case *vm.Closure:
		pi, err := e.proto(x.Proto)
		if err != nil {
			return r, err
		}
		r.Proto = pi
		return r, nil
	default:
		return r, fmt.Errorf("cannot encode a constant of type %s", vm.TypeOf(v))
	}

	var err error
	v.(vm.Vector).Attributes().Each(func(name string, av vm.Value) {
		if err != nil {
			return
		}
		var ar constRecord
		if ar, err = e.value(av); err == nil {
			r.Attrs = append(r.Attrs, attrRecord{Name: name, Value: ar})
		}
	})
	return r, err
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// ErrVersion is returned for data written by an unknown format version.
var ErrVersion = errors.New("wire: unsupported version")

type decoder struct {
	recs   []protoRecord
	protos []*vm.Prototype
}

// Decode deserializes a program and validates every prototype in it.
func Decode(data []byte) (*vm.Prototype, error) {
	var prog program
	if err := decMode.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("wire: unmarshal program: %w", err)
	}
	if prog.Version != Version {
		return nil, fmt.Errorf("%w %d", ErrVersion, prog.Version)
	}
	d := &decoder{recs: prog.Protos, protos: make([]*vm.Prototype, len(prog.Protos))}
	for i := range d.protos {
		d.protos[i] = &vm.Prototype{}
	}
	for i := range d.recs {
		if err := d.fill(i); err != nil {
			return nil, err
		}
	}
	root, err := d.ref(prog.Root)
	if err != nil {
		return nil, err
	}
	for _, p := range d.protos {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
	}
	return root, nil
}

func (d *decoder) ref(i int) (*vm.Prototype, error) {
	if i < 0 || i >= len(d.protos) {
		return nil, fmt.Errorf("wire: prototype %d out of range", i)
	}
	return d.protos[i], nil
}

func (d *decoder) fill(i int) error {
	r, p := &d.recs[i], d.protos[i]
	p.Name = r.Name
	p.Expression = r.Expression
	p.DotIndex = r.DotIndex
	p.Registers = r.Registers
	if p.Registers < 0 {
		return fmt.Errorf("wire: %s: negative register count", r.Name)
	}
	for _, prm := range r.Params {
		var def *vm.Prototype
		if prm.Default >= 0 {
			var err error
			if def, err = d.ref(prm.Default); err != nil {
				return err
			}
		}
		p.Parameters = append(p.Parameters, vm.Param{Name: prm.Name, Default: def})
	}
	for _, cr := range r.Constants {
		v, err := d.value(cr)
		if err != nil {
			return fmt.Errorf("wire: %s: %w", r.Name, err)
		}
		p.Constants = append(p.Constants, v)
	}
	p.Code = make([]vm.Instruction, len(r.Code))
	for pc, in := range r.Code {
		p.Code[pc] = vm.Instruction{Op: vm.Opcode(in.Op), A: in.A, B: in.B, C: in.C}
	}
	for _, cr := range r.Calls {
		cc := vm.CompiledCall{Call: cr.Call, Named: cr.Named}
		for _, ar := range cr.Args {
			a := vm.Argument{Name: ar.Name, Kind: vm.ArgKind(ar.Kind), Operand: ar.Operand}
			if a.Kind == vm.ArgPromise {
				var err error
				if a.Proto, err = d.ref(ar.Proto); err != nil {
					return err
				}
			}
			cc.Arguments = append(cc.Arguments, a)
		}
		p.Calls = append(p.Calls, cc)
	}
	return nil
}

func (d *decoder) value(r constRecord) (vm.Value, error) {
	var v vm.Vector
	switch r.Type {
	case vec.Null.String():
		return vm.Nil, nil
	case vec.Closure.String():
		p, err := d.ref(r.Proto)
		if err != nil {
			return nil, err
		}
		return &vm.Closure{Proto: p}, nil
	case vec.Logical.String():
		v = vm.LogicalOf(r.Logical...)
	case vec.Integer.String():
		v = vm.IntegerOf(r.Integer...)
	case vec.Double.String():
		fs := make([]float64, len(r.Double))
		for i, b := range r.Double {
			fs[i] = math.Float64frombits(b)
		}
		v = vm.DoubleOf(fs...)
	case vec.Character.String():
		v = vm.CharacterOf(r.Character...)
	case vec.Raw.String():
		v = vm.RawOf(r.Raw...)
	case vec.List.String():
		elems := make([]vm.Value, len(r.List))
		for i, er := range r.List {
			el, err := d.value(er)
			if err != nil {
				return nil, err
			}
			elems[i] = el
		}
		v = vm.ListOf(elems...)
	default:
		return nil, fmt.Errorf("unknown constant type %q", r.Type)
	}
	if len(r.Attrs) == 0 {
		return v, nil
	}
	var attrs *vm.Attributes
	for _, ar := range r.Attrs {
		av, err := d.value(ar.Value)
		if err != nil {
			return nil, err
		}
		attrs = attrs.With(ar.Name, av)
	}
	return v.WithAttributes(attrs), nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile encodes p into path.
func WriteFile(path string, p *vm.Prototype) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("wire: write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the program in path. It has the signature of
// vm.Runtime.Loader.
func ReadFile(path string) (*vm.Prototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wire: read %s: %w", path, err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
