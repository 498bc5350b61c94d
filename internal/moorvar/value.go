package moorvar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind discriminates the variants of Var.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindObj
	KindError
	KindBool
	KindSymbol
	KindList
	KindMap
	KindBinary
	KindFlyweight
	KindLambda
)

// ErrValue is the payload of a Var of kind KindError: an error symbol plus an
// optional human-readable message. The core never raises these itself (spec
// §7.1) but must store and round-trip them faithfully.
type ErrValue struct {
	Code    Symbol
	Message string
}

// MapEntry is one key/value pair of a KindMap Var. Keys are restricted to
// scalar or string Vars and must be unique within a Map (spec invariant 5).
type MapEntry struct {
	Key Var
	Val Var
}

// Flyweight is a lightweight delegate-object value: a delegate Obj, a set of
// named slots, ordered contents, and an optional seal marking it immutable
// against further slot writes.
type Flyweight struct {
	Delegate Obj
	Slots    []MapEntry // keys must be Symbols; kept ordered for determinism
	Contents []Var
	Sealed   bool
}

// Lambda is an opaque captured program plus its closed-over environment. The
// compiler/bytecode format is out of scope (spec §1); the store only needs
// to hold the bytes it was given and hand them back unchanged.
type Lambda struct {
	Program     []byte
	Environment []Var
}

// Var is the sum type every relation codomain and stored value is made of.
// Values are immutable: every mutator on Var returns a new Var rather than
// editing in place.
type Var struct {
	kind   Kind
	i      int64
	f      float64
	s      string
	obj    Obj
	errv   *ErrValue
	b      bool
	sym    Symbol
	list   []Var
	m      []MapEntry
	blob   []byte
	fly    *Flyweight
	lambda *Lambda
}

func Int(v int64) Var      { return Var{kind: KindInt, i: v} }
func Float(v float64) Var  { return Var{kind: KindFloat, f: v} }
func Str(v string) Var     { return Var{kind: KindString, s: v} }
func FromObj(v Obj) Var    { return Var{kind: KindObj, obj: v} }
func Bool(v bool) Var      { return Var{kind: KindBool, b: v} }
func FromSymbol(v Symbol) Var { return Var{kind: KindSymbol, sym: v} }
func Binary(v []byte) Var  { return Var{kind: KindBinary, blob: append([]byte(nil), v...)} }

func Error(code Symbol, message string) Var {
	return Var{kind: KindError, errv: &ErrValue{Code: code, Message: message}}
}

// List builds an ordered, 1-indexed-at-the-boundary list value. Internally
// elements are stored 0-based (spec invariant 5); index translation is the
// caller's job at the language boundary.
func List(elems ...Var) Var {
	return Var{kind: KindList, list: append([]Var(nil), elems...)}
}

// Map builds a map value from entries, rejecting duplicate keys and
// non-scalar keys (spec invariant 5).
func Map(entries ...MapEntry) (Var, error) {
	seen := make(map[string]struct{}, len(entries))
	out := make([]MapEntry, 0, len(entries))
	for _, e := range entries {
		if !isScalarKey(e.Key) {
			return Var{}, fmt.Errorf("moorvar: map key must be scalar or string, got kind %d", e.Key.kind)
		}
		enc, err := Encode(e.Key)
		if err != nil {
			return Var{}, err
		}
		k := string(enc)
		if _, dup := seen[k]; dup {
			return Var{}, fmt.Errorf("moorvar: duplicate map key %v", e.Key)
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return Var{kind: KindMap, m: out}, nil
}

func isScalarKey(v Var) bool {
	switch v.kind {
	case KindInt, KindFloat, KindObj, KindBool, KindSymbol, KindString:
		return true
	default:
		return false
	}
}

func FromFlyweight(f Flyweight) Var {
	cp := f
	cp.Slots = append([]MapEntry(nil), f.Slots...)
	cp.Contents = append([]Var(nil), f.Contents...)
	return Var{kind: KindFlyweight, fly: &cp}
}

func FromLambda(l Lambda) Var {
	cp := l
	cp.Program = append([]byte(nil), l.Program...)
	cp.Environment = append([]Var(nil), l.Environment...)
	return Var{kind: KindLambda, lambda: &cp}
}

func (v Var) Kind() Kind { return v.kind }

func (v Var) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Var) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v Var) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Var) AsObj() (Obj, bool) {
	if v.kind != KindObj {
		return Obj{}, false
	}
	return v.obj, true
}

func (v Var) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Var) AsSymbol() (Symbol, bool) {
	if v.kind != KindSymbol {
		return Symbol{}, false
	}
	return v.sym, true
}

func (v Var) AsList() ([]Var, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Var) AsMap() ([]MapEntry, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v Var) AsBinary() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return v.blob, true
}

func (v Var) AsFlyweight() (Flyweight, bool) {
	if v.kind != KindFlyweight {
		return Flyweight{}, false
	}
	return *v.fly, true
}

func (v Var) AsLambda() (Lambda, bool) {
	if v.kind != KindLambda {
		return Lambda{}, false
	}
	return *v.lambda, true
}

func (v Var) AsError() (ErrValue, bool) {
	if v.kind != KindError {
		return ErrValue{}, false
	}
	return *v.errv, true
}

// Equal reports structural equality, including list/map ordering (spec §8.1
// round-trip property and invariant 5).
func (v Var) Equal(other Var) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindObj:
		return v.obj.Equal(other.obj)
	case KindBool:
		return v.b == other.b
	case KindSymbol:
		return v.sym.Equal(other.sym)
	case KindError:
		return v.errv.Code.Equal(other.errv.Code) && v.errv.Message == other.errv.Message
	case KindBinary:
		return string(v.blob) == string(other.blob)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for i := range v.m {
			if !v.m[i].Key.Equal(other.m[i].Key) || !v.m[i].Val.Equal(other.m[i].Val) {
				return false
			}
		}
		return true
	case KindFlyweight:
		a, b := v.fly, other.fly
		if !a.Delegate.Equal(b.Delegate) || a.Sealed != b.Sealed {
			return false
		}
		if len(a.Slots) != len(b.Slots) || len(a.Contents) != len(b.Contents) {
			return false
		}
		for i := range a.Slots {
			if !a.Slots[i].Key.Equal(b.Slots[i].Key) || !a.Slots[i].Val.Equal(b.Slots[i].Val) {
				return false
			}
		}
		for i := range a.Contents {
			if !a.Contents[i].Equal(b.Contents[i]) {
				return false
			}
		}
		return true
	case KindLambda:
		a, b := v.lambda, other.lambda
		if string(a.Program) != string(b.Program) || len(a.Environment) != len(b.Environment) {
			return false
		}
		for i := range a.Environment {
			if !a.Environment[i].Equal(b.Environment[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Encode serializes v as a one-byte discriminant followed by the variant's
// payload (variable-length parts are length-prefixed), recursing for
// lists/maps/flyweights/lambdas (spec §9).
func Encode(v Var) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindInt:
		buf = appendU64(buf, uint64(v.i))
	case KindFloat:
		buf = appendU64(buf, math.Float64bits(v.f))
	case KindString:
		buf = appendBytes(buf, []byte(v.s))
	case KindObj:
		buf = appendBytes(buf, v.obj.Key())
	case KindBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindSymbol:
		buf = appendBytes(buf, []byte(v.sym.String()))
	case KindError:
		buf = appendBytes(buf, []byte(v.errv.Code.String()))
		buf = appendBytes(buf, []byte(v.errv.Message))
	case KindBinary:
		buf = appendBytes(buf, v.blob)
	case KindList:
		buf = appendU64(buf, uint64(len(v.list)))
		for _, e := range v.list {
			enc, err := Encode(e)
			if err != nil {
				return nil, err
			}
			buf = appendBytes(buf, enc)
		}
	case KindMap:
		buf = appendU64(buf, uint64(len(v.m)))
		for _, e := range v.m {
			ek, err := Encode(e.Key)
			if err != nil {
				return nil, err
			}
			ev, err := Encode(e.Val)
			if err != nil {
				return nil, err
			}
			buf = appendBytes(buf, ek)
			buf = appendBytes(buf, ev)
		}
	case KindFlyweight:
		buf = appendBytes(buf, v.fly.Delegate.Key())
		if v.fly.Sealed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendU64(buf, uint64(len(v.fly.Slots)))
		for _, s := range v.fly.Slots {
			ek, err := Encode(s.Key)
			if err != nil {
				return nil, err
			}
			ev, err := Encode(s.Val)
			if err != nil {
				return nil, err
			}
			buf = appendBytes(buf, ek)
			buf = appendBytes(buf, ev)
		}
		buf = appendU64(buf, uint64(len(v.fly.Contents)))
		for _, c := range v.fly.Contents {
			enc, err := Encode(c)
			if err != nil {
				return nil, err
			}
			buf = appendBytes(buf, enc)
		}
	case KindLambda:
		buf = appendBytes(buf, v.lambda.Program)
		buf = appendU64(buf, uint64(len(v.lambda.Environment)))
		for _, e := range v.lambda.Environment {
			enc, err := Encode(e)
			if err != nil {
				return nil, err
			}
			buf = appendBytes(buf, enc)
		}
	default:
		return nil, fmt.Errorf("moorvar: unknown kind %d", v.kind)
	}
	return buf, nil
}

// GobEncode/GobDecode let Var round-trip through encoding/gob (used by
// schema's bookkeeping-record codec) despite its fields being unexported;
// they just delegate to Encode/Decode.
func (v Var) GobEncode() ([]byte, error) { return Encode(v) }

func (v *Var) GobDecode(b []byte) error {
	dec, err := Decode(b)
	if err != nil {
		return err
	}
	*v = dec
	return nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Var, error) {
	v, rest, err := decodeOne(data)
	if err != nil {
		return Var{}, err
	}
	if len(rest) != 0 {
		return Var{}, fmt.Errorf("moorvar: %d trailing bytes after decode", len(rest))
	}
	return v, nil
}

func decodeOne(data []byte) (Var, []byte, error) {
	if len(data) < 1 {
		return Var{}, nil, fmt.Errorf("moorvar: empty buffer")
	}
	kind := Kind(data[0])
	rest := data[1:]
	switch kind {
	case KindInt:
		u, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return Int(int64(u)), rest, nil
	case KindFloat:
		u, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return Float(math.Float64frombits(u)), rest, nil
	case KindString:
		b, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return Str(string(b)), rest, nil
	case KindObj:
		b, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		o, err := decodeObjKey(b)
		if err != nil {
			return Var{}, nil, err
		}
		return FromObj(o), rest, nil
	case KindBool:
		if len(rest) < 1 {
			return Var{}, nil, fmt.Errorf("moorvar: truncated bool")
		}
		return Bool(rest[0] != 0), rest[1:], nil
	case KindSymbol:
		b, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return FromSymbol(Intern(string(b))), rest, nil
	case KindError:
		cb, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		mb, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return Error(Intern(string(cb)), string(mb)), rest, nil
	case KindBinary:
		b, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		return Binary(b), rest, nil
	case KindList:
		n, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		elems := make([]Var, 0, n)
		for i := uint64(0); i < n; i++ {
			eb, r2, err := takeBytes(rest)
			if err != nil {
				return Var{}, nil, err
			}
			e, err := Decode(eb)
			if err != nil {
				return Var{}, nil, err
			}
			elems = append(elems, e)
			rest = r2
		}
		return List(elems...), rest, nil
	case KindMap:
		n, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		entries := make([]MapEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			kb, r2, err := takeBytes(rest)
			if err != nil {
				return Var{}, nil, err
			}
			k, err := Decode(kb)
			if err != nil {
				return Var{}, nil, err
			}
			vb, r3, err := takeBytes(r2)
			if err != nil {
				return Var{}, nil, err
			}
			vv, err := Decode(vb)
			if err != nil {
				return Var{}, nil, err
			}
			entries = append(entries, MapEntry{Key: k, Val: vv})
			rest = r3
		}
		m, err := Map(entries...)
		if err != nil {
			return Var{}, nil, err
		}
		return m, rest, nil
	case KindFlyweight:
		db, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		delegate, err := decodeObjKey(db)
		if err != nil {
			return Var{}, nil, err
		}
		if len(rest) < 1 {
			return Var{}, nil, fmt.Errorf("moorvar: truncated flyweight")
		}
		sealed := rest[0] != 0
		rest = rest[1:]
		n, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		slots := make([]MapEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			kb, r2, err := takeBytes(rest)
			if err != nil {
				return Var{}, nil, err
			}
			k, err := Decode(kb)
			if err != nil {
				return Var{}, nil, err
			}
			vb, r3, err := takeBytes(r2)
			if err != nil {
				return Var{}, nil, err
			}
			vv, err := Decode(vb)
			if err != nil {
				return Var{}, nil, err
			}
			slots = append(slots, MapEntry{Key: k, Val: vv})
			rest = r3
		}
		cn, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		contents := make([]Var, 0, cn)
		for i := uint64(0); i < cn; i++ {
			eb, r2, err := takeBytes(rest)
			if err != nil {
				return Var{}, nil, err
			}
			e, err := Decode(eb)
			if err != nil {
				return Var{}, nil, err
			}
			contents = append(contents, e)
			rest = r2
		}
		return FromFlyweight(Flyweight{Delegate: delegate, Slots: slots, Contents: contents, Sealed: sealed}), rest, nil
	case KindLambda:
		pb, rest, err := takeBytes(rest)
		if err != nil {
			return Var{}, nil, err
		}
		n, rest, err := takeU64(rest)
		if err != nil {
			return Var{}, nil, err
		}
		env := make([]Var, 0, n)
		for i := uint64(0); i < n; i++ {
			eb, r2, err := takeBytes(rest)
			if err != nil {
				return Var{}, nil, err
			}
			e, err := Decode(eb)
			if err != nil {
				return Var{}, nil, err
			}
			env = append(env, e)
			rest = r2
		}
		return FromLambda(Lambda{Program: pb, Environment: env}), rest, nil
	default:
		return Var{}, nil, fmt.Errorf("moorvar: unknown kind byte %d", kind)
	}
}

func decodeObjKey(b []byte) (Obj, error) {
	if len(b) < 1 {
		return Obj{}, fmt.Errorf("moorvar: empty obj key")
	}
	switch ObjKind(b[0]) {
	case ObjKindNumeric:
		if len(b) != 5 {
			return Obj{}, fmt.Errorf("moorvar: bad numeric obj key length %d", len(b))
		}
		u := binary.BigEndian.Uint32(b[1:])
		return NewNumeric(int32(u ^ 0x80000000)), nil
	case ObjKindAnonymous:
		if len(b) != 17 {
			return Obj{}, fmt.Errorf("moorvar: bad anonymous obj key length %d", len(b))
		}
		var u [16]byte
		copy(u[:], b[1:])
		return NewAnonymous(u), nil
	case ObjKindSentinel:
		if len(b) != 2 {
			return Obj{}, fmt.Errorf("moorvar: bad sentinel obj key length %d", len(b))
		}
		return NewSentinel(Sentinel(b[1])), nil
	default:
		return Obj{}, fmt.Errorf("moorvar: unknown obj kind byte %d", b[0])
	}
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func takeU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("moorvar: truncated u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU64(buf, uint64(len(b)))
	return append(buf, b...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeU64(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, fmt.Errorf("moorvar: truncated byte slice, want %d have %d", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}
