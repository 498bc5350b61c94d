// Package moorvar holds the core value types of the object store: object
// identifiers, interned symbols, and the polymorphic Var sum type that
// relations store as their codomain.
package moorvar

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjKind discriminates the structural forms an Obj can take.
type ObjKind uint8

const (
	ObjKindNumeric ObjKind = iota
	ObjKindAnonymous
	ObjKindSentinel
)

// Sentinel values, mirrored from the reserved ids of spec §3.1.
type Sentinel uint8

const (
	SentinelNothing Sentinel = iota
	SentinelAmbiguousMatch
	SentinelFailedMatch
	SentinelSystemObject
)

func (s Sentinel) String() string {
	switch s {
	case SentinelNothing:
		return "#-1"
	case SentinelAmbiguousMatch:
		return "#-2"
	case SentinelFailedMatch:
		return "#-3"
	case SentinelSystemObject:
		return "#0"
	default:
		return "#?"
	}
}

// Obj is a small structural value: a signed 32-bit numeric id, a UUID-shaped
// anonymous id, or one of the reserved sentinels. A relation key never mixes
// representations for what is logically the "same" object; callers pick one
// representation per deployment (spec §9, open question).
type Obj struct {
	kind      ObjKind
	numeric   int32
	anonymous uuid.UUID
	sentinel  Sentinel
}

// NewNumeric builds a numeric object id.
func NewNumeric(id int32) Obj {
	return Obj{kind: ObjKindNumeric, numeric: id}
}

// NewAnonymous builds a UUID-shaped anonymous object id, used for objects
// created without a stable small integer (e.g. anonymous flyweobjects).
func NewAnonymous(id uuid.UUID) Obj {
	return Obj{kind: ObjKindAnonymous, anonymous: id}
}

// NewAnonymousRandom allocates a fresh anonymous id.
func NewAnonymousRandom() Obj {
	return NewAnonymous(uuid.New())
}

// NewSentinel builds one of the reserved sentinel objects.
func NewSentinel(s Sentinel) Obj {
	return Obj{kind: ObjKindSentinel, sentinel: s}
}

// Nothing is the canonical "no object" value, used as the default parent and
// location of a freshly created object.
var Nothing = NewSentinel(SentinelNothing)

// SystemObject is #0, the conventional root of the parent/verb lookup chain.
var SystemObject = NewSentinel(SentinelSystemObject)

func (o Obj) Kind() ObjKind { return o.kind }

// IsNothing reports whether o is the #-1 sentinel.
func (o Obj) IsNothing() bool {
	return o.kind == ObjKindSentinel && o.sentinel == SentinelNothing
}

// Numeric returns the numeric id and true if o is a numeric object.
func (o Obj) Numeric() (int32, bool) {
	if o.kind != ObjKindNumeric {
		return 0, false
	}
	return o.numeric, true
}

// Anonymous returns the UUID and true if o is an anonymous object.
func (o Obj) Anonymous() (uuid.UUID, bool) {
	if o.kind != ObjKindAnonymous {
		return uuid.UUID{}, false
	}
	return o.anonymous, true
}

// Compare gives Obj a total order: numeric < anonymous < sentinel, then by
// value within each kind. Used to keep relation canonical maps ordered for
// deterministic scans.
func (o Obj) Compare(other Obj) int {
	if o.kind != other.kind {
		if o.kind < other.kind {
			return -1
		}
		return 1
	}
	switch o.kind {
	case ObjKindNumeric:
		switch {
		case o.numeric < other.numeric:
			return -1
		case o.numeric > other.numeric:
			return 1
		default:
			return 0
		}
	case ObjKindAnonymous:
		return compareBytes(o.anonymous[:], other.anonymous[:])
	default:
		if o.sentinel < other.sentinel {
			return -1
		} else if o.sentinel > other.sentinel {
			return 1
		}
		return 0
	}
}

func (o Obj) Equal(other Obj) bool { return o.Compare(other) == 0 }

func (o Obj) String() string {
	switch o.kind {
	case ObjKindNumeric:
		return fmt.Sprintf("#%d", o.numeric)
	case ObjKindAnonymous:
		return fmt.Sprintf("#uuid:%s", o.anonymous)
	default:
		return o.sentinel.String()
	}
}

// Key returns a byte encoding suitable for use as an ordered map/bbolt key.
// The leading kind byte keeps the three forms from colliding or interleaving
// unexpectedly under lexicographic order.
func (o Obj) Key() []byte {
	switch o.kind {
	case ObjKindNumeric:
		b := make([]byte, 5)
		b[0] = byte(ObjKindNumeric)
		u := uint32(o.numeric) ^ 0x80000000 // make signed compare == unsigned compare
		putU32(b[1:], u)
		return b
	case ObjKindAnonymous:
		b := make([]byte, 1+16)
		b[0] = byte(ObjKindAnonymous)
		copy(b[1:], o.anonymous[:])
		return b
	default:
		return []byte{byte(ObjKindSentinel), byte(o.sentinel)}
	}
}

// ObjFromKey is the inverse of Key, for callers that persist an Obj as a
// standalone domain key rather than inside an encoded Var.
func ObjFromKey(b []byte) (Obj, error) {
	return decodeObjKey(b)
}

// GobEncode/GobDecode let Obj round-trip through encoding/gob (used by
// schema's bookkeeping-record codec) despite its fields being unexported;
// they just delegate to the same Key encoding used everywhere else.
func (o Obj) GobEncode() ([]byte, error) { return o.Key(), nil }

func (o *Obj) GobDecode(b []byte) error {
	v, err := decodeObjKey(b)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
