// Package schema holds the small metadata record types stored as relation
// codomains that aren't themselves moorvar.Var values: verb/property
// definitions, permission bits, and anonymous-object metadata (spec §6.2).
package schema

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"

	"github.com/rdaum/moor-sub011/internal/moorvar"
)

// VerbDef describes one verb's metadata (names, owner, permission bits); the
// actual bytecode lives in the object_verbs relation, out of scope here
// beyond its storage contract (spec §1).
type VerbDef struct {
	UUID      uuid.UUID
	Names     []string
	Owner     moorvar.Obj
	Perms     uint8
	ArgSpec   [3]uint8 // dobj/prep/iobj argument specifiers, opaque to the store
}

// VerbDefs is the object_verbdefs relation's codomain: the ordered list of
// verb definitions on one object.
type VerbDefs struct {
	Defs []VerbDef
}

// ObjUUIDKey is the compound domain key shared by object_verbs,
// object_propvalues, and object_propflags: an (object, uuid) pair, where the
// object is the one the row belongs to (for propvalues/propflags that can be
// a descendant of the defining object) (spec §6.2).
type ObjUUIDKey struct {
	Obj  moorvar.Obj
	UUID uuid.UUID
}

// PropDef describes one property's definition (uuid, name, owner). Permission
// bits are not part of it; they live in PropPerms rows of object_propflags.
type PropDef struct {
	UUID  uuid.UUID
	Name  string
	Owner moorvar.Obj
}

// PropDefs is the object_propdefs relation's codomain.
type PropDefs struct {
	Defs []PropDef
}

// PropPerms is the object_propflags relation's codomain: per-(object,
// property) permission bits plus the chown-tracking owner.
type PropPerms struct {
	Owner moorvar.Obj
	Perms uint8
	Chown bool
}

// AnonObjMeta is the anonymous_object_metadata relation's codomain: the
// bookkeeping needed to collect an anonymous (UUID-identified) object once
// nothing references it, out of scope for GC policy itself.
type AnonObjMeta struct {
	Creator    moorvar.Obj
	RefCount   int64
	Recycled   bool
}

// Encode and Decode give every schema type a byte codec so it can be stored
// through the same slotbox/pagestore path as moorvar.Var codomains. gob is
// used here (rather than a hand-rolled format) because these are internal
// bookkeeping records, not wire-visible Var values subject to spec §9's
// length-prefixed-discriminant format; see DESIGN.md for the stdlib
// justification.
func Encode[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode[T any](data []byte) (T, error) {
	var out T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return out, fmt.Errorf("schema: decode: %w", err)
	}
	return out, nil
}
