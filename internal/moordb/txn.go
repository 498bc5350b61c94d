package moordb

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rdaum/moor-sub011/internal/graph"
	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/rcache"
	"github.com/rdaum/moor-sub011/internal/relation"
	"github.com/rdaum/moor-sub011/internal/schema"
	"github.com/rdaum/moor-sub011/internal/txn"
)

// Txn is one optimistic transaction's handles against every fixed
// relation, opened eagerly at Begin so the commit pipeline's conflict
// check always has a consistent view to track, and closed out by Commit
// (spec §4.3, §6.4).
type Txn struct {
	db   *Database
	core *txn.Transaction

	location   *Handle[moorvar.Obj, moorvar.Obj]
	parent     *Handle[moorvar.Obj, moorvar.Obj]
	flags      *Handle[moorvar.Obj, uint64]
	owner      *Handle[moorvar.Obj, moorvar.Obj]
	name       *Handle[moorvar.Obj, string]
	verbDefs   *Handle[moorvar.Obj, schema.VerbDefs]
	verbs      *Handle[schema.ObjUUIDKey, []byte]
	propDefs   *Handle[moorvar.Obj, schema.PropDefs]
	propValues *Handle[schema.ObjUUIDKey, moorvar.Var]
	propFlags  *Handle[schema.ObjUUIDKey, schema.PropPerms]
	lastMove   *Handle[moorvar.Obj, moorvar.Var]
	anonMeta   *Handle[moorvar.Obj, schema.AnonObjMeta]
}

// Begin opens a transaction against the currently-published root
// snapshot: a fresh timestamp, and a private fork of the resolution
// caches.
func (db *Database) Begin() (*Txn, error) {
	snap := db.root.Load()
	ts, err := db.allocateTimestamp()
	if err != nil {
		return nil, fmt.Errorf("moordb: allocate transaction timestamp: %w", err)
	}
	core := txn.New(ts, snap.version, snap.caches, db.log)

	t := &Txn{
		db:         db,
		core:       core,
		location:   db.Location.NewHandle(ts),
		parent:     db.Parent.NewHandle(ts),
		flags:      db.Flags.NewHandle(ts),
		owner:      db.Owner.NewHandle(ts),
		name:       db.Name.NewHandle(ts),
		verbDefs:   db.VerbDefs.NewHandle(ts),
		verbs:      db.Verbs.NewHandle(ts),
		propDefs:   db.PropDefs.NewHandle(ts),
		propValues: db.PropValues.NewHandle(ts),
		propFlags:  db.PropFlags.NewHandle(ts),
		lastMove:   db.LastMove.NewHandle(ts),
		anonMeta:   db.AnonMeta.NewHandle(ts),
	}
	core.Track(t.location)
	core.Track(t.parent)
	core.Track(t.flags)
	core.Track(t.owner)
	core.Track(t.name)
	core.Track(t.verbDefs)
	core.Track(t.verbs)
	core.Track(t.propDefs)
	core.Track(t.propValues)
	core.Track(t.propFlags)
	core.Track(t.lastMove)
	core.Track(t.anonMeta)
	return t, nil
}

// Caches exposes this transaction's private cache fork, for callers that
// need to prime or inspect verb/property/ancestry resolution directly.
func (t *Txn) Caches() *rcache.Bundle { return t.core.Caches }

// Timestamp returns the timestamp this transaction will commit at.
func (t *Txn) Timestamp() uint64 { return t.core.Timestamp() }

// Commit runs the commit pipeline and, on success, publishes a new root
// snapshot whenever something mutated or the cache fork diverged (scenario
// S3's read-only cache republish).
func (t *Txn) Commit() txn.Result {
	currentVersion := t.db.root.Load().version
	result := t.core.Commit(currentVersion, t.db, t.db.opt.DurableTimeout)
	if result.Kind == txn.KindSuccess && (result.MutationsMade || result.CachesChanged) {
		t.db.publish(t.core.Caches)
	}
	return result
}

// ---- object core operations (spec §6.4) ----

// Valid reports whether obj currently has an owner row, the cheapest
// reliable "does this object exist" check available without a dedicated
// existence relation.
func (t *Txn) Valid(obj moorvar.Obj) (bool, error) {
	_, ok, err := t.owner.SeekByDomain(obj)
	return ok, err
}

// Create registers a brand-new object: owner, flags, name, and an empty
// parent/location (caller sets those separately via SetParent/SetLocation
// so Reparent/Move's bookkeeping runs uniformly for first placement too).
func (t *Txn) Create(obj, owner moorvar.Obj, name string, flags uint64) error {
	if err := t.owner.Insert(obj, owner); err != nil {
		return err
	}
	if err := t.name.Insert(obj, name); err != nil {
		return err
	}
	if err := t.flags.Insert(obj, flags); err != nil {
		return err
	}
	return nil
}

// Recycle removes obj's own rows from every relation it can appear as the
// domain of. It does not reparent/relocate surviving children or contents;
// callers are expected to have already moved them (spec §6.4 "recycle").
func (t *Txn) Recycle(obj moorvar.Obj) error {
	for _, rm := range []func(moorvar.Obj) error{
		t.owner.RemoveByDomain,
		t.name.RemoveByDomain,
		t.flags.RemoveByDomain,
		t.parent.RemoveByDomain,
		t.location.RemoveByDomain,
		t.verbDefs.RemoveByDomain,
		t.propDefs.RemoveByDomain,
		t.lastMove.RemoveByDomain,
		t.anonMeta.RemoveByDomain,
	} {
		// RemoveByDomain on a bare-miss key returns ErrNotFound, which
		// Recycle tolerates: not every relation has a row for every object.
		if err := rm(obj); err != nil && !errors.Is(err, relation.ErrNotFound) {
			return err
		}
	}
	t.core.Caches.FlushAll()
	return nil
}

func (t *Txn) GetFlags(obj moorvar.Obj) (uint64, bool, error) { return t.flags.SeekByDomain(obj) }
func (t *Txn) SetFlags(obj moorvar.Obj, flags uint64) error   { return t.flags.Upsert(obj, flags) }

func (t *Txn) GetOwner(obj moorvar.Obj) (moorvar.Obj, bool, error) { return t.owner.SeekByDomain(obj) }
func (t *Txn) SetOwner(obj, owner moorvar.Obj) error               { return t.owner.Upsert(obj, owner) }

func (t *Txn) GetName(obj moorvar.Obj) (string, bool, error) { return t.name.SeekByDomain(obj) }
func (t *Txn) SetName(obj moorvar.Obj, name string) error    { return t.name.Upsert(obj, name) }

func (t *Txn) GetParent(obj moorvar.Obj) (moorvar.Obj, bool, error) { return t.parent.SeekByDomain(obj) }

// SetParent reparents obj, cascading property inheritance fixup across its
// whole subtree, and flushes the cache fork since property/verb
// resolution along any affected ancestry chain is now stale (spec §4.5,
// scenario S4).
func (t *Txn) SetParent(obj, newParent moorvar.Obj) error {
	if err := graph.Reparent(t.parent.TxnHandle, t.propDefs.TxnHandle, t.propValues.TxnHandle, t.propFlags.TxnHandle, obj, newParent); err != nil {
		return err
	}
	t.core.Caches.FlushAll()
	return nil
}

func (t *Txn) GetLocation(obj moorvar.Obj) (moorvar.Obj, bool, error) {
	return t.location.SeekByDomain(obj)
}

// SetLocation moves obj to dest and records dest as obj's entry in
// object_last_move (spec §6.4 "set location").
func (t *Txn) SetLocation(obj, dest moorvar.Obj) error {
	if err := graph.Move(t.location.TxnHandle, obj, dest); err != nil {
		return err
	}
	return t.lastMove.Upsert(obj, moorvar.FromObj(dest))
}

func (t *Txn) Children(obj moorvar.Obj) ([]moorvar.Obj, error) { return t.parent.SeekByCodomain(obj) }
func (t *Txn) Contents(obj moorvar.Obj) ([]moorvar.Obj, error) { return t.location.SeekByCodomain(obj) }

func (t *Txn) Ancestors(obj moorvar.Obj) ([]moorvar.Obj, error) {
	return graph.Ancestors(t.parent.TxnHandle, obj)
}
func (t *Txn) Descendants(obj moorvar.Obj) ([]moorvar.Obj, error) {
	return graph.Descendants(t.parent.TxnHandle, obj)
}

// ---- verb operations (spec §6.4) ----

func (t *Txn) Verbs(obj moorvar.Obj) (schema.VerbDefs, bool, error) {
	return t.verbDefs.SeekByDomain(obj)
}

// AddVerb appends def to obj's verb definitions and invalidates the cache
// fork so a subsequent resolve sees it.
func (t *Txn) AddVerb(obj moorvar.Obj, def schema.VerbDef, program []byte) error {
	defs, _, err := t.verbDefs.SeekByDomain(obj)
	if err != nil {
		return err
	}
	defs.Defs = append(defs.Defs, def)
	if err := t.verbDefs.Upsert(obj, defs); err != nil {
		return err
	}
	if err := t.verbs.Insert(schema.ObjUUIDKey{Obj: obj, UUID: def.UUID}, program); err != nil {
		return err
	}
	t.core.Caches.Verbs.Flush()
	return nil
}

// RemoveVerb deletes the verb named by id from obj's definitions and
// drops its program bytes.
func (t *Txn) RemoveVerb(obj moorvar.Obj, id uuid.UUID) error {
	defs, ok, err := t.verbDefs.SeekByDomain(obj)
	if err != nil {
		return err
	}
	if !ok {
		return relation.ErrNotFound
	}
	out := defs.Defs[:0]
	var removed *schema.VerbDef
	for i := range defs.Defs {
		if defs.Defs[i].UUID == id {
			removed = &defs.Defs[i]
			continue
		}
		out = append(out, defs.Defs[i])
	}
	if removed == nil {
		return relation.ErrNotFound
	}
	if err := t.verbDefs.Upsert(obj, schema.VerbDefs{Defs: out}); err != nil {
		return err
	}
	if err := t.verbs.RemoveByDomain(schema.ObjUUIDKey{Obj: obj, UUID: id}); err != nil {
		return err
	}
	for _, n := range removed.Names {
		t.core.Caches.Verbs.FillMiss(obj, moorvar.Intern(n))
	}
	return nil
}

// UpdateVerb replaces id's metadata (leaving the program bytes to a
// separate UpdateProgram call, matching how the VM compiles then installs).
func (t *Txn) UpdateVerb(obj moorvar.Obj, id uuid.UUID, def schema.VerbDef) error {
	defs, ok, err := t.verbDefs.SeekByDomain(obj)
	if err != nil {
		return err
	}
	if !ok {
		return relation.ErrNotFound
	}
	found := false
	for i := range defs.Defs {
		if defs.Defs[i].UUID == id {
			defs.Defs[i] = def
			found = true
			break
		}
	}
	if !found {
		return relation.ErrNotFound
	}
	if err := t.verbDefs.Upsert(obj, defs); err != nil {
		return err
	}
	for _, n := range def.Names {
		t.core.Caches.Verbs.FillHit(obj, moorvar.Intern(n), def)
	}
	return nil
}

// UpdateProgram replaces id's compiled program bytes in place.
func (t *Txn) UpdateProgram(obj moorvar.Obj, id uuid.UUID, program []byte) error {
	return t.verbs.Upsert(schema.ObjUUIDKey{Obj: obj, UUID: id}, program)
}

// FetchProgram returns id's compiled program bytes.
func (t *Txn) FetchProgram(obj moorvar.Obj, id uuid.UUID) ([]byte, bool, error) {
	return t.verbs.SeekByDomain(schema.ObjUUIDKey{Obj: obj, UUID: id})
}

// ResolveVerb walks obj's ancestry chain (obj first) for the nearest verb
// named name, consulting and filling the verb resolution cache as it goes
// (spec §4.4).
func (t *Txn) ResolveVerb(obj moorvar.Obj, name string) (moorvar.Obj, schema.VerbDef, bool, error) {
	sym := moorvar.Intern(name)
	chain, err := t.chainFromSelf(obj)
	if err != nil {
		return moorvar.Obj{}, schema.VerbDef{}, false, err
	}
	for _, a := range chain {
		lookup := t.core.Caches.Verbs.Lookup(a, sym)
		if lookup.Hit {
			return a, lookup.Val, true, nil
		}
		if lookup.Negative {
			continue
		}
		defs, ok, err := t.verbDefs.SeekByDomain(a)
		if err != nil {
			return moorvar.Obj{}, schema.VerbDef{}, false, err
		}
		if ok {
			if def, found := findVerbByName(defs, name); found {
				t.core.Caches.Verbs.FillHit(a, sym, def)
				return a, def, true, nil
			}
		}
		t.core.Caches.Verbs.FillMiss(a, sym)
	}
	return moorvar.Obj{}, schema.VerbDef{}, false, nil
}

func findVerbByName(defs schema.VerbDefs, name string) (schema.VerbDef, bool) {
	for _, d := range defs.Defs {
		for _, n := range d.Names {
			if n == name {
				return d, true
			}
		}
	}
	return schema.VerbDef{}, false
}

// ---- property operations (spec §6.4) ----

// DefineProperty adds a new property definition to obj and seeds its
// initial value/permissions.
func (t *Txn) DefineProperty(obj moorvar.Obj, def schema.PropDef, value moorvar.Var, perms schema.PropPerms) error {
	defs, _, err := t.propDefs.SeekByDomain(obj)
	if err != nil {
		return err
	}
	defs.Defs = append(defs.Defs, def)
	if err := t.propDefs.Upsert(obj, defs); err != nil {
		return err
	}
	key := schema.ObjUUIDKey{Obj: obj, UUID: def.UUID}
	if err := t.propValues.Insert(key, value); err != nil {
		return err
	}
	if err := t.propFlags.Insert(key, perms); err != nil {
		return err
	}
	t.core.Caches.Props.FillDefHit(obj, moorvar.Intern(def.Name), def)
	return nil
}

// DeleteProperty removes a locally-defined property and its value/perms
// rows on obj. Descendant rows inherited from this definition are left to
// the same cascade Reparent performs: DeleteProperty only clears obj's own
// defining rows, matching "object_propdefs stores only locally-authored
// definitions" (see DESIGN.md).
func (t *Txn) DeleteProperty(obj moorvar.Obj, id uuid.UUID) error {
	defs, ok, err := t.propDefs.SeekByDomain(obj)
	if err != nil {
		return err
	}
	if !ok {
		return relation.ErrNotFound
	}
	out := defs.Defs[:0]
	found := false
	for _, d := range defs.Defs {
		if d.UUID == id {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		return relation.ErrNotFound
	}
	if err := t.propDefs.Upsert(obj, schema.PropDefs{Defs: out}); err != nil {
		return err
	}
	key := schema.ObjUUIDKey{Obj: obj, UUID: id}
	if _, ok, err := t.propValues.SeekByDomain(key); err != nil {
		return err
	} else if ok {
		if err := t.propValues.RemoveByDomain(key); err != nil {
			return err
		}
	}
	if _, ok, err := t.propFlags.SeekByDomain(key); err != nil {
		return err
	} else if ok {
		if err := t.propFlags.RemoveByDomain(key); err != nil {
			return err
		}
	}
	t.core.Caches.Props.Flush()
	return nil
}

func (t *Txn) GetPropertyValue(obj moorvar.Obj, id uuid.UUID) (moorvar.Var, bool, error) {
	return t.propValues.SeekByDomain(schema.ObjUUIDKey{Obj: obj, UUID: id})
}

func (t *Txn) SetPropertyValue(obj moorvar.Obj, id uuid.UUID, v moorvar.Var) error {
	return t.propValues.Upsert(schema.ObjUUIDKey{Obj: obj, UUID: id}, v)
}

func (t *Txn) GetPropertyPerms(obj moorvar.Obj, id uuid.UUID) (schema.PropPerms, bool, error) {
	return t.propFlags.SeekByDomain(schema.ObjUUIDKey{Obj: obj, UUID: id})
}

func (t *Txn) SetPropertyPerms(obj moorvar.Obj, id uuid.UUID, perms schema.PropPerms) error {
	return t.propFlags.Upsert(schema.ObjUUIDKey{Obj: obj, UUID: id}, perms)
}

// ResolveProperty walks obj's ancestry chain (obj first) for the nearest
// property named name, consulting and filling the property resolution
// cache as it goes (spec §4.4).
func (t *Txn) ResolveProperty(obj moorvar.Obj, name string) (moorvar.Obj, schema.PropDef, bool, error) {
	sym := moorvar.Intern(name)
	chain, err := t.chainFromSelf(obj)
	if err != nil {
		return moorvar.Obj{}, schema.PropDef{}, false, err
	}
	for _, a := range chain {
		lookup := t.core.Caches.Props.LookupDef(a, sym)
		if lookup.Hit {
			return a, lookup.Val, true, nil
		}
		if lookup.Negative {
			continue
		}
		defs, ok, err := t.propDefs.SeekByDomain(a)
		if err != nil {
			return moorvar.Obj{}, schema.PropDef{}, false, err
		}
		if ok {
			for _, d := range defs.Defs {
				if d.Name == name {
					t.core.Caches.Props.FillDefHit(a, sym, d)
					return a, d, true, nil
				}
			}
		}
		t.core.Caches.Props.FillDefMiss(a, sym)
	}
	return moorvar.Obj{}, schema.PropDef{}, false, nil
}

// chainFromSelf returns obj followed by its ancestors, consulting and
// filling the ancestry cache.
func (t *Txn) chainFromSelf(obj moorvar.Obj) ([]moorvar.Obj, error) {
	lookup := t.core.Caches.Ancestry.Lookup(obj)
	if lookup.Hit {
		return append([]moorvar.Obj{obj}, lookup.Val...), nil
	}
	ancestors, err := graph.Ancestors(t.parent.TxnHandle, obj)
	if err != nil {
		return nil, err
	}
	t.core.Caches.Ancestry.Fill(obj, ancestors)
	return append([]moorvar.Obj{obj}, ancestors...), nil
}
