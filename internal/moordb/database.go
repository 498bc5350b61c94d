// Package moordb is the top-level object store: it owns one Relation per
// fixed relation of spec §6.2, the shared root-snapshot pointer (version
// plus resolution-cache bundle), the migration gate, and the transactional
// client surface consumed by callers above the core (spec §6.4).
package moordb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/rdaum/moor-sub011/internal/migrate"
	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/provider"
	"github.com/rdaum/moor-sub011/internal/rcache"
	"github.com/rdaum/moor-sub011/internal/relation"
	"github.com/rdaum/moor-sub011/internal/schema"
	"github.com/rdaum/moor-sub011/internal/slotbox"
)

// CurrentVersion is the on-disk version marker this build writes and
// migrates toward (spec §4.6).
var CurrentVersion = migrate.Version{Major: 1, Minor: 0, Patch: 0}

// relationNames fixes both the pagestore partition set and the WAL tag
// assignment order (spec §6.2); Provider tags are assigned in the same
// order, independently, for slotbox's own per-relation free-space index.
var relationNames = []string{
	"object_location",
	"object_parent",
	"object_flags",
	"object_owner",
	"object_name",
	"object_verbdefs",
	"object_verbs",
	"object_propdefs",
	"object_propvalues",
	"object_propflags",
	"object_last_move",
	"anonymous_object_metadata",
}

// Options configures Open.
type Options struct {
	DataDir string

	// VirtualSize is the total size of SlotBox's anonymous mapping.
	VirtualSize int
	// PageSize is the fixed size of every SlotBox page.
	PageSize int
	// QueueDepth bounds the page store's background batch writer queue.
	QueueDepth int
	// DurableTimeout bounds how long a commit waits for its own barrier.
	DurableTimeout time.Duration

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.VirtualSize <= 0 {
		o.VirtualSize = 1 << 30
	}
	if o.PageSize <= 0 {
		o.PageSize = 64 << 10
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = 5 * time.Second
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// snapshot is the root state published by every committing transaction:
// a strictly increasing version and the resolution-cache bundle current as
// of that version (spec §3.1, §3.2 invariant 3).
type snapshot struct {
	version uint64
	caches  *rcache.Bundle
}

// Database is the top-level store.
type Database struct {
	opt   Options
	log   *zap.Logger
	lock  *flock.Flock
	store *pagestore.Store
	slots *slotbox.SlotBox

	root atomic.Pointer[snapshot]

	mu      sync.Mutex
	pending map[uint64]*pagestore.Batch

	Location   *Table[moorvar.Obj, moorvar.Obj]
	Parent     *Table[moorvar.Obj, moorvar.Obj]
	Flags      *Table[moorvar.Obj, uint64]
	Owner      *Table[moorvar.Obj, moorvar.Obj]
	Name       *Table[moorvar.Obj, string]
	VerbDefs   *Table[moorvar.Obj, schema.VerbDefs]
	Verbs      *Table[schema.ObjUUIDKey, []byte]
	PropDefs   *Table[moorvar.Obj, schema.PropDefs]
	PropValues *Table[schema.ObjUUIDKey, moorvar.Var]
	PropFlags  *Table[schema.ObjUUIDKey, schema.PropPerms]
	LastMove   *Table[moorvar.Obj, moorvar.Var]
	AnonMeta   *Table[moorvar.Obj, schema.AnonObjMeta]
}

// Open runs the migration gate against opt.DataDir, opens the page store
// and slot allocator, recovers every relation from durable state, and
// publishes the initial root snapshot.
func Open(opt Options) (*Database, error) {
	opt = opt.withDefaults()

	lock := flock.New(opt.DataDir + ".open.lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("moordb: lock %s: %w", opt.DataDir, err)
	}

	gate := migrate.NewGate(CurrentVersion, upgradeStub, opt.Log)
	if err := gate.Open(opt.DataDir); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("moordb: migration gate: %w", err)
	}

	store, err := pagestore.Open(pagestore.Options{
		DataDir:       opt.DataDir,
		QueueDepth:    opt.QueueDepth,
		RelationNames: relationNames,
	}, opt.Log)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := store.ReplayWAL(); err != nil {
		store.Close()
		lock.Unlock()
		return nil, fmt.Errorf("moordb: replay wal: %w", err)
	}
	if v, err := store.Version(); err != nil {
		store.Close()
		lock.Unlock()
		return nil, err
	} else if v == "" {
		if err := store.SetVersion(CurrentVersion.String()); err != nil {
			store.Close()
			lock.Unlock()
			return nil, err
		}
	}

	slots, err := slotbox.Open(slotbox.Options{VirtualSize: opt.VirtualSize, PageSize: opt.PageSize}, opt.Log)
	if err != nil {
		store.Close()
		lock.Unlock()
		return nil, err
	}

	db := &Database{
		opt:     opt,
		log:     opt.Log,
		lock:    lock,
		store:   store,
		slots:   slots,
		pending: make(map[uint64]*pagestore.Batch),
	}

	encodeObj := func(o moorvar.Obj) string { return o.String() }
	db.Location = newTable(db, relation.New[moorvar.Obj, moorvar.Obj]("object_location", true, encodeObj), provider.New("object_location", 0, store, slots))
	db.Parent = newTable(db, relation.New[moorvar.Obj, moorvar.Obj]("object_parent", true, encodeObj), provider.New("object_parent", 1, store, slots))
	db.Flags = newTable(db, relation.New[moorvar.Obj, uint64]("object_flags", false, nil), provider.New("object_flags", 2, store, slots))
	db.Owner = newTable(db, relation.New[moorvar.Obj, moorvar.Obj]("object_owner", false, nil), provider.New("object_owner", 3, store, slots))
	db.Name = newTable(db, relation.New[moorvar.Obj, string]("object_name", false, nil), provider.New("object_name", 4, store, slots))
	db.VerbDefs = newTable(db, relation.New[moorvar.Obj, schema.VerbDefs]("object_verbdefs", false, nil), provider.New("object_verbdefs", 5, store, slots))
	db.Verbs = newTable(db, relation.New[schema.ObjUUIDKey, []byte]("object_verbs", false, nil), provider.New("object_verbs", 6, store, slots))
	db.PropDefs = newTable(db, relation.New[moorvar.Obj, schema.PropDefs]("object_propdefs", false, nil), provider.New("object_propdefs", 7, store, slots))
	db.PropValues = newTable(db, relation.New[schema.ObjUUIDKey, moorvar.Var]("object_propvalues", false, nil), provider.New("object_propvalues", 8, store, slots))
	db.PropFlags = newTable(db, relation.New[schema.ObjUUIDKey, schema.PropPerms]("object_propflags", false, nil), provider.New("object_propflags", 9, store, slots))
	db.LastMove = newTable(db, relation.New[moorvar.Obj, moorvar.Var]("object_last_move", false, nil), provider.New("object_last_move", 10, store, slots))
	db.AnonMeta = newTable(db, relation.New[moorvar.Obj, schema.AnonObjMeta]("anonymous_object_metadata", false, nil), provider.New("anonymous_object_metadata", 11, store, slots))

	recoverTs := store.CompletedTimestamp()
	for _, rec := range []interface{ reload(uint64) error }{
		db.Location, db.Parent, db.Flags, db.Owner, db.Name, db.VerbDefs,
		db.Verbs, db.PropDefs, db.PropValues, db.PropFlags, db.LastMove, db.AnonMeta,
	} {
		if err := rec.reload(recoverTs); err != nil {
			slots.Close()
			store.Close()
			lock.Unlock()
			return nil, err
		}
	}

	db.root.Store(&snapshot{version: 1, caches: rcache.NewBundle()})
	return db, nil
}

// upgradeStub is the migration gate's upgrade step. A concrete future
// major-version bump fills this in with the actual transformation; there
// is none yet for CurrentVersion's first release.
func upgradeStub(migratingDir string, source migrate.Version) error {
	return fmt.Errorf("moordb: no upgrade path implemented from %s to %s", source, CurrentVersion)
}

// Close flushes the background writer and releases the store's resources.
func (db *Database) Close() error {
	defer db.lock.Unlock()
	if err := db.slots.Close(); err != nil {
		return err
	}
	return db.store.Close()
}

func (db *Database) stage(ts uint64, pw pagestore.PageWrite, isDelete bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.pending[ts]
	if !ok {
		b = &pagestore.Batch{Timestamp: ts}
		db.pending[ts] = b
	}
	if isDelete {
		b.Deletes = append(b.Deletes, pw)
	} else {
		b.Pages = append(b.Pages, pw)
	}
}

// Commit implements txn.DurableWriter: it flushes whatever rows this
// timestamp's apply phase staged as one pagestore batch.
func (db *Database) Commit(ts uint64) error {
	db.mu.Lock()
	batch, ok := db.pending[ts]
	delete(db.pending, ts)
	db.mu.Unlock()
	if !ok {
		return nil
	}
	return db.store.Commit(*batch)
}

// WaitForDurable implements txn.DurableWriter.
func (db *Database) WaitForDurable(ts uint64, timeout time.Duration) error {
	return db.store.WaitForBarrier(ts, timeout)
}

// allocateTimestamp draws this process's next durable transaction
// timestamp (spec §6.1).
func (db *Database) allocateTimestamp() (uint64, error) {
	return db.store.NextTimestamp()
}

// namedTable is the generic-erased view of a *Table[D,C] that dump
// reporting needs: its relation name and row count.
type namedTable interface {
	Name() string
	Count() int
}

// RelationCounts reports the live row count of every fixed relation, in
// spec §6.2 order, for cmd/moordb's dump subcommand.
func (db *Database) RelationCounts() map[string]int {
	tables := []namedTable{
		db.Location, db.Parent, db.Flags, db.Owner, db.Name, db.VerbDefs,
		db.Verbs, db.PropDefs, db.PropValues, db.PropFlags, db.LastMove, db.AnonMeta,
	}
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		out[t.Name()] = t.Count()
	}
	return out
}

// publish atomically advances the root snapshot's version, carrying
// forward caches (the transaction's own fork, now authoritative).
func (db *Database) publish(caches *rcache.Bundle) uint64 {
	for {
		old := db.root.Load()
		next := &snapshot{version: old.version + 1, caches: caches}
		if db.root.CompareAndSwap(old, next) {
			return next.version
		}
	}
}
