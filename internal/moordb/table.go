package moordb

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rdaum/moor-sub011/internal/provider"
	"github.com/rdaum/moor-sub011/internal/relation"
	"github.com/rdaum/moor-sub011/internal/slotbox"
)

// Table binds one fixed relation to its durability adapter and tracks the
// domain-key -> TupleId mapping the provider needs to update a row in
// place rather than leak a slot on every write (spec §4.1 component 3).
type Table[D comparable, C any] struct {
	rel  *relation.Relation[D, C]
	prov *provider.Provider
	db   *Database

	mu    sync.Mutex
	tuple map[D]slotbox.TupleId
}

func newTable[D comparable, C any](db *Database, rel *relation.Relation[D, C], prov *provider.Provider) *Table[D, C] {
	return &Table[D, C]{rel: rel, prov: prov, db: db, tuple: make(map[D]slotbox.TupleId)}
}

// reload seeds rel's canonical map and this table's tuple index from the
// provider's already-checkpointed durable partition. Every recovered row is
// seeded at the same timestamp: no transaction from before this process
// started can still be alive to observe a mismatch (see DESIGN.md).
func (t *Table[D, C]) reload(ts uint64) error {
	return t.prov.LoadAll(func(tid slotbox.TupleId, data []byte) error {
		d, c, err := decodeRow[D, C](data)
		if err != nil {
			return fmt.Errorf("moordb: decode %s row: %w", t.rel.Name, err)
		}
		t.rel.Load(d, ts, c)
		t.mu.Lock()
		t.tuple[d] = tid
		t.mu.Unlock()
		return nil
	})
}

// NewHandle opens a transaction-scoped view of this table at ts.
func (t *Table[D, C]) NewHandle(ts uint64) *Handle[D, C] {
	return &Handle[D, C]{TxnHandle: relation.NewTxnHandle[D, C](t.rel, ts), table: t, ts: ts}
}

// Name returns the relation's name, for reporting tools like cmd/moordb's
// dump subcommand.
func (t *Table[D, C]) Name() string { return t.rel.Name }

// Count reports the number of live canonical rows.
func (t *Table[D, C]) Count() int { return t.rel.Count() }

// Handle wraps a relation.TxnHandle with durable persistence: committing
// its working set also writes each touched row through the table's
// provider and stages the result into the owning Database's pending batch
// for timestamp ts (spec §4.3 step 2).
type Handle[D comparable, C any] struct {
	*relation.TxnHandle[D, C]
	table *Table[D, C]
	ts    uint64
}

// Apply runs the in-memory relation apply, then persists every entry the
// working set actually touched. It shadows relation.TxnHandle.Apply so
// *Handle[D,C] still satisfies relation.Committable with this durability
// step included.
func (h *Handle[D, C]) Apply(ts uint64) bool {
	ws := h.WorkingSet()
	mutated := h.TxnHandle.Apply(ts)
	if !mutated {
		return mutated
	}
	ws.Range(func(d D, e relation.Entry[C]) {
		switch e.Op {
		case relation.OpInsert, relation.OpUpdate:
			h.persistUpsert(ts, d, e.Val)
		case relation.OpTombstone:
			h.persistTombstone(ts, d)
		case relation.OpValue:
		}
	})
	return mutated
}

func (h *Handle[D, C]) persistUpsert(ts uint64, d D, v C) {
	data, err := encodeRow(d, v)
	if err != nil {
		h.table.db.log.Error("moordb: encode row failed, row will not be durable",
			zap.String("relation", h.table.rel.Name), zap.Error(err))
		return
	}
	h.table.mu.Lock()
	existing, had := h.table.tuple[d]
	h.table.mu.Unlock()

	var tid slotbox.TupleId
	if had {
		tid, err = h.table.prov.StoreTuple(&existing, data)
	} else {
		tid, err = h.table.prov.StoreTuple(nil, data)
	}
	if err != nil {
		h.table.db.log.Error("moordb: store tuple failed, row will not be durable",
			zap.String("relation", h.table.rel.Name), zap.Error(err))
		return
	}

	h.table.mu.Lock()
	h.table.tuple[d] = tid
	h.table.mu.Unlock()
	h.table.db.stage(ts, h.table.prov.PageWriteFor(tid, data), false)
}

func (h *Handle[D, C]) persistTombstone(ts uint64, d D) {
	h.table.mu.Lock()
	tid, had := h.table.tuple[d]
	delete(h.table.tuple, d)
	h.table.mu.Unlock()
	if !had {
		return
	}
	if err := h.table.prov.DropTuple(tid); err != nil {
		h.table.db.log.Error("moordb: drop tuple failed",
			zap.String("relation", h.table.rel.Name), zap.Error(err))
		return
	}
	h.table.db.stage(ts, h.table.prov.DeleteWriteFor(tid), true)
}
