// Package provider is the per-relation adapter between the in-memory
// relation and the page store: it owns the partition handle, serializes
// tuple bytes through the slotbox allocator, and answers "wait until
// timestamp N is durable" (spec §4.1 component 3). It does not emit barrier
// markers itself; barriers are tracked by the page store's writer.
package provider

import (
	"time"

	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/slotbox"
)

// Provider binds one relation's name and numeric tag to the shared page
// store and slot allocator.
type Provider struct {
	RelationName string
	RelationTag  uint8

	pages *pagestore.Store
	slots *slotbox.SlotBox
}

func New(name string, tag uint8, pages *pagestore.Store, slots *slotbox.SlotBox) *Provider {
	return &Provider{RelationName: name, RelationTag: tag, pages: pages, slots: slots}
}

// StoreTuple allocates (or updates) a slot holding data and returns its id.
// Relations that need to update an existing tuple in place pass a non-nil
// existing id.
func (p *Provider) StoreTuple(existing *slotbox.TupleId, data []byte) (slotbox.TupleId, error) {
	if existing != nil {
		return p.slots.Update(p.RelationTag, *existing, data)
	}
	return p.slots.Allocate(len(data), p.RelationTag, data)
}

// LoadTuple returns the raw bytes for a tuple id.
func (p *Provider) LoadTuple(id slotbox.TupleId) ([]byte, error) {
	return p.slots.Get(id)
}

// DropTuple releases a tuple id's slot outright (used for tombstones).
func (p *Provider) DropTuple(id slotbox.TupleId) error {
	return p.slots.Remove(id)
}

// PageWriteFor packs a TupleId's current bytes into a pagestore.PageWrite so
// the commit pipeline can stage it into the next durability batch. The slot
// id becomes the low bits of the page store key, keeping each tuple
// independently addressable within the relation's partition even though
// several tuples may share a physical slotbox page.
func (p *Provider) PageWriteFor(id slotbox.TupleId, data []byte) pagestore.PageWrite {
	return pagestore.PageWrite{
		Relation: p.RelationName,
		PageID:   tupleKey(id),
		Bytes:    data,
	}
}

// DeleteWriteFor packs a tombstoned TupleId into a pagestore.PageWrite
// marking deletion.
func (p *Provider) DeleteWriteFor(id slotbox.TupleId) pagestore.PageWrite {
	return pagestore.PageWrite{Relation: p.RelationName, PageID: tupleKey(id)}
}

// tupleKey folds a (page,slot) TupleId into the single uint64 page-store key
// space: page in the high 32 bits, slot in the low 32 bits.
func tupleKey(id slotbox.TupleId) uint64 {
	return uint64(id.Page)<<32 | uint64(id.Slot)
}

func tupleFromKey(k uint64) slotbox.TupleId {
	return slotbox.TupleId{Page: uint32(k >> 32), Slot: uint32(k)}
}

// LoadAll scans this relation's durable partition, handing back every
// (TupleId, bytes) pair. Used by recovery to repopulate the in-memory
// canonical map and by MarkPageUsed reinstatement.
func (p *Provider) LoadAll(fn func(slotbox.TupleId, []byte) error) error {
	return p.pages.ScanRelation(p.RelationName, func(pageID uint64, bytes []byte) error {
		return fn(tupleFromKey(pageID), bytes)
	})
}

// WaitForDurable blocks until everything committed at or before ts is
// durable, or the timeout elapses.
func (p *Provider) WaitForDurable(ts uint64, timeout time.Duration) error {
	return p.pages.WaitForBarrier(ts, timeout)
}
