package loader

import (
	"fmt"
	"time"

	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/relation"
)

// Reader marks a point in time that every relation scan pulled through it
// is guaranteed to reflect: the durability barrier for AsOf has already
// passed when NewReader returns (spec §6.3,
// "after wait_for_barrier(last_write_commit)").
type Reader struct {
	asOf uint64
}

// NewReader blocks until lastWriteCommit is durable, then returns a Reader
// consumers can pull per-relation scans from. The wait happens once,
// up front, rather than per relation, so every scan taken through the same
// Reader is mutually consistent as of the same commit.
func NewReader(store *pagestore.Store, lastWriteCommit uint64, timeout time.Duration) (*Reader, error) {
	if err := store.WaitForBarrier(lastWriteCommit, timeout); err != nil {
		return nil, fmt.Errorf("loader: snapshot reader wait for barrier: %w", err)
	}
	return &Reader{asOf: lastWriteCommit}, nil
}

// AsOf reports the commit timestamp this reader's snapshots are guaranteed
// durable as of.
func (r *Reader) AsOf() uint64 { return r.asOf }

// RelationScan is a read-only, already-copied-out view of one relation's
// canonical state as of a Reader's AsOf. It has no mutating methods: dump
// consumers may only read (spec §6.3, "must not mutate").
type RelationScan[D comparable, C any] struct {
	rows relation.Index[D, C]
}

// Snapshot pulls rel's current canonical state into a RelationScan. It
// must only be called after a Reader confirms the intended commit is
// durable, otherwise the copy could race an in-flight background apply.
func Snapshot[D comparable, C any](r *Reader, rel *relation.Relation[D, C]) *RelationScan[D, C] {
	_ = r // the barrier wait already happened in NewReader; r only documents intent here
	return &RelationScan[D, C]{rows: rel.CloneIndex()}
}

// Get returns d's value and the timestamp it was last written at, as of
// this scan.
func (s *RelationScan[D, C]) Get(d D) (C, uint64, bool) {
	row, ok := s.rows[d]
	return row.Val, row.Ts, ok
}

// Each folds every (domain, value) pair in the scan through fn.
func (s *RelationScan[D, C]) Each(fn func(D, C)) {
	for d, row := range s.rows {
		fn(d, row.Val)
	}
}

// Len reports the number of rows in the scan.
func (s *RelationScan[D, C]) Len() int { return len(s.rows) }
