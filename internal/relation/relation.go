package relation

import (
	"fmt"
	"sync"
)

// Row is one canonical entry: the timestamp at which it was last written,
// and its value.
type Row[C any] struct {
	Ts  uint64
	Val C
}

// Index is a point-in-time, read-only view of a relation's canonical
// mapping — what the root snapshot embeds per relation (spec §3.1).
type Index[D comparable, C any] map[D]Row[C]

// Relation is R(D,C): a canonical D->C mapping with an optional reverse
// index C->set<D>, a per-relation write lock, and a source handle for
// barrier operations (spec §4.3).
type Relation[D comparable, C any] struct {
	Name string

	mu        sync.RWMutex
	canonical map[D]Row[C]

	hasReverse    bool
	encodeC       func(C) string
	reverse       map[string]map[D]struct{}

	writeMu sync.Mutex // held across the apply phase of this relation only
}

// New constructs an empty relation. encodeC is required (non-nil) when
// hasReverse is true; it folds a codomain value to a stable string key for
// the reverse index.
func New[D comparable, C any](name string, hasReverse bool, encodeC func(C) string) *Relation[D, C] {
	r := &Relation[D, C]{
		Name:       name,
		canonical:  make(map[D]Row[C]),
		hasReverse: hasReverse,
		encodeC:    encodeC,
	}
	if hasReverse {
		r.reverse = make(map[string]map[D]struct{})
	}
	return r
}

// Load seeds the canonical map from durable storage (recovery/loader path);
// it bypasses working sets and the write lock entirely.
func (r *Relation[D, C]) Load(d D, ts uint64, v C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canonical[d] = Row[C]{Ts: ts, Val: v}
	if r.hasReverse {
		key := r.encodeC(v)
		set, ok := r.reverse[key]
		if !ok {
			set = make(map[D]struct{})
			r.reverse[key] = set
		}
		set[d] = struct{}{}
	}
}

// Get returns the canonical row for d, if present.
func (r *Relation[D, C]) Get(d D) (Row[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.canonical[d]
	return row, ok
}

// ReverseGet returns every domain currently mapping to codomain v.
func (r *Relation[D, C]) ReverseGet(v C) ([]D, error) {
	if !r.hasReverse {
		return nil, ErrNoReverseIndex
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.reverse[r.encodeC(v)]
	out := make([]D, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out, nil
}

// Scan folds every canonical (domain, value) pair through fn; fn returning
// false stops the scan early.
func (r *Relation[D, C]) Scan(fn func(D, C) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for d, row := range r.canonical {
		if !fn(d, row.Val) {
			return
		}
	}
}

// CloneIndex returns a snapshot copy of the canonical map, suitable for
// embedding in a published root snapshot (copy-on-write, spec §3.1).
func (r *Relation[D, C]) CloneIndex() Index[D, C] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Index[D, C], len(r.canonical))
	for d, row := range r.canonical {
		out[d] = row
	}
	return out
}

// Count reports the number of live canonical rows.
func (r *Relation[D, C]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.canonical)
}

// CheckConflicts compares every working-set entry's observed timestamp
// against the relation's current canonical timestamp for that key. A
// mismatch, or an Insert whose key has since appeared, is a conflict (spec
// §3.2 invariant 2, §4.3 step 1).
func (r *Relation[D, C]) CheckConflicts(ws *WorkingSet[D, C]) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conflictErr error
	ws.Range(func(d D, e Entry[C]) {
		if conflictErr != nil {
			return
		}
		row, exists := r.canonical[d]
		switch e.Op {
		case OpInsert:
			if exists {
				conflictErr = fmt.Errorf("%w: insert key %v already present at ts %d", ErrConflict, d, row.Ts)
			}
		case OpUpdate, OpTombstone, OpValue:
			if !exists {
				conflictErr = fmt.Errorf("%w: key %v no longer present (observed ts %d)", ErrConflict, d, e.Ts)
				return
			}
			if row.Ts != e.Ts {
				conflictErr = fmt.Errorf("%w: key %v observed ts %d, canonical ts %d", ErrConflict, d, e.Ts, row.Ts)
			}
		}
	})
	return conflictErr
}

// Apply commits a validated working set into the canonical map at
// timestamp ts, maintaining the reverse index as it goes. Returns whether
// any entry actually mutated canonical state (insert/update/tombstone), per
// spec §4.3 step 2's read-only-commit shortcut. Caller must have already
// run CheckConflicts successfully and must hold WriteLock.
func (r *Relation[D, C]) Apply(ws *WorkingSet[D, C], ts uint64) (mutated bool, touched []D) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws.Range(func(d D, e Entry[C]) {
		switch e.Op {
		case OpInsert, OpUpdate:
			if old, ok := r.canonical[d]; ok && r.hasReverse {
				r.removeReverseLocked(d, old.Val)
			}
			r.canonical[d] = Row[C]{Ts: ts, Val: e.Val}
			if r.hasReverse {
				r.addReverseLocked(d, e.Val)
			}
			mutated = true
			touched = append(touched, d)
		case OpTombstone:
			if old, ok := r.canonical[d]; ok {
				if r.hasReverse {
					r.removeReverseLocked(d, old.Val)
				}
				delete(r.canonical, d)
			}
			mutated = true
			touched = append(touched, d)
		case OpValue:
			// untouched read; nothing to apply
		}
	})
	return mutated, touched
}

func (r *Relation[D, C]) addReverseLocked(d D, v C) {
	key := r.encodeC(v)
	set, ok := r.reverse[key]
	if !ok {
		set = make(map[D]struct{})
		r.reverse[key] = set
	}
	set[d] = struct{}{}
}

func (r *Relation[D, C]) removeReverseLocked(d D, v C) {
	key := r.encodeC(v)
	if set, ok := r.reverse[key]; ok {
		delete(set, d)
		if len(set) == 0 {
			delete(r.reverse, key)
		}
	}
}

// WriteLock/WriteUnlock bound the apply phase of one relation's commit
// (spec §5: "relation write locks are held only across the apply phase of
// one relation and are released before the next").
func (r *Relation[D, C]) WriteLock()   { r.writeMu.Lock() }
func (r *Relation[D, C]) WriteUnlock() { r.writeMu.Unlock() }
