package relation

import "fmt"

// TxnHandle is the per-transaction API against one relation
// (RelationTransaction<D,C> in spec §4.3).
type TxnHandle[D comparable, C any] struct {
	rel   *Relation[D, C]
	ws    *WorkingSet[D, C]
	txnTs uint64
}

// NewTxnHandle opens a transaction-scoped view of rel at txnTs, the
// timestamp allocated for the owning transaction.
func NewTxnHandle[D comparable, C any](rel *Relation[D, C], txnTs uint64) *TxnHandle[D, C] {
	return &TxnHandle[D, C]{rel: rel, ws: NewWorkingSet[D, C](), txnTs: txnTs}
}

// WorkingSet exposes the underlying buffer so the owning transaction can
// gather it for commit.
func (h *TxnHandle[D, C]) WorkingSet() *WorkingSet[D, C] { return h.ws }

// SeekByDomain looks up k in the working set first; if absent, it fetches
// from canonical into a Value entry, caching the observed ts for conflict
// detection (spec §4.3).
func (h *TxnHandle[D, C]) SeekByDomain(k D) (C, bool, error) {
	if e, ok := h.ws.Get(k); ok {
		switch e.Op {
		case OpTombstone:
			var zero C
			return zero, false, nil
		default:
			return e.Val, true, nil
		}
	}
	row, ok := h.rel.Get(k)
	if !ok {
		var zero C
		return zero, false, nil
	}
	h.ws.set(k, Entry[C]{Op: OpValue, Val: row.Val, Ts: row.Ts})
	return row.Val, true, nil
}

// SeekByCodomain requires a reverse index; it materializes every domain
// currently pointing at v into the working set (as Value entries, if not
// already touched) so the index stays coherent with any later tombstone or
// reinsert this transaction performs, then returns them.
func (h *TxnHandle[D, C]) SeekByCodomain(v C) ([]D, error) {
	domains, err := h.rel.ReverseGet(v)
	if err != nil {
		return nil, err
	}
	out := make([]D, 0, len(domains))
	for _, d := range domains {
		if _, ok := h.ws.Get(d); !ok {
			if row, ok := h.rel.Get(d); ok {
				h.ws.set(d, Entry[C]{Op: OpValue, Val: row.Val, Ts: row.Ts})
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// Insert fails ErrDuplicate if k is present in the working set, or in
// canonical at a timestamp no later than this transaction's own. A canonical
// row with a later timestamp was committed by a transaction that began after
// this one; the insert is buffered and the commit-time conflict check
// reports it (scenario S2). Otherwise it appends Insert(k,v,tx_ts).
func (h *TxnHandle[D, C]) Insert(k D, v C) error {
	if e, ok := h.ws.Get(k); ok && e.Op != OpTombstone {
		return fmt.Errorf("%w: %v", ErrDuplicate, k)
	}
	if _, ok := h.ws.Get(k); !ok {
		if row, exists := h.rel.Get(k); exists && row.Ts <= h.txnTs {
			return fmt.Errorf("%w: %v", ErrDuplicate, k)
		}
	}
	h.ws.set(k, Entry[C]{Op: OpInsert, Val: v, Ts: h.txnTs})
	return nil
}

// Update fails ErrNotFound if k is missing; it keeps the observed ts and
// appends Update(k,v,observed_ts).
func (h *TxnHandle[D, C]) Update(k D, v C) error {
	observedTs, ok, err := h.observedTs(k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	h.ws.set(k, Entry[C]{Op: OpUpdate, Val: v, Ts: observedTs})
	return nil
}

// Upsert inserts if absent, else updates; it preserves the observed ts from
// whichever side provided it.
func (h *TxnHandle[D, C]) Upsert(k D, v C) error {
	observedTs, ok, err := h.observedTs(k)
	if err != nil {
		return err
	}
	if !ok {
		h.ws.set(k, Entry[C]{Op: OpInsert, Val: v, Ts: h.txnTs})
		return nil
	}
	h.ws.set(k, Entry[C]{Op: OpUpdate, Val: v, Ts: observedTs})
	return nil
}

// RemoveByDomain writes a Tombstone(k,observed_ts).
func (h *TxnHandle[D, C]) RemoveByDomain(k D) error {
	observedTs, ok, err := h.observedTs(k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, k)
	}
	h.ws.set(k, Entry[C]{Op: OpTombstone, Ts: observedTs})
	return nil
}

// observedTs resolves k's current ts, consulting the working set first and
// falling back to canonical, the same path SeekByDomain uses, without
// requiring the caller to decode the returned value. A previously buffered
// Insert (this transaction's own, not yet committed) reports the
// transaction's own ts since it has no prior canonical ts.
func (h *TxnHandle[D, C]) observedTs(k D) (uint64, bool, error) {
	if e, ok := h.ws.Get(k); ok {
		if e.Op == OpTombstone {
			return 0, false, nil
		}
		return e.Ts, true, nil
	}
	row, ok := h.rel.Get(k)
	if !ok {
		return 0, false, nil
	}
	return row.Ts, true, nil
}

// Len reports how many domains this transaction has touched in the
// relation, used by the commit pipeline's large-batch warning.
func (h *TxnHandle[D, C]) Len() int { return h.ws.Len() }

// CheckConflicts validates this transaction's working set against the
// relation's current canonical state (relation.Committable).
func (h *TxnHandle[D, C]) CheckConflicts() error { return h.rel.CheckConflicts(h.ws) }

// Apply commits the working set into canonical state at ts. The caller
// must hold WriteLock across this call and release it immediately after
// (spec §5: the write lock bounds only the apply phase).
func (h *TxnHandle[D, C]) Apply(ts uint64) bool {
	mutated, _ := h.rel.Apply(h.ws, ts)
	return mutated
}

func (h *TxnHandle[D, C]) WriteLock()   { h.rel.WriteLock() }
func (h *TxnHandle[D, C]) WriteUnlock() { h.rel.WriteUnlock() }

// PredicateScan folds the canonical view through f, then overlays the
// working set: inserts/updates add or replace, tombstones remove.
func (h *TxnHandle[D, C]) PredicateScan(f func(D, C) bool) []D {
	results := make(map[D]struct{})
	h.rel.Scan(func(d D, v C) bool {
		if f(d, v) {
			results[d] = struct{}{}
		}
		return true
	})
	h.ws.Range(func(d D, e Entry[C]) {
		switch e.Op {
		case OpTombstone:
			delete(results, d)
		case OpInsert, OpUpdate:
			if f(d, e.Val) {
				results[d] = struct{}{}
			} else {
				delete(results, d)
			}
		}
	})
	out := make([]D, 0, len(results))
	for d := range results {
		out = append(out, d)
	}
	return out
}
