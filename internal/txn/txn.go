// Package txn orchestrates one optimistic MVCC transaction's lifecycle: a
// private cache fork, per-relation conflict checking, the apply phase, and
// the durable commit + barrier wait before a new root snapshot can be
// published (spec §4.3).
package txn

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdaum/moor-sub011/internal/rcache"
	"github.com/rdaum/moor-sub011/internal/relation"
)

// ErrIntegrityFailure marks an apply-phase failure distinct from a
// conflict detected at check time: conflict checking passed, but the
// durable write afterward failed for a reason unrelated to concurrent
// writers (storage error, violated invariant). Retrying blindly is not the
// right response to this one the way it is to a genuine conflict (spec §9
// open question, promoted to a hard distinction here rather than
// collapsed into the same ConflictRetry{info:None} shape).
var ErrIntegrityFailure = errors.New("txn: apply-phase integrity failure")

// largeBatchWarnThreshold logs a warning when a single commit touches an
// unusually large number of rows across all relations (spec §4.3).
const largeBatchWarnThreshold = 10000

// slowCommitWarnThreshold logs a warning when a whole Commit call (conflict
// check, apply, durable write and barrier wait) takes longer than expected
// (spec §4.3).
const slowCommitWarnThreshold = 5 * time.Second

// Kind discriminates a commit's outcome.
type Kind uint8

const (
	KindSuccess Kind = iota
	KindConflictRetry
)

// Result is the tagged outcome of Commit.
type Result struct {
	Kind          Kind
	MutationsMade bool
	Timestamp     uint64
	// CachesChanged reports whether this transaction's cache fork diverged
	// from what it started with, even on a read-only commit — the caller
	// uses this to decide whether a new root snapshot must still be
	// published purely to republish caches (scenario S3).
	CachesChanged bool
	// Err is set on ConflictRetry: either relation.ErrConflict (safe to
	// retry) or ErrIntegrityFailure (investigate before retrying).
	Err error
}

// DurableWriter is the durability side of a commit, supplied by the owner
// of the relations (moordb): it knows how to turn each relation's applied
// mutations into page-store writes and wait for them to land.
type DurableWriter interface {
	Commit(ts uint64) error
	WaitForDurable(ts uint64, timeout time.Duration) error
}

// Transaction is one transaction's private state: its allocated timestamp,
// the root version it started from, the relation handles it has touched,
// and its forked resolution-cache bundle.
type Transaction struct {
	log          *zap.Logger
	ts           uint64
	startVersion uint64
	handles      []relation.Committable
	Caches       *rcache.Bundle
}

// New begins a transaction at ts, observing the root snapshot published at
// startVersion, with a private fork of bundle.
func New(ts uint64, startVersion uint64, bundle *rcache.Bundle, log *zap.Logger) *Transaction {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transaction{log: log, ts: ts, startVersion: startVersion, Caches: bundle.Fork()}
}

// Timestamp returns the transaction's allocated timestamp.
func (t *Transaction) Timestamp() uint64 { return t.ts }

// StartVersion returns the root version this transaction observed at
// start, for the caller's own bookkeeping.
func (t *Transaction) StartVersion() uint64 { return t.startVersion }

// Track registers a relation handle so the commit pipeline consults it.
// Call once per relation the transaction actually read or wrote.
func (t *Transaction) Track(h relation.Committable) {
	t.handles = append(t.handles, h)
}

// Commit runs the commit pipeline:
//
//  1. If the root has moved since this transaction's snapshot, check every
//     touched relation for conflicts; if it hasn't moved, no other writer
//     could have committed, so the check is skipped outright (spec §4.3
//     step 1 fast path).
//  2. Apply each relation's working set under that relation's own write
//     lock, released immediately after (spec §5).
//  3. If anything mutated, persist durably and wait for the barrier. If
//     nothing mutated but the cache fork still diverged from its parent,
//     the caller is told via CachesChanged so it can still republish a new
//     root purely for the cache update (scenario S3).
func (t *Transaction) Commit(currentRootVersion uint64, durable DurableWriter, durableTimeout time.Duration) Result {
	begin := time.Now()

	totalRows := 0
	for _, h := range t.handles {
		totalRows += h.Len()
	}
	if totalRows > largeBatchWarnThreshold {
		t.log.Warn("txn: large commit batch", zap.Int("rows", totalRows), zap.Uint64("ts", t.ts))
	}

	if currentRootVersion != t.startVersion {
		var g errgroup.Group
		for _, h := range t.handles {
			h := h
			g.Go(h.CheckConflicts)
		}
		if err := g.Wait(); err != nil {
			return Result{Kind: KindConflictRetry, Timestamp: t.ts, Err: err}
		}
	}

	anyMutation := false
	for _, h := range t.handles {
		h.WriteLock()
		mutated := h.Apply(t.ts)
		h.WriteUnlock()
		anyMutation = anyMutation || mutated
	}

	if anyMutation {
		if err := durable.Commit(t.ts); err != nil {
			return Result{
				Kind:      KindConflictRetry,
				Timestamp: t.ts,
				Err:       fmt.Errorf("%w: %v", ErrIntegrityFailure, err),
			}
		}
		if err := durable.WaitForDurable(t.ts, durableTimeout); err != nil {
			t.log.Warn("txn: durable wait after commit failed", zap.Error(err), zap.Uint64("ts", t.ts))
		}
	}

	if elapsed := time.Since(begin); elapsed > slowCommitWarnThreshold {
		t.log.Warn("txn: slow commit", zap.Duration("elapsed", elapsed), zap.Uint64("ts", t.ts))
	}

	return Result{
		Kind:          KindSuccess,
		MutationsMade: anyMutation,
		Timestamp:     t.ts,
		CachesChanged: t.Caches.HasChanged(),
	}
}
