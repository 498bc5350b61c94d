// Package loader implements the two read/write paths that sit outside
// normal transactions: the bulk loader used by textdump/objdef importers
// to populate relations without going through MVCC, and the point-in-time
// snapshot reader used by backup/dump consumers (spec §6.3).
package loader

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/provider"
	"github.com/rdaum/moor-sub011/internal/relation"
)

// Session is one bulk-import pass. It allocates a single timestamp up
// front and every row loaded through any Table bound to it — across
// however many relations — is persisted together as one durable batch
// when Commit is called ("commits once at the end", spec §6.3).
type Session struct {
	store *pagestore.Store
	log   *zap.Logger
	ts    uint64

	mu    sync.Mutex
	pages []pagestore.PageWrite
}

// NewSession allocates the session's timestamp from store and returns a
// Session ready to accept Tables.
func NewSession(store *pagestore.Store, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ts, err := store.NextTimestamp()
	if err != nil {
		return nil, fmt.Errorf("loader: allocate timestamp: %w", err)
	}
	return &Session{store: store, log: log, ts: ts}, nil
}

// Timestamp is the single commit timestamp every row loaded through this
// session will be seeded and persisted at.
func (s *Session) Timestamp() uint64 { return s.ts }

func (s *Session) stage(pw pagestore.PageWrite) {
	s.mu.Lock()
	s.pages = append(s.pages, pw)
	s.mu.Unlock()
}

// Commit persists every row staged by this session's tables as one batch
// and waits for it to land durably. Call once, after every Table.Load call
// has returned.
func (s *Session) Commit(timeout time.Duration) error {
	s.mu.Lock()
	batch := pagestore.Batch{Timestamp: s.ts, Pages: append([]pagestore.PageWrite(nil), s.pages...)}
	s.mu.Unlock()

	if len(batch.Pages) == 0 {
		return nil
	}
	if err := s.store.Commit(batch); err != nil {
		return fmt.Errorf("loader: commit batch: %w", err)
	}
	if err := s.store.WaitForBarrier(s.ts, timeout); err != nil {
		return fmt.Errorf("loader: wait for durable: %w", err)
	}
	s.log.Info("loader: bulk import committed", zap.Uint64("ts", s.ts), zap.Int("rows", len(batch.Pages)))
	return nil
}

// Table bulk-populates one relation within a Session: every row is written
// through the relation's provider immediately, seeded straight into the
// relation's in-memory canonical map, and staged into the session's shared
// batch. There is no working set and no conflict check — the caller is
// responsible for not loading into a relation that is concurrently open
// for transactional writes (spec §6.3).
type Table[D comparable, C any] struct {
	session *Session
	rel     *relation.Relation[D, C]
	prov    *provider.Provider
	encode  func(C) ([]byte, error)
}

// NewTable binds rel (via prov, its durability adapter) to session.
func NewTable[D comparable, C any](
	session *Session,
	rel *relation.Relation[D, C],
	prov *provider.Provider,
	encode func(C) ([]byte, error),
) *Table[D, C] {
	return &Table[D, C]{session: session, rel: rel, prov: prov, encode: encode}
}

// Load writes one (d, v) row. It never updates an existing tuple in
// place — bulk import always populates a cold relation — so every call
// allocates a fresh slot.
func (t *Table[D, C]) Load(d D, v C) error {
	data, err := t.encode(v)
	if err != nil {
		return fmt.Errorf("loader: encode %s row: %w", t.rel.Name, err)
	}
	tid, err := t.prov.StoreTuple(nil, data)
	if err != nil {
		return fmt.Errorf("loader: store tuple for %s: %w", t.rel.Name, err)
	}
	t.rel.Load(d, t.session.ts, v)
	t.session.stage(t.prov.PageWriteFor(tid, data))
	return nil
}
