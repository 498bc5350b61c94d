// Package pagestore is the durable backing of the in-memory relations: a
// partitioned embedded KV store (PageId -> bytes per relation, plus a
// sequences partition) fed by a background batch writer that drains
// WAL-ordered commits (spec §4.2).
package pagestore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/rdaum/moor-sub011/internal/wal"
)

// sequencesBucket is the dedicated partition for counters and the version
// marker (spec §6.1).
const sequencesBucket = "sequences"

// TxnCounterSlot is the fixed sequence slot (index 15 per spec §6.1) holding
// the monotonic transaction timestamp counter.
const TxnCounterSlot = 15

// DBVersionKey is the sequences-partition key holding the UTF-8 version
// marker consulted by the migration gate.
const DBVersionKey = "__db_version__"

// PageWrite is one dirty page destined for a relation's partition.
type PageWrite struct {
	Relation string
	PageID   uint64
	Bytes    []byte // nil means delete
}

// Batch is the unit of work handed to the background writer: the sequence
// value for this commit plus every dirty page, matching one WAL chunk
// (spec §4.2 item 1).
type Batch struct {
	Timestamp uint64
	Pages     []PageWrite
	Deletes   []PageWrite // Action=Delete entries; applying the batch removes these keys from the relation's partition (in-memory pages are not touched)
}

// Store owns the bbolt handle, the WAL, and the background writer.
type Store struct {
	db  *bbolt.DB
	log *zap.Logger
	w   *wal.Log

	queue    chan Batch
	done     chan struct{}
	wg       sync.WaitGroup
	queueCap int

	mu                 sync.Mutex
	cond               *sync.Cond
	completedTimestamp uint64
	fatal              error

	relationTags map[string]uint8 // stable name -> WAL tag, assigned at Open
}

// Options configures a Store.
type Options struct {
	DataDir        string
	QueueDepth     int
	RelationNames  []string
}

// Open opens (creating if absent) every relation partition plus the
// sequences partition, and starts the background batch writer.
func Open(opt Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opt.QueueDepth <= 0 {
		opt.QueueDepth = 1024
	}
	db, err := bbolt.Open(filepath.Join(opt.DataDir, "pages.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(sequencesBucket)); err != nil {
			return err
		}
		for _, name := range opt.RelationNames {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pagestore: create partitions: %w", err)
	}

	w, err := wal.Open(filepath.Join(opt.DataDir, "wal.log"), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	tags := make(map[string]uint8, len(opt.RelationNames))
	for i, name := range opt.RelationNames {
		if i > 255 {
			db.Close()
			return nil, fmt.Errorf("pagestore: too many relations for a uint8 WAL tag: %d", i)
		}
		tags[name] = uint8(i)
	}

	s := &Store{
		db:           db,
		log:          log,
		w:            w,
		queue:        make(chan Batch, opt.QueueDepth),
		done:         make(chan struct{}),
		queueCap:     opt.QueueDepth,
		relationTags: tags,
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

// Commit appends batch's WAL chunk (durable the moment this call returns,
// per spec §4.2 items 1-2) and enqueues it for background application.
// Enqueuing may block under backpressure; a block over ~1s is logged.
func (s *Store) Commit(batch Batch) error {
	entries := make([]wal.Entry, 0, len(batch.Pages)+len(batch.Deletes)+1)
	entries = append(entries, wal.Entry{
		Timestamp: batch.Timestamp,
		Action:    wal.ActionSequenceSync,
		Payload:   encodeU64(batch.Timestamp),
	})
	for _, p := range batch.Pages {
		tag, ok := s.relationTags[p.Relation]
		if !ok {
			return fmt.Errorf("pagestore: unknown relation %q", p.Relation)
		}
		entries = append(entries, wal.Entry{
			Timestamp:  batch.Timestamp,
			Action:     wal.ActionPageSync,
			PageID:     p.PageID,
			RelationID: tag,
			Payload:    p.Bytes,
		})
	}
	for _, d := range batch.Deletes {
		tag, ok := s.relationTags[d.Relation]
		if !ok {
			return fmt.Errorf("pagestore: unknown relation %q", d.Relation)
		}
		entries = append(entries, wal.Entry{
			Timestamp:  batch.Timestamp,
			Action:     wal.ActionDelete,
			PageID:     d.PageID,
			RelationID: tag,
		})
	}
	if err := s.w.AppendChunk(entries); err != nil {
		return fmt.Errorf("pagestore: commit wal append: %w", err)
	}

	start := time.Now()
	select {
	case s.queue <- batch:
	default:
		timer := time.NewTimer(time.Second)
		defer timer.Stop()
		select {
		case s.queue <- batch:
		case <-timer.C:
			s.log.Warn("pagestore: batch writer enqueue blocked over 1s", zap.Duration("waited", time.Since(start)))
			s.queue <- batch
		}
	}
	return nil
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case batch, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.apply(batch); err != nil {
				s.log.Error("pagestore: background writer failed, marking store fatal", zap.Error(err))
				s.mu.Lock()
				s.fatal = err
				s.mu.Unlock()
			}
			s.mu.Lock()
			if batch.Timestamp > s.completedTimestamp {
				s.completedTimestamp = batch.Timestamp
			}
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *Store) apply(batch Batch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		seq := tx.Bucket([]byte(sequencesBucket))
		cur := uint64(0)
		if v := seq.Get(seqKey(TxnCounterSlot)); v != nil {
			cur = binary.LittleEndian.Uint64(v)
		}
		if batch.Timestamp > cur {
			if err := seq.Put(seqKey(TxnCounterSlot), encodeU64(batch.Timestamp)); err != nil {
				return err
			}
		}
		for _, p := range batch.Pages {
			b := tx.Bucket([]byte(p.Relation))
			if b == nil {
				return fmt.Errorf("pagestore: unknown relation partition %q", p.Relation)
			}
			if err := b.Put(pageKey(p.PageID), p.Bytes); err != nil {
				return err
			}
		}
		for _, d := range batch.Deletes {
			b := tx.Bucket([]byte(d.Relation))
			if b == nil {
				return fmt.Errorf("pagestore: unknown relation partition %q", d.Relation)
			}
			if err := b.Delete(pageKey(d.PageID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WaitForBarrier blocks until the background writer's completed timestamp is
// >= ts or timeout elapses. A timeout is logged as a warning and the caller
// proceeds with a possibly-stale view (spec §7.1).
func (s *Store) WaitForBarrier(ts uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.completedTimestamp < ts {
		if s.fatal != nil {
			return fmt.Errorf("pagestore: background writer is in a fatal state: %w", s.fatal)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.log.Warn("pagestore: wait_for_barrier timed out", zap.Uint64("want", ts), zap.Uint64("have", s.completedTimestamp))
			return fmt.Errorf("pagestore: timed out waiting for barrier %d (have %d)", ts, s.completedTimestamp)
		}
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(remaining)
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			close(waitCh)
		}()
		s.cond.Wait()
	}
	return nil
}

// CompletedTimestamp reports the last timestamp the background writer has
// durably applied.
func (s *Store) CompletedTimestamp() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedTimestamp
}

// ReadPage fetches one page's raw bytes from relation's partition.
func (s *Store) ReadPage(relation string, pageID uint64) ([]byte, bool, error) {
	var out []byte
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(relation))
		if b == nil {
			return fmt.Errorf("pagestore: unknown relation partition %q", relation)
		}
		v := b.Get(pageKey(pageID))
		if v != nil {
			out = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// ScanRelation invokes fn for every (pageID, bytes) pair in relation's
// partition, in key order. Used by recovery and the snapshot reader.
func (s *Store) ScanRelation(relation string, fn func(pageID uint64, bytes []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(relation))
		if b == nil {
			return fmt.Errorf("pagestore: unknown relation partition %q", relation)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(binary.BigEndian.Uint64(k), v)
		})
	})
}

// Version returns the UTF-8 version marker, or "" if unset (fresh store).
func (s *Store) Version() (string, error) {
	var version string
	err := s.db.View(func(tx *bbolt.Tx) error {
		seq := tx.Bucket([]byte(sequencesBucket))
		v := seq.Get([]byte(DBVersionKey))
		version = string(v)
		return nil
	})
	return version, err
}

// SetVersion writes the UTF-8 version marker.
func (s *Store) SetVersion(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		seq := tx.Bucket([]byte(sequencesBucket))
		return seq.Put([]byte(DBVersionKey), []byte(version))
	})
}

// NextTimestamp atomically reads-and-increments the monotonic transaction
// counter in the sequences partition. Every transaction timestamp is drawn
// from here (moordb's allocateTimestamp) with no in-memory allocator in
// front of it, and the stored counter is what a reopened store continues
// from (spec §6.1).
func (s *Store) NextTimestamp() (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seq := tx.Bucket([]byte(sequencesBucket))
		cur := uint64(0)
		if v := seq.Get(seqKey(TxnCounterSlot)); v != nil {
			cur = binary.LittleEndian.Uint64(v)
		}
		next = cur + 1
		return seq.Put(seqKey(TxnCounterSlot), encodeU64(next))
	})
	return next, err
}

// ReplayWAL replays outstanding WAL chunks into the page store before
// relations are opened (spec §4.2 item 4), then checkpoints (truncates) the
// log. It is a thin wrapper over Checkpoint, which also advances the
// in-memory completed-timestamp floor, so wait_for_barrier is consistent
// immediately after reopen even with nothing yet enqueued.
func (s *Store) ReplayWAL() error {
	return s.Checkpoint()
}

// Checkpoint drains the WAL into the page store directly (bypassing the
// background queue) and truncates the segment. ReplayWAL is its only caller
// in this package. Delete entries remove keys from the relation partitions;
// no in-memory slotbox pages are evicted here.
func (s *Store) Checkpoint() error {
	var order []uint64
	byTS := make(map[uint64]*Batch)
	relationByTag := make(map[uint8]string)
	for name := range s.relationTags {
		relationByTag[s.relationTags[name]] = name
	}
	if err := s.w.Replay(func(e wal.Entry) error {
		b, ok := byTS[e.Timestamp]
		if !ok {
			b = &Batch{Timestamp: e.Timestamp}
			byTS[e.Timestamp] = b
			order = append(order, e.Timestamp)
		}
		relation := relationByTag[e.RelationID]
		switch e.Action {
		case wal.ActionPageSync:
			b.Pages = append(b.Pages, PageWrite{Relation: relation, PageID: e.PageID, Bytes: e.Payload})
		case wal.ActionDelete:
			b.Deletes = append(b.Deletes, PageWrite{Relation: relation, PageID: e.PageID})
		}
		return nil
	}); err != nil {
		return err
	}
	var maxTS uint64
	for _, ts := range order {
		if err := s.apply(*byTS[ts]); err != nil {
			return fmt.Errorf("pagestore: checkpoint apply: %w", err)
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	s.mu.Lock()
	if maxTS > s.completedTimestamp {
		s.completedTimestamp = maxTS
	}
	s.mu.Unlock()
	return s.w.Truncate()
}

// Close stops the background writer, then applies any batches still queued
// (a batch that fails to apply is logged), and closes the WAL and bbolt
// (spec §5 "batch writer shutdown").
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	for drained := false; !drained; {
		select {
		case batch := <-s.queue:
			if err := s.apply(batch); err != nil {
				s.log.Error("pagestore: close: applying queued batch", zap.Error(err))
			}
		default:
			drained = true
		}
	}
	if err := s.w.Close(); err != nil {
		s.log.Error("pagestore: closing wal", zap.Error(err))
	}
	return s.db.Close()
}

func pageKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func seqKey(slot int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(slot))
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
