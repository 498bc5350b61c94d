// Package wal implements the write-ahead log chunk format and the append
// path that makes a commit durable before it is applied to the page store
// (spec §4.2).
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Action discriminates one WAL entry's effect on the page store.
type Action uint8

const (
	ActionPageSync Action = iota
	ActionDelete
	ActionSequenceSync
)

// magic is the constant 4-byte marker that opens every WAL entry, used to
// sanity-check alignment when scanning a chunk.
var magic = [4]byte{'m', 'w', 'a', 'l'}

// Entry is one WAL record, matching the wire layout of spec §4.2:
// magic(4) timestamp(8) action(1) page_id(8) relation_id(1) slot_id(8)
// size(8) payload(size).
type Entry struct {
	Timestamp  uint64
	Action     Action
	PageID     uint64
	RelationID uint8
	SlotID     uint64
	Payload    []byte
}

// Encode serializes e to its little-endian wire format.
func Encode(e Entry) []byte {
	buf := make([]byte, 0, 4+8+1+8+1+8+8+len(e.Payload))
	buf = append(buf, magic[:]...)
	buf = appendU64(buf, e.Timestamp)
	buf = append(buf, byte(e.Action))
	buf = appendU64(buf, e.PageID)
	buf = append(buf, e.RelationID)
	buf = appendU64(buf, e.SlotID)
	buf = appendU64(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// ReadEntry reads a single entry from r. io.EOF (clean) or io.ErrUnexpectedEOF
// (truncated mid-record) are both reported so the caller can distinguish
// "end of chunk" from "corrupt chunk" per the recovery contract of §4.2.
func ReadEntry(r io.Reader) (Entry, error) {
	var hdr [4 + 8 + 1 + 8 + 1 + 8 + 8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, err
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return Entry{}, fmt.Errorf("wal: bad magic %x", hdr[:4])
	}
	var e Entry
	off := 4
	e.Timestamp = binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	e.Action = Action(hdr[off])
	off++
	e.PageID = binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	e.RelationID = hdr[off]
	off++
	e.SlotID = binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	size := binary.LittleEndian.Uint64(hdr[off:])
	if size > 0 {
		e.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return Entry{}, io.ErrUnexpectedEOF
		}
	}
	return e, nil
}

// Log is an append-only segment file. A commit appends one chunk (a batch of
// entries) and fsyncs it as a single transactional append (spec §4.2 item
// 1-2): once AppendChunk returns, the chunk is durable.
type Log struct {
	mu   sync.Mutex
	file *os.File
	log  *zap.Logger
}

// Open opens (creating if absent) the WAL segment at path.
func Open(path string, log *zap.Logger) (*Log, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &Log{file: f, log: log}, nil
}

// AppendChunk writes every entry in order as one fsynced append.
func (l *Log) AppendChunk(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, 256*len(entries))
	for _, e := range entries {
		buf = append(buf, Encode(e)...)
	}
	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	return l.file.Sync()
}

// ReplayFunc is invoked once per well-formed entry found during Replay, in
// file order.
type ReplayFunc func(Entry) error

// Replay scans the log from the start and invokes fn for every entry.
// Malformed or truncated trailing chunks are logged and skipped rather than
// failing recovery outright (spec §4.2 item 4).
func (l *Log) Replay(fn ReplayFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(l.file)
	for {
		e, err := ReadEntry(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			l.log.Warn("wal: skipping malformed/truncated chunk tail", zap.Error(err))
			return nil
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("wal: replay callback: %w", err)
		}
	}
}

// Truncate empties the log after a checkpoint has persisted everything it
// contains into the page store.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.Seek(0, io.SeekStart)
	return err
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
