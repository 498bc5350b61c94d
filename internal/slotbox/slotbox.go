// Package slotbox implements the slotted-page tuple allocator: a single
// large anonymous mapping, divided into fixed-size pages, that hands out
// reference-counted variable-length slots partitioned by relation.
package slotbox

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// TupleId is the stable handle to one stored blob: a (page, slot) pair.
type TupleId struct {
	Page uint32
	Slot uint32
}

func (t TupleId) String() string { return fmt.Sprintf("(%d,%d)", t.Page, t.Slot) }

// Options configures a SlotBox's virtual reservation.
type Options struct {
	// VirtualSize is the total size of the anonymous mapping to reserve.
	VirtualSize int
	// PageSize is the fixed size of every page carved out of the mapping.
	PageSize int
}

func (o Options) withDefaults() Options {
	if o.VirtualSize <= 0 {
		o.VirtualSize = 1 << 30 // 1 GiB virtual reservation
	}
	if o.PageSize <= 0 {
		o.PageSize = 32 << 10 // 32 KiB pages
	}
	return o
}

// freeSpaceItem orders pages within a relation's free-space index by free
// bytes first, then page id, so SlotBox can binary-search for the first page
// that fits an allocation (spec §4.1).
type freeSpaceItem struct {
	freeBytes int
	pageID    uint32
}

func lessFreeSpace(a, b freeSpaceItem) bool {
	if a.freeBytes != b.freeBytes {
		return a.freeBytes < b.freeBytes
	}
	return a.pageID < b.pageID
}

// SlotBox is the top-level allocator. One SlotBox backs every relation in a
// database; relations never share a page (spec §4.1 "never mixed").
type SlotBox struct {
	opt Options
	log *zap.Logger

	region mmap.MMap // the single anonymous mapping, sliced into pages

	mu          sync.Mutex // guards the bookkeeping below; brief, free-space only
	pages       []*Page
	freeByRel   map[uint8]*btree.BTreeG[freeSpaceItem]
	occupied    []bool // sparse bitset: page id -> ever claimed
	nextPageHint uint32
}

// Open reserves the virtual arena and returns a ready SlotBox.
func Open(opt Options, log *zap.Logger) (*SlotBox, error) {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	region, err := mmap.MapRegion(nil, opt.VirtualSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("slotbox: reserve virtual arena: %w", err)
	}
	pageCount := opt.VirtualSize / opt.PageSize
	sb := &SlotBox{
		opt:       opt,
		log:       log,
		region:    region,
		pages:     make([]*Page, pageCount),
		freeByRel: make(map[uint8]*btree.BTreeG[freeSpaceItem]),
		occupied:  make([]bool, pageCount),
	}
	return sb, nil
}

// Close releases the virtual arena back to the OS.
func (sb *SlotBox) Close() error {
	return sb.region.Unmap()
}

func (sb *SlotBox) pageBuf(id uint32) []byte {
	start := int(id) * sb.opt.PageSize
	return sb.region[start : start+sb.opt.PageSize]
}

func (sb *SlotBox) freeIndex(relation uint8) *btree.BTreeG[freeSpaceItem] {
	idx, ok := sb.freeByRel[relation]
	if !ok {
		idx = btree.NewG(32, lessFreeSpace)
		sb.freeByRel[relation] = idx
	}
	return idx
}

// claimPageLocked finds an unused page (walking the occupancy bitset) and
// assigns it to relation. Caller holds sb.mu.
func (sb *SlotBox) claimPageLocked(relation uint8) (*Page, error) {
	for i := 0; i < len(sb.pages); i++ {
		id := (sb.nextPageHint + uint32(i)) % uint32(len(sb.pages))
		if sb.occupied[id] {
			continue
		}
		sb.occupied[id] = true
		sb.nextPageHint = id + 1
		p := newPage(id, sb.pageBuf(id))
		p.relation = relation
		sb.pages[id] = p
		return p, nil
	}
	return nil, ErrBoxFull
}

// Allocate reserves size bytes for relation and returns the new TupleId.
func (sb *SlotBox) Allocate(size int, relation uint8, initial []byte) (TupleId, error) {
	usablePage := sb.opt.PageSize - 64 // header/overhead reserve
	if size > usablePage {
		return TupleId{}, ErrTupleTooLarge
	}

	sb.mu.Lock()
	idx := sb.freeIndex(relation)

	var target *Page
	idx.AscendGreaterOrEqual(freeSpaceItem{freeBytes: size}, func(item freeSpaceItem) bool {
		target = sb.pages[item.pageID]
		idx.Delete(item)
		return false
	})
	if target == nil {
		p, err := sb.claimPageLocked(relation)
		if err != nil {
			sb.mu.Unlock()
			return TupleId{}, err
		}
		target = p
	}
	sb.mu.Unlock()

	target.mu.Lock()
	slot, err := target.allocateLocked(size, initial)
	remaining := target.freeBytes()
	target.mu.Unlock()
	if err != nil {
		// Page turned out not to fit: its free-byte count can exceed its
		// largest contiguous free range (scattered holes), or a concurrent
		// writer changed it after the index was read. Put it back and report
		// the error to the caller.
		sb.mu.Lock()
		sb.freeIndex(relation).ReplaceOrInsert(freeSpaceItem{freeBytes: remaining, pageID: target.id})
		sb.mu.Unlock()
		return TupleId{}, err
	}

	sb.mu.Lock()
	sb.freeIndex(relation).ReplaceOrInsert(freeSpaceItem{freeBytes: remaining, pageID: target.id})
	sb.mu.Unlock()

	return TupleId{Page: target.id, Slot: slot}, nil
}

func (sb *SlotBox) pageAt(id uint32) (*Page, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if int(id) >= len(sb.pages) || sb.pages[id] == nil {
		return nil, ErrTupleNotFound
	}
	return sb.pages[id], nil
}

// Get returns an immutable view of tid's payload, valid while the caller
// holds no further references past this call's read lock scope. Callers
// that need the bytes beyond the immediate call must copy them.
func (sb *SlotBox) Get(tid TupleId) ([]byte, error) {
	p, err := sb.pageAt(tid.Page)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, err := p.getLocked(tid.Slot)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Update replaces tid's bytes, in place if the new size fits the old slot's
// footprint, otherwise freeing and reallocating (possibly under a new
// TupleId, which the caller must track).
func (sb *SlotBox) Update(relation uint8, tid TupleId, data []byte) (TupleId, error) {
	p, err := sb.pageAt(tid.Page)
	if err != nil {
		return TupleId{}, err
	}
	p.mu.Lock()
	e, ok := p.slots[tid.Slot]
	if !ok {
		p.mu.Unlock()
		return TupleId{}, ErrTupleNotFound
	}
	if len(data) <= e.size {
		copy(p.buf[e.offset:e.offset+len(data)], data)
		if shrink := e.size - len(data); shrink > 0 {
			p.liveBytes -= shrink
			p.addHoleLocked(freeRange{offset: e.offset + len(data), size: shrink})
		}
		e.size = len(data)
		p.mu.Unlock()
		return tid, nil
	}
	p.mu.Unlock()

	if err := sb.Remove(tid); err != nil {
		return TupleId{}, err
	}
	return sb.Allocate(len(data), relation, data)
}

// Remove drops tid's slot outright, regardless of refcount. Used when the
// caller already knows the tuple is uniquely owned (e.g. a relation
// tombstone being applied).
func (sb *SlotBox) Remove(tid TupleId) error {
	p, err := sb.pageAt(tid.Page)
	if err != nil {
		return err
	}
	p.mu.Lock()
	before := p.freeBytes()
	if err := p.removeLocked(tid.Slot); err != nil {
		p.mu.Unlock()
		return err
	}
	empty := p.isEmpty()
	free := p.freeBytes()
	rel := p.relation
	p.mu.Unlock()

	sb.mu.Lock()
	idx := sb.freeIndex(rel)
	idx.Delete(freeSpaceItem{freeBytes: before, pageID: p.id})
	idx.ReplaceOrInsert(freeSpaceItem{freeBytes: free, pageID: p.id})
	sb.mu.Unlock()

	if empty {
		sb.releasePage(p)
	}
	return nil
}

// Upcount increments tid's reference count.
func (sb *SlotBox) Upcount(tid TupleId) error {
	p, err := sb.pageAt(tid.Page)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.slots[tid.Slot]
	if !ok {
		return ErrTupleNotFound
	}
	e.refcount++
	return nil
}

// Dncount decrements tid's reference count, removing the slot once it hits
// zero. Removing the last live slot on a page triggers advisory release.
func (sb *SlotBox) Dncount(tid TupleId) error {
	p, err := sb.pageAt(tid.Page)
	if err != nil {
		return err
	}
	p.mu.Lock()
	e, ok := p.slots[tid.Slot]
	if !ok {
		p.mu.Unlock()
		return ErrTupleNotFound
	}
	e.refcount--
	dead := e.refcount <= 0
	p.mu.Unlock()
	if dead {
		return sb.Remove(tid)
	}
	return nil
}

// releasePage advises the OS that an emptied page's memory can be reclaimed.
// The page stays claimed by its relation (occupancy bit and free-space entry
// are kept), so later allocations for that relation reuse it.
func (sb *SlotBox) releasePage(p *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isEmpty() {
		return
	}
	buf := sb.pageBuf(p.id)
	if err := unix.Madvise(buf, unix.MADV_DONTNEED); err != nil {
		sb.log.Warn("slotbox: madvise DONTNEED failed", zap.Uint32("page", p.id), zap.Error(err))
	}
}

// MarkPageUsed lets recovery reinstate the allocator's free-space table for
// a page that the page store already knows about, without going through the
// normal allocate path.
func (sb *SlotBox) MarkPageUsed(relation uint8, pageID uint32, freeBytes int) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if int(pageID) >= len(sb.pages) {
		return fmt.Errorf("%w: page %d out of range", ErrIntegrity, pageID)
	}
	if sb.pages[pageID] == nil {
		p := newPage(pageID, sb.pageBuf(pageID))
		p.relation = relation
		p.inUse = true
		sb.pages[pageID] = p
	}
	sb.occupied[pageID] = true
	sb.freeIndex(relation).ReplaceOrInsert(freeSpaceItem{freeBytes: freeBytes, pageID: pageID})
	return nil
}

// UsedPages reports how many pages are currently claimed by any relation —
// used by the S1 scenario test to assert pages survive a full tombstone pass
// (spec §8.2 S1).
func (sb *SlotBox) UsedPages() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	n := 0
	for _, used := range sb.occupied {
		if used {
			n++
		}
	}
	return n
}

// PageLiveSlots reports the live slot count of page id, or -1 if unclaimed.
func (sb *SlotBox) PageLiveSlots(id uint32) int {
	sb.mu.Lock()
	p := sb.pages[id]
	sb.mu.Unlock()
	if p == nil {
		return -1
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveSlots
}
