package slotbox

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFillAndEmpty mirrors scenario S1: insert tuples of random sizes until
// the box reports full, read every one back, remove them all, and confirm
// the pages are reusable (live slot count returns to zero) rather than
// leaked.
func TestFillAndEmpty(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 256 << 10, PageSize: 8 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	rng := rand.New(rand.NewSource(1))
	var ids []TupleId
	var payloads [][]byte
	for {
		size := 16 + rng.Intn(512)
		payload := make([]byte, size)
		rng.Read(payload)
		tid, err := sb.Allocate(size, 3, payload)
		if errors.Is(err, ErrBoxFull) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, tid)
		payloads = append(payloads, payload)
		if len(ids) > 5000 {
			t.Fatal("allocator never reported full")
		}
	}
	require.NotEmpty(t, ids)

	for i, tid := range ids {
		got, err := sb.Get(tid)
		require.NoError(t, err)
		require.Equal(t, payloads[i], got)
	}

	for _, tid := range ids {
		require.NoError(t, sb.Remove(tid))
	}

	require.Greater(t, sb.UsedPages(), 0)
	for id := uint32(0); id < uint32(len(sb.pages)); id++ {
		if n := sb.PageLiveSlots(id); n >= 0 {
			require.Equal(t, 0, n)
		}
	}

	for _, tid := range ids {
		_, err := sb.Get(tid)
		require.ErrorIs(t, err, ErrTupleNotFound)
	}
}

// TestAllocatorConservation checks that allocating and freeing tuples never
// grows the box's reported used-page count beyond what's actually reachable
// — repeated churn of the same working set should stabilize, not leak pages.
func TestAllocatorConservation(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 2 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	for round := 0; round < 20; round++ {
		var ids []TupleId
		for i := 0; i < 10; i++ {
			tid, err := sb.Allocate(100, 1, make([]byte, 100))
			require.NoError(t, err)
			ids = append(ids, tid)
		}
		for _, tid := range ids {
			require.NoError(t, sb.Remove(tid))
		}
	}
	// Every round reuses the one page claimed in round 0; an emptied page
	// stays claimed by its relation.
	require.Equal(t, 1, sb.UsedPages())
}

func TestTupleTooLarge(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	_, err = sb.Allocate(8<<10, 1, nil)
	require.ErrorIs(t, err, ErrTupleTooLarge)
}

func TestUpdateInPlaceVsRealloc(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	tid, err := sb.Allocate(32, 2, make([]byte, 32))
	require.NoError(t, err)

	smaller := make([]byte, 16)
	for i := range smaller {
		smaller[i] = byte(i)
	}
	tid2, err := sb.Update(2, tid, smaller)
	require.NoError(t, err)
	require.Equal(t, tid, tid2)

	got, err := sb.Get(tid2)
	require.NoError(t, err)
	require.Equal(t, smaller, got)
}

// TestRemoveOutOfOrderDoesNotCorruptSurvivor exercises the scenario the
// bump allocator used to get wrong: remove a tuple that isn't the
// most-recently-allocated one on its page, allocate a new tuple that fits
// in the resulting hole, and confirm the still-live neighbor's bytes are
// untouched.
func TestRemoveOutOfOrderDoesNotCorruptSurvivor(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	first, err := sb.Allocate(32, 5, bytesOf(32, 0xaa))
	require.NoError(t, err)
	survivor, err := sb.Allocate(32, 5, bytesOf(32, 0xbb))
	require.NoError(t, err)

	require.NoError(t, sb.Remove(first))

	replacement, err := sb.Allocate(32, 5, bytesOf(32, 0xcc))
	require.NoError(t, err)

	got, err := sb.Get(survivor)
	require.NoError(t, err)
	require.Equal(t, bytesOf(32, 0xbb), got, "removing an earlier slot must not corrupt a later live one")

	got, err = sb.Get(replacement)
	require.NoError(t, err)
	require.Equal(t, bytesOf(32, 0xcc), got)
}

// TestUpdateReallocAfterRemoveDoesNotCorruptSurvivor mirrors SlotBox.Update's
// real remove-then-reallocate path (slotbox.go Update): the grown
// free-space entry for a page can hand the very next Allocate call back the
// same page, which must not land inside another live slot.
func TestUpdateReallocAfterRemoveDoesNotCorruptSurvivor(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	grower, err := sb.Allocate(16, 7, bytesOf(16, 0x11))
	require.NoError(t, err)
	survivor, err := sb.Allocate(16, 7, bytesOf(16, 0x22))
	require.NoError(t, err)

	grown, err := sb.Update(7, grower, bytesOf(64, 0x33))
	require.NoError(t, err)

	got, err := sb.Get(survivor)
	require.NoError(t, err)
	require.Equal(t, bytesOf(16, 0x22), got, "growing/reallocating one tuple must not corrupt another live one")

	got, err = sb.Get(grown)
	require.NoError(t, err)
	require.Equal(t, bytesOf(64, 0x33), got)
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestUpcountDncount(t *testing.T) {
	sb, err := Open(Options{VirtualSize: 1 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	defer sb.Close()

	tid, err := sb.Allocate(8, 1, []byte("12345678"))
	require.NoError(t, err)
	require.NoError(t, sb.Upcount(tid))

	require.NoError(t, sb.Dncount(tid))
	_, err = sb.Get(tid)
	require.NoError(t, err, "still referenced once after a single Dncount")

	require.NoError(t, sb.Dncount(tid))
	_, err = sb.Get(tid)
	require.ErrorIs(t, err, ErrTupleNotFound)
}
