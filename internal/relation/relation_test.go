package relation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSeekUpdateTombstone(t *testing.T) {
	r := New[int, string]("test", false, nil)

	h := NewTxnHandle[int, string](r, 1)
	require.NoError(t, h.Insert(1, "a"))
	ws := h.WorkingSet()
	require.NoError(t, r.CheckConflicts(ws))
	mutated, _ := r.Apply(ws, 1)
	assert.True(t, mutated)

	h2 := NewTxnHandle[int, string](r, 2)
	val, ok, err := h2.SeekByDomain(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", val)

	require.NoError(t, h2.Update(1, "b"))
	require.NoError(t, r.CheckConflicts(h2.WorkingSet()))
	r.Apply(h2.WorkingSet(), 2)

	h3 := NewTxnHandle[int, string](r, 3)
	require.NoError(t, h3.RemoveByDomain(1))
	r.Apply(h3.WorkingSet(), 3)

	_, ok, _ = NewTxnHandle[int, string](r, 4).SeekByDomain(1)
	assert.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	r := New[int, string]("test", false, nil)
	h := NewTxnHandle[int, string](r, 1)
	require.NoError(t, h.Insert(1, "a"))
	r.Apply(h.WorkingSet(), 1)

	h2 := NewTxnHandle[int, string](r, 2)
	err := h2.Insert(1, "b")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpdateMissingRejected(t *testing.T) {
	r := New[int, string]("test", false, nil)
	h := NewTxnHandle[int, string](r, 1)
	err := h.Update(1, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSnapshotIsolationConflict mirrors scenario S2 from the spec: T1 reads
// an absent key and starts; T2 inserts it and commits; T1's own insert of
// the same key must now conflict because canonical state moved since T1's
// read.
func TestSnapshotIsolationConflict(t *testing.T) {
	r := New[string, string]("k", false, nil)

	t1 := NewTxnHandle[string, string](r, 1)
	_, ok, err := t1.SeekByDomain("K")
	require.NoError(t, err)
	assert.False(t, ok)

	t2 := NewTxnHandle[string, string](r, 2)
	require.NoError(t, t2.Insert("K", "v"))
	require.NoError(t, r.CheckConflicts(t2.WorkingSet()))
	r.Apply(t2.WorkingSet(), 2)

	require.NoError(t, t1.Insert("K", "w"))
	err = r.CheckConflicts(t1.WorkingSet())
	assert.True(t, errors.Is(err, ErrConflict))

	row, ok := r.Get("K")
	require.True(t, ok)
	assert.Equal(t, "v", row.Val)
}

func TestReverseIndexMaterializesIntoWorkingSet(t *testing.T) {
	r := New[int, string]("r", true, func(s string) string { return s })
	h := NewTxnHandle[int, string](r, 1)
	require.NoError(t, h.Insert(1, "room"))
	require.NoError(t, h.Insert(2, "room"))
	r.Apply(h.WorkingSet(), 1)

	h2 := NewTxnHandle[int, string](r, 2)
	domains, err := h2.SeekByCodomain("room")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, domains)
}

func TestPredicateScanOverlaysWorkingSet(t *testing.T) {
	r := New[int, int]("r", false, nil)
	h := NewTxnHandle[int, int](r, 1)
	require.NoError(t, h.Insert(1, 10))
	require.NoError(t, h.Insert(2, 20))
	r.Apply(h.WorkingSet(), 1)

	h2 := NewTxnHandle[int, int](r, 2)
	require.NoError(t, h2.RemoveByDomain(1))
	require.NoError(t, h2.Insert(3, 30))

	results := h2.PredicateScan(func(d int, v int) bool { return v >= 10 })
	assert.ElementsMatch(t, []int{2, 3}, results)
}
