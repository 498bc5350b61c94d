package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/rcache"
	"github.com/rdaum/moor-sub011/internal/relation"
)

type fakeDurable struct {
	commitErr error
	committed []uint64
}

func (f *fakeDurable) Commit(ts uint64) error {
	f.committed = append(f.committed, ts)
	return f.commitErr
}
func (f *fakeDurable) WaitForDurable(ts uint64, timeout time.Duration) error { return nil }

func TestCommitSuccessAppliesAndPersists(t *testing.T) {
	r := relation.New[int, string]("r", false, nil)
	tx := New(1, 0, rcache.NewBundle(), nil)

	h := relation.NewTxnHandle[int, string](r, tx.Timestamp())
	require.NoError(t, h.Insert(1, "a"))
	tx.Track(h)

	d := &fakeDurable{}
	res := tx.Commit(0, d, time.Second)
	assert.Equal(t, KindSuccess, res.Kind)
	assert.True(t, res.MutationsMade)
	assert.Equal(t, []uint64{1}, d.committed)

	row, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", row.Val)
}

func TestCommitSkipsConflictCheckWhenRootUnchanged(t *testing.T) {
	r := relation.New[int, string]("r", false, nil)
	h0 := relation.NewTxnHandle[int, string](r, 1)
	require.NoError(t, h0.Insert(1, "a"))
	r.Apply(h0.WorkingSet(), 1)

	// A transaction that observed a stale ts for key 1 would normally
	// conflict, but since currentRootVersion == startVersion here, the
	// check is skipped and the stale Update goes through.
	tx := New(2, 5, rcache.NewBundle(), nil)
	h := relation.NewTxnHandle[int, string](r, 2)
	require.NoError(t, h.Update(1, "b"))
	tx.Track(h)

	// Another writer rewrites key 1 after h observed it, so h's ts is stale.
	other := relation.NewTxnHandle[int, string](r, 3)
	require.NoError(t, other.Update(1, "c"))
	r.Apply(other.WorkingSet(), 3)

	res := tx.Commit(5, &fakeDurable{}, time.Second)
	assert.Equal(t, KindSuccess, res.Kind)
}

func TestCommitDetectsConflictWhenRootMoved(t *testing.T) {
	r := relation.New[string, string]("r", false, nil)

	t1 := relation.NewTxnHandle[string, string](r, 10)
	_, ok, err := t1.SeekByDomain("K")
	require.NoError(t, err)
	require.False(t, ok)

	t2 := relation.NewTxnHandle[string, string](r, 11)
	require.NoError(t, t2.Insert("K", "v"))
	r.Apply(t2.WorkingSet(), 11)

	require.NoError(t, t1.Insert("K", "w"))
	tx := New(10, 0, rcache.NewBundle(), nil)
	tx.Track(t1)

	res := tx.Commit(1, &fakeDurable{}, time.Second)
	assert.Equal(t, KindConflictRetry, res.Kind)
	assert.ErrorIs(t, res.Err, relation.ErrConflict)
}

func TestCommitIntegrityFailureDistinctFromConflict(t *testing.T) {
	r := relation.New[int, string]("r", false, nil)
	h := relation.NewTxnHandle[int, string](r, 1)
	require.NoError(t, h.Insert(1, "a"))
	tx := New(1, 0, rcache.NewBundle(), nil)
	tx.Track(h)

	boom := &fakeDurable{commitErr: assertErr{}}
	res := tx.Commit(0, boom, time.Second)
	assert.Equal(t, KindConflictRetry, res.Kind)
	assert.ErrorIs(t, res.Err, ErrIntegrityFailure)
}

type assertErr struct{}

func (assertErr) Error() string { return "durable write failed" }

func TestCommitReadOnlyReportsCacheChange(t *testing.T) {
	r := relation.New[int, string]("r", false, nil)
	h := relation.NewTxnHandle[int, string](r, 1)
	_, _, _ = h.SeekByDomain(1) // read-only, no mutation

	tx := New(1, 0, rcache.NewBundle(), nil)
	tx.Track(h)
	tx.Caches.Verbs.FillMiss(moorvar.NewNumeric(1), moorvar.Intern("look"))

	res := tx.Commit(0, &fakeDurable{}, time.Second)
	assert.Equal(t, KindSuccess, res.Kind)
	assert.False(t, res.MutationsMade)
	assert.True(t, res.CachesChanged)
}
