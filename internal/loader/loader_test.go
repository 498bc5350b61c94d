package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/pagestore"
	"github.com/rdaum/moor-sub011/internal/provider"
	"github.com/rdaum/moor-sub011/internal/relation"
	"github.com/rdaum/moor-sub011/internal/slotbox"
)

func encodeVar(v moorvar.Var) ([]byte, error) { return moorvar.Encode(v) }

type testHarness struct {
	store *pagestore.Store
	slots *slotbox.SlotBox
}

func newHarness(t *testing.T, relations ...string) *testHarness {
	t.Helper()
	store, err := pagestore.Open(pagestore.Options{DataDir: t.TempDir(), RelationNames: relations}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	slots, err := slotbox.Open(slotbox.Options{VirtualSize: 4 << 20, PageSize: 4 << 10}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { slots.Close() })

	return &testHarness{store: store, slots: slots}
}

// TestBulkLoadCommitsOnceAcrossRelations loads rows into two distinct
// relations through one Session and checks that a single commit persists
// both, seeds the canonical maps, and is durably readable back out.
func TestBulkLoadCommitsOnceAcrossRelations(t *testing.T) {
	h := newHarness(t, "object_name", "object_owner")
	nameRel := relation.New[moorvar.Obj, moorvar.Var]("object_name", false, nil)
	ownerRel := relation.New[moorvar.Obj, moorvar.Var]("object_owner", false, nil)
	nameProv := provider.New("object_name", 0, h.store, h.slots)
	ownerProv := provider.New("object_owner", 1, h.store, h.slots)

	session, err := NewSession(h.store, nil)
	require.NoError(t, err)

	names := NewTable[moorvar.Obj, moorvar.Var](session, nameRel, nameProv, encodeVar)
	owners := NewTable[moorvar.Obj, moorvar.Var](session, ownerRel, ownerProv, encodeVar)

	o1, o2 := moorvar.NewNumeric(1), moorvar.NewNumeric(2)
	require.NoError(t, names.Load(o1, moorvar.FromObj(o1)))
	require.NoError(t, names.Load(o2, moorvar.FromObj(o2)))
	require.NoError(t, owners.Load(o1, moorvar.FromObj(moorvar.Nothing)))

	row, ok := nameRel.Get(o1)
	require.True(t, ok, "canonical map is seeded immediately, before Commit")
	require.Equal(t, session.Timestamp(), row.Ts)

	require.NoError(t, session.Commit(2*time.Second))

	require.NoError(t, h.store.WaitForBarrier(session.Timestamp(), time.Second))

	found := 0
	require.NoError(t, h.store.ScanRelation("object_name", func(uint64, []byte) error { found++; return nil }))
	require.Equal(t, 2, found)

	found = 0
	require.NoError(t, h.store.ScanRelation("object_owner", func(uint64, []byte) error { found++; return nil }))
	require.Equal(t, 1, found)
}

func TestBulkLoadEmptySessionCommitIsNoop(t *testing.T) {
	h := newHarness(t, "object_name")
	session, err := NewSession(h.store, nil)
	require.NoError(t, err)
	require.NoError(t, session.Commit(time.Second))
}

// TestSnapshotReaderIsReadOnlySinceLoad mirrors the loader->dump handoff:
// after a bulk Session commits, a Reader waits for that same timestamp and
// exposes the result as a RelationScan that matches what was loaded.
func TestSnapshotReaderIsReadOnlySinceLoad(t *testing.T) {
	h := newHarness(t, "object_name")
	nameRel := relation.New[moorvar.Obj, moorvar.Var]("object_name", false, nil)
	nameProv := provider.New("object_name", 0, h.store, h.slots)

	session, err := NewSession(h.store, nil)
	require.NoError(t, err)
	names := NewTable[moorvar.Obj, moorvar.Var](session, nameRel, nameProv, encodeVar)

	o1 := moorvar.NewNumeric(1)
	require.NoError(t, names.Load(o1, moorvar.FromObj(o1)))
	require.NoError(t, session.Commit(2*time.Second))

	reader, err := NewReader(h.store, session.Timestamp(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(), reader.AsOf())

	scan := Snapshot[moorvar.Obj, moorvar.Var](reader, nameRel)
	require.Equal(t, 1, scan.Len())

	v, ts, ok := scan.Get(o1)
	require.True(t, ok)
	require.Equal(t, session.Timestamp(), ts)
	require.True(t, v.Equal(moorvar.FromObj(o1)))

	seen := make(map[moorvar.Obj]bool)
	scan.Each(func(d moorvar.Obj, v moorvar.Var) { seen[d] = true })
	require.True(t, seen[o1])

	// Mutating the live relation after the snapshot was taken must not be
	// visible through the already-taken scan.
	nameRel.Load(moorvar.NewNumeric(2), session.Timestamp()+1, moorvar.FromObj(moorvar.NewNumeric(2)))
	require.Equal(t, 1, scan.Len())
}
