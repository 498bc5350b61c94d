package moordb

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/schema"
	"github.com/rdaum/moor-sub011/internal/txn"
)

func mustCommit(t *testing.T, tx *Txn) {
	t.Helper()
	result := tx.Commit()
	require.Equal(t, txn.KindSuccess, result.Kind)
}

func TestCreateAndGetCoreFields(t *testing.T) {
	db := openTestDB(t)
	obj, owner := testObj(1), testObj(0)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(obj, owner, "thing", 7))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	valid, err := tx2.Valid(obj)
	require.NoError(t, err)
	require.True(t, valid)

	flags, ok, err := tx2.GetFlags(obj)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), flags)
}

// TestSetParentBuildsAncestorChain checks that Ancestors walks the parent
// chain all the way to the terminal moorvar.Nothing sentinel.
func TestSetParentBuildsAncestorChain(t *testing.T) {
	db := openTestDB(t)
	base, child := testObj(1), testObj(2)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(base, base, "base", 0))
	require.NoError(t, tx.Create(child, base, "child", 0))
	require.NoError(t, tx.SetParent(child, base))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	chain, err := tx2.Ancestors(child)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, chain[0].Equal(base))
	require.True(t, chain[1].IsNothing())

	children, err := tx2.Children(base)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.True(t, children[0].Equal(child))
}

// TestSetLocationDetectsCycle confirms Move's cycle check surfaces through
// the transactional surface and leaves no partial mutation behind.
func TestSetLocationDetectsCycle(t *testing.T) {
	db := openTestDB(t)
	room, box := testObj(1), testObj(2)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(room, room, "room", 0))
	require.NoError(t, tx.Create(box, room, "box", 0))
	require.NoError(t, tx.SetLocation(box, room))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	err = tx2.SetLocation(room, box)
	require.Error(t, err)

	loc, ok, err := tx2.GetLocation(room)
	require.NoError(t, err)
	require.False(t, ok)
	_ = loc
}

// TestResolveVerbInheritsFromAncestor checks that a verb defined on a
// parent resolves on its child through the ancestry walk, and that a
// repeated resolve still reports the correct definer (exercising the
// verb/ancestry cache fill-and-hit paths).
func TestResolveVerbInheritsFromAncestor(t *testing.T) {
	db := openTestDB(t)
	base, child := testObj(1), testObj(2)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(base, base, "base", 0))
	require.NoError(t, tx.Create(child, base, "child", 0))
	require.NoError(t, tx.SetParent(child, base))

	def := schema.VerbDef{UUID: uuid.New(), Names: []string{"look"}, Owner: base}
	require.NoError(t, tx.AddVerb(base, def, []byte("return 1;")))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	definer, found, ok, err := tx2.ResolveVerb(child, "look")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, definer.Equal(base))
	require.Equal(t, def.UUID, found.UUID)

	// second resolve should hit the now-filled cache and agree.
	definer2, found2, ok2, err := tx2.ResolveVerb(child, "look")
	require.NoError(t, err)
	require.True(t, ok2)
	require.True(t, definer2.Equal(base))
	require.Equal(t, def.UUID, found2.UUID)
}

// TestDefinePropertyResolvesAndDeletes exercises DefineProperty,
// ResolveProperty's ancestry walk, and DeleteProperty's cleanup of the
// value/perms rows it owns.
func TestDefinePropertyResolvesAndDeletes(t *testing.T) {
	db := openTestDB(t)
	base, child := testObj(1), testObj(2)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(base, base, "base", 0))
	require.NoError(t, tx.Create(child, base, "child", 0))
	require.NoError(t, tx.SetParent(child, base))

	def := schema.PropDef{UUID: uuid.New(), Name: "description", Owner: base}
	require.NoError(t, tx.DefineProperty(base, def, moorvar.FromObj(moorvar.Nothing), schema.PropPerms{Owner: base}))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	definer, found, ok, err := tx2.ResolveProperty(child, "description")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, definer.Equal(base))
	require.Equal(t, def.UUID, found.UUID)

	require.NoError(t, tx2.DeleteProperty(base, def.UUID))
	mustCommit(t, tx2)

	tx3, err := db.Begin()
	require.NoError(t, err)
	_, ok, err = tx3.ResolveProperty(base, "description")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRecycleRemovesOwnRows confirms Recycle clears every relation obj can
// appear as the domain of, without erroring on relations it never touched.
func TestRecycleRemovesOwnRows(t *testing.T) {
	db := openTestDB(t)
	obj := testObj(5)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Create(obj, obj, "thing", 0))
	mustCommit(t, tx)

	tx2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Recycle(obj))
	mustCommit(t, tx2)

	tx3, err := db.Begin()
	require.NoError(t, err)
	valid, err := tx3.Valid(obj)
	require.NoError(t, err)
	require.False(t, valid)
}
