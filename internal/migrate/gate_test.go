package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdaum/moor-sub011/internal/pagestore"
)

func TestParseVersionAndCompatibility(t *testing.T) {
	v, err := ParseVersion("release-3.2.1")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 3, Minor: 2, Patch: 1}, v)
	assert.Equal(t, "release-3.2.1", v.String())

	target := Version{Major: 4, Minor: 0, Patch: 0}
	assert.True(t, v.NeedsMigration(target))
	assert.True(t, v.IsUpgradeSourceFor(target))

	tooOld := Version{Major: 1, Minor: 0, Patch: 0}
	assert.False(t, tooOld.IsUpgradeSourceFor(target))
}

func makeStoreAt(t *testing.T, dir, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	s, err := pagestore.Open(pagestore.Options{DataDir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetVersion(version))
	require.NoError(t, s.Close())
}

// TestMigrationSwap mirrors scenario S7: a directory marked with an older
// accepted version is migrated in place; afterward no sidecar remains and
// the version marker matches current.
func TestMigrationSwap(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "store")
	makeStoreAt(t, dir, "release-3.0.0")

	current := Version{Major: 4, Minor: 0, Patch: 0}
	ran := false
	gate := NewGate(current, func(migratingDir string, source Version) error {
		ran = true
		assert.Equal(t, Version{Major: 3}, Version{Major: source.Major})
		s, err := pagestore.Open(pagestore.Options{DataDir: migratingDir}, nil)
		require.NoError(t, err)
		defer s.Close()
		return s.SetVersion(current.String())
	}, nil)

	require.NoError(t, gate.Open(dir))
	assert.True(t, ran)

	assert.NoDirExists(t, dir+".migrating")
	assert.NoDirExists(t, dir+".old")

	s, err := pagestore.Open(pagestore.Options{DataDir: dir}, nil)
	require.NoError(t, err)
	defer s.Close()
	marker, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, current.String(), marker)
}

func TestMigrationRecoversStaleMigratingSidecar(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "store")
	makeStoreAt(t, dir, "release-4.0.0")
	require.NoError(t, os.MkdirAll(dir+".migrating", 0o755))

	current := Version{Major: 4, Minor: 0, Patch: 0}
	gate := NewGate(current, func(string, Version) error { return nil }, nil)
	require.NoError(t, gate.Open(dir))
	assert.NoDirExists(t, dir+".migrating")
}

func TestMigrationResumesInterruptedSwap(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "store")
	current := Version{Major: 4}
	makeStoreAt(t, dir, "release-3.0.0")
	makeStoreAt(t, dir+".migrating", current.String())
	require.NoError(t, os.Rename(dir, dir+".old"))

	gate := NewGate(current, func(string, Version) error { return nil }, nil)
	require.NoError(t, gate.Open(dir))
	assert.DirExists(t, dir)
	assert.NoDirExists(t, dir+".old")
	assert.NoDirExists(t, dir+".migrating")
}

func TestIncompatibleVersionRejected(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "store")
	makeStoreAt(t, dir, "release-0.1.0")

	current := Version{Major: 4}
	gate := NewGate(current, func(string, Version) error { return nil }, nil)
	err := gate.Open(dir)
	var incompat *ErrIncompatibleVersion
	require.ErrorAs(t, err, &incompat)
}
