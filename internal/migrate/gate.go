// Package migrate implements the on-open migration gate: it reads the
// durable version marker, and when the store was last written by an older
// (but still accepted) major version, copies the whole directory aside,
// runs the upgrade sequence against the copy, and atomically swaps it in
// (spec §4.6, scenario S7).
package migrate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/rdaum/moor-sub011/internal/pagestore"
)

// UpgradeFunc transforms the directory at migratingDir (a full copy of the
// original) in place, leaving it valid for sourceVersion+1's major version.
// It is responsible for writing the new version marker before returning.
type UpgradeFunc func(migratingDir string, sourceVersion Version) error

// ErrIncompatibleVersion is returned when the on-disk version is neither
// current nor a known upgrade source (spec §4.6 item 4).
type ErrIncompatibleVersion struct {
	Found, Required Version
}

func (e *ErrIncompatibleVersion) Error() string {
	return fmt.Sprintf("migrate: on-disk version %s is not compatible with required %s", e.Found, e.Required)
}

// Gate runs the migration check and swap dance for one database directory.
type Gate struct {
	log            *zap.Logger
	currentVersion Version
	upgrade        UpgradeFunc
}

func NewGate(current Version, upgrade UpgradeFunc, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{log: log, currentVersion: current, upgrade: upgrade}
}

// Open runs the gate against dir: cleans up any stale sidecar left by a
// crash mid-migration, checks the version marker, and migrates in place if
// needed. It must be called before any relation in dir is opened.
func (g *Gate) Open(dir string) error {
	lock := flock.New(dir + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("migrate: lock %s: %w", dir, err)
	}
	defer lock.Unlock()

	if err := g.recoverStaleSidecars(dir); err != nil {
		return err
	}

	found, err := readVersion(dir)
	if err != nil {
		return err
	}
	if found == (Version{}) {
		// Fresh store: nothing to migrate, and the gate writes no marker;
		// moordb.Open stamps the current version after opening the store.
		return nil
	}
	if !found.NeedsMigration(g.currentVersion) {
		return nil
	}
	if !found.IsUpgradeSourceFor(g.currentVersion) {
		return &ErrIncompatibleVersion{Found: found, Required: g.currentVersion}
	}

	migratingDir := dir + ".migrating"
	oldDir := dir + ".old"

	if err := copyDir(dir, migratingDir); err != nil {
		os.RemoveAll(migratingDir)
		return fmt.Errorf("migrate: copy to %s: %w", migratingDir, err)
	}
	if err := g.upgrade(migratingDir, found); err != nil {
		os.RemoveAll(migratingDir)
		return fmt.Errorf("migrate: upgrade step: %w", err)
	}

	if err := os.Rename(dir, oldDir); err != nil {
		os.RemoveAll(migratingDir)
		return fmt.Errorf("migrate: rename original aside: %w", err)
	}
	if err := os.Rename(migratingDir, dir); err != nil {
		// Original is still intact at oldDir; restore it so the directory
		// isn't left in a half-swapped state.
		os.Rename(oldDir, dir)
		return fmt.Errorf("migrate: swap in migrated copy: %w", err)
	}
	if err := os.RemoveAll(oldDir); err != nil {
		g.log.Warn("migrate: failed to remove .old sidecar after successful swap", zap.Error(err))
	}
	return nil
}

// recoverStaleSidecars resolves the sidecar states a crash can leave behind
// mid-swap (spec §4.6 item 3 "any failure aborts with the original
// intact", plus scenario S7's crash-recovery clause).
func (g *Gate) recoverStaleSidecars(dir string) error {
	migratingDir := dir + ".migrating"
	oldDir := dir + ".old"
	dirExists := exists(dir)
	migratingExists := exists(migratingDir)
	oldExists := exists(oldDir)

	switch {
	case dirExists && migratingExists && !oldExists:
		// Crash before the rename dance started (or mid-copy): the
		// original is untouched, discard the half-made copy and retry.
		g.log.Warn("migrate: removing stale .migrating sidecar from a prior crash", zap.String("dir", migratingDir))
		return os.RemoveAll(migratingDir)
	case !dirExists && migratingExists && oldExists:
		// Crash between "rename original -> .old" and "rename .migrating
		// -> original": finish the swap.
		g.log.Warn("migrate: resuming interrupted swap", zap.String("dir", dir))
		if err := os.Rename(migratingDir, dir); err != nil {
			return fmt.Errorf("migrate: resume swap rename: %w", err)
		}
		return os.RemoveAll(oldDir)
	case !dirExists && !migratingExists && oldExists:
		// Crash after "rename original -> .old" but before the migrated
		// copy was renamed in (or it vanished): restore the original.
		g.log.Warn("migrate: restoring original from .old sidecar", zap.String("dir", dir))
		return os.Rename(oldDir, dir)
	case dirExists && !migratingExists && oldExists:
		// Swap completed; .old just wasn't cleaned up yet.
		g.log.Warn("migrate: removing leftover .old sidecar from a prior successful swap", zap.String("dir", oldDir))
		return os.RemoveAll(oldDir)
	default:
		return nil
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// readVersion opens dir's sequences partition just long enough to read the
// version marker, reusing pagestore's own bucket layout rather than
// hand-parsing bbolt pages directly.
func readVersion(dir string) (Version, error) {
	if !exists(dir) {
		return Version{}, nil
	}
	s, err := pagestore.Open(pagestore.Options{DataDir: dir}, nil)
	if err != nil {
		return Version{}, fmt.Errorf("migrate: open %s to read version: %w", dir, err)
	}
	defer s.Close()
	marker, err := s.Version()
	if err != nil {
		return Version{}, err
	}
	if marker == "" {
		return Version{}, nil
	}
	return ParseVersion(marker)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
