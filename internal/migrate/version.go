package migrate

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed release-prefixed semantic version, e.g. "release-3.2.0".
type Version struct {
	Major, Minor, Patch int
}

const versionPrefix = "release-"

// ParseVersion parses a "release-X.Y.Z" marker.
func ParseVersion(s string) (Version, error) {
	if !strings.HasPrefix(s, versionPrefix) {
		return Version{}, fmt.Errorf("migrate: version %q missing %q prefix", s, versionPrefix)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, versionPrefix), ".", 3)
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("migrate: version %q is not major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("migrate: version %q: %w", s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%s%d.%d.%d", versionPrefix, v.Major, v.Minor, v.Patch)
}

// NeedsMigration reports whether moving from v to target requires running
// the upgrade sequence: only a major-version difference does (spec §4.6).
func (v Version) NeedsMigration(target Version) bool {
	return v.Major != target.Major
}

// IsUpgradeSourceFor reports whether v is an older, still-accepted version
// that target's upgrade sequence knows how to migrate from: any major
// version strictly below target's, with no gap the upgrade steps don't
// cover. This implementation accepts exactly one major version back; wider
// gaps are unknown/incompatible per spec §4.6 item 4.
func (v Version) IsUpgradeSourceFor(target Version) bool {
	return target.Major-v.Major == 1 && v.Major >= 0
}
