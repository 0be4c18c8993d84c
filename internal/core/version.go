package core

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions compares two version strings using semantic version
// ordering with pre-release rules. Unparseable versions fall back to
// lexicographic comparison so that sorting never fails mid-operation.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return va.Compare(vb)
}

// SortVersionsDescending sorts version strings newest-first in place.
func SortVersionsDescending(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) > 0
	})
}

// NewestVersion returns the newest of the given versions, or "" for an
// empty slice.
func NewestVersion(versions []string) string {
	newest := ""
	for _, v := range versions {
		if newest == "" || CompareVersions(v, newest) > 0 {
			newest = v
		}
	}
	return newest
}
