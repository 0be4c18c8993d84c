package installer

import (
	"github.com/vitaliisemenov/multipkg/internal/core"
)

// VersionReorder sorts (name, version) pairs newest-first per name so that
// downgrades always execute after the newest version is in place, which is
// the trigger condition for bubble creation.
//
// The requirements are grouped by name, each group is sorted descending by
// semantic version (pre-release aware), and the groups are interleaved back
// in their original first-appearance order:
//
//	[A==1.0, A==2.0, B==3.0] → [A==2.0, A==1.0, B==3.0]
func VersionReorder(reqs []core.Requirement) []core.Requirement {
	groups := make(map[string][]core.Requirement)
	order := make([]string, 0, len(reqs))

	for _, req := range reqs {
		if _, seen := groups[req.Name]; !seen {
			order = append(order, req.Name)
		}
		groups[req.Name] = append(groups[req.Name], req)
	}

	for _, name := range order {
		group := groups[name]
		sortRequirementsDescending(group)
	}

	out := make([]core.Requirement, 0, len(reqs))
	for _, name := range order {
		out = append(out, groups[name]...)
	}
	return out
}

// sortRequirementsDescending orders a single-name group newest-first.
// Unpinned requirements sort ahead of pinned ones: "latest" is by
// definition the newest.
func sortRequirementsDescending(group []core.Requirement) {
	// Insertion sort keeps the stable ordering for equal versions; groups
	// are tiny.
	for i := 1; i < len(group); i++ {
		for j := i; j > 0 && requirementNewer(group[j], group[j-1]); j-- {
			group[j], group[j-1] = group[j-1], group[j]
		}
	}
}

func requirementNewer(a, b core.Requirement) bool {
	switch {
	case a.Version == nil && b.Version == nil:
		return false
	case a.Version == nil:
		return true
	case b.Version == nil:
		return false
	default:
		return a.Version.Compare(b.Version) > 0
	}
}
