// Package heal analyzes failed script runs and derives healing plans: the
// requirements to satisfy (usually by building a bubble) before re-running.
//
// The recognized error patterns are a first-class table so that the set is
// inspectable and unit-tested, not folklore buried in string matching.
package heal

import (
	"regexp"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// Pattern is one recognized error shape. Extract derives requirements from
// the regex captures.
type Pattern struct {
	// Name identifies the pattern in logs and tests.
	Name string
	// Regex matches against the failed run's stderr.
	Regex *regexp.Regexp
	// Extract builds the requirement from one match's capture groups.
	Extract func(match []string) (core.Requirement, bool)
}

// pinned builds a name==version requirement from two capture groups.
func pinned(name, version string) (core.Requirement, bool) {
	req, err := core.ParseRequirement(name + "==" + version)
	if err != nil {
		return core.Requirement{}, false
	}
	return req, true
}

// unpinned builds a bare-name requirement.
func unpinned(name string) (core.Requirement, bool) {
	req, err := core.ParseRequirement(name)
	if err != nil {
		return core.Requirement{}, false
	}
	return req, true
}

// Table is the recognized pattern set, checked in order. Earlier patterns
// are more specific; the first match per requirement wins.
var Table = []Pattern{
	{
		Name:  "version-conflict",
		Regex: regexp.MustCompile(`VersionConflict.*?Requirement\.parse\('([A-Za-z0-9._-]+)==([^']+)'\)`),
		Extract: func(m []string) (core.Requirement, bool) {
			return pinned(m[1], m[2])
		},
	},
	{
		Name:  "requires-pinned",
		Regex: regexp.MustCompile(`(?m)requires ([A-Za-z0-9._-]+)==([0-9][A-Za-z0-9._+-]*)`),
		Extract: func(m []string) (core.Requirement, bool) {
			return pinned(m[1], m[2])
		},
	},
	{
		Name:  "version-assertion",
		Regex: regexp.MustCompile(`AssertionError.*?([A-Za-z0-9._-]+) version must be ([0-9][A-Za-z0-9._+-]*)`),
		Extract: func(m []string) (core.Requirement, bool) {
			return pinned(m[1], m[2])
		},
	},
	{
		Name:  "distribution-not-found",
		Regex: regexp.MustCompile(`DistributionNotFound.*?'([A-Za-z0-9._-]+)(?:==([^'\s]+))?'`),
		Extract: func(m []string) (core.Requirement, bool) {
			if m[2] != "" {
				return pinned(m[1], m[2])
			}
			return unpinned(m[1])
		},
	},
	{
		Name:  "module-not-found",
		Regex: regexp.MustCompile(`ModuleNotFoundError: No module named '([A-Za-z0-9._-]+)'`),
		Extract: func(m []string) (core.Requirement, bool) {
			return unpinned(m[1])
		},
	},
}

// Analyze scans stderr against the table and assembles a healing plan with
// one requirement per distinct package. Returns nil when nothing matched.
func Analyze(stderr string, maxAttempts int) *core.HealingPlan {
	seen := map[string]bool{}
	var reqs []core.Requirement

	for _, pattern := range Table {
		for _, match := range pattern.Regex.FindAllStringSubmatch(stderr, -1) {
			req, ok := pattern.Extract(match)
			if !ok || seen[req.Name] {
				continue
			}
			seen[req.Name] = true
			reqs = append(reqs, req)
		}
	}

	if len(reqs) == 0 {
		return nil
	}
	return &core.HealingPlan{Requirements: reqs, MaxAttempts: maxAttempts}
}

// Widen relaxes a plan between attempts: pinned requirements that failed to
// heal are retried unpinned on the final attempt, letting the installer
// resolve a compatible version.
func Widen(plan *core.HealingPlan) *core.HealingPlan {
	next := &core.HealingPlan{
		Attempt:     plan.Attempt + 1,
		MaxAttempts: plan.MaxAttempts,
	}
	lastAttempt := next.Attempt == next.MaxAttempts-1
	for _, req := range plan.Requirements {
		if lastAttempt {
			req.Version = nil
		}
		next.Requirements = append(next.Requirements, req)
	}
	return next
}
