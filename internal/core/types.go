// Package core defines the domain model shared by every multipkg subsystem:
// packages, bubbles, manifests, snapshots, requirements, and the typed error
// taxonomy the orchestration engine surfaces to callers.
package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// normalizeRun collapses runs of separator characters in package names.
var normalizeRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName canonicalizes a package name: lowercase, with runs of
// '-', '_' and '.' collapsed to a single '-'. All KB keys, bubble directory
// names and manifest lookups use the normalized form.
func NormalizeName(name string) string {
	return normalizeRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Requirement is a single "name==version" install request. Version may be
// nil, meaning "latest the installer resolves".
type Requirement struct {
	Name    string          `json:"name"`
	Version *semver.Version `json:"version,omitempty"`
}

// ParseRequirement parses a requirement spec of the form "name" or
// "name==1.2.3". The name component is normalized.
func ParseRequirement(spec string) (Requirement, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Requirement{}, &ErrUserInput{Field: "spec", Detail: "empty requirement"}
	}

	name, version, pinned := strings.Cut(spec, "==")
	name = NormalizeName(name)
	if name == "" {
		return Requirement{}, &ErrUserInput{Field: "spec", Detail: fmt.Sprintf("no package name in %q", spec)}
	}

	req := Requirement{Name: name}
	if pinned {
		v, err := semver.NewVersion(strings.TrimSpace(version))
		if err != nil {
			return Requirement{}, &ErrUserInput{
				Field:  "spec",
				Detail: fmt.Sprintf("invalid version %q for %s: %v", version, name, err),
			}
		}
		req.Version = v
	}
	return req, nil
}

// String renders the requirement back in spec form.
func (r Requirement) String() string {
	if r.Version == nil {
		return r.Name
	}
	return r.Name + "==" + r.Version.String()
}

// Package describes one (interpreter, name) entry in the knowledge base.
// Exactly one version is active in the main environment; every other
// installed version lives in a bubble.
type Package struct {
	Name              string   `json:"name"`
	InstalledVersions []string `json:"installed_versions"`
	ActiveVersion     string   `json:"active_version"`
}

// HasVersion reports whether v is among the installed versions.
func (p *Package) HasVersion(v string) bool {
	for _, iv := range p.InstalledVersions {
		if iv == v {
			return true
		}
	}
	return false
}

// ManifestEntryKind classifies a manifest entry.
type ManifestEntryKind string

const (
	// EntryFile is a self-contained copy of the package file.
	EntryFile ManifestEntryKind = "file"
	// EntrySymlink is a symbolic link into the main environment.
	EntrySymlink ManifestEntryKind = "symlink"
	// EntryDedupRef is a manifest-only reference resolved at activation;
	// Target names the main-environment relative path with identical hash.
	EntryDedupRef ManifestEntryKind = "dedup-ref"
)

// ManifestEntry is one file in a bubble. Every entry is either
// self-contained bytes (EntryFile) or a reference to an identical-hash file
// in the main environment (EntrySymlink, EntryDedupRef).
type ManifestEntry struct {
	RelativePath string            `json:"relative_path"`
	Kind         ManifestEntryKind `json:"kind"`
	SHA256       string            `json:"sha256"`
	Size         int64             `json:"size"`
	// Target is the main-environment relative path for symlink/dedup-ref
	// entries; empty for plain files.
	Target string `json:"target,omitempty"`
}

// Manifest is the per-bubble file list. Serialization is deterministic:
// entries are kept sorted by RelativePath so that
// serialize→deserialize→re-serialize is byte-identical.
type Manifest struct {
	PackageName string          `json:"package_name"`
	Version     string          `json:"version"`
	Entries     []ManifestEntry `json:"entries"`
	// ProvidedModules are the top-level importable module names the bubble
	// supplies; the loader purges exactly these namespaces on activation.
	ProvidedModules []string `json:"provided_modules"`
}

// Bubble is a materialized per-version isolated package directory overlaying
// the main installation.
type Bubble struct {
	PackageName string    `json:"package_name"`
	Version     string    `json:"version"`
	RootPath    string    `json:"root_path"`
	Manifest    Manifest  `json:"manifest"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	// DependencySnapshot records the version of every dependency the bubble
	// was built against. Dependencies matching the active environment are
	// linked at activation time instead of being copied into the bubble.
	DependencySnapshot map[string]string `json:"dependency_snapshot"`
}

// DirName returns the on-disk directory name under the bubble root.
func (b *Bubble) DirName() string {
	return BubbleDirName(b.PackageName, b.Version)
}

// BubbleDirName is the canonical <name>-<version> bubble directory name.
func BubbleDirName(name, version string) string {
	return NormalizeName(name) + "-" + version
}

// Snapshot is an immutable record of the package→version map at a point in
// time. Snapshots are append-only; revert computes forward operations from
// them, it never rewrites history.
type Snapshot struct {
	ID                 string            `json:"id"`
	InterpreterVersion string            `json:"interpreter_version"`
	CapturedAt         time.Time         `json:"captured_at"`
	Packages           map[string]string `json:"packages"`
	// LockfileHash is the content hash of the installer's dependency lock
	// file at capture time, when one was present.
	LockfileHash string `json:"lockfile_hash,omitempty"`
}

// HealingPlan is a transient set of requirements derived from an observed
// failure, used to drive automatic bubble creation and re-execution. Never
// persisted.
type HealingPlan struct {
	Requirements []Requirement
	Attempt      int
	MaxAttempts  int
}

// Exhausted reports whether the plan has no attempts left.
func (p *HealingPlan) Exhausted() bool {
	return p.Attempt >= p.MaxAttempts
}

// Interpreter is one registered interpreter installation.
type Interpreter struct {
	Version        string `json:"version"`
	ExecutablePath string `json:"executable_path"`
	Managed        bool   `json:"managed"`
	RegistryID     string `json:"registry_id"`
}
