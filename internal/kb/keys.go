package kb

import "github.com/vitaliisemenov/multipkg/internal/core"

// Key space. Hierarchical prefixes; every mutation is atomic at the
// key-group level.
const (
	KeySchemaVersion = "schema:version"

	prefixPkg         = "pkg:"
	prefixBubble      = "bubble:"
	prefixSnapshot    = "snapshot:"
	prefixInterpreter = "interp:"
)

// PkgKey is the package record for a normalized name:
// pkg:<name> → core.Package.
func PkgKey(name string) string {
	return prefixPkg + core.NormalizeName(name)
}

// PkgPrefix scans all package records.
func PkgPrefix() string { return prefixPkg }

// BubbleKey is the bubble record: bubble:<name>:<version> → core.Bubble.
func BubbleKey(name, version string) string {
	return prefixBubble + core.NormalizeName(name) + ":" + version
}

// BubbleBuildKey is the build-lock transaction key for one bubble:
// bubble:<name>:<version>:build. A single bubble name+version has
// at-most-one concurrent builder.
func BubbleBuildKey(name, version string) string {
	return BubbleKey(name, version) + ":build"
}

// BubblePrefix scans all bubble records.
func BubblePrefix() string { return prefixBubble }

// SnapshotKey is the snapshot record: snapshot:<id> → core.Snapshot.
func SnapshotKey(id string) string { return prefixSnapshot + id }

// SnapshotPrefix scans all snapshot records.
func SnapshotPrefix() string { return prefixSnapshot }

// InterpreterKey is the registry record: interp:<registry_id> →
// core.Interpreter.
func InterpreterKey(registryID string) string { return prefixInterpreter + registryID }

// InterpreterPrefix scans all interpreter records.
func InterpreterPrefix() string { return prefixInterpreter }
