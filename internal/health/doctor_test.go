package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/bubble"
	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
)

func newTestDoctor(t *testing.T) (*Doctor, *config.Config, kb.Store) {
	t.Helper()
	cfg := &config.Config{
		InstallRoot: t.TempDir(),
		BubbleRoot:  t.TempDir(),
	}
	store, err := kbsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kb.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := interp.NewRegistry(store, slog.Default())
	return NewDoctor(cfg, store, registry, slog.Default()), cfg, store
}

// materializeTestBubble writes a complete bubble directory: one real file,
// a manifest and a dependency snapshot.
func materializeTestBubble(t *testing.T, bubbleRoot, name, version string) string {
	t.Helper()
	dir := filepath.Join(bubbleRoot, core.BubbleDirName(name, version))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))

	content := []byte("bubble content for " + name)
	filePath := filepath.Join(dir, name, "__init__.py")
	require.NoError(t, os.WriteFile(filePath, content, 0o644))
	hash, size, err := bubble.HashFile(filePath)
	require.NoError(t, err)

	manifest := &core.Manifest{
		PackageName: name,
		Version:     version,
		Entries: []core.ManifestEntry{
			{RelativePath: name + "/__init__.py", Kind: core.EntryFile, SHA256: hash, Size: size},
		},
		ProvidedModules: []string{name},
	}
	require.NoError(t, bubble.WriteManifest(dir, manifest))
	require.NoError(t, bubble.WriteDeps(dir, map[string]string{"urllib3": "1.26.15"}))
	return dir
}

func writeDistInfo(t *testing.T, root, name, version string) {
	t.Helper()
	dir := filepath.Join(root, name+"-"+version+".dist-info")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	metadata := "Name: " + name + "\nVersion: " + version + "\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "METADATA"), []byte(metadata), 0o644))
}

func TestScanBubblesRegistersOrphans(t *testing.T) {
	ctx := context.Background()
	doctor, cfg, store := newTestDoctor(t)

	materializeTestBubble(t, cfg.BubbleRoot, "requests", "2.28.0")

	report, err := doctor.ScanBubbles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"requests-2.28.0"}, report.Orphans)
	assert.Empty(t, report.Ghosts)

	// The orphan is now a full KB record.
	var bub core.Bubble
	require.NoError(t, kb.GetJSON(ctx, store, kb.BubbleKey("requests", "2.28.0"), &bub))
	assert.Equal(t, "requests", bub.PackageName)
	assert.Equal(t, map[string]string{"urllib3": "1.26.15"}, bub.DependencySnapshot)

	var pkg core.Package
	require.NoError(t, kb.GetJSON(ctx, store, kb.PkgKey("requests"), &pkg))
	assert.Contains(t, pkg.InstalledVersions, "2.28.0")

	// A second scan finds nothing new.
	report, err = doctor.ScanBubbles(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
	assert.Equal(t, 1, report.Healthy)
}

func TestScanBubblesFlagsGhosts(t *testing.T) {
	ctx := context.Background()
	doctor, cfg, store := newTestDoctor(t)

	bub := core.Bubble{
		PackageName: "ghost",
		Version:     "1.0.0",
		RootPath:    filepath.Join(cfg.BubbleRoot, "ghost-1.0.0"),
	}
	require.NoError(t, kb.SetJSON(ctx, store, kb.BubbleKey("ghost", "1.0.0"), bub))

	report, err := doctor.ScanBubbles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost-1.0.0"}, report.Ghosts)
}

func TestVerifyBubbleDetectsDrift(t *testing.T) {
	ctx := context.Background()
	doctor, cfg, _ := newTestDoctor(t)

	dir := materializeTestBubble(t, cfg.BubbleRoot, "requests", "2.28.0")
	_, err := doctor.ScanBubbles(ctx)
	require.NoError(t, err)

	drifted, err := doctor.VerifyBubble(ctx, "requests", "2.28.0")
	require.NoError(t, err)
	assert.Empty(t, drifted)

	// Tamper with the file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requests", "__init__.py"), []byte("tampered"), 0o644))
	drifted, err = doctor.VerifyBubble(ctx, "requests", "2.28.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"requests/__init__.py"}, drifted)
}

func TestVerifyUnknownBubble(t *testing.T) {
	doctor, _, _ := newTestDoctor(t)
	_, err := doctor.VerifyBubble(context.Background(), "nope", "1.0.0")
	var notFound *core.ErrBubbleNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRebuildKB(t *testing.T) {
	ctx := context.Background()
	doctor, cfg, store := newTestDoctor(t)

	// Filesystem truth: one active package, one bubble.
	writeDistInfo(t, cfg.InstallRoot, "requests", "2.31.0")
	materializeTestBubble(t, cfg.BubbleRoot, "requests", "2.28.0")

	// Poisoned KB state that must be discarded.
	require.NoError(t, store.Set(ctx, kb.PkgKey("stale"), []byte(`{"name":"stale"}`)))
	require.NoError(t, store.Set(ctx, kb.SnapshotKey("old"), []byte(`{}`)))

	require.NoError(t, doctor.RebuildKB(ctx))

	_, err := store.Get(ctx, kb.PkgKey("stale"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	var pkg core.Package
	require.NoError(t, kb.GetJSON(ctx, store, kb.PkgKey("requests"), &pkg))
	assert.Equal(t, "2.31.0", pkg.ActiveVersion)
	assert.Contains(t, pkg.InstalledVersions, "2.28.0")

	var bub core.Bubble
	require.NoError(t, kb.GetJSON(ctx, store, kb.BubbleKey("requests", "2.28.0"), &bub))
	assert.Equal(t, "2.28.0", bub.Version)
}
