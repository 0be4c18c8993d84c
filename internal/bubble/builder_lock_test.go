package bubble

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
)

func newLockTestBuilder(t *testing.T) (*Builder, kb.Store) {
	t.Helper()
	store, err := kbsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kb.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		InstallRoot:   t.TempDir(),
		BubbleRoot:    t.TempDir(),
		DedupPolicy:   config.DedupConservative,
		DedupLinkMode: config.LinkSymlink,
	}
	b := &Builder{
		cfg:    cfg,
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		owner:  "test/1",
	}
	return b, store
}

func TestBuildLockAcquireAndContention(t *testing.T) {
	ctx := context.Background()
	b, store := newLockTestBuilder(t)

	acquired, err := b.tryAcquireBuildLock(ctx, "w", "3.2.1")
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second builder cannot acquire the same bubble's lock.
	second := &Builder{cfg: b.cfg, store: store, clock: b.clock, logger: slog.Default(), owner: "test/2"}
	acquired, err = second.tryAcquireBuildLock(ctx, "w", "3.2.1")
	require.NoError(t, err)
	assert.False(t, acquired)

	// A different bubble is independent.
	acquired, err = second.tryAcquireBuildLock(ctx, "w", "3.2.2")
	require.NoError(t, err)
	assert.True(t, acquired)

	b.releaseBuildLock("w", "3.2.1")
	acquired, err = second.tryAcquireBuildLock(ctx, "w", "3.2.1")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestCommitRegistersBubbleAndClearsLock(t *testing.T) {
	ctx := context.Background()
	b, store := newLockTestBuilder(t)

	// Active version in main.
	writeDistInfoDir(t, b.cfg.InstallRoot, "w", "3.3.0")
	b.driver = newTestDriver(t, b.cfg)

	acquired, err := b.tryAcquireBuildLock(ctx, "w", "3.2.1")
	require.NoError(t, err)
	require.True(t, acquired)

	bub := &core.Bubble{
		PackageName: "w",
		Version:     "3.2.1",
		RootPath:    filepath.Join(b.cfg.BubbleRoot, "w-3.2.1"),
		Manifest:    core.Manifest{PackageName: "w", Version: "3.2.1"},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, b.commit(ctx, bub))

	// Single commit: bubble record, version set and active version.
	var pkg core.Package
	require.NoError(t, kb.GetJSON(ctx, store, kb.PkgKey("w"), &pkg))
	assert.Equal(t, "3.3.0", pkg.ActiveVersion)
	assert.ElementsMatch(t, []string{"3.3.0", "3.2.1"}, pkg.InstalledVersions)

	// The build lock cleared atomically with the commit.
	_, err = store.Get(ctx, kb.BubbleBuildKey("w", "3.2.1"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestBuildReturnsExistingBubbleWithoutStaging(t *testing.T) {
	ctx := context.Background()
	b, store := newLockTestBuilder(t)

	existing := &core.Bubble{PackageName: "w", Version: "3.2.1", RootPath: "/bubbles/w-3.2.1"}
	require.NoError(t, kb.SetJSON(ctx, store, kb.BubbleKey("w", "3.2.1"), existing))

	req, err := core.ParseRequirement("w==3.2.1")
	require.NoError(t, err)

	// No driver is wired: reaching the staging phase would panic. The KB
	// lookup short-circuits first.
	bub, err := b.Build(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "/bubbles/w-3.2.1", bub.RootPath)
}

func TestConcurrentBuildCoalesces(t *testing.T) {
	ctx := context.Background()
	b, store := newLockTestBuilder(t)

	// A foreign builder holds the lock.
	foreign := &Builder{cfg: b.cfg, store: store, clock: b.clock, logger: slog.Default(), owner: "other/9"}
	acquired, err := foreign.tryAcquireBuildLock(ctx, "w", "3.2.1")
	require.NoError(t, err)
	require.True(t, acquired)

	req, err := core.ParseRequirement("w==3.2.1")
	require.NoError(t, err)

	type result struct {
		bub *core.Bubble
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		bub, err := b.Build(ctx, req)
		resultCh <- result{bub, err}
	}()

	// The foreign build commits while the second request is waiting.
	time.Sleep(50 * time.Millisecond)
	committed := &core.Bubble{PackageName: "w", Version: "3.2.1", RootPath: "/bubbles/w-3.2.1"}
	require.NoError(t, kb.SetJSON(ctx, store, kb.BubbleKey("w", "3.2.1"), committed))
	require.NoError(t, store.Delete(ctx, kb.BubbleBuildKey("w", "3.2.1")))

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Equal(t, "/bubbles/w-3.2.1", r.bub.RootPath, "second request returned the first build's bubble")
	case <-time.After(5 * time.Second):
		t.Fatal("coalescing request did not return")
	}
}

func TestBuildRequiresPinnedVersion(t *testing.T) {
	b, _ := newLockTestBuilder(t)
	req, err := core.ParseRequirement("w")
	require.NoError(t, err)

	_, err = b.Build(context.Background(), req)
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func newTestDriver(t *testing.T, cfg *config.Config) *installer.Driver {
	t.Helper()
	cfg.InstallerPriority = []string{"pip"}
	cfg.Installer = config.InstallerConfig{Timeout: time.Minute, PreflightTTL: time.Second}
	driver := installer.NewDriver(cfg, slog.Default())
	t.Cleanup(driver.Close)
	return driver
}

func writeDistInfoDir(t *testing.T, root, name, version string) {
	t.Helper()
	dir := filepath.Join(root, name+"-"+version+".dist-info")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	metadata := "Name: " + name + "\nVersion: " + version + "\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "METADATA"), []byte(metadata), 0o644))
}
