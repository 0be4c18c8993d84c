package snapshot

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
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
)

func writeDistInfo(t *testing.T, root, name, version string) {
	t.Helper()
	dir := filepath.Join(root, name+"-"+version+".dist-info")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	metadata := "Name: " + name + "\nVersion: " + version + "\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "METADATA"), []byte(metadata), 0o644))
}

func removeDistInfo(t *testing.T, root, name, version string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(root, name+"-"+version+".dist-info")))
}

func newTestEngine(t *testing.T) (*Engine, *config.Config, *clockwork.FakeClock) {
	t.Helper()
	cfg := &config.Config{
		InstallRoot:       t.TempDir(),
		BubbleRoot:        t.TempDir(),
		SnapshotDir:       filepath.Join(t.TempDir(), "snapshots"),
		InstallerPriority: []string{"pip"},
		Installer:         config.InstallerConfig{Timeout: time.Minute, PreflightTTL: time.Second},
	}
	store, err := kbsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kb.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := installer.NewDriver(cfg, slog.Default())
	t.Cleanup(driver.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(cfg, store, driver, clock, "3.11.4", slog.Default()), cfg, clock
}

func TestCaptureAndGet(t *testing.T) {
	ctx := context.Background()
	eng, cfg, clock := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "requests", "2.31.0")
	writeDistInfo(t, cfg.InstallRoot, "numpy", "1.26.4")

	snap, err := eng.Capture(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "3.11.4", snap.InterpreterVersion)
	assert.Equal(t, clock.Now().UTC(), snap.CapturedAt)
	assert.Equal(t, map[string]string{"requests": "2.31.0", "numpy": "1.26.4"}, snap.Packages)

	// One file per snapshot, named by id.
	_, err = os.Stat(filepath.Join(cfg.SnapshotDir, snap.ID+".json"))
	require.NoError(t, err)

	loaded, err := eng.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Packages, loaded.Packages)
}

func TestGetUnknownSnapshot(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.Get(context.Background(), "no-such-id")
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func TestSnapshotsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	eng, cfg, clock := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "z", "0.8.0")
	first, err := eng.Capture(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	removeDistInfo(t, cfg.InstallRoot, "z", "0.8.0")
	writeDistInfo(t, cfg.InstallRoot, "z", "0.7.0")
	second, err := eng.Capture(ctx)
	require.NoError(t, err)

	// The earlier snapshot is untouched by later captures.
	reloaded, err := eng.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"z": "0.8.0"}, reloaded.Packages)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := eng.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
}

func TestPlanRevertExternalDowngrade(t *testing.T) {
	ctx := context.Background()
	eng, cfg, _ := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "z", "0.8.0")
	snap, err := eng.Capture(ctx)
	require.NoError(t, err)

	// External installer downgrades z behind our back.
	removeDistInfo(t, cfg.InstallRoot, "z", "0.8.0")
	writeDistInfo(t, cfg.InstallRoot, "z", "0.7.0")

	plan, err := eng.PlanRevert(ctx, snap)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionFix, plan.Actions[0].Kind)
	assert.Equal(t, "z", plan.Actions[0].Name)
	assert.Equal(t, "0.8.0", plan.Actions[0].TargetVersion)
	assert.Equal(t, "0.7.0", plan.Actions[0].CurrentVersion)
}

func TestPlanRevertNoOp(t *testing.T) {
	ctx := context.Background()
	eng, cfg, _ := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "a", "1.0.0")
	snap, err := eng.Capture(ctx)
	require.NoError(t, err)

	plan, err := eng.PlanRevert(ctx, snap)
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	// Executing an empty plan is a no-op.
	require.NoError(t, eng.ExecuteRevert(ctx, plan))
}

func TestPlanRevertAddAndRemove(t *testing.T) {
	ctx := context.Background()
	eng, cfg, _ := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "keep", "1.0.0")
	writeDistInfo(t, cfg.InstallRoot, "gone", "2.0.0")
	snap, err := eng.Capture(ctx)
	require.NoError(t, err)

	removeDistInfo(t, cfg.InstallRoot, "gone", "2.0.0")
	writeDistInfo(t, cfg.InstallRoot, "extra", "3.0.0")

	plan, err := eng.PlanRevert(ctx, snap)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)

	kinds := map[string]ActionKind{}
	for _, action := range plan.Actions {
		kinds[action.Name] = action.Kind
	}
	assert.Equal(t, ActionUninstall, kinds["extra"])
	assert.Equal(t, ActionReinstall, kinds["gone"])
}

func TestSnapshotRoundTripIdentical(t *testing.T) {
	ctx := context.Background()
	eng, cfg, clock := newTestEngine(t)

	writeDistInfo(t, cfg.InstallRoot, "a", "1.0.0")
	before, err := eng.Capture(ctx)
	require.NoError(t, err)

	clock.Advance(time.Second)
	after, err := eng.Capture(ctx)
	require.NoError(t, err)

	// No mutations between captures: identical package maps.
	assert.Equal(t, before.Packages, after.Packages)
}

func TestLockfileHashRecorded(t *testing.T) {
	ctx := context.Background()
	eng, cfg, _ := newTestEngine(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.InstallRoot, "uv.lock"), []byte("locked"), 0o644))
	snap, err := eng.Capture(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.LockfileHash)
}
