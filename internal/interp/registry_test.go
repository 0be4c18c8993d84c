package interp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
)

// fakeInterpreter writes an executable that answers --version.
func fakeInterpreter(t *testing.T, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"Python " + version + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := kbsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kb.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, slog.Default())
}

func TestProbeVersion(t *testing.T) {
	exe := fakeInterpreter(t, t.TempDir(), "python3", "3.11.9")
	version, err := ProbeVersion(context.Background(), exe)
	require.NoError(t, err)
	assert.Equal(t, "3.11.9", version)
}

func TestProbeVersionRejectsNonInterpreter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not runnable"), 0o644))

	_, err := ProbeVersion(context.Background(), path)
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func TestAdoptLookupRemove(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	exe := fakeInterpreter(t, t.TempDir(), "python3", "3.11.9")

	adopted, err := registry.Adopt(ctx, exe, false)
	require.NoError(t, err)
	assert.Equal(t, "3.11.9", adopted.Version)
	assert.Equal(t, exe, adopted.ExecutablePath)
	assert.False(t, adopted.Managed)

	found, err := registry.Lookup(ctx, "3.11.9")
	require.NoError(t, err)
	assert.Equal(t, adopted.ExecutablePath, found.ExecutablePath)

	list, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, registry.Remove(ctx, "3.11.9"))
	_, err = registry.Lookup(ctx, "3.11.9")
	assert.Error(t, err)
}

func TestAdoptMissingExecutable(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Adopt(context.Background(), "/no/such/python", false)
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func TestRemoveUnknownVersion(t *testing.T) {
	registry := newTestRegistry(t)
	err := registry.Remove(context.Background(), "9.9.9")
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func TestRescanAdoptsAndRemoves(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	root := t.TempDir()
	fakeInterpreter(t, root, "python3.11", "3.11.9")
	fakeInterpreter(t, root, "python3.12", "3.12.3")
	// Config scripts and non-interpreters are skipped.
	fakeInterpreter(t, root, "python3.11-config", "0.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(root, "pip"), []byte("#!/bin/sh\n"), 0o755))

	adopted, removed, err := registry.Rescan(ctx, []string{root})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"3.11.9", "3.12.3"}, adopted)
	assert.Empty(t, removed)

	// A vanished managed interpreter is removed on the next rescan.
	require.NoError(t, os.Remove(filepath.Join(root, "python3.12")))
	adopted, removed, err = registry.Rescan(ctx, []string{root})
	require.NoError(t, err)
	assert.Empty(t, adopted)
	assert.Equal(t, []string{"3.12.3"}, removed)
}

func TestDispatchTarget(t *testing.T) {
	t.Setenv(config.EnvInterpreter, "")
	assert.Equal(t, "3.11.4", DispatchTarget("3.11.4"))

	t.Setenv(config.EnvInterpreter, "3.12.1")
	assert.Equal(t, "3.12.1", DispatchTarget("3.11.4"))
}
