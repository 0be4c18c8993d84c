package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
)

type fakeResolver struct {
	bubbles map[string]*core.Bubble
}

func (f *fakeResolver) Get(ctx context.Context, name, version string) (*core.Bubble, error) {
	if bub, ok := f.bubbles[name+"=="+version]; ok {
		return bub, nil
	}
	return nil, &core.ErrBubbleNotFound{PackageName: name, Version: version}
}

func newTestPool(t *testing.T, maxWorkers int) (*Pool, *clockwork.FakeClock, kb.Store) {
	t.Helper()
	cfg := &config.Config{
		InstallRoot: t.TempDir(),
		Worker: config.WorkerConfig{
			MaxWorkers:     maxWorkers,
			IdleTimeout:    time.Minute,
			RequestTimeout: time.Second,
		},
	}
	store, err := kbsqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kb.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := interp.NewRegistry(store, slog.Default())
	// Register interpreters directly; probing real executables is the
	// adopt path's job.
	for _, version := range []string{"3.11.4", "3.12.1"} {
		require.NoError(t, kb.SetJSON(context.Background(), store, kb.InterpreterKey(version),
			core.Interpreter{Version: version, ExecutablePath: "/usr/bin/false", RegistryID: version}))
	}

	clock := clockwork.NewFakeClock()
	pool, err := NewPool(cfg, registry, &fakeResolver{bubbles: map[string]*core.Bubble{
		"requests==2.28.0": {PackageName: "requests", Version: "2.28.0", RootPath: "/bubbles/requests-2.28.0"},
	}}, clock, slog.Default())
	require.NoError(t, err)
	t.Cleanup(pool.Stop)
	return pool, clock, store
}

func TestWorkerCreatedOnDemand(t *testing.T) {
	pool, _, _ := newTestPool(t, 4)

	w, err := pool.worker(context.Background(), "3.11.4", BubbleSpec{})
	require.NoError(t, err)
	assert.NotNil(t, w)
	assert.Equal(t, []string{"3.11.4"}, pool.Status())

	// Same key returns the pooled worker.
	again, err := pool.worker(context.Background(), "3.11.4", BubbleSpec{})
	require.NoError(t, err)
	assert.Same(t, w, again)
}

func TestWorkerKeyIncludesBubbleSpec(t *testing.T) {
	pool, _, _ := newTestPool(t, 4)

	_, err := pool.worker(context.Background(), "3.11.4", BubbleSpec{})
	require.NoError(t, err)
	_, err = pool.worker(context.Background(), "3.11.4", BubbleSpec{Name: "requests", Version: "2.28.0"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"3.11.4", "3.11.4/requests==2.28.0"}, pool.Status())
}

func TestUnknownInterpreterRejected(t *testing.T) {
	pool, _, _ := newTestPool(t, 4)
	_, err := pool.worker(context.Background(), "9.9.9", BubbleSpec{})
	var userErr *core.ErrUserInput
	assert.ErrorAs(t, err, &userErr)
}

func TestUnknownBubbleRejected(t *testing.T) {
	pool, _, _ := newTestPool(t, 4)
	_, err := pool.worker(context.Background(), "3.11.4", BubbleSpec{Name: "ghost", Version: "1.0.0"})
	var notFound *core.ErrBubbleNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestPoolEnforcesUpperBoundLRU(t *testing.T) {
	pool, _, _ := newTestPool(t, 2)
	ctx := context.Background()

	_, err := pool.worker(ctx, "3.11.4", BubbleSpec{})
	require.NoError(t, err)
	_, err = pool.worker(ctx, "3.12.1", BubbleSpec{})
	require.NoError(t, err)

	// Touch 3.11.4 so 3.12.1 is the least recently used.
	_, err = pool.worker(ctx, "3.11.4", BubbleSpec{})
	require.NoError(t, err)

	_, err = pool.worker(ctx, "3.11.4", BubbleSpec{Name: "requests", Version: "2.28.0"})
	require.NoError(t, err)

	status := pool.Status()
	assert.Len(t, status, 2)
	assert.NotContains(t, status, "3.12.1", "least recently used worker evicted")
	assert.Contains(t, status, "3.11.4")
}

func TestStopTerminatesPool(t *testing.T) {
	pool, _, _ := newTestPool(t, 2)
	_, err := pool.worker(context.Background(), "3.11.4", BubbleSpec{})
	require.NoError(t, err)

	pool.Stop()
	assert.Empty(t, pool.Status())

	_, err = pool.worker(context.Background(), "3.11.4", BubbleSpec{})
	assert.Error(t, err)
}

func TestBubbleSpecString(t *testing.T) {
	assert.Equal(t, "", BubbleSpec{}.String())
	assert.Equal(t, "typing-extensions==4.5.0", BubbleSpec{Name: "Typing_Extensions", Version: "4.5.0"}.String())
}

func TestBubbleSearchPath(t *testing.T) {
	path := bubbleSearchPath("/bubbles/x-1.0.0", "/main/site-packages")
	assert.Equal(t, []string{"/bubbles/x-1.0.0", "/bubbles/x-1.0.0/.libs", "/main/site-packages"}, path)

	assert.Equal(t, []string{"/main/site-packages"}, bubbleSearchPath("", "/main/site-packages"))
}

func TestScrubbedChildEnv(t *testing.T) {
	t.Setenv("PYTHONPATH", "/leaky/parent/path")
	t.Setenv("LD_LIBRARY_PATH", "/leaky/libs")
	t.Setenv(config.EnvActiveBubble, "parent==1.0.0")

	w := newWorker("k", "/usr/bin/false", "requests==2.28.0",
		[]string{"/bubbles/requests-2.28.0", "/main"}, slog.Default())
	env := w.childEnv()

	assert.NotContains(t, env, "LD_LIBRARY_PATH=/leaky/libs")
	assert.NotContains(t, env, config.EnvActiveBubble+"=parent==1.0.0")
	assert.Contains(t, env, "PYTHONPATH=/bubbles/requests-2.28.0:/main")
	assert.Contains(t, env, config.EnvActiveBubble+"=requests==2.28.0")
	assert.Contains(t, env, config.EnvSubprocess+"=1")
}
