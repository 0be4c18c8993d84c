package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// libraryPathVar is the dynamic-library search path variable a bubble
// overrides during activation.
const libraryPathVar = "LD_LIBRARY_PATH"

// BubbleSource resolves committed bubbles. Implemented by the bubble
// builder; split out so the loader can trigger automatic rebuilds of
// corrupted bubbles without an import cycle.
type BubbleSource interface {
	Get(ctx context.Context, name, version string) (*core.Bubble, error)
	Build(ctx context.Context, req core.Requirement) (*core.Bubble, error)
	Remove(ctx context.Context, name, version string) error
}

// frame is one activation stack entry. An inner activation captures the
// outer's state, not the original baseline.
type frame struct {
	bubble       *core.Bubble
	searchPath   []string
	purged       []string
	envOverrides map[string]*string // nil value = variable was unset
	linkedDeps   int
}

// Loader drives the runtime loader protocol for one process. Activations
// nest; deactivation is strict LIFO. A process-wide mutex serializes
// activation and deactivation transitions so that threads not party to the
// scope observe either a fully-activated or fully-restored view.
type Loader struct {
	mu      sync.Mutex
	cfg     *config.Config
	runtime Runtime
	bubbles BubbleSource
	logger  *slog.Logger
	stack   []*frame
}

// New creates a loader over the given runtime and bubble source.
func New(cfg *config.Config, runtime Runtime, bubbles BubbleSource, logger *slog.Logger) *Loader {
	return &Loader{cfg: cfg, runtime: runtime, bubbles: bubbles, logger: logger}
}

// Activate layers the bubble's paths over the main environment for the
// current process. Fails with ErrBubbleNotFound (no state change) when the
// bubble does not exist; a corrupted bubble is rebuilt automatically and
// activation retried once.
func (l *Loader) Activate(ctx context.Context, name, version string) error {
	name = core.NormalizeName(name)

	bub, err := l.bubbles.Get(ctx, name, version)
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues("not_found").Inc()
		return err
	}

	if err := l.checkIntegrity(bub); err != nil {
		l.logger.Warn("bubble corrupted, rebuilding before activation",
			"bubble", core.BubbleDirName(name, version),
			"error", err,
		)
		bub, err = l.rebuild(ctx, name, version)
		if err != nil {
			metrics.ActivationsTotal.WithLabelValues("failure").Inc()
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fr := &frame{
		bubble:       bub,
		searchPath:   append([]string(nil), l.runtime.SearchPath()...),
		envOverrides: make(map[string]*string),
	}

	// Purge every loaded module under the bubble's provided namespaces.
	provided := make(map[string]bool, len(bub.Manifest.ProvidedModules))
	for _, mod := range bub.Manifest.ProvidedModules {
		provided[mod] = true
	}
	for _, loaded := range l.runtime.LoadedModules() {
		top := strings.SplitN(loaded, ".", 2)[0]
		if provided[top] {
			l.runtime.PurgeModule(loaded)
			fr.purged = append(fr.purged, loaded)
		}
	}

	// Prepend the bubble root; link companion bubbles for dependencies
	// whose versions differ from the active environment.
	newPath := []string{bub.RootPath}
	env, err := installer.ScanEnvironment(l.cfg.InstallRoot)
	if err != nil {
		return err
	}
	for depName, depVersion := range bub.DependencySnapshot {
		if env[depName] == depVersion {
			// Compatible with the active environment: resolved through the
			// main search path already on the stack.
			fr.linkedDeps++
			continue
		}
		if companion, err := l.bubbles.Get(ctx, depName, depVersion); err == nil {
			newPath = append(newPath, companion.RootPath)
		}
	}
	newPath = append(newPath, fr.searchPath...)

	// Override the dynamic-library search path for native content.
	l.overrideEnv(fr, libraryPathVar, prependPathVar(l.runtime, libraryPathVar, filepath.Join(bub.RootPath, ".libs")))
	l.overrideEnv(fr, config.EnvActiveBubble, bub.PackageName+"=="+bub.Version)

	l.runtime.SetSearchPath(newPath)
	l.stack = append(l.stack, fr)

	metrics.ActivationsTotal.WithLabelValues("success").Inc()
	l.logger.Debug("bubble activated",
		"bubble", core.BubbleDirName(name, version),
		"linked_deps", fr.linkedDeps,
		"purged_modules", len(fr.purged),
		"depth", len(l.stack),
	)
	return nil
}

// Deactivate pops the top activation frame, restoring the captured search
// path and environment. Purged modules reload lazily on next access.
func (l *Loader) Deactivate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.stack) == 0 {
		return fmt.Errorf("deactivate with empty activation stack")
	}
	fr := l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]

	// Purge modules loaded while the frame was active.
	provided := make(map[string]bool, len(fr.bubble.Manifest.ProvidedModules))
	for _, mod := range fr.bubble.Manifest.ProvidedModules {
		provided[mod] = true
	}
	for _, loaded := range l.runtime.LoadedModules() {
		top := strings.SplitN(loaded, ".", 2)[0]
		if provided[top] {
			l.runtime.PurgeModule(loaded)
		}
	}

	l.runtime.SetSearchPath(fr.searchPath)
	for name, value := range fr.envOverrides {
		if value == nil {
			l.runtime.Unsetenv(name)
		} else {
			l.runtime.Setenv(name, *value)
		}
	}

	l.logger.Debug("bubble deactivated",
		"bubble", core.BubbleDirName(fr.bubble.PackageName, fr.bubble.Version),
		"depth", len(l.stack),
	)
	return nil
}

// WithActivation runs fn inside an activation scope. Restoration runs on
// every path, including panics in fn.
func (l *Loader) WithActivation(ctx context.Context, name, version string, fn func() error) (err error) {
	if err := l.Activate(ctx, name, version); err != nil {
		return err
	}
	defer func() {
		if derr := l.Deactivate(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn()
}

// Depth returns the current activation nesting depth.
func (l *Loader) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stack)
}

// checkIntegrity verifies that every manifest entry resolves to an existing
// file. Content re-hashing is the doctor's job; activation checks
// existence only, which catches deleted or moved files cheaply.
func (l *Loader) checkIntegrity(bub *core.Bubble) error {
	for _, entry := range bub.Manifest.Entries {
		var path string
		switch entry.Kind {
		case core.EntryDedupRef:
			path = filepath.Join(l.cfg.InstallRoot, entry.Target)
		default:
			path = filepath.Join(bub.RootPath, entry.RelativePath)
		}
		if _, err := os.Stat(path); err != nil {
			return &core.ErrBubbleCorrupted{
				PackageName: bub.PackageName,
				Version:     bub.Version,
				Detail:      fmt.Sprintf("manifest entry %s unresolvable", entry.RelativePath),
			}
		}
	}
	return nil
}

// rebuild discards and rebuilds a corrupted bubble.
func (l *Loader) rebuild(ctx context.Context, name, version string) (*core.Bubble, error) {
	if err := l.bubbles.Remove(ctx, name, version); err != nil {
		return nil, err
	}
	req, err := core.ParseRequirement(name + "==" + version)
	if err != nil {
		return nil, err
	}
	return l.bubbles.Build(ctx, req)
}

func (l *Loader) overrideEnv(fr *frame, name, newValue string) {
	if prev, ok := l.runtime.Getenv(name); ok {
		prevCopy := prev
		fr.envOverrides[name] = &prevCopy
	} else {
		fr.envOverrides[name] = nil
	}
	l.runtime.Setenv(name, newValue)
}

func prependPathVar(r Runtime, name, dir string) string {
	if prev, ok := r.Getenv(name); ok && prev != "" {
		return dir + string(os.PathListSeparator) + prev
	}
	return dir
}
