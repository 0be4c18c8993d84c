// Package engine wires the subsystems into the orchestration core: one
// Engine per (process, interpreter), constructed at process start and
// passed explicitly to every consumer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/vitaliisemenov/multipkg/internal/bubble"
	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/fslock"
	"github.com/vitaliisemenov/multipkg/internal/health"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	kbredis "github.com/vitaliisemenov/multipkg/internal/kb/redis"
	kbsqlite "github.com/vitaliisemenov/multipkg/internal/kb/sqlite"
	"github.com/vitaliisemenov/multipkg/internal/loader"
	"github.com/vitaliisemenov/multipkg/internal/snapshot"
	"github.com/vitaliisemenov/multipkg/internal/worker"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// Engine is the orchestration core for one interpreter.
type Engine struct {
	Cfg      *config.Config
	Store    kb.Store
	Registry *interp.Registry
	Driver   *installer.Driver
	Snaps    *snapshot.Engine
	Builder  *bubble.Builder
	Loader   *loader.Loader
	Doctor   *health.Doctor
	Lock     *fslock.Lock
	Clock    clockwork.Clock
	Logger   *slog.Logger

	interpreterVersion string
	interpreterExe     string

	pool *worker.Pool
}

// New assembles the engine for the target interpreter version. The KB
// backend is selected per configuration; the interpreter must already be
// registered (adopt-interpreter handles first contact without an engine).
func New(ctx context.Context, interpreterVersion string, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := interp.NewRegistry(store, logger)
	target, err := registry.Lookup(ctx, interpreterVersion)
	if err != nil {
		store.Close()
		return nil, err
	}

	driver := installer.NewDriver(cfg, logger)
	snaps := snapshot.NewEngine(cfg, store, driver, clock, interpreterVersion, logger)
	verifier := bubble.NewVerifier(target.ExecutablePath, cfg.InstallRoot, logger)
	builder := bubble.NewBuilder(cfg, store, driver, snaps, verifier, clock, logger)
	runtime := loader.NewEnvRuntime("PYTHONPATH")
	ldr := loader.New(cfg, runtime, builder, logger)
	doctor := health.NewDoctor(cfg, store, registry, logger)
	lock := fslock.New(cfg.InstallRoot, logger)

	return &Engine{
		Cfg:                cfg,
		Store:              store,
		Registry:           registry,
		Driver:             driver,
		Snaps:              snaps,
		Builder:            builder,
		Loader:             ldr,
		Doctor:             doctor,
		Lock:               lock,
		Clock:              clock,
		Logger:             logger,
		interpreterVersion: interpreterVersion,
		interpreterExe:     target.ExecutablePath,
	}, nil
}

// OpenStore selects and opens the KB backend per configuration.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kb.Store, error) {
	sel := &kb.Selector{
		OpenFast: func(ctx context.Context) (kb.Store, error) {
			return kbredis.Open(ctx, cfg.KBEndpoint, logger)
		},
		OpenEmbedded: func(ctx context.Context) (kb.Store, error) {
			return kbsqlite.Open(ctx, cfg.KBPath, logger)
		},
		Logger: logger,
	}
	return sel.Open(ctx, string(cfg.KBBackend))
}

// Close releases engine resources.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Stop()
	}
	e.Driver.Close()
	e.Store.Close()
}

// Workers returns the lazily-created worker daemon pool.
func (e *Engine) Workers() (*worker.Pool, error) {
	if e.pool == nil {
		pool, err := worker.NewPool(e.Cfg, e.Registry, e.Builder, e.Clock, e.Logger)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return e.pool, nil
}

// InterpreterVersion returns the engine's target interpreter version.
func (e *Engine) InterpreterVersion() string { return e.interpreterVersion }

// InterpreterExe returns the engine's target interpreter executable.
func (e *Engine) InterpreterExe() string { return e.interpreterExe }

// ItemOutcome classifies what one install spec resulted in.
type ItemOutcome string

const (
	// OutcomeSatisfied means preflight found the requirement already met.
	OutcomeSatisfied ItemOutcome = "satisfied"
	// OutcomeInstalled means the version was installed into the main
	// environment.
	OutcomeInstalled ItemOutcome = "installed"
	// OutcomeBubbled means a bubble was created for the version.
	OutcomeBubbled ItemOutcome = "bubbled"
	// OutcomeExisting means the bubble already existed; no work done.
	OutcomeExisting ItemOutcome = "existing"
)

// InstallItem is the result for one requirement of an install request.
type InstallItem struct {
	Requirement core.Requirement
	Outcome     ItemOutcome
	Bubble      *core.Bubble
}

// Install executes the canonical install flow for one-or-many specs:
// reorder-and-diff, then per requirement preflight → stage → bubble-build
// for downgrades, or a locked main-environment install otherwise. Strictly
// sequential within the request.
func (e *Engine) Install(ctx context.Context, reqs []core.Requirement) ([]InstallItem, error) {
	ordered := installer.VersionReorder(reqs)
	items := make([]InstallItem, 0, len(ordered))

	for _, req := range ordered {
		if ctx.Err() != nil {
			return items, core.ErrCancelled
		}
		item, err := e.installOne(ctx, req)
		if err != nil {
			metrics.InstallsTotal.WithLabelValues("failure").Inc()
			return items, err
		}
		items = append(items, item)
	}
	metrics.InstallsTotal.WithLabelValues("success").Inc()
	return items, nil
}

func (e *Engine) installOne(ctx context.Context, req core.Requirement) (InstallItem, error) {
	item := InstallItem{Requirement: req}

	// Preflight: is it already satisfied? Sub-second for satisfied sets.
	pre, err := e.Driver.Preflight(ctx, []core.Requirement{req})
	if err != nil {
		return item, err
	}
	if pre.Satisfied {
		item.Outcome = OutcomeSatisfied
		return item, nil
	}

	if req.Version != nil {
		version := req.Version.String()

		// Bubble already present: detected by KB lookup before staging.
		if bub, err := e.Builder.Get(ctx, req.Name, version); err == nil {
			item.Outcome = OutcomeExisting
			item.Bubble = bub
			return item, nil
		}

		env, err := e.Driver.Environment(ctx)
		if err != nil {
			return item, err
		}
		active := env[req.Name]

		// Installing an older version while a newer one is active is a
		// downgrade: the bubble-creation trigger. Installing an older
		// version with no newer version present installs normally.
		if active != "" && core.CompareVersions(version, active) < 0 {
			var bub *core.Bubble
			err := e.Lock.WithLock(ctx, "bubble-build "+core.BubbleDirName(req.Name, version),
				e.Cfg.Lock.Timeout, e.Cfg.Lock.RetryInterval, func() error {
					var berr error
					bub, berr = e.Builder.Build(ctx, req)
					return berr
				})
			if err != nil {
				return item, err
			}
			item.Outcome = OutcomeBubbled
			item.Bubble = bub
			return item, nil
		}
	}

	// Main-environment install: snapshot first, mutate under the lock.
	err = e.Lock.WithLock(ctx, "install "+req.String(),
		e.Cfg.Lock.Timeout, e.Cfg.Lock.RetryInterval, func() error {
			if _, err := e.Snaps.Capture(ctx); err != nil {
				return err
			}
			result, err := e.Driver.InstallMain(ctx, []core.Requirement{req})
			if err != nil {
				return err
			}
			return e.recordMainInstall(ctx, result)
		})
	if err != nil {
		return item, err
	}
	item.Outcome = OutcomeInstalled
	return item, nil
}

// recordMainInstall updates KB package records after a main-environment
// install: new active versions, demoted previous versions retained in the
// installed set only when a bubble holds them.
func (e *Engine) recordMainInstall(ctx context.Context, result *installer.StagedResult) error {
	for _, changed := range result.Installed {
		pkgKey := kb.PkgKey(changed.Name)
		changed := changed
		err := kb.RetryTransaction(ctx, e.Store, []string{pkgKey}, func(tx kb.Txn) error {
			var pkg core.Package
			if err := kb.TxGetJSON(tx, pkgKey, &pkg); err != nil {
				pkg = core.Package{Name: changed.Name}
			}

			if prev := pkg.ActiveVersion; prev != "" && prev != changed.Version && !e.bubbleExists(ctx, changed.Name, prev) {
				kept := pkg.InstalledVersions[:0]
				for _, v := range pkg.InstalledVersions {
					if v != prev {
						kept = append(kept, v)
					}
				}
				pkg.InstalledVersions = kept
			}

			if !pkg.HasVersion(changed.Version) {
				pkg.InstalledVersions = append(pkg.InstalledVersions, changed.Version)
				core.SortVersionsDescending(pkg.InstalledVersions)
			}
			pkg.ActiveVersion = changed.Version
			return kb.TxSetJSON(tx, pkgKey, pkg)
		})
		if err != nil {
			return fmt.Errorf("failed to record install of %s: %w", changed.Name, err)
		}
	}
	return nil
}

func (e *Engine) bubbleExists(ctx context.Context, name, version string) bool {
	_, err := e.Builder.Get(ctx, name, version)
	return err == nil
}
