package bubble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	"github.com/vitaliisemenov/multipkg/internal/snapshot"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// buildWaitPoll is the coalescing poll interval while another builder owns
// the build lock.
const buildWaitPoll = 200 * time.Millisecond

// buildWaitLimit bounds how long a coalescing request waits on a foreign
// build before giving up.
const buildWaitLimit = 15 * time.Minute

// buildLockRecord is the value stored at the build-lock key while a build
// is in flight.
type buildLockRecord struct {
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
}

// Builder materializes bubbles. A single bubble name+version has
// at-most-one concurrent builder; the KB transaction key
// bubble:<name>:<version>:build serves as the build lock, and a second
// concurrent request waits on completion and returns the existing bubble.
type Builder struct {
	cfg       *config.Config
	store     kb.Store
	driver    *installer.Driver
	snapshots *snapshot.Engine
	verifier  *Verifier
	clock     clockwork.Clock
	logger    *slog.Logger
	owner     string
}

// NewBuilder creates a bubble builder for one interpreter configuration.
func NewBuilder(
	cfg *config.Config,
	store kb.Store,
	driver *installer.Driver,
	snapshots *snapshot.Engine,
	verifier *Verifier,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Builder {
	hostname, _ := os.Hostname()
	return &Builder{
		cfg:       cfg,
		store:     store,
		driver:    driver,
		snapshots: snapshots,
		verifier:  verifier,
		clock:     clock,
		logger:    logger,
		owner:     fmt.Sprintf("%s/%d", hostname, os.Getpid()),
	}
}

// Get loads a committed bubble record.
func (b *Builder) Get(ctx context.Context, name, version string) (*core.Bubble, error) {
	var bub core.Bubble
	err := kb.GetJSON(ctx, b.store, kb.BubbleKey(name, version), &bub)
	if errors.Is(err, core.ErrNotFound) {
		return nil, &core.ErrBubbleNotFound{PackageName: core.NormalizeName(name), Version: version}
	}
	if err != nil {
		return nil, err
	}
	return &bub, nil
}

// Build produces a self-contained bubble for a package version without
// perturbing the main environment. An already-committed bubble is returned
// as-is; a build in flight elsewhere is waited on and its result returned.
func (b *Builder) Build(ctx context.Context, req core.Requirement) (*core.Bubble, error) {
	if req.Version == nil {
		return nil, &core.ErrUserInput{Field: "spec", Detail: "bubble build requires a pinned version"}
	}
	name := core.NormalizeName(req.Name)
	version := req.Version.String()

	for {
		// Detected by KB lookup before staging: no work done.
		if bub, err := b.Get(ctx, name, version); err == nil {
			return bub, nil
		} else if !isNotFound(err) {
			return nil, err
		}

		acquired, err := b.tryAcquireBuildLock(ctx, name, version)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}

		bub, retry, err := b.waitForForeignBuild(ctx, name, version)
		if err != nil {
			return nil, err
		}
		if bub != nil {
			return bub, nil
		}
		if !retry {
			return nil, fmt.Errorf("build of %s gave up waiting on foreign builder", core.BubbleDirName(name, version))
		}
	}

	start := b.clock.Now()
	bub, err := b.build(ctx, name, version, req)
	if err != nil {
		b.releaseBuildLock(name, version)
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.BubbleBuildsTotal.WithLabelValues("success").Inc()
	metrics.BubbleBuildDuration.Observe(b.clock.Since(start).Seconds())
	return bub, nil
}

// tryAcquireBuildLock attempts to take the build lock. Returns false when a
// foreign builder holds it.
func (b *Builder) tryAcquireBuildLock(ctx context.Context, name, version string) (bool, error) {
	buildKey := kb.BubbleBuildKey(name, version)
	acquired := false
	err := kb.RetryTransaction(ctx, b.store, []string{buildKey}, func(tx kb.Txn) error {
		acquired = false
		if _, err := tx.Get(buildKey); err == nil {
			return nil // held elsewhere
		}
		acquired = true
		return kb.TxSetJSON(tx, buildKey, buildLockRecord{Owner: b.owner, StartedAt: b.clock.Now().UTC()})
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (b *Builder) releaseBuildLock(name, version string) {
	// Release must survive a cancelled request context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.Delete(ctx, kb.BubbleBuildKey(name, version)); err != nil {
		b.logger.Warn("failed to release build lock",
			"bubble", core.BubbleDirName(name, version),
			"error", err,
		)
	}
}

// waitForForeignBuild polls until the foreign build commits (bubble
// returned), aborts (retry=true), or the wait limit expires.
func (b *Builder) waitForForeignBuild(ctx context.Context, name, version string) (*core.Bubble, bool, error) {
	b.logger.Info("waiting on concurrent build", "bubble", core.BubbleDirName(name, version))
	deadline := b.clock.Now().Add(buildWaitLimit)

	for b.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false, core.ErrCancelled
		case <-b.clock.After(buildWaitPoll):
		}

		if bub, err := b.Get(ctx, name, version); err == nil {
			return bub, false, nil
		} else if !isNotFound(err) {
			return nil, false, err
		}

		if _, err := b.store.Get(ctx, kb.BubbleBuildKey(name, version)); errors.Is(err, core.ErrNotFound) {
			// Foreign builder released without committing; take over.
			return nil, true, nil
		} else if err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// build runs the seven-phase protocol with the build lock held.
func (b *Builder) build(ctx context.Context, name, version string, req core.Requirement) (*core.Bubble, error) {
	logger := b.logger.With("bubble", core.BubbleDirName(name, version))

	// Phase 1: snapshot current package states.
	preSnap, err := b.snapshots.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture pre-build snapshot: %w", err)
	}

	// Phase 2: stage the requested version into a fresh temporary root.
	stageRoot, err := b.driver.EnsureStageRoot()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stageRoot)

	if _, err := b.driver.Stage(ctx, []core.Requirement{req}, stageRoot); err != nil {
		return nil, err
	}

	// Phase 3: diff staged root against main.
	entries, err := DiffRoots(ctx, stageRoot, b.cfg.InstallRoot)
	if err != nil {
		return nil, err
	}

	// Phase 4: materialize the bubble directory.
	bubbleDir := filepath.Join(b.cfg.BubbleRoot, core.BubbleDirName(name, version))
	manifest, sizeBytes, savedBytes, err := b.materialize(ctx, name, version, stageRoot, bubbleDir, entries)
	if err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}

	deps, err := installer.ScanEnvironment(stageRoot)
	if err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}
	delete(deps, name)
	if err := WriteDeps(bubbleDir, deps); err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}
	if err := WriteManifest(bubbleDir, manifest); err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}

	// Phase 5: verify imports inside the bubble, repairing from stage root.
	if err := b.verifier.Verify(ctx, bubbleDir, stageRoot, manifest.ProvidedModules); err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}

	// Phase 6: restore any main-environment drift the staging caused.
	if err := b.restoreMain(ctx, preSnap); err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}

	bub := &core.Bubble{
		PackageName:        name,
		Version:            version,
		RootPath:           bubbleDir,
		Manifest:           *manifest,
		CreatedAt:          b.clock.Now().UTC(),
		SizeBytes:          sizeBytes,
		DependencySnapshot: deps,
	}

	// Phase 7: commit manifest, version set and dependency snapshot in a
	// single KB transaction, clearing the build lock atomically.
	if err := b.commit(ctx, bub); err != nil {
		os.RemoveAll(bubbleDir)
		return nil, err
	}

	logger.Info("bubble built",
		"size_bytes", sizeBytes,
		"saved_bytes", savedBytes,
		"entries", len(manifest.Entries),
		"deps", len(deps),
	)
	return bub, nil
}

// materialize writes the bubble directory from the diff, applying the
// dedup policy, and returns the manifest plus size accounting.
func (b *Builder) materialize(ctx context.Context, name, version, stageRoot, bubbleDir string, entries []DiffEntry) (*core.Manifest, int64, int64, error) {
	if err := os.MkdirAll(bubbleDir, 0o755); err != nil {
		return nil, 0, 0, err
	}

	native := HasNativeCode(entries) || b.isNativeListed(name)
	dedupEnabled := b.cfg.DedupPolicy != config.DedupOff && !native

	manifest := &core.Manifest{PackageName: name, Version: version}
	var sizeBytes, savedBytes int64

	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, 0, 0, core.ErrCancelled
		}

		src := filepath.Join(stageRoot, entry.RelativePath)
		dst := filepath.Join(bubbleDir, entry.RelativePath)
		mainPath := filepath.Join(b.cfg.InstallRoot, entry.RelativePath)

		if dedupEnabled && entry.Class == ClassIdentical && b.dedupEligible(entry) {
			kind, err := b.linkDedup(mainPath, dst)
			if err != nil {
				return nil, 0, 0, err
			}
			manifest.Entries = append(manifest.Entries, core.ManifestEntry{
				RelativePath: entry.RelativePath,
				Kind:         kind,
				SHA256:       entry.SHA256,
				Size:         entry.Size,
				Target:       entry.RelativePath,
			})
			savedBytes += entry.Size
			continue
		}

		if err := copyFile(src, dst); err != nil {
			return nil, 0, 0, err
		}
		manifest.Entries = append(manifest.Entries, core.ManifestEntry{
			RelativePath: entry.RelativePath,
			Kind:         core.EntryFile,
			SHA256:       entry.SHA256,
			Size:         entry.Size,
		})
		sizeBytes += entry.Size
	}

	modules, err := ProvidedModules(stageRoot)
	if err != nil {
		return nil, 0, 0, err
	}
	manifest.ProvidedModules = modules

	metrics.DedupSavedBytes.Add(float64(savedBytes))
	return manifest, sizeBytes, savedBytes, nil
}

// linkDedup creates the on-disk dedup reference per the configured link
// mode and returns the manifest entry kind recorded for it.
func (b *Builder) linkDedup(mainPath, dst string) (core.ManifestEntryKind, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	switch b.cfg.DedupLinkMode {
	case config.LinkHardlink:
		if err := os.Link(mainPath, dst); err != nil {
			return "", fmt.Errorf("failed to hardlink %s: %w", dst, err)
		}
		return core.EntryFile, nil
	case config.LinkManifest:
		// Manifest-only reference; the loader resolves it at activation.
		return core.EntryDedupRef, nil
	default:
		if err := os.Symlink(mainPath, dst); err != nil {
			return "", fmt.Errorf("failed to symlink %s: %w", dst, err)
		}
		return core.EntrySymlink, nil
	}
}

// dedupEligible applies the policy to one identical-hash file. Conservative
// dedups only pure text/bytecode; aggressive dedups any identical file.
func (b *Builder) dedupEligible(entry DiffEntry) bool {
	if b.cfg.DedupPolicy == config.DedupAggressive {
		return true
	}
	switch filepath.Ext(entry.RelativePath) {
	case ".py", ".pyc", ".pyi", ".txt", ".json":
		return true
	default:
		return false
	}
}

func (b *Builder) isNativeListed(name string) bool {
	for _, listed := range b.cfg.NativePackageList {
		if core.NormalizeName(listed) == name {
			return true
		}
	}
	return false
}

// restoreMain re-installs the pre-snapshot versions of packages the staging
// phase transiently modified in the main environment.
func (b *Builder) restoreMain(ctx context.Context, preSnap *core.Snapshot) error {
	current, err := installer.ScanEnvironment(b.cfg.InstallRoot)
	if err != nil {
		return err
	}

	var restore []core.Requirement
	var remove []string
	for pkgName, wantVersion := range preSnap.Packages {
		if current[pkgName] != wantVersion {
			req, err := core.ParseRequirement(pkgName + "==" + wantVersion)
			if err != nil {
				return err
			}
			restore = append(restore, req)
		}
	}
	for pkgName := range current {
		if _, existed := preSnap.Packages[pkgName]; !existed {
			remove = append(remove, pkgName)
		}
	}

	if len(remove) > 0 {
		b.logger.Info("restoring main environment: removing transient packages", "packages", remove)
		if err := b.driver.Uninstall(ctx, remove); err != nil {
			return fmt.Errorf("failed to restore main environment: %w", err)
		}
	}
	if len(restore) > 0 {
		b.logger.Info("restoring main environment: reinstalling pre-build versions", "count", len(restore))
		if _, err := b.driver.InstallMain(ctx, restore); err != nil {
			return fmt.Errorf("failed to restore main environment: %w", err)
		}
	}
	return nil
}

// commit registers the bubble, its version, and its dependency snapshot in
// one transaction, releasing the build lock in the same commit.
func (b *Builder) commit(ctx context.Context, bub *core.Bubble) error {
	bubbleKey := kb.BubbleKey(bub.PackageName, bub.Version)
	pkgKey := kb.PkgKey(bub.PackageName)
	buildKey := kb.BubbleBuildKey(bub.PackageName, bub.Version)

	env, err := b.driver.Environment(ctx)
	if err != nil {
		return err
	}
	activeVersion := env[bub.PackageName]

	return kb.RetryTransaction(ctx, b.store, []string{bubbleKey, pkgKey, buildKey}, func(tx kb.Txn) error {
		if err := kb.TxSetJSON(tx, bubbleKey, bub); err != nil {
			return err
		}

		var pkg core.Package
		if err := kb.TxGetJSON(tx, pkgKey, &pkg); err != nil {
			if !isNotFound(err) {
				return err
			}
			pkg = core.Package{Name: bub.PackageName}
		}
		if !pkg.HasVersion(bub.Version) {
			pkg.InstalledVersions = append(pkg.InstalledVersions, bub.Version)
			core.SortVersionsDescending(pkg.InstalledVersions)
		}
		if activeVersion != "" {
			if !pkg.HasVersion(activeVersion) {
				pkg.InstalledVersions = append(pkg.InstalledVersions, activeVersion)
				core.SortVersionsDescending(pkg.InstalledVersions)
			}
			pkg.ActiveVersion = activeVersion
		}
		if err := kb.TxSetJSON(tx, pkgKey, pkg); err != nil {
			return err
		}

		tx.Delete(buildKey)
		return nil
	})
}

// Remove deletes a bubble directory and its KB records.
func (b *Builder) Remove(ctx context.Context, name, version string) error {
	name = core.NormalizeName(name)
	bub, err := b.Get(ctx, name, version)
	if err != nil {
		return err
	}

	bubbleKey := kb.BubbleKey(name, version)
	pkgKey := kb.PkgKey(name)
	err = kb.RetryTransaction(ctx, b.store, []string{bubbleKey, pkgKey}, func(tx kb.Txn) error {
		tx.Delete(bubbleKey)
		var pkg core.Package
		if err := kb.TxGetJSON(tx, pkgKey, &pkg); err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		kept := pkg.InstalledVersions[:0]
		for _, v := range pkg.InstalledVersions {
			if v != version {
				kept = append(kept, v)
			}
		}
		pkg.InstalledVersions = kept
		if len(pkg.InstalledVersions) == 0 && pkg.ActiveVersion == "" {
			tx.Delete(pkgKey)
			return nil
		}
		return kb.TxSetJSON(tx, pkgKey, pkg)
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(bub.RootPath); err != nil {
		return fmt.Errorf("failed to remove bubble directory: %w", err)
	}
	b.logger.Info("bubble removed", "bubble", core.BubbleDirName(name, version))
	return nil
}

// List returns all committed bubbles.
func (b *Builder) List(ctx context.Context) ([]*core.Bubble, error) {
	it, err := b.store.Scan(ctx, kb.BubblePrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*core.Bubble
	for it.Next(ctx) {
		if strings.HasSuffix(it.Key(), ":build") {
			continue
		}
		var bub core.Bubble
		if err := json.Unmarshal(it.Value(), &bub); err != nil {
			b.logger.Warn("skipping corrupt bubble record", "key", it.Key(), "error", err)
			continue
		}
		out = append(out, &bub)
	}
	return out, it.Err()
}

func isNotFound(err error) bool {
	var nf *core.ErrBubbleNotFound
	return errors.Is(err, core.ErrNotFound) || errors.As(err, &nf)
}
