// Package health detects and repairs drift between the knowledge base and
// the filesystem.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/vitaliisemenov/multipkg/internal/bubble"
	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/internal/kb"
)

// verifyWorkers bounds the parallel re-hashing pool.
const verifyWorkers = 8

// Doctor runs consistency checks and repairs.
type Doctor struct {
	cfg      *config.Config
	store    kb.Store
	registry *interp.Registry
	logger   *slog.Logger
}

// NewDoctor creates a doctor over one interpreter configuration.
func NewDoctor(cfg *config.Config, store kb.Store, registry *interp.Registry, logger *slog.Logger) *Doctor {
	return &Doctor{cfg: cfg, store: store, registry: registry, logger: logger}
}

// ScanReport summarizes a bubble scan.
type ScanReport struct {
	// Orphans are bubble directories on disk with no KB record; they are
	// registered during the scan.
	Orphans []string
	// Ghosts are KB records whose directories are missing; they are
	// flagged, not deleted.
	Ghosts []string
	// Healthy counts bubbles present on both sides.
	Healthy int
}

// ScanBubbles enumerates bubble roots on disk and cross-checks KB entries.
// Orphans with a readable manifest are registered; ghosts are reported.
func (d *Doctor) ScanBubbles(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}

	onDisk := map[string]string{} // dir name → path
	entries, err := os.ReadDir(d.cfg.BubbleRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		onDisk[entry.Name()] = filepath.Join(d.cfg.BubbleRoot, entry.Name())
	}

	recorded := map[string]*core.Bubble{}
	it, err := d.store.Scan(ctx, kb.BubblePrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.Next(ctx) {
		if strings.HasSuffix(it.Key(), ":build") {
			continue
		}
		var bub core.Bubble
		if err := kb.GetJSON(ctx, d.store, it.Key(), &bub); err != nil {
			d.logger.Warn("skipping corrupt bubble record", "key", it.Key(), "error", err)
			continue
		}
		recorded[bub.DirName()] = &bub
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	for dirName, path := range onDisk {
		if _, ok := recorded[dirName]; ok {
			report.Healthy++
			continue
		}
		bub, err := d.registerOrphan(ctx, path)
		if err != nil {
			d.logger.Warn("orphan bubble not registrable", "dir", dirName, "error", err)
			continue
		}
		report.Orphans = append(report.Orphans, bub.DirName())
	}

	for dirName := range recorded {
		if _, ok := onDisk[dirName]; !ok {
			report.Ghosts = append(report.Ghosts, dirName)
			d.logger.Warn("ghost bubble: KB record with no directory", "dir", dirName)
		}
	}

	return report, nil
}

// registerOrphan reconstructs a KB record for a bubble directory from its
// manifest and dependency snapshot.
func (d *Doctor) registerOrphan(ctx context.Context, path string) (*core.Bubble, error) {
	manifest, err := bubble.ReadManifest(path)
	if err != nil {
		return nil, fmt.Errorf("unreadable manifest: %w", err)
	}
	deps, err := bubble.ReadDeps(path)
	if err != nil {
		deps = map[string]string{}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var size int64
	for _, entry := range manifest.Entries {
		if entry.Kind == core.EntryFile {
			size += entry.Size
		}
	}

	bub := &core.Bubble{
		PackageName:        manifest.PackageName,
		Version:            manifest.Version,
		RootPath:           path,
		Manifest:           *manifest,
		CreatedAt:          info.ModTime().UTC(),
		SizeBytes:          size,
		DependencySnapshot: deps,
	}

	bubbleKey := kb.BubbleKey(bub.PackageName, bub.Version)
	pkgKey := kb.PkgKey(bub.PackageName)
	err = kb.RetryTransaction(ctx, d.store, []string{bubbleKey, pkgKey}, func(tx kb.Txn) error {
		if err := kb.TxSetJSON(tx, bubbleKey, bub); err != nil {
			return err
		}
		var pkg core.Package
		if err := kb.TxGetJSON(tx, pkgKey, &pkg); err != nil {
			pkg = core.Package{Name: bub.PackageName}
		}
		if !pkg.HasVersion(bub.Version) {
			pkg.InstalledVersions = append(pkg.InstalledVersions, bub.Version)
			core.SortVersionsDescending(pkg.InstalledVersions)
		}
		return kb.TxSetJSON(tx, pkgKey, pkg)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("orphan bubble registered", "bubble", bub.DirName())
	return bub, nil
}

// VerifyBubble re-hashes every manifest entry of one bubble and reports
// drifted paths.
func (d *Doctor) VerifyBubble(ctx context.Context, name, version string) ([]string, error) {
	var bub core.Bubble
	err := kb.GetJSON(ctx, d.store, kb.BubbleKey(name, version), &bub)
	if err != nil {
		return nil, &core.ErrBubbleNotFound{PackageName: core.NormalizeName(name), Version: version}
	}

	pool := pond.NewPool(verifyWorkers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	var mu sync.Mutex
	var drifted []string

	for _, entry := range bub.Manifest.Entries {
		entry := entry
		group.SubmitErr(func() error {
			if ctx.Err() != nil {
				return core.ErrCancelled
			}

			var path string
			switch entry.Kind {
			case core.EntryDedupRef:
				path = filepath.Join(d.cfg.InstallRoot, entry.Target)
			default:
				path = filepath.Join(bub.RootPath, entry.RelativePath)
			}

			hash, _, err := bubble.HashFile(path)
			if err != nil || hash != entry.SHA256 {
				mu.Lock()
				drifted = append(drifted, entry.RelativePath)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return drifted, nil
}

// RebuildKB discards the KB's package, bubble and snapshot records and
// reconstructs package and bubble records from the filesystem: the main
// environment's package map, plus every bubble directory's manifest.
// Interpreter registrations are not discarded, and snapshot records are not
// re-registered from the snapshot files.
func (d *Doctor) RebuildKB(ctx context.Context) error {
	d.logger.Info("rebuilding knowledge base from filesystem")

	// Discard the package, bubble and snapshot prefixes, then the schema key
	// is rewritten below.
	for _, prefix := range []string{kb.PkgPrefix(), kb.BubblePrefix(), kb.SnapshotPrefix()} {
		it, err := d.store.Scan(ctx, prefix)
		if err != nil {
			return err
		}
		var keys []string
		for it.Next(ctx) {
			keys = append(keys, it.Key())
		}
		if err := it.Err(); err != nil {
			it.Close()
			return err
		}
		it.Close()
		for _, key := range keys {
			if err := d.store.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	if err := d.store.Set(ctx, kb.KeySchemaVersion, []byte(fmt.Sprintf("%d", kb.SchemaVersion))); err != nil {
		return err
	}

	// Active versions from the main environment.
	env, err := installer.ScanEnvironment(d.cfg.InstallRoot)
	if err != nil {
		return err
	}
	for name, version := range env {
		pkg := core.Package{
			Name:              name,
			InstalledVersions: []string{version},
			ActiveVersion:     version,
		}
		if err := kb.SetJSON(ctx, d.store, kb.PkgKey(name), pkg); err != nil {
			return err
		}
	}

	// Bubbled versions from disk.
	report, err := d.ScanBubbles(ctx)
	if err != nil {
		return err
	}

	d.logger.Info("knowledge base rebuilt",
		"packages", len(env),
		"bubbles_registered", len(report.Orphans),
		"ghosts", len(report.Ghosts),
	)
	return nil
}

// RescanInterpreters reconciles the interpreter registry against the
// managed roots.
func (d *Doctor) RescanInterpreters(ctx context.Context, managedRoots []string) (adopted, removed []string, err error) {
	return d.registry.Rescan(ctx, managedRoots)
}
