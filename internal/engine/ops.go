package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	"github.com/vitaliisemenov/multipkg/internal/snapshot"
)

// Uninstall removes specs. A pinned, bubbled version removes only that
// bubble; a pinned active version (or an unpinned name) removes the package
// from the main environment and drops the version from the KB. A package
// record with no versions left is destroyed.
func (e *Engine) Uninstall(ctx context.Context, reqs []core.Requirement) error {
	env, err := e.Driver.Environment(ctx)
	if err != nil {
		return err
	}

	for _, req := range reqs {
		active := env[req.Name]

		if req.Version != nil && req.Version.String() != active {
			// Non-active version: held by a bubble if anywhere.
			if err := e.Builder.Remove(ctx, req.Name, req.Version.String()); err != nil {
				return err
			}
			continue
		}

		if active == "" {
			return &core.ErrUserInput{Field: "spec", Detail: fmt.Sprintf("%s is not installed", req.Name)}
		}

		err := e.Lock.WithLock(ctx, "uninstall "+req.Name,
			e.Cfg.Lock.Timeout, e.Cfg.Lock.RetryInterval, func() error {
				if _, err := e.Snaps.Capture(ctx); err != nil {
					return err
				}
				if err := e.Driver.Uninstall(ctx, []string{req.Name}); err != nil {
					return err
				}
				return e.dropActiveVersion(ctx, req.Name, active)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dropActiveVersion(ctx context.Context, name, version string) error {
	pkgKey := kb.PkgKey(name)
	return kb.RetryTransaction(ctx, e.Store, []string{pkgKey}, func(tx kb.Txn) error {
		var pkg core.Package
		if err := kb.TxGetJSON(tx, pkgKey, &pkg); err != nil {
			return nil // nothing recorded
		}
		kept := pkg.InstalledVersions[:0]
		for _, v := range pkg.InstalledVersions {
			if v != version {
				kept = append(kept, v)
			}
		}
		pkg.InstalledVersions = kept
		pkg.ActiveVersion = ""
		if len(pkg.InstalledVersions) == 0 {
			tx.Delete(pkgKey)
			return nil
		}
		return kb.TxSetJSON(tx, pkgKey, pkg)
	})
}

// PackageInfo is one list/info row.
type PackageInfo struct {
	Name              string   `json:"name"`
	ActiveVersion     string   `json:"active_version"`
	BubbledVersions   []string `json:"bubbled_versions,omitempty"`
	InstalledVersions []string `json:"installed_versions"`
}

// List returns the package table: active versions from the main
// environment merged with bubbled versions from the KB.
func (e *Engine) List(ctx context.Context) ([]PackageInfo, error) {
	env, err := e.Driver.Environment(ctx)
	if err != nil {
		return nil, err
	}
	bubbles, err := e.Builder.List(ctx)
	if err != nil {
		return nil, err
	}

	byName := map[string]*PackageInfo{}
	for name, version := range env {
		byName[name] = &PackageInfo{
			Name:              name,
			ActiveVersion:     version,
			InstalledVersions: []string{version},
		}
	}
	for _, bub := range bubbles {
		info, ok := byName[bub.PackageName]
		if !ok {
			info = &PackageInfo{Name: bub.PackageName}
			byName[bub.PackageName] = info
		}
		info.BubbledVersions = append(info.BubbledVersions, bub.Version)
		info.InstalledVersions = append(info.InstalledVersions, bub.Version)
	}

	out := make([]PackageInfo, 0, len(byName))
	for _, info := range byName {
		core.SortVersionsDescending(info.InstalledVersions)
		core.SortVersionsDescending(info.BubbledVersions)
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Info returns detail for one package, including bubble records.
func (e *Engine) Info(ctx context.Context, name string) (*PackageInfo, []*core.Bubble, error) {
	name = core.NormalizeName(name)
	list, err := e.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, info := range list {
		if info.Name != name {
			continue
		}
		var bubbles []*core.Bubble
		for _, version := range info.BubbledVersions {
			if bub, err := e.Builder.Get(ctx, name, version); err == nil {
				bubbles = append(bubbles, bub)
			}
		}
		return &info, bubbles, nil
	}
	return nil, nil, &core.ErrUserInput{Field: "package", Detail: fmt.Sprintf("%s is not installed", name)}
}

// StatusReport summarizes engine state for the status operation.
type StatusReport struct {
	InterpreterVersion string `json:"interpreter_version"`
	InterpreterExe     string `json:"interpreter_exe"`
	KBBackend          string `json:"kb_backend"`
	Packages           int    `json:"packages"`
	Bubbles            int    `json:"bubbles"`
	Snapshots          int    `json:"snapshots"`
	BubbleBytes        int64  `json:"bubble_bytes"`
}

// Status assembles the status report.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	env, err := e.Driver.Environment(ctx)
	if err != nil {
		return nil, err
	}
	bubbles, err := e.Builder.List(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := e.Snaps.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		InterpreterVersion: e.interpreterVersion,
		InterpreterExe:     e.interpreterExe,
		KBBackend:          e.Store.Backend(),
		Packages:           len(env),
		Bubbles:            len(bubbles),
		Snapshots:          len(snaps),
	}
	for _, bub := range bubbles {
		report.BubbleBytes += bub.SizeBytes
	}
	return report, nil
}

// Prune removes bubbles that violate the active-version invariant (a
// bubble must never hold the currently-active version). Bubbles whose
// package is absent from the main environment are kept.
func (e *Engine) Prune(ctx context.Context) ([]string, error) {
	env, err := e.Driver.Environment(ctx)
	if err != nil {
		return nil, err
	}
	bubbles, err := e.Builder.List(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, bub := range bubbles {
		active, installed := env[bub.PackageName]
		if installed && active != bub.Version {
			continue
		}
		if !installed {
			// Keep bubbles for packages removed from main: they are still
			// activatable. Only the active-version overlap is pruned.
			continue
		}
		if err := e.Builder.Remove(ctx, bub.PackageName, bub.Version); err != nil {
			return pruned, err
		}
		pruned = append(pruned, bub.DirName())
	}
	return pruned, nil
}

// Revert plans and, when confirm approves, executes a revert to the given
// snapshot. The filesystem-mutation phase runs under the installation lock.
func (e *Engine) Revert(ctx context.Context, snapshotID string, confirm func(plan *snapshot.Plan) bool) error {
	target, err := e.Snaps.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	plan, err := e.Snaps.PlanRevert(ctx, target)
	if err != nil {
		return err
	}
	if plan.Empty() {
		e.Logger.Info("environment already matches snapshot", "snapshot", snapshotID)
		return nil
	}
	if confirm != nil && !confirm(plan) {
		return core.ErrCancelled
	}

	return e.Lock.WithLock(ctx, "revert "+snapshotID,
		e.Cfg.Lock.Timeout, e.Cfg.Lock.RetryInterval, func() error {
			return e.Snaps.ExecuteRevert(ctx, plan)
		})
}

// SwapInterpreter records a new default interpreter version for the shim
// dispatcher.
func (e *Engine) SwapInterpreter(ctx context.Context, version string) error {
	if _, err := e.Registry.Lookup(ctx, version); err != nil {
		return err
	}
	return WriteDefaultInterpreter(version)
}

// WriteDefaultInterpreter records the default interpreter version the
// dispatcher falls back to.
func WriteDefaultInterpreter(version string) error {
	path := defaultInterpreterPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(version+"\n"), 0o600)
}

// DefaultInterpreter reads the recorded default interpreter version, if
// any.
func DefaultInterpreter() string {
	data, err := os.ReadFile(defaultInterpreterPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func defaultInterpreterPath() string {
	return filepath.Join(config.Home(), "default-interpreter")
}
