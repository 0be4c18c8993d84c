// Package snapshot captures environment state cheaply and computes minimal
// reverse plans.
//
// Snapshots are append-only and never mutated. Revert creates forward
// operations that reach an older state; it never rewrites history. A
// snapshot is captured automatically before any mutation and on explicit
// request.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/installer"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// ActionKind classifies one revert plan step.
type ActionKind string

const (
	// ActionReinstall restores a package present in the target snapshot but
	// missing from the current state.
	ActionReinstall ActionKind = "reinstall"
	// ActionUninstall removes a package absent from the target snapshot.
	ActionUninstall ActionKind = "uninstall"
	// ActionFix installs the target version over a version mismatch.
	ActionFix ActionKind = "fix"
)

// Action is one step of a revert plan.
type Action struct {
	Kind           ActionKind `json:"kind"`
	Name           string     `json:"name"`
	TargetVersion  string     `json:"target_version,omitempty"`
	CurrentVersion string     `json:"current_version,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case ActionReinstall:
		return fmt.Sprintf("reinstall %s==%s", a.Name, a.TargetVersion)
	case ActionUninstall:
		return fmt.Sprintf("uninstall %s (currently %s)", a.Name, a.CurrentVersion)
	default:
		return fmt.Sprintf("fix %s to %s (currently %s)", a.Name, a.TargetVersion, a.CurrentVersion)
	}
}

// Plan is the ordered corrective action list a revert executes.
type Plan struct {
	SnapshotID string   `json:"snapshot_id"`
	Actions    []Action `json:"actions"`
}

// Empty reports a no-op plan (revert to the current state).
func (p *Plan) Empty() bool { return len(p.Actions) == 0 }

// String renders the plan for the confirmation prompt.
func (p *Plan) String() string {
	lines := make([]string, 0, len(p.Actions)+1)
	lines = append(lines, fmt.Sprintf("revert to snapshot %s:", p.SnapshotID))
	for _, action := range p.Actions {
		lines = append(lines, "  "+action.String())
	}
	return strings.Join(lines, "\n")
}

// Engine captures snapshots and plans/executes reverts.
type Engine struct {
	cfg                *config.Config
	store              kb.Store
	driver             *installer.Driver
	clock              clockwork.Clock
	logger             *slog.Logger
	interpreterVersion string
}

// NewEngine creates a snapshot engine for one interpreter.
func NewEngine(cfg *config.Config, store kb.Store, driver *installer.Driver, clock clockwork.Clock, interpreterVersion string, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:                cfg,
		store:              store,
		driver:             driver,
		clock:              clock,
		logger:             logger,
		interpreterVersion: interpreterVersion,
	}
}

// Capture records the current package map, writes the snapshot file and
// registers it in the KB.
func (e *Engine) Capture(ctx context.Context) (*core.Snapshot, error) {
	packages, err := installer.ScanEnvironment(e.cfg.InstallRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan environment: %w", err)
	}

	snap := &core.Snapshot{
		ID:                 uuid.NewString(),
		InterpreterVersion: e.interpreterVersion,
		CapturedAt:         e.clock.Now().UTC(),
		Packages:           packages,
		LockfileHash:       installer.LockfileHash(e.cfg.InstallRoot),
	}

	if err := e.writeFile(snap); err != nil {
		return nil, err
	}
	if err := kb.SetJSON(ctx, e.store, kb.SnapshotKey(snap.ID), snap); err != nil {
		return nil, err
	}

	metrics.SnapshotsTotal.Inc()
	e.logger.Info("snapshot captured", "id", snap.ID, "packages", len(packages))
	return snap, nil
}

// Get loads a snapshot by id, preferring the KB and falling back to the
// on-disk file.
func (e *Engine) Get(ctx context.Context, id string) (*core.Snapshot, error) {
	var snap core.Snapshot
	err := kb.GetJSON(ctx, e.store, kb.SnapshotKey(id), &snap)
	if err == nil {
		return &snap, nil
	}
	data, ferr := os.ReadFile(e.filePath(id))
	if ferr != nil {
		return nil, &core.ErrUserInput{Field: "snapshot", Detail: fmt.Sprintf("snapshot %s not found", id)}
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot file %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all snapshots for this interpreter, newest first.
func (e *Engine) List(ctx context.Context) ([]*core.Snapshot, error) {
	it, err := e.store.Scan(ctx, kb.SnapshotPrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*core.Snapshot
	for it.Next(ctx) {
		var snap core.Snapshot
		if err := json.Unmarshal(it.Value(), &snap); err != nil {
			e.logger.Warn("skipping corrupt snapshot record", "key", it.Key(), "error", err)
			continue
		}
		if snap.InterpreterVersion == e.interpreterVersion {
			out = append(out, &snap)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return out, nil
}

// PlanRevert computes the symmetric difference between the current state
// and the target snapshot: missing packages are reinstalled, extra packages
// uninstalled, version mismatches fixed to the target version.
func (e *Engine) PlanRevert(ctx context.Context, target *core.Snapshot) (*Plan, error) {
	current, err := installer.ScanEnvironment(e.cfg.InstallRoot)
	if err != nil {
		return nil, err
	}

	plan := &Plan{SnapshotID: target.ID}

	names := make([]string, 0, len(target.Packages)+len(current))
	seen := map[string]bool{}
	for name := range target.Packages {
		names = append(names, name)
		seen[name] = true
	}
	for name := range current {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		want, inTarget := target.Packages[name]
		have, inCurrent := current[name]
		switch {
		case inTarget && !inCurrent:
			plan.Actions = append(plan.Actions, Action{Kind: ActionReinstall, Name: name, TargetVersion: want})
		case !inTarget && inCurrent:
			plan.Actions = append(plan.Actions, Action{Kind: ActionUninstall, Name: name, CurrentVersion: have})
		case want != have:
			plan.Actions = append(plan.Actions, Action{Kind: ActionFix, Name: name, TargetVersion: want, CurrentVersion: have})
		}
	}
	return plan, nil
}

// ExecuteRevert applies a plan through the installer driver. Failure at any
// step halts execution; the intermediate state is captured in a new
// snapshot so the environment stays well-defined.
func (e *Engine) ExecuteRevert(ctx context.Context, plan *Plan) error {
	if plan.Empty() {
		e.logger.Info("revert plan is empty, nothing to do")
		return nil
	}

	for i, action := range plan.Actions {
		if ctx.Err() != nil {
			return core.ErrCancelled
		}

		var err error
		switch action.Kind {
		case ActionUninstall:
			err = e.driver.Uninstall(ctx, []string{action.Name})
		default:
			req, perr := core.ParseRequirement(action.Name + "==" + action.TargetVersion)
			if perr != nil {
				err = perr
			} else {
				_, err = e.driver.InstallMain(ctx, []core.Requirement{req})
			}
		}

		if err != nil {
			if _, serr := e.Capture(ctx); serr != nil {
				e.logger.Error("failed to capture intermediate snapshot after revert failure", "error", serr)
			}
			return fmt.Errorf("revert halted at step %d (%s): %w", i+1, action, err)
		}
		e.logger.Info("revert step applied", "step", i+1, "total", len(plan.Actions), "action", action.String())
	}
	return nil
}

func (e *Engine) filePath(id string) string {
	return filepath.Join(e.cfg.SnapshotDir, id+".json")
}

// writeFile persists one snapshot as a single file named by id. The write
// is atomic within the snapshot directory.
func (e *Engine) writeFile(snap *core.Snapshot) error {
	if err := os.MkdirAll(e.cfg.SnapshotDir, 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(e.cfg.SnapshotDir, ".snap-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), e.filePath(snap.ID))
}
