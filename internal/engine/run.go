package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/heal"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// RunResult is the outcome of a script run.
type RunResult struct {
	ExitCode int
	Healed   bool
	// Activated lists the bubbles the successful run was activated under.
	Activated []string
}

// RunScript executes a script under the engine's interpreter. With autoHeal
// enabled, a failing run is analyzed against the healing pattern table;
// recognized requirements get bubbles built (when they conflict with the
// active environment) and the script is re-run with those bubbles
// activated. The loop is bounded by the configured attempt budget. Pinned
// requirements never modify the main environment; an unpinned requirement
// for a package that is not installed at all is installed into main.
func (e *Engine) RunScript(ctx context.Context, scriptPath string, args []string, autoHeal bool) (*RunResult, error) {
	var activated []string

	exitCode, stderr, err := e.runOnce(ctx, scriptPath, args, activated)
	if err != nil {
		return nil, err
	}
	if exitCode == 0 || !autoHeal {
		return &RunResult{ExitCode: exitCode, Activated: activated}, nil
	}

	plan := heal.Analyze(stderr, e.Cfg.Heal.MaxAttempts)
	if plan == nil {
		e.Logger.Info("failure did not match any healing pattern")
		metrics.HealAttemptsTotal.WithLabelValues("unrecognized").Inc()
		return &RunResult{ExitCode: exitCode}, nil
	}

	for !plan.Exhausted() {
		if ctx.Err() != nil {
			return nil, core.ErrCancelled
		}
		e.Logger.Info("healing plan derived",
			"attempt", plan.Attempt+1,
			"max_attempts", plan.MaxAttempts,
			"requirements", requirementStrings(plan.Requirements),
		)

		roots, specs, err := e.ensureHealingBubbles(ctx, plan.Requirements)
		if err != nil {
			metrics.HealAttemptsTotal.WithLabelValues("build_failure").Inc()
			return nil, err
		}

		exitCode, stderr, err = e.runOnce(ctx, scriptPath, args, roots)
		if err != nil {
			return nil, err
		}
		if exitCode == 0 {
			metrics.HealAttemptsTotal.WithLabelValues("success").Inc()
			return &RunResult{ExitCode: 0, Healed: true, Activated: specs}, nil
		}

		// Fold newly-recognized requirements in, then widen.
		if next := heal.Analyze(stderr, plan.MaxAttempts); next != nil {
			plan.Requirements = mergeRequirements(plan.Requirements, next.Requirements)
		}
		plan = heal.Widen(plan)
	}

	metrics.HealAttemptsTotal.WithLabelValues("exhausted").Inc()
	return &RunResult{ExitCode: exitCode}, nil
}

// runOnce executes the script with the given bubble roots layered over the
// main environment.
func (e *Engine) runOnce(ctx context.Context, scriptPath string, args, bubbleRoots []string) (int, string, error) {
	argv := append([]string{scriptPath}, args...)
	cmd := exec.CommandContext(ctx, e.interpreterExe, argv...)

	searchPath := append(append([]string(nil), bubbleRoots...), e.Cfg.InstallRoot)
	cmd.Env = append(os.Environ(),
		"PYTHONPATH="+strings.Join(searchPath, string(os.PathListSeparator)),
		config.EnvSubprocess+"=1",
	)

	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	os.Stderr.Write(stderr.Bytes())

	if ctx.Err() != nil {
		return -1, "", core.ErrCancelled
	}
	if err == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	return -1, "", fmt.Errorf("failed to run script: %w", err)
}

// ensureHealingBubbles satisfies the plan's requirements: pinned versions
// that conflict with the active one get bubbles (built on demand), leaving
// the main environment untouched; already-satisfied requirements need
// nothing; an unpinned requirement with nothing installed is installed into
// the main environment. Returns the bubble roots to layer and their specs.
func (e *Engine) ensureHealingBubbles(ctx context.Context, reqs []core.Requirement) (roots []string, specs []string, err error) {
	env, err := e.Driver.Environment(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, req := range reqs {
		active := env[req.Name]
		if req.Version == nil {
			if active != "" {
				continue // any version satisfies an unpinned requirement
			}
			// Nothing installed: an unpinned heal means a plain install.
			if _, err := e.Install(ctx, []core.Requirement{req}); err != nil {
				return nil, nil, err
			}
			continue
		}

		version := req.Version.String()
		if active == version {
			continue
		}

		bub, err := e.Builder.Get(ctx, req.Name, version)
		if err != nil {
			err = e.Lock.WithLock(ctx, "heal "+core.BubbleDirName(req.Name, version),
				e.Cfg.Lock.Timeout, e.Cfg.Lock.RetryInterval, func() error {
					var berr error
					bub, berr = e.Builder.Build(ctx, req)
					return berr
				})
			if err != nil {
				return nil, nil, err
			}
		}
		roots = append(roots, bub.RootPath)
		specs = append(specs, req.String())
	}
	return roots, specs, nil
}

func mergeRequirements(existing, incoming []core.Requirement) []core.Requirement {
	seen := map[string]bool{}
	for _, req := range existing {
		seen[req.Name] = true
	}
	for _, req := range incoming {
		if !seen[req.Name] {
			existing = append(existing, req)
			seen[req.Name] = true
		}
	}
	return existing
}

func requirementStrings(reqs []core.Requirement) []string {
	out := make([]string, len(reqs))
	for i, req := range reqs {
		out[i] = req.String()
	}
	return out
}
