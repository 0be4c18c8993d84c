package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/jellydator/ttlcache/v3"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// PreflightResult is the outcome of the cheap satisfaction check.
type PreflightResult struct {
	Satisfied bool
	// Delta lists the requirements the current environment does not
	// satisfy; empty when Satisfied.
	Delta []core.Requirement
}

// Driver drives the ecosystem's native installer as a subprocess. The tool
// is selected from the configured priority list; the first one found on
// PATH wins. No failure is retried automatically at this layer.
type Driver struct {
	cfg    *config.Config
	logger *slog.Logger

	// envCache caches environment scans so repeated preflights over an
	// already-satisfied set complete in sub-second time.
	envCache *ttlcache.Cache[string, map[string]string]
}

// NewDriver creates an installer driver for one interpreter configuration.
func NewDriver(cfg *config.Config, logger *slog.Logger) *Driver {
	cache := ttlcache.New[string, map[string]string](
		ttlcache.WithTTL[string, map[string]string](cfg.Installer.PreflightTTL),
		ttlcache.WithDisableTouchOnHit[string, map[string]string](),
	)
	go cache.Start()
	return &Driver{cfg: cfg, logger: logger, envCache: cache}
}

// Close stops the driver's background cache janitor.
func (d *Driver) Close() {
	d.envCache.Stop()
}

// Tool resolves the installer executable from the configured priority list.
func (d *Driver) Tool() (string, error) {
	for _, name := range d.cfg.InstallerPriority {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", &core.ErrUserInput{Field: "installer_priority",
		Detail: fmt.Sprintf("none of %v found on PATH", d.cfg.InstallerPriority)}
}

// Environment returns the package→version map of the main environment,
// served from the preflight cache when fresh.
func (d *Driver) Environment(ctx context.Context) (map[string]string, error) {
	if item := d.envCache.Get(d.cfg.InstallRoot); item != nil {
		return item.Value(), nil
	}
	packages, err := ScanEnvironment(d.cfg.InstallRoot)
	if err != nil {
		return nil, err
	}
	d.envCache.Set(d.cfg.InstallRoot, packages, ttlcache.DefaultTTL)
	return packages, nil
}

// InvalidateEnvironment drops the cached environment scan. Called after
// every operation that mutates the main environment.
func (d *Driver) InvalidateEnvironment() {
	d.envCache.Delete(d.cfg.InstallRoot)
}

// Preflight checks the requirements against current environment metadata.
// It never invokes the installer, so already-satisfied sets return in
// sub-second time.
func (d *Driver) Preflight(ctx context.Context, reqs []core.Requirement) (PreflightResult, error) {
	env, err := d.Environment(ctx)
	if err != nil {
		return PreflightResult{}, err
	}

	var delta []core.Requirement
	for _, req := range reqs {
		active, installed := env[req.Name]
		switch {
		case !installed:
			delta = append(delta, req)
		case req.Version != nil && active != req.Version.String():
			delta = append(delta, req)
		}
	}

	return PreflightResult{Satisfied: len(delta) == 0, Delta: delta}, nil
}

// Stage drives the installer to install the requirements into targetRoot,
// isolated from the main environment, and classifies the result against the
// main environment's current state.
func (d *Driver) Stage(ctx context.Context, reqs []core.Requirement, targetRoot string) (*StagedResult, error) {
	before, err := d.Environment(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := d.runInstall(ctx, "stage", reqs, targetRoot)
	if err != nil {
		return nil, err
	}
	return classify(installed, before), nil
}

// InstallMain drives the installer against the main environment itself.
// Callers hold the installation lock and have captured a snapshot.
func (d *Driver) InstallMain(ctx context.Context, reqs []core.Requirement) (*StagedResult, error) {
	before, err := d.Environment(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := d.runInstall(ctx, "install", reqs, d.cfg.InstallRoot)
	d.InvalidateEnvironment()
	if err != nil {
		return nil, err
	}
	return classify(installed, before), nil
}

// Uninstall removes packages from the main environment.
func (d *Driver) Uninstall(ctx context.Context, names []string) error {
	tool, err := d.Tool()
	if err != nil {
		return err
	}

	argv := toolArgv(tool, "uninstall")
	argv = append(argv, "-y")
	for _, name := range names {
		argv = append(argv, core.NormalizeName(name))
	}

	_, stderr, err := d.run(ctx, tool, argv, map[string]string{"PIP_TARGET": d.cfg.InstallRoot})
	d.InvalidateEnvironment()
	if err != nil {
		return d.wrapRunError("uninstall", tool, stderr, err)
	}
	metrics.InstallerRunsTotal.WithLabelValues(filepath.Base(tool), "success").Inc()
	return nil
}

// runInstall executes one install invocation with a machine-readable report
// and returns the parsed installed set.
func (d *Driver) runInstall(ctx context.Context, phase string, reqs []core.Requirement, targetRoot string) ([]ChangedPackage, error) {
	tool, err := d.Tool()
	if err != nil {
		return nil, err
	}

	reportFile, err := os.CreateTemp("", "multipkg-report-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}
	reportPath := reportFile.Name()
	reportFile.Close()
	defer os.Remove(reportPath)

	argv := toolArgv(tool, "install")
	argv = append(argv,
		"--target", targetRoot,
		"--report", reportPath,
		"--quiet",
	)
	for _, req := range reqs {
		argv = append(argv, req.String())
	}

	_, stderr, err := d.run(ctx, tool, argv, nil)
	if err != nil {
		metrics.InstallerRunsTotal.WithLabelValues(filepath.Base(tool), "failure").Inc()
		return nil, d.wrapRunError(phase, tool, stderr, err)
	}
	metrics.InstallerRunsTotal.WithLabelValues(filepath.Base(tool), "success").Inc()

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, &core.ErrInstallerProtocol{Tool: filepath.Base(tool), Detail: "report file missing", Cause: err}
	}
	return parseReport(filepath.Base(tool), data)
}

// run executes the tool with the subprocess marker set and the configured
// timeout applied.
func (d *Driver) run(ctx context.Context, tool string, argv []string, extraEnv map[string]string) (stdout, stderr []byte, err error) {
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Installer.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tool, argv...)
	cmd.Env = append(os.Environ(), config.EnvSubprocess+"=1")
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	d.logger.Debug("running installer", "tool", tool, "args", argv)
	err = cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return outBuf.Bytes(), errBuf.Bytes(), &core.ErrInstallTimeout{
			Tool:    filepath.Base(tool),
			Timeout: d.cfg.Installer.Timeout,
		}
	}
	if ctx.Err() != nil {
		return outBuf.Bytes(), errBuf.Bytes(), core.ErrCancelled
	}
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func (d *Driver) wrapRunError(phase, tool string, stderr []byte, err error) error {
	var timeout *core.ErrInstallTimeout
	if errors.As(err, &timeout) || errors.Is(err, core.ErrCancelled) {
		return err
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := stderr
		if max := d.cfg.Installer.StderrTailLen; max > 0 && len(tail) > max {
			tail = tail[len(tail)-max:]
		}
		return &core.ErrInstallFailed{
			Phase:      phase,
			Tool:       filepath.Base(tool),
			ExitCode:   exitErr.ExitCode(),
			StderrTail: string(tail),
		}
	}
	return fmt.Errorf("installer %s failed to run: %w", filepath.Base(tool), err)
}

// toolArgv maps the abstract operation onto the tool's command line. The
// "uv" frontend nests installer operations under its pip subcommand.
func toolArgv(tool, operation string) []string {
	if filepath.Base(tool) == "uv" {
		return []string{"pip", operation}
	}
	return []string{operation}
}

// EnsureStageRoot creates a fresh temporary staging root under the bubble
// root (in its .staging directory) so that staged files land on the same
// filesystem as their final destination (cheap renames, working hard links).
func (d *Driver) EnsureStageRoot() (string, error) {
	base := filepath.Join(d.cfg.BubbleRoot, ".staging")
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", err
	}
	root, err := os.MkdirTemp(base, "stage-")
	if err != nil {
		return "", fmt.Errorf("failed to create stage root: %w", err)
	}
	return root, nil
}
