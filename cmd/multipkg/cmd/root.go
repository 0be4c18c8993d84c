// Package cmd implements the multipkg command-line surface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/engine"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/pkg/logger"
)

var (
	flagInterpreter string
	flagLogLevel    string
	flagYes         bool
)

var rootCmd = &cobra.Command{
	Use:   "multipkg",
	Short: "Multi-version package manager with per-version bubbles",
	Long: `multipkg manages multiple incompatible versions of the same library in a
single installation root. Non-active versions live in isolated "bubbles"
that a running program can switch between at runtime.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagInterpreter, "interpreter", "i", "",
		"target interpreter version (default: "+config.EnvInterpreter+" or the recorded default)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"override the configured log level")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false,
		"assume yes for confirmation prompts")
}

// Execute runs the CLI and returns the process exit code:
// 0 success, 1 user-visible error, 2 environmental failure, 3 conflict
// requiring manual intervention.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps the error taxonomy onto the documented exit codes.
func exitCode(err error) int {
	switch core.CodeOf(err) {
	case core.CodeBackendUnavailable, core.CodeSchemaMismatch,
		core.CodeInstallTimeout, core.CodeInstallerProtocol:
		return 2
	case core.CodeConflict, core.CodeLocked:
		return 3
	default:
		return 1
	}
}

// targetInterpreter resolves the interpreter version for this invocation:
// the --interpreter flag, then the dispatcher environment variable, then
// the recorded default.
func targetInterpreter() (string, error) {
	if flagInterpreter != "" {
		return flagInterpreter, nil
	}
	if v := interp.DispatchTarget(engine.DefaultInterpreter()); v != "" {
		return v, nil
	}
	return "", &core.ErrUserInput{Field: "interpreter",
		Detail: "no target interpreter: pass --interpreter, set " + config.EnvInterpreter + ", or adopt one"}
}

// newEngine builds the engine for the resolved interpreter.
func newEngine(ctx context.Context) (*engine.Engine, error) {
	version, err := targetInterpreter()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(version)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return engine.New(ctx, version, cfg, clockwork.NewRealClock(), newLogger(cfg))
}

func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	if flagLogLevel != "" {
		logCfg.Level = flagLogLevel
	}
	return logger.NewLogger(logCfg)
}

func parseRequirements(specs []string) ([]core.Requirement, error) {
	reqs := make([]core.Requirement, 0, len(specs))
	for _, spec := range specs {
		req, err := core.ParseRequirement(spec)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
