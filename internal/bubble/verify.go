package bubble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
)

// verifyAttempts bounds targeted repairs before verification fails.
const verifyAttempts = 3

// verifyTimeout bounds one smoke-import subprocess.
const verifyTimeout = 30 * time.Second

var (
	moduleNotFoundRe = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)
	symbolNotFoundRe = regexp.MustCompile(`ImportError: cannot import name '([^']+)'`)
	abiErrorRe       = regexp.MustCompile(`ImportError: .*(undefined symbol|incompatible|ABI)`)
)

// Verifier smoke-imports a bubble's provided modules inside an isolated
// subprocess that sees only the bubble plus the main environment, and
// applies targeted repairs for the failure classes it recognizes.
type Verifier struct {
	interpreterExe string
	mainRoot       string
	logger         *slog.Logger
}

// NewVerifier creates an import verifier bound to one interpreter and main
// environment.
func NewVerifier(interpreterExe, mainRoot string, logger *slog.Logger) *Verifier {
	return &Verifier{interpreterExe: interpreterExe, mainRoot: mainRoot, logger: logger}
}

// Verify runs the smoke imports, repairing from the stage root between
// attempts. Returns ErrVerificationFailed once attempts are exhausted.
func (v *Verifier) Verify(ctx context.Context, bubbleDir, stageRoot string, modules []string) error {
	var failures []core.ImportFailure
	attempts := 0

	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		attempts = attempt
		failures = nil
		for _, module := range modules {
			if ctx.Err() != nil {
				return core.ErrCancelled
			}
			if failure := v.smokeImport(ctx, bubbleDir, module); failure != nil {
				failures = append(failures, *failure)
			}
		}
		if len(failures) == 0 {
			return nil
		}

		repaired := 0
		for _, failure := range failures {
			if v.repair(bubbleDir, stageRoot, failure) {
				repaired++
			}
		}
		v.logger.Info("bubble verification attempt failed",
			"attempt", attempt,
			"failures", len(failures),
			"repaired", repaired,
		)
		if repaired == 0 {
			break // widening repairs exhausted, next attempt would be identical
		}
	}

	name := filepath.Base(bubbleDir)
	return &core.ErrVerificationFailed{
		PackageName: name,
		Failures:    failures,
		Attempts:    attempts,
	}
}

// smokeImport imports one module inside a subprocess whose search path is
// exactly bubble + main environment. Returns nil on success.
func (v *Verifier) smokeImport(ctx context.Context, bubbleDir, module string) *core.ImportFailure {
	runCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	script := fmt.Sprintf("import %s", pyIdent(module))
	cmd := exec.CommandContext(runCtx, v.interpreterExe, "-c", script)
	cmd.Env = append(scrubbedBaseEnv(),
		"PYTHONPATH="+bubbleDir+string(os.PathListSeparator)+v.mainRoot,
		config.EnvSubprocess+"=1",
	)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err == nil {
		return nil
	}

	return &core.ImportFailure{
		Module: module,
		Class:  classifyImportError(stderr.String()),
		Detail: tail(stderr.String(), 512),
	}
}

// repair applies the targeted fix for one failure: copy the missing files
// from the stage root into the bubble. Returns true if anything changed.
func (v *Verifier) repair(bubbleDir, stageRoot string, failure core.ImportFailure) bool {
	if stageRoot == "" {
		return false
	}

	top := strings.SplitN(failure.Module, ".", 2)[0]
	candidates := []string{top, top + ".py"}

	changed := false
	for _, candidate := range candidates {
		src := filepath.Join(stageRoot, candidate)
		dst := filepath.Join(bubbleDir, candidate)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue // already present, content problem is not repairable here
		}
		if err := copyTree(src, dst); err != nil {
			v.logger.Warn("repair copy failed", "src", src, "error", err)
			continue
		}
		v.logger.Info("repaired bubble from stage root", "module", failure.Module, "path", candidate)
		changed = true
	}
	return changed
}

func classifyImportError(stderr string) core.ImportFailureClass {
	switch {
	case abiErrorRe.MatchString(stderr):
		return core.ImportBinaryABI
	case moduleNotFoundRe.MatchString(stderr):
		return core.ImportModuleNotFound
	case symbolNotFoundRe.MatchString(stderr):
		return core.ImportSymbolNotFound
	default:
		return core.ImportUnknown
	}
}

// scrubbedBaseEnv returns the parent environment with path-leaking
// variables removed, so the subprocess sees only what the verifier sets.
func scrubbedBaseEnv() []string {
	scrub := map[string]bool{
		"PYTHONPATH":      true,
		"LD_LIBRARY_PATH": true,
		"DYLD_LIBRARY_PATH": true,
		config.EnvActiveBubble: true,
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if !scrub[name] {
			env = append(env, kv)
		}
	}
	return env
}

var pyIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// pyIdent rejects module names that could escape the import statement.
func pyIdent(module string) string {
	if pyIdentRe.MatchString(module) {
		return module
	}
	return "_invalid_module_name_"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
