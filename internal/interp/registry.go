// Package interp maintains the interpreter registry: the mapping from
// semantic interpreter version to executable path, with adoption, removal
// and rescan operations, plus the shim dispatch that selects the target
// interpreter for child processes.
package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/kb"
)

// versionRe extracts a dotted version from interpreter --version output.
var versionRe = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

// Registry is the interpreter registry backed by the KB.
type Registry struct {
	store  kb.Store
	logger *slog.Logger
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store kb.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Adopt probes the executable for its version and registers it. Adopting an
// already-registered version updates the executable path.
func (r *Registry) Adopt(ctx context.Context, executablePath string, managed bool) (core.Interpreter, error) {
	abs, err := filepath.Abs(executablePath)
	if err != nil {
		return core.Interpreter{}, &core.ErrUserInput{Field: "executable", Detail: err.Error()}
	}
	if _, err := os.Stat(abs); err != nil {
		return core.Interpreter{}, &core.ErrUserInput{Field: "executable", Detail: fmt.Sprintf("not found: %s", abs)}
	}

	version, err := ProbeVersion(ctx, abs)
	if err != nil {
		return core.Interpreter{}, err
	}

	interp := core.Interpreter{
		Version:        version,
		ExecutablePath: abs,
		Managed:        managed,
		RegistryID:     version,
	}

	key := kb.InterpreterKey(interp.RegistryID)
	err = kb.RetryTransaction(ctx, r.store, []string{key}, func(tx kb.Txn) error {
		var existing core.Interpreter
		if err := kb.TxGetJSON(tx, key, &existing); err == nil {
			interp.Managed = existing.Managed || managed
		}
		return kb.TxSetJSON(tx, key, interp)
	})
	if err != nil {
		return core.Interpreter{}, err
	}

	r.logger.Info("interpreter adopted", "version", version, "path", abs, "managed", interp.Managed)
	return interp, nil
}

// Remove unregisters an interpreter version.
func (r *Registry) Remove(ctx context.Context, version string) error {
	key := kb.InterpreterKey(version)
	if _, err := r.store.Get(ctx, key); err != nil {
		return &core.ErrUserInput{Field: "interpreter", Detail: fmt.Sprintf("version %s not registered", version)}
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return err
	}
	r.logger.Info("interpreter removed", "version", version)
	return nil
}

// Lookup resolves a registered interpreter version.
func (r *Registry) Lookup(ctx context.Context, version string) (core.Interpreter, error) {
	var interp core.Interpreter
	err := kb.GetJSON(ctx, r.store, kb.InterpreterKey(version), &interp)
	if errors.Is(err, core.ErrNotFound) {
		return core.Interpreter{}, &core.ErrUserInput{Field: "interpreter", Detail: fmt.Sprintf("version %s not registered", version)}
	}
	return interp, err
}

// List returns all registered interpreters.
func (r *Registry) List(ctx context.Context) ([]core.Interpreter, error) {
	it, err := r.store.Scan(ctx, kb.InterpreterPrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []core.Interpreter
	for it.Next(ctx) {
		var interp core.Interpreter
		if err := unmarshalRecord(it.Value(), &interp); err != nil {
			r.logger.Warn("skipping corrupt interpreter record", "key", it.Key(), "error", err)
			continue
		}
		out = append(out, interp)
	}
	return out, it.Err()
}

// Rescan walks the managed roots for interpreter executables and reconciles
// the registry: new executables are adopted, managed registered entries
// whose executables vanished are removed (unmanaged entries are kept).
// Returns adopted and removed versions.
func (r *Registry) Rescan(ctx context.Context, managedRoots []string) (adopted, removed []string, err error) {
	found := map[string]string{} // version → path

	for _, root := range managedRoots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep walking
			}
			if d.IsDir() || !looksLikeInterpreter(d.Name()) {
				return nil
			}
			if info, err := d.Info(); err != nil || info.Mode()&0o111 == 0 {
				return nil
			}
			version, err := ProbeVersion(ctx, path)
			if err != nil {
				return nil
			}
			if _, ok := found[version]; !ok {
				found[version] = path
			}
			return nil
		})
		if walkErr != nil {
			return nil, nil, walkErr
		}
	}

	existing, err := r.List(ctx)
	if err != nil {
		return nil, nil, err
	}

	known := map[string]core.Interpreter{}
	for _, interp := range existing {
		known[interp.Version] = interp
	}

	for version, path := range found {
		if _, ok := known[version]; !ok {
			if _, err := r.Adopt(ctx, path, true); err != nil {
				r.logger.Warn("failed to adopt discovered interpreter", "path", path, "error", err)
				continue
			}
			adopted = append(adopted, version)
		}
	}

	for version, interp := range known {
		if !interp.Managed {
			continue
		}
		if _, err := os.Stat(interp.ExecutablePath); os.IsNotExist(err) {
			if err := r.Remove(ctx, version); err != nil {
				r.logger.Warn("failed to remove stale interpreter", "version", version, "error", err)
				continue
			}
			removed = append(removed, version)
		}
	}

	return adopted, removed, nil
}

// ProbeVersion runs the executable with --version and extracts the dotted
// version.
func ProbeVersion(ctx context.Context, executable string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, executable, "--version").CombinedOutput()
	if err != nil {
		return "", &core.ErrUserInput{Field: "executable",
			Detail: fmt.Sprintf("%s is not a runnable interpreter: %v", executable, err)}
	}
	match := versionRe.FindString(string(out))
	if match == "" {
		return "", &core.ErrUserInput{Field: "executable",
			Detail: fmt.Sprintf("no version in output of %s --version", executable)}
	}
	return match, nil
}

// DispatchTarget resolves the interpreter version a shimmed child process
// should run under: the MULTIPKG_INTERPRETER environment variable when set,
// otherwise the given default.
func DispatchTarget(defaultVersion string) string {
	if v := strings.TrimSpace(os.Getenv(config.EnvInterpreter)); v != "" {
		return v
	}
	return defaultVersion
}

func unmarshalRecord(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func looksLikeInterpreter(name string) bool {
	if strings.HasPrefix(name, "python") || strings.HasPrefix(name, "pypy") {
		// Skip config scripts like python3.11-config.
		return !strings.HasSuffix(name, "-config")
	}
	return false
}
