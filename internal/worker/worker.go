// Package worker maintains a pool of persistent child interpreter
// processes, one per distinct (interpreter version, bubble spec), each
// pre-warmed and holding its configured activation.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
)

// runnerProgram is the request loop a worker child runs: one JSON request
// per line on stdin, one JSON response per line on stdout.
const runnerProgram = `
import json, sys, io, contextlib
for line in sys.stdin:
    req = json.loads(line)
    out = io.StringIO()
    resp = {"ok": True, "output": ""}
    try:
        with contextlib.redirect_stdout(out), contextlib.redirect_stderr(out):
            exec(compile(req["code"], "<multipkg>", "exec"), {})
    except SystemExit as e:
        resp["ok"] = (e.code in (0, None))
        resp["error"] = "exit %s" % e.code
    except BaseException as e:
        resp["ok"] = False
        resp["error"] = "%s: %s" % (type(e).__name__, e)
    resp["output"] = out.getvalue()
    sys.stdout.write(json.dumps(resp) + "\n")
    sys.stdout.flush()
`

// scrubVars are inherited variables that could leak the parent's package
// state into a worker. They are removed before the worker's own bubble
// environment is applied.
var scrubVars = []string{
	"PYTHONPATH",
	"LD_LIBRARY_PATH",
	"DYLD_LIBRARY_PATH",
	config.EnvActiveBubble,
}

// request is one execute call on the wire.
type request struct {
	Code string `json:"code"`
}

// Result is the outcome of one execute call.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Worker is one persistent child process.
type Worker struct {
	key        string
	executable string
	bubbleSpec string
	searchPath []string
	logger     *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    *json.Encoder
	stdout   *bufio.Reader
	lastUsed time.Time
}

// newWorker configures a worker; the process starts lazily on first use.
func newWorker(key, executable, bubbleSpec string, searchPath []string, logger *slog.Logger) *Worker {
	return &Worker{
		key:        key,
		executable: executable,
		bubbleSpec: bubbleSpec,
		searchPath: searchPath,
		logger:     logger.With("worker", key),
	}
}

// start launches the child with a scrubbed environment and the worker's
// configured activation applied.
func (w *Worker) start() error {
	cmd := exec.Command(w.executable, "-u", "-c", runnerProgram)
	cmd.Env = w.childEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = json.NewEncoder(stdin)
	w.stdout = bufio.NewReader(stdout)
	w.logger.Debug("worker started", "pid", cmd.Process.Pid)
	return nil
}

// childEnv scrubs path-leaking variables and applies the worker's own
// bubble spec and search path.
func (w *Worker) childEnv() []string {
	scrub := make(map[string]bool, len(scrubVars))
	for _, name := range scrubVars {
		scrub[name] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if !scrub[name] {
			env = append(env, kv)
		}
	}
	if len(w.searchPath) > 0 {
		env = append(env, "PYTHONPATH="+strings.Join(w.searchPath, string(os.PathListSeparator)))
	}
	if w.bubbleSpec != "" {
		env = append(env, config.EnvActiveBubble+"="+w.bubbleSpec)
	}
	env = append(env, config.EnvSubprocess+"=1")
	return env
}

// alive reports whether the child process is running.
func (w *Worker) alive() bool {
	return w.cmd != nil && w.cmd.ProcessState == nil
}

// Execute runs code in the worker, restarting the child transparently if
// it died. Blocking; the context bounds the wait.
func (w *Worker) Execute(ctx context.Context, code string) (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.alive() {
		if err := w.start(); err != nil {
			return nil, err
		}
	}

	if err := w.stdin.Encode(request{Code: code}); err != nil {
		// The child exited since the last request: restart it and resend.
		w.stopLocked()
		if err := w.start(); err != nil {
			return nil, err
		}
		if err := w.stdin.Encode(request{Code: code}); err != nil {
			w.stopLocked()
			return nil, fmt.Errorf("failed to send request to worker: %w", err)
		}
	}

	type lineResult struct {
		line []byte
		err  error
	}
	lineCh := make(chan lineResult, 1)
	go func() {
		line, err := w.stdout.ReadBytes('\n')
		lineCh <- lineResult{line, err}
	}()

	select {
	case <-ctx.Done():
		// The child may be wedged mid-request; kill it so the next call
		// gets a fresh process.
		w.stopLocked()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("worker request timed out")
		}
		return nil, core.ErrCancelled
	case lr := <-lineCh:
		if lr.err != nil {
			w.stopLocked()
			return nil, fmt.Errorf("worker died mid-request: %w", lr.err)
		}
		var result Result
		if err := json.Unmarshal(lr.line, &result); err != nil {
			w.stopLocked()
			return nil, fmt.Errorf("unparseable worker response: %w", err)
		}
		return &result, nil
	}
}

// Stop terminates the child process.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Worker) stopLocked() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	w.cmd.Process.Kill()
	w.cmd.Wait()
	w.cmd = nil
	w.logger.Debug("worker stopped")
}

// touch records the time of the most recent request; the pool stamps it
// from its own clock so idle reaping stays testable.
func (w *Worker) touch(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = now
}

// LastUsed returns the time of the most recent request.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// bubbleSearchPath assembles the module search path a worker's bubble
// configuration requires: bubble root first, then the main environment.
func bubbleSearchPath(bubbleRoot, installRoot string) []string {
	var path []string
	if bubbleRoot != "" {
		path = append(path, bubbleRoot, filepath.Join(bubbleRoot, ".libs"))
	}
	return append(path, installRoot)
}
