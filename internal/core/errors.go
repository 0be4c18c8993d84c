package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for conditions callers discriminate with errors.Is.
var (
	// ErrConflict indicates a KB write race: another writer committed the
	// key group between read and write. Retried up to a small bound by the
	// owning call site, then surfaced.
	ErrConflict = errors.New("kb write conflict")

	// ErrCancelled is returned promptly when a cancellation token fires.
	// No partial commit is ever visible after ErrCancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotFound indicates a missing KB key.
	ErrNotFound = errors.New("key not found")
)

// Code identifies a stable, machine-readable error code. User-facing
// messages are localized separately; the code never changes.
type Code string

const (
	CodeUserError          Code = "user-error"
	CodeConflict           Code = "kb-conflict"
	CodeInstallFailed      Code = "install-failed"
	CodeInstallerProtocol  Code = "installer-protocol"
	CodeInstallTimeout     Code = "install-timeout"
	CodeVerificationFailed Code = "verification-failed"
	CodeBubbleCorrupted    Code = "bubble-corrupted"
	CodeBubbleNotFound     Code = "bubble-not-found"
	CodeLocked             Code = "locked"
	CodeBackendUnavailable Code = "backend-unavailable"
	CodeSchemaMismatch     Code = "schema-mismatch"
	CodeCancelled          Code = "cancelled"
)

// Coder is implemented by every typed error in the taxonomy.
type Coder interface {
	Code() Code
}

// CodeOf extracts the stable code from any error in the taxonomy, falling
// back to CodeUserError for untyped errors.
func CodeOf(err error) Code {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	}
	return CodeUserError
}

// ErrUserInput is a bad spec, unknown package, or other caller mistake.
// Reported, never retried.
type ErrUserInput struct {
	Field  string
	Detail string
}

func (e *ErrUserInput) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func (e *ErrUserInput) Code() Code { return CodeUserError }

// ErrInstallFailed is an installer nonzero exit with parseable output.
// Surfaced with the installer's own message; in auto-heal mode the stderr
// tail is fed to the healing-plan analyzer.
type ErrInstallFailed struct {
	Phase      string
	Tool       string
	ExitCode   int
	StderrTail string
}

func (e *ErrInstallFailed) Error() string {
	tail := e.StderrTail
	if len(tail) > 200 {
		tail = "..." + tail[len(tail)-200:]
	}
	return fmt.Sprintf("%s failed during %s (exit %d): %s", e.Tool, e.Phase, e.ExitCode, strings.TrimSpace(tail))
}

func (e *ErrInstallFailed) Code() Code { return CodeInstallFailed }

// ErrInstallerProtocol indicates the installer produced output the driver
// could not parse.
type ErrInstallerProtocol struct {
	Tool   string
	Detail string
	Cause  error
}

func (e *ErrInstallerProtocol) Error() string {
	return fmt.Sprintf("%s produced unparseable output: %s", e.Tool, e.Detail)
}

func (e *ErrInstallerProtocol) Unwrap() error { return e.Cause }
func (e *ErrInstallerProtocol) Code() Code    { return CodeInstallerProtocol }

// ErrInstallTimeout indicates the installer subprocess exceeded its
// deadline.
type ErrInstallTimeout struct {
	Tool    string
	Timeout time.Duration
}

func (e *ErrInstallTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Tool, e.Timeout)
}

func (e *ErrInstallTimeout) Code() Code { return CodeInstallTimeout }

// ImportFailureClass classifies a smoke-import failure inside a bubble.
type ImportFailureClass string

const (
	ImportModuleNotFound ImportFailureClass = "module-not-found"
	ImportSymbolNotFound ImportFailureClass = "symbol-not-found"
	ImportBinaryABI      ImportFailureClass = "binary-abi"
	ImportUnknown        ImportFailureClass = "unknown"
)

// ImportFailure is one failed smoke import captured during bubble
// verification.
type ImportFailure struct {
	Module string
	Class  ImportFailureClass
	Detail string
}

// ErrVerificationFailed means the bubble smoke-import failed after the
// bounded repair attempts were exhausted.
type ErrVerificationFailed struct {
	PackageName string
	Version     string
	Failures    []ImportFailure
	Attempts    int
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("bubble %s verification failed after %d attempts (%d modules)",
		BubbleDirName(e.PackageName, e.Version), e.Attempts, len(e.Failures))
}

func (e *ErrVerificationFailed) Code() Code { return CodeVerificationFailed }

// ErrBubbleCorrupted is a manifest/file mismatch. Repairable by rebuilding
// the bubble; rebuild is automatic when detected during activation.
type ErrBubbleCorrupted struct {
	PackageName string
	Version     string
	Detail      string
}

func (e *ErrBubbleCorrupted) Error() string {
	return fmt.Sprintf("bubble %s corrupted: %s", BubbleDirName(e.PackageName, e.Version), e.Detail)
}

func (e *ErrBubbleCorrupted) Code() Code { return CodeBubbleCorrupted }

// ErrBubbleNotFound is returned when activating or inspecting a bubble
// with no manifest in the KB. No state is changed.
type ErrBubbleNotFound struct {
	PackageName string
	Version     string
}

func (e *ErrBubbleNotFound) Error() string {
	return fmt.Sprintf("bubble %s not found", BubbleDirName(e.PackageName, e.Version))
}

func (e *ErrBubbleNotFound) Code() Code { return CodeBubbleNotFound }

// ErrLocked means the cross-process advisory lock is held elsewhere and
// the configured wait expired.
type ErrLocked struct {
	Path   string
	Holder string
	Waited time.Duration
}

func (e *ErrLocked) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("installation root locked by %s (waited %s)", e.Holder, e.Waited)
	}
	return fmt.Sprintf("installation root locked (waited %s)", e.Waited)
}

func (e *ErrLocked) Code() Code { return CodeLocked }

// ErrBackendUnavailable is fatal at startup for an explicitly selected KB
// backend; under auto selection it triggers fallback to the embedded
// backend instead.
type ErrBackendUnavailable struct {
	Backend  string
	Endpoint string
	Cause    error
}

func (e *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("kb backend %s unavailable at %s: %v", e.Backend, e.Endpoint, e.Cause)
}

func (e *ErrBackendUnavailable) Unwrap() error { return e.Cause }
func (e *ErrBackendUnavailable) Code() Code    { return CodeBackendUnavailable }

// ErrSchemaMismatch means the KB schema version on disk differs from the
// one this binary writes. Remediation: rebuild-kb.
type ErrSchemaMismatch struct {
	Found int
	Want  int
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("kb schema version %d, this build requires %d (run rebuild-kb)", e.Found, e.Want)
}

func (e *ErrSchemaMismatch) Code() Code { return CodeSchemaMismatch }
