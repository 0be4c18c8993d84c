// Package fslock provides the advisory file lock that serializes
// filesystem-mutating operations across processes sharing one installation
// root.
//
// The lock is held only during filesystem-mutation phases (stage,
// materialize, restore), never during network or resolve phases. A sidecar
// holder file records who owns the lock so that a timed-out waiter can
// report the holder.
package fslock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// Lock is one advisory lock on an installation root.
type Lock struct {
	flock      *flock.Flock
	holderPath string
	owner      string
	logger     *slog.Logger
}

// holderInfo is written next to the lock file while the lock is held.
type holderInfo struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	Operation  string    `json:"operation"`
}

// New creates a lock rooted at installRoot. The lock file lives inside the
// root so that every process mutating it contends on the same inode.
func New(installRoot string, logger *slog.Logger) *Lock {
	lockPath := filepath.Join(installRoot, ".multipkg.lock")
	return &Lock{
		flock:      flock.New(lockPath),
		holderPath: lockPath + ".holder",
		owner:      uuid.NewString(),
		logger:     logger,
	}
}

// Acquire takes the lock, polling until timeout. Expiry yields ErrLocked
// carrying holder info read from the sidecar file.
func (l *Lock) Acquire(ctx context.Context, operation string, timeout, retryInterval time.Duration) error {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ok, err := l.flock.TryLockContext(acquireCtx, retryInterval)
	if err != nil && acquireCtx.Err() == nil {
		return fmt.Errorf("failed to acquire installation lock: %w", err)
	}
	if !ok {
		if ctx.Err() != nil {
			return core.ErrCancelled
		}
		return &core.ErrLocked{
			Path:   l.flock.Path(),
			Holder: l.readHolder(),
			Waited: time.Since(start),
		}
	}

	l.writeHolder(operation)
	l.logger.Debug("installation lock acquired",
		"path", l.flock.Path(),
		"operation", operation,
		"waited", time.Since(start),
	)
	return nil
}

// Release drops the lock and removes the holder record.
func (l *Lock) Release() error {
	os.Remove(l.holderPath)
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release installation lock: %w", err)
	}
	l.logger.Debug("installation lock released", "path", l.flock.Path())
	return nil
}

// WithLock runs fn while holding the lock, releasing on every path.
func (l *Lock) WithLock(ctx context.Context, operation string, timeout, retryInterval time.Duration, fn func() error) error {
	if err := l.Acquire(ctx, operation, timeout, retryInterval); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			l.logger.Warn("failed to release installation lock", "error", err)
		}
	}()
	return fn()
}

func (l *Lock) writeHolder(operation string) {
	hostname, _ := os.Hostname()
	info := holderInfo{
		Owner:      l.owner,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
		Operation:  operation,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := os.WriteFile(l.holderPath, data, 0o600); err != nil {
		l.logger.Debug("failed to write lock holder file", "error", err)
	}
}

func (l *Lock) readHolder() string {
	data, err := os.ReadFile(l.holderPath)
	if err != nil {
		return ""
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	return fmt.Sprintf("pid %d on %s (%s since %s)", info.PID, info.Hostname, info.Operation,
		info.AcquiredAt.Format(time.RFC3339))
}
