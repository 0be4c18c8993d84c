package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// OpenFunc opens one backend. The redis and sqlite packages register their
// openers through Selector to keep this package free of backend imports.
type OpenFunc func(ctx context.Context) (Store, error)

// Selector resolves the configured backend choice into an open Store.
//
// Selection rules:
//   - "fast": open the fast backend; unreachable is fatal.
//   - "embedded": open the embedded backend; failure is fatal.
//   - "auto": prefer the fast backend if reachable at startup, otherwise
//     fall back to the embedded backend.
type Selector struct {
	OpenFast     OpenFunc
	OpenEmbedded OpenFunc
	Logger       *slog.Logger
}

// Open selects and opens the backend, then verifies the schema version.
// A schema mismatch closes the store and surfaces ErrSchemaMismatch with
// its rebuild-kb remediation hint.
func (sel *Selector) Open(ctx context.Context, backend string) (Store, error) {
	store, err := sel.open(ctx, backend)
	if err != nil {
		return nil, err
	}
	if err := CheckSchema(ctx, store); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (sel *Selector) open(ctx context.Context, backend string) (Store, error) {
	switch backend {
	case "fast":
		return sel.OpenFast(ctx)
	case "embedded":
		return sel.OpenEmbedded(ctx)
	case "auto", "":
		store, err := sel.OpenFast(ctx)
		if err == nil {
			return store, nil
		}
		var unavailable *core.ErrBackendUnavailable
		if !errors.As(err, &unavailable) {
			return nil, err
		}
		sel.Logger.Info("fast KB backend unreachable, falling back to embedded",
			"endpoint", unavailable.Endpoint,
			"error", unavailable.Cause,
		)
		return sel.OpenEmbedded(ctx)
	default:
		return nil, fmt.Errorf("unknown kb backend: %q", backend)
	}
}

// conflictRetryBound is the small bound on Conflict retries before the
// error is surfaced.
const conflictRetryBound = 5

// RetryTransaction runs a Transaction and retries it with exponential
// backoff when the commit loses a write race. Any other error, including
// context cancellation, is surfaced immediately.
func RetryTransaction(ctx context.Context, s Store, keys []string, fn func(tx Txn) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, conflictRetryBound), ctx)
	policy.Reset()

	return backoff.Retry(func() error {
		err := s.Transaction(ctx, keys, fn)
		if errors.Is(err, core.ErrConflict) {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}
