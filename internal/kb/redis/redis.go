// Package redis implements the kb.Store contract on the fast backend: an
// in-memory KV store with persistence speaking the Redis protocol.
//
// Transactions use optimistic concurrency (WATCH/MULTI/EXEC): the key group
// is watched, the callback's writes are staged, and the commit fails with a
// conflict if any watched key changed in between. That provides the
// at-most-one-writer-per-group semantics the contract requires across
// processes.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

const backendName = "fast"

// Store is the fast-backend kb.Store.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to the fast backend and verifies reachability with a short
// ping. An unreachable endpoint returns ErrBackendUnavailable; under auto
// backend selection the caller falls back to the embedded backend.
func Open(ctx context.Context, endpoint string, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &core.ErrBackendUnavailable{Backend: backendName, Endpoint: endpoint, Cause: err}
	}

	logger.Debug("fast KB backend connected", "endpoint", endpoint)
	return &Store{client: client, logger: logger}, nil
}

// Backend implements kb.Store.
func (s *Store) Backend() string { return backendName }

// Close implements kb.Store.
func (s *Store) Close() error { return s.client.Close() }

// Get implements kb.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, key).Bytes()
	metrics.KBOperationDuration.WithLabelValues("get", backendName).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.KBOperationsTotal.WithLabelValues("get", backendName, "miss").Inc()
			return nil, core.ErrNotFound
		}
		metrics.KBOperationsTotal.WithLabelValues("get", backendName, "error").Inc()
		return nil, err
	}
	metrics.KBOperationsTotal.WithLabelValues("get", backendName, "success").Inc()
	return data, nil
}

// Set implements kb.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	err := s.client.Set(ctx, key, value, 0).Err()
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.KBOperationsTotal.WithLabelValues("set", backendName, result).Inc()
	return err
}

// Delete implements kb.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, key).Err()
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.KBOperationsTotal.WithLabelValues("delete", backendName, result).Inc()
	return err
}

// txn stages writes; reads see staged values first (read-your-writes), then
// the watched committed state.
type txn struct {
	ctx    context.Context
	tx     *redis.Tx
	staged map[string][]byte
	dels   map[string]bool
}

func (t *txn) Get(key string) ([]byte, error) {
	if t.dels[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := t.staged[key]; ok {
		return v, nil
	}
	data, err := t.tx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	return data, err
}

func (t *txn) Set(key string, value []byte) {
	delete(t.dels, key)
	t.staged[key] = value
}

func (t *txn) Delete(key string) {
	delete(t.staged, key)
	t.dels[key] = true
}

// Transaction implements kb.Store. A watched-key change between read and
// commit yields core.ErrConflict; the caller owns any retry.
func (s *Store) Transaction(ctx context.Context, keys []string, fn func(tx kb.Txn) error) error {
	start := time.Now()
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		view := &txn{ctx: ctx, tx: rtx, staged: make(map[string][]byte), dels: make(map[string]bool)}
		if err := fn(view); err != nil {
			return err
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, value := range view.staged {
				pipe.Set(ctx, key, value, 0)
			}
			for key := range view.dels {
				pipe.Del(ctx, key)
			}
			return nil
		})
		return err
	}, keys...)

	metrics.KBOperationDuration.WithLabelValues("transaction", backendName).Observe(time.Since(start).Seconds())

	if errors.Is(err, redis.TxFailedErr) {
		metrics.KBConflictsTotal.WithLabelValues(backendName).Inc()
		metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "conflict").Inc()
		return core.ErrConflict
	}
	if err != nil {
		metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "error").Inc()
		return err
	}
	metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "success").Inc()
	return nil
}

// iterator walks SCAN cursors lazily; values are fetched one key at a time
// so the scan stays restartable and bounded in memory.
type iterator struct {
	store  *Store
	prefix string
	cursor uint64
	batch  []string
	pos    int
	key    string
	value  []byte
	done   bool
	err    error
}

// Scan implements kb.Store.
func (s *Store) Scan(ctx context.Context, prefix string) (kb.Iterator, error) {
	return &iterator{store: s, prefix: prefix}, nil
}

func (it *iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.batch) {
			key := it.batch[it.pos]
			it.pos++
			data, err := it.store.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			if err != nil {
				it.err = err
				return false
			}
			it.key = key
			it.value = data
			return true
		}
		if it.done {
			return false
		}
		batch, cursor, err := it.store.client.Scan(ctx, it.cursor, it.prefix+"*", 128).Result()
		if err != nil {
			it.err = err
			return false
		}
		it.batch = batch
		it.pos = 0
		it.cursor = cursor
		if cursor == 0 {
			it.done = true
		}
	}
}

func (it *iterator) Key() string    { return it.key }
func (it *iterator) Value() []byte  { return it.value }
func (it *iterator) Err() error     { return it.err }
func (it *iterator) Close() error   { return nil }
