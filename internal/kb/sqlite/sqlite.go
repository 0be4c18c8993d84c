// Package sqlite implements the kb.Store contract on the embedded backend:
// a single relational file, no external dependencies.
//
// Layout is one kv table with a per-key version counter. Transactions take
// a write transaction (BEGIN IMMEDIATE) and re-check the version of every
// key in the group before applying staged writes; a version moved by another
// process between read and commit yields a conflict. WAL mode keeps readers
// unblocked during writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation)
	_ "modernc.org/sqlite"

	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/kb"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

const backendName = "embedded"

// Store is the embedded-backend kb.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// Open creates or opens the embedded KB file. The file is created with mode
// 0600; the parent directory with 0700.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("embedded kb path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &core.ErrBackendUnavailable{Backend: backendName, Endpoint: path,
			Cause: fmt.Errorf("failed to create directory: %w", err)}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &core.ErrBackendUnavailable{Backend: backendName, Endpoint: path, Cause: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &core.ErrBackendUnavailable{Backend: backendName, Endpoint: path, Cause: err}
	}

	s := &Store{db: db, logger: logger, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to set kb file permissions", "path", path, "error", err)
	}

	logger.Debug("embedded KB backend opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
    key     TEXT PRIMARY KEY,
    value   BLOB NOT NULL,
    version INTEGER NOT NULL DEFAULT 1
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &core.ErrBackendUnavailable{Backend: backendName, Endpoint: s.path,
			Cause: fmt.Errorf("failed to initialize schema: %w", err)}
	}
	return nil
}

// Backend implements kb.Store.
func (s *Store) Backend() string { return backendName }

// Close implements kb.Store.
func (s *Store) Close() error { return s.db.Close() }

// Get implements kb.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	metrics.KBOperationDuration.WithLabelValues("get", backendName).Observe(time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		metrics.KBOperationsTotal.WithLabelValues("get", backendName, "miss").Inc()
		return nil, core.ErrNotFound
	}
	if err != nil {
		metrics.KBOperationsTotal.WithLabelValues("get", backendName, "error").Inc()
		return nil, err
	}
	metrics.KBOperationsTotal.WithLabelValues("get", backendName, "success").Inc()
	return value, nil
}

// Set implements kb.Store. Uses UPSERT so single-key writes are atomic and
// bump the version counter used for conflict detection.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key, value, version) VALUES (?, ?, 1)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1`,
		key, value)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.KBOperationsTotal.WithLabelValues("set", backendName, result).Inc()
	return err
}

// Delete implements kb.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.KBOperationsTotal.WithLabelValues("delete", backendName, result).Inc()
	return err
}

type txn struct {
	snapshot map[string][]byte
	versions map[string]int64
	staged   map[string][]byte
	dels     map[string]bool
}

func (t *txn) Get(key string) ([]byte, error) {
	if t.dels[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := t.staged[key]; ok {
		return v, nil
	}
	v, ok := t.snapshot[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return v, nil
}

func (t *txn) Set(key string, value []byte) {
	delete(t.dels, key)
	t.staged[key] = value
}

func (t *txn) Delete(key string) {
	delete(t.staged, key)
	t.dels[key] = true
}

// Transaction implements kb.Store. Reads inside fn observe a snapshot of
// the declared key group taken at transaction start; commit re-checks every
// key's version under a write transaction and fails with core.ErrConflict
// if any moved.
func (s *Store) Transaction(ctx context.Context, keys []string, fn func(tx kb.Txn) error) error {
	start := time.Now()
	defer func() {
		metrics.KBOperationDuration.WithLabelValues("transaction", backendName).Observe(time.Since(start).Seconds())
	}()

	view := &txn{
		snapshot: make(map[string][]byte, len(keys)),
		versions: make(map[string]int64, len(keys)),
		staged:   make(map[string][]byte),
		dels:     make(map[string]bool),
	}

	for _, key := range keys {
		var value []byte
		var version int64
		err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
		if errors.Is(err, sql.ErrNoRows) {
			view.versions[key] = 0
			continue
		}
		if err != nil {
			return err
		}
		view.snapshot[key] = value
		view.versions[key] = version
	}

	if err := fn(view); err != nil {
		return err
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	// Re-check the group versions under the write transaction.
	for _, key := range keys {
		var version int64
		err := dbtx.QueryRowContext(ctx, `SELECT version FROM kv WHERE key = ?`, key).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			version = 0
			err = nil
		}
		if err != nil {
			return err
		}
		if version != view.versions[key] {
			metrics.KBConflictsTotal.WithLabelValues(backendName).Inc()
			metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "conflict").Inc()
			return core.ErrConflict
		}
	}

	for key, value := range view.staged {
		if _, err := dbtx.ExecContext(ctx, `
INSERT INTO kv (key, value, version) VALUES (?, ?, 1)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1`,
			key, value); err != nil {
			return err
		}
	}
	for key := range view.dels {
		if _, err := dbtx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return err
		}
	}

	if err := dbtx.Commit(); err != nil {
		metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "error").Inc()
		return err
	}
	metrics.KBOperationsTotal.WithLabelValues("transaction", backendName, "success").Inc()
	return nil
}

// iterator pages through keys in order; restartable because each page
// resumes strictly after the last returned key.
type iterator struct {
	store  *Store
	prefix string
	last   string
	batch  []kvRow
	pos    int
	key    string
	value  []byte
	err    error
	done   bool
}

type kvRow struct {
	key   string
	value []byte
}

// Scan implements kb.Store.
func (s *Store) Scan(ctx context.Context, prefix string) (kb.Iterator, error) {
	return &iterator{store: s, prefix: prefix}, nil
}

func (it *iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.batch) {
		if it.done {
			return false
		}
		rows, err := it.store.db.QueryContext(ctx, `
SELECT key, value FROM kv
WHERE key LIKE ? || '%' AND key > ?
ORDER BY key LIMIT 128`, it.prefix, it.last)
		if err != nil {
			it.err = err
			return false
		}
		it.batch = it.batch[:0]
		for rows.Next() {
			var row kvRow
			if err := rows.Scan(&row.key, &row.value); err != nil {
				rows.Close()
				it.err = err
				return false
			}
			it.batch = append(it.batch, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			it.err = err
			return false
		}
		rows.Close()
		it.pos = 0
		if len(it.batch) < 128 {
			it.done = true
		}
		if len(it.batch) == 0 {
			return false
		}
	}
	row := it.batch[it.pos]
	it.pos++
	it.key = row.key
	it.value = row.value
	it.last = row.key
	return true
}

func (it *iterator) Key() string   { return it.key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Err() error    { return it.err }
func (it *iterator) Close() error  { return nil }
