// Package kb defines the knowledge-base contract: an indexed, durable
// metadata store for packages, versions, bubbles, snapshots and
// per-interpreter state.
//
// Two backends implement the identical contract: a fast in-memory KV with
// persistence (Redis protocol) and an embedded relational file (SQLite).
// Selection is automatic under the "auto" setting: the fast backend is
// preferred when reachable at startup, otherwise the embedded backend is
// used. Backends are not synced; switching requires rebuild-kb.
package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// SchemaVersion is the KB schema this build reads and writes. A mismatch at
// startup surfaces ErrSchemaMismatch and requires rebuild-kb.
const SchemaVersion = 1

// Store is the backend-neutral knowledge-base contract.
//
// All write paths that span multiple keys must go through Transaction;
// readers then see either the pre- or post-commit state of a key group,
// never a torn view.
type Store interface {
	// Get returns the value at key, or core.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set atomically writes a single key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a single key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Transaction runs fn as a read-modify-write over the key group with
	// at-most-one-writer semantics per group. Returns core.ErrConflict if
	// another writer committed any of the keys between read and write.
	Transaction(ctx context.Context, keys []string, fn func(tx Txn) error) error

	// Scan returns a lazy, restartable, finite iterator over keys with the
	// given prefix.
	Scan(ctx context.Context, prefix string) (Iterator, error)

	// Backend names the backend ("fast" or "embedded").
	Backend() string

	// Close releases backend resources.
	Close() error
}

// Txn is the view a Transaction callback operates on. Reads observe the
// committed state at transaction start; writes are staged and become
// visible atomically at commit.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte)
	Delete(key string)
}

// Iterator walks scan results. Usage:
//
//	it, err := store.Scan(ctx, "bubble:")
//	defer it.Close()
//	for it.Next(ctx) {
//	    _ = it.Key()
//	}
//	err = it.Err()
type Iterator interface {
	Next(ctx context.Context) bool
	Key() string
	Value() []byte
	Err() error
	Close() error
}

// GetJSON reads key and unmarshals its record into out.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("corrupt record at %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and writes it at key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// TxGetJSON reads key inside a transaction and unmarshals into out.
func TxGetJSON(tx Txn, key string, out any) error {
	data, err := tx.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("corrupt record at %s: %w", key, err)
	}
	return nil
}

// TxSetJSON marshals value and stages it at key inside a transaction.
func TxSetJSON(tx Txn, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", key, err)
	}
	tx.Set(key, data)
	return nil
}

// CheckSchema verifies the store's schema version, writing it on first use.
func CheckSchema(ctx context.Context, s Store) error {
	data, err := s.Get(ctx, KeySchemaVersion)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return s.Set(ctx, KeySchemaVersion, []byte(fmt.Sprintf("%d", SchemaVersion)))
		}
		return err
	}
	var found int
	if _, err := fmt.Sscanf(string(data), "%d", &found); err != nil {
		return &core.ErrSchemaMismatch{Found: -1, Want: SchemaVersion}
	}
	if found != SchemaVersion {
		return &core.ErrSchemaMismatch{Found: found, Want: SchemaVersion}
	}
	return nil
}
