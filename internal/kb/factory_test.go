package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

// memStore is a minimal in-memory Store for selector and retry tests.
type memStore struct {
	mu      sync.Mutex
	name    string
	data    map[string][]byte
	txErrs  []error // errors returned by successive Transaction calls
	txCalls int
}

func newMemStore(name string) *memStore {
	return &memStore{name: name, data: map[string][]byte{}}
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return value, nil
}

func (m *memStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memTxn struct{ m *memStore }

func (t memTxn) Get(key string) ([]byte, error) {
	value, ok := t.m.data[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return value, nil
}
func (t memTxn) Set(key string, value []byte) { t.m.data[key] = value }
func (t memTxn) Delete(key string)            { delete(t.m.data, key) }

func (m *memStore) Transaction(ctx context.Context, keys []string, fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCalls++
	if len(m.txErrs) > 0 {
		err := m.txErrs[0]
		m.txErrs = m.txErrs[1:]
		if err != nil {
			return err
		}
	}
	return fn(memTxn{m})
}

func (m *memStore) Scan(ctx context.Context, prefix string) (Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []struct {
		key   string
		value []byte
	}
	for key, value := range m.data {
		if strings.HasPrefix(key, prefix) {
			items = append(items, struct {
				key   string
				value []byte
			}{key, value})
		}
	}
	return &memIterator{items: items}, nil
}

type memIterator struct {
	items []struct {
		key   string
		value []byte
	}
	pos int
}

func (it *memIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}
func (it *memIterator) Key() string   { return it.items[it.pos-1].key }
func (it *memIterator) Value() []byte { return it.items[it.pos-1].value }
func (it *memIterator) Err() error    { return nil }
func (it *memIterator) Close() error  { return nil }

func (m *memStore) Backend() string { return m.name }
func (m *memStore) Close() error    { return nil }

func TestSelectorExplicitBackends(t *testing.T) {
	ctx := context.Background()
	fast := newMemStore("fast")
	embedded := newMemStore("embedded")

	sel := &Selector{
		OpenFast:     func(ctx context.Context) (Store, error) { return fast, nil },
		OpenEmbedded: func(ctx context.Context) (Store, error) { return embedded, nil },
		Logger:       slog.Default(),
	}

	store, err := sel.Open(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", store.Backend())

	store, err = sel.Open(ctx, "embedded")
	require.NoError(t, err)
	assert.Equal(t, "embedded", store.Backend())

	_, err = sel.Open(ctx, "bogus")
	require.Error(t, err)
}

func TestSelectorAutoFallsBack(t *testing.T) {
	ctx := context.Background()
	embedded := newMemStore("embedded")

	sel := &Selector{
		OpenFast: func(ctx context.Context) (Store, error) {
			return nil, &core.ErrBackendUnavailable{Backend: "fast", Endpoint: "localhost:6379", Cause: errors.New("refused")}
		},
		OpenEmbedded: func(ctx context.Context) (Store, error) { return embedded, nil },
		Logger:       slog.Default(),
	}

	store, err := sel.Open(ctx, "auto")
	require.NoError(t, err)
	assert.Equal(t, "embedded", store.Backend())
}

func TestSelectorAutoPrefersFast(t *testing.T) {
	ctx := context.Background()
	fast := newMemStore("fast")

	sel := &Selector{
		OpenFast:     func(ctx context.Context) (Store, error) { return fast, nil },
		OpenEmbedded: func(ctx context.Context) (Store, error) { t.Fatal("embedded opened"); return nil, nil },
		Logger:       slog.Default(),
	}

	store, err := sel.Open(ctx, "auto")
	require.NoError(t, err)
	assert.Equal(t, "fast", store.Backend())
}

func TestSelectorSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	embedded := newMemStore("embedded")
	require.NoError(t, embedded.Set(ctx, KeySchemaVersion, []byte("99")))

	sel := &Selector{
		OpenFast:     func(ctx context.Context) (Store, error) { return nil, &core.ErrBackendUnavailable{Backend: "fast"} },
		OpenEmbedded: func(ctx context.Context) (Store, error) { return embedded, nil },
		Logger:       slog.Default(),
	}

	_, err := sel.Open(ctx, "embedded")
	var mismatch *core.ErrSchemaMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 99, mismatch.Found)
	assert.Equal(t, SchemaVersion, mismatch.Want)
}

func TestCheckSchemaWritesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("embedded")
	require.NoError(t, CheckSchema(ctx, store))

	value, err := store.Get(ctx, KeySchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", SchemaVersion), string(value))

	// Second check passes against the written version.
	require.NoError(t, CheckSchema(ctx, store))
}

func TestRetryTransactionRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("embedded")
	store.txErrs = []error{core.ErrConflict, core.ErrConflict}

	calls := 0
	err := RetryTransaction(ctx, store, []string{"k"}, func(tx Txn) error {
		calls++
		tx.Set("k", []byte("done"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.txCalls)
	assert.Equal(t, 1, calls)
}

func TestRetryTransactionSurfacesBoundedConflict(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("embedded")
	for i := 0; i < 20; i++ {
		store.txErrs = append(store.txErrs, core.ErrConflict)
	}

	err := RetryTransaction(ctx, store, []string{"k"}, func(tx Txn) error { return nil })
	assert.ErrorIs(t, err, core.ErrConflict)
	assert.Equal(t, conflictRetryBound+1, store.txCalls)
}

func TestRetryTransactionPermanentError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("embedded")
	boom := errors.New("boom")
	store.txErrs = []error{boom}

	err := RetryTransaction(ctx, store, []string{"k"}, func(tx Txn) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.txCalls)
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()
	store := newMemStore("embedded")

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SetJSON(ctx, store, "r", record{Name: "x", Count: 2}))

	var out record
	require.NoError(t, GetJSON(ctx, store, "r", &out))
	assert.Equal(t, record{Name: "x", Count: 2}, out)

	require.NoError(t, store.Set(ctx, "bad", []byte("{")))
	assert.Error(t, GetJSON(ctx, store, "bad", &out))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "pkg:typing-extensions", PkgKey("Typing_Extensions"))
	assert.Equal(t, "bubble:requests:2.28.0", BubbleKey("Requests", "2.28.0"))
	assert.Equal(t, "bubble:requests:2.28.0:build", BubbleBuildKey("requests", "2.28.0"))
	assert.Equal(t, "snapshot:abc", SnapshotKey("abc"))
	assert.Equal(t, "interp:3.11.4", InterpreterKey("3.11.4"))
}
