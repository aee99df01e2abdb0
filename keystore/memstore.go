//go:build !js || !wasm

package keystore

import (
	"context"
	"sync"

	"github.com/e2eicore/corecrypto/corelog"
	"github.com/e2eicore/corecrypto/coreerr"
)

// MemStore is an in-process Store used by central.NewInMemory and by tests
// that don't want a filesystem. It shares sealer with SQLStore so the
// at-rest encryption semantics (and failure modes) are identical between
// backends, per the spec requirement that both backends behave the same.
type MemStore struct {
	mu    sync.RWMutex
	seal  *sealer
	rows  map[EntityKind]map[string][]byte
	txLog []func() // rollback actions for the active transaction, nil outside one
}

// OpenMemStore creates an empty in-memory Store.
func OpenMemStore(masterKey []byte) (*MemStore, error) {
	seal, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}
	corelog.New("keystore", "OpenMemStore").Info("in-memory keystore opened")
	return &MemStore{
		seal: seal,
		rows: make(map[EntityKind]map[string][]byte),
	}, nil
}

func (m *MemStore) table(kind EntityKind) map[string][]byte {
	t, ok := m.rows[kind]
	if !ok {
		t = make(map[string][]byte)
		m.rows[kind] = t
	}
	return t
}

func (m *MemStore) Save(ctx context.Context, e Entity) error {
	ciphertext, err := m.seal.seal(e.Kind(), e.PrimaryKey(), e.Bytes())
	if err != nil {
		return coreerr.Wrap(coreerr.KeystoreMalformedEntity, "Save", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(e.PrimaryKey())
	table := m.table(e.Kind())
	_, existed := table[key]
	table[key] = ciphertext
	if m.txLog != nil {
		if existed {
			prev := table[key]
			m.txLog = append(m.txLog, func() { m.table(e.Kind())[key] = prev })
		} else {
			m.txLog = append(m.txLog, func() { delete(m.table(e.Kind()), key) })
		}
	}
	return nil
}

func (m *MemStore) Find(ctx context.Context, kind EntityKind, primaryKey []byte) ([]byte, error) {
	m.mu.RLock()
	ciphertext, ok := m.table(kind)[string(primaryKey)]
	m.mu.RUnlock()
	if !ok {
		return nil, coreerr.New(coreerr.KeystoreMissingKey, "Find")
	}
	plaintext, err := m.seal.open(kind, primaryKey, ciphertext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KeystoreDecryptionFailure, "Find", err)
	}
	return plaintext, nil
}

func (m *MemStore) FindAll(ctx context.Context, kind EntityKind, params FindParams) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for pk, ciphertext := range m.table(kind) {
		plaintext, err := m.seal.open(kind, []byte(pk), ciphertext)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KeystoreDecryptionFailure, "FindAll", err)
		}
		out = append(out, plaintext)
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) Count(ctx context.Context, kind EntityKind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table(kind)), nil
}

func (m *MemStore) Delete(ctx context.Context, kind EntityKind, primaryKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(primaryKey)
	table := m.table(kind)
	if prev, existed := table[key]; existed && m.txLog != nil {
		m.txLog = append(m.txLog, func() { m.table(kind)[key] = prev })
	}
	delete(table, key)
	return nil
}

func (m *MemStore) DeleteMany(ctx context.Context, kind EntityKind, primaryKeys [][]byte) error {
	for _, pk := range primaryKeys {
		if err := m.Delete(ctx, kind, pk); err != nil {
			return err
		}
	}
	return nil
}

// Transaction serializes all writes behind mu and replays a rollback log
// if fn fails; MemStore has no true nested transactions so concurrent
// Transaction calls block each other for the duration.
func (m *MemStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	m.txLog = nil
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		for i := len(m.txLog) - 1; i >= 0; i-- {
			m.txLog[i]()
		}
		m.txLog = nil
		m.mu.Unlock()
		return err
	}
	if ctx.Err() != nil {
		m.mu.Lock()
		for i := len(m.txLog) - 1; i >= 0; i-- {
			m.txLog[i]()
		}
		m.txLog = nil
		m.mu.Unlock()
		return coreerr.Wrap(coreerr.KeystoreTransactionFailure, "Transaction", ctx.Err())
	}
	m.mu.Lock()
	m.txLog = nil
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Wipe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[EntityKind]map[string][]byte)
	return nil
}

func (m *MemStore) Close() error {
	m.seal.wipe()
	return nil
}
