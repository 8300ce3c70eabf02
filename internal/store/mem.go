package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/atombond/internal/atom"
)

// MemStore is an in-memory Store. Ledgers are kept encoded so callers never
// share memory with the store, mirroring FileStore semantics.
type MemStore struct {
	mu        sync.Mutex
	ledgers   map[atom.LedgerKey][]byte
	cursors   map[atom.LedgerKey]laneCursor

	// OnLoad and OnSave, when set, run before each operation; a non-nil
	// result fails it. Tests use them to inject storage faults.
	OnLoad func(key atom.LedgerKey) error
	OnSave func(key atom.LedgerKey) error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		ledgers:   make(map[atom.LedgerKey][]byte),
		cursors:   make(map[atom.LedgerKey]laneCursor),
	}
}

// Load implements Reader.
func (m *MemStore) Load(ctx context.Context, key atom.LedgerKey) ([]atom.Atom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.OnLoad != nil {
		if err := m.OnLoad(key); err != nil {
			return nil, &StorageError{Op: "load", Key: key, Attempts: 1, Err: err}
		}
	}

	m.mu.Lock()
	data := m.ledgers[key]
	cur := m.cursors[key]
	m.mu.Unlock()

	return decodeLedger(key, data, cur), nil
}

// HighWater implements Reader.
func (m *MemStore) HighWater(ctx context.Context, key atom.LedgerKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key].High, nil
}

// Save implements Writer.
func (m *MemStore) Save(ctx context.Context, key atom.LedgerKey, atoms []atom.Atom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.OnSave != nil {
		if err := m.OnSave(key); err != nil {
			return &StorageError{Op: "save", Key: key, Attempts: 1, Err: err}
		}
	}
	if atoms == nil {
		atoms = []atom.Atom{}
	}
	data, err := json.Marshal(atoms)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[key] = data
	m.cursors[key] = m.cursors[key].advance(atoms)
	return nil
}

// PutRaw stores raw ledger bytes, bypassing encoding.
func (m *MemStore) PutRaw(key atom.LedgerKey, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[key] = data
}

// Accounts implements Reader.
func (m *MemStore) Accounts(ctx context.Context, tier string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for key := range m.ledgers {
		if key.Tier == tier {
			seen[key.Account] = true
		}
	}
	accounts := make([]string, 0, len(seen))
	for a := range seen {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts, nil
}
