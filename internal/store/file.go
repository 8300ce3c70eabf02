package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/atombond/internal/atom"
)

const cursorFile = ".cursor.json"

// FileStore keeps ledgers as JSON files under a root directory.
//
// FileStore does no locking of its own. Concurrent writers of the same
// (account, tier) must be serialized by the caller.
type FileStore struct {
	root  string
	retry RetryPolicy
}

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string, policy RetryPolicy) *FileStore {
	return &FileStore{root: root, retry: policy.withDefaults()}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

// TierDir returns the directory holding a tier's account directories.
func (s *FileStore) TierDir(tier string) string {
	return filepath.Join(s.root, tier)
}

// AccountDir returns the directory holding an account's lanes at a tier.
func (s *FileStore) AccountDir(tier, account string) string {
	return filepath.Join(s.root, tier, account)
}

// LanePath returns the ledger file for a key.
func (s *FileStore) LanePath(key atom.LedgerKey) string {
	return filepath.Join(s.AccountDir(key.Tier, key.Account), atom.LaneName(key.Lane)+".json")
}

// ParseLaneFile extracts the lane number from a ledger file name.
func ParseLaneFile(name string) (int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "lane-") || !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	lane, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "lane-"), ".json"))
	if err != nil || lane < 0 {
		return 0, false
	}
	return lane, true
}

// Load implements Reader.
func (s *FileStore) Load(ctx context.Context, key atom.LedgerKey) ([]atom.Atom, error) {
	account, err := atom.NormalizeAccount(key.Account)
	if err != nil {
		return nil, err
	}
	key.Account = account

	data, err := retry(ctx, s.retry, "load", key, func() ([]byte, error) {
		data, err := os.ReadFile(s.LanePath(key))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}

	cursor, err := s.readCursor(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeLedger(key, data, cursor[atom.LaneName(key.Lane)]), nil
}

// decodeLedger parses a ledger file. Malformed content is logged and
// treated as an empty ledger.
func decodeLedger(key atom.LedgerKey, data []byte, cur laneCursor) []atom.Atom {
	atoms := []atom.Atom{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return atoms
	}
	if err := json.Unmarshal(data, &atoms); err != nil {
		slog.Warn("malformed ledger treated as empty",
			"ledger", key.String(),
			"error", err,
			"event", "ledger_malformed",
		)
		return []atom.Atom{}
	}
	return normalize(key, atoms, cur)
}

// HighWater implements Reader.
func (s *FileStore) HighWater(ctx context.Context, key atom.LedgerKey) (int64, error) {
	account, err := atom.NormalizeAccount(key.Account)
	if err != nil {
		return 0, err
	}
	key.Account = account

	cursor, err := s.readCursor(ctx, key)
	if err != nil {
		return 0, err
	}
	return cursor[atom.LaneName(key.Lane)].High, nil
}

func (s *FileStore) cursorPath(key atom.LedgerKey) string {
	return filepath.Join(s.AccountDir(key.Tier, key.Account), cursorFile)
}

func (s *FileStore) readCursor(ctx context.Context, key atom.LedgerKey) (map[string]laneCursor, error) {
	data, err := retry(ctx, s.retry, "read cursor", key, func() ([]byte, error) {
		data, err := os.ReadFile(s.cursorPath(key))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}

	cursor := map[string]laneCursor{}
	if len(data) == 0 {
		return cursor, nil
	}
	if err := json.Unmarshal(data, &cursor); err != nil {
		slog.Warn("malformed cursor ignored",
			"ledger", key.String(),
			"error", err,
		)
		return map[string]laneCursor{}, nil
	}
	return cursor, nil
}

// Save implements Writer. The account directory is created on first write.
// The cursor is advanced before the ledger is replaced so the high-water
// mark never trails the ledger.
func (s *FileStore) Save(ctx context.Context, key atom.LedgerKey, atoms []atom.Atom) error {
	account, err := atom.NormalizeAccount(key.Account)
	if err != nil {
		return err
	}
	key.Account = account

	if atoms == nil {
		atoms = []atom.Atom{}
	}
	data, err := json.MarshalIndent(atoms, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", key, err)
	}

	cursor, err := s.readCursor(ctx, key)
	if err != nil {
		return err
	}
	lane := atom.LaneName(key.Lane)
	if next := cursor[lane].advance(atoms); next != cursor[lane] {
		cursor[lane] = next
		cursorData, err := json.Marshal(cursor)
		if err != nil {
			return fmt.Errorf("encode cursor %s: %w", key, err)
		}
		if _, err := retry(ctx, s.retry, "write cursor", key, func() (struct{}, error) {
			return struct{}{}, writeFileAtomic(s.cursorPath(key), cursorData)
		}); err != nil {
			return err
		}
	}

	_, err = retry(ctx, s.retry, "save", key, func() (struct{}, error) {
		return struct{}{}, writeFileAtomic(s.LanePath(key), data)
	})
	return err
}

// Accounts implements Reader.
func (s *FileStore) Accounts(ctx context.Context, tier string) ([]string, error) {
	key := atom.LedgerKey{Tier: tier}
	entries, err := retry(ctx, s.retry, "list accounts", key, func() ([]os.DirEntry, error) {
		entries, err := os.ReadDir(s.TierDir(tier))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return entries, err
	})
	if err != nil {
		return nil, err
	}

	accounts := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			accounts = append(accounts, e.Name())
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// writeFileAtomic writes data to a dot-prefixed temp file in the target
// directory, syncs it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}

	success = true
	return nil
}
