package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atombond/internal/atom"
)

func TestFileStore_LayoutAndNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, RetryPolicy{Attempts: 1})
	key := atom.LedgerKey{Account: "addr1", Tier: "bit", Lane: 1}

	_, err := Append(context.Background(), s, key, freqAtoms(1, 2)...)
	require.NoError(t, err)

	dir := filepath.Join(root, "bit", "addr1")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"lane-1.json", ".cursor.json"}, names)
	for _, n := range names {
		assert.False(t, strings.Contains(n, ".tmp-"), "temp file left behind: %s", n)
	}
}

func TestFileStore_MalformedFileIsEmpty(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, RetryPolicy{Attempts: 1})
	key := atom.LedgerKey{Account: "addr1", Tier: "bit"}

	require.NoError(t, os.MkdirAll(s.AccountDir("bit", "addr1"), 0o755))
	require.NoError(t, os.WriteFile(s.LanePath(key), []byte("[{]"), 0o644))

	atoms, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, atoms)
}

func TestFileStore_SaveFailureLeavesLedgerUntouched(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond})
	good := atom.LedgerKey{Account: "addr1", Tier: "bit", Lane: 0}
	bad := atom.LedgerKey{Account: "addr1", Tier: "bit", Lane: 1}

	_, err := Append(context.Background(), s, good, freqAtoms(1)...)
	require.NoError(t, err)

	// A non-empty directory where lane-1.json should be makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(s.LanePath(bad), "blocker"), 0o755))

	err = s.Save(context.Background(), bad, freqAtoms(5))
	require.Error(t, err)
	assert.True(t, IsStorageError(err))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Attempts)

	loaded, err := s.Load(context.Background(), good)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	entries, err := os.ReadDir(s.AccountDir("bit", "addr1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestFileStore_RejectsInvalidAccount(t *testing.T) {
	s := NewFileStore(t.TempDir(), RetryPolicy{Attempts: 1})

	err := s.Save(context.Background(), atom.LedgerKey{Account: "../escape", Tier: "bit"}, freqAtoms(1))
	assert.ErrorIs(t, err, atom.ErrInvalidAccount)

	_, err = s.Load(context.Background(), atom.LedgerKey{Account: "", Tier: "bit"})
	assert.ErrorIs(t, err, atom.ErrInvalidAccount)
}

func TestParseLaneFile(t *testing.T) {
	tests := []struct {
		name string
		lane int
		ok   bool
	}{
		{"lane-0.json", 0, true},
		{"/x/y/lane-12.json", 12, true},
		{"lane-1x.json", 0, false},
		{".lane-0.json.tmp-123", 0, false},
		{".cursor.json", 0, false},
		{"lane--1.json", 0, false},
	}
	for _, tt := range tests {
		lane, ok := ParseLaneFile(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.lane, lane, tt.name)
		}
	}
}
