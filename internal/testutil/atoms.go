package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/store"
)

// NewAtom returns a producer atom for lane with deterministic metadata.
// The n-th atom of lane 0 gets timestamp 00:00:0n, iv "iv-0-n" and
// authTag "tag-0-n".
func NewAtom(lane, n int, freq float64) atom.Atom {
	return atom.Atom{
		Frequency: atom.NewFrequency(freq),
		Timestamp: fmt.Sprintf("2024-01-01T00:%02d:%02dZ", lane, n),
		IV:        fmt.Sprintf("iv-%d-%d", lane, n),
		AuthTag:   fmt.Sprintf("tag-%d-%d", lane, n),
	}
}

// Fill appends one atom per frequency to each of the first lanes lanes of
// (account, tier) and returns nothing; failures stop the test.
func Fill(t *testing.T, s store.Store, account, tier string, lanes int, freqs ...float64) {
	t.Helper()
	for lane := range lanes {
		FillLane(t, s, account, tier, lane, freqs...)
	}
}

// FillLane appends one atom per frequency to a single lane.
func FillLane(t *testing.T, s store.Store, account, tier string, lane int, freqs ...float64) {
	t.Helper()
	key := atom.LedgerKey{Account: account, Tier: tier, Lane: lane}

	existing, err := s.Load(context.Background(), key)
	require.NoError(t, err)

	atoms := make([]atom.Atom, len(freqs))
	for i, f := range freqs {
		atoms[i] = NewAtom(lane, len(existing)+i+1, f)
	}
	_, err = store.Append(context.Background(), s, key, atoms...)
	require.NoError(t, err)
}

// Lane loads a lane; failures stop the test.
func Lane(t *testing.T, s store.Store, account, tier string, lane int) []atom.Atom {
	t.Helper()
	atoms, err := s.Load(context.Background(), atom.LedgerKey{Account: account, Tier: tier, Lane: lane})
	require.NoError(t, err)
	return atoms
}

// Sequences returns the sequence indices of atoms in order.
func Sequences(atoms []atom.Atom) []int64 {
	seqs := make([]int64, len(atoms))
	for i, a := range atoms {
		seqs[i] = a.SequenceIndex
	}
	return seqs
}
