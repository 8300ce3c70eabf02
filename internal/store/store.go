package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/atombond/internal/atom"
)

// Reader loads lane ledgers.
type Reader interface {
	// Load returns the atoms of a lane ordered by SequenceIndex. An absent or
	// malformed ledger yields an empty, non-nil slice.
	Load(ctx context.Context, key atom.LedgerKey) ([]atom.Atom, error)

	// HighWater returns the largest sequence index ever saved to the lane.
	HighWater(ctx context.Context, key atom.LedgerKey) (int64, error)

	// Accounts lists the accounts that have ledgers at a tier.
	Accounts(ctx context.Context, tier string) ([]string, error)
}

// Writer replaces lane ledgers.
type Writer interface {
	// Save atomically replaces the lane with atoms and raises the lane's
	// high-water mark to the largest sequence index among them.
	Save(ctx context.Context, key atom.LedgerKey, atoms []atom.Atom) error
}

// Store is a full ledger store.
type Store interface {
	Reader
	Writer
}

// StorageError reports an I/O failure that survived the retry budget.
type StorageError struct {
	Op       string
	Key      atom.LedgerKey
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Append adds atoms to the end of a lane, stamping each with the lane id
// and the next sequence indices after the lane's high-water mark.
// Returns the atoms as stored.
//
// Callers that share a store across goroutines must serialize Append with
// other writers of the same (account, tier).
func Append(ctx context.Context, s Store, key atom.LedgerKey, atoms ...atom.Atom) ([]atom.Atom, error) {
	existing, err := s.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	hw, err := s.HighWater(ctx, key)
	if err != nil {
		return nil, err
	}
	next := max(hw, maxSequence(existing))

	stored := make([]atom.Atom, len(atoms))
	for i, a := range atoms {
		next++
		a.Lane = key.Lane
		a.SequenceIndex = next
		stored[i] = a
	}

	if err := s.Save(ctx, key, append(existing, stored...)); err != nil {
		return nil, err
	}
	return stored, nil
}

// laneCursor tracks how a lane's sequence indices have been handed out.
//
// High is the largest index ever saved to the lane. Floor is the largest
// retired index: everything below the oldest atom at the last save, or
// everything up to High once the lane was emptied. An atom that shows up
// carrying a retired index was renumbered by its producer and gets a fresh
// one.
type laneCursor struct {
	High  int64 `json:"high"`
	Floor int64 `json:"floor,omitempty"`
}

// advance returns the cursor after atoms replace the lane.
func (c laneCursor) advance(atoms []atom.Atom) laneCursor {
	c.High = max(c.High, maxSequence(atoms))
	if low, ok := minSequence(atoms); ok {
		c.Floor = max(c.Floor, low-1)
	} else {
		c.Floor = max(c.Floor, c.High)
	}
	return c
}

// normalize stamps the lane id and numbers atoms after everything already
// numbered when they arrived without a sequence index, with a retired one,
// or with one an earlier atom of the ledger already holds. Then it sorts by
// sequence.
func normalize(key atom.LedgerKey, atoms []atom.Atom, cur laneCursor) []atom.Atom {
	next := max(cur.High, maxSequence(atoms))
	seen := make(map[int64]bool, len(atoms))
	renumbered := 0
	for i := range atoms {
		atoms[i].Lane = key.Lane
		if seq := atoms[i].SequenceIndex; seq <= cur.Floor || seen[seq] {
			if seq > 0 {
				renumbered++
			}
			next++
			atoms[i].SequenceIndex = next
		}
		seen[atoms[i].SequenceIndex] = true
	}
	if renumbered > 0 {
		slog.Debug("reused sequence indices renumbered",
			"ledger", key.String(),
			"count", renumbered,
			"floor", cur.Floor,
			"event", "sequence_renumbered",
		)
	}
	sortBySequence(atoms)
	return atoms
}

func maxSequence(atoms []atom.Atom) int64 {
	var m int64
	for _, a := range atoms {
		m = max(m, a.SequenceIndex)
	}
	return m
}

func minSequence(atoms []atom.Atom) (int64, bool) {
	var m int64
	found := false
	for _, a := range atoms {
		if a.SequenceIndex > 0 && (!found || a.SequenceIndex < m) {
			m, found = a.SequenceIndex, true
		}
	}
	return m, found
}

func sortBySequence(atoms []atom.Atom) {
	slices.SortStableFunc(atoms, func(a, b atom.Atom) int {
		return cmp.Compare(a.SequenceIndex, b.SequenceIndex)
	})
}
