package validate

import (
	"fmt"

	"github.com/roach88/atombond/internal/atom"
)

// UniqueConstituents rejects a record that lists the same (lane, sequence)
// constituent twice.
var UniqueConstituents = PolicyFunc(func(rec atom.BondedRecord) error {
	type ref struct {
		lane int
		seq  int64
	}
	seen := make(map[ref]bool, len(rec.AtomsUsed))
	for _, a := range rec.AtomsUsed {
		r := ref{a.Lane, a.SequenceIndex}
		if seen[r] {
			return fmt.Errorf("constituent lane %d sequence %d used twice", a.Lane, a.SequenceIndex)
		}
		seen[r] = true
	}
	return nil
})

// SingleSourceTier rejects a record whose constituents are bonded records of
// mixed types.
var SingleSourceTier = PolicyFunc(func(rec atom.BondedRecord) error {
	var first string
	for i, a := range rec.AtomsUsed {
		if i == 0 {
			first = a.Type
			continue
		}
		if a.Type != first {
			return fmt.Errorf("constituents mix tiers %q and %q", first, a.Type)
		}
	}
	return nil
})
