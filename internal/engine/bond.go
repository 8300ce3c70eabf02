package engine

import "github.com/roach88/atombond/internal/atom"

// buildCandidate assembles the unsigned record bonding batch into next.
//
// Metadata comes from the representative atom, the first selected atom of
// lane 0. The frequency is the mean of every valid constituent frequency,
// or 0.00 when none is valid.
func buildCandidate(src, next Tier, batch [][]atom.Atom) atom.BondedRecord {
	rep := batch[0][0]
	rec := atom.BondedRecord{
		Timestamp:    rep.Timestamp,
		IV:           rep.IV,
		AuthTag:      rep.AuthTag,
		Type:         next.Name,
		SourceTier:   src.Name,
		AtomicWeight: src.Threshold * len(batch),
		AtomsUsed:    make([]atom.Atom, 0, src.Threshold*len(batch)),
		Indices:      &atom.Indices{Sequences: make(map[string][]int64, len(batch))},
	}

	var sum float64
	var valid int
	for lane, atoms := range batch {
		seqs := make([]int64, 0, len(atoms))
		for _, a := range atoms {
			if v, ok := a.Frequency.Float(); ok {
				sum += v
				valid++
			}
			if a.IsBonded() {
				rec.Indices.Constituents = append(rec.Indices.Constituents, a.Index)
			}
			seqs = append(seqs, a.SequenceIndex)
			rec.AtomsUsed = append(rec.AtomsUsed, a.AuditCopy())
		}
		rec.Indices.Sequences[atom.LaneName(lane)] = seqs
	}

	mean := 0.0
	if valid > 0 {
		mean = sum / float64(valid)
	}
	rec.Frequency = atom.FormatFrequency(mean)

	lead := batch[0]
	rec.Index = promotionIndex(lead[len(lead)-1].SequenceIndex, src.Threshold)
	return rec
}

// promotionIndex numbers a batch by the last sequence index it consumed
// from lane 0: ceil(last / threshold), at least 1.
func promotionIndex(last int64, threshold int) int64 {
	t := int64(threshold)
	return max((last+t-1)/t, 1)
}
