// Package store provides durable per-(account, tier, lane) ledgers.
//
// A ledger is a JSON array of atoms ordered by sequenceIndex. Saves replace
// the whole file atomically (write temp file, fsync, rename) so a crash never
// leaves a torn ledger behind. Loads never fail on absent or malformed
// files; they return an empty ledger and log the problem.
//
// Directory layout:
//
//	<root>/<tier>/<account>/lane-<n>.json
//	<root>/<tier>/<account>/.cursor.json
//
// The cursor keeps each lane's sequence high-water mark so sequence indices
// stay monotonic after consumed prefixes are trimmed away. It also keeps the
// lane's retirement floor: an atom that reappears at or below the floor, or
// that repeats an index already present in the ledger, is renumbered past
// the high-water mark on load.
//
// MemStore implements the same contract in memory for unit tests.
package store
