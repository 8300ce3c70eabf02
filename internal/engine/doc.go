// Package engine bonds lane atoms into higher-tier records.
//
// ARCHITECTURE:
//
// TryBond runs one bonding attempt for an (account, tier):
//  1. Load the K lane ledgers of the source tier (in parallel)
//  2. Return InsufficientAtoms if any lane holds fewer than threshold atoms
//  3. Select the oldest threshold atoms per lane by sequence index
//  4. Build a candidate record for the next tier and sign it
//  5. Validate the candidate against the next tier's contract
//  6. Promote: append to the next tier, record the promotion, trim
//
// Attempts for the same (account, tier) are serialized by a keyed lock; the
// promoter additionally holds the next tier's lock while appending. Locks
// are always taken in ascending tier order.
//
// CRITICAL PATTERNS:
//
// Build-then-trim:
// Consumed atoms are removed only after the bonded record is durable at the
// next tier and the audit sink acknowledged it. A crash in between leaves a
// duplicate candidate, never a lost one.
//
// Reproducible index:
// A promotion's index is derived from the consumed batch, so a retried
// promotion computes the same index and the next tier recognizes it.
package engine
