// Package audit records completed promotions in SQLite.
//
// Every promotion the engine commits is written once to the promotions
// table, keyed by (account, tier, idx). A retried promotion of the same
// batch carries the same index and is acknowledged without a second row.
//
// # Critical Patterns
//
// Idempotent writes:
//   - UNIQUE(account, tier, idx) with ON CONFLICT DO NOTHING
//
// Deterministic reads:
//   - All queries order by seq ASC, id COLLATE BINARY ASC
//   - Reads return empty slices, never nil
//
// Snapshots:
//   - The full bonded record is stored as deterministic CBOR
//     (RFC 8949 core deterministic encoding)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention
//   - Single connection: SQLite allows one writer
package audit
