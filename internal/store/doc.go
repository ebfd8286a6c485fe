// Package store provides SQLite-backed durable storage for the
// replication engine: the sync record log, import records, the peer
// registry, class participation rows, entity state and node properties.
//
// # Critical Patterns
//
// CP-1: State machine only
//   - Record state is mutated exclusively through Claim, MarkSent,
//     MarkCommitted and Release. Every one of those is a compare-and-set
//     UPDATE guarded by the allowed source states, so two workers can
//     never hold the same record.
//
// CP-2: Idempotent imports
//   - A partial UNIQUE index permits at most one COMMITTED import row
//     per original uuid. The ingest pipeline relies on that row to
//     short-circuit duplicate applies.
//
// CP-3: Stable pagination
//   - Queue queries order by record_id, the node-local AUTOINCREMENT
//     sequence. Cursors on record_id stay stable under concurrent
//     inserts; a new record can never appear before an already-consumed
//     cursor.
//
// CP-4: Single parent
//   - A partial UNIQUE index on remote_servers(role) WHERE role='PARENT'
//     makes the star topology a database invariant, not a convention.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Timestamps are stored as UTC unix nanoseconds so range queries compare
// numerically.
package store
