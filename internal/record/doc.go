// Package record defines the core data model of the replication engine.
//
// A SyncRecord captures one committed business transaction as an ordered
// list of change items. Records move through a small state machine on the
// sending side (see State) and produce exactly one SyncImportRecord per
// apply attempt on the receiving side.
//
// Identity rules:
//   - UUID identifies one physical record on one node. It may be
//     regenerated when a record is relayed through an intermediate node.
//   - OriginalUUID identifies the logical change. It is assigned once at
//     capture time and never changes across relay hops. All idempotency
//     checks key on OriginalUUID, never on UUID.
//
// Wire serialization is JSON (see Marshal/Unmarshal). Change payloads are
// additionally serialized to canonical JSON for checksum computation so
// that a record can be integrity-checked after transport.
package record
