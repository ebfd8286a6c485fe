package record

import "time"

// ImportState is the outcome of one apply attempt on the receiving side.
type ImportState string

const (
	// ImportCommitted: the record's changes were applied and committed.
	ImportCommitted ImportState = "COMMITTED"

	// ImportAlreadyCommitted: a committed import record for the same
	// OriginalUUID already existed; the apply was short-circuited with no
	// side effects. Not an error.
	ImportAlreadyCommitted ImportState = "ALREADY_COMMITTED"

	// ImportFailed: a structural failure (unresolvable reference,
	// malformed payload, checksum mismatch, excluded entity type).
	ImportFailed ImportState = "FAILED"

	// ImportConflict: a concurrent-modification failure (version
	// mismatch, or a referenced entity that was deleted concurrently).
	// Kept distinct from FAILED so operators can tell "needs manual
	// merge" from "malformed input".
	ImportConflict ImportState = "CONFLICT"
)

// Valid reports whether s is a known import state.
func (s ImportState) Valid() bool {
	switch s {
	case ImportCommitted, ImportAlreadyCommitted, ImportFailed, ImportConflict:
		return true
	}
	return false
}

// SyncImportRecord is the receiving node's durable record of one apply
// attempt, keyed by the OriginalUUID of the record it applied. At most
// one COMMITTED import record exists per OriginalUUID per node; that
// uniqueness is the idempotence anchor of the whole engine.
type SyncImportRecord struct {
	ImportID     int64
	OriginalUUID string

	// SourceServerUUID is the peer the record arrived from, when known.
	SourceServerUUID string

	State ImportState

	// ErrorDetail is present iff State is FAILED or CONFLICT.
	ErrorDetail string

	AppliedAt time.Time
}
