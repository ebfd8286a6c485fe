package record

import (
	"fmt"
	"time"
)

// State is the sending-side lifecycle state of a SyncRecord.
type State string

const (
	// StateNew is the initial state of every captured record.
	StateNew State = "NEW"

	// StatePendingSend marks a record eligible for transport, either
	// freshly queued or released after a failed send attempt.
	StatePendingSend State = "PENDING_SEND"

	// StateSent marks a record exclusively claimed by an outbound worker.
	// Exactly one worker may hold a record in this state; the claim is a
	// compare-and-set transition performed by the store.
	StateSent State = "SENT"

	// StateCommitted is the absorbing success state: the peer reported a
	// committed (or already-committed) apply.
	StateCommitted State = "COMMITTED"

	// StateFailed is the absorbing failure state, entered once the retry
	// ceiling is exhausted. Failed records are never silently dropped;
	// they require operator intervention.
	StateFailed State = "FAILED"
)

// QueueStates are the states visible to FirstInQueue and to claim
// operations. A record in any other state is never handed to transport.
var QueueStates = []State{StateNew, StatePendingSend}

// TerminalStates are the absorbing states. Only records in these states
// may be purged.
var TerminalStates = []State{StateCommitted, StateFailed}

// Valid reports whether s is a known state value.
func (s State) Valid() bool {
	switch s {
	case StateNew, StatePendingSend, StateSent, StateCommitted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Claimed reports whether s means the record is held by an outbound
// worker. Claimed records are exempt from purge.
func (s State) Claimed() bool {
	return s == StateSent
}

// CanTransition reports whether the state machine permits from -> to.
// All record mutation goes through this check; there are no ad hoc state
// writes anywhere in the engine.
func CanTransition(from, to State) bool {
	switch from {
	case StateNew:
		return to == StatePendingSend || to == StateSent
	case StatePendingSend:
		return to == StateSent
	case StateSent:
		return to == StateCommitted || to == StatePendingSend || to == StateFailed
	default:
		// COMMITTED and FAILED are absorbing.
		return false
	}
}

// SyncRecord is one captured, atomic unit of change: everything a single
// business transaction mutated, in mutation order.
type SyncRecord struct {
	// RecordID is the node-local monotonically increasing sequence,
	// assigned by the store on insert. Used for FIFO ordering and as a
	// pagination cursor; never transmitted as identity.
	RecordID int64

	// UUID identifies this record on this node.
	UUID string

	// OriginalUUID identifies the logical change across relay hops.
	// Equal to UUID on the origin node.
	OriginalUUID string

	// OriginServerUUID is the UUID of the node the record was received
	// from, or empty for locally captured records.
	OriginServerUUID string

	Timestamp  time.Time
	State      State
	RetryCount int

	// Changes holds the per-object change items in capture order. Order
	// matters: later items may reference entities created by earlier
	// items in the same record.
	Changes []ChangeItem

	// Checksum is the hex SHA-256 over the canonical JSON form of
	// Changes. Verified on ingest before any change is applied.
	Checksum string
}

// Validate checks the structural invariants a record must satisfy before
// it is persisted or applied.
func (r *SyncRecord) Validate() error {
	if r.UUID == "" {
		return fmt.Errorf("sync record: missing uuid")
	}
	if r.OriginalUUID == "" {
		return fmt.Errorf("sync record %s: missing original uuid", r.UUID)
	}
	if !r.State.Valid() {
		return fmt.Errorf("sync record %s: invalid state %q", r.UUID, r.State)
	}
	if len(r.Changes) == 0 {
		return fmt.Errorf("sync record %s: no contained changes", r.UUID)
	}
	for i, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("sync record %s: change %d: %w", r.UUID, i, err)
		}
	}
	return nil
}
