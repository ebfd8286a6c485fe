// Package queue manages the outbound sync queue: FIFO selection,
// claiming records for transport, acknowledgement, pagination, and
// retention purge. All state changes go through the record state
// machine; the manager never writes record fields directly.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// Manager coordinates queue access for transport workers and
// administrative queries. MaxRetries is the retry ceiling: a record
// released more than MaxRetries times becomes terminal FAILED.
type Manager struct {
	store      *store.Store
	maxRetries int
	logger     *slog.Logger
}

// NewManager wires a manager over the node store. A nil logger uses the
// process default.
func NewManager(s *store.Store, maxRetries int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, maxRetries: maxRetries, logger: logger}
}

// FirstInQueue returns the oldest queued record without claiming it.
// Returns (nil, nil) on an empty queue.
func (m *Manager) FirstInQueue(ctx context.Context) (*record.SyncRecord, error) {
	return m.store.FirstInQueue(ctx)
}

// ListByState filters records by state set, optionally inverted,
// optionally scoped to a peer.
func (m *Manager) ListByState(ctx context.Context, states []record.State, invert bool, serverUUID string) ([]*record.SyncRecord, error) {
	return m.store.ListByState(ctx, states, invert, serverUUID)
}

// ListByTimeRange pages records through a time window; see the store
// for cursor semantics.
func (m *Manager) ListByTimeRange(ctx context.Context, from, to time.Time, cursorID int64, limit int, ascending bool) ([]*record.SyncRecord, error) {
	return m.store.ListByTimeRange(ctx, from, to, cursorID, limit, ascending)
}

// NextForTransport claims the oldest queued record eligible for the
// destination peer and returns it in claimed state. Records that
// originated from the destination are skipped so a change is never
// echoed back to its source. A concurrent worker winning the claim race
// just moves the scan to the next candidate. Returns (nil, nil) when
// nothing is eligible.
func (m *Manager) NextForTransport(ctx context.Context, destUUID string) (*record.SyncRecord, error) {
	candidates, err := m.store.ListByState(ctx, record.QueueStates, false, "")
	if err != nil {
		return nil, fmt.Errorf("next for transport: %w", err)
	}

	for _, r := range candidates {
		if destUUID != "" && r.OriginServerUUID == destUUID {
			continue
		}
		claimed, err := m.store.Claim(ctx, r.RecordID)
		if err != nil {
			return nil, fmt.Errorf("next for transport: %w", err)
		}
		if !claimed {
			// Lost the race; another worker holds it.
			continue
		}
		r.State = record.StateSent
		m.logger.Debug("record claimed for transport",
			"record_id", r.RecordID, "uuid", r.UUID, "dest", destUUID)
		return r, nil
	}
	return nil, nil
}

// Acknowledge applies the peer's reported import outcome to a claimed
// record. COMMITTED and ALREADY_COMMITTED finish the record; FAILED and
// CONFLICT release it back to the queue with the retry count bumped,
// moving to terminal FAILED past the ceiling. Returns the resulting
// record state.
func (m *Manager) Acknowledge(ctx context.Context, recordID int64, outcome record.ImportState) (record.State, error) {
	switch outcome {
	case record.ImportCommitted, record.ImportAlreadyCommitted:
		if err := m.store.MarkCommitted(ctx, recordID); err != nil {
			return "", fmt.Errorf("acknowledge record %d: %w", recordID, err)
		}
		m.logger.Info("record committed", "record_id", recordID, "outcome", string(outcome))
		return record.StateCommitted, nil

	case record.ImportFailed, record.ImportConflict:
		next, err := m.store.Release(ctx, recordID, m.maxRetries)
		if err != nil {
			return "", fmt.Errorf("acknowledge record %d: %w", recordID, err)
		}
		if next == record.StateFailed {
			m.logger.Warn("record permanently failed",
				"record_id", recordID, "outcome", string(outcome), "max_retries", m.maxRetries)
		} else {
			m.logger.Info("record requeued",
				"record_id", recordID, "outcome", string(outcome))
		}
		return next, nil

	default:
		return "", fmt.Errorf("acknowledge record %d: unknown outcome %q", recordID, outcome)
	}
}

// Purge deletes terminal records older than the cutoff and returns the
// count removed. Queued and claimed records are never touched.
func (m *Manager) Purge(ctx context.Context, states []record.State, before time.Time) (int64, error) {
	n, err := m.store.Purge(ctx, states, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged records", "count", n, "before", before)
	}
	return n, nil
}
