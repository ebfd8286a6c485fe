// Package engine is the node-level facade over the replication core:
// capture, queue access for transport workers, ingest of incoming
// records, child provisioning, and statistics. External collaborators
// (the transport, the CLI) talk to this package only.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/classes"
	"github.com/mhawila/openmrs-module-sync/internal/ingest"
	"github.com/mhawila/openmrs-module-sync/internal/peers"
	"github.com/mhawila/openmrs-module-sync/internal/queue"
	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/stats"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// Options configures an engine instance.
type Options struct {
	// MaxRetries is the send retry ceiling before a record becomes
	// terminal FAILED.
	MaxRetries int

	// IDs generates record identities; nil means UUIDv7.
	IDs record.UUIDGenerator

	// Logger receives structured engine logs; nil means slog.Default.
	Logger *slog.Logger

	// Now supplies timestamps; nil means time.Now in UTC. Tests pin it.
	Now func() time.Time
}

// Engine wires the replication core over one node store.
type Engine struct {
	store   *store.Store
	classes *classes.Registry
	queue   *queue.Manager
	peers   *peers.Registry
	stats   *stats.Aggregator
	ids     record.UUIDGenerator
	logger  *slog.Logger
	now     func() time.Time
}

// New builds an engine over an open store.
func New(ctx context.Context, s *store.Store, opts Options) (*Engine, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.IDs == nil {
		opts.IDs = record.UUIDv7Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	reg, err := classes.Load(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		store:   s,
		classes: reg,
		queue:   queue.NewManager(s, opts.MaxRetries, opts.Logger),
		peers:   peers.NewRegistry(s, opts.Logger),
		stats:   stats.NewAggregator(s),
		ids:     opts.IDs,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Classes exposes the participation registry.
func (e *Engine) Classes() *classes.Registry { return e.classes }

// Peers exposes the peer registry.
func (e *Engine) Peers() *peers.Registry { return e.peers }

// Queue exposes the queue manager for administrative queries.
func (e *Engine) Queue() *queue.Manager { return e.queue }

// Store exposes the underlying store for administrative queries.
func (e *Engine) Store() *store.Store { return e.store }

// Initialize assigns the node its identity on first start. Calling it
// again returns the existing identity; it is never overwritten.
func (e *Engine) Initialize(ctx context.Context, name string) (string, error) {
	existing, err := e.store.GetProperty(ctx, store.PropServerUUID)
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if existing != "" {
		return existing, nil
	}

	uuid := e.ids.Generate()
	if err := e.store.SetProperty(ctx, store.PropServerUUID, uuid); err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if err := e.store.SetProperty(ctx, store.PropServerName, name); err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	e.logger.Info("node initialized", "uuid", uuid, "name", name)
	return uuid, nil
}

// NodeUUID returns the node identity, or "" before Initialize.
func (e *Engine) NodeUUID(ctx context.Context) (string, error) {
	return e.store.GetProperty(ctx, store.PropServerUUID)
}

// CommitWithRecord runs fn inside one storage transaction and, when fn
// reports changes, creates the sync record in that same transaction.
// The business mutation and its record commit together or roll back
// together: never a committed change without its record, never a record
// for an uncommitted change.
//
// Changes whose entity type is not registered for sending are dropped
// from the record. When nothing survives the filter the transaction
// still commits, just without a record; the returned record is nil.
func (e *Engine) CommitWithRecord(ctx context.Context, fn func(tx *sql.Tx) ([]record.ChangeItem, error)) (*record.SyncRecord, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("commit with record: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	changes, err := fn(tx)
	if err != nil {
		return nil, fmt.Errorf("commit with record: %w", err)
	}

	captured := make([]record.ChangeItem, 0, len(changes))
	for _, c := range changes {
		if e.classes.ShouldSend(c.EntityType) {
			captured = append(captured, c)
		}
	}

	var rec *record.SyncRecord
	if len(captured) > 0 {
		sum, err := record.ChangeSetChecksum(captured)
		if err != nil {
			return nil, fmt.Errorf("commit with record: %w", err)
		}
		uuid := e.ids.Generate()
		rec = &record.SyncRecord{
			UUID:         uuid,
			OriginalUUID: uuid,
			Timestamp:    e.now(),
			State:        record.StateNew,
			Changes:      captured,
			Checksum:     sum,
		}
		if err := e.store.CreateRecordTx(ctx, tx, rec); err != nil {
			return nil, fmt.Errorf("commit with record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit with record: %w", err)
	}

	if rec != nil {
		e.logger.Info("record captured",
			"record_id", rec.RecordID, "uuid", rec.UUID, "changes", len(rec.Changes))
	} else {
		e.logger.Debug("transaction committed without capture", "changes", len(changes))
	}
	return rec, nil
}

// ApplyIncomingRecord decodes and applies one serialized record from a
// peer, returning the import outcome: COMMITTED, ALREADY_COMMITTED,
// FAILED, or CONFLICT. For the last two the error carries the cause;
// retry policy stays with the caller.
func (e *Engine) ApplyIncomingRecord(ctx context.Context, payload []byte, sourceUUID string) (*record.SyncImportRecord, error) {
	incoming, err := record.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("apply incoming: %w", err)
	}

	relay, err := e.shouldRelay(ctx, sourceUUID)
	if err != nil {
		return nil, fmt.Errorf("apply incoming: %w", err)
	}

	applier := ingest.NewApplier(e.store, e.classes, e.ids, relay, e.logger)
	return applier.Apply(ctx, incoming, sourceUUID)
}

// shouldRelay reports whether a committed apply must enqueue a derived
// record: true iff some enabled peer other than the source exists to
// forward to. A leaf whose only peer is its parent never re-enqueues
// the parent's own changes.
func (e *Engine) shouldRelay(ctx context.Context, sourceUUID string) (bool, error) {
	list, err := e.peers.List(ctx)
	if err != nil {
		return false, err
	}
	for _, srv := range list {
		if !srv.Disabled && srv.UUID != sourceUUID {
			return true, nil
		}
	}
	return false, nil
}

// NextForTransport claims the next record to send to a peer; see the
// queue manager for claim semantics.
func (e *Engine) NextForTransport(ctx context.Context, destUUID string) (*record.SyncRecord, error) {
	return e.queue.NextForTransport(ctx, destUUID)
}

// Acknowledge applies a peer's reported outcome to a claimed record.
func (e *Engine) Acknowledge(ctx context.Context, recordID int64, outcome record.ImportState) (record.State, error) {
	return e.queue.Acknowledge(ctx, recordID, outcome)
}

// SnapshotForNewChild streams a provisioning snapshot with the child's
// identity embedded and all replication history stripped. An empty
// childUUID assigns a fresh one; the assigned identity is returned.
func (e *Engine) SnapshotForNewChild(ctx context.Context, w io.Writer, childUUID string) (string, error) {
	if childUUID == "" {
		childUUID = e.ids.Generate()
	}
	if err := e.store.WriteSnapshot(ctx, w, childUUID); err != nil {
		return "", fmt.Errorf("snapshot for new child: %w", err)
	}
	e.logger.Info("child snapshot written", "child_uuid", childUUID)
	return childUUID, nil
}

// Statistics returns per-(peer, state) record counts over the window.
func (e *Engine) Statistics(ctx context.Context, from, to time.Time) ([]record.SyncStatistic, error) {
	return e.stats.CountByServerAndState(ctx, from, to)
}

// Backlog returns the queued record count across all peers.
func (e *Engine) Backlog(ctx context.Context) (int64, error) {
	return e.stats.Backlog(ctx)
}
