// Package ingest applies incoming sync records to local entity state,
// producing exactly one import record per apply attempt. One storage
// transaction spans one record: all contained changes commit together
// or none do, and the import record for a committed apply rides the
// same transaction. Failure import records are written after rollback
// so the attempt stays visible.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/classes"
	"github.com/mhawila/openmrs-module-sync/internal/entity"
	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// Applier applies incoming records on the receiving node. When Relay is
// set the node forwards changes onward: every committed apply also
// enqueues a derived record carrying the same original uuid, so the
// change is never double-counted downstream.
type Applier struct {
	store   *store.Store
	classes *classes.Registry
	ids     record.UUIDGenerator
	relay   bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewApplier wires an applier. A nil logger uses the process default;
// a nil generator uses UUIDv7.
func NewApplier(s *store.Store, reg *classes.Registry, ids record.UUIDGenerator, relay bool, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if ids == nil {
		ids = record.UUIDv7Generator{}
	}
	return &Applier{
		store:   s,
		classes: reg,
		ids:     ids,
		relay:   relay,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply applies one incoming record and returns its import record. The
// import state is COMMITTED on success, ALREADY_COMMITTED when a prior
// committed apply for the same original uuid exists (no side effects),
// and FAILED or CONFLICT otherwise. For FAILED and CONFLICT the
// returned error carries the cause; the caller decides whether the
// sender should retry.
func (a *Applier) Apply(ctx context.Context, incoming *record.SyncRecord, sourceUUID string) (*record.SyncImportRecord, error) {
	existing, err := a.store.GetCommittedImport(ctx, incoming.OriginalUUID)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", incoming.OriginalUUID, err)
	}
	if existing != nil {
		a.logger.Info("record already committed, skipping",
			"original_uuid", incoming.OriginalUUID, "source", sourceUUID)
		return &record.SyncImportRecord{
			OriginalUUID:     incoming.OriginalUUID,
			SourceServerUUID: sourceUUID,
			State:            record.ImportAlreadyCommitted,
			AppliedAt:        a.now(),
		}, nil
	}

	if applyErr := a.checkRecord(incoming); applyErr != nil {
		return a.recordFailure(ctx, incoming, sourceUUID, applyErr)
	}

	if applyErr := a.applyTx(ctx, incoming, sourceUUID); applyErr != nil {
		return a.recordFailure(ctx, incoming, sourceUUID, applyErr)
	}

	a.logger.Info("record applied",
		"original_uuid", incoming.OriginalUUID,
		"source", sourceUUID,
		"changes", len(incoming.Changes))
	return &record.SyncImportRecord{
		OriginalUUID:     incoming.OriginalUUID,
		SourceServerUUID: sourceUUID,
		State:            record.ImportCommitted,
		AppliedAt:        a.now(),
	}, nil
}

// checkRecord rejects structurally bad input before touching storage.
func (a *Applier) checkRecord(incoming *record.SyncRecord) *ApplyError {
	if err := incoming.Validate(); err != nil {
		return &ApplyError{
			Code:         ErrCodeBadPayload,
			Message:      err.Error(),
			OriginalUUID: incoming.OriginalUUID,
		}
	}
	if err := incoming.VerifyChecksum(); err != nil {
		return &ApplyError{
			Code:         ErrCodeBadPayload,
			Message:      err.Error(),
			OriginalUUID: incoming.OriginalUUID,
		}
	}
	for i := range incoming.Changes {
		if !a.classes.ShouldReceive(incoming.Changes[i].EntityType) {
			return &ApplyError{
				Code:       ErrCodeClassExcluded,
				Message:    "entity type not registered for ingest",
				EntityType: incoming.Changes[i].EntityType,
				EntityUUID: incoming.Changes[i].EntityUUID,
			}
		}
	}
	return nil
}

// applyTx runs all contained changes plus the committed import record
// in one transaction, and, on a relay node, the derived outbound record
// with it.
func (a *Applier) applyTx(ctx context.Context, incoming *record.SyncRecord, sourceUUID string) *ApplyError {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return newStorageError("begin apply tx", err)
	}
	defer tx.Rollback() // No-op if committed

	ident := entity.NewIdentMap()
	for i := range incoming.Changes {
		if applyErr := a.applyChange(ctx, tx, ident, &incoming.Changes[i]); applyErr != nil {
			applyErr.OriginalUUID = incoming.OriginalUUID
			return applyErr
		}
	}

	imp := &record.SyncImportRecord{
		OriginalUUID:     incoming.OriginalUUID,
		SourceServerUUID: sourceUUID,
		State:            record.ImportCommitted,
		AppliedAt:        a.now(),
	}
	if err := a.store.CreateImport(ctx, tx, imp); err != nil {
		return newStorageError("write import record", err)
	}

	if a.relay {
		derived := &record.SyncRecord{
			UUID:             a.ids.Generate(),
			OriginalUUID:     incoming.OriginalUUID,
			OriginServerUUID: sourceUUID,
			Timestamp:        a.now(),
			State:            record.StateNew,
			Changes:          incoming.Changes,
			Checksum:         incoming.Checksum,
		}
		if err := a.store.CreateRecordTx(ctx, tx, derived); err != nil {
			return newStorageError("enqueue derived record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStorageError("commit apply tx", err)
	}
	return nil
}

// applyChange dispatches one change item inside the apply transaction.
func (a *Applier) applyChange(ctx context.Context, tx *sql.Tx, ident *entity.IdentMap, item *record.ChangeItem) *ApplyError {
	switch item.Kind {
	case record.KindCreate:
		return a.applyCreate(ctx, tx, ident, item)
	case record.KindUpdate:
		return a.applyUpdate(ctx, tx, ident, item)
	case record.KindDelete:
		if err := entity.Delete(ctx, tx, item.EntityType, item.EntityUUID); err != nil {
			return newStorageError("delete entity", err)
		}
		ident.Forget(item.EntityType, item.EntityUUID)
		return nil
	default:
		return &ApplyError{
			Code:       ErrCodeBadPayload,
			Message:    fmt.Sprintf("unknown change kind %q", item.Kind),
			EntityType: item.EntityType,
			EntityUUID: item.EntityUUID,
		}
	}
}

func (a *Applier) applyCreate(ctx context.Context, tx *sql.Tx, ident *entity.IdentMap, item *record.ChangeItem) *ApplyError {
	e := entity.New(item.EntityType, item.EntityUUID)
	for k, v := range item.Fields {
		e.Fields[k] = v
	}
	if applyErr := a.mergeCollections(e, item); applyErr != nil {
		return applyErr
	}
	if err := entity.Save(ctx, tx, e); err != nil {
		return newStorageError("save entity", err)
	}
	ident.TrackCreated(e)
	return nil
}

func (a *Applier) applyUpdate(ctx context.Context, tx *sql.Tx, ident *entity.IdentMap, item *record.ChangeItem) *ApplyError {
	e, applyErr := a.resolve(ctx, tx, ident, item.EntityType, item.EntityUUID)
	if applyErr != nil {
		return applyErr
	}
	if item.BaseVersion != 0 && !ident.CreatedHere(item.EntityType, item.EntityUUID) && e.Version != item.BaseVersion {
		return newConflictError(item.EntityType, item.EntityUUID,
			fmt.Sprintf("version mismatch: local %d, base %d", e.Version, item.BaseVersion))
	}
	for k, v := range item.Fields {
		e.Fields[k] = v
	}
	if applyErr := a.mergeCollections(e, item); applyErr != nil {
		return applyErr
	}
	if err := entity.Save(ctx, tx, e); err != nil {
		return newStorageError("save entity", err)
	}
	return nil
}

// mergeCollections reconciles every collection diff of the item onto
// the owner. The owner is saved once by the caller after the merge.
func (a *Applier) mergeCollections(owner *entity.Entity, item *record.ChangeItem) *ApplyError {
	for _, diff := range item.Collections {
		ordered := diff.Ordered || a.classes.OrderSensitive(item.EntityType, diff.Field)
		if applyErr := reconcileCollection(owner, diff, ordered); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// resolve finds the target of an update: identity map first, storage
// second. A reference to an identity this record already deleted is a
// structural failure; a miss on both map and storage is a conflict, the
// entity is assumed deleted concurrently with the sender's capture.
func (a *Applier) resolve(ctx context.Context, tx *sql.Tx, ident *entity.IdentMap, entityType, uuid string) (*entity.Entity, *ApplyError) {
	if e := ident.Lookup(entityType, uuid); e != nil {
		return e, nil
	}
	if ident.DeletedHere(entityType, uuid) {
		return nil, newResolutionError(entityType, uuid)
	}
	e, err := entity.Get(ctx, tx, entityType, uuid)
	if err != nil {
		return nil, newStorageError("load entity", err)
	}
	if e == nil {
		return nil, newConflictError(entityType, uuid, "entity not found, assumed deleted concurrently")
	}
	ident.Track(e)
	return e, nil
}

// recordFailure writes the FAILED or CONFLICT import record outside the
// rolled-back apply transaction and surfaces the cause.
func (a *Applier) recordFailure(ctx context.Context, incoming *record.SyncRecord, sourceUUID string, applyErr *ApplyError) (*record.SyncImportRecord, error) {
	imp := &record.SyncImportRecord{
		OriginalUUID:     incoming.OriginalUUID,
		SourceServerUUID: sourceUUID,
		State:            record.ImportFailed,
		ErrorDetail:      applyErr.Error(),
		AppliedAt:        a.now(),
	}
	if applyErr.Code == ErrCodeConflict {
		imp.State = record.ImportConflict
	}

	if err := a.store.CreateImportStandalone(ctx, imp); err != nil {
		return nil, fmt.Errorf("apply %s: record failure: %w", incoming.OriginalUUID, err)
	}

	a.logger.Warn("record apply failed",
		"original_uuid", incoming.OriginalUUID,
		"source", sourceUUID,
		"outcome", string(imp.State),
		"error", applyErr.Error())
	return imp, applyErr
}
