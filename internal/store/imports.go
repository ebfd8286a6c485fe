package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// CreateImport inserts an import record inside the caller's apply
// transaction and assigns its ImportID. The partial UNIQUE index rejects
// a second COMMITTED row for the same original uuid; hitting that
// constraint means two appliers raced, and the loser's transaction rolls
// back whole.
func (s *Store) CreateImport(ctx context.Context, tx *sql.Tx, imp *record.SyncImportRecord) error {
	return createImport(ctx, tx, imp)
}

// CreateImportStandalone records a failed or conflicted apply attempt
// outside any transaction. Used after the apply transaction was rolled
// back: the failure record itself must survive the rollback.
func (s *Store) CreateImportStandalone(ctx context.Context, imp *record.SyncImportRecord) error {
	return createImport(ctx, s.db, imp)
}

func createImport(ctx context.Context, q querier, imp *record.SyncImportRecord) error {
	if imp.OriginalUUID == "" {
		return fmt.Errorf("create import: missing original uuid")
	}
	if !imp.State.Valid() {
		return fmt.Errorf("create import %s: invalid state %q", imp.OriginalUUID, imp.State)
	}
	if imp.AppliedAt.IsZero() {
		imp.AppliedAt = time.Now().UTC()
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO sync_imports
		(original_uuid, source_server, state, error_detail, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		imp.OriginalUUID,
		imp.SourceServerUUID,
		string(imp.State),
		imp.ErrorDetail,
		imp.AppliedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create import %s: %w", imp.OriginalUUID, err)
	}

	imp.ImportID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create import %s: last insert id: %w", imp.OriginalUUID, err)
	}
	return nil
}

// GetCommittedImport returns the COMMITTED import record for the given
// original uuid, or (nil, nil) if this node has never committed that
// logical change. The ingest pipeline calls this first on every incoming
// record; a hit short-circuits to ALREADY_COMMITTED.
func (s *Store) GetCommittedImport(ctx context.Context, originalUUID string) (*record.SyncImportRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT import_id, original_uuid, source_server, state, error_detail, applied_at
		FROM sync_imports
		WHERE original_uuid = ? AND state = ?
	`, originalUUID, string(record.ImportCommitted))

	imp, err := scanImportRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get committed import %s: %w", originalUUID, err)
	}
	return imp, nil
}

// ListImportsByState returns all import records in the given state,
// ordered by import_id ascending.
func (s *Store) ListImportsByState(ctx context.Context, state record.ImportState) ([]*record.SyncImportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT import_id, original_uuid, source_server, state, error_detail, applied_at
		FROM sync_imports
		WHERE state = ?
		ORDER BY import_id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query imports: %w", err)
	}
	defer rows.Close()

	imports := []*record.SyncImportRecord{}
	for rows.Next() {
		var imp record.SyncImportRecord
		var st string
		var appliedAt int64
		if err := rows.Scan(&imp.ImportID, &imp.OriginalUUID, &imp.SourceServerUUID,
			&st, &imp.ErrorDetail, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		imp.State = record.ImportState(st)
		imp.AppliedAt = time.Unix(0, appliedAt).UTC()
		imports = append(imports, &imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate imports: %w", err)
	}
	return imports, nil
}

func scanImportRow(row *sql.Row) (*record.SyncImportRecord, error) {
	var imp record.SyncImportRecord
	var st string
	var appliedAt int64
	if err := row.Scan(&imp.ImportID, &imp.OriginalUUID, &imp.SourceServerUUID,
		&st, &imp.ErrorDetail, &appliedAt); err != nil {
		return nil, err
	}
	imp.State = record.ImportState(st)
	imp.AppliedAt = time.Unix(0, appliedAt).UTC()
	return &imp, nil
}
