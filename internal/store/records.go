package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// ErrNotClaimed is returned by release/commit operations when the target
// record is not currently held in SENT by a worker. It usually means a
// duplicate acknowledgement.
var ErrNotClaimed = errors.New("record is not claimed")

// CreateRecord inserts a new sync record and assigns its RecordID.
// The record's UUID must be unique on this node; a duplicate is an error,
// not a silent no-op, because two captures can never legitimately share
// a physical record identity.
func (s *Store) CreateRecord(ctx context.Context, r *record.SyncRecord) error {
	return createRecord(ctx, s.db, r)
}

// CreateRecordTx is CreateRecord inside a caller-owned transaction.
// Capture uses this so the record commits or rolls back with the
// business transaction that produced it; ingest uses it to enqueue a
// derived relay record inside the apply transaction.
func (s *Store) CreateRecordTx(ctx context.Context, tx *sql.Tx, r *record.SyncRecord) error {
	return createRecord(ctx, tx, r)
}

func createRecord(ctx context.Context, q querier, r *record.SyncRecord) error {
	if r.State == "" {
		r.State = record.StateNew
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	changesJSON, err := marshalChanges(r.Changes)
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.UUID, err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO sync_records
		(uuid, original_uuid, origin_server, timestamp, state, retry_count, changes, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.UUID,
		r.OriginalUUID,
		r.OriginServerUUID,
		r.Timestamp.UTC().UnixNano(),
		string(r.State),
		r.RetryCount,
		changesJSON,
		r.Checksum,
	)
	if err != nil {
		return fmt.Errorf("create record %s: %w", r.UUID, err)
	}

	r.RecordID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create record %s: last insert id: %w", r.UUID, err)
	}
	return nil
}

// GetRecord retrieves a record by its node-local UUID.
// Returns (nil, nil) if not found.
func (s *Store) GetRecord(ctx context.Context, uuid string) (*record.SyncRecord, error) {
	return s.getRecordWhere(ctx, "uuid = ?", uuid)
}

// GetRecordByOriginalUUID retrieves the record carrying the given logical
// change identity. Returns (nil, nil) if not found.
func (s *Store) GetRecordByOriginalUUID(ctx context.Context, originalUUID string) (*record.SyncRecord, error) {
	return s.getRecordWhere(ctx, "original_uuid = ?", originalUUID)
}

// LatestRecord returns the most recently created record, or (nil, nil)
// on an empty log.
func (s *Store) LatestRecord(ctx context.Context) (*record.SyncRecord, error) {
	return s.getRecordWhere(ctx, "1=1 ORDER BY record_id DESC")
}

func (s *Store) getRecordWhere(ctx context.Context, where string, args ...any) (*record.SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, uuid, original_uuid, origin_server, timestamp, state, retry_count, changes, checksum
		FROM sync_records
		WHERE `+where+`
		LIMIT 1
	`, args...)

	r, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// Claim atomically acquires a record for transport: a compare-and-set
// NEW|PENDING_SEND -> SENT. Returns false when the record was already
// claimed, terminal, or gone; a second worker observing false skips it.
func (s *Store) Claim(ctx context.Context, recordID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_records
		SET state = ?
		WHERE record_id = ? AND state IN (?, ?)
	`, string(record.StateSent), recordID,
		string(record.StateNew), string(record.StatePendingSend))
	if err != nil {
		return false, fmt.Errorf("claim record %d: %w", recordID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim record %d: rows affected: %w", recordID, err)
	}
	return n > 0, nil
}

// MarkCommitted finalizes a claimed record after the peer acknowledged a
// committed apply: SENT -> COMMITTED. Returns ErrNotClaimed if the
// record is not currently SENT.
func (s *Store) MarkCommitted(ctx context.Context, recordID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_records
		SET state = ?
		WHERE record_id = ? AND state = ?
	`, string(record.StateCommitted), recordID, string(record.StateSent))
	if err != nil {
		return fmt.Errorf("commit record %d: %w", recordID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit record %d: rows affected: %w", recordID, err)
	}
	if n == 0 {
		return fmt.Errorf("commit record %d: %w", recordID, ErrNotClaimed)
	}
	return nil
}

// Release returns a claimed record to the queue after a failed send or a
// rejected apply, incrementing its retry count. Once the count exceeds
// maxRetries the record moves to terminal FAILED instead and is never
// offered to transport again. Returns the resulting state.
func (s *Store) Release(ctx context.Context, recordID int64, maxRetries int) (record.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("release record %d: begin tx: %w", recordID, err)
	}
	defer tx.Rollback() // No-op if committed

	var state string
	var retries int
	err = tx.QueryRowContext(ctx, `
		SELECT state, retry_count FROM sync_records WHERE record_id = ?
	`, recordID).Scan(&state, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("release record %d: not found", recordID)
	}
	if err != nil {
		return "", fmt.Errorf("release record %d: %w", recordID, err)
	}
	if record.State(state) != record.StateSent {
		return "", fmt.Errorf("release record %d in state %s: %w", recordID, state, ErrNotClaimed)
	}

	retries++
	next := record.StatePendingSend
	if retries > maxRetries {
		next = record.StateFailed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_records SET state = ?, retry_count = ? WHERE record_id = ?
	`, string(next), retries, recordID)
	if err != nil {
		return "", fmt.Errorf("release record %d: %w", recordID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("release record %d: commit: %w", recordID, err)
	}
	return next, nil
}

// scanRecordRow scans a single-row query into a SyncRecord.
func scanRecordRow(row *sql.Row) (*record.SyncRecord, error) {
	var r record.SyncRecord
	var ts int64
	var state, changesJSON string

	if err := row.Scan(
		&r.RecordID, &r.UUID, &r.OriginalUUID, &r.OriginServerUUID,
		&ts, &state, &r.RetryCount, &changesJSON, &r.Checksum,
	); err != nil {
		return nil, err
	}
	return finishRecord(&r, ts, state, changesJSON)
}

// scanRecord scans the current row of a multi-row query.
func scanRecord(rows *sql.Rows) (*record.SyncRecord, error) {
	var r record.SyncRecord
	var ts int64
	var state, changesJSON string

	if err := rows.Scan(
		&r.RecordID, &r.UUID, &r.OriginalUUID, &r.OriginServerUUID,
		&ts, &state, &r.RetryCount, &changesJSON, &r.Checksum,
	); err != nil {
		return nil, err
	}
	return finishRecord(&r, ts, state, changesJSON)
}

func finishRecord(r *record.SyncRecord, ts int64, state, changesJSON string) (*record.SyncRecord, error) {
	r.Timestamp = time.Unix(0, ts).UTC()
	r.State = record.State(state)

	changes, err := unmarshalChanges(changesJSON)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.UUID, err)
	}
	r.Changes = changes
	return r, nil
}
