package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// FirstInQueue returns the oldest record eligible for transport: the
// lowest record_id in state NEW or PENDING_SEND. Claimed and terminal
// records are never returned. Returns (nil, nil) on an empty queue.
func (s *Store) FirstInQueue(ctx context.Context) (*record.SyncRecord, error) {
	return s.getRecordWhere(ctx, `
		state IN (?, ?) ORDER BY record_id ASC`,
		string(record.StateNew), string(record.StatePendingSend))
}

// ListByState returns records matching any of the given states, or, with
// invert set, records matching none of them. An optional serverUUID
// scopes the result to records received from that peer; locally captured
// records carry an empty origin and only match the unscoped query.
// Ordered by record_id ascending.
func (s *Store) ListByState(ctx context.Context, states []record.State, invert bool, serverUUID string) ([]*record.SyncRecord, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("list by state: no states given")
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(states)), ",")
	op := "IN"
	if invert {
		op = "NOT IN"
	}

	query := `
		SELECT record_id, uuid, original_uuid, origin_server, timestamp, state, retry_count, changes, checksum
		FROM sync_records
		WHERE state ` + op + ` (` + placeholders + `)`

	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	if serverUUID != "" {
		query += ` AND origin_server = ?`
		args = append(args, serverUUID)
	}
	query += ` ORDER BY record_id ASC`

	return s.listRecords(ctx, query, args...)
}

// ListByTimeRange returns records in a time window: timestamps strictly
// after from and up to and including to. A zero from or to drops that
// bound. cursorID, when non-zero, resumes pagination at that record_id
// (inclusive, relative to the scan direction); because record_id is an
// append-only sequence the cursor stays stable under concurrent inserts.
// limit caps the result when positive. ascending selects scan direction
// by record_id.
func (s *Store) ListByTimeRange(ctx context.Context, from, to time.Time, cursorID int64, limit int, ascending bool) ([]*record.SyncRecord, error) {
	query := `
		SELECT record_id, uuid, original_uuid, origin_server, timestamp, state, retry_count, changes, checksum
		FROM sync_records
		WHERE 1=1`
	var args []any

	if !from.IsZero() {
		query += ` AND timestamp > ?`
		args = append(args, from.UTC().UnixNano())
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to.UTC().UnixNano())
	}
	if cursorID > 0 {
		if ascending {
			query += ` AND record_id >= ?`
		} else {
			query += ` AND record_id <= ?`
		}
		args = append(args, cursorID)
	}
	if ascending {
		query += ` ORDER BY record_id ASC`
	} else {
		query += ` ORDER BY record_id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.listRecords(ctx, query, args...)
}

func (s *Store) listRecords(ctx context.Context, query string, args ...any) ([]*record.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []*record.SyncRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
