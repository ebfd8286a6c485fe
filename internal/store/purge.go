package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// Purge deletes records matching any of the given states with a
// timestamp strictly before the cutoff, returning the number deleted.
//
// Only terminal states are ever deleted. Requested states that are not
// terminal are silently dropped from the filter: a record in
// PENDING_SEND or SENT is claimed (or about to be) by an outbound
// worker, and deleting it would race an in-flight send. NEW records are
// simply not yet done. Retention jobs may therefore pass any state set
// without special-casing.
func (s *Store) Purge(ctx context.Context, states []record.State, before time.Time) (int64, error) {
	var terminal []record.State
	for _, st := range states {
		if st.Terminal() {
			terminal = append(terminal, st)
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(terminal)), ",")
	args := make([]any, 0, len(terminal)+1)
	for _, st := range terminal {
		args = append(args, string(st))
	}
	args = append(args, before.UTC().UnixNano())

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_records
		WHERE state IN (`+placeholders+`) AND timestamp < ?
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge records: rows affected: %w", err)
	}
	return n, nil
}
