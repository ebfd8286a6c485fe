package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// Statistics counts sync records grouped by (origin server, state)
// within a time window: timestamps strictly after from, up to and
// including to; zero bounds are dropped. Locally captured records group
// under an empty server uuid with the name "local".
//
// The result is derived on every call and never cached or persisted.
func (s *Store) Statistics(ctx context.Context, from, to time.Time) ([]record.SyncStatistic, error) {
	query := `
		SELECT r.origin_server,
		       COALESCE(srv.name, CASE WHEN r.origin_server = '' THEN 'local' ELSE r.origin_server END),
		       r.state,
		       COUNT(*)
		FROM sync_records r
		LEFT JOIN remote_servers srv ON srv.uuid = r.origin_server
		WHERE 1=1`
	var args []any

	if !from.IsZero() {
		query += ` AND r.timestamp > ?`
		args = append(args, from.UTC().UnixNano())
	}
	if !to.IsZero() {
		query += ` AND r.timestamp <= ?`
		args = append(args, to.UTC().UnixNano())
	}
	query += `
		GROUP BY r.origin_server, r.state
		ORDER BY r.origin_server ASC, r.state ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	stats := []record.SyncStatistic{}
	for rows.Next() {
		var st record.SyncStatistic
		var state string
		if err := rows.Scan(&st.ServerUUID, &st.ServerName, &state, &st.Count); err != nil {
			return nil, fmt.Errorf("scan statistic: %w", err)
		}
		st.State = record.State(state)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return stats, nil
}
