// Package stats is the read-side backlog view: counts of sync records
// grouped by peer and state over a time window. Everything here is
// derived on demand from the record store; nothing is persisted.
package stats

import (
	"context"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// Aggregator computes statistics over the node store.
type Aggregator struct {
	store *store.Store
}

// NewAggregator wires the aggregator.
func NewAggregator(s *store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// CountByServerAndState returns per-(peer, state) record counts within
// the window: timestamps strictly after from, up to and including to.
// Zero bounds drop that side of the window.
func (a *Aggregator) CountByServerAndState(ctx context.Context, from, to time.Time) ([]record.SyncStatistic, error) {
	return a.store.Statistics(ctx, from, to)
}

// Backlog sums queued records (NEW and PENDING_SEND) across all peers,
// the single number a dashboard alerts on.
func (a *Aggregator) Backlog(ctx context.Context) (int64, error) {
	stats, err := a.store.Statistics(ctx, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range stats {
		if s.State == record.StateNew || s.State == record.StatePendingSend {
			n += s.Count
		}
	}
	return n, nil
}
