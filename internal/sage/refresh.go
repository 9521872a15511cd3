package sage

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

// RefreshCadence is the default pool-refresh interval (spec.md §4.3: "on a
// 24h cadence").
const RefreshCadence = 24 * time.Hour

// Backfiller fetches a newly-eligible address's historical fills from the
// venue so Decide can build episodes and feed its posterior retroactively.
// Specified only at this interface per spec.md §1.
type Backfiller interface {
	BackfillFills(ctx context.Context, addr model.Address) error
}

// PoolRefresher drives Sage's pool-refresh protocol: fresh-install
// (empty-pool) detection, 24h cadence, and on-demand refresh all funnel
// through Refresh.
type PoolRefresher struct {
	selector   *Selector
	store      PoolStore
	backfiller Backfiller
}

func NewPoolRefresher(selector *Selector, st PoolStore, backfiller Backfiller) *PoolRefresher {
	return &PoolRefresher{selector: selector, store: st, backfiller: backfiller}
}

// Refresh backfills fills for any newly-observed candidate then resamples
// and re-selects the pool.
func (r *PoolRefresher) Refresh(ctx context.Context, snapshotDate time.Time, tracker *CandidateTracker) ([]model.AlphaPoolMember, error) {
	pool, err := r.store.ActivePoolMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sage: load pool for refresh: %w", err)
	}
	known := make(map[model.Address]struct{}, len(pool))
	for _, m := range pool {
		known[m.Address] = struct{}{}
	}

	for _, addr := range tracker.Candidates() {
		if _, ok := known[addr]; ok {
			continue
		}
		if err := r.backfiller.BackfillFills(ctx, addr); err != nil {
			logger.Warnf("sage: backfill %s failed: %v", addr, err)
		}
	}

	return r.selector.Select(ctx, snapshotDate, tracker)
}

// RunPeriodic triggers Refresh immediately if the pool is currently empty
// (fresh-install detection), then on every RefreshCadence tick, until ctx
// is canceled. On-demand refresh is the caller invoking Refresh directly
// (e.g. from an admin HTTP handler), bypassing this loop.
func (r *PoolRefresher) RunPeriodic(ctx context.Context, tracker *CandidateTracker, now func() time.Time) {
	if pool, err := r.store.ActivePoolMembers(ctx); err == nil && len(pool) == 0 {
		if _, err := r.Refresh(ctx, now(), tracker); err != nil {
			logger.Warnf("sage: fresh-install refresh failed: %v", err)
		}
	}

	ticker := time.NewTicker(RefreshCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx, now(), tracker); err != nil {
				logger.Warnf("sage: periodic refresh failed: %v", err)
			}
		}
	}
}
