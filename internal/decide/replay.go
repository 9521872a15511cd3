package decide

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/execution"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
)

// SnapshotReader is the narrow slice of *store.Store the replay endpoint
// needs — the only table it is allowed to read (spec.md §9).
type SnapshotReader interface {
	SnapshotsBetween(ctx context.Context, start, end time.Time) ([]model.TraderSnapshot, error)
}

// ReplayDecision is one address's counterfactual sizing decision for one
// historical snapshot day.
type ReplayDecision struct {
	Date         time.Time
	Address      model.Address
	PWin         float64
	SizePct      float64
	EpisodeCount int
}

// ReplayResult bundles every day's counterfactual decisions over the
// requested window.
type ReplayResult struct {
	StartDate time.Time
	EndDate   time.Time
	Decisions []ReplayDecision
}

// Replayer reconstructs the sizing decisions Decide would have made for
// every pool-selected, BH-qualified address in a historical window, driven
// solely by the frozen as-of features each day's shadow-ledger snapshot
// already captured — never a live table, so there is no look-ahead.
//
// Snapshot rows carry a NIG posterior and Thompson draw but no direction or
// entry price (those live only in consensus_signals, which Replay does not
// read), so p_win is read directly from the frozen Thompson draw and regime
// is treated as Unknown for every historical day: neither spec.md nor the
// snapshot schema preserves the live regime classification an address was
// actually evaluated under.
type Replayer struct {
	store SnapshotReader
	kelly execution.KellySizing
	maxPositionPct float64
}

func NewReplayer(st SnapshotReader, kelly execution.KellySizing, maxPositionPct float64) *Replayer {
	return &Replayer{store: st, kelly: kelly, maxPositionPct: maxPositionPct}
}

// Run computes the counterfactual sizing stream for [start, end].
func (r *Replayer) Run(ctx context.Context, start, end time.Time) (ReplayResult, error) {
	snapshots, err := r.store.SnapshotsBetween(ctx, start, end)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("decide: replay load snapshots: %w", err)
	}

	adj := regime.For(regime.Unknown)
	result := ReplayResult{StartDate: start, EndDate: end}
	for _, sn := range snapshots {
		if !sn.PoolSelected || !sn.Qualified {
			continue
		}
		pWin := sn.ThompsonDraw
		sizePct := execution.PositionSizePct(r.kelly, pWin, sn.EpisodeCount, adj, r.maxPositionPct)
		result.Decisions = append(result.Decisions, ReplayDecision{
			Date:         sn.SnapshotDate,
			Address:      sn.Address,
			PWin:         pWin,
			SizePct:      sizePct,
			EpisodeCount: sn.EpisodeCount,
		})
	}
	return result, nil
}
