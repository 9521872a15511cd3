package decide

import (
	"context"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

// TimeoutSweepInterval is how often SweepTimeouts is invoked; once a minute
// per spec.md §4.4.1.
const TimeoutSweepInterval = time.Minute

// RunTimeoutSweep force-closes episodes idle past episode.Timeout on a
// TimeoutSweepInterval ticker, until ctx is canceled.
func (o *Orchestrator) RunTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx, time.Now())
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context, now time.Time) {
	closed := o.builder.SweepTimeouts(now)
	for _, out := range closed {
		if err := o.episodes.UpdateEpisode(ctx, out.Episode); err != nil {
			logger.Errorf("decide: persist timed-out episode %s: %v", out.Episode.ID, err)
		}
		if err := o.processOutcome(ctx, out); err != nil {
			logger.Errorf("decide: process timeout outcome for episode %s: %v", out.Episode.ID, err)
		}
	}
}

// RunPriceTicks fires a periodic consensus re-evaluation for every tracked
// asset, catching price-band drift between fills (spec.md §4.4.2 "on a
// periodic tick").
func (o *Orchestrator) RunPriceTicks(ctx context.Context, interval time.Duration, assets []model.Asset) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range assets {
				o.Tick(a)
			}
		}
	}
}
