// Package sage keeps every tracked trader's NIG posterior current, selects
// the Alpha Pool via Thompson sampling, and emits the daily shadow-ledger
// snapshot with FDR qualification (spec.md §4.3).
package sage

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/metrics"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/posterior"
)

// PosteriorStore is the narrow slice of *store.Store the posterior
// maintainer needs.
type PosteriorStore interface {
	Posterior(ctx context.Context, addr model.Address) (model.NIGPosterior, bool, error)
	UpsertPosterior(ctx context.Context, p model.NIGPosterior) error
}

// PosteriorMaintainer applies the conjugate NIG update on every closed-
// episode outcome consumed from outcomes.v1.
type PosteriorMaintainer struct {
	store PosteriorStore
}

func NewPosteriorMaintainer(st PosteriorStore) *PosteriorMaintainer {
	return &PosteriorMaintainer{store: st}
}

// ApplyOutcome loads the address's current posterior (or a fresh prior),
// applies the conjugate update for result_r, and persists it. Ordering is
// the caller's responsibility (spec.md §5: "applied in the order outcomes
// arrive; for a given address this equals episode-close order").
func (m *PosteriorMaintainer) ApplyOutcome(ctx context.Context, addr model.Address, resultR float64) error {
	prior, ok, err := m.store.Posterior(ctx, addr)
	if err != nil {
		return fmt.Errorf("sage: load posterior %s: %w", addr, err)
	}
	if !ok {
		prior = posterior.NewTraderPrior(addr)
	}

	updated := posterior.Update(prior, resultR)
	updated.LastUpdateTS = time.Now()

	if err := m.store.UpsertPosterior(ctx, updated); err != nil {
		return fmt.Errorf("sage: persist posterior %s: %w", addr, err)
	}

	metrics.PosteriorUpdatesTotal.WithLabelValues(string(addr)).Inc()
	logger.Infof("sage: posterior updated address=%s result_r=%.4f total_signals=%d", addr, resultR, updated.TotalSignals)
	return nil
}
