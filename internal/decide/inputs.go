package decide

import (
	"context"
	"sync"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/consensus"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/venue"
)

// CorrelationSource is the narrow slice of *store.Store the correlation
// cache refreshes from.
type CorrelationSource interface {
	LatestCorrelations(ctx context.Context) ([]model.PairwiseCorrelation, error)
}

type pairKey struct{ lo, hi model.Address }

func normalizedPair(a, b model.Address) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// CorrelationCache is Decide's in-process view of Sage's last-computed
// pairwise correlations, refreshed periodically rather than queried per
// evaluation so gate G2 never blocks on a DB round trip.
type CorrelationCache struct {
	mu    sync.RWMutex
	pairs map[pairKey]float64
}

func NewCorrelationCache() *CorrelationCache {
	return &CorrelationCache{pairs: make(map[pairKey]float64)}
}

// Rho satisfies consensus.CorrelationSource.
func (c *CorrelationCache) Rho(a, b model.Address) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rho, ok := c.pairs[normalizedPair(a, b)]
	return rho, ok
}

// Refresh reloads every pair from src, replacing the cache wholesale.
func (c *CorrelationCache) Refresh(ctx context.Context, src CorrelationSource) error {
	rows, err := src.LatestCorrelations(ctx)
	if err != nil {
		return err
	}
	next := make(map[pairKey]float64, len(rows))
	for _, r := range rows {
		next[normalizedPair(r.AddrA, r.AddrB)] = r.Rho
	}
	c.mu.Lock()
	c.pairs = next
	c.mu.Unlock()
	return nil
}

// RunRefresh reloads the cache from src every interval until ctx is
// canceled.
func (c *CorrelationCache) RunRefresh(ctx context.Context, src CorrelationSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx, src); err != nil {
				logger.Errorf("decide: refresh correlation cache: %v", err)
			}
		}
	}
}

// VenueInputs provides the live, per-asset ATR/R-multiple/venue-EV context
// an evaluation needs beyond accumulated votes, pulled from the connected
// venue set and the ATR source every time Inputs is called (spec.md
// §4.4.2's "inputs resolved at evaluation time").
type VenueInputs struct {
	Venues         map[venue.Name]venue.Venue
	ATR            ATRSource
	Correlation    *CorrelationCache
	DefaultRho     float64
	StopMultiplier float64
	RWin           float64
	RLoss          float64
	NotionalInR    float64
	PreferredVenue string
}

// Inputs satisfies consensus.InputsProvider. Venue fee/funding/slippage
// lookups use a short timeout and are best-effort: a venue that fails to
// respond is simply left out of the EV comparison for this evaluation
// rather than blocking it (spec.md §5's 10s venue deadline).
func (v *VenueInputs) Inputs(asset model.Asset) consensus.Inputs {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	venues := make([]consensus.VenueEV, 0, len(v.Venues))
	for name, ve := range v.Venues {
		fs, err := ve.Fees(ctx, string(asset))
		if err != nil {
			continue
		}
		slip, err := ve.OrderbookSlippage(ctx, string(asset), string(model.DirectionLong), v.NotionalInR)
		if err != nil {
			continue
		}
		venues = append(venues, consensus.VenueEV{
			Venue:       string(name),
			FeesBps:     fs.TakerFeeBps,
			SlippageBps: slip,
			FundingBps:  fs.FundingRateBp,
		})
	}

	return consensus.Inputs{
		CorrelationSource: v.Correlation,
		DefaultRho:        v.DefaultRho,
		ATR:               v.ATR.ATR(asset),
		StopMultiplier:     v.StopMultiplier,
		RWin:               v.RWin,
		RLoss:               v.RLoss,
		NotionalInR:        v.NotionalInR,
		Venues:             venues,
		PreferredVenue:     v.PreferredVenue,
	}
}
