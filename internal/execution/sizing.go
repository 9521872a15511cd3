// Package execution implements Decide's sizing, order placement, and stop
// management (spec.md §4.4.5).
package execution

import (
	"github.com/sigmapilot/sigmapilot/internal/regime"
)

const (
	DefaultKellyFraction     = 0.25
	DefaultKellyMinEpisodes  = 30
	DefaultKellyFallbackPct  = 0.01
	DefaultRRatio            = 2.0
	DefaultSlippageTolerance = 0.01
	DefaultStopPollSeconds   = 5
)

// KellySizing holds the sizing configuration (spec.md §6 env vars).
type KellySizing struct {
	KellyFraction    float64
	KellyMinEpisodes int
	KellyFallbackPct float64
	RRatio           float64
}

func DefaultKellySizing() KellySizing {
	return KellySizing{
		KellyFraction:    DefaultKellyFraction,
		KellyMinEpisodes: DefaultKellyMinEpisodes,
		KellyFallbackPct: DefaultKellyFallbackPct,
		RRatio:           DefaultRRatio,
	}
}

// PositionSizePct computes the fraction of equity to risk, per spec.md
// §4.4.5: kelly_fraction·p_win − (1−p_win)/R_ratio, scaled by KELLY_FRACTION
// and the regime's Kelly multiplier, falling back to KELLY_FALLBACK_PCT
// when the trader pool lacks enough episodes to trust the edge estimate.
func PositionSizePct(cfg KellySizing, pWin float64, episodeCount int, adj regime.Adjustments, maxPositionPct float64) float64 {
	if episodeCount < cfg.KellyMinEpisodes {
		pct := cfg.KellyFallbackPct
		if pct > maxPositionPct {
			pct = maxPositionPct
		}
		return pct
	}

	edge := pWin - (1-pWin)/cfg.RRatio
	pct := edge * cfg.KellyFraction * adj.KellyMultiplier
	if pct < 0 {
		pct = 0
	}
	if pct > maxPositionPct {
		pct = maxPositionPct
	}
	return pct
}
