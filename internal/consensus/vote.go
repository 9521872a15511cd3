// Package consensus implements Decide's five-gate consensus state machine
// (spec.md §4.4.2): one asset-scoped actor accumulating opening votes and
// deciding, on every new vote and on a periodic tick, whether a consensus
// signal should fire.
package consensus

import (
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// Vote is one trader's opening-fill vote toward a consensus direction.
type Vote struct {
	Address    model.Address
	Direction  model.Direction
	EntryPrice float64
	Weight     float64
	TS         time.Time
}

// VoteWeightMode selects how a trader's NIG posterior maps to vote weight
// (spec.md §4.4.2).
type VoteWeightMode string

const (
	WeightModeLog    VoteWeightMode = "log"
	WeightModeEquity VoteWeightMode = "equity"
	WeightModeLinear VoteWeightMode = "linear"
)

// VoteWeight computes a trader's vote weight from their NIG posterior kappa
// (effective sample count proxy) under the configured mode, capped at max.
func VoteWeight(mode VoteWeightMode, kappa, accountEquity float64, max float64) float64 {
	var w float64
	switch mode {
	case WeightModeEquity:
		w = accountEquity / 100000.0
	case WeightModeLinear:
		w = kappa / 10.0
	default: // log
		w = kappa / (kappa + 10)
	}
	if w > max {
		w = max
	}
	if w < 0 {
		w = 0
	}
	return w
}

// RhoDefault returns the fallback pairwise correlation used when no
// computed correlation exists for a pair (spec.md §4.4.2 G2).
func RhoDefault(venueIsHyperliquid bool) float64 {
	if venueIsHyperliquid {
		return 0.3
	}
	return 0.5
}
