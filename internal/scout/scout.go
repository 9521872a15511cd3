// Package scout produces Scout's refreshed, ranked, filtered candidate
// universe (spec.md §4.1): score+filter the venue leaderboard, emit
// normalized top-K weights, and host the pinned-account registry.
package scout

import (
	"math"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// Quality-gate floors, spec.md §4.1.
const (
	MinPnL30D         = 10_000.0
	MinROI30D         = 0.10
	MinAccountValue   = 100_000.0
	MaxOrdersPerDay   = 50.0 // HFT filter ceiling
	MinWeeklyVolume   = 0.0  // presence check: must be > 0
)

// Default candidate-pipeline cardinality.
const DefaultTopK = 12

// RawCandidate is one leaderboard row plus the per-trader stats Scout
// enriches it with before scoring.
type RawCandidate struct {
	Address             model.Address
	Nickname            string
	PnL30D              float64
	ROI30D              float64
	AccountValue         float64
	WeeklyVolume        float64
	OrdersPerDay        float64
	WinRate             float64   // fraction of closed trades that were winners
	DailyPnL            []float64 // trailing daily PnL series, for stability
	HasSubaccountMarker bool
	HasBTCETHHistory    bool
}

// Scored is a candidate after the composite score, before top-K truncation.
type Scored struct {
	Candidate RawCandidate
	Score     float64
}

// qualityGateFailures returns every quality-gate name a candidate fails; an
// empty slice means all seven gates pass.
func qualityGateFailures(c RawCandidate) []string {
	var failed []string
	if c.PnL30D < MinPnL30D {
		failed = append(failed, "pnl_30d_floor")
	}
	if c.ROI30D < MinROI30D {
		failed = append(failed, "roi_30d_floor")
	}
	if c.AccountValue < MinAccountValue {
		failed = append(failed, "account_value_floor")
	}
	if c.WeeklyVolume <= MinWeeklyVolume {
		failed = append(failed, "weekly_volume_presence")
	}
	if c.OrdersPerDay > MaxOrdersPerDay {
		failed = append(failed, "hft_orders_per_day")
	}
	if c.HasSubaccountMarker {
		failed = append(failed, "subaccount_marker")
	}
	if !c.HasBTCETHHistory {
		failed = append(failed, "btc_eth_history")
	}
	return failed
}

// PassesQualityGates reports whether a candidate clears all seven floors.
func PassesQualityGates(c RawCandidate) bool {
	return len(qualityGateFailures(c)) == 0
}

// stabilityScore rewards a low-variance daily PnL series relative to its
// mean; a flat zero series scores 0 (no signal either way), not 1.
func stabilityScore(daily []float64) float64 {
	if len(daily) < 2 {
		return 0
	}
	var sum float64
	for _, v := range daily {
		sum += v
	}
	mean := sum / float64(len(daily))

	var variance float64
	for _, v := range daily {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(daily))
	stdev := math.Sqrt(variance)

	if mean == 0 && stdev == 0 {
		return 0
	}
	return 1 / (1 + stdev/(math.Abs(mean)+1e-9))
}

// winRateScore penalizes both extremes: a suspiciously perfect win rate
// backed by heavy volume (wash-trade/overfit smell) and a near-zero win
// rate (no edge). Peaks around a realistic 55-70% win rate.
func winRateScore(winRate float64, ordersPerDay float64) float64 {
	if winRate >= 0.97 && ordersPerDay > 10 {
		return 0.1
	}
	if winRate < 0.05 {
		return 0
	}
	// triangular peak centered at 0.6, zero at 0 and 1
	if winRate <= 0.6 {
		return winRate / 0.6
	}
	return 1 - (winRate-0.6)/0.4
}

// frequencyScore normalizes orders-per-day into [0,1], saturating at the
// HFT ceiling so high-frequency accounts (already excluded by the gate
// above when over ceiling) don't dominate the score either.
func frequencyScore(ordersPerDay float64) float64 {
	if ordersPerDay <= 0 {
		return 0
	}
	return math.Min(ordersPerDay/MaxOrdersPerDay, 1.0)
}

// pnlScore is a monotone log transform of realized PnL so a $1M trader
// doesn't crowd out a consistent $50k trader by two orders of magnitude.
func pnlScore(pnl float64) float64 {
	if pnl <= 0 {
		return 0
	}
	return math.Log1p(pnl)
}

// scoreWeights sum to 1.0.
const (
	weightStability = 0.30
	weightWinRate   = 0.25
	weightFrequency = 0.15
	weightPnL       = 0.30
)

// Score computes the composite candidate score. pnlNorm is the maximum
// pnlScore observed across the candidate batch, used to normalize the PnL
// term onto [0,1] alongside the other three components.
func Score(c RawCandidate, pnlNorm float64) float64 {
	pnlTerm := 0.0
	if pnlNorm > 0 {
		pnlTerm = pnlScore(c.PnL30D) / pnlNorm
	}
	return weightStability*stabilityScore(c.DailyPnL) +
		weightWinRate*winRateScore(c.WinRate, c.OrdersPerDay) +
		weightFrequency*frequencyScore(c.OrdersPerDay) +
		weightPnL*pnlTerm
}

// RankAndSelect filters by the quality gates, scores survivors, and returns
// the top topK with weights normalized to sum to 1.0.
func RankAndSelect(candidates []RawCandidate, topK int) []model.LeaderboardEntry {
	if topK <= 0 {
		topK = DefaultTopK
	}

	var survivors []RawCandidate
	for _, c := range candidates {
		if PassesQualityGates(c) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return nil
	}

	maxPnLScore := 0.0
	for _, c := range survivors {
		if s := pnlScore(c.PnL30D); s > maxPnLScore {
			maxPnLScore = s
		}
	}

	scored := make([]Scored, 0, len(survivors))
	for _, c := range survivors {
		scored = append(scored, Scored{Candidate: c, Score: Score(c, maxPnLScore)})
	}
	sortScoredDesc(scored)

	if len(scored) > topK {
		scored = scored[:topK]
	}

	var total float64
	for _, s := range scored {
		total += s.Score
	}

	out := make([]model.LeaderboardEntry, 0, len(scored))
	for i, s := range scored {
		weight := 0.0
		if total > 0 {
			weight = s.Score / total
		}
		out = append(out, model.LeaderboardEntry{
			Address:      s.Candidate.Address,
			Rank:         i + 1,
			Weight:       weight,
			PnL30D:       s.Candidate.PnL30D,
			ROI30D:       s.Candidate.ROI30D,
			AccountValue: s.Candidate.AccountValue,
			WeeklyVolume: s.Candidate.WeeklyVolume,
			OrdersPerDay: s.Candidate.OrdersPerDay,
			Nickname:     s.Candidate.Nickname,
		})
	}
	return out
}

func sortScoredDesc(s []Scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
