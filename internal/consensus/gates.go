package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

const (
	g1MinMajorityPct = 0.70
	g1MinTraders     = 3
	g2MinEffectiveK  = 2.0
	g4MaxDriftR      = 0.25
	g5MinEVNetR      = 0.20

	DefaultFreshnessWindow = 300 * time.Second
	DefaultCooldown        = 300 * time.Second
)

// CorrelationSource resolves the pairwise correlation between two traders,
// falling back to venue defaults when no computed value exists.
type CorrelationSource interface {
	Rho(a, b model.Address) (rho float64, ok bool)
}

// VenueEV is the per-venue inputs needed for gate G5 (spec.md §4.4.2).
type VenueEV struct {
	Venue       string
	FeesBps     float64
	SlippageBps float64
	FundingBps  float64
}

// evaluation is the accumulated, mutable state of gate-by-gate results for
// one consensus check; String() renders the reasoning text of §4.4.6.
type evaluation struct {
	gates []model.GateResult
}

func (e *evaluation) record(name string, value, threshold float64, pass bool) {
	e.gates = append(e.gates, model.GateResult{Name: name, Value: value, Threshold: threshold, Pass: pass})
}

// side groups votes agreeing on one direction, with aggregate weight.
type side struct {
	direction model.Direction
	votes     []Vote
	weight    float64
}

func splitSides(votes []Vote) (majority, minority side) {
	var longW, shortW float64
	var longVotes, shortVotes []Vote
	for _, v := range votes {
		if v.Direction == model.DirectionLong {
			longW += v.Weight
			longVotes = append(longVotes, v)
		} else {
			shortW += v.Weight
			shortVotes = append(shortVotes, v)
		}
	}
	if longW >= shortW {
		return side{model.DirectionLong, longVotes, longW}, side{model.DirectionShort, shortVotes, shortW}
	}
	return side{model.DirectionShort, shortVotes, shortW}, side{model.DirectionLong, longVotes, longW}
}

// gateG1Supermajority computes majority_pct and checks the pass condition.
func gateG1Supermajority(majority, minority side) model.GateResult {
	total := majority.weight + minority.weight
	var pct float64
	if total > 0 {
		pct = majority.weight / total
	}
	pass := pct >= g1MinMajorityPct && len(majority.votes) >= g1MinTraders
	return model.GateResult{Name: "G1_supermajority", Value: pct, Threshold: g1MinMajorityPct, Pass: pass}
}

// gateG2EffectiveK computes eff_k = (Σw)² / Σ_ij wi·wj·ρij over the
// majority side, using corr (falling back to def when unknown).
func gateG2EffectiveK(majority side, corr CorrelationSource, defRho float64) model.GateResult {
	var sumW float64
	for _, v := range majority.votes {
		sumW += v.Weight
	}
	var sumPairwise float64
	for i := range majority.votes {
		for j := range majority.votes {
			wi, wj := majority.votes[i].Weight, majority.votes[j].Weight
			rho := 1.0
			if i != j {
				if corr != nil {
					if r, ok := corr.Rho(majority.votes[i].Address, majority.votes[j].Address); ok {
						rho = r
					} else {
						rho = defRho
					}
				} else {
					rho = defRho
				}
			}
			sumPairwise += wi * wj * rho
		}
	}
	var effK float64
	if sumPairwise > 0 {
		effK = (sumW * sumW) / sumPairwise
	}
	return model.GateResult{Name: "G2_effective_k", Value: effK, Threshold: g2MinEffectiveK, Pass: effK >= g2MinEffectiveK}
}

// gateG3Freshness computes age since the oldest majority vote.
func gateG3Freshness(majority side, now time.Time, window time.Duration) model.GateResult {
	if len(majority.votes) == 0 {
		return model.GateResult{Name: "G3_freshness", Pass: false}
	}
	oldest := majority.votes[0].TS
	for _, v := range majority.votes[1:] {
		if v.TS.Before(oldest) {
			oldest = v.TS
		}
	}
	age := now.Sub(oldest)
	return model.GateResult{Name: "G3_freshness", Value: age.Seconds(), Threshold: window.Seconds(), Pass: age <= window}
}

// gateG4PriceBand computes drift_R against the median majority entry price.
func gateG4PriceBand(majority side, currentPrice, atr, stopMultiplier float64) model.GateResult {
	prices := make([]float64, 0, len(majority.votes))
	for _, v := range majority.votes {
		prices = append(prices, v.EntryPrice)
	}
	med := median(prices)
	denom := atr * stopMultiplier
	var driftR float64
	if denom > 0 {
		driftR = math.Abs(currentPrice-med) / denom
	}
	return model.GateResult{Name: "G4_price_band", Value: driftR, Threshold: g4MaxDriftR, Pass: driftR <= g4MaxDriftR}
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// PWin is the monotone win-probability estimator of spec.md §4.4.2 G5.
func PWin(majorityPct, effK float64) float64 {
	p := 0.5 + 0.3*(majorityPct-0.5)*math.Min(effK/4, 1)
	if p < 0.5 {
		p = 0.5
	}
	if p > 0.85 {
		p = 0.85
	}
	return p
}

// EVNetR computes ev_net_r for one venue (spec.md §4.4.2 G5).
func EVNetR(pWin, rWin, rLoss float64, venue VenueEV, notionalInR float64) float64 {
	fees := venue.FeesBps / 10000 * notionalInR
	slip := venue.SlippageBps / 10000 * notionalInR
	funding := venue.FundingBps / 10000 * notionalInR
	return pWin*rWin - (1-pWin)*rLoss - fees - slip - funding
}

// gateG5BestVenue evaluates EV across every configured venue and selects
// the best. Tie-break: equal EV prefers preferredVenue (the one named in
// startup config).
func gateG5BestVenue(pWin, rWin, rLoss float64, venues []VenueEV, notionalInR float64, preferredVenue string) (model.GateResult, string) {
	var bestVenue string
	bestEV := math.Inf(-1)
	for _, v := range venues {
		ev := EVNetR(pWin, rWin, rLoss, v, notionalInR)
		if ev > bestEV || (ev == bestEV && v.Venue == preferredVenue) {
			bestEV = ev
			bestVenue = v.Venue
		}
	}
	if len(venues) == 0 {
		return model.GateResult{Name: "G5_ev", Pass: false}, ""
	}
	return model.GateResult{Name: "G5_ev", Value: bestEV, Threshold: g5MinEVNetR, Pass: bestEV >= g5MinEVNetR}, bestVenue
}

// Result is the outcome of one full gate evaluation.
type Result struct {
	Asset          model.Asset
	Direction      model.Direction
	Gates          []model.GateResult
	Pass           bool
	MajorityPct    float64
	EffectiveK     float64
	NTraders       int
	NAgree         int
	PWin           float64
	EVNetR         float64
	TargetExchange string
	EntryPrice     float64
	Reasoning      string
}

// Evaluate runs all five gates in order against the current vote set.
// votes must all be opening votes within the live window for one asset;
// currentPrice/atr/stopMultiplier feed G4, venues feed G5.
func Evaluate(asset model.Asset, votes []Vote, now time.Time, freshness time.Duration,
	corr CorrelationSource, defRho float64, currentPrice, atr, stopMultiplier, rWin, rLoss, notionalInR float64,
	venues []VenueEV, preferredVenue string) Result {

	majority, minority := splitSides(votes)
	res := Result{
		Asset:       asset,
		Direction:   majority.direction,
		NTraders:    len(votes),
		NAgree:      len(majority.votes),
		MajorityPct: 0,
	}

	g1 := gateG1Supermajority(majority, minority)
	res.Gates = append(res.Gates, g1)
	res.MajorityPct = g1.Value
	if !g1.Pass {
		res.Reasoning = reasonFail(g1, asset, majority.direction, res.NAgree, res.NTraders)
		return res
	}

	g2 := gateG2EffectiveK(majority, corr, defRho)
	res.Gates = append(res.Gates, g2)
	res.EffectiveK = g2.Value
	if !g2.Pass {
		res.Reasoning = reasonFail(g2, asset, majority.direction, res.NAgree, res.NTraders)
		return res
	}

	g3 := gateG3Freshness(majority, now, freshness)
	res.Gates = append(res.Gates, g3)
	if !g3.Pass {
		res.Reasoning = reasonFail(g3, asset, majority.direction, res.NAgree, res.NTraders)
		return res
	}

	g4 := gateG4PriceBand(majority, currentPrice, atr, stopMultiplier)
	res.Gates = append(res.Gates, g4)
	if !g4.Pass {
		res.Reasoning = reasonFail(g4, asset, majority.direction, res.NAgree, res.NTraders)
		return res
	}

	pWin := PWin(res.MajorityPct, res.EffectiveK)
	res.PWin = pWin
	g5, venue := gateG5BestVenue(pWin, rWin, rLoss, venues, notionalInR, preferredVenue)
	res.Gates = append(res.Gates, g5)
	res.EVNetR = g5.Value
	res.TargetExchange = venue
	if !g5.Pass {
		res.Reasoning = reasonFail(g5, asset, majority.direction, res.NAgree, res.NTraders)
		return res
	}

	prices := make([]float64, 0, len(majority.votes))
	for _, v := range majority.votes {
		prices = append(prices, v.EntryPrice)
	}
	res.EntryPrice = median(prices)
	res.Pass = true
	res.Reasoning = reasonPass(res)
	return res
}

// upperBoundGates fail when their value exceeds the threshold (freshness
// age, price drift); every other gate fails when its value falls short of
// the threshold (majority pct, effective k, EV).
var upperBoundGates = map[string]bool{
	"G3_freshness":  true,
	"G4_price_band": true,
}

func reasonFail(g model.GateResult, asset model.Asset, dir model.Direction, nAgree, nTotal int) string {
	comparator := "<"
	if upperBoundGates[g.Name] {
		comparator = ">"
	}
	return fmt.Sprintf("%d/%d pool traders opened %s %s within window; %s failed: %.2f %s %.2f.",
		nAgree, nTotal, strUpper(string(dir)), asset, g.Name, g.Value, comparator, g.Threshold)
}

func reasonPass(r Result) string {
	return fmt.Sprintf("%d/%d pool traders opened %s %s within window; effK=%.1f; EV=+%.2fR net on %s; all gates passed.",
		r.NAgree, r.NTraders, strUpper(string(r.Direction)), r.Asset, r.EffectiveK, r.EVNetR, r.TargetExchange)
}

func strUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
