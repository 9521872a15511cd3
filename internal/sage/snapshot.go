package sage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// FDRAlpha is the Benjamini-Hochberg false-discovery rate (spec.md §4.3).
const FDRAlpha = 0.10

// EffectSizeFloor is applied after BH qualification (spec.md §4.3).
const EffectSizeFloor = 0.05

// WinsorSigma bounds R-values before the one-sided t-test (spec.md §4.3).
const WinsorSigma = 3.0

// Equity/account thresholds for death-event classification (spec.md §4.3).
const (
	DrawdownDeathPct   = 0.20 // equity < 20% of peak
	AccountValueFloor  = 10_000.0
	InactivityCensor   = 30 * 24 * time.Hour
)

// Winsorize clamps each value to within k standard deviations of the
// sample mean.
func Winsorize(values []float64, k float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	mean, std := meanStd(values)
	lo, hi := mean-k*std, mean+k*std
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case v < lo:
			out[i] = lo
		case v > hi:
			out[i] = hi
		default:
			out[i] = v
		}
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	}
	std = math.Sqrt(variance)
	return mean, std
}

// OneSidedPValue tests H0: mean(r) <= 0 against H1: mean(r) > 0 over the
// winsorized R-values, returning the p-value of a one-sided t-test. Values
// are winsorized at ±WinsorSigma before testing (spec.md §4.3).
func OneSidedPValue(rValues []float64) float64 {
	n := len(rValues)
	if n < 2 {
		return 1.0
	}
	w := Winsorize(rValues, WinsorSigma)
	mean, std := meanStd(w)
	if std == 0 {
		if mean > 0 {
			return 0
		}
		return 1
	}
	se := std / math.Sqrt(float64(n))
	t := mean / se
	return oneMinusNormalCDF(t, float64(n-1))
}

// oneMinusNormalCDF approximates the upper-tail t-distribution probability
// via a normal approximation adjusted for small-sample variance inflation;
// adequate given Sage's MIN_EPISODES floor (≥5, prod ≥30) keeps df from
// ever being pathologically small.
func oneMinusNormalCDF(t, df float64) float64 {
	adjust := 1.0
	if df > 0 {
		adjust = math.Sqrt(1 + 1/(4*df))
	}
	z := t / adjust
	return 0.5 * math.Erfc(z/math.Sqrt2)
}

// BHQualified runs Benjamini-Hochberg at FDRAlpha over pValues and returns
// the set of indices that qualify. Indices are into the same slice order
// as pValues.
func BHQualified(pValues []float64) map[int]bool {
	type indexed struct {
		idx int
		p   float64
	}
	m := len(pValues)
	sorted := make([]indexed, m)
	for i, p := range pValues {
		sorted[i] = indexed{idx: i, p: p}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].p < sorted[j].p })

	largestK := -1
	for rank, s := range sorted {
		threshold := (float64(rank+1) / float64(m)) * FDRAlpha
		if s.p <= threshold {
			largestK = rank
		}
	}

	qualified := make(map[int]bool, m)
	if largestK < 0 {
		return qualified
	}
	for rank := 0; rank <= largestK; rank++ {
		qualified[sorted[rank].idx] = true
	}
	return qualified
}

// DeathEvent classifies a lifecycle death event, or "" if none applies.
func DeathEvent(currentEquity, peakEquity, accountValue float64, liquidated bool) string {
	switch {
	case liquidated:
		return "liquidation"
	case accountValue <= 0:
		return "negative_equity"
	case peakEquity > 0 && currentEquity < DrawdownDeathPct*peakEquity:
		return "drawdown_80"
	case accountValue < AccountValueFloor:
		return "account_value_floor"
	default:
		return ""
	}
}

// CensorEvent classifies a censor event, or "" if none applies.
func CensorEvent(lastActivity time.Time, now time.Time, hasBTCETHHistory bool) string {
	switch {
	case now.Sub(lastActivity) > InactivityCensor:
		return "inactivity_30d"
	case !hasBTCETHHistory:
		return "lost_btc_eth_trading"
	default:
		return ""
	}
}

// SnapshotStore is the narrow slice of *store.Store the snapshot job
// needs.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, sn model.TraderSnapshot) error
}

// AddressFeatures bundles the per-address inputs the snapshot job needs to
// assemble one shadow-ledger row, sourced from Scout's leaderboard
// enrichment and Sage's own posterior/selection state.
type AddressFeatures struct {
	Address          model.Address
	PnL30D           float64
	ROI30D           float64
	AccountValue     float64
	EpisodeCount     int
	RValues          []float64 // closed-episode result_r history, for FDR
	NIG              model.NIGPosterior
	ThompsonDraw     float64
	ThompsonSeed     uint64
	SelectionRank    int
	Scanned          bool
	Filtered         bool
	Qualified        bool
	PoolSelected     bool
	WasPoolSelected  bool
	Pinned           bool
	PeakEquity       float64
	CurrentEquity    float64
	Liquidated       bool
	LastActivity     time.Time
	HasBTCETHHistory bool
}

// SnapshotJob assembles and persists one day's shadow-ledger row per
// tracked address, qualifying each via BH-FDR plus the effect-size floor
// (spec.md §4.3).
type SnapshotJob struct {
	store SnapshotStore
}

func NewSnapshotJob(st SnapshotStore) *SnapshotJob {
	return &SnapshotJob{store: st}
}

// Run computes p-values for every address with enough history to test,
// BH-qualifies them, applies the effect-size floor, and persists one
// TraderSnapshot row per address for asOf.
func (j *SnapshotJob) Run(ctx context.Context, asOf time.Time, selectionVersion int, features []AddressFeatures, now time.Time) error {
	pValues := make([]float64, len(features))
	avgR := make([]float64, len(features))
	for i, f := range features {
		pValues[i] = OneSidedPValue(f.RValues)
		avgR[i] = avgOf(f.RValues)
	}
	qualifiedByFDR := BHQualified(pValues)

	for i, f := range features {
		qualified := qualifiedByFDR[i] && avgR[i] >= EffectSizeFloor
		eventType, eventSubType := classifyLifecycleEvent(f, now)

		sn := model.TraderSnapshot{
			SnapshotDate:     asOf,
			Address:          f.Address,
			SelectionVersion: selectionVersion,
			PnL30D:           f.PnL30D,
			ROI30D:           f.ROI30D,
			AccountValue:     f.AccountValue,
			EpisodeCount:     f.EpisodeCount,
			NIG:              f.NIG,
			ThompsonDraw:     f.ThompsonDraw,
			ThompsonSeed:     f.ThompsonSeed,
			SelectionRank:    f.SelectionRank,
			Scanned:          f.Scanned,
			Filtered:         f.Filtered,
			Qualified:        qualified,
			PoolSelected:     f.PoolSelected,
			Pinned:           f.Pinned,
			EventType:        eventType,
			EventSubType:     eventSubType,
		}
		if err := j.store.InsertSnapshot(ctx, sn); err != nil {
			return fmt.Errorf("sage: insert snapshot %s: %w", f.Address, err)
		}
	}
	return nil
}

func classifyLifecycleEvent(f AddressFeatures, now time.Time) (eventType, eventSubType string) {
	if death := DeathEvent(f.CurrentEquity, f.PeakEquity, f.AccountValue, f.Liquidated); death != "" {
		return "death", death
	}
	if censor := CensorEvent(f.LastActivity, now, f.HasBTCETHHistory); censor != "" {
		return "censored", censor
	}
	switch {
	case f.PoolSelected && !f.WasPoolSelected:
		return "promoted", ""
	case !f.PoolSelected && f.WasPoolSelected:
		return "demoted", ""
	case f.PoolSelected:
		return "active", ""
	default:
		return "entered", ""
	}
}

func avgOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
