package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/consensus"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/venue"
)

// Config gates live execution (spec.md §4.4.5): both the environment flag
// and the stored execution_config row must be enabled, otherwise every
// evaluated signal is a dry-run.
type Config struct {
	RealExecutionEnabled bool // env REAL_EXECUTION_ENABLED
	StoredEnabled        bool // execution_config.enabled, admin-toggled
	MaxPositionHours     time.Duration
	StopPollInterval     time.Duration
}

func (c Config) liveAllowed() bool { return c.RealExecutionEnabled && c.StoredEnabled }

// Plan is a fully-sized, venue-selected candidate order, post G5.
type Plan struct {
	Signal      consensus.Result
	NotionalUSD float64
	StopPrice   float64
	TakeProfit  float64
	RRatio      float64 // reward:risk used to size this plan's stop/take-profit
}

// Outcome reports what the executor actually did.
type Outcome struct {
	DryRun       bool
	Rejected     bool
	RejectReason string
	Order        venue.OrderResult
	Stops        venue.StopPair
	PollingMode  bool
}

// Executor places orders and manages native/polling stops for one target
// venue set.
type Executor struct {
	venues map[venue.Name]venue.Venue
	cfg    Config
}

func NewExecutor(venues map[venue.Name]venue.Venue, cfg Config) *Executor {
	return &Executor{venues: venues, cfg: cfg}
}

// SetStoredEnabled updates the admin-toggled half of the execution dual-gate
// (execution_config.enabled), read fresh at process boot and flipped live by
// the owner-authenticated /execution/config endpoint.
func (e *Executor) SetStoredEnabled(enabled bool) { e.cfg.StoredEnabled = enabled }

// Execute recomputes slippage/EV at the actual sized notional (spec.md
// §4.4.5 "After sizing, recompute slippage..."), rejects if EV has dropped
// below threshold, then either dry-runs or submits the live order with
// stop placement.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Outcome, error) {
	v, ok := e.venues[venue.Name(plan.Signal.TargetExchange)]
	if !ok {
		return Outcome{}, fmt.Errorf("execution: no venue configured for %s", plan.Signal.TargetExchange)
	}

	slippageBps, err := v.OrderbookSlippage(ctx, string(plan.Signal.Asset), string(plan.Signal.Direction), plan.NotionalUSD)
	if err != nil {
		return Outcome{}, fmt.Errorf("execution: slippage recompute: %w", err)
	}
	fees, err := v.Fees(ctx, string(plan.Signal.Asset))
	if err != nil {
		return Outcome{}, fmt.Errorf("execution: fee recompute: %w", err)
	}

	rRatio := plan.RRatio
	if rRatio <= 0 {
		rRatio = DefaultRRatio
	}
	stopFraction := math.Abs(plan.Signal.EntryPrice-plan.StopPrice) / maxF(plan.Signal.EntryPrice, 1)
	notionalInR := plan.NotionalUSD * stopFraction
	recomputed := consensus.EVNetR(plan.Signal.PWin, rRatio, 1.0, consensus.VenueEV{
		Venue: plan.Signal.TargetExchange, FeesBps: fees.TakerFeeBps, SlippageBps: slippageBps, FundingBps: fees.FundingRateBp,
	}, notionalInR)

	if recomputed < 0.20 {
		return Outcome{Rejected: true, RejectReason: "ev_recompute"}, nil
	}

	if !e.cfg.liveAllowed() {
		return Outcome{DryRun: true}, nil
	}

	order, err := v.MarketOrder(ctx, string(plan.Signal.Asset), string(plan.Signal.Direction), plan.NotionalUSD, DefaultSlippageTolerance)
	if err != nil {
		return Outcome{}, fmt.Errorf("execution: market order: %w", err)
	}

	out := Outcome{Order: order}
	if v.SupportsNativeStops() {
		stops, err := v.PlaceStopPair(ctx, string(plan.Signal.Asset), plan.StopPrice, plan.TakeProfit, order.FilledSize)
		if err != nil {
			out.PollingMode = true
		} else {
			out.Stops = stops
		}
	} else {
		out.PollingMode = true
	}
	return out, nil
}

// PollStops checks mid-price against stop/take-profit thresholds for every
// position in polling-stop mode and closes on breach, in one pass per call.
// No service in this repository calls it on a timer; Config.StopPollInterval
// (default 5s) is stored but not read by the executor.
func (e *Executor) PollStops(ctx context.Context, active []model.ActiveStop, markPrice func(ctx context.Context, v venue.Venue, asset string) (float64, error), vname venue.Name) ([]model.ActiveStop, error) {
	v, ok := e.venues[vname]
	if !ok {
		return nil, fmt.Errorf("execution: no venue configured for %s", vname)
	}
	var remaining []model.ActiveStop
	for _, pos := range active {
		mark, err := markPrice(ctx, v, string(pos.Asset))
		if err != nil {
			remaining = append(remaining, pos)
			continue
		}
		breached := (pos.StopPrice < pos.TakeProfitPrice && (mark <= pos.StopPrice || mark >= pos.TakeProfitPrice)) ||
			(pos.StopPrice > pos.TakeProfitPrice && (mark >= pos.StopPrice || mark <= pos.TakeProfitPrice))
		if breached {
			if _, err := v.ClosePosition(ctx, string(pos.Asset)); err != nil {
				remaining = append(remaining, pos)
				continue
			}
			continue
		}
		remaining = append(remaining, pos)
	}
	return remaining, nil
}

// SweepTimeouts closes any position older than MaxPositionHours, cancelling
// native stops first (spec.md §4.4.5).
func (e *Executor) SweepTimeouts(ctx context.Context, now time.Time, active []model.ActiveStop, openedAt map[string]time.Time, vname venue.Name) error {
	v, ok := e.venues[vname]
	if !ok {
		return fmt.Errorf("execution: no venue configured for %s", vname)
	}
	maxAge := e.cfg.MaxPositionHours
	if maxAge == 0 {
		maxAge = 168 * time.Hour
	}
	for _, pos := range active {
		opened, ok := openedAt[pos.PositionID]
		if !ok || now.Sub(opened) <= maxAge {
			continue
		}
		if pos.NativeSLOrderID != nil || pos.NativeTPOrderID != nil {
			pair := venue.StopPair{}
			if pos.NativeSLOrderID != nil {
				pair.SLOrderID = *pos.NativeSLOrderID
			}
			if pos.NativeTPOrderID != nil {
				pair.TPOrderID = *pos.NativeTPOrderID
			}
			_ = v.CancelStops(ctx, string(pos.Asset), pair)
		}
		if _, err := v.ClosePosition(ctx, string(pos.Asset)); err != nil {
			return fmt.Errorf("execution: timeout close %s: %w", pos.Asset, err)
		}
	}
	return nil
}

// StopLevels computes stop and take-profit prices from entry, direction,
// and regime-adjusted stop distance (spec.md §4.4.5).
func StopLevels(entry float64, direction model.Direction, stopDistance, rRatio float64) (stopPrice, takeProfit float64) {
	if direction == model.DirectionLong {
		return entry - stopDistance, entry + rRatio*stopDistance
	}
	return entry + stopDistance, entry - rRatio*stopDistance
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
