// Package risk implements Decide's risk governor (spec.md §4.4.4): the hard
// gates evaluated before any execution, plus the kill-switch and circuit-
// breaker state each service keeps under an in-process mutex (spec.md §5).
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

const (
	DailyLossPct        = 0.05
	LiquidationDistance  = 1.5
	EquityFloorUSD       = 10000
	MaxPositionPct       = 0.02
	MaxExposurePct       = 0.10
	MaxConcurrent        = 3
	MaxPerSymbol         = 1
	APIErrorStreakLimit  = 3
	APIErrorWindow       = 60 * time.Second
	APIErrorPause        = 5 * time.Minute
	ConsecutiveLossLimit = 5
	ConsecutiveLossPause = time.Hour
	KillSwitchDuration   = 24 * time.Hour
	AccountStateRetries  = 3
	AccountStateBaseWait = 500 * time.Millisecond
)

// AccountState is the subset of exchange account info the risk checks need.
type AccountState struct {
	Equity            float64
	AccountValue      float64
	MaintenanceMargin float64
	ExistingNotional  float64
	DailyStartEquity  float64
}

// AccountStateFetcher retrieves the live account state of the execution
// account (cmd/decide reads it from the default execution venue). It fails
// closed: callers retry per AccountStateRetries and, if
// still unavailable, treat the check as blocked.
type AccountStateFetcher func(ctx context.Context) (AccountState, error)

// Proposal is a candidate position the governor evaluates.
type Proposal struct {
	Asset       model.Asset
	NotionalUSD float64
}

// Governor owns kill-switch and circuit-breaker state under a mutex, per
// spec.md §5's "consensus state, circuit-breaker state, and kill-switch
// state each live under an in-process mutex".
type Governor struct {
	mu sync.Mutex

	killSwitch model.KillSwitchState

	concurrentPositions int
	perSymbolPositions   map[model.Asset]int

	apiErrorTimestamps []time.Time
	apiErrorPauseUntil time.Time

	consecutiveLosses int
	lossPauseUntil    time.Time

	onSafetyBlock func(guard string)
}

func NewGovernor(onSafetyBlock func(guard string)) *Governor {
	return &Governor{
		perSymbolPositions: make(map[model.Asset]int),
		onSafetyBlock:      onSafetyBlock,
	}
}

// Evaluate runs every hard gate in order (spec.md §4.4.4 1–7), returning
// the first failing GateResult, or nil if all pass.
func (g *Governor) Evaluate(ctx context.Context, now time.Time, fetch AccountStateFetcher, p Proposal) (*model.GateResult, []model.GateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var checks []model.GateResult

	// 1. Kill switch.
	if now.Before(g.killSwitch.CooldownExpiresAt) {
		r := model.GateResult{Name: "kill_switch", Value: 1, Threshold: 0, Pass: false}
		checks = append(checks, r)
		return &r, checks, nil
	}
	checks = append(checks, model.GateResult{Name: "kill_switch", Pass: true})

	state, err := fetchWithRetry(ctx, fetch)
	if err != nil {
		if g.onSafetyBlock != nil {
			g.onSafetyBlock("account_state")
		}
		r := model.GateResult{Name: "account_state", Pass: false}
		checks = append(checks, r)
		return &r, checks, fmt.Errorf("risk: account state unavailable after retries: %w", err)
	}

	// 2. Daily drawdown.
	var dailyPnLPct float64
	if state.DailyStartEquity > 0 {
		dailyPnLPct = (state.Equity - state.DailyStartEquity) / state.DailyStartEquity
	}
	dailyPass := dailyPnLPct >= -DailyLossPct
	checks = append(checks, model.GateResult{Name: "daily_drawdown", Value: dailyPnLPct, Threshold: -DailyLossPct, Pass: dailyPass})
	if !dailyPass {
		g.activateKillSwitch(now, "daily_drawdown")
		r := checks[len(checks)-1]
		return &r, checks, nil
	}

	// 3. Liquidation distance.
	var liqRatio float64
	if state.MaintenanceMargin > 0 {
		liqRatio = state.AccountValue / state.MaintenanceMargin
	}
	liqPass := liqRatio >= LiquidationDistance
	checks = append(checks, model.GateResult{Name: "liquidation_distance", Value: liqRatio, Threshold: LiquidationDistance, Pass: liqPass})
	if !liqPass {
		r := checks[len(checks)-1]
		return &r, checks, nil
	}

	// 4. Equity floor.
	floorPass := state.AccountValue >= EquityFloorUSD
	checks = append(checks, model.GateResult{Name: "equity_floor", Value: state.AccountValue, Threshold: EquityFloorUSD, Pass: floorPass})
	if !floorPass {
		r := checks[len(checks)-1]
		return &r, checks, nil
	}

	// 5. Position size.
	var posPct float64
	if state.Equity > 0 {
		posPct = p.NotionalUSD / state.Equity
	}
	posPass := posPct <= MaxPositionPct
	checks = append(checks, model.GateResult{Name: "position_size", Value: posPct, Threshold: MaxPositionPct, Pass: posPass})
	if !posPass {
		r := checks[len(checks)-1]
		return &r, checks, nil
	}

	// 6. Total exposure.
	var expPct float64
	if state.Equity > 0 {
		expPct = (state.ExistingNotional + p.NotionalUSD) / state.Equity
	}
	expPass := expPct <= MaxExposurePct
	checks = append(checks, model.GateResult{Name: "total_exposure", Value: expPct, Threshold: MaxExposurePct, Pass: expPass})
	if !expPass {
		r := checks[len(checks)-1]
		return &r, checks, nil
	}

	// 7. Circuit breakers.
	if r := g.circuitBreakerCheck(now, p.Asset); r != nil {
		checks = append(checks, *r)
		return r, checks, nil
	}
	checks = append(checks, model.GateResult{Name: "circuit_breakers", Pass: true})

	return nil, checks, nil
}

func (g *Governor) circuitBreakerCheck(now time.Time, asset model.Asset) *model.GateResult {
	if g.concurrentPositions >= MaxConcurrent {
		return &model.GateResult{Name: "circuit_concurrent", Value: float64(g.concurrentPositions), Threshold: MaxConcurrent, Pass: false}
	}
	if g.perSymbolPositions[asset] >= MaxPerSymbol {
		return &model.GateResult{Name: "circuit_per_symbol", Value: float64(g.perSymbolPositions[asset]), Threshold: MaxPerSymbol, Pass: false}
	}
	if now.Before(g.apiErrorPauseUntil) {
		return &model.GateResult{Name: "circuit_api_errors", Pass: false}
	}
	if now.Before(g.lossPauseUntil) {
		return &model.GateResult{Name: "circuit_consecutive_losses", Pass: false}
	}
	return nil
}

func (g *Governor) activateKillSwitch(now time.Time, reason string) {
	g.killSwitch = model.KillSwitchState{
		Active:            true,
		ActivatedAt:       now,
		CooldownExpiresAt: now.Add(KillSwitchDuration),
		Reason:            reason,
	}
}

// RecordAPIError logs one API failure for circuit-breaker tracking,
// pausing for APIErrorPause once APIErrorStreakLimit failures land within
// APIErrorWindow.
func (g *Governor) RecordAPIError(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apiErrorTimestamps = append(g.apiErrorTimestamps, now)
	cutoff := now.Add(-APIErrorWindow)
	kept := g.apiErrorTimestamps[:0]
	for _, ts := range g.apiErrorTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.apiErrorTimestamps = kept
	if len(g.apiErrorTimestamps) >= APIErrorStreakLimit {
		g.apiErrorPauseUntil = now.Add(APIErrorPause)
		g.apiErrorTimestamps = nil
	}
}

// RecordOutcome updates the consecutive-loss streak for circuit breaker 7.
func (g *Governor) RecordOutcome(now time.Time, won bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if won {
		g.consecutiveLosses = 0
		return
	}
	g.consecutiveLosses++
	if g.consecutiveLosses >= ConsecutiveLossLimit {
		g.lossPauseUntil = now.Add(ConsecutiveLossPause)
		g.consecutiveLosses = 0
	}
}

// OpenPosition / ClosePosition track concurrent/per-symbol position counts.
func (g *Governor) OpenPosition(asset model.Asset) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.concurrentPositions++
	g.perSymbolPositions[asset]++
}

func (g *Governor) ClosePosition(asset model.Asset) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.concurrentPositions > 0 {
		g.concurrentPositions--
	}
	if g.perSymbolPositions[asset] > 0 {
		g.perSymbolPositions[asset]--
	}
}

// KillSwitch returns a copy of the current kill-switch state.
func (g *Governor) KillSwitch() model.KillSwitchState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch
}

// ClearKillSwitch allows an operator (gated by OTP step-up at the HTTP
// layer) to clear the kill-switch early.
func (g *Governor) ClearKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = model.KillSwitchState{}
}

func fetchWithRetry(ctx context.Context, fetch AccountStateFetcher) (AccountState, error) {
	var lastErr error
	wait := AccountStateBaseWait
	for attempt := 0; attempt < AccountStateRetries; attempt++ {
		state, err := fetch(ctx)
		if err == nil {
			return state, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return AccountState{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return AccountState{}, lastErr
}
