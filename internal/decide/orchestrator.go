package decide

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/consensus"
	"github.com/sigmapilot/sigmapilot/internal/episode"
	"github.com/sigmapilot/sigmapilot/internal/execution"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
	"github.com/sigmapilot/sigmapilot/internal/risk"
)

// SignalWindow bounds how far back an outcome can reach to find the signal
// that triggered it (spec.md §4.4.1's "match by (address, asset, direction,
// within signal window)"); set to the episode force-close timeout since a
// signal can never be credited with an episode that outlives it.
const SignalWindow = episode.Timeout

// SystemAccount tags active stops opened against Decide's own execution
// account, which trades the pool's aggregated signal rather than any one
// tracked trader's address.
const SystemAccount model.Address = "system"

// Publisher is the narrow slice of *bus.Bus the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, subject bus.Subject, v any) error
}

// EpisodeStore persists the episode lifecycle.
type EpisodeStore interface {
	InsertEpisode(ctx context.Context, e model.PositionEpisode) error
	UpdateEpisode(ctx context.Context, e model.PositionEpisode) error
}

// SignalStore persists fired consensus signals and their back-annotation.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig model.ConsensusSignal) error
	RecentOpenSignal(ctx context.Context, asset model.Asset, direction model.Direction, since time.Time) (model.ConsensusSignal, bool, error)
	BackAnnotateSignal(ctx context.Context, signalID string, outcome string, realizedR float64) error
}

// DecisionLogStore persists every consensus evaluation.
type DecisionLogStore interface {
	InsertDecisionLog(ctx context.Context, d model.DecisionLog) error
	UpdateDecisionLogOutcome(ctx context.Context, signalID string, pnl, r float64) error
}

// ActiveStopStore tracks live stop/take-profit pairs.
type ActiveStopStore interface {
	UpsertActiveStop(ctx context.Context, a model.ActiveStop) error
	RemoveActiveStop(ctx context.Context, positionID string) error
	ActiveStops(ctx context.Context) ([]model.ActiveStop, error)
}

// EpisodeCounter tracks the pool-wide closed-episode count Kelly sizing
// checks against KELLY_MIN_EPISODES.
type EpisodeCounter interface {
	ClosedEpisodeCount(ctx context.Context) (int, error)
}

// RegimeSource resolves the currently classified regime for an asset.
type RegimeSource interface {
	Regime(asset model.Asset) regime.Regime
}

// ATRSource supplies the live ATR value feeding stop distance.
type ATRSource interface {
	ATR(asset model.Asset) float64
}

// Orchestrator wires episode reconstruction, the per-asset consensus
// machines, the risk governor, and the executor together (spec.md §4.4).
type Orchestrator struct {
	builder  *episode.Builder
	risk     *risk.Governor
	executor *execution.Executor
	fetch    risk.AccountStateFetcher
	kelly    execution.KellySizing
	maxPos   float64

	scores     *ScoreCache
	regimeSrc  RegimeSource
	atrSrc     ATRSource
	inputs     consensus.InputsProvider
	freshness  time.Duration
	cooldown   time.Duration
	publisher  Publisher
	episodes   EpisodeStore
	signals    SignalStore
	decisions  DecisionLogStore
	stops      ActiveStopStore
	episodeCtr EpisodeCounter

	mu       sync.Mutex
	machines map[model.Asset]*consensus.AssetMachine
	closedN  int

	ctx context.Context
}

// Deps bundles every collaborator the orchestrator needs, all narrowed to
// the interfaces above so tests substitute fakes instead of live
// infrastructure.
type Deps struct {
	ATR           episode.ATRSource
	Risk          *risk.Governor
	Fetch         risk.AccountStateFetcher
	Executor      *execution.Executor
	Kelly         execution.KellySizing
	MaxPositionPct float64
	Scores        *ScoreCache
	RegimeSource  RegimeSource
	ATRSource     ATRSource
	Inputs        consensus.InputsProvider
	Freshness     time.Duration
	Cooldown      time.Duration
	Publisher     Publisher
	Episodes      EpisodeStore
	Signals       SignalStore
	Decisions     DecisionLogStore
	Stops         ActiveStopStore
	EpisodeCtr    EpisodeCounter
}

// New builds an Orchestrator. ctx is retained only to start per-asset
// consensus machines lazily as new assets are observed; cancel it to stop
// every machine.
func New(ctx context.Context, d Deps) *Orchestrator {
	o := &Orchestrator{
		builder:    episode.NewBuilder(d.ATR),
		risk:       d.Risk,
		executor:   d.Executor,
		fetch:      d.Fetch,
		kelly:      d.Kelly,
		maxPos:     d.MaxPositionPct,
		scores:     d.Scores,
		regimeSrc:  d.RegimeSource,
		atrSrc:     d.ATRSource,
		inputs:     d.Inputs,
		freshness:  d.Freshness,
		cooldown:   d.Cooldown,
		publisher:  d.Publisher,
		episodes:   d.Episodes,
		signals:    d.Signals,
		decisions:  d.Decisions,
		stops:      d.Stops,
		episodeCtr: d.EpisodeCtr,
		machines:   make(map[model.Asset]*consensus.AssetMachine),
		ctx:        ctx,
	}
	return o
}

// Seed loads the starting closed-episode count from the store so Kelly
// sizing's episode_count check is correct immediately after a restart.
func (o *Orchestrator) Seed(ctx context.Context) error {
	n, err := o.episodeCtr.ClosedEpisodeCount(ctx)
	if err != nil {
		return fmt.Errorf("decide: seed episode counter: %w", err)
	}
	o.mu.Lock()
	o.closedN = n
	o.mu.Unlock()
	return nil
}

// ObserveScore records a scores.v1 message.
func (o *Orchestrator) ObserveScore(addr model.Address, e ScoreEntry) {
	o.scores.Observe(addr, e)
}

// UpdatePrice forwards a live mark price to the asset's consensus machine.
// It does not trigger an evaluation; the price is used by gate G4 on the
// next vote or Tick.
func (o *Orchestrator) UpdatePrice(asset model.Asset, price float64) {
	o.machineFor(asset).UpdatePrice(price)
}

// Tick forces a re-evaluation of the given asset's consensus machine.
func (o *Orchestrator) Tick(asset model.Asset) {
	o.machineFor(asset).Tick()
}

func (o *Orchestrator) machineFor(asset model.Asset) *consensus.AssetMachine {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.machines[asset]
	if !ok {
		m = consensus.NewAssetMachine(o.ctx, asset, o.inputs, o.freshness, o.cooldown, o.onDecision)
		o.machines[asset] = m
	}
	return m
}

// ProcessFill feeds one normalized fill through the episode builder,
// persists the episode lifecycle, and — if the fill opened a fresh episode
// for a pool-selected address — submits an opening vote to that asset's
// consensus machine.
func (o *Orchestrator) ProcessFill(ctx context.Context, f model.Fill) error {
	before, hadOpen := o.builder.OpenEpisode(f.Address, f.Asset)

	outcomes, err := o.builder.Apply(f)
	if err != nil {
		return fmt.Errorf("decide: apply fill %s: %w", f.FillID, err)
	}
	for _, out := range outcomes {
		if err := o.episodes.UpdateEpisode(ctx, out.Episode); err != nil {
			logger.Errorf("decide: persist closed episode %s: %v", out.Episode.ID, err)
		}
		if err := o.processOutcome(ctx, out); err != nil {
			logger.Errorf("decide: process outcome for episode %s: %v", out.Episode.ID, err)
		}
	}

	after, stillOpen := o.builder.OpenEpisode(f.Address, f.Asset)
	switch {
	case !stillOpen:
		// Fully closed with no residual; already handled above.
	case !hadOpen || !after.EntryTS.Equal(before.EntryTS):
		// A brand-new episode started here (flat->open, or the residual
		// leg of a direction flip): persist and, if eligible, vote.
		if err := o.episodes.InsertEpisode(ctx, after); err != nil {
			logger.Errorf("decide: persist new episode %s: %v", after.ID, err)
		}
		o.maybeVote(after, f)
	default:
		if err := o.episodes.UpdateEpisode(ctx, after); err != nil {
			logger.Errorf("decide: persist updated episode %s: %v", after.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) maybeVote(ep model.PositionEpisode, f model.Fill) {
	score, ok := o.scores.Get(f.Address)
	if !ok || !score.SelectedBool {
		return
	}
	o.machineFor(f.Asset).SubmitVote(consensus.Vote{
		Address:    f.Address,
		Direction:  ep.Direction,
		EntryPrice: f.Price,
		Weight:     score.Weight,
		TS:         f.TS,
	})
}

// onDecision is invoked synchronously by an AssetMachine on every
// evaluation, fired or not (spec.md §4.4.6: "every evaluation writes one
// row").
func (o *Orchestrator) onDecision(res consensus.Result, decisionType model.DecisionType) {
	ctx := o.ctx
	log := model.DecisionLog{
		ID:            uuid.NewString(),
		TS:            time.Now(),
		Asset:         res.Asset,
		Direction:     res.Direction,
		DecisionType:  decisionType,
		Gates:         res.Gates,
		ReasoningText: res.Reasoning,
	}

	if decisionType != model.DecisionSignal {
		log.ExecutionStatus = "not_fired"
		if err := o.decisions.InsertDecisionLog(ctx, log); err != nil {
			logger.Errorf("decide: persist decision log: %v", err)
		}
		return
	}

	sig, stop, execOutcome, riskChecks, err := o.executeSignal(ctx, res)
	log.RiskChecks = riskChecks
	if err != nil {
		log.DecisionType = model.DecisionRiskReject
		log.ExecutionStatus = "blocked: " + err.Error()
		if err := o.decisions.InsertDecisionLog(ctx, log); err != nil {
			logger.Errorf("decide: persist decision log: %v", err)
		}
		return
	}

	switch {
	case execOutcome.Rejected:
		log.ExecutionStatus = "rejected: " + execOutcome.RejectReason
	case execOutcome.DryRun:
		log.ExecutionStatus = "dry_run"
	default:
		log.ExecutionStatus = "live"
		sigID := sig.ID
		log.SignalID = &sigID
	}

	if err := o.signals.InsertSignal(ctx, sig); err != nil {
		logger.Errorf("decide: persist signal %s: %v", sig.ID, err)
	}
	if stop != nil {
		if err := o.stops.UpsertActiveStop(ctx, *stop); err != nil {
			logger.Errorf("decide: persist active stop %s: %v", stop.PositionID, err)
		}
		o.risk.OpenPosition(res.Asset)
	}
	if err := o.decisions.InsertDecisionLog(ctx, log); err != nil {
		logger.Errorf("decide: persist decision log: %v", err)
	}
	if err := o.publisher.Publish(ctx, bus.Signals, sig); err != nil {
		logger.Errorf("decide: publish signal %s: %v", sig.ID, err)
	}
}

// executeSignal runs the risk governor, sizes the position, and executes
// it, returning the ConsensusSignal row to persist, the ActiveStop to track
// (nil if none was placed), and the execution outcome. A non-nil error
// means the risk governor blocked the trade.
func (o *Orchestrator) executeSignal(ctx context.Context, res consensus.Result) (model.ConsensusSignal, *model.ActiveStop, execution.Outcome, []model.GateResult, error) {
	account, fetchErr := o.fetch(ctx)
	if fetchErr != nil {
		return model.ConsensusSignal{}, nil, execution.Outcome{}, nil, fmt.Errorf("decide: account state for sizing: %w", fetchErr)
	}

	o.mu.Lock()
	n := o.closedN
	o.mu.Unlock()

	adj := regime.For(o.regimeSrc.Regime(res.Asset))
	sizePct := execution.PositionSizePct(o.kelly, res.PWin, n, adj, o.maxPos)
	notionalUSD := sizePct * account.Equity

	failed, checks, err := o.risk.Evaluate(ctx, time.Now(), o.fetch, risk.Proposal{Asset: res.Asset, NotionalUSD: notionalUSD})
	if err != nil {
		return model.ConsensusSignal{}, nil, execution.Outcome{}, checks, err
	}
	if failed != nil {
		return model.ConsensusSignal{}, nil, execution.Outcome{}, checks, fmt.Errorf("risk gate %s failed", failed.Name)
	}

	atr := o.atrSrc.ATR(res.Asset)
	stopDistance := atr * adj.StopDistanceMultiplier
	stopPrice, takeProfit := execution.StopLevels(res.EntryPrice, res.Direction, stopDistance, o.kelly.RRatio)

	plan := execution.Plan{Signal: res, NotionalUSD: notionalUSD, StopPrice: stopPrice, TakeProfit: takeProfit, RRatio: o.kelly.RRatio}
	out, err := o.executor.Execute(ctx, plan)
	if err != nil {
		return model.ConsensusSignal{}, nil, execution.Outcome{}, checks, err
	}

	sig := model.ConsensusSignal{
		ID:             uuid.NewString(),
		TS:             time.Now(),
		Asset:          res.Asset,
		Direction:      res.Direction,
		NTraders:       res.NTraders,
		NAgree:         res.NAgree,
		MajorityPct:    res.MajorityPct,
		EffectiveK:     res.EffectiveK,
		PWin:           res.PWin,
		EVNetR:         res.EVNetR,
		EntryPrice:     res.EntryPrice,
		StopPrice:      stopPrice,
		TargetExchange: res.TargetExchange,
	}

	var activeStop *model.ActiveStop
	if !out.Rejected && !out.DryRun {
		activeStop = &model.ActiveStop{
			PositionID:      out.Order.OrderID,
			Address:         SystemAccount,
			Asset:           res.Asset,
			StopPrice:       stopPrice,
			TakeProfitPrice: takeProfit,
			Size:            out.Order.FilledSize,
			RegisteredAt:    time.Now(),
		}
		if out.Stops.SLOrderID != "" {
			activeStop.NativeSLOrderID = &out.Stops.SLOrderID
		}
		if out.Stops.TPOrderID != "" {
			activeStop.NativeTPOrderID = &out.Stops.TPOrderID
		}
	}

	return sig, activeStop, out, checks, nil
}

// processOutcome publishes the outcome and, if a matching open signal
// exists within SignalWindow, back-annotates both the signal and its
// decision log.
func (o *Orchestrator) processOutcome(ctx context.Context, out episode.Outcome) error {
	outcome := out.Outcome
	since := outcome.ClosedTS.Add(-SignalWindow)
	sig, found, err := o.signals.RecentOpenSignal(ctx, outcome.Asset, outcome.Direction, since)
	if err != nil {
		return fmt.Errorf("find matching signal: %w", err)
	}
	if found {
		sigID := sig.ID
		outcome.SignalID = &sigID
		tag := "loss"
		if outcome.ResultR > 0 {
			tag = "win"
		}
		if err := o.signals.BackAnnotateSignal(ctx, sig.ID, tag, outcome.ResultR); err != nil {
			logger.Errorf("decide: back-annotate signal %s: %v", sig.ID, err)
		}
		if err := o.decisions.UpdateDecisionLogOutcome(ctx, sig.ID, outcome.RealizedPnL, outcome.ResultR); err != nil {
			logger.Errorf("decide: back-annotate decision log for signal %s: %v", sig.ID, err)
		}
	}

	if err := o.publisher.Publish(ctx, bus.Outcomes, outcome); err != nil {
		logger.Errorf("decide: publish outcome for episode %s: %v", out.Episode.ID, err)
	}

	o.risk.RecordOutcome(time.Now(), outcome.ResultR > 0)
	o.risk.ClosePosition(outcome.Asset)

	o.mu.Lock()
	o.closedN++
	o.mu.Unlock()
	return nil
}
