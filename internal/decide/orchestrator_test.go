package decide

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/consensus"
	"github.com/sigmapilot/sigmapilot/internal/episode"
	"github.com/sigmapilot/sigmapilot/internal/execution"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
	"github.com/sigmapilot/sigmapilot/internal/risk"
)

type fixedATR struct{ frac float64 }

func (f fixedATR) StopFraction(asset model.Asset, at time.Time) float64 { return f.frac }

type fakeEpisodeStore struct {
	inserted []model.PositionEpisode
	updated  []model.PositionEpisode
}

func (s *fakeEpisodeStore) InsertEpisode(ctx context.Context, e model.PositionEpisode) error {
	s.inserted = append(s.inserted, e)
	return nil
}

func (s *fakeEpisodeStore) UpdateEpisode(ctx context.Context, e model.PositionEpisode) error {
	s.updated = append(s.updated, e)
	return nil
}

type fakeSignalStore struct {
	inserted     []model.ConsensusSignal
	annotated    map[string]float64
	recentSignal *model.ConsensusSignal
}

func (s *fakeSignalStore) InsertSignal(ctx context.Context, sig model.ConsensusSignal) error {
	s.inserted = append(s.inserted, sig)
	return nil
}

func (s *fakeSignalStore) RecentOpenSignal(ctx context.Context, asset model.Asset, direction model.Direction, since time.Time) (model.ConsensusSignal, bool, error) {
	if s.recentSignal == nil {
		return model.ConsensusSignal{}, false, nil
	}
	return *s.recentSignal, true, nil
}

func (s *fakeSignalStore) BackAnnotateSignal(ctx context.Context, signalID string, outcome string, realizedR float64) error {
	if s.annotated == nil {
		s.annotated = make(map[string]float64)
	}
	s.annotated[signalID] = realizedR
	return nil
}

type fakeDecisionLogStore struct {
	logs            []model.DecisionLog
	outcomeUpdates  map[string]float64
}

func (s *fakeDecisionLogStore) InsertDecisionLog(ctx context.Context, d model.DecisionLog) error {
	s.logs = append(s.logs, d)
	return nil
}

func (s *fakeDecisionLogStore) UpdateDecisionLogOutcome(ctx context.Context, signalID string, pnl, r float64) error {
	if s.outcomeUpdates == nil {
		s.outcomeUpdates = make(map[string]float64)
	}
	s.outcomeUpdates[signalID] = r
	return nil
}

type fakeActiveStopStore struct {
	upserted []model.ActiveStop
}

func (s *fakeActiveStopStore) UpsertActiveStop(ctx context.Context, a model.ActiveStop) error {
	s.upserted = append(s.upserted, a)
	return nil
}
func (s *fakeActiveStopStore) RemoveActiveStop(ctx context.Context, positionID string) error { return nil }
func (s *fakeActiveStopStore) ActiveStops(ctx context.Context) ([]model.ActiveStop, error)    { return nil, nil }

type fakeEpisodeCounter struct{ n int }

func (f *fakeEpisodeCounter) ClosedEpisodeCount(ctx context.Context) (int, error) { return f.n, nil }

type fakePublisherDecide struct {
	published []any
}

func (p *fakePublisherDecide) Publish(ctx context.Context, subject bus.Subject, v any) error {
	p.published = append(p.published, v)
	return nil
}

type fixedRegimeSource struct{ r regime.Regime }

func (f fixedRegimeSource) Regime(asset model.Asset) regime.Regime { return f.r }

type fixedATRSourceDecide struct{ v float64 }

func (f fixedATRSourceDecide) ATR(asset model.Asset) float64 { return f.v }

type zeroInputsProvider struct{}

func (zeroInputsProvider) Inputs(asset model.Asset) consensus.Inputs { return consensus.Inputs{} }

func newTestOrchestrator(ctx context.Context) (*Orchestrator, *fakeEpisodeStore, *fakeSignalStore, *fakeDecisionLogStore, *fakeActiveStopStore) {
	episodes := &fakeEpisodeStore{}
	signals := &fakeSignalStore{}
	decisions := &fakeDecisionLogStore{}
	stops := &fakeActiveStopStore{}

	gov := risk.NewGovernor(nil)
	fetch := func(ctx context.Context) (risk.AccountState, error) {
		return risk.AccountState{Equity: 100000, AccountValue: 100000, MaintenanceMargin: 1000, DailyStartEquity: 100000}, nil
	}
	executor := execution.NewExecutor(nil, execution.Config{})

	o := New(ctx, Deps{
		ATR:            fixedATR{frac: 0.02},
		Risk:           gov,
		Fetch:          fetch,
		Executor:       executor,
		Kelly:          execution.DefaultKellySizing(),
		MaxPositionPct: 0.02,
		Scores:         NewScoreCache(),
		RegimeSource:   fixedRegimeSource{r: regime.Unknown},
		ATRSource:      fixedATRSourceDecide{v: 200},
		Inputs:         zeroInputsProvider{},
		Freshness:      consensus.DefaultFreshnessWindow,
		Cooldown:       consensus.DefaultCooldown,
		Publisher:      &fakePublisherDecide{},
		Episodes:       episodes,
		Signals:        signals,
		Decisions:      decisions,
		Stops:          stops,
		EpisodeCtr:     &fakeEpisodeCounter{n: 0},
	})
	return o, episodes, signals, decisions, stops
}

func TestOrchestrator_ProcessFill_OpensEpisodeWithoutVoteWhenUnscored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, episodes, _, decisions, _ := newTestOrchestrator(ctx)

	f := model.Fill{Address: "0xunscored", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, Price: 100, TS: time.Now()}
	require.NoError(t, o.ProcessFill(ctx, f))

	require.Len(t, episodes.inserted, 1)
	assert.Equal(t, model.DirectionLong, episodes.inserted[0].Direction)
	assert.Empty(t, decisions.logs) // no vote submitted, no evaluation occurred
}

func TestOrchestrator_ProcessFill_VotesAndSkipsWhenConsensusUnderThreshold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, _, _, decisions, _ := newTestOrchestrator(ctx)
	o.ObserveScore("0xscored", ScoreEntry{Weight: 0.5, Kappa: 5, SelectedBool: true, TS: time.Now()})

	f := model.Fill{Address: "0xscored", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, Price: 100, TS: time.Now()}
	require.NoError(t, o.ProcessFill(ctx, f))

	require.Eventually(t, func() bool {
		return len(decisions.logs) >= 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, model.DecisionSkip, decisions.logs[0].DecisionType)
	assert.Equal(t, "not_fired", decisions.logs[0].ExecutionStatus)
}

func TestOrchestrator_ProcessOutcome_BackAnnotatesMatchingSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, _, signals, decisions, _ := newTestOrchestrator(ctx)

	signals.recentSignal = &model.ConsensusSignal{ID: "sig-1", Asset: model.AssetBTC, Direction: model.DirectionLong}

	ep := model.PositionEpisode{ID: "ep-1", Address: "0xa", Asset: model.AssetBTC, Direction: model.DirectionLong}
	out := episode.Outcome{
		Episode: ep,
		Outcome: model.Outcome{
			Address: "0xa", Asset: model.AssetBTC, Direction: model.DirectionLong,
			ResultR: 1.5, RealizedPnL: 300, ClosedTS: time.Now(),
		},
	}

	require.NoError(t, o.processOutcome(ctx, out))
	require.Contains(t, signals.annotated, "sig-1")
	assert.Equal(t, 1.5, signals.annotated["sig-1"])
	require.Contains(t, decisions.outcomeUpdates, "sig-1")
}

func TestOrchestrator_ProcessOutcome_NoMatchingSignalStillPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, _, signals, _, _ := newTestOrchestrator(ctx)

	ep := model.PositionEpisode{ID: "ep-2", Address: "0xb", Asset: model.AssetETH, Direction: model.DirectionShort}
	out := episode.Outcome{
		Episode: ep,
		Outcome: model.Outcome{
			Address: "0xb", Asset: model.AssetETH, Direction: model.DirectionShort,
			ResultR: -0.5, RealizedPnL: -50, ClosedTS: time.Now(),
		},
	}

	require.NoError(t, o.processOutcome(ctx, out))
	assert.Empty(t, signals.annotated)
}

func TestOrchestrator_Seed_LoadsClosedEpisodeCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	episodes := &fakeEpisodeStore{}
	_ = episodes
	o := New(ctx, Deps{
		ATR:            fixedATR{frac: 0.02},
		Risk:           risk.NewGovernor(nil),
		Fetch:          func(ctx context.Context) (risk.AccountState, error) { return risk.AccountState{}, nil },
		Executor:       execution.NewExecutor(nil, execution.Config{}),
		Kelly:          execution.DefaultKellySizing(),
		MaxPositionPct: 0.02,
		Scores:         NewScoreCache(),
		RegimeSource:   fixedRegimeSource{r: regime.Unknown},
		ATRSource:      fixedATRSourceDecide{v: 200},
		Inputs:         zeroInputsProvider{},
		Freshness:      consensus.DefaultFreshnessWindow,
		Cooldown:       consensus.DefaultCooldown,
		Publisher:      &fakePublisherDecide{},
		Episodes:       &fakeEpisodeStore{},
		Signals:        &fakeSignalStore{},
		Decisions:      &fakeDecisionLogStore{},
		Stops:          &fakeActiveStopStore{},
		EpisodeCtr:     &fakeEpisodeCounter{n: 42},
	})

	require.NoError(t, o.Seed(ctx))
	assert.Equal(t, 42, o.closedN)
}
