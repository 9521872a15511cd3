package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/consensus"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
	"github.com/sigmapilot/sigmapilot/internal/venue"
)

type fakeVenue struct {
	name             venue.Name
	slippageBps      float64
	fees             venue.FeeSchedule
	nativeStops      bool
	marketOrderCalls int
	stopCalls        int
	closeCalls       int
}

func (f *fakeVenue) Name() venue.Name                     { return f.name }
func (f *fakeVenue) Connect(ctx context.Context) error    { return nil }
func (f *fakeVenue) Balance(ctx context.Context) (venue.Account, error) {
	return venue.Account{}, nil
}
func (f *fakeVenue) Positions(ctx context.Context) ([]venue.Position, error) { return nil, nil }
func (f *fakeVenue) MarketOrder(ctx context.Context, asset, direction string, notionalUSD, slippageTolerance float64) (venue.OrderResult, error) {
	f.marketOrderCalls++
	return venue.OrderResult{OrderID: "1", FilledSize: notionalUSD / 100, FilledPrice: 100}, nil
}
func (f *fakeVenue) ClosePosition(ctx context.Context, asset string) (venue.OrderResult, error) {
	f.closeCalls++
	return venue.OrderResult{OrderID: "close-1"}, nil
}
func (f *fakeVenue) SetLeverage(ctx context.Context, asset string, leverage float64) error { return nil }
func (f *fakeVenue) PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (venue.StopPair, error) {
	f.stopCalls++
	return venue.StopPair{SLOrderID: "sl-1", TPOrderID: "tp-1"}, nil
}
func (f *fakeVenue) CancelStops(ctx context.Context, asset string, pair venue.StopPair) error { return nil }
func (f *fakeVenue) MarkPrice(ctx context.Context, asset string) (float64, error)              { return 100, nil }
func (f *fakeVenue) SupportsNativeStops() bool                                                 { return f.nativeStops }
func (f *fakeVenue) Fees(ctx context.Context, asset string) (venue.FeeSchedule, error)          { return f.fees, nil }
func (f *fakeVenue) OrderbookSlippage(ctx context.Context, asset, direction string, notionalUSD float64) (float64, error) {
	return f.slippageBps, nil
}
func (f *fakeVenue) StaggerDelay() time.Duration { return 0 }

func TestPositionSizePct_FallsBackBelowMinEpisodes(t *testing.T) {
	cfg := DefaultKellySizing()
	pct := PositionSizePct(cfg, 0.65, 5, regime.For(regime.Trending), 0.02)
	assert.InDelta(t, DefaultKellyFallbackPct, pct, 1e-9)
}

func TestPositionSizePct_CappedAtMaxPosition(t *testing.T) {
	cfg := DefaultKellySizing()
	pct := PositionSizePct(cfg, 0.85, 50, regime.For(regime.Trending), 0.005)
	assert.LessOrEqual(t, pct, 0.005)
}

func TestExecute_DryRunWhenNotLiveEnabled(t *testing.T) {
	v := &fakeVenue{name: "hyperliquid", slippageBps: 2, fees: venue.FeeSchedule{TakerFeeBps: 5}}
	ex := NewExecutor(map[venue.Name]venue.Venue{"hyperliquid": v}, Config{RealExecutionEnabled: false, StoredEnabled: true})

	plan := Plan{Signal: consensus.Result{Asset: model.AssetBTC, Direction: model.DirectionLong, TargetExchange: "hyperliquid", PWin: 0.7, EntryPrice: 110}, NotionalUSD: 1000, StopPrice: 100, TakeProfit: 120, RRatio: 2}
	out, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, out.DryRun)
	assert.Equal(t, 0, v.marketOrderCalls)
}

func TestExecute_RejectsOnEVRecomputeDrop(t *testing.T) {
	v := &fakeVenue{name: "hyperliquid", slippageBps: 500, fees: venue.FeeSchedule{TakerFeeBps: 500}}
	ex := NewExecutor(map[venue.Name]venue.Venue{"hyperliquid": v}, Config{RealExecutionEnabled: true, StoredEnabled: true})

	plan := Plan{Signal: consensus.Result{Asset: model.AssetBTC, Direction: model.DirectionLong, TargetExchange: "hyperliquid", PWin: 0.55, EntryPrice: 110}, NotionalUSD: 1000, StopPrice: 100, TakeProfit: 120, RRatio: 2}
	out, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, "ev_recompute", out.RejectReason)
}

func TestExecute_LiveOrderPlacesNativeStops(t *testing.T) {
	v := &fakeVenue{name: "hyperliquid", slippageBps: 1, fees: venue.FeeSchedule{TakerFeeBps: 2}, nativeStops: true}
	ex := NewExecutor(map[venue.Name]venue.Venue{"hyperliquid": v}, Config{RealExecutionEnabled: true, StoredEnabled: true})

	plan := Plan{Signal: consensus.Result{Asset: model.AssetBTC, Direction: model.DirectionLong, TargetExchange: "hyperliquid", PWin: 0.7, EntryPrice: 110}, NotionalUSD: 1000, StopPrice: 100, TakeProfit: 120, RRatio: 2}
	out, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.False(t, out.Rejected)
	assert.False(t, out.DryRun)
	assert.Equal(t, 1, v.marketOrderCalls)
	assert.Equal(t, 1, v.stopCalls)
	assert.False(t, out.PollingMode)
}

func TestExecute_FallsBackToPollingWhenNativeStopsUnsupported(t *testing.T) {
	v := &fakeVenue{name: "lighter", slippageBps: 1, fees: venue.FeeSchedule{TakerFeeBps: 2}, nativeStops: false}
	ex := NewExecutor(map[venue.Name]venue.Venue{"lighter": v}, Config{RealExecutionEnabled: true, StoredEnabled: true})

	plan := Plan{Signal: consensus.Result{Asset: model.AssetBTC, Direction: model.DirectionLong, TargetExchange: "lighter", PWin: 0.7, EntryPrice: 110}, NotionalUSD: 1000, StopPrice: 100, TakeProfit: 120, RRatio: 2}
	out, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, out.PollingMode)
	assert.Equal(t, 0, v.stopCalls)
}

func TestStopLevels_LongAndShort(t *testing.T) {
	sl, tp := StopLevels(100, model.DirectionLong, 2, 2)
	assert.Equal(t, 98.0, sl)
	assert.Equal(t, 104.0, tp)

	sl, tp = StopLevels(100, model.DirectionShort, 2, 2)
	assert.Equal(t, 102.0, sl)
	assert.Equal(t, 96.0, tp)
}
