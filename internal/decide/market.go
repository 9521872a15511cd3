package decide

import (
	"context"
	"sync"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/config"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/regime"
)

// regimeLookback is the minute-bar window the classifier reads (spec.md
// §4.4.3: ma_short 20-min, ma_long 50-min, atr_ratio against the last 60
// ATRs).
const regimeLookback = 60
const maShortWindow = 20
const maLongWindow = 50

// BarSource is the narrow slice of *store.Store the market cache needs.
type BarSource interface {
	RecentBars(ctx context.Context, asset model.Asset, n int) ([]model.MinuteBar, error)
}

// MarketCache periodically recomputes each tracked asset's regime
// classification and caches the latest ATR, backing both the orchestrator's
// RegimeSource/ATRSource and the episode builder's ATRSource (spec.md
// §4.4.1, §4.4.3).
type MarketCache struct {
	bars BarSource
	atr  config.ATR

	mu        sync.RWMutex
	regimes   map[model.Asset]regime.Regime
	atrValues map[model.Asset]float64
	prices    map[model.Asset]float64
	barTS     map[model.Asset]time.Time
}

func NewMarketCache(bars BarSource, atrCfg config.ATR) *MarketCache {
	return &MarketCache{
		bars:      bars,
		atr:       atrCfg,
		regimes:   make(map[model.Asset]regime.Regime),
		atrValues: make(map[model.Asset]float64),
		prices:    make(map[model.Asset]float64),
		barTS:     make(map[model.Asset]time.Time),
	}
}

// Regime satisfies RegimeSource.
func (m *MarketCache) Regime(asset model.Asset) regime.Regime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.regimes[asset]; ok {
		return r
	}
	return regime.Unknown
}

// ATR satisfies ATRSource: the latest raw ATR(14) in price units.
func (m *MarketCache) ATR(asset model.Asset) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.atrValues[asset]
}

// Price returns the asset's most recently cached mid price.
func (m *MarketCache) Price(asset model.Asset) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prices[asset]
}

// StopFraction satisfies episode.ATRSource: ATR expressed as a fraction of
// the asset's most recent mid price, times its configured multiplier. A
// stale cache (no bar inside ATR_MAX_STALENESS_SECONDS) falls back to the
// last known fraction unless ATR_STRICT_MODE is set, in which case it
// returns 0 so the builder clamps to its 0.1% floor and blocks any
// meaningfully-sized stop.
func (m *MarketCache) StopFraction(asset model.Asset, at time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price := m.prices[asset]
	if price <= 0 {
		return 0
	}
	stale := at.Sub(m.barTS[asset]) > time.Duration(m.atr.MaxStalenessSec)*time.Second
	if stale && m.atr.StrictMode {
		return 0
	}
	mult := m.atr.MultiplierBTC
	if asset == model.AssetETH {
		mult = m.atr.MultiplierETH
	}
	return (m.atrValues[asset] / price) * mult
}

// RunRefresh recomputes every tracked asset's regime/ATR cache every
// interval until ctx is canceled.
func (m *MarketCache) RunRefresh(ctx context.Context, assets []model.Asset, interval time.Duration) {
	m.refreshAll(ctx, assets)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshAll(ctx, assets)
		}
	}
}

func (m *MarketCache) refreshAll(ctx context.Context, assets []model.Asset) {
	for _, asset := range assets {
		if err := m.refresh(ctx, asset); err != nil {
			logger.Warnf("decide: refresh market cache %s: %v", asset, err)
		}
	}
}

func (m *MarketCache) refresh(ctx context.Context, asset model.Asset) error {
	bars, err := m.bars.RecentBars(ctx, asset, regimeLookback)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	last := bars[len(bars)-1]
	var currentATR float64
	if last.ATR14 != nil {
		currentATR = *last.ATR14
	}

	var atrSum float64
	var atrN int
	var hi, lo float64
	for i, b := range bars {
		if b.ATR14 != nil {
			atrSum += *b.ATR14
			atrN++
		}
		if i == 0 || b.MidPrice > hi {
			hi = b.MidPrice
		}
		if i == 0 || b.MidPrice < lo {
			lo = b.MidPrice
		}
	}
	var atrRatio float64
	if atrN > 0 && currentATR > 0 {
		avg := atrSum / float64(atrN)
		if avg > 0 {
			atrRatio = currentATR / avg
		}
	}

	maShort := averageMidPrice(bars, maShortWindow)
	maLong := averageMidPrice(bars, maLongWindow)
	var rangeCompress float64
	if currentATR > 0 {
		rangeCompress = (hi - lo) / currentATR
	}

	r := regime.Classify(regime.Features{
		MAShort:       maShort,
		MALong:        maLong,
		ATRRatio:      atrRatio,
		RangeCompress: rangeCompress,
	})

	m.mu.Lock()
	m.regimes[asset] = r
	m.atrValues[asset] = currentATR
	m.prices[asset] = last.MidPrice
	m.barTS[asset] = last.MinuteTS
	m.mu.Unlock()
	return nil
}

// averageMidPrice averages the trailing n bars' mid price (or fewer, if
// the cache doesn't yet hold n).
func averageMidPrice(bars []model.MinuteBar, n int) float64 {
	if n > len(bars) {
		n = len(bars)
	}
	if n == 0 {
		return 0
	}
	start := len(bars) - n
	var sum float64
	for _, b := range bars[start:] {
		sum += b.MidPrice
	}
	return sum / float64(n)
}
