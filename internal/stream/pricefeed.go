package stream

import (
	"context"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

// MarkPriceSource is the venue's mid-price query, specified only at this
// interface (spec.md §1).
type MarkPriceSource interface {
	MarkPrice(ctx context.Context, asset string) (float64, error)
}

// BarStore is the narrow slice of *store.Store the price feed needs.
type BarStore interface {
	UpsertMinuteBar(ctx context.Context, b model.MinuteBar) error
	RecentBars(ctx context.Context, asset model.Asset, n int) ([]model.MinuteBar, error)
}

// atrWindow is the ATR(14) lookback.
const atrWindow = 14

// PriceFeed polls mid-prices for the tracked assets and upserts a rolling
// ATR(14) minute bar once per minute (spec.md §4.2).
type PriceFeed struct {
	venue    MarkPriceSource
	store    BarStore
	assets   []model.Asset
	interval time.Duration
	onPrice  func(asset model.Asset, price float64)

	lastPrice  map[model.Asset]float64
	lastMinute map[model.Asset]time.Time
}

func NewPriceFeed(venue MarkPriceSource, store BarStore, assets []model.Asset, interval time.Duration, onPrice func(model.Asset, float64)) *PriceFeed {
	return &PriceFeed{
		venue:      venue,
		store:      store,
		assets:     assets,
		interval:   interval,
		onPrice:    onPrice,
		lastPrice:  make(map[model.Asset]float64),
		lastMinute: make(map[model.Asset]time.Time),
	}
}

// Run polls every interval until ctx is canceled, caching the last value
// per asset and writing a minute bar exactly once per floor-to-minute
// boundary crossed.
func (p *PriceFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(ctx, now)
		}
	}
}

func (p *PriceFeed) tick(ctx context.Context, now time.Time) {
	for _, asset := range p.assets {
		price, err := p.venue.MarkPrice(ctx, string(asset))
		if err != nil {
			logger.Warnf("stream: mark price %s failed: %v", asset, err)
			continue
		}
		p.lastPrice[asset] = price
		if p.onPrice != nil {
			p.onPrice(asset, price)
		}

		minute := now.Truncate(time.Minute)
		if p.lastMinute[asset].Equal(minute) {
			continue
		}
		p.lastMinute[asset] = minute

		atr := p.computeATR(ctx, asset, minute, price)
		bar := model.MinuteBar{Asset: asset, MinuteTS: minute, MidPrice: price, ATR14: atr}
		if err := p.store.UpsertMinuteBar(ctx, bar); err != nil {
			logger.Warnf("stream: upsert minute bar %s failed: %v", asset, err)
		}
	}
}

// computeATR derives a Wilder-smoothed ATR(14) from the trailing minute bars
// plus the current price as this minute's close, treating each bar's
// |close[i]-close[i-1]| as the true range proxy (Stream has no high/low,
// only mid-price samples). When the previous bar carries an ATR, the result
// is (prevATR*13 + range)/14; otherwise it is seeded with the simple average
// of the available ranges (up to 14).
func (p *PriceFeed) computeATR(ctx context.Context, asset model.Asset, minute time.Time, price float64) *float64 {
	recent, err := p.store.RecentBars(ctx, asset, atrWindow)
	if err != nil || len(recent) == 0 {
		return nil
	}

	if prev := recent[len(recent)-1]; prev.ATR14 != nil {
		tr := price - prev.MidPrice
		if tr < 0 {
			tr = -tr
		}
		atr := (*prev.ATR14*(atrWindow-1) + tr) / atrWindow
		return &atr
	}

	closes := make([]float64, 0, len(recent)+1)
	for _, b := range recent {
		closes = append(closes, b.MidPrice)
	}
	closes = append(closes, price)
	if len(closes) < 2 {
		return nil
	}

	var sum float64
	n := 0
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
		n++
	}
	if n == 0 {
		return nil
	}
	atr := sum / float64(n)
	return &atr
}
