package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeMarkPriceSource struct {
	prices map[string]float64
}

func (f *fakeMarkPriceSource) MarkPrice(ctx context.Context, asset string) (float64, error) {
	return f.prices[asset], nil
}

type fakeBarStore struct {
	bars map[model.Asset][]model.MinuteBar
}

func newFakeBarStore() *fakeBarStore {
	return &fakeBarStore{bars: make(map[model.Asset][]model.MinuteBar)}
}

func (f *fakeBarStore) UpsertMinuteBar(ctx context.Context, b model.MinuteBar) error {
	bars := f.bars[b.Asset]
	for i, existing := range bars {
		if existing.MinuteTS.Equal(b.MinuteTS) {
			bars[i] = b
			f.bars[b.Asset] = bars
			return nil
		}
	}
	f.bars[b.Asset] = append(bars, b)
	return nil
}

func (f *fakeBarStore) RecentBars(ctx context.Context, asset model.Asset, n int) ([]model.MinuteBar, error) {
	bars := f.bars[asset]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func TestPriceFeed_WritesOneBarPerMinuteBoundary(t *testing.T) {
	venue := &fakeMarkPriceSource{prices: map[string]float64{"BTC": 60000}}
	store := newFakeBarStore()
	var lastSeen float64
	feed := NewPriceFeed(venue, store, []model.Asset{model.AssetBTC}, time.Second, func(asset model.Asset, price float64) {
		lastSeen = price
	})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.tick(context.Background(), base)
	feed.tick(context.Background(), base.Add(10*time.Second)) // same minute

	assert.Equal(t, 60000.0, lastSeen)
	assert.Len(t, store.bars[model.AssetBTC], 1)
}

func TestPriceFeed_NewMinuteWritesNewBar(t *testing.T) {
	venue := &fakeMarkPriceSource{prices: map[string]float64{"BTC": 60000}}
	store := newFakeBarStore()
	feed := NewPriceFeed(venue, store, []model.Asset{model.AssetBTC}, time.Second, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed.tick(context.Background(), base)
	feed.tick(context.Background(), base.Add(time.Minute))

	require.Len(t, store.bars[model.AssetBTC], 2)
}

func TestPriceFeed_ATRNilOnFirstBar(t *testing.T) {
	venue := &fakeMarkPriceSource{prices: map[string]float64{"BTC": 60000}}
	store := newFakeBarStore()
	feed := NewPriceFeed(venue, store, []model.Asset{model.AssetBTC}, time.Second, nil)

	feed.tick(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.Len(t, store.bars[model.AssetBTC], 1)
	assert.Nil(t, store.bars[model.AssetBTC][0].ATR14)
}

func TestPriceFeed_ATRComputedOnceHistoryExists(t *testing.T) {
	venue := &fakeMarkPriceSource{prices: map[string]float64{"BTC": 60100}}
	store := newFakeBarStore()
	store.bars[model.AssetBTC] = []model.MinuteBar{
		{Asset: model.AssetBTC, MinuteTS: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), MidPrice: 60000},
	}
	feed := NewPriceFeed(venue, store, []model.Asset{model.AssetBTC}, time.Second, nil)

	feed.tick(context.Background(), time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC))

	bars := store.bars[model.AssetBTC]
	require.Len(t, bars, 2)
	require.NotNil(t, bars[1].ATR14)
	assert.InDelta(t, 100, *bars[1].ATR14, 1e-9)
}
