package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeFillHistory struct {
	chains  map[string][]model.Fill
	replace map[string][]model.Fill
}

func newFakeFillHistory() *fakeFillHistory {
	return &fakeFillHistory{chains: make(map[string][]model.Fill), replace: make(map[string][]model.Fill)}
}

func chainKey(addr model.Address, asset model.Asset) string {
	return string(addr) + "|" + string(asset)
}

func (f *fakeFillHistory) FillsFor(ctx context.Context, addr model.Address, asset model.Asset) ([]model.Fill, error) {
	return f.chains[chainKey(addr, asset)], nil
}

func (f *fakeFillHistory) ReplaceFills(ctx context.Context, addr model.Address, asset model.Asset, fills []model.Fill) error {
	f.replace[chainKey(addr, asset)] = fills
	f.chains[chainKey(addr, asset)] = fills
	return nil
}

type fakeBackfiller struct {
	fills []RawFill
}

func (f *fakeBackfiller) FillsHistory(ctx context.Context, addr model.Address, asset model.Asset) ([]RawFill, error) {
	return f.fills, nil
}

func TestValidator_ConsistentChainTriggersNoRepair(t *testing.T) {
	history := newFakeFillHistory()
	history.chains[chainKey("0xa", model.AssetBTC)] = []model.Fill{
		{Side: model.SideBuy, Size: 1, ResultingPosition: 1},
		{Side: model.SideBuy, Size: 1, ResultingPosition: 2},
	}
	backfiller := &fakeBackfiller{}
	v := NewValidator(history, backfiller, time.Minute)

	err := v.CheckOne(context.Background(), AddressAsset{Address: "0xa", Asset: model.AssetBTC})
	require.NoError(t, err)
	assert.Empty(t, history.replace)
}

func TestValidator_DiscrepantChainTriggersRepair(t *testing.T) {
	history := newFakeFillHistory()
	history.chains[chainKey("0xa", model.AssetBTC)] = []model.Fill{
		{Side: model.SideBuy, Size: 1, ResultingPosition: 1},
		{Side: model.SideBuy, Size: 1, ResultingPosition: 99}, // inconsistent
	}
	backfiller := &fakeBackfiller{fills: []RawFill{
		{Address: "0xa", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, ResultingPosition: 1, TS: 1700000000000, VenueFillID: "f1"},
	}}
	v := NewValidator(history, backfiller, time.Minute)

	err := v.CheckOne(context.Background(), AddressAsset{Address: "0xa", Asset: model.AssetBTC})
	require.NoError(t, err)
	require.Contains(t, history.replace, chainKey("0xa", model.AssetBTC))
	assert.Len(t, history.replace[chainKey("0xa", model.AssetBTC)], 1)
}

func TestValidator_RepairIsIdempotent(t *testing.T) {
	history := newFakeFillHistory()
	// Continuity is checked between consecutive fills, so the discrepancy
	// needs a second fill: 1 + 1 != 99.
	history.chains[chainKey("0xa", model.AssetBTC)] = []model.Fill{
		{Side: model.SideBuy, Size: 1, ResultingPosition: 1},
		{Side: model.SideBuy, Size: 1, ResultingPosition: 99},
	}
	backfiller := &fakeBackfiller{fills: []RawFill{
		{Address: "0xa", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, ResultingPosition: 1, TS: 1700000000000, VenueFillID: "f1"},
	}}
	v := NewValidator(history, backfiller, time.Minute)
	ctx := context.Background()
	pair := AddressAsset{Address: "0xa", Asset: model.AssetBTC}

	require.NoError(t, v.CheckOne(ctx, pair))
	first := history.replace[chainKey("0xa", model.AssetBTC)]
	require.Len(t, first, 1, "the discrepant chain is replaced by the backfill")

	require.NoError(t, v.CheckOne(ctx, pair))
	second := history.replace[chainKey("0xa", model.AssetBTC)]

	assert.Equal(t, first, second)
}
