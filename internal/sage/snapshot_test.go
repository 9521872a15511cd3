package sage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fakeSnapshotStore struct {
	inserted []model.TraderSnapshot
}

func (s *fakeSnapshotStore) InsertSnapshot(ctx context.Context, sn model.TraderSnapshot) error {
	s.inserted = append(s.inserted, sn)
	return nil
}

func TestWinsorize_ClampsOutliers(t *testing.T) {
	// Twenty 0.1s and one 10.0: mean ≈ 0.571, sample sd ≈ 2.160, so
	// mean+3sd ≈ 7.05 and the outlier is clamped. (With only five samples a
	// single outlier can never lie beyond 3 sample sd.)
	values := make([]float64, 0, 21)
	for i := 0; i < 20; i++ {
		values = append(values, 0.1)
	}
	values = append(values, 10.0)
	out := Winsorize(values, 3.0)
	mean, std := meanStd(values)
	hi := mean + 3.0*std
	assert.InDelta(t, hi, out[20], 1e-9)
	assert.Equal(t, 0.1, out[0])
}

func TestOneSidedPValue_DegenerateSampleReturnsOne(t *testing.T) {
	assert.Equal(t, 1.0, OneSidedPValue(nil))
	assert.Equal(t, 1.0, OneSidedPValue([]float64{0.5}))
}

func TestOneSidedPValue_ZeroVarianceAllPositiveIsSignificant(t *testing.T) {
	p := OneSidedPValue([]float64{0.2, 0.2, 0.2, 0.2})
	assert.Equal(t, 0.0, p)
}

func TestOneSidedPValue_ZeroVarianceNonPositiveNotSignificant(t *testing.T) {
	p := OneSidedPValue([]float64{0, 0, 0})
	assert.Equal(t, 1.0, p)
}

func TestOneSidedPValue_StronglyPositiveSampleIsLowPValue(t *testing.T) {
	p := OneSidedPValue([]float64{0.3, 0.35, 0.28, 0.32, 0.31, 0.29, 0.33})
	assert.Less(t, p, 0.05)
}

func TestBHQualified_AllAboveThresholdQualifiesNone(t *testing.T) {
	q := BHQualified([]float64{0.5, 0.6, 0.9})
	assert.Empty(t, q)
}

func TestBHQualified_MixedPValuesQualifiesCorrectPrefix(t *testing.T) {
	pValues := []float64{0.01, 0.5, 0.02, 0.9}
	q := BHQualified(pValues)
	assert.True(t, q[0])
	assert.True(t, q[2])
	assert.False(t, q[1])
	assert.False(t, q[3])
}

func TestDeathEvent_Precedence(t *testing.T) {
	assert.Equal(t, "liquidation", DeathEvent(100, 1000, 100, true))
	assert.Equal(t, "negative_equity", DeathEvent(-5, 1000, -5, false))
	assert.Equal(t, "drawdown_80", DeathEvent(100, 1000, 15000, false))
	assert.Equal(t, "account_value_floor", DeathEvent(9000, 9000, 9000, false))
	assert.Equal(t, "", DeathEvent(50000, 60000, 50000, false))
}

func TestCensorEvent_Branches(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "inactivity_30d", CensorEvent(now.Add(-40*24*time.Hour), now, true))
	assert.Equal(t, "lost_btc_eth_trading", CensorEvent(now.Add(-1*time.Hour), now, false))
	assert.Equal(t, "", CensorEvent(now.Add(-1*time.Hour), now, true))
}

func TestSnapshotJob_Run_EffectSizeFloorAppliedAfterFDR(t *testing.T) {
	store := &fakeSnapshotStore{}
	job := NewSnapshotJob(store)
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	strongR := []float64{0.3, 0.35, 0.28, 0.32, 0.31, 0.29, 0.33}
	weakR := []float64{0.01, 0.015, 0.012, 0.018, 0.011, 0.013, 0.016}

	features := []AddressFeatures{
		{Address: "0xstrong", RValues: strongR, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
		{Address: "0xweak", RValues: weakR, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
	}

	err := job.Run(context.Background(), now, 1, features, now)
	require.NoError(t, err)
	require.Len(t, store.inserted, 2)

	var strong, weak model.TraderSnapshot
	for _, sn := range store.inserted {
		if sn.Address == "0xstrong" {
			strong = sn
		}
		if sn.Address == "0xweak" {
			weak = sn
		}
	}
	assert.True(t, strong.Qualified)
	assert.False(t, weak.Qualified) // BH-qualified but below the 0.05 effect-size floor
}

func TestSnapshotJob_Run_ClassifiesPromotedAndDemoted(t *testing.T) {
	store := &fakeSnapshotStore{}
	job := NewSnapshotJob(store)
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	features := []AddressFeatures{
		{Address: "0xpromoted", PoolSelected: true, WasPoolSelected: false, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
		{Address: "0xdemoted", PoolSelected: false, WasPoolSelected: true, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
		{Address: "0xactive", PoolSelected: true, WasPoolSelected: true, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
		{Address: "0xentered", PoolSelected: false, WasPoolSelected: false, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
	}

	err := job.Run(context.Background(), now, 1, features, now)
	require.NoError(t, err)

	byAddr := make(map[model.Address]model.TraderSnapshot)
	for _, sn := range store.inserted {
		byAddr[sn.Address] = sn
	}
	assert.Equal(t, "promoted", byAddr["0xpromoted"].EventType)
	assert.Equal(t, "demoted", byAddr["0xdemoted"].EventType)
	assert.Equal(t, "active", byAddr["0xactive"].EventType)
	assert.Equal(t, "entered", byAddr["0xentered"].EventType)
}

func TestSnapshotJob_Run_DeathAndCensorTakePrecedenceOverLifecycle(t *testing.T) {
	store := &fakeSnapshotStore{}
	job := NewSnapshotJob(store)
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	features := []AddressFeatures{
		{Address: "0xliquidated", PoolSelected: true, Liquidated: true, LastActivity: now, HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
		{Address: "0xinactive", PoolSelected: true, LastActivity: now.Add(-40 * 24 * time.Hour), HasBTCETHHistory: true, AccountValue: 50000, CurrentEquity: 50000, PeakEquity: 50000},
	}

	err := job.Run(context.Background(), now, 1, features, now)
	require.NoError(t, err)

	byAddr := make(map[model.Address]model.TraderSnapshot)
	for _, sn := range store.inserted {
		byAddr[sn.Address] = sn
	}
	assert.Equal(t, "death", byAddr["0xliquidated"].EventType)
	assert.Equal(t, "liquidation", byAddr["0xliquidated"].EventSubType)
	assert.Equal(t, "censored", byAddr["0xinactive"].EventType)
	assert.Equal(t, "inactivity_30d", byAddr["0xinactive"].EventSubType)
}
