package scout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

func goodCandidate(addr model.Address) RawCandidate {
	return RawCandidate{
		Address:             addr,
		PnL30D:              50_000,
		ROI30D:              0.25,
		AccountValue:        200_000,
		WeeklyVolume:        1_000_000,
		OrdersPerDay:        10,
		WinRate:             0.6,
		DailyPnL:            []float64{100, 120, 90, 110, 105},
		HasSubaccountMarker: false,
		HasBTCETHHistory:    true,
	}
}

func TestPassesQualityGates_RejectsEachFloorIndividually(t *testing.T) {
	base := goodCandidate("0xgood")
	require.True(t, PassesQualityGates(base))

	lowPnL := base
	lowPnL.PnL30D = 1000
	assert.False(t, PassesQualityGates(lowPnL))

	lowROI := base
	lowROI.ROI30D = 0.01
	assert.False(t, PassesQualityGates(lowROI))

	lowAccount := base
	lowAccount.AccountValue = 1000
	assert.False(t, PassesQualityGates(lowAccount))

	noVolume := base
	noVolume.WeeklyVolume = 0
	assert.False(t, PassesQualityGates(noVolume))

	hft := base
	hft.OrdersPerDay = 500
	assert.False(t, PassesQualityGates(hft))

	subaccount := base
	subaccount.HasSubaccountMarker = true
	assert.False(t, PassesQualityGates(subaccount))

	noHistory := base
	noHistory.HasBTCETHHistory = false
	assert.False(t, PassesQualityGates(noHistory))
}

func TestRankAndSelect_FiltersAndNormalizesWeights(t *testing.T) {
	candidates := []RawCandidate{
		goodCandidate("0xa"),
		goodCandidate("0xb"),
	}
	failing := goodCandidate("0xc")
	failing.AccountValue = 0
	candidates = append(candidates, failing)

	entries := RankAndSelect(candidates, DefaultTopK)
	require.Len(t, entries, 2)

	var total float64
	for _, e := range entries {
		total += e.Weight
		assert.Greater(t, e.Weight, 0.0)
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestRankAndSelect_TruncatesToTopK(t *testing.T) {
	var candidates []RawCandidate
	for i := 0; i < 20; i++ {
		c := goodCandidate(model.Address("0x" + string(rune('a'+i))))
		c.PnL30D = float64(10_000 + i*1000)
		candidates = append(candidates, c)
	}
	entries := RankAndSelect(candidates, 5)
	require.Len(t, entries, 5)
	// highest PnL candidate (i=19, "0xt") should rank first
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, model.Address("0xt"), entries[0].Address)
}

func TestRankAndSelect_EmptyWhenNoSurvivors(t *testing.T) {
	c := goodCandidate("0xfail")
	c.PnL30D = 0
	entries := RankAndSelect([]RawCandidate{c}, DefaultTopK)
	assert.Empty(t, entries)
}

func TestWinRateScore_PenalizesBothExtremes(t *testing.T) {
	perfectHighVolume := winRateScore(0.99, 50)
	nearZero := winRateScore(0.01, 5)
	realistic := winRateScore(0.6, 5)

	assert.Less(t, perfectHighVolume, realistic)
	assert.Less(t, nearZero, realistic)
}
