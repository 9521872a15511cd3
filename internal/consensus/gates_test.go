package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

type fixedRho struct{ rho float64 }

func (f fixedRho) Rho(a, b model.Address) (float64, bool) { return f.rho, true }

func equalVotes(n int, dir model.Direction, price float64, ts time.Time) []Vote {
	votes := make([]Vote, n)
	for i := range votes {
		votes[i] = Vote{Address: model.Address(string(rune('a' + i))), Direction: dir, EntryPrice: price, Weight: 1.0, TS: ts}
	}
	return votes
}

func TestGateFailSkip_SupermajorityBelowThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	ts := now.Add(-30 * time.Second)
	votes := append(equalVotes(4, model.DirectionLong, 43150, ts), equalVotes(6, model.DirectionShort, 43150, ts)...)

	res := Evaluate("BTC", votes, now, DefaultFreshnessWindow, fixedRho{0.3}, 0.3,
		43150, 100, 2.0, 2.0, 1.0, 1.0, []VenueEV{{Venue: "hyperliquid", FeesBps: 5, SlippageBps: 2, FundingBps: 1}}, "hyperliquid")

	assert.False(t, res.Pass)
	assert.InDelta(t, 0.6, res.MajorityPct, 1e-9)
	assert.Equal(t, "G1_supermajority", res.Gates[0].Name)
	assert.Contains(t, res.Reasoning, "G1_supermajority")
}

func TestGateSignalFires_AllGatesPass(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	ts := now.Add(-30 * time.Second)
	votes := append(equalVotes(8, model.DirectionLong, 43150, ts), equalVotes(2, model.DirectionShort, 43150, ts)...)

	venues := []VenueEV{{Venue: "hyperliquid", FeesBps: 5, SlippageBps: 2, FundingBps: 1}}
	res := Evaluate("BTC", votes, now, DefaultFreshnessWindow, fixedRho{0.3}, 0.3,
		43160, 170/2.0, 2.0, 2.0, 1.0, 1.0, venues, "hyperliquid")

	assert.True(t, res.Pass)
	assert.Equal(t, model.DirectionLong, res.Direction)
	assert.Equal(t, "hyperliquid", res.TargetExchange)
	assert.Greater(t, res.EVNetR, 0.20)
	assert.Contains(t, res.Reasoning, "all gates passed")
}

func TestGateG4_FailsOnLargeDrift(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	ts := now.Add(-30 * time.Second)
	votes := append(equalVotes(8, model.DirectionLong, 43150, ts), equalVotes(2, model.DirectionShort, 43150, ts)...)

	venues := []VenueEV{{Venue: "hyperliquid", FeesBps: 5, SlippageBps: 2, FundingBps: 1}}
	res := Evaluate("BTC", votes, now, DefaultFreshnessWindow, fixedRho{0.3}, 0.3,
		43200, 85, 2.0, 2.0, 1.0, 1.0, venues, "hyperliquid")

	assert.False(t, res.Pass)
	var g4 *model.GateResult
	for i := range res.Gates {
		if res.Gates[i].Name == "G4_price_band" {
			g4 = &res.Gates[i]
		}
	}
	if assert.NotNil(t, g4) {
		assert.False(t, g4.Pass)
	}
}

func TestPWin_ClampedToBounds(t *testing.T) {
	assert.InDelta(t, 0.5, PWin(0.50, 4), 1e-9)
	// Unanimity with saturated effK tops out at 0.5+0.3*0.5 = 0.65, below the 0.85 cap.
	assert.InDelta(t, 0.65, PWin(1.0, 10), 1e-9)
	p := PWin(0.70, 3.2)
	assert.Greater(t, p, 0.5)
	assert.Less(t, p, 0.85)
}

func TestCooldown_SuppressesSignalAfterFiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var decisions []model.DecisionType
	provider := staticInputs{
		in: Inputs{
			CorrelationSource: fixedRho{0.3},
			DefaultRho:        0.3,
			ATR:               85,
			StopMultiplier:    2.0,
			RWin:              2.0,
			RLoss:             1.0,
			NotionalInR:       1.0,
			Venues:            []VenueEV{{Venue: "hyperliquid", FeesBps: 5, SlippageBps: 2, FundingBps: 1}},
			PreferredVenue:    "hyperliquid",
		},
	}
	m := NewAssetMachine(ctx, "BTC", provider, DefaultFreshnessWindow, DefaultCooldown, func(r Result, dt model.DecisionType) {
		decisions = append(decisions, dt)
	})
	m.UpdatePrice(43160)

	base := time.Now()
	for i := 0; i < 8; i++ {
		m.SubmitVote(Vote{Address: model.Address(string(rune('a' + i))), Direction: model.DirectionLong, EntryPrice: 43150, Weight: 1.0, TS: base})
	}
	for i := 0; i < 2; i++ {
		m.SubmitVote(Vote{Address: model.Address(string(rune('z' - i))), Direction: model.DirectionShort, EntryPrice: 43150, Weight: 1.0, TS: base})
	}

	// By the time all 10 votes are in, a signal has already fired (at the
	// 4th long vote, once effK reaches 2); the later votes land in cooldown.
	requireContains(t, decisions, model.DecisionSignal)

	m.SubmitVote(Vote{Address: "extra", Direction: model.DirectionLong, EntryPrice: 43150, Weight: 1.0, TS: base})
	assert.Equal(t, model.DecisionCooldown, decisions[len(decisions)-1])
}

func requireContains(t *testing.T, decisions []model.DecisionType, want model.DecisionType) {
	t.Helper()
	for _, d := range decisions {
		if d == want {
			return
		}
	}
	t.Fatalf("decisions %v does not contain %v", decisions, want)
}

type staticInputs struct{ in Inputs }

func (s staticInputs) Inputs(asset model.Asset) Inputs { return s.in }
