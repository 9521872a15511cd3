package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkBookSlippageBps_BuysWalkAsks(t *testing.T) {
	asks := []BookLevel{
		{Price: 100, Size: 1},
		{Price: 101, Size: 10},
	}
	bps, err := walkBookSlippageBps(nil, asks, "long", 150)
	require.NoError(t, err)
	assert.Greater(t, bps, 0.0)
}

func TestWalkBookSlippageBps_SellsWalkBids(t *testing.T) {
	bids := []BookLevel{
		{Price: 100, Size: 1},
		{Price: 99, Size: 10},
	}
	bps, err := walkBookSlippageBps(bids, nil, "short", 150)
	require.NoError(t, err)
	assert.Greater(t, bps, 0.0)
}

func TestWalkBookSlippageBps_ErrorsOnEmptySide(t *testing.T) {
	_, err := walkBookSlippageBps(nil, nil, "long", 100)
	assert.Error(t, err)
}

func TestWalkBookSlippageBps_PartialFillOnInsufficientDepth(t *testing.T) {
	asks := []BookLevel{{Price: 100, Size: 0.01}}
	_, err := walkBookSlippageBps(nil, asks, "long", 100000)
	// Still fills partially against the single level and returns a result;
	// only a side with no levels, or no size at any level, is an error.
	assert.NoError(t, err)
}
