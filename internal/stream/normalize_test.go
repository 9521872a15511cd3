package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

func TestNormalize_SameInputProducesSameDedupHash(t *testing.T) {
	raw := RawFill{
		Address:           "0xabc",
		Asset:             model.AssetBTC,
		Side:              model.SideBuy,
		Size:              1.5,
		Price:             60000,
		StartPosition:     0,
		ResultingPosition: 1.5,
		TS:                1700000000000,
		ActionLabel:       "open",
		VenueFillID:       "fill-1",
	}

	a := Normalize(raw)
	b := Normalize(raw)
	assert.Equal(t, a.DedupHash, b.DedupHash)
	assert.NotEmpty(t, a.DedupHash)
}

func TestNormalize_DifferentFillsProduceDifferentHashes(t *testing.T) {
	raw1 := RawFill{Address: "0xabc", Asset: model.AssetBTC, Side: model.SideBuy, Size: 1, Price: 100, ResultingPosition: 1, TS: 1700000000000, VenueFillID: "f1"}
	raw2 := raw1
	raw2.VenueFillID = "f2"
	raw2.ResultingPosition = 2

	a := Normalize(raw1)
	b := Normalize(raw2)
	assert.NotEqual(t, a.DedupHash, b.DedupHash)
}

func TestNormalize_SignedSizeMatchesSide(t *testing.T) {
	buy := Normalize(RawFill{Side: model.SideBuy, Size: 2, TS: 1700000000000})
	sell := Normalize(RawFill{Side: model.SideSell, Size: 2, TS: 1700000000000})

	assert.Equal(t, 2.0, buy.SignedSize())
	assert.Equal(t, -2.0, sell.SignedSize())
}
