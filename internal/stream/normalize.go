package stream

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// RawFill is one venue-native fill event, before normalization into the
// canonical model.Fill shape of spec.md §3.
type RawFill struct {
	Address           model.Address
	Asset             model.Asset
	Side              model.Side
	Size              float64
	Price             float64
	StartPosition     float64
	ResultingPosition float64
	RealizedPnL       *float64
	TS                int64 // unix millis, venue-native
	ActionLabel       string
	VenueFillID       string
}

// Normalize converts a venue-native fill into the canonical shape and
// computes its dedup_hash, the idempotency key fills are inserted and
// deduplicated by (spec.md §4.2).
func Normalize(r RawFill) model.Fill {
	f := model.Fill{
		FillID:            r.VenueFillID,
		Address:           r.Address,
		Asset:             r.Asset,
		Side:              r.Side,
		Size:              r.Size,
		Price:             r.Price,
		StartPosition:     r.StartPosition,
		ResultingPosition: r.ResultingPosition,
		RealizedPnL:       r.RealizedPnL,
		TS:                millisToTime(r.TS),
		ActionLabel:       r.ActionLabel,
	}
	f.DedupHash = dedupHash(f)
	return f
}

// dedupHash is a blake2b-256 digest over the fields that uniquely identify
// a fill event, so a redelivered or re-polled copy of the same venue fill
// hashes identically regardless of which transport observed it.
func dedupHash(f model.Fill) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%.10f|%.10f|%.10f|%s",
		f.Address, f.Asset, f.Side, f.FillID, f.Size, f.Price, f.ResultingPosition, f.TS.UTC().Format("20060102150405.000"))
	sum := blake2b.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
