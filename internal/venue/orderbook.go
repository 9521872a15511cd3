package venue

import "fmt"

// BookLevel is a single price/size level of an orderbook side.
type BookLevel struct {
	Price float64
	Size  float64
}

// walkBookSlippageBps walks the relevant side of the book (asks to buy,
// bids to sell) accumulating notional until notionalUSD is filled, and
// returns the volume-weighted slippage versus the top-of-book price in
// bps. Used by every venue adapter so gate G5's EV comparison sizes
// slippage at the actual Kelly-sized notional rather than a reference size
// (spec.md §4.2.2 per-venue EV).
func walkBookSlippageBps(bids, asks []BookLevel, direction string, notionalUSD float64) (float64, error) {
	levels := asks
	if direction == "short" {
		levels = bids
	}
	if len(levels) == 0 {
		return 0, fmt.Errorf("venue: empty orderbook side")
	}
	top := levels[0].Price
	remaining := notionalUSD
	var weightedPx, filledUSD float64
	for _, lvl := range levels {
		levelUSD := lvl.Price * lvl.Size
		take := levelUSD
		if take > remaining {
			take = remaining
		}
		weightedPx += take * lvl.Price
		filledUSD += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if filledUSD == 0 {
		return 0, fmt.Errorf("venue: could not fill requested notional against book depth")
	}
	avgPx := weightedPx / filledUSD
	slippage := (avgPx - top) / top
	if direction == "short" {
		slippage = -slippage
	}
	if slippage < 0 {
		slippage = -slippage
	}
	return slippage * 10000, nil
}
