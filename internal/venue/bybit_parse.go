package venue

import (
	"encoding/json"
	"fmt"
	"strconv"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// Bybit's HTTP client returns a *bybit.ServerResponse whose Result field is
// raw JSON; these helpers unmarshal the small slice of fields SigmaPilot
// actually needs, ignoring the rest per spec.md §6's "unknown-fields-ignored
// policy" applied symmetrically to venue responses.

func bybitResult(resp *bybit.ServerResponse) (json.RawMessage, error) {
	if resp == nil {
		return nil, fmt.Errorf("venue: bybit returned a nil response")
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("venue: bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func parseBybitAccount(resp *bybit.ServerResponse) Account {
	raw, err := bybitResult(resp)
	if err != nil {
		return Account{}
	}
	var body struct {
		List []struct {
			TotalEquity             string `json:"totalEquity"`
			TotalAvailableBalance    string `json:"totalAvailableBalance"`
			TotalMaintenanceMargin   string `json:"totalMaintenanceMargin"`
			TotalPerpUPL             string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if json.Unmarshal(raw, &body) != nil || len(body.List) == 0 {
		return Account{}
	}
	row := body.List[0]
	return Account{
		Equity:            parseF(row.TotalEquity),
		AvailableBalance:  parseF(row.TotalAvailableBalance),
		MaintenanceMargin: parseF(row.TotalMaintenanceMargin),
		UnrealizedPnL:     parseF(row.TotalPerpUPL),
	}
}

func parseBybitPositions(resp *bybit.ServerResponse) []Position {
	raw, err := bybitResult(resp)
	if err != nil {
		return nil
	}
	var body struct {
		List []struct {
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			Size         string `json:"size"`
			AvgPrice     string `json:"avgPrice"`
			MarkPrice    string `json:"markPrice"`
			LiqPrice     string `json:"liqPrice"`
			Leverage     string `json:"leverage"`
		} `json:"list"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return nil
	}
	out := make([]Position, 0, len(body.List))
	for _, row := range body.List {
		if parseF(row.Size) == 0 {
			continue
		}
		dir := "long"
		if row.Side == "Sell" {
			dir = "short"
		}
		out = append(out, Position{
			Asset: row.Symbol, Direction: dir, Size: parseF(row.Size),
			EntryPrice: parseF(row.AvgPrice), MarkPrice: parseF(row.MarkPrice),
			LiquidationPrice: parseF(row.LiqPrice), Leverage: parseF(row.Leverage),
		})
	}
	return out
}

func parseBybitOrderResult(resp *bybit.ServerResponse) OrderResult {
	raw, err := bybitResult(resp)
	if err != nil {
		return OrderResult{}
	}
	var body struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(raw, &body)
	return OrderResult{OrderID: body.OrderID}
}

func parseBybitStopPair(resp *bybit.ServerResponse) StopPair {
	// Bybit's trading-stop endpoint manages SL/TP as position attributes,
	// not separate order IDs; we key cancellation off the symbol instead.
	return StopPair{SLOrderID: "position-stop", TPOrderID: "position-stop"}
}

func parseBybitMarkPrice(resp *bybit.ServerResponse) (float64, error) {
	raw, err := bybitResult(resp)
	if err != nil {
		return 0, err
	}
	var body struct {
		List []struct {
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	if json.Unmarshal(raw, &body) != nil || len(body.List) == 0 {
		return 0, fmt.Errorf("venue: bybit ticker response missing markPrice")
	}
	return parseF(body.List[0].MarkPrice), nil
}

func parseBybitFees(resp *bybit.ServerResponse) FeeSchedule {
	raw, err := bybitResult(resp)
	if err != nil {
		return FeeSchedule{TakerFeeBps: 5.5}
	}
	var body struct {
		List []struct {
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if json.Unmarshal(raw, &body) != nil || len(body.List) == 0 {
		return FeeSchedule{TakerFeeBps: 5.5}
	}
	return FeeSchedule{TakerFeeBps: parseF(body.List[0].TakerFeeRate) * 10000}
}

func parseBybitBook(resp *bybit.ServerResponse) (bids, asks []BookLevel) {
	raw, err := bybitResult(resp)
	if err != nil {
		return nil, nil
	}
	var body struct {
		B [][2]string `json:"b"`
		A [][2]string `json:"a"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return nil, nil
	}
	for _, lvl := range body.B {
		bids = append(bids, BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
	}
	for _, lvl := range body.A {
		asks = append(asks, BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
	}
	return bids, asks
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
