package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// bybitVenue is one of the EV-routed execution venues. Grounded on the
// teacher's NewBybitTrader wiring (BybitAPIKey/BybitSecretKey).
type bybitVenue struct {
	mu       sync.RWMutex
	client   *bybit.Client
	feeCache map[string]FeeSchedule
	stagger  time.Duration
}

func newBybitVenue(cfg Config) (Venue, error) {
	if cfg.BybitAPIKey == "" || cfg.BybitAPISecret == "" {
		return nil, fmt.Errorf("venue: bybit requires an API key and secret")
	}
	domain := bybit.MAINNET
	if cfg.BybitTestnet {
		domain = bybit.TESTNET
	}
	client := bybit.NewBybitHttpClient(cfg.BybitAPIKey, cfg.BybitAPISecret, bybit.WithBaseURL(domain))
	stagger := cfg.StaggerDelay[string(Bybit)]
	if stagger == 0 {
		stagger = 750 * time.Millisecond
	}
	return &bybitVenue{client: client, feeCache: make(map[string]FeeSchedule), stagger: stagger}, nil
}

func (v *bybitVenue) Name() Name { return Bybit }

func (v *bybitVenue) Connect(ctx context.Context) error {
	_, err := v.client.NewUtaBybitServiceWithParams(map[string]interface{}{"accountType": "UNIFIED"}).GetAccountInfo(ctx)
	return err
}

func (v *bybitVenue) Balance(ctx context.Context) (Account, error) {
	resp, err := v.client.NewUtaBybitServiceWithParams(map[string]interface{}{"accountType": "UNIFIED"}).GetWalletBalance(ctx)
	if err != nil {
		return Account{}, err
	}
	return parseBybitAccount(resp), nil
}

func (v *bybitVenue) Positions(ctx context.Context) ([]Position, error) {
	resp, err := v.client.NewUtaBybitServiceWithParams(map[string]interface{}{"category": "linear"}).GetPositionInfo(ctx)
	if err != nil {
		return nil, err
	}
	return parseBybitPositions(resp), nil
}

func (v *bybitVenue) MarketOrder(ctx context.Context, asset, direction string, notionalUSD float64, slippageTolerance float64) (OrderResult, error) {
	side := "Buy"
	if direction == "short" {
		side = "Sell"
	}
	mark, err := v.MarkPrice(ctx, asset)
	if err != nil || mark == 0 {
		return OrderResult{}, fmt.Errorf("venue: bybit could not price order: %w", err)
	}
	params := map[string]interface{}{
		"category": "linear", "symbol": symbolFor(asset), "side": side,
		"orderType": "Market", "qty": notionalToQty(notionalUSD, mark),
	}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	return parseBybitOrderResult(resp), nil
}

func (v *bybitVenue) ClosePosition(ctx context.Context, asset string) (OrderResult, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset), "reduceOnly": true}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	return parseBybitOrderResult(resp), nil
}

func (v *bybitVenue) SetLeverage(ctx context.Context, asset string, leverage float64) error {
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset), "buyLeverage": fmt.Sprintf("%v", leverage), "sellLeverage": fmt.Sprintf("%v", leverage)}
	_, err := v.client.NewUtaBybitServiceWithParams(params).SetLeverage(ctx)
	return err
}

func (v *bybitVenue) PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (StopPair, error) {
	params := map[string]interface{}{
		"category": "linear", "symbol": symbolFor(asset),
		"stopLoss": fmt.Sprintf("%v", stopPrice), "takeProfit": fmt.Sprintf("%v", takeProfitPrice),
	}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).SetTradingStop(ctx)
	if err != nil {
		return StopPair{}, err
	}
	return parseBybitStopPair(resp), nil
}

func (v *bybitVenue) CancelStops(ctx context.Context, asset string, pair StopPair) error {
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset), "stopLoss": "0", "takeProfit": "0"}
	_, err := v.client.NewUtaBybitServiceWithParams(params).SetTradingStop(ctx)
	return err
}

func (v *bybitVenue) MarkPrice(ctx context.Context, asset string) (float64, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset)}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).GetTickers(ctx)
	if err != nil {
		return 0, err
	}
	return parseBybitMarkPrice(resp)
}

func (v *bybitVenue) SupportsNativeStops() bool { return true }

func (v *bybitVenue) Fees(ctx context.Context, asset string) (FeeSchedule, error) {
	v.mu.RLock()
	cached, ok := v.feeCache[asset]
	v.mu.RUnlock()
	if ok && time.Now().Before(cached.StaleAfter) {
		return cached, nil
	}
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset)}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).GetFeeRate(ctx)
	if err != nil {
		if ok {
			return cached, nil
		}
		return FeeSchedule{TakerFeeBps: 5.5, FundingRateBp: 0}, nil
	}
	fs := parseBybitFees(resp)
	fs.StaleAfter = time.Now().Add(5 * time.Minute)
	v.mu.Lock()
	v.feeCache[asset] = fs
	v.mu.Unlock()
	return fs, nil
}

func (v *bybitVenue) OrderbookSlippage(ctx context.Context, asset string, direction string, notionalUSD float64) (float64, error) {
	params := map[string]interface{}{"category": "linear", "symbol": symbolFor(asset), "limit": 50}
	resp, err := v.client.NewUtaBybitServiceWithParams(params).GetOrderbook(ctx)
	if err != nil {
		return 0, err
	}
	bids, asks := parseBybitBook(resp)
	return walkBookSlippageBps(bids, asks, direction, notionalUSD)
}

func (v *bybitVenue) StaggerDelay() time.Duration { return v.stagger }

func symbolFor(asset string) string { return asset + "USDT" }

func notionalToQty(notionalUSD, markPrice float64) string {
	return fmt.Sprintf("%.6f", notionalUSD/markPrice)
}
