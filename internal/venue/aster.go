package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2/futures"
)

// asterVenue targets Aster DEX, whose perpetuals REST surface mirrors
// Binance Futures closely enough that the teacher's own Aster wiring
// (AsterUser/AsterSigner/AsterPrivateKey) sits next to its Binance wiring.
// We reuse the Binance Futures SDK pointed at Aster's base URL.
type asterVenue struct {
	mu       sync.RWMutex
	client   *binance.Client
	feeCache map[string]FeeSchedule
	stagger  time.Duration
}

const asterBaseURL = "https://fapi.asterdex.com"

func newAsterVenue(cfg Config) (Venue, error) {
	if cfg.AsterSigner == "" || cfg.AsterPrivateKey == "" {
		return nil, fmt.Errorf("venue: aster requires a signer address and API-wallet private key")
	}
	client := binance.NewClient(cfg.AsterSigner, cfg.AsterPrivateKey)
	client.BaseURL = asterBaseURL
	stagger := cfg.StaggerDelay[string(Aster)]
	if stagger == 0 {
		stagger = 300 * time.Millisecond
	}
	return &asterVenue{client: client, feeCache: make(map[string]FeeSchedule), stagger: stagger}, nil
}

func (v *asterVenue) Name() Name { return Aster }

func (v *asterVenue) Connect(ctx context.Context) error {
	_, err := v.client.NewGetAccountService().Do(ctx)
	return err
}

func (v *asterVenue) Balance(ctx context.Context) (Account, error) {
	acc, err := v.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Account{}, err
	}
	equity := parseF(acc.TotalWalletBalance)
	return Account{
		Equity:            equity,
		AvailableBalance:  parseF(acc.AvailableBalance),
		MaintenanceMargin: parseF(acc.TotalMaintMargin),
		UnrealizedPnL:     parseF(acc.TotalUnrealizedProfit),
	}, nil
}

func (v *asterVenue) Positions(ctx context.Context) ([]Position, error) {
	risks, err := v.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(risks))
	for _, r := range risks {
		amt := parseF(r.PositionAmt)
		if amt == 0 {
			continue
		}
		dir := "long"
		if amt < 0 {
			dir = "short"
		}
		out = append(out, Position{
			Asset: string(r.Symbol), Direction: dir, Size: amt,
			EntryPrice: parseF(r.EntryPrice), MarkPrice: parseF(r.MarkPrice),
			LiquidationPrice: parseF(r.LiquidationPrice), Leverage: parseF(r.Leverage),
		})
	}
	return out, nil
}

func (v *asterVenue) MarketOrder(ctx context.Context, asset, direction string, notionalUSD float64, slippageTolerance float64) (OrderResult, error) {
	side := binance.SideTypeBuy
	if direction == "short" {
		side = binance.SideTypeSell
	}
	mark, err := v.MarkPrice(ctx, asset)
	if err != nil || mark == 0 {
		return OrderResult{}, fmt.Errorf("venue: aster could not price order: %w", err)
	}
	qty := fmt.Sprintf("%.6f", notionalUSD/mark)
	order, err := v.client.NewCreateOrderService().
		Symbol(symbolFor(asset)).Side(side).Type(binance.OrderTypeMarket).Quantity(qty).Do(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: fmt.Sprintf("%d", order.OrderID), FilledSize: parseF(order.ExecutedQuantity), FilledPrice: parseF(order.AvgPrice)}, nil
}

func (v *asterVenue) ClosePosition(ctx context.Context, asset string) (OrderResult, error) {
	order, err := v.client.NewCreateOrderService().
		Symbol(symbolFor(asset)).Type(binance.OrderTypeMarket).ReduceOnly(true).Do(ctx)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: fmt.Sprintf("%d", order.OrderID)}, nil
}

func (v *asterVenue) SetLeverage(ctx context.Context, asset string, leverage float64) error {
	_, err := v.client.NewChangeLeverageService().Symbol(symbolFor(asset)).Leverage(int(leverage)).Do(ctx)
	return err
}

func (v *asterVenue) PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (StopPair, error) {
	sl, err := v.client.NewCreateOrderService().Symbol(symbolFor(asset)).
		Type(binance.OrderTypeStopMarket).StopPrice(fmt.Sprintf("%v", stopPrice)).
		Quantity(fmt.Sprintf("%v", size)).ReduceOnly(true).Do(ctx)
	if err != nil {
		return StopPair{}, fmt.Errorf("venue: aster stop-loss: %w", err)
	}
	tp, err := v.client.NewCreateOrderService().Symbol(symbolFor(asset)).
		Type(binance.OrderTypeTakeProfitMarket).StopPrice(fmt.Sprintf("%v", takeProfitPrice)).
		Quantity(fmt.Sprintf("%v", size)).ReduceOnly(true).Do(ctx)
	if err != nil {
		return StopPair{}, fmt.Errorf("venue: aster take-profit: %w", err)
	}
	return StopPair{SLOrderID: fmt.Sprintf("%d", sl.OrderID), TPOrderID: fmt.Sprintf("%d", tp.OrderID)}, nil
}

func (v *asterVenue) CancelStops(ctx context.Context, asset string, pair StopPair) error {
	if pair.SLOrderID != "" {
		if err := v.client.NewCancelOrderService().Symbol(symbolFor(asset)).OrigClientOrderID(pair.SLOrderID).Do(ctx); err != nil {
			return err
		}
	}
	if pair.TPOrderID != "" {
		if err := v.client.NewCancelOrderService().Symbol(symbolFor(asset)).OrigClientOrderID(pair.TPOrderID).Do(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (v *asterVenue) MarkPrice(ctx context.Context, asset string) (float64, error) {
	prices, err := v.client.NewMarkPriceService().Symbol(symbolFor(asset)).Do(ctx)
	if err != nil || len(prices) == 0 {
		return 0, fmt.Errorf("venue: aster has no mark price for %s: %w", asset, err)
	}
	return parseF(prices[0].MarkPrice), nil
}

func (v *asterVenue) SupportsNativeStops() bool { return true }

func (v *asterVenue) Fees(ctx context.Context, asset string) (FeeSchedule, error) {
	v.mu.RLock()
	cached, ok := v.feeCache[asset]
	v.mu.RUnlock()
	if ok && time.Now().Before(cached.StaleAfter) {
		return cached, nil
	}
	rates, err := v.client.NewFundingRateService().Symbol(symbolFor(asset)).Do(ctx)
	if err != nil || len(rates) == 0 {
		if ok {
			return cached, nil
		}
		return FeeSchedule{TakerFeeBps: 4.0}, nil
	}
	fs := FeeSchedule{TakerFeeBps: 4.0, FundingRateBp: parseF(rates[len(rates)-1].FundingRate) * 10000, StaleAfter: time.Now().Add(5 * time.Minute)}
	v.mu.Lock()
	v.feeCache[asset] = fs
	v.mu.Unlock()
	return fs, nil
}

func (v *asterVenue) OrderbookSlippage(ctx context.Context, asset string, direction string, notionalUSD float64) (float64, error) {
	depth, err := v.client.NewDepthService().Symbol(symbolFor(asset)).Limit(50).Do(ctx)
	if err != nil {
		return 0, err
	}
	bids := make([]BookLevel, 0, len(depth.Bids))
	for _, b := range depth.Bids {
		bids = append(bids, BookLevel{Price: parseF(b.Price), Size: parseF(b.Quantity)})
	}
	asks := make([]BookLevel, 0, len(depth.Asks))
	for _, a := range depth.Asks {
		asks = append(asks, BookLevel{Price: parseF(a.Price), Size: parseF(a.Quantity)})
	}
	return walkBookSlippageBps(bids, asks, direction, notionalUSD)
}

func (v *asterVenue) StaggerDelay() time.Duration { return v.stagger }
