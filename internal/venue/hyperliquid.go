package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	hyperliquid "github.com/sonirico/go-hyperliquid"
)

// hyperliquidVenue is the primary venue: it is both Stream's live fill/
// position source and one of the EV-routed execution venues. The adapter is
// intentionally thin — per spec.md §1, the venue's REST/WS client is an
// external collaborator specified only at its interface.
type hyperliquidVenue struct {
	mu        sync.RWMutex
	client    *hyperliquid.Client
	wallet    string
	testnet   bool
	feeCache  map[string]FeeSchedule
	stagger   time.Duration
}

func newHyperliquidVenue(cfg Config) (Venue, error) {
	if cfg.HyperliquidPrivateKey == "" || cfg.HyperliquidWallet == "" {
		return nil, fmt.Errorf("venue: hyperliquid requires a private key and wallet address")
	}
	client, err := hyperliquid.NewClient(hyperliquid.ClientConfig{
		PrivateKey: cfg.HyperliquidPrivateKey,
		Address:    cfg.HyperliquidWallet,
		Testnet:    cfg.HyperliquidTestnet,
	})
	if err != nil {
		return nil, fmt.Errorf("venue: hyperliquid client: %w", err)
	}
	stagger := cfg.StaggerDelay[string(Hyperliquid)]
	if stagger == 0 {
		stagger = 300 * time.Millisecond
	}
	return &hyperliquidVenue{
		client:   client,
		wallet:   cfg.HyperliquidWallet,
		testnet:  cfg.HyperliquidTestnet,
		feeCache: make(map[string]FeeSchedule),
		stagger:  stagger,
	}, nil
}

func (v *hyperliquidVenue) Name() Name { return Hyperliquid }

func (v *hyperliquidVenue) Connect(ctx context.Context) error {
	_, err := v.client.Info().UserState(ctx, v.wallet)
	return err
}

func (v *hyperliquidVenue) Balance(ctx context.Context) (Account, error) {
	state, err := v.client.Info().UserState(ctx, v.wallet)
	if err != nil {
		return Account{}, err
	}
	return Account{
		Equity:            state.MarginSummary.AccountValue,
		AvailableBalance:  state.MarginSummary.AccountValue - state.MarginSummary.TotalMarginUsed,
		MaintenanceMargin: state.MarginSummary.TotalMaintenanceMargin,
		UnrealizedPnL:     state.MarginSummary.TotalUnrealizedPnl,
	}, nil
}

func (v *hyperliquidVenue) Positions(ctx context.Context) ([]Position, error) {
	state, err := v.client.Info().UserState(ctx, v.wallet)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		dir := "long"
		if ap.Position.Szi < 0 {
			dir = "short"
		}
		out = append(out, Position{
			Asset:            ap.Position.Coin,
			Direction:        dir,
			Size:             ap.Position.Szi,
			EntryPrice:       ap.Position.EntryPx,
			LiquidationPrice: ap.Position.LiquidationPx,
			Leverage:         float64(ap.Position.Leverage.Value),
		})
	}
	return out, nil
}

func (v *hyperliquidVenue) MarketOrder(ctx context.Context, asset, direction string, notionalUSD float64, slippageTolerance float64) (OrderResult, error) {
	isBuy := direction == "long"
	resp, err := v.client.Exchange().MarketOpen(ctx, asset, isBuy, notionalUSD, slippageTolerance)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{
		OrderID:     resp.OrderID,
		FilledSize:  resp.FilledSize,
		FilledPrice: resp.AvgPrice,
	}, nil
}

func (v *hyperliquidVenue) ClosePosition(ctx context.Context, asset string) (OrderResult, error) {
	resp, err := v.client.Exchange().MarketClose(ctx, asset)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: resp.OrderID, FilledSize: resp.FilledSize, FilledPrice: resp.AvgPrice}, nil
}

func (v *hyperliquidVenue) SetLeverage(ctx context.Context, asset string, leverage float64) error {
	return v.client.Exchange().UpdateLeverage(ctx, asset, int(leverage), false)
}

func (v *hyperliquidVenue) PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (StopPair, error) {
	sl, err := v.client.Exchange().PlaceTriggerOrder(ctx, asset, false, size, stopPrice, true)
	if err != nil {
		return StopPair{}, fmt.Errorf("venue: hyperliquid stop-loss: %w", err)
	}
	tp, err := v.client.Exchange().PlaceTriggerOrder(ctx, asset, false, size, takeProfitPrice, false)
	if err != nil {
		return StopPair{}, fmt.Errorf("venue: hyperliquid take-profit: %w", err)
	}
	return StopPair{SLOrderID: sl.OrderID, TPOrderID: tp.OrderID}, nil
}

func (v *hyperliquidVenue) CancelStops(ctx context.Context, asset string, pair StopPair) error {
	if pair.SLOrderID != "" {
		if err := v.client.Exchange().CancelOrder(ctx, asset, pair.SLOrderID); err != nil {
			return err
		}
	}
	if pair.TPOrderID != "" {
		if err := v.client.Exchange().CancelOrder(ctx, asset, pair.TPOrderID); err != nil {
			return err
		}
	}
	return nil
}

func (v *hyperliquidVenue) MarkPrice(ctx context.Context, asset string) (float64, error) {
	mids, err := v.client.Info().AllMids(ctx)
	if err != nil {
		return 0, err
	}
	px, ok := mids[asset]
	if !ok {
		return 0, fmt.Errorf("venue: hyperliquid has no mid price for %s", asset)
	}
	return px, nil
}

func (v *hyperliquidVenue) SupportsNativeStops() bool { return true }

func (v *hyperliquidVenue) Fees(ctx context.Context, asset string) (FeeSchedule, error) {
	v.mu.RLock()
	cached, ok := v.feeCache[asset]
	v.mu.RUnlock()
	if ok && time.Now().Before(cached.StaleAfter) {
		return cached, nil
	}

	meta, err := v.client.Info().MetaAndAssetCtxs(ctx)
	if err != nil {
		if ok {
			return cached, nil // static fallback on provider failure, per spec.md §5
		}
		return FeeSchedule{TakerFeeBps: 3.5, FundingRateBp: 0}, nil
	}
	fs := FeeSchedule{
		TakerFeeBps:   meta.TakerFeeBpsFor(asset),
		FundingRateBp: meta.FundingRateBpsFor(asset),
		StaleAfter:    time.Now().Add(5 * time.Minute),
	}
	v.mu.Lock()
	v.feeCache[asset] = fs
	v.mu.Unlock()
	return fs, nil
}

func (v *hyperliquidVenue) OrderbookSlippage(ctx context.Context, asset string, direction string, notionalUSD float64) (float64, error) {
	book, err := v.client.Info().L2Book(ctx, asset)
	if err != nil {
		return 0, err
	}
	return walkBookSlippageBps(book.Bids, book.Asks, direction, notionalUSD)
}

func (v *hyperliquidVenue) StaggerDelay() time.Duration { return v.stagger }
