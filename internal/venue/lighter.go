package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	lighter "github.com/elliottech/lighter-go"
)

// lighterVenue is the supplemental fourth execution venue (SPEC_FULL.md §B):
// the teacher's config already carries full Lighter credentials even though
// no Lighter trader constructor survived into the retrieved slice, so this
// adapter completes that wiring.
type lighterVenue struct {
	mu       sync.RWMutex
	client   *lighter.Client
	feeCache map[string]FeeSchedule
	stagger  time.Duration
}

func newLighterVenue(cfg Config) (Venue, error) {
	if cfg.LighterWalletAddr == "" || cfg.LighterAPIKeyPrivateKey == "" {
		return nil, fmt.Errorf("venue: lighter requires a wallet address and API-key private key")
	}
	client, err := lighter.NewClient(lighter.Config{
		WalletAddress:     cfg.LighterWalletAddr,
		APIKeyPrivateKey:  cfg.LighterAPIKeyPrivateKey,
		APIKeyIndex:       cfg.LighterAPIKeyIndex,
		Testnet:           cfg.LighterTestnet,
	})
	if err != nil {
		return nil, fmt.Errorf("venue: lighter client: %w", err)
	}
	return &lighterVenue{client: client, feeCache: make(map[string]FeeSchedule), stagger: 300 * time.Millisecond}, nil
}

func (v *lighterVenue) Name() Name { return Lighter }

func (v *lighterVenue) Connect(ctx context.Context) error {
	_, err := v.client.AccountInfo(ctx)
	return err
}

func (v *lighterVenue) Balance(ctx context.Context) (Account, error) {
	info, err := v.client.AccountInfo(ctx)
	if err != nil {
		return Account{}, err
	}
	return Account{
		Equity:            info.Equity,
		AvailableBalance:  info.AvailableBalance,
		MaintenanceMargin: info.MaintenanceMargin,
		UnrealizedPnL:     info.UnrealizedPnL,
	}, nil
}

func (v *lighterVenue) Positions(ctx context.Context) ([]Position, error) {
	positions, err := v.client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		dir := "long"
		if p.Size < 0 {
			dir = "short"
		}
		out = append(out, Position{Asset: p.Market, Direction: dir, Size: p.Size, EntryPrice: p.EntryPrice, MarkPrice: p.MarkPrice, LiquidationPrice: p.LiquidationPrice})
	}
	return out, nil
}

func (v *lighterVenue) MarketOrder(ctx context.Context, asset, direction string, notionalUSD float64, slippageTolerance float64) (OrderResult, error) {
	isBuy := direction == "long"
	resp, err := v.client.PlaceMarketOrder(ctx, asset, isBuy, notionalUSD, slippageTolerance)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: resp.OrderID, FilledSize: resp.FilledSize, FilledPrice: resp.AvgPrice}, nil
}

func (v *lighterVenue) ClosePosition(ctx context.Context, asset string) (OrderResult, error) {
	resp, err := v.client.ClosePosition(ctx, asset)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: resp.OrderID, FilledSize: resp.FilledSize, FilledPrice: resp.AvgPrice}, nil
}

func (v *lighterVenue) SetLeverage(ctx context.Context, asset string, leverage float64) error {
	return v.client.SetLeverage(ctx, asset, int(leverage))
}

func (v *lighterVenue) PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (StopPair, error) {
	// Lighter has no native bracket-order support at the time of writing;
	// the executor falls back to polling-stop mode for this venue.
	return StopPair{}, fmt.Errorf("venue: lighter does not support native stops")
}

func (v *lighterVenue) CancelStops(ctx context.Context, asset string, pair StopPair) error { return nil }

func (v *lighterVenue) MarkPrice(ctx context.Context, asset string) (float64, error) {
	return v.client.MarkPrice(ctx, asset)
}

func (v *lighterVenue) SupportsNativeStops() bool { return false }

func (v *lighterVenue) Fees(ctx context.Context, asset string) (FeeSchedule, error) {
	v.mu.RLock()
	cached, ok := v.feeCache[asset]
	v.mu.RUnlock()
	if ok && time.Now().Before(cached.StaleAfter) {
		return cached, nil
	}
	rate, err := v.client.FundingRate(ctx, asset)
	if err != nil {
		if ok {
			return cached, nil
		}
		return FeeSchedule{TakerFeeBps: 2.0}, nil
	}
	fs := FeeSchedule{TakerFeeBps: 2.0, FundingRateBp: rate * 10000, StaleAfter: time.Now().Add(5 * time.Minute)}
	v.mu.Lock()
	v.feeCache[asset] = fs
	v.mu.Unlock()
	return fs, nil
}

func (v *lighterVenue) OrderbookSlippage(ctx context.Context, asset string, direction string, notionalUSD float64) (float64, error) {
	book, err := v.client.OrderBook(ctx, asset)
	if err != nil {
		return 0, err
	}
	bids := make([]BookLevel, 0, len(book.Bids))
	for _, b := range book.Bids {
		bids = append(bids, BookLevel{Price: b.Price, Size: b.Size})
	}
	asks := make([]BookLevel, 0, len(book.Asks))
	for _, a := range book.Asks {
		asks = append(asks, BookLevel{Price: a.Price, Size: a.Size})
	}
	return walkBookSlippageBps(bids, asks, direction, notionalUSD)
}

func (v *lighterVenue) StaggerDelay() time.Duration { return v.stagger }
