// Package hlinfo wraps Hyperliquid's public info API (the same
// go-hyperliquid client internal/venue's execution adapter uses) to back
// the read-only external collaborators Scout, Sage, and Stream depend on
// only at narrow interfaces: the leaderboard, a trader's fill history, and
// the live fill/position websocket feed.
package hlinfo

import (
	"context"
	"fmt"
	"sort"

	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/scout"
	"github.com/sigmapilot/sigmapilot/internal/stream"
)

// Client adapts hyperliquid.Client's info endpoints to scout.LeaderboardFetcher,
// sage.Backfiller, and stream.FillFeed/FillBackfiller.
type Client struct {
	info *hyperliquid.InfoAPI

	// fillsStore persists the raw history BackfillFills and the validator's
	// repair path pull, so the caller doesn't also need a direct store
	// reference wired through Sage/Stream.
	fillsStore FillsStore
}

// FillsStore is the narrow slice of *store.Store the backfill path needs.
type FillsStore interface {
	ReplaceFills(ctx context.Context, addr model.Address, asset model.Asset, fills []model.Fill) error
}

// New builds a Client from an already-connected hyperliquid.Client, the
// same one internal/venue's Hyperliquid adapter holds, so the process only
// ever dials one connection to the venue.
func New(raw *hyperliquid.Client, fillsStore FillsStore) *Client {
	return &Client{info: raw.Info(), fillsStore: fillsStore}
}

// Config carries the read-only credentials Scout/Sage/Stream need; unlike
// internal/venue's execution adapter, no signing key is required since
// this client only ever reads the public leaderboard and fills feeds.
type Config struct {
	Wallet  string
	Testnet bool
}

// Dial opens a dedicated info-only connection, so Scout/Sage/Stream don't
// share the execution venue's signing client.
func Dial(cfg Config, fillsStore FillsStore) (*Client, error) {
	raw, err := hyperliquid.NewClient(hyperliquid.ClientConfig{
		Address: cfg.Wallet,
		Testnet: cfg.Testnet,
	})
	if err != nil {
		return nil, fmt.Errorf("hlinfo: dial: %w", err)
	}
	return New(raw, fillsStore), nil
}

// trackedAssets bounds backfill/history calls to the two assets spec.md
// scopes trading to.
var trackedAssets = []model.Asset{model.AssetBTC, model.AssetETH}

// FetchLeaderboard satisfies scout.LeaderboardFetcher.
func (c *Client) FetchLeaderboard(ctx context.Context, periodDays int) ([]scout.RawCandidate, error) {
	rows, err := c.info.Leaderboard(ctx, periodDays)
	if err != nil {
		return nil, fmt.Errorf("hlinfo: fetch leaderboard: %w", err)
	}

	out := make([]scout.RawCandidate, 0, len(rows))
	for _, row := range rows {
		state, err := c.info.UserState(ctx, row.Address)
		if err != nil {
			// One address's enrichment failing shouldn't sink the whole
			// refresh; it simply won't qualify this cycle.
			continue
		}
		fills, err := c.info.UserFillsByTime(ctx, row.Address, 0)
		if err != nil {
			fills = nil
		}
		out = append(out, scout.RawCandidate{
			Address:             model.Address(row.Address),
			Nickname:            row.DisplayName,
			PnL30D:              row.PnL,
			ROI30D:              row.ROI,
			AccountValue:        state.MarginSummary.AccountValue,
			WeeklyVolume:        row.Volume,
			OrdersPerDay:        ordersPerDay(fills),
			WinRate:             winRate(fills),
			DailyPnL:            row.DailyPnL,
			HasSubaccountMarker: row.IsSubaccount,
			HasBTCETHHistory:    hasBTCOrETHHistory(fills),
		})
	}
	return out, nil
}

// BackfillFills satisfies sage.Backfiller: it pulls an address's full
// BTC/ETH fill history and replaces whatever Stream has on file, so Decide
// can reconstruct every historical episode for the newly-pool-selected
// address.
func (c *Client) BackfillFills(ctx context.Context, addr model.Address) error {
	for _, asset := range trackedAssets {
		raw, err := c.info.UserFillsByCoin(ctx, string(addr), string(asset))
		if err != nil {
			return fmt.Errorf("hlinfo: backfill %s/%s: %w", addr, asset, err)
		}
		fills := make([]model.Fill, 0, len(raw))
		for _, f := range raw {
			rf := toRawFill(addr, asset, f)
			fills = append(fills, stream.Normalize(rf))
		}
		sort.Slice(fills, func(i, j int) bool { return fills[i].TS.Before(fills[j].TS) })
		if err := c.fillsStore.ReplaceFills(ctx, addr, asset, fills); err != nil {
			return fmt.Errorf("hlinfo: persist backfilled fills %s/%s: %w", addr, asset, err)
		}
	}
	return nil
}

// FillsHistory satisfies stream.FillBackfiller, the validator's
// discrepancy-repair path.
func (c *Client) FillsHistory(ctx context.Context, addr model.Address, asset model.Asset) ([]stream.RawFill, error) {
	raw, err := c.info.UserFillsByCoin(ctx, string(addr), string(asset))
	if err != nil {
		return nil, fmt.Errorf("hlinfo: fills history %s/%s: %w", addr, asset, err)
	}
	out := make([]stream.RawFill, 0, len(raw))
	for _, f := range raw {
		out = append(out, toRawFill(addr, asset, f))
	}
	return out, nil
}

// Subscribe satisfies stream.FillFeed: it opens a user-fills websocket
// subscription for addr and forwards every event until ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, addr model.Address, onFill func(stream.RawFill)) error {
	sub, err := c.info.SubscribeUserFills(ctx, string(addr))
	if err != nil {
		return fmt.Errorf("hlinfo: subscribe user fills %s: %w", addr, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("hlinfo: user fills feed closed for %s", addr)
			}
			asset := model.Asset(evt.Coin)
			onFill(toRawFill(addr, asset, evt))
		case err := <-sub.Errors():
			return fmt.Errorf("hlinfo: user fills feed error for %s: %w", addr, err)
		}
	}
}

// AccountSnapshot reports addr's current equity and whether its most
// recent position-closing event was a liquidation, the inputs Sage's daily
// shadow-ledger snapshot needs beyond Scout's leaderboard enrichment
// (spec.md §4.3's death-event detection).
func (c *Client) AccountSnapshot(ctx context.Context, addr model.Address) (equity float64, liquidated bool, err error) {
	state, err := c.info.UserState(ctx, string(addr))
	if err != nil {
		return 0, false, fmt.Errorf("hlinfo: account snapshot %s: %w", addr, err)
	}
	fills, err := c.info.UserFillsByTime(ctx, string(addr), 0)
	if err == nil {
		for _, f := range fills {
			if f.Liquidation {
				liquidated = true
				break
			}
		}
	}
	return state.MarginSummary.AccountValue, liquidated, nil
}

// SnapshotPositions satisfies stream.FillFeed's priming call.
func (c *Client) SnapshotPositions(ctx context.Context, addr model.Address) ([]stream.RawPosition, error) {
	state, err := c.info.UserState(ctx, string(addr))
	if err != nil {
		return nil, fmt.Errorf("hlinfo: snapshot positions %s: %w", addr, err)
	}
	out := make([]stream.RawPosition, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		out = append(out, stream.RawPosition{
			Asset:      model.Asset(ap.Position.Coin),
			SignedSize: ap.Position.Szi,
			EntryPrice: ap.Position.EntryPx,
		})
	}
	return out, nil
}

func toRawFill(addr model.Address, asset model.Asset, f hyperliquid.Fill) stream.RawFill {
	side := model.SideBuy
	if !f.IsBuy {
		side = model.SideSell
	}
	var pnl *float64
	if f.ClosedPnl != 0 {
		v := f.ClosedPnl
		pnl = &v
	}
	return stream.RawFill{
		Address:           addr,
		Asset:             asset,
		Side:              side,
		Size:              f.Size,
		Price:             f.Price,
		StartPosition:     f.StartPosition,
		ResultingPosition: f.StartPosition + signedDelta(f),
		RealizedPnL:       pnl,
		TS:                f.TimeMillis,
		ActionLabel:       f.Dir,
		VenueFillID:       f.TxHash,
	}
}

func signedDelta(f hyperliquid.Fill) float64 {
	if f.IsBuy {
		return f.Size
	}
	return -f.Size
}

func ordersPerDay(fills []hyperliquid.Fill) float64 {
	if len(fills) == 0 {
		return 0
	}
	span := daysBetweenFirstLast(fills)
	if span <= 0 {
		span = 1
	}
	return float64(len(fills)) / span
}

func winRate(fills []hyperliquid.Fill) float64 {
	var wins, closed int
	for _, f := range fills {
		if f.ClosedPnl == 0 {
			continue
		}
		closed++
		if f.ClosedPnl > 0 {
			wins++
		}
	}
	if closed == 0 {
		return 0
	}
	return float64(wins) / float64(closed)
}

func hasBTCOrETHHistory(fills []hyperliquid.Fill) bool {
	for _, f := range fills {
		if f.Coin == string(model.AssetBTC) || f.Coin == string(model.AssetETH) {
			return true
		}
	}
	return false
}

func daysBetweenFirstLast(fills []hyperliquid.Fill) float64 {
	if len(fills) < 2 {
		return 1
	}
	min, max := fills[0].TimeMillis, fills[0].TimeMillis
	for _, f := range fills {
		if f.TimeMillis < min {
			min = f.TimeMillis
		}
		if f.TimeMillis > max {
			max = f.TimeMillis
		}
	}
	const millisPerDay = 86_400_000
	return float64(max-min) / millisPerDay
}
