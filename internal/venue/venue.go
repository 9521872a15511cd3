// Package venue abstracts over the perpetual-futures execution venues
// SigmaPilot can route signals to. The Venue interface covers connect,
// balance, positions, open, close, leverage, stop_pair, cancel_stops and
// mark_price, plus fee, slippage and stagger queries; symbol formatting is
// not an interface method (the Bybit and Aster adapters share the
// package-level symbolFor helper). A factory maps an exchange name to a
// constructor, the same shape as the teacher's per-exchange Trader
// constructors (NewHyperliquidTrader, NewBybitTrader, ...).
package venue

import (
	"context"
	"fmt"
	"time"
)

// Name identifies a supported execution venue.
type Name string

const (
	Hyperliquid Name = "hyperliquid"
	Aster       Name = "aster"
	Bybit       Name = "bybit"
	Lighter     Name = "lighter"
)

// Account is the balance/margin snapshot used by the risk governor.
type Account struct {
	Equity            float64
	AvailableBalance  float64
	MaintenanceMargin float64
	UnrealizedPnL     float64
}

// Position is a single open position on a venue.
type Position struct {
	Asset            string
	Direction        string // long | short
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         float64
}

// OrderResult is the parsed response of a market order submission.
type OrderResult struct {
	OrderID     string
	FilledSize  float64
	FilledPrice float64
	FeesPaid    float64
}

// StopPair is a native SL/TP order pair placed atomically.
type StopPair struct {
	SLOrderID string
	TPOrderID string
}

// FeeSchedule is the dynamic, TTL-cached fee/funding profile used by the
// per-venue EV comparison in gate G5; slippage comes from OrderbookSlippage.
type FeeSchedule struct {
	TakerFeeBps   float64
	FundingRateBp float64 // per-8h funding rate in bps, signed
	StaleAfter    time.Time
}

// Venue is the capability set every adapter implements. All methods accept
// a context so outbound calls honor the 10s venue deadline of spec.md §5.
type Venue interface {
	Name() Name
	Connect(ctx context.Context) error
	Balance(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]Position, error)
	MarketOrder(ctx context.Context, asset, direction string, notionalUSD float64, slippageTolerance float64) (OrderResult, error)
	ClosePosition(ctx context.Context, asset string) (OrderResult, error)
	SetLeverage(ctx context.Context, asset string, leverage float64) error
	PlaceStopPair(ctx context.Context, asset string, stopPrice, takeProfitPrice, size float64) (StopPair, error)
	CancelStops(ctx context.Context, asset string, pair StopPair) error
	MarkPrice(ctx context.Context, asset string) (float64, error)
	// SupportsNativeStops reports whether PlaceStopPair/CancelStops are
	// backed by real venue orders (vs. unsupported, forcing polling-stop
	// mode in internal/execution).
	SupportsNativeStops() bool
	// Fees returns the TTL-cached fee/funding schedule, with a static
	// fallback on provider failure (spec.md §5).
	Fees(ctx context.Context, asset string) (FeeSchedule, error)
	// OrderbookSlippage estimates the slippage, in bps, of walking the book
	// for notionalUSD on the given side.
	OrderbookSlippage(ctx context.Context, asset string, direction string, notionalUSD float64) (float64, error)
	// StaggerDelay is this venue's health-check stagger offset (spec.md §5).
	StaggerDelay() time.Duration
}

// Config carries every venue's credentials; unused fields for a venue that
// isn't selected are simply left zero.
type Config struct {
	HyperliquidPrivateKey string
	HyperliquidWallet     string
	HyperliquidTestnet    bool

	BybitAPIKey    string
	BybitAPISecret string
	BybitTestnet   bool

	AsterUser       string
	AsterSigner     string
	AsterPrivateKey string

	LighterWalletAddr       string
	LighterPrivateKey       string
	LighterAPIKeyPrivateKey string
	LighterAPIKeyIndex      int
	LighterTestnet          bool

	StaggerDelay map[string]time.Duration
}

// New constructs the Venue for the given name, mirroring the teacher's
// exchange switch in trader.NewAutoTrader.
func New(name Name, cfg Config) (Venue, error) {
	switch name {
	case Hyperliquid:
		return newHyperliquidVenue(cfg)
	case Bybit:
		return newBybitVenue(cfg)
	case Aster:
		return newAsterVenue(cfg)
	case Lighter:
		return newLighterVenue(cfg)
	default:
		return nil, fmt.Errorf("venue: unknown exchange %q", name)
	}
}

// All is the ordered list of venues the EV router considers (spec.md §4.4.2
// per-venue EV + §9 Hyperliquid/Aster/Bybit, supplemented with Lighter per
// SPEC_FULL.md §B).
var All = []Name{Hyperliquid, Bybit, Aster, Lighter}
