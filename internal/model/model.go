// Package model holds the shared entities of spec.md §3: the data that
// flows across the bus and into the relational store. No package here owns
// persistence; internal/store does.
package model

import (
	"math"
	"time"
)

type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Address is an opaque 20-byte hex venue account identifier.
type Address string

// PinnedAccount is (address, isCustom, pinnedAt); at most 3 custom-pinned
// may exist at a time (enforced by Scout's pinned registry before it writes
// to the store), leaderboard-pinned are unbounded.
type PinnedAccount struct {
	Address  Address
	IsCustom bool
	PinnedAt time.Time
}

// LeaderboardEntry is one row of a refresh generation for a given period.
type LeaderboardEntry struct {
	PeriodDays   int
	Address      Address
	Rank         int
	Weight       float64
	PnL30D       float64
	ROI30D       float64
	AccountValue float64
	WeeklyVolume float64
	OrdersPerDay float64
	Nickname     string
}

// AlphaPoolMember is a row of the live (replace-not-mutate) pool membership
// set.
type AlphaPoolMember struct {
	Address        Address
	IsActive       bool
	AddedAt        time.Time
	LastRefreshed  time.Time
}

// NIGPosterior is the four-parameter Normal-Inverse-Gamma posterior for one
// trader's R-multiple distribution.
type NIGPosterior struct {
	Address      Address
	M            float64
	Kappa        float64
	Alpha        float64
	Beta         float64
	TotalSignals int
	TotalPnLR    float64
	AvgR         float64
	LastUpdateTS time.Time
}

// PosteriorMean is the NIG posterior mean, m.
func (p NIGPosterior) PosteriorMean() float64 { return p.M }

// PosteriorStd is sqrt(beta / (kappa * (alpha - 1))).
func (p NIGPosterior) PosteriorStd() float64 {
	denom := p.Kappa * (p.Alpha - 1)
	if denom <= 0 {
		return 0
	}
	return math.Sqrt(p.Beta / denom)
}

// EffectiveSampleCount is kappa - 1.
func (p NIGPosterior) EffectiveSampleCount() float64 { return p.Kappa - 1 }

// Fill is the canonical normalized trade-fill tuple of spec.md §3.
type Fill struct {
	FillID            string
	Address           Address
	Asset             Asset
	Side              Side
	Size              float64
	Price             float64
	StartPosition     float64
	ResultingPosition float64
	RealizedPnL       *float64
	TS                time.Time
	ActionLabel       string
	DedupHash         string
}

// SignedSize is positive for buys, negative for sells.
func (f Fill) SignedSize() float64 {
	if f.Side == SideSell {
		return -f.Size
	}
	return f.Size
}

type EpisodeStatus string

const (
	EpisodeOpen   EpisodeStatus = "open"
	EpisodeClosed EpisodeStatus = "closed"
)

type ClosedReason string

const (
	ClosedFullClose     ClosedReason = "full_close"
	ClosedDirectionFlip ClosedReason = "direction_flip"
	ClosedTimeout       ClosedReason = "timeout"
)

// PositionEpisode is a contiguous open→close lifecycle of a trader's
// position in one asset.
type PositionEpisode struct {
	ID           string
	Address      Address
	Asset        Asset
	Direction    Direction
	EntryVWAP    float64
	EntrySize    float64
	EntryTS      time.Time
	ExitVWAP     *float64
	ExitTS       *time.Time
	RealizedPnL  *float64
	ResultR      *float64
	Status       EpisodeStatus
	ClosedReason ClosedReason
	LastFillTS   time.Time
	// RunningPosition tracks the signed open quantity while Status==open.
	RunningPosition float64
}

// MinuteBar is one ATR-input bar.
type MinuteBar struct {
	Asset    Asset
	MinuteTS time.Time
	MidPrice float64
	ATR14    *float64
}

// PairwiseCorrelation is a (as_of_date, a, b) row.
type PairwiseCorrelation struct {
	AsOfDate       time.Time
	AddrA          Address
	AddrB          Address
	Rho            float64
	NCommonBuckets int
}

type DecisionType string

const (
	DecisionSignal      DecisionType = "signal"
	DecisionSkip        DecisionType = "skip"
	DecisionRiskReject  DecisionType = "risk_reject"
	DecisionCooldown    DecisionType = "cooldown"
)

// ConsensusSignal is a fully-gated consensus decision output.
type ConsensusSignal struct {
	ID             string
	TS             time.Time
	Asset          Asset
	Direction      Direction
	NTraders       int
	NAgree         int
	MajorityPct    float64
	EffectiveK     float64
	PWin           float64
	EVNetR         float64
	EntryPrice     float64
	StopPrice      float64
	TargetExchange string
	FeesBps        float64
	SlippageBps    float64
	FundingBps     float64
	Outcome        *string
	RealizedR      *float64
}

// GateResult records one gate's numeric value, threshold, and pass/fail.
type GateResult struct {
	Name      string
	Value     float64
	Threshold float64
	Pass      bool
}

// DecisionLog is a record of every consensus evaluation, fired or not.
type DecisionLog struct {
	ID               string
	TS               time.Time
	Asset            Asset
	Direction        Direction
	DecisionType     DecisionType
	Gates            []GateResult
	RiskChecks       []GateResult
	ReasoningText    string
	ExecutionStatus  string
	SignalID         *string
	OutcomePnL       *float64
	OutcomeRMultiple *float64
}

// TraderSnapshot is one immutable shadow-ledger row.
type TraderSnapshot struct {
	SnapshotDate     time.Time
	Address          Address
	SelectionVersion int
	PnL30D           float64
	ROI30D           float64
	AccountValue     float64
	EpisodeCount     int
	NIG              NIGPosterior
	ThompsonDraw     float64
	ThompsonSeed     uint64
	SelectionRank    int
	Scanned          bool
	Filtered         bool
	Qualified        bool
	PoolSelected     bool
	Pinned           bool
	EventType        string // entered, active, promoted, demoted, death, censored
	EventSubType     string
}

// KillSwitchState is the singleton risk kill-switch row.
type KillSwitchState struct {
	Active            bool
	ActivatedAt       time.Time
	CooldownExpiresAt time.Time
	Reason            string
}

// ActiveStop is a live native (or synthetic) stop/take-profit pair.
type ActiveStop struct {
	PositionID      string
	Address         Address
	Asset           Asset
	StopPrice       float64
	TakeProfitPrice float64
	Size            float64
	NativeSLOrderID *string
	NativeTPOrderID *string
	RegisteredAt    time.Time
}

// Outcome is the payload published to outcomes.v1.
type Outcome struct {
	SignalID    *string
	Address     Address
	Asset       Asset
	Direction   Direction
	ResultR     float64
	RealizedPnL float64
	ClosedTS    time.Time
	CloseReason ClosedReason
}
