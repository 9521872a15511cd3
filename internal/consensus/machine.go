package consensus

import (
	"context"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// msgKind tags the variants accepted on an AssetMachine's single input
// channel (spec.md §5 "concurrency primitives").
type msgKind int

const (
	msgNewVote msgKind = iota
	msgTimerTick
	msgMarketPrice
)

type message struct {
	kind  msgKind
	vote  Vote
	price float64
	reply chan Result
}

// Inputs supplies the live market/venue context an evaluation needs beyond
// the accumulated votes themselves.
type Inputs struct {
	CorrelationSource CorrelationSource
	DefaultRho        float64
	ATR               float64
	StopMultiplier    float64
	RWin              float64
	RLoss             float64
	NotionalInR       float64
	Venues            []VenueEV
	PreferredVenue    string
}

// InputsProvider resolves the current Inputs for an asset at evaluation
// time, since ATR/venue fees/slippage/funding all change between ticks.
type InputsProvider interface {
	Inputs(asset model.Asset) Inputs
}

// AssetMachine is the single-asset actor: one goroutine owns `votes` and
// `cooldownUntil`, processing messages one at a time off a buffered
// channel, so no lock is needed across evaluations of the same asset.
type AssetMachine struct {
	asset         model.Asset
	freshness     time.Duration
	cooldown      time.Duration
	inputs        InputsProvider
	currentPrice  float64
	votes         []Vote
	cooldownUntil time.Time
	in            chan message
	onDecision    func(Result, model.DecisionType)
}

// NewAssetMachine starts the actor goroutine; call Stop via ctx cancel.
func NewAssetMachine(ctx context.Context, asset model.Asset, inputs InputsProvider, freshness, cooldown time.Duration, onDecision func(Result, model.DecisionType)) *AssetMachine {
	m := &AssetMachine{
		asset:      asset,
		freshness:  freshness,
		cooldown:   cooldown,
		inputs:     inputs,
		in:         make(chan message, 256),
		onDecision: onDecision,
	}
	go m.run(ctx)
	return m
}

func (m *AssetMachine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.in:
			m.handle(msg)
		}
	}
}

func (m *AssetMachine) handle(msg message) {
	now := time.Now()
	switch msg.kind {
	case msgNewVote:
		m.votes = pruneStale(m.votes, now, m.freshness*3)
		m.votes = append(m.votes, msg.vote)
	case msgMarketPrice:
		m.currentPrice = msg.price
		if msg.reply != nil {
			close(msg.reply)
		}
		return
	case msgTimerTick:
		m.votes = pruneStale(m.votes, now, m.freshness*3)
	}

	result := m.evaluateLocked(now)
	if msg.reply != nil {
		msg.reply <- result
		close(msg.reply)
	}
}

func (m *AssetMachine) evaluateLocked(now time.Time) Result {
	if len(m.votes) == 0 {
		return Result{Asset: m.asset}
	}
	in := m.inputs.Inputs(m.asset)

	if now.Before(m.cooldownUntil) {
		res := Evaluate(m.asset, m.votes, now, m.freshness, in.CorrelationSource, in.DefaultRho,
			m.currentPrice, in.ATR, in.StopMultiplier, in.RWin, in.RLoss, in.NotionalInR, in.Venues, in.PreferredVenue)
		if m.onDecision != nil {
			m.onDecision(res, model.DecisionCooldown)
		}
		return res
	}

	res := Evaluate(m.asset, m.votes, now, m.freshness, in.CorrelationSource, in.DefaultRho,
		m.currentPrice, in.ATR, in.StopMultiplier, in.RWin, in.RLoss, in.NotionalInR, in.Venues, in.PreferredVenue)

	decisionType := model.DecisionSkip
	if res.Pass {
		decisionType = model.DecisionSignal
		m.cooldownUntil = now.Add(m.cooldown)
	}
	if m.onDecision != nil {
		m.onDecision(res, decisionType)
	}
	return res
}

func pruneStale(votes []Vote, now time.Time, maxAge time.Duration) []Vote {
	out := votes[:0:0]
	for _, v := range votes {
		if now.Sub(v.TS) <= maxAge {
			out = append(out, v)
		}
	}
	return out
}

// SubmitVote enqueues a new opening vote and blocks for the evaluation
// triggered by it.
func (m *AssetMachine) SubmitVote(v Vote) Result {
	reply := make(chan Result, 1)
	m.in <- message{kind: msgNewVote, vote: v, reply: reply}
	return <-reply
}

// Tick enqueues a periodic re-evaluation (price-band catch-up).
func (m *AssetMachine) Tick() Result {
	reply := make(chan Result, 1)
	m.in <- message{kind: msgTimerTick, reply: reply}
	return <-reply
}

// UpdatePrice pushes a new mark price without forcing an evaluation.
func (m *AssetMachine) UpdatePrice(price float64) {
	reply := make(chan Result, 1)
	m.in <- message{kind: msgMarketPrice, price: price, reply: reply}
	<-reply
}
