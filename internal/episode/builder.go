// Package episode reconstructs open→close position episodes from a stream
// of per-trader fills (Decide's component 1, spec.md §4.4.1).
package episode

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// Timeout is the inactivity window after which an open episode is force-
// closed (spec.md §3, §4.4.1).
const Timeout = 7 * 24 * time.Hour

// key identifies the single open-episode slot per (address, asset).
type key struct {
	Address model.Address
	Asset   model.Asset
}

// ATRSource supplies the stop_fraction input to result_r; Builder itself
// bounds the returned value to [0.001, 0.10].
type ATRSource interface {
	StopFraction(asset model.Asset, at time.Time) float64
}

// Outcome bundles a just-closed episode with the R-multiple and the
// outcome event to publish on outcomes.v1.
type Outcome struct {
	Episode model.PositionEpisode
	Outcome model.Outcome
}

// Builder owns the single open-episode-per-(address,asset) state machine.
// Per spec.md §5, it is fed topic C in per-address order; cross-address
// ordering is not relied upon, so Builder itself needs no locking beyond
// what its caller already serializes per address.
type Builder struct {
	open map[key]*model.PositionEpisode
	atr  ATRSource
}

func NewBuilder(atr ATRSource) *Builder {
	return &Builder{
		open: make(map[key]*model.PositionEpisode),
		atr:  atr,
	}
}

// exitAccumulator tracks the size-weighted closing-side fills feeding
// exit_vwap and realized_pnl for the episode currently being closed.
type exitAccumulator struct {
	sumSizePrice float64
	sumSize      float64
	sumPnL       float64
}

func (a *exitAccumulator) add(f model.Fill) {
	a.sumSizePrice += math.Abs(f.Size) * f.Price
	a.sumSize += math.Abs(f.Size)
	if f.RealizedPnL != nil {
		a.sumPnL += *f.RealizedPnL
	}
}

func (a *exitAccumulator) vwap() float64 {
	if a.sumSize == 0 {
		return 0
	}
	return a.sumSizePrice / a.sumSize
}

// Apply processes one fill for (f.Address, f.Asset) and returns any
// episode that closed as a result: zero or one Outcome (full_close or
// direction_flip; timeouts are emitted by SweepTimeouts). On a
// direction_flip only the close is returned; the new open episode is
// retained in Builder state.
func (b *Builder) Apply(f model.Fill) ([]Outcome, error) {
	k := key{Address: f.Address, Asset: f.Asset}
	existing, ok := b.open[k]

	if !ok {
		ep := &model.PositionEpisode{
			ID:              uuid.NewString(),
			Address:         f.Address,
			Asset:           f.Asset,
			Direction:       directionOf(f.SignedSize()),
			EntryVWAP:       f.Price,
			EntrySize:       math.Abs(f.Size),
			EntryTS:         f.TS,
			Status:          model.EpisodeOpen,
			LastFillTS:      f.TS,
			RunningPosition: f.SignedSize(),
		}
		b.open[k] = ep
		return nil, nil
	}

	prevRunning := existing.RunningPosition
	signed := f.SignedSize()
	newRunning := prevRunning + signed

	switch {
	case sameSign(prevRunning, signed) || prevRunning == 0:
		// Adds to the position: size-weighted VWAP update.
		totalSize := math.Abs(prevRunning) + math.Abs(signed)
		existing.EntryVWAP = (existing.EntryVWAP*math.Abs(prevRunning) + f.Price*math.Abs(signed)) / totalSize
		existing.EntrySize = totalSize
		existing.RunningPosition = newRunning
		existing.LastFillTS = f.TS
		return nil, nil

	case newRunning == 0:
		// Fill exactly zeroes the position: full close.
		acc := &exitAccumulator{}
		acc.add(f)
		out := b.closeEpisode(k, existing, acc, model.ClosedFullClose, f.TS)
		return []Outcome{out}, nil

	case sign(newRunning) != sign(prevRunning):
		// Direction flip: the flipping fill is attributed to the closing
		// side of the old episode (SPEC_FULL.md §D decision for §9(c)),
		// then a new episode opens with the residual size at f.price.
		acc := &exitAccumulator{}
		acc.add(f)
		out := b.closeEpisode(k, existing, acc, model.ClosedDirectionFlip, f.TS)

		residual := newRunning
		newEp := &model.PositionEpisode{
			ID:              uuid.NewString(),
			Address:         f.Address,
			Asset:           f.Asset,
			Direction:       directionOf(residual),
			EntryVWAP:       f.Price,
			EntrySize:       math.Abs(residual),
			EntryTS:         f.TS,
			Status:          model.EpisodeOpen,
			LastFillTS:      f.TS,
			RunningPosition: residual,
		}
		b.open[k] = newEp
		return []Outcome{out}, nil

	default:
		// Reduces without crossing zero.
		existing.RunningPosition = newRunning
		existing.LastFillTS = f.TS
		return nil, nil
	}
}

// closeEpisode finalizes the episode at key k, computes result_r, deletes
// the open slot, and returns the Outcome to publish.
func (b *Builder) closeEpisode(k key, ep *model.PositionEpisode, acc *exitAccumulator, reason model.ClosedReason, ts time.Time) Outcome {
	exitVWAP := acc.vwap()
	realized := acc.sumPnL
	ep.ExitVWAP = &exitVWAP
	ep.ExitTS = &ts
	ep.RealizedPnL = &realized
	ep.Status = model.EpisodeClosed
	ep.ClosedReason = reason

	stopFrac := b.stopFraction(ep.Asset, ts)
	risk := ep.EntryVWAP * ep.EntrySize * stopFrac
	var resultR float64
	if risk != 0 {
		resultR = realized / risk
	}
	ep.ResultR = &resultR

	delete(b.open, k)

	return Outcome{
		Episode: *ep,
		Outcome: model.Outcome{
			Address:     ep.Address,
			Asset:       ep.Asset,
			Direction:   ep.Direction,
			ResultR:     resultR,
			RealizedPnL: realized,
			ClosedTS:    ts,
			CloseReason: reason,
		},
	}
}

func (b *Builder) stopFraction(asset model.Asset, at time.Time) float64 {
	frac := b.atr.StopFraction(asset, at)
	if frac < 0.001 {
		frac = 0.001
	}
	if frac > 0.10 {
		frac = 0.10
	}
	return frac
}

// SweepTimeouts force-closes every open episode whose last fill is older
// than Timeout, with realized_pnl=0 (spec.md §4.4.1). Called once a minute.
func (b *Builder) SweepTimeouts(now time.Time) []Outcome {
	var closed []Outcome
	for k, ep := range b.open {
		if now.Sub(ep.LastFillTS) > Timeout {
			acc := &exitAccumulator{}
			out := b.closeEpisode(k, ep, acc, model.ClosedTimeout, now)
			closed = append(closed, out)
		}
	}
	return closed
}

// OpenEpisode returns the current open episode for (address, asset), if any.
func (b *Builder) OpenEpisode(addr model.Address, asset model.Asset) (model.PositionEpisode, bool) {
	ep, ok := b.open[key{Address: addr, Asset: asset}]
	if !ok {
		return model.PositionEpisode{}, false
	}
	return *ep, true
}

func directionOf(signed float64) model.Direction {
	if signed < 0 {
		return model.DirectionShort
	}
	return model.DirectionLong
}

func sameSign(a, b float64) bool {
	if a == 0 || b == 0 {
		return true
	}
	return (a > 0) == (b > 0)
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	if x > 0 {
		return 1
	}
	return 0
}
