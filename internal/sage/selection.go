package sage

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/metrics"
	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/posterior"
)

// PoolStore is the narrow slice of *store.Store the selection job needs.
type PoolStore interface {
	PosteriorStore
	ActivePoolMembers(ctx context.Context) ([]model.AlphaPoolMember, error)
	ReplacePoolMembership(ctx context.Context, members []model.AlphaPoolMember) error
	EpisodeCount(ctx context.Context, addr model.Address) (int, error)
}

// ScorePublisher is the narrow slice of *bus.Bus the selection job needs.
type ScorePublisher interface {
	Publish(ctx context.Context, subject bus.Subject, v any) error
}

// CandidateTracker remembers every address Scout has ever surfaced via
// candidates.v1, Sage's source of "newly-seen addresses" for selection.
type CandidateTracker struct {
	seen map[model.Address]struct{}
}

func NewCandidateTracker() *CandidateTracker {
	return &CandidateTracker{seen: make(map[model.Address]struct{})}
}

// Observe records addr as having been surfaced by Scout.
func (c *CandidateTracker) Observe(addr model.Address) {
	c.seen[addr] = struct{}{}
}

// Candidates returns every address ever observed.
func (c *CandidateTracker) Candidates() []model.Address {
	out := make([]model.Address, 0, len(c.seen))
	for a := range c.seen {
		out = append(out, a)
	}
	return out
}

// ScoreEvent is the scores.v1 payload (spec.md §6).
type ScoreEvent struct {
	Address     model.Address `json:"address"`
	Weight      float64       `json:"weight"`
	SampledMu   float64       `json:"sampled_mu"`
	Kappa       float64       `json:"kappa"`
	SelectedBool bool         `json:"selected_bool"`
	TS          time.Time     `json:"ts"`
}

// ranked is one candidate's Thompson draw, before top-K truncation.
type ranked struct {
	address model.Address
	draw    float64
	kappa   float64
}

// Selector runs Sage's Thompson-sampled Alpha Pool selection (spec.md
// §4.3).
type Selector struct {
	store            PoolStore
	bus              ScorePublisher
	minEpisodes      int
	selectK          int
	selectionVersion int
}

func NewSelector(st PoolStore, b ScorePublisher, minEpisodes, selectK int) *Selector {
	return &Selector{store: st, bus: b, minEpisodes: minEpisodes, selectK: selectK, selectionVersion: 1}
}

// Select builds the candidate set (current pool ∪ newly-eligible
// addresses), Thompson-samples each, ranks descending, takes the top
// selectK, writes the pool atomically, and publishes one score event per
// candidate evaluated (selected or not).
func (s *Selector) Select(ctx context.Context, snapshotDate time.Time, tracker *CandidateTracker) ([]model.AlphaPoolMember, error) {
	pool, err := s.store.ActivePoolMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sage: load active pool: %w", err)
	}

	candidateSet := make(map[model.Address]struct{})
	for _, m := range pool {
		candidateSet[m.Address] = struct{}{}
	}
	for _, addr := range tracker.Candidates() {
		n, err := s.store.EpisodeCount(ctx, addr)
		if err != nil {
			logger.Warnf("sage: episode count %s failed: %v", addr, err)
			continue
		}
		if n >= s.minEpisodes {
			candidateSet[addr] = struct{}{}
		}
	}

	var candidates []ranked
	for addr := range candidateSet {
		p, ok, err := s.store.Posterior(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("sage: load posterior %s: %w", addr, err)
		}
		if !ok {
			p = posterior.NewTraderPrior(addr)
		}
		seed := posterior.DeriveSeed(snapshotDate, addr, s.selectionVersion)
		draw := posterior.ThompsonDraw(p, seed)
		candidates = append(candidates, ranked{address: addr, draw: draw, kappa: p.Kappa})
	}

	sortRankedDesc(candidates)

	k := s.selectK
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	selected := candidates[:k]

	members := make([]model.AlphaPoolMember, 0, len(selected))
	now := time.Now()
	for _, r := range selected {
		addedAt := now
		for _, existing := range pool {
			if existing.Address == r.address {
				addedAt = existing.AddedAt
				break
			}
		}
		members = append(members, model.AlphaPoolMember{Address: r.address, IsActive: true, AddedAt: addedAt, LastRefreshed: now})
	}

	if err := s.store.ReplacePoolMembership(ctx, members); err != nil {
		return nil, fmt.Errorf("sage: replace pool membership: %w", err)
	}
	metrics.AlphaPoolSize.Set(float64(len(members)))

	selectedSet := make(map[model.Address]struct{}, len(selected))
	for _, r := range selected {
		selectedSet[r.address] = struct{}{}
	}
	for _, c := range candidates {
		_, isSelected := selectedSet[c.address]
		evt := ScoreEvent{
			Address:      c.address,
			Weight:       weightFromKappa(c.kappa),
			SampledMu:    c.draw,
			Kappa:        c.kappa,
			SelectedBool: isSelected,
			TS:           now,
		}
		if err := s.bus.Publish(ctx, bus.Scores, evt); err != nil {
			logger.Warnf("sage: publish score %s failed: %v", c.address, err)
		}
	}

	logger.Infof("sage: selection complete candidates=%d selected=%d", len(candidates), len(members))
	return members, nil
}

// weightFromKappa derives a vote-confidence weight from the posterior's
// effective sample count, consumed by Decide's consensus weighting.
func weightFromKappa(kappa float64) float64 {
	eff := kappa - 1
	if eff < 0 {
		eff = 0
	}
	return eff / (eff + 1)
}

func sortRankedDesc(r []ranked) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && r[j].draw > r[j-1].draw; j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}
