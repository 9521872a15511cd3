package scout

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// MaxCustomPins is the §3 invariant: at most 3 custom-pinned accounts.
const MaxCustomPins = 3

// PinnedStore is the narrow slice of *store.Store the pinned registry
// needs, so tests can substitute a fake instead of a live Postgres
// connection.
type PinnedStore interface {
	PinAccount(ctx context.Context, p model.PinnedAccount) error
	UnpinAccount(ctx context.Context, addr model.Address) error
	CountCustomPins(ctx context.Context) (int, error)
	PinnedAccounts(ctx context.Context) ([]model.PinnedAccount, error)
}

// PinnedRegistry wraps the pinned_accounts table with the add/unpin
// invariants of spec.md §4.1.
type PinnedRegistry struct {
	store PinnedStore
}

func NewPinnedRegistry(st PinnedStore) *PinnedRegistry {
	return &PinnedRegistry{store: st}
}

// AddLeaderboardPin pins an address discovered via the leaderboard;
// leaderboard pins are unbounded.
func (p *PinnedRegistry) AddLeaderboardPin(ctx context.Context, addr model.Address) error {
	return p.store.PinAccount(ctx, model.PinnedAccount{Address: addr, IsCustom: false, PinnedAt: time.Now()})
}

// AddCustomPin pins an operator-chosen address, rejected once the custom
// count already reached MaxCustomPins.
func (p *PinnedRegistry) AddCustomPin(ctx context.Context, addr model.Address) error {
	n, err := p.store.CountCustomPins(ctx)
	if err != nil {
		return fmt.Errorf("scout: count custom pins: %w", err)
	}
	if n >= MaxCustomPins {
		return fmt.Errorf("scout: custom pin limit reached (%d)", MaxCustomPins)
	}
	return p.store.PinAccount(ctx, model.PinnedAccount{Address: addr, IsCustom: true, PinnedAt: time.Now()})
}

// Unpin removes a pin unconditionally, leaderboard- or custom-pinned alike.
func (p *PinnedRegistry) Unpin(ctx context.Context, addr model.Address) error {
	return p.store.UnpinAccount(ctx, addr)
}

// Watchlist returns every pinned address, unioned into Stream's watchlist
// per spec.md §4.1 ("The set is unioned into Stream's watchlist").
func (p *PinnedRegistry) Watchlist(ctx context.Context) ([]model.Address, error) {
	pins, err := p.store.PinnedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("scout: list pinned accounts: %w", err)
	}
	out := make([]model.Address, 0, len(pins))
	for _, p := range pins {
		out = append(out, p.Address)
	}
	return out, nil
}
