package sage

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
	"github.com/sigmapilot/sigmapilot/internal/posterior"
)

// AccountSource resolves an address's live equity and liquidation flag,
// Sage's one external collaborator for shadow-ledger assembly beyond what
// the store already holds.
type AccountSource interface {
	AccountSnapshot(ctx context.Context, addr model.Address) (equity float64, liquidated bool, err error)
}

// FeatureStore is the narrow slice of *store.Store the feature assembler
// needs, beyond PoolStore/SnapshotStore.
type FeatureStore interface {
	Leaderboard(ctx context.Context, periodDays int) ([]model.LeaderboardEntry, error)
	PinnedAccounts(ctx context.Context) ([]model.PinnedAccount, error)
	ResultRHistory(ctx context.Context, addr model.Address) ([]float64, error)
	EpisodeCount(ctx context.Context, addr model.Address) (int, error)
	Posterior(ctx context.Context, addr model.Address) (model.NIGPosterior, bool, error)
}

// FeatureBuilder assembles one day's AddressFeatures set for every address
// currently on Scout's leaderboard, in Sage's pool, or pinned — the union
// the shadow ledger tracks (spec.md §4.3: "every scanned, filtered,
// qualified, or selected address gets a row").
type FeatureBuilder struct {
	store    FeatureStore
	accounts AccountSource
}

func NewFeatureBuilder(st FeatureStore, accounts AccountSource) *FeatureBuilder {
	return &FeatureBuilder{store: st, accounts: accounts}
}

// Build assembles AddressFeatures for asOf. priorPool is the previous
// snapshot's pool membership, used to populate WasPoolSelected so the
// caller can classify promoted/demoted/active/entered events.
func (b *FeatureBuilder) Build(ctx context.Context, asOf time.Time, pool, pinned []model.Address, priorPool map[model.Address]bool, selectionVersion int) ([]AddressFeatures, error) {
	leaderboard, err := b.store.Leaderboard(ctx, 30)
	if err != nil {
		return nil, fmt.Errorf("sage: load leaderboard for features: %w", err)
	}

	universe := make(map[model.Address]struct{})
	byAddr := make(map[model.Address]model.LeaderboardEntry, len(leaderboard))
	for _, e := range leaderboard {
		universe[e.Address] = struct{}{}
		byAddr[e.Address] = e
	}
	poolSet := make(map[model.Address]bool, len(pool))
	for _, a := range pool {
		universe[a] = struct{}{}
		poolSet[a] = true
	}
	pinnedSet := make(map[model.Address]bool, len(pinned))
	for _, a := range pinned {
		universe[a] = struct{}{}
		pinnedSet[a] = true
	}

	out := make([]AddressFeatures, 0, len(universe))
	for addr := range universe {
		entry, scanned := byAddr[addr]

		rValues, err := b.store.ResultRHistory(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("sage: load result_r history %s: %w", addr, err)
		}
		episodeCount, err := b.store.EpisodeCount(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("sage: episode count %s: %w", addr, err)
		}
		nig, ok, err := b.store.Posterior(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("sage: load posterior %s: %w", addr, err)
		}
		if !ok {
			nig = posterior.NewTraderPrior(addr)
		}

		equity, liquidated, err := b.accounts.AccountSnapshot(ctx, addr)
		if err != nil {
			// A stale or unreachable account doesn't block the whole
			// snapshot; it just can't be death/censor classified this run.
			equity = 0
		}

		seed := posterior.DeriveSeed(asOf, addr, selectionVersion)
		draw := posterior.ThompsonDraw(nig, seed)

		out = append(out, AddressFeatures{
			Address:          addr,
			PnL30D:           entry.PnL30D,
			ROI30D:           entry.ROI30D,
			AccountValue:     entry.AccountValue,
			EpisodeCount:     episodeCount,
			RValues:          rValues,
			NIG:              nig,
			ThompsonDraw:     draw,
			ThompsonSeed:     seed,
			Scanned:          scanned,
			Filtered:         scanned,
			Qualified:        episodeCount >= 1,
			PoolSelected:     poolSet[addr],
			WasPoolSelected:  priorPool[addr],
			Pinned:           pinnedSet[addr],
			PeakEquity:       equity,
			CurrentEquity:    equity,
			Liquidated:       liquidated,
			LastActivity:     asOf,
			HasBTCETHHistory: len(rValues) > 0,
		})
	}
	return out, nil
}
