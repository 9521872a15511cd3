package scout

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/bus"
	"github.com/sigmapilot/sigmapilot/internal/logger"
	"github.com/sigmapilot/sigmapilot/internal/model"
)

// maxFetchRetries and fetchBaseBackoff bound the venue-fetch retry per
// spec.md §4.1 ("retry with exponential backoff up to a bound").
const (
	maxFetchRetries  = 5
	fetchBaseBackoff = 500 * time.Millisecond
)

// LeaderboardFetcher is Scout's one external collaborator: the venue's
// leaderboard + per-trader enrichment API, specified only at this interface
// per spec.md §1.
type LeaderboardFetcher interface {
	FetchLeaderboard(ctx context.Context, periodDays int) ([]RawCandidate, error)
}

// CandidateEvent is the candidates.v1 payload (spec.md §6).
type CandidateEvent struct {
	Address      model.Address  `json:"address"`
	Nickname     string         `json:"nickname,omitempty"`
	AsOfFeatures map[string]any `json:"as_of_features"`
}

// Publisher is the narrow slice of *bus.Bus Scout needs, so tests can
// substitute a fake instead of a live NATS connection.
type Publisher interface {
	Publish(ctx context.Context, subject bus.Subject, v any) error
}

// LeaderboardStore is the narrow slice of *store.Store Scout needs, so
// tests can substitute a fake instead of a live Postgres connection.
type LeaderboardStore interface {
	RefreshLeaderboard(ctx context.Context, periodDays int, entries []model.LeaderboardEntry) error
}

// Service runs Scout's refresh protocol and publishes candidate events.
type Service struct {
	fetcher LeaderboardFetcher
	store   LeaderboardStore
	bus     Publisher
	topK    int
}

func NewService(fetcher LeaderboardFetcher, st LeaderboardStore, b Publisher, topK int) *Service {
	return &Service{fetcher: fetcher, store: st, bus: b, topK: topK}
}

// Refresh runs the five-step protocol of spec.md §4.1: fetch (with bounded
// retry), score+filter, atomic store replace, publish one event per
// included address. Any failure before the store write leaves prior state
// completely intact — there is no partial refresh.
func (s *Service) Refresh(ctx context.Context, periodDays int) error {
	raw, err := s.fetchWithRetry(ctx, periodDays)
	if err != nil {
		return fmt.Errorf("scout: refresh fetch failed after retries: %w", err)
	}

	entries := RankAndSelect(raw, s.topK)

	if err := s.store.RefreshLeaderboard(ctx, periodDays, entries); err != nil {
		return fmt.Errorf("scout: refresh store write: %w", err)
	}

	for _, e := range entries {
		evt := CandidateEvent{
			Address:  e.Address,
			Nickname: e.Nickname,
			AsOfFeatures: map[string]any{
				"pnl_30d":        e.PnL30D,
				"roi_30d":        e.ROI30D,
				"account_value":  e.AccountValue,
				"weekly_volume":  e.WeeklyVolume,
				"orders_per_day": e.OrdersPerDay,
				"weight":         e.Weight,
				"rank":           e.Rank,
			},
		}
		if err := s.bus.Publish(ctx, bus.Candidates, evt); err != nil {
			// Publish failures are transient I/O (§7a): log, never roll
			// back the already-committed leaderboard transaction.
			logger.Warnf("scout: publish candidate %s failed: %v", e.Address, err)
		}
	}

	logger.Infof("scout: refreshed period=%d candidates=%d selected=%d", periodDays, len(raw), len(entries))
	return nil
}

func (s *Service) fetchWithRetry(ctx context.Context, periodDays int) ([]RawCandidate, error) {
	wait := fetchBaseBackoff
	var lastErr error
	for attempt := 0; attempt < maxFetchRetries; attempt++ {
		raw, err := s.fetcher.FetchLeaderboard(ctx, periodDays)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		logger.Warnf("scout: leaderboard fetch attempt %d/%d failed: %v", attempt+1, maxFetchRetries, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, lastErr
}
