package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// RefreshLeaderboard atomically replaces one period's leaderboard rows
// inside a single transaction: delete-then-insert, never a row-by-row
// mutate, so readers never observe a half-refreshed generation.
func (s *Store) RefreshLeaderboard(ctx context.Context, periodDays int, entries []model.LeaderboardEntry) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin leaderboard refresh: %w", err)
	}
	defer tx.Rollback(ctx)

	var genID int64
	if err := tx.QueryRow(ctx, `INSERT INTO leaderboard_generations DEFAULT VALUES RETURNING generation_id`).Scan(&genID); err != nil {
		return fmt.Errorf("store: new leaderboard generation: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_entries WHERE period_days=$1`, periodDays); err != nil {
		return fmt.Errorf("store: clear leaderboard period %d: %w", periodDays, err)
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{genID, periodDays, string(e.Address), e.Rank, e.Weight, e.PnL30D, e.ROI30D, e.AccountValue, e.WeeklyVolume, e.OrdersPerDay, e.Nickname})
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"leaderboard_entries"},
			[]string{"generation_id", "period_days", "address", "rank", "weight", "pnl_30d", "roi_30d", "account_value", "weekly_volume", "orders_per_day", "nickname"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("store: insert leaderboard entries: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Leaderboard returns the most recent generation's rows for a period.
func (s *Store) Leaderboard(ctx context.Context, periodDays int) ([]model.LeaderboardEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT address, rank, weight, pnl_30d, roi_30d, account_value, weekly_volume, orders_per_day, nickname
		FROM leaderboard_entries WHERE period_days=$1 ORDER BY rank ASC`, periodDays)
	if err != nil {
		return nil, fmt.Errorf("store: query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var addr string
		if err := rows.Scan(&addr, &e.Rank, &e.Weight, &e.PnL30D, &e.ROI30D, &e.AccountValue, &e.WeeklyVolume, &e.OrdersPerDay, &e.Nickname); err != nil {
			return nil, fmt.Errorf("store: scan leaderboard row: %w", err)
		}
		e.Address = model.Address(addr)
		e.PeriodDays = periodDays
		out = append(out, e)
	}
	return out, rows.Err()
}

// PinAccount upserts a pinned account; custom pins are capped at 3 by the
// caller (Scout enforces the invariant before calling this).
func (s *Store) PinAccount(ctx context.Context, p model.PinnedAccount) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO pinned_accounts (address, is_custom, pinned_at) VALUES ($1,$2,$3)
		ON CONFLICT (address) DO UPDATE SET is_custom=EXCLUDED.is_custom, pinned_at=EXCLUDED.pinned_at`,
		string(p.Address), p.IsCustom, p.PinnedAt)
	if err != nil {
		return fmt.Errorf("store: pin account %s: %w", p.Address, err)
	}
	return nil
}

// UnpinAccount unconditionally removes a pin, leaderboard- or custom-
// pinned alike.
func (s *Store) UnpinAccount(ctx context.Context, addr model.Address) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM pinned_accounts WHERE address=$1`, string(addr))
	if err != nil {
		return fmt.Errorf("store: unpin account %s: %w", addr, err)
	}
	return nil
}

// CountCustomPins returns how many custom pins are currently active, for
// the ≤3 invariant check.
func (s *Store) CountCustomPins(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM pinned_accounts WHERE is_custom`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count custom pins: %w", err)
	}
	return n, nil
}

// PinnedAccounts returns every pinned account.
func (s *Store) PinnedAccounts(ctx context.Context) ([]model.PinnedAccount, error) {
	rows, err := s.Pool.Query(ctx, `SELECT address, is_custom, pinned_at FROM pinned_accounts`)
	if err != nil {
		return nil, fmt.Errorf("store: query pinned accounts: %w", err)
	}
	defer rows.Close()

	var out []model.PinnedAccount
	for rows.Next() {
		var p model.PinnedAccount
		var addr string
		if err := rows.Scan(&addr, &p.IsCustom, &p.PinnedAt); err != nil {
			return nil, fmt.Errorf("store: scan pinned account: %w", err)
		}
		p.Address = model.Address(addr)
		out = append(out, p)
	}
	return out, rows.Err()
}
