package store

import (
	"context"
	"fmt"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// UpsertMinuteBar writes one ATR-input bar; reconnects/retries may
// redeliver the same minute, so this is an upsert keyed on (asset, minute).
func (s *Store) UpsertMinuteBar(ctx context.Context, b model.MinuteBar) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO minute_bars (asset, minute_ts, mid_price, atr_14)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (asset, minute_ts) DO UPDATE SET mid_price=EXCLUDED.mid_price, atr_14=COALESCE(EXCLUDED.atr_14, minute_bars.atr_14)`,
		string(b.Asset), b.MinuteTS, b.MidPrice, b.ATR14)
	if err != nil {
		return fmt.Errorf("store: upsert minute bar %s/%s: %w", b.Asset, b.MinuteTS, err)
	}
	return nil
}

// RecentBars returns the last n minute bars for an asset, oldest first.
func (s *Store) RecentBars(ctx context.Context, asset model.Asset, n int) ([]model.MinuteBar, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT asset, minute_ts, mid_price, atr_14 FROM minute_bars
		WHERE asset=$1 ORDER BY minute_ts DESC LIMIT $2`, string(asset), n)
	if err != nil {
		return nil, fmt.Errorf("store: query recent bars %s: %w", asset, err)
	}
	defer rows.Close()

	var out []model.MinuteBar
	for rows.Next() {
		var b model.MinuteBar
		var a string
		if err := rows.Scan(&a, &b.MinuteTS, &b.MidPrice, &b.ATR14); err != nil {
			return nil, fmt.Errorf("store: scan minute bar: %w", err)
		}
		b.Asset = model.Asset(a)
		out = append(out, b)
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// InsertFill writes a normalized fill, deduplicated on dedup_hash: a
// redelivered or re-polled copy of the same venue fill is silently ignored.
// Returns whether the row was newly inserted, so callers only publish to
// the bus once per distinct fill.
func (s *Store) InsertFill(ctx context.Context, f model.Fill) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO fills (dedup_hash, fill_id, address, asset, side, size, price, start_position, resulting_position, realized_pnl, ts, action_label)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (dedup_hash) DO NOTHING`,
		f.DedupHash, f.FillID, string(f.Address), string(f.Asset), string(f.Side), f.Size, f.Price,
		f.StartPosition, f.ResultingPosition, f.RealizedPnL, f.TS, f.ActionLabel)
	if err != nil {
		return false, fmt.Errorf("store: insert fill %s: %w", f.DedupHash, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FillsFor returns every fill recorded for (address, asset) in time order,
// for the position-chain validator's walk.
func (s *Store) FillsFor(ctx context.Context, addr model.Address, asset model.Asset) ([]model.Fill, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT dedup_hash, fill_id, address, asset, side, size, price, start_position, resulting_position, realized_pnl, ts, action_label
		FROM fills WHERE address=$1 AND asset=$2 ORDER BY ts ASC`, string(addr), string(asset))
	if err != nil {
		return nil, fmt.Errorf("store: query fills %s/%s: %w", addr, asset, err)
	}
	defer rows.Close()

	var out []model.Fill
	for rows.Next() {
		var f model.Fill
		var a, asst, side string
		if err := rows.Scan(&f.DedupHash, &f.FillID, &a, &asst, &side, &f.Size, &f.Price, &f.StartPosition, &f.ResultingPosition, &f.RealizedPnL, &f.TS, &f.ActionLabel); err != nil {
			return nil, fmt.Errorf("store: scan fill: %w", err)
		}
		f.Address = model.Address(a)
		f.Asset = model.Asset(asst)
		f.Side = model.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReplaceFills atomically clears and rebuilds the (address, asset) slice,
// the validator's idempotent repair primitive (spec.md §4.2).
func (s *Store) ReplaceFills(ctx context.Context, addr model.Address, asset model.Asset, fills []model.Fill) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin replace fills %s/%s: %w", addr, asset, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM fills WHERE address=$1 AND asset=$2`, string(addr), string(asset)); err != nil {
		return fmt.Errorf("store: clear fills %s/%s: %w", addr, asset, err)
	}
	for _, f := range fills {
		if _, err := tx.Exec(ctx, `
			INSERT INTO fills (dedup_hash, fill_id, address, asset, side, size, price, start_position, resulting_position, realized_pnl, ts, action_label)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (dedup_hash) DO NOTHING`,
			f.DedupHash, f.FillID, string(f.Address), string(f.Asset), string(f.Side), f.Size, f.Price,
			f.StartPosition, f.ResultingPosition, f.RealizedPnL, f.TS, f.ActionLabel); err != nil {
			return fmt.Errorf("store: backfill insert fill %s/%s: %w", addr, asset, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit replace fills %s/%s: %w", addr, asset, err)
	}
	return nil
}
