package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// UpsertPosterior writes the updated NIG posterior for a trader after a
// closed-episode outcome (Sage's posterior-maintenance consumer).
func (s *Store) UpsertPosterior(ctx context.Context, p model.NIGPosterior) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO nig_posteriors (address, m, kappa, alpha, beta, total_signals, total_pnl_r, avg_r, last_update_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (address) DO UPDATE SET
			m=EXCLUDED.m, kappa=EXCLUDED.kappa, alpha=EXCLUDED.alpha, beta=EXCLUDED.beta,
			total_signals=EXCLUDED.total_signals, total_pnl_r=EXCLUDED.total_pnl_r,
			avg_r=EXCLUDED.avg_r, last_update_ts=EXCLUDED.last_update_ts`,
		string(p.Address), p.M, p.Kappa, p.Alpha, p.Beta, p.TotalSignals, p.TotalPnLR, p.AvgR, p.LastUpdateTS)
	if err != nil {
		return fmt.Errorf("store: upsert posterior %s: %w", p.Address, err)
	}
	return nil
}

// Posterior fetches a trader's current NIG posterior, or a fresh prior's
// zero value with ok=false if none exists yet.
func (s *Store) Posterior(ctx context.Context, addr model.Address) (model.NIGPosterior, bool, error) {
	var p model.NIGPosterior
	var a string
	err := s.Pool.QueryRow(ctx, `
		SELECT address, m, kappa, alpha, beta, total_signals, total_pnl_r, avg_r, last_update_ts
		FROM nig_posteriors WHERE address=$1`, string(addr)).
		Scan(&a, &p.M, &p.Kappa, &p.Alpha, &p.Beta, &p.TotalSignals, &p.TotalPnLR, &p.AvgR, &p.LastUpdateTS)
	if err != nil {
		return model.NIGPosterior{}, false, nil
	}
	p.Address = model.Address(a)
	return p, true, nil
}

// ReplacePoolMembership atomically swaps the live alpha-pool membership set
// (spec.md: "the selected set... ≤POOL_SIZE", refreshed wholesale).
func (s *Store) ReplacePoolMembership(ctx context.Context, members []model.AlphaPoolMember) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin pool refresh: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE alpha_pool_members SET is_active=false`); err != nil {
		return fmt.Errorf("store: deactivate pool members: %w", err)
	}
	for _, m := range members {
		_, err := tx.Exec(ctx, `
			INSERT INTO alpha_pool_members (address, is_active, added_at, last_refreshed)
			VALUES ($1,true,$2,$3)
			ON CONFLICT (address) DO UPDATE SET is_active=true, last_refreshed=EXCLUDED.last_refreshed`,
			string(m.Address), m.AddedAt, m.LastRefreshed)
		if err != nil {
			return fmt.Errorf("store: upsert pool member %s: %w", m.Address, err)
		}
	}
	return tx.Commit(ctx)
}

// ActivePoolMembers returns every currently-active pool member.
func (s *Store) ActivePoolMembers(ctx context.Context) ([]model.AlphaPoolMember, error) {
	rows, err := s.Pool.Query(ctx, `SELECT address, is_active, added_at, last_refreshed FROM alpha_pool_members WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("store: query pool members: %w", err)
	}
	defer rows.Close()

	var out []model.AlphaPoolMember
	for rows.Next() {
		var m model.AlphaPoolMember
		var addr string
		if err := rows.Scan(&addr, &m.IsActive, &m.AddedAt, &m.LastRefreshed); err != nil {
			return nil, fmt.Errorf("store: scan pool member: %w", err)
		}
		m.Address = model.Address(addr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertSnapshot records one immutable shadow-ledger row.
func (s *Store) InsertSnapshot(ctx context.Context, sn model.TraderSnapshot) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO trader_snapshots (snapshot_date, address, selection_version, pnl_30d, roi_30d, account_value,
			episode_count, nig_m, nig_kappa, nig_alpha, nig_beta, thompson_draw, thompson_seed, selection_rank,
			scanned, filtered, qualified, pool_selected, pinned, event_type, event_subtype)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (snapshot_date, address) DO NOTHING`,
		sn.SnapshotDate, string(sn.Address), sn.SelectionVersion, sn.PnL30D, sn.ROI30D, sn.AccountValue,
		sn.EpisodeCount, sn.NIG.M, sn.NIG.Kappa, sn.NIG.Alpha, sn.NIG.Beta, sn.ThompsonDraw, int64(sn.ThompsonSeed),
		sn.SelectionRank, sn.Scanned, sn.Filtered, sn.Qualified, sn.PoolSelected, sn.Pinned, sn.EventType, sn.EventSubType)
	if err != nil {
		return fmt.Errorf("store: insert snapshot %s/%s: %w", sn.SnapshotDate, sn.Address, err)
	}
	return nil
}

// SnapshotsBetween returns every trader_snapshots row with snapshot_date in
// [start, end], ordered by date then address — the only table Replay is
// allowed to read (spec.md §9: "the replay endpoint reads only from the
// snapshot table").
func (s *Store) SnapshotsBetween(ctx context.Context, start, end time.Time) ([]model.TraderSnapshot, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT snapshot_date, address, selection_version, pnl_30d, roi_30d, account_value,
			episode_count, nig_m, nig_kappa, nig_alpha, nig_beta, thompson_draw, thompson_seed, selection_rank,
			scanned, filtered, qualified, pool_selected, pinned, event_type, event_subtype
		FROM trader_snapshots
		WHERE snapshot_date BETWEEN $1 AND $2
		ORDER BY snapshot_date ASC, address ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: snapshots between %s/%s: %w", start, end, err)
	}
	defer rows.Close()

	var out []model.TraderSnapshot
	for rows.Next() {
		var sn model.TraderSnapshot
		var addr string
		var seed int64
		if err := rows.Scan(&sn.SnapshotDate, &addr, &sn.SelectionVersion, &sn.PnL30D, &sn.ROI30D, &sn.AccountValue,
			&sn.EpisodeCount, &sn.NIG.M, &sn.NIG.Kappa, &sn.NIG.Alpha, &sn.NIG.Beta, &sn.ThompsonDraw, &seed,
			&sn.SelectionRank, &sn.Scanned, &sn.Filtered, &sn.Qualified, &sn.PoolSelected, &sn.Pinned,
			&sn.EventType, &sn.EventSubType); err != nil {
			return nil, fmt.Errorf("store: scan snapshot row: %w", err)
		}
		sn.Address = model.Address(addr)
		sn.ThompsonSeed = uint64(seed)
		out = append(out, sn)
	}
	return out, rows.Err()
}

// UpsertCorrelation writes one pairwise correlation row, addr_a < addr_b
// normalized by the caller.
func (s *Store) UpsertCorrelation(ctx context.Context, c model.PairwiseCorrelation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO pairwise_correlations (as_of_date, addr_a, addr_b, rho, n_common_buckets)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (as_of_date, addr_a, addr_b) DO UPDATE SET rho=EXCLUDED.rho, n_common_buckets=EXCLUDED.n_common_buckets`,
		c.AsOfDate, string(c.AddrA), string(c.AddrB), c.Rho, c.NCommonBuckets)
	if err != nil {
		return fmt.Errorf("store: upsert correlation %s/%s: %w", c.AddrA, c.AddrB, err)
	}
	return nil
}

// ResultRHistory returns every closed episode's result_r for addr, oldest
// first, the per-address sample Sage's snapshot job tests for FDR
// qualification (spec.md §4.3).
func (s *Store) ResultRHistory(ctx context.Context, addr model.Address) ([]float64, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT result_r FROM position_episodes
		WHERE address=$1 AND status='closed' AND result_r IS NOT NULL
		ORDER BY exit_ts ASC`, string(addr))
	if err != nil {
		return nil, fmt.Errorf("store: query result_r history %s: %w", addr, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("store: scan result_r %s: %w", addr, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestCorrelations returns every pairwise correlation row as of the most
// recent as_of_date on file, the snapshot Decide's correlation cache
// refreshes from periodically (spec.md §4.4.2's gate G2 effective-K input).
func (s *Store) LatestCorrelations(ctx context.Context) ([]model.PairwiseCorrelation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT as_of_date, addr_a, addr_b, rho, n_common_buckets
		FROM pairwise_correlations
		WHERE as_of_date = (SELECT max(as_of_date) FROM pairwise_correlations)`)
	if err != nil {
		return nil, fmt.Errorf("store: query latest correlations: %w", err)
	}
	defer rows.Close()

	var out []model.PairwiseCorrelation
	for rows.Next() {
		var c model.PairwiseCorrelation
		var a, b string
		if err := rows.Scan(&c.AsOfDate, &a, &b, &c.Rho, &c.NCommonBuckets); err != nil {
			return nil, fmt.Errorf("store: scan correlation row: %w", err)
		}
		c.AddrA, c.AddrB = model.Address(a), model.Address(b)
		out = append(out, c)
	}
	return out, rows.Err()
}

// EpisodeCount returns the number of closed episodes ever recorded for
// addr, Sage's MIN_EPISODES eligibility check.
func (s *Store) EpisodeCount(ctx context.Context, addr model.Address) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM position_episodes WHERE address=$1 AND status='closed'`, string(addr)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count episodes %s: %w", addr, err)
	}
	return n, nil
}

// SignBuckets buckets addr's net position change into 5-minute windows
// since `since`, returning sign(sum(signed_size)) per bucket start — the
// correlation job's per-address vector (spec.md §4.3).
func (s *Store) SignBuckets(ctx context.Context, addr model.Address, since time.Time) (map[time.Time]int, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT date_trunc('hour', ts) + (extract(minute from ts)::int / 5) * interval '5 minute' AS bucket,
			sum(CASE WHEN side='buy' THEN size ELSE -size END) AS net
		FROM fills WHERE address=$1 AND ts >= $2
		GROUP BY bucket`, string(addr), since)
	if err != nil {
		return nil, fmt.Errorf("store: query sign buckets %s: %w", addr, err)
	}
	defer rows.Close()

	out := make(map[time.Time]int)
	for rows.Next() {
		var bucket time.Time
		var net float64
		if err := rows.Scan(&bucket, &net); err != nil {
			return nil, fmt.Errorf("store: scan sign bucket: %w", err)
		}
		switch {
		case net > 0:
			out[bucket] = 1
		case net < 0:
			out[bucket] = -1
		default:
			out[bucket] = 0
		}
	}
	return out, rows.Err()
}

// Correlation looks up rho for an unordered pair on a given date.
func (s *Store) Correlation(ctx context.Context, asOf string, a, b model.Address) (float64, bool, error) {
	lo, hi := string(a), string(b)
	if hi < lo {
		lo, hi = hi, lo
	}
	var rho float64
	err := s.Pool.QueryRow(ctx, `SELECT rho FROM pairwise_correlations WHERE as_of_date=$1 AND addr_a=$2 AND addr_b=$3`, asOf, lo, hi).Scan(&rho)
	if err != nil {
		return 0, false, nil
	}
	return rho, true, nil
}
