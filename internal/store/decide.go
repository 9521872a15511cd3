package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sigmapilot/sigmapilot/internal/model"
)

// InsertEpisode and UpdateEpisode cover the open/close lifecycle written
// by Decide's episode builder.
func (s *Store) InsertEpisode(ctx context.Context, e model.PositionEpisode) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO position_episodes (id, address, asset, direction, entry_vwap, entry_size, entry_ts, status, last_fill_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, string(e.Address), string(e.Asset), string(e.Direction), e.EntryVWAP, e.EntrySize, e.EntryTS, string(e.Status), e.LastFillTS)
	if err != nil {
		return fmt.Errorf("store: insert episode %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) UpdateEpisode(ctx context.Context, e model.PositionEpisode) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE position_episodes SET entry_vwap=$2, entry_size=$3, exit_vwap=$4, exit_ts=$5,
			realized_pnl=$6, result_r=$7, status=$8, closed_reason=$9, last_fill_ts=$10
		WHERE id=$1`,
		e.ID, e.EntryVWAP, e.EntrySize, e.ExitVWAP, e.ExitTS, e.RealizedPnL, e.ResultR, string(e.Status), string(e.ClosedReason), e.LastFillTS)
	if err != nil {
		return fmt.Errorf("store: update episode %s: %w", e.ID, err)
	}
	return nil
}

// InsertSignal records a fired consensus signal.
func (s *Store) InsertSignal(ctx context.Context, sig model.ConsensusSignal) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO consensus_signals (id, ts, asset, direction, n_traders, n_agree, majority_pct, effective_k,
			p_win, ev_net_r, entry_price, stop_price, target_exchange, fees_bps, slippage_bps, funding_bps)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sig.ID, sig.TS, string(sig.Asset), string(sig.Direction), sig.NTraders, sig.NAgree, sig.MajorityPct, sig.EffectiveK,
		sig.PWin, sig.EVNetR, sig.EntryPrice, sig.StopPrice, sig.TargetExchange, sig.FeesBps, sig.SlippageBps, sig.FundingBps)
	if err != nil {
		return fmt.Errorf("store: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// BackAnnotateSignal writes the realized outcome once the triggered
// episode closes.
func (s *Store) BackAnnotateSignal(ctx context.Context, signalID string, outcome string, realizedR float64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE consensus_signals SET outcome=$2, realized_r=$3 WHERE id=$1`, signalID, outcome, realizedR)
	if err != nil {
		return fmt.Errorf("store: back-annotate signal %s: %w", signalID, err)
	}
	return nil
}

// RecentOpenSignal finds the most recent not-yet-annotated signal for
// (asset, direction) fired at or after since, the match rule spec.md §4.4.1
// back-annotation uses ("match by address, asset, direction, within signal
// window"; address itself does not gate a signal, which is a pool-level
// consensus event, so the window plus asset/direction is the match key).
func (s *Store) RecentOpenSignal(ctx context.Context, asset model.Asset, direction model.Direction, since time.Time) (model.ConsensusSignal, bool, error) {
	var sig model.ConsensusSignal
	err := s.Pool.QueryRow(ctx, `
		SELECT id, ts, asset, direction, n_traders, n_agree, majority_pct, effective_k,
			p_win, ev_net_r, entry_price, stop_price, target_exchange, fees_bps, slippage_bps, funding_bps
		FROM consensus_signals
		WHERE asset=$1 AND direction=$2 AND ts>=$3 AND outcome IS NULL
		ORDER BY ts DESC LIMIT 1`,
		string(asset), string(direction), since).
		Scan(&sig.ID, &sig.TS, &sig.Asset, &sig.Direction, &sig.NTraders, &sig.NAgree, &sig.MajorityPct, &sig.EffectiveK,
			&sig.PWin, &sig.EVNetR, &sig.EntryPrice, &sig.StopPrice, &sig.TargetExchange, &sig.FeesBps, &sig.SlippageBps, &sig.FundingBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ConsensusSignal{}, false, nil
	}
	if err != nil {
		return model.ConsensusSignal{}, false, fmt.Errorf("store: query recent open signal: %w", err)
	}
	return sig, true, nil
}

// UpdateDecisionLogOutcome back-annotates outcome_pnl/outcome_r_multiple on
// the decision log row tied to signalID, once its triggered episode closes
// (spec.md §4.4.6).
func (s *Store) UpdateDecisionLogOutcome(ctx context.Context, signalID string, pnl, r float64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE decision_logs SET outcome_pnl=$2, outcome_r_multiple=$3 WHERE signal_id=$1`, signalID, pnl, r)
	if err != nil {
		return fmt.Errorf("store: back-annotate decision log for signal %s: %w", signalID, err)
	}
	return nil
}

// ClosedEpisodeCount returns the total number of closed episodes across the
// pool, the denominator Kelly sizing checks against KELLY_MIN_EPISODES
// before trusting the edge estimate (spec.md §4.4.5).
func (s *Store) ClosedEpisodeCount(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM position_episodes WHERE status='closed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count closed episodes: %w", err)
	}
	return n, nil
}

// InsertDecisionLog writes every consensus evaluation, fired or not.
func (s *Store) InsertDecisionLog(ctx context.Context, d model.DecisionLog) error {
	gates, err := json.Marshal(d.Gates)
	if err != nil {
		return fmt.Errorf("store: marshal decision gates: %w", err)
	}
	risks, err := json.Marshal(d.RiskChecks)
	if err != nil {
		return fmt.Errorf("store: marshal decision risk checks: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO decision_logs (id, ts, asset, direction, decision_type, gates, risk_checks, reasoning_text,
			execution_status, signal_id, outcome_pnl, outcome_r_multiple)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.TS, string(d.Asset), string(d.Direction), string(d.DecisionType), gates, risks, d.ReasoningText,
		d.ExecutionStatus, d.SignalID, d.OutcomePnL, d.OutcomeRMultiple)
	if err != nil {
		return fmt.Errorf("store: insert decision log %s: %w", d.ID, err)
	}
	return nil
}

// UpsertActiveStop and RemoveActiveStop track live stop/TP pairs.
func (s *Store) UpsertActiveStop(ctx context.Context, a model.ActiveStop) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO active_stops (position_id, address, asset, stop_price, take_profit_price, size,
			native_sl_order_id, native_tp_order_id, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (position_id) DO UPDATE SET stop_price=EXCLUDED.stop_price, take_profit_price=EXCLUDED.take_profit_price,
			size=EXCLUDED.size, native_sl_order_id=EXCLUDED.native_sl_order_id, native_tp_order_id=EXCLUDED.native_tp_order_id`,
		a.PositionID, string(a.Address), string(a.Asset), a.StopPrice, a.TakeProfitPrice, a.Size,
		a.NativeSLOrderID, a.NativeTPOrderID, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("store: upsert active stop %s: %w", a.PositionID, err)
	}
	return nil
}

func (s *Store) RemoveActiveStop(ctx context.Context, positionID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM active_stops WHERE position_id=$1`, positionID)
	if err != nil {
		return fmt.Errorf("store: remove active stop %s: %w", positionID, err)
	}
	return nil
}

func (s *Store) ActiveStops(ctx context.Context) ([]model.ActiveStop, error) {
	rows, err := s.Pool.Query(ctx, `SELECT position_id, address, asset, stop_price, take_profit_price, size, native_sl_order_id, native_tp_order_id, registered_at FROM active_stops`)
	if err != nil {
		return nil, fmt.Errorf("store: query active stops: %w", err)
	}
	defer rows.Close()

	var out []model.ActiveStop
	for rows.Next() {
		var a model.ActiveStop
		var addr, asset string
		if err := rows.Scan(&a.PositionID, &addr, &asset, &a.StopPrice, &a.TakeProfitPrice, &a.Size, &a.NativeSLOrderID, &a.NativeTPOrderID, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("store: scan active stop: %w", err)
		}
		a.Address, a.Asset = model.Address(addr), model.Asset(asset)
		out = append(out, a)
	}
	return out, rows.Err()
}

// KillSwitch reads and writes the singleton kill-switch row.
func (s *Store) KillSwitch(ctx context.Context) (model.KillSwitchState, error) {
	var k model.KillSwitchState
	err := s.Pool.QueryRow(ctx, `SELECT active, activated_at, cooldown_expires_at, reason FROM kill_switch_state WHERE singleton`).
		Scan(&k.Active, &k.ActivatedAt, &k.CooldownExpiresAt, &k.Reason)
	if err != nil {
		return model.KillSwitchState{}, fmt.Errorf("store: read kill switch: %w", err)
	}
	return k, nil
}

func (s *Store) SetKillSwitch(ctx context.Context, k model.KillSwitchState) error {
	_, err := s.Pool.Exec(ctx, `UPDATE kill_switch_state SET active=$1, activated_at=$2, cooldown_expires_at=$3, reason=$4 WHERE singleton`,
		k.Active, k.ActivatedAt, k.CooldownExpiresAt, k.Reason)
	if err != nil {
		return fmt.Errorf("store: write kill switch: %w", err)
	}
	return nil
}

// ExecutionConfigEnabled reads the admin-toggled dual-gate flag.
func (s *Store) ExecutionConfigEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.Pool.QueryRow(ctx, `SELECT enabled FROM execution_config WHERE singleton`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("store: read execution config: %w", err)
	}
	return enabled, nil
}

func (s *Store) SetExecutionConfigEnabled(ctx context.Context, enabled bool) error {
	_, err := s.Pool.Exec(ctx, `UPDATE execution_config SET enabled=$1 WHERE singleton`, enabled)
	if err != nil {
		return fmt.Errorf("store: write execution config: %w", err)
	}
	return nil
}
