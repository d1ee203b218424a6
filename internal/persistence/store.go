// Package persistence implements the relational store and its async writer
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
)

const timeLayout = time.RFC3339Nano

// Store is the sqlite-backed persistence layer. Writes hold short
// transactions; the hot path goes through the async writer.
type Store struct {
	db     *sql.DB
	writer *writer
	logger core.ILogger
}

// NewStore opens (or creates) the database and starts nothing; call
// Run on the returned store to drain the async queue.
func NewStore(dsn string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	// sqlite allows one writer; serialize all access through one conn.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "persistence"),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.writer = newWriter(s)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		params_json TEXT NOT NULL,
		specs_json TEXT NOT NULL,
		tier TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		lineage_json TEXT NOT NULL,
		last_param_change_at TEXT NOT NULL,
		validation_trades INTEGER NOT NULL,
		final_score TEXT NOT NULL,
		metrics_json TEXT NOT NULL,
		below_elim_since TEXT NOT NULL,
		inactive INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trading_signals (
		id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		confidence TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		executed INTEGER NOT NULL,
		trade_type TEXT NOT NULL,
		cycle_id TEXT,
		realized_pnl TEXT NOT NULL,
		drop_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_signals_generated ON trading_signals(generated_at);
	CREATE TABLE IF NOT EXISTS trade_cycles (
		cycle_id TEXT PRIMARY KEY,
		strategy_id TEXT NOT NULL,
		open_signal_id TEXT NOT NULL,
		close_signal_id TEXT,
		open_time TEXT NOT NULL,
		close_time TEXT,
		buy_price TEXT NOT NULL,
		sell_price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		pnl TEXT NOT NULL,
		holding_min TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT
	);
	CREATE TABLE IF NOT EXISTS simulation_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		run_at TEXT NOT NULL,
		days_simulated INTEGER NOT NULL,
		trade_count INTEGER NOT NULL,
		win_rate TEXT NOT NULL,
		total_return TEXT NOT NULL,
		sharpe TEXT NOT NULL,
		max_drawdown TEXT NOT NULL,
		score TEXT NOT NULL,
		params_json TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS evolution_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		cycle INTEGER NOT NULL,
		action TEXT NOT NULL,
		score_before TEXT NOT NULL,
		score_after TEXT NOT NULL,
		old_params_json TEXT NOT NULL,
		new_params_json TEXT NOT NULL,
		param_diff_json TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS arbitrage_tasks (
		id TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		opportunity_json TEXT NOT NULL,
		reserved_capital TEXT NOT NULL,
		state TEXT NOT NULL,
		step_log_json TEXT NOT NULL,
		transfer_json TEXT,
		realized_pnl TEXT NOT NULL,
		stuck_capital TEXT NOT NULL,
		stuck_exchange TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON arbitrage_tasks(state);
	CREATE TABLE IF NOT EXISTS balance_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exchange TEXT NOT NULL,
		asset TEXT NOT NULL,
		total TEXT NOT NULL,
		available TEXT NOT NULL,
		locked TEXT NOT NULL,
		observed_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS operation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		kind TEXT NOT NULL,
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oplogs_at ON operation_logs(at);
	CREATE TABLE IF NOT EXISTS system_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		status_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: create schema: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Run drains the async queue until the context is cancelled, then flushes.
func (s *Store) Run(ctx context.Context) error {
	return s.writer.run(ctx)
}

// EnqueueAsync submits a record for background writing. Never blocks.
func (s *Store) EnqueueAsync(rec core.Record) {
	s.writer.enqueue(rec)
}

// SaveStrategy upserts one strategy row.
func (s *Store) SaveStrategy(ctx context.Context, st *core.Strategy) error {
	params, _ := json.Marshal(st.Params)
	specs, _ := json.Marshal(st.Specs)
	lineage, _ := json.Marshal(st.Lineage)
	metrics, _ := json.Marshal(st.Metrics)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, type, symbol, params_json, specs_json, tier,
			enabled, lineage_json, last_param_change_at, validation_trades, final_score,
			metrics_json, below_elim_since, inactive, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, type=excluded.type, symbol=excluded.symbol,
			params_json=excluded.params_json, specs_json=excluded.specs_json,
			tier=excluded.tier, enabled=excluded.enabled, lineage_json=excluded.lineage_json,
			last_param_change_at=excluded.last_param_change_at,
			validation_trades=excluded.validation_trades, final_score=excluded.final_score,
			metrics_json=excluded.metrics_json, below_elim_since=excluded.below_elim_since,
			inactive=excluded.inactive`,
		st.ID, st.Name, st.Type, st.Symbol, string(params), string(specs), string(st.Tier),
		boolInt(st.Enabled), string(lineage), st.LastParamChangeAt.UTC().Format(timeLayout),
		st.ValidationTradesSinceChange, st.FinalScore.String(), string(metrics),
		st.BelowEliminationSince.UTC().Format(timeLayout), boolInt(st.Inactive),
		st.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("%w: save strategy: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	return nil
}

// LoadStrategies returns every persisted strategy, active and inactive.
func (s *Store) LoadStrategies(ctx context.Context) ([]*core.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, symbol, params_json, specs_json, tier, enabled,
			lineage_json, last_param_change_at, validation_trades, final_score,
			metrics_json, below_elim_since, inactive, created_at
		FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("%w: load strategies: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*core.Strategy
	for rows.Next() {
		var st core.Strategy
		var params, specs, lineage, metrics string
		var lastChange, belowSince, createdAt, tier, finalScore string
		var enabled, inactive int
		if err := rows.Scan(&st.ID, &st.Name, &st.Type, &st.Symbol, &params, &specs,
			&tier, &enabled, &lineage, &lastChange, &st.ValidationTradesSinceChange,
			&finalScore, &metrics, &belowSince, &inactive, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan strategy: %v", apperrors.ErrPersistenceUnavailable, err)
		}
		if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
			return nil, fmt.Errorf("strategy %s params: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(specs), &st.Specs); err != nil {
			return nil, fmt.Errorf("strategy %s specs: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(lineage), &st.Lineage); err != nil {
			return nil, fmt.Errorf("strategy %s lineage: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &st.Metrics); err != nil {
			return nil, fmt.Errorf("strategy %s metrics: %w", st.ID, err)
		}
		st.Tier = core.Tier(tier)
		st.Enabled = enabled != 0
		st.Inactive = inactive != 0
		st.FinalScore = mustDecimal(finalScore)
		st.LastParamChangeAt = mustTime(lastChange)
		st.BelowEliminationSince = mustTime(belowSince)
		st.CreatedAt = mustTime(createdAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// SaveTask upserts one arbitrage task row.
func (s *Store) SaveTask(ctx context.Context, t *core.ArbitrageTask) error {
	opp, _ := json.Marshal(t.Opportunity)
	steps, _ := json.Marshal(t.StepLog)
	var transfer []byte
	if t.Transfer != nil {
		transfer, _ = json.Marshal(t.Transfer)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO arbitrage_tasks (id, class, opportunity_json, reserved_capital, state,
			step_log_json, transfer_json, realized_pnl, stuck_capital, stuck_exchange,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, step_log_json=excluded.step_log_json,
			transfer_json=excluded.transfer_json, realized_pnl=excluded.realized_pnl,
			stuck_capital=excluded.stuck_capital, stuck_exchange=excluded.stuck_exchange,
			updated_at=excluded.updated_at`,
		t.ID, string(t.Class), string(opp), t.ReservedCapital.String(), string(t.State),
		string(steps), nullString(string(transfer)), t.RealizedPnL.String(),
		t.StuckCapital.String(), t.StuckExchange,
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("%w: save task: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	return nil
}

// LoadOpenTasks returns tasks whose state is not terminal, for resume.
func (s *Store) LoadOpenTasks(ctx context.Context) ([]*core.ArbitrageTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, class, opportunity_json, reserved_capital, state, step_log_json,
			transfer_json, realized_pnl, stuck_capital, stuck_exchange, created_at, updated_at
		FROM arbitrage_tasks
		WHERE state IN (?, ?, ?, ?)`,
		string(core.TaskPending), string(core.TaskExecuting),
		string(core.TaskAwaitingTransfer), string(core.TaskSettling))
	if err != nil {
		return nil, fmt.Errorf("%w: load open tasks: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*core.ArbitrageTask
	for rows.Next() {
		var t core.ArbitrageTask
		var class, opp, reserved, state, steps, pnl, stuck, createdAt, updatedAt string
		var transfer sql.NullString
		if err := rows.Scan(&t.ID, &class, &opp, &reserved, &state, &steps, &transfer,
			&pnl, &stuck, &t.StuckExchange, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", apperrors.ErrPersistenceUnavailable, err)
		}
		if err := json.Unmarshal([]byte(opp), &t.Opportunity); err != nil {
			return nil, fmt.Errorf("task %s opportunity: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(steps), &t.StepLog); err != nil {
			return nil, fmt.Errorf("task %s step log: %w", t.ID, err)
		}
		if transfer.Valid && transfer.String != "" {
			t.Transfer = &core.Transfer{}
			if err := json.Unmarshal([]byte(transfer.String), t.Transfer); err != nil {
				return nil, fmt.Errorf("task %s transfer: %w", t.ID, err)
			}
		}
		t.Class = core.OpportunityClass(class)
		t.State = core.TaskState(state)
		t.ReservedCapital = mustDecimal(reserved)
		t.RealizedPnL = mustDecimal(pnl)
		t.StuckCapital = mustDecimal(stuck)
		t.CreatedAt = mustTime(createdAt)
		t.UpdatedAt = mustTime(updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListSignals returns the most recent signals, newest first.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]*core.TradingSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, side, price, quantity, confidence, generated_at,
			executed, trade_type, cycle_id, realized_pnl, drop_reason
		FROM trading_signals ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list signals: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*core.TradingSignal
	for rows.Next() {
		var sig core.TradingSignal
		var side, price, qty, conf, generatedAt, tradeType, pnl string
		var cycleID, dropReason sql.NullString
		var executed int
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &side, &price, &qty,
			&conf, &generatedAt, &executed, &tradeType, &cycleID, &pnl, &dropReason); err != nil {
			return nil, fmt.Errorf("%w: scan signal: %v", apperrors.ErrPersistenceUnavailable, err)
		}
		sig.Side = core.OrderSide(side)
		sig.Price = mustDecimal(price)
		sig.Quantity = mustDecimal(qty)
		sig.Confidence = mustDecimal(conf)
		sig.GeneratedAt = mustTime(generatedAt)
		sig.Executed = executed != 0
		sig.TradeType = core.TradeType(tradeType)
		sig.CycleID = cycleID.String
		sig.RealizedPnL = mustDecimal(pnl)
		sig.DropReason = dropReason.String
		out = append(out, &sig)
	}
	return out, rows.Err()
}

// ListOperationLogs returns recent logs, newest first; category "" matches all.
func (s *Store) ListOperationLogs(ctx context.Context, category string, limit int) ([]*core.OperationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT category, message, kind, at FROM operation_logs`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list operation logs: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []*core.OperationLog
	for rows.Next() {
		var l core.OperationLog
		var at string
		if err := rows.Scan(&l.Category, &l.Message, &l.Kind, &at); err != nil {
			return nil, fmt.Errorf("%w: scan operation log: %v", apperrors.ErrPersistenceUnavailable, err)
		}
		l.At = mustTime(at)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// SaveStatus persists the single system status row.
func (s *Store) SaveStatus(ctx context.Context, st *core.SystemStatus) error {
	payload, _ := json.Marshal(st)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_status (id, status_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status_json=excluded.status_json, updated_at=excluded.updated_at`,
		string(payload), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("%w: save status: %v", apperrors.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Close closes the database. Call after Run has returned.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insertSignal(ctx context.Context, sig *core.TradingSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trading_signals (id, strategy_id, symbol, side, price,
			quantity, confidence, generated_at, executed, trade_type, cycle_id,
			realized_pnl, drop_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.StrategyID, sig.Symbol, string(sig.Side), sig.Price.String(),
		sig.Quantity.String(), sig.Confidence.String(),
		sig.GeneratedAt.UTC().Format(timeLayout), boolInt(sig.Executed),
		string(sig.TradeType), sig.CycleID, sig.RealizedPnL.String(), sig.DropReason)
	return err
}

func (s *Store) insertCycle(ctx context.Context, c *core.TradeCycle) error {
	var closeTime string
	if !c.CloseTime.IsZero() {
		closeTime = c.CloseTime.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trade_cycles (cycle_id, strategy_id, open_signal_id,
			close_signal_id, open_time, close_time, buy_price, sell_price, quantity,
			pnl, holding_min, status, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CycleID, c.StrategyID, c.OpenSignalID, c.CloseSignalID,
		c.OpenTime.UTC().Format(timeLayout), closeTime, c.BuyPrice.String(),
		c.SellPrice.String(), c.Quantity.String(), c.PnL.String(),
		c.HoldingMin.String(), string(c.Status), c.Reason)
	return err
}

func (s *Store) insertSimulation(ctx context.Context, r *core.SimulationResult) error {
	params, _ := json.Marshal(r.ParamsSnapshot)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulation_history (strategy_id, run_at, days_simulated, trade_count,
			win_rate, total_return, sharpe, max_drawdown, score, params_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StrategyID, r.RunAt.UTC().Format(timeLayout), r.DaysSimulated, r.TradeCount,
		r.WinRate.String(), r.TotalReturn.String(), r.Sharpe.String(),
		r.MaxDrawdown.String(), r.Score.String(), string(params))
	return err
}

func (s *Store) insertEvolution(ctx context.Context, r *core.EvolutionRecord) error {
	oldParams, _ := json.Marshal(r.OldParams)
	newParams, _ := json.Marshal(r.NewParams)
	diff, _ := json.Marshal(r.ParamDiff)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolution_history (strategy_id, generation, cycle, action,
			score_before, score_after, old_params_json, new_params_json, param_diff_json,
			reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StrategyID, r.Generation, r.Cycle, string(r.Action), r.ScoreBefore.String(),
		r.ScoreAfter.String(), string(oldParams), string(newParams), string(diff),
		r.Reason, r.At.UTC().Format(timeLayout))
	return err
}

func (s *Store) insertBalance(ctx context.Context, b *core.BalanceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_history (exchange, asset, total, available, locked, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.Exchange, b.Asset, b.Total.String(), b.Available.String(), b.Locked.String(),
		b.ObservedAt.UTC().Format(timeLayout))
	return err
}

func (s *Store) insertOpLog(ctx context.Context, l *core.OperationLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_logs (category, message, kind, at) VALUES (?, ?, ?, ?)`,
		l.Category, l.Message, l.Kind, l.At.UTC().Format(timeLayout))
	return err
}

// PruneOldRows applies the retention policy to append-only tables.
func (s *Store) PruneOldRows(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	for _, stmt := range []string{
		`DELETE FROM operation_logs WHERE at < ?`,
		`DELETE FROM balance_history WHERE observed_at < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("%w: prune: %v", apperrors.ErrPersistenceUnavailable, err)
		}
	}
	return nil
}
