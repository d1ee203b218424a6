// Package control exposes the operator command surface
package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/arbitrage"
	"quant_trader/internal/core"
	"quant_trader/internal/dispatch"
	"quant_trader/internal/evolution"
	"quant_trader/internal/strategy"
)

// Response is the uniform command result envelope.
type Response struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Status: "ok", Data: data}
}

func fail(format string, args ...interface{}) Response {
	return Response{Status: "error", Message: fmt.Sprintf(format, args...)}
}

// StrategySummary is the list projection of a strategy.
type StrategySummary struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Symbol     string          `json:"symbol"`
	Tier       core.Tier       `json:"tier"`
	Enabled    bool            `json:"enabled"`
	FinalScore decimal.Decimal `json:"final_score"`
	WinRate    decimal.Decimal `json:"win_rate"`
	TradeCount int             `json:"trade_count"`
	Generation int             `json:"generation"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StrategyDetail is the single-strategy projection with parameters and
// rolling metrics.
type StrategyDetail struct {
	StrategySummary
	Params                      map[string]decimal.Decimal `json:"params"`
	Lineage                     core.Lineage               `json:"lineage"`
	Metrics                     core.RollingMetrics        `json:"metrics"`
	LastParamChangeAt           time.Time                  `json:"last_param_change_at"`
	ValidationTradesSinceChange int                        `json:"validation_trades_since_change"`
}

// AccountInfo is the balance projection for one exchange.
type AccountInfo struct {
	Exchange string                  `json:"exchange"`
	Balances map[string]core.Balance `json:"balances,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Service implements the command set. It is transport neutral; callers
// wrap it in whatever surface they need. No method holds a lock across
// an exchange call.
type Service struct {
	pool       *strategy.Pool
	scheduler  *evolution.Scheduler
	dispatcher *dispatch.Dispatcher
	executor   *arbitrage.Executor
	status     core.IStatusOwner
	store      core.IStore
	exchanges  map[string]core.IExchange
	logger     core.ILogger
}

func NewService(
	pool *strategy.Pool,
	scheduler *evolution.Scheduler,
	dispatcher *dispatch.Dispatcher,
	executor *arbitrage.Executor,
	status core.IStatusOwner,
	store core.IStore,
	exchanges map[string]core.IExchange,
	logger core.ILogger,
) *Service {
	return &Service{
		pool:       pool,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		executor:   executor,
		status:     status,
		store:      store,
		exchanges:  exchanges,
		logger:     logger.WithField("component", "control"),
	}
}

// ListStrategies returns strategy summaries, optionally filtered by tier.
// orderBy is "score" (default, descending) or "created_at" (newest first).
func (s *Service) ListStrategies(tier string, limit int, orderBy string) Response {
	var list []*core.Strategy
	switch tier {
	case "":
		list = s.pool.List()
	case string(core.TierPool), string(core.TierDisplay), string(core.TierTrading):
		list = s.pool.ByTier(core.Tier(tier))
	default:
		return fail("unknown tier %q", tier)
	}

	switch orderBy {
	case "", "score":
		sort.Slice(list, func(i, j int) bool {
			return list[i].FinalScore.GreaterThan(list[j].FinalScore)
		})
	case "created_at":
		sort.Slice(list, func(i, j int) bool {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		})
	default:
		return fail("unknown order_by %q", orderBy)
	}

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]StrategySummary, 0, len(list))
	for _, st := range list {
		out = append(out, summarize(st))
	}
	return ok(out)
}

// GetStrategy returns the full projection for one strategy.
func (s *Service) GetStrategy(id string) Response {
	st := s.pool.Get(id)
	if st == nil {
		return fail("strategy %s not found", id)
	}
	return ok(StrategyDetail{
		StrategySummary:             summarize(st),
		Params:                      st.Params,
		Lineage:                     st.Lineage,
		Metrics:                     st.Metrics,
		LastParamChangeAt:           st.LastParamChangeAt,
		ValidationTradesSinceChange: st.ValidationTradesSinceChange,
	})
}

// ToggleAutoTrading flips the real-capital switch.
func (s *Service) ToggleAutoTrading(enabled bool) Response {
	s.status.SetAutoTrading(enabled)
	s.oplog("control", fmt.Sprintf("auto trading set to %t", enabled))
	return ok(map[string]bool{"auto_trading_enabled": enabled})
}

// EnableEvolution gates both evolution loops.
func (s *Service) EnableEvolution(enabled bool) Response {
	s.status.SetEvolution(enabled)
	s.oplog("control", fmt.Sprintf("evolution set to %t", enabled))
	return ok(map[string]bool{"evolution_enabled": enabled})
}

// ForceEvolutionCycle runs one slow-loop iteration synchronously,
// bypassing the evolution-enabled gate.
func (s *Service) ForceEvolutionCycle(ctx context.Context) Response {
	start := time.Now()
	s.scheduler.ForceCycle(ctx)
	s.oplog("evolution", "forced evolution cycle")
	return ok(map[string]interface{}{
		"duration_ms":      time.Since(start).Milliseconds(),
		"total_strategies": s.pool.Size(),
	})
}

// ForceClosePosition closes the strategy's open trade cycle immediately.
func (s *Service) ForceClosePosition(ctx context.Context, strategyID string) Response {
	if err := s.dispatcher.ForceClose(ctx, strategyID, "operator request"); err != nil {
		return fail("force close: %v", err)
	}
	s.oplog("trading", "forced close for strategy "+strategyID)
	return ok(map[string]string{"strategy_id": strategyID})
}

// EmergencyStop disables auto trading and closes every open cycle. It is
// idempotent; a second call closes nothing further.
func (s *Service) EmergencyStop(ctx context.Context) Response {
	s.status.SetAutoTrading(false)
	closed := s.dispatcher.CloseAll(ctx, "emergency stop")
	s.oplog("control", fmt.Sprintf("emergency stop, closed %d cycles", closed))
	s.logger.Warn("Emergency stop executed", "closed_cycles", closed)
	return ok(map[string]interface{}{
		"auto_trading_enabled": false,
		"closed_cycles":        closed,
	})
}

// GetAccountInfo fetches balances from every exchange. Per-exchange
// failures are reported inline rather than failing the whole command.
func (s *Service) GetAccountInfo(ctx context.Context) Response {
	names := make([]string, 0, len(s.exchanges))
	for name := range s.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]AccountInfo, 0, len(names))
	for _, name := range names {
		info := AccountInfo{Exchange: name}
		balances, err := s.exchanges[name].FetchBalance(ctx)
		if err != nil {
			info.Error = err.Error()
		} else {
			info.Balances = balances
		}
		out = append(out, info)
	}
	return ok(out)
}

// GetSignals returns the most recent signals.
func (s *Service) GetSignals(ctx context.Context, limit int) Response {
	signals, err := s.store.ListSignals(ctx, limit)
	if err != nil {
		return fail("list signals: %v", err)
	}
	return ok(signals)
}

// GetLogs returns recent operation logs, optionally filtered by category.
func (s *Service) GetLogs(ctx context.Context, category string, limit int) Response {
	logs, err := s.store.ListOperationLogs(ctx, category, limit)
	if err != nil {
		return fail("list logs: %v", err)
	}
	return ok(logs)
}

// ListTasks returns the in-memory arbitrage task set.
func (s *Service) ListTasks() Response {
	return ok(s.executor.Tasks())
}

// GetStatus returns the current system status snapshot.
func (s *Service) GetStatus() Response {
	return ok(s.status.Current())
}

func (s *Service) oplog(category, message string) {
	s.store.EnqueueAsync(core.Record{Kind: core.RecordOpLog, OpLog: &core.OperationLog{
		Category: category,
		Message:  message,
		Kind:     "info",
		At:       time.Now().UTC(),
	}})
}

func summarize(st *core.Strategy) StrategySummary {
	return StrategySummary{
		ID:         st.ID,
		Name:       st.Name,
		Type:       st.Type,
		Symbol:     st.Symbol,
		Tier:       st.Tier,
		Enabled:    st.Enabled,
		FinalScore: st.FinalScore,
		WinRate:    st.Metrics.WinRate,
		TradeCount: st.Metrics.TradeCount,
		Generation: st.Lineage.Generation,
		CreatedAt:  st.CreatedAt,
	}
}
