// Package simulation replays strategies over recorded market history
package simulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/scoring"
	"quant_trader/internal/strategy"
	apperrors "quant_trader/pkg/errors"
)

// Modeled execution costs for paper fills.
var (
	slippagePct = decimal.NewFromFloat(0.0005)
	takerFeePct = decimal.NewFromFloat(0.001)
)

// warmup ticks are consumed before the first decision so lookback
// windows have data.
const warmup = 10

// Engine runs strategy replays against market history. It has no side
// effects on live state; callers persist results themselves.
type Engine struct {
	market      core.IMarketData
	refExchange string
	cfg         config.SimulationConfig
	logger      core.ILogger
}

// NewEngine builds a simulation engine reading history from one
// reference exchange.
func NewEngine(market core.IMarketData, refExchange string, cfg config.SimulationConfig, logger core.ILogger) *Engine {
	return &Engine{
		market:      market,
		refExchange: refExchange,
		cfg:         cfg,
		logger:      logger.WithField("component", "simulation"),
	}
}

// Run replays the strategy over the recent history of its symbol and
// returns the scored result. The replay is bounded by the configured
// wall-clock cap; a strategy that exceeds it is cut off at however far
// it got.
func (e *Engine) Run(ctx context.Context, s *core.Strategy) (*core.SimulationResult, error) {
	history := e.market.History(e.refExchange, s.Symbol, 0)
	if len(history) < warmup+2 {
		return nil, fmt.Errorf("simulate %s: %w: only %d ticks of history",
			s.ID, apperrors.ErrStrategyInternal, len(history))
	}
	return e.Replay(ctx, s, history)
}

// Replay runs the strategy's decision rule over the supplied tickers,
// oldest first, with modeled slippage and taker fees on both sides.
func (e *Engine) Replay(ctx context.Context, s *core.Strategy, history []*core.Ticker) (result *core.SimulationResult, err error) {
	fam, ok := strategy.Families[s.Type]
	if !ok {
		return nil, fmt.Errorf("simulate %s: %w: unknown family %q", s.ID, apperrors.ErrStrategyInternal, s.Type)
	}

	// A panicking decision rule quarantines the strategy, not the engine.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked during replay", "strategy", s.ID, "panic", r)
			result = nil
			err = fmt.Errorf("simulate %s: %w: panic: %v", s.ID, apperrors.ErrStrategyInternal, r)
		}
	}()

	deadline := time.Now().Add(time.Duration(e.cfg.WallClockCapSec) * time.Second)

	var (
		pos       *position
		trades    []decimal.Decimal
		equity    = decimal.NewFromInt(1)
		peak      = equity
		maxDDPct  = decimal.Zero
		truncated bool
	)

	for i := warmup; i < len(history); i++ {
		if i%256 == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if time.Now().After(deadline) {
				truncated = true
				break
			}
		}

		tick := history[i]
		d := fam.Decide(history[:i+1], s.Params)
		if d == nil {
			continue
		}

		switch {
		case d.Side == core.SideBuy && pos == nil:
			pos = &position{
				entry:  fillPrice(tick.Ask, core.SideBuy),
				openAt: tick.ObservedAt,
			}
		case d.Side == core.SideSell && pos != nil:
			ret := closedReturn(pos.entry, fillPrice(tick.Bid, core.SideSell))
			trades = append(trades, ret)
			equity = equity.Mul(decimal.NewFromInt(1).Add(ret))
			pos = nil

			if equity.GreaterThan(peak) {
				peak = equity
			}
			dd := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100))
			if dd.GreaterThan(maxDDPct) {
				maxDDPct = dd
			}
		}
	}

	// Mark an open position to the final bid so its result is counted.
	if pos != nil {
		last := history[len(history)-1]
		ret := closedReturn(pos.entry, fillPrice(last.Bid, core.SideSell))
		trades = append(trades, ret)
		equity = equity.Mul(decimal.NewFromInt(1).Add(ret))
		if equity.GreaterThan(peak) {
			peak = equity
		}
		dd := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100))
		if dd.GreaterThan(maxDDPct) {
			maxDDPct = dd
		}
	}

	if truncated {
		e.logger.Warn("replay hit wall clock cap", "strategy", s.ID, "trades", len(trades))
	}

	wins := 0
	for _, r := range trades {
		if r.IsPositive() {
			wins++
		}
	}
	winRate := decimal.Zero
	if len(trades) > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
	}
	totalReturnPct := equity.Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))

	regime := strategy.DetectRegime(history)
	score := scoring.Score(scoring.Input{
		TotalReturn:  totalReturnPct,
		WinRate:      winRate,
		Sharpe:       sharpeOf(trades),
		MaxDrawdown:  maxDDPct,
		ProfitFactor: profitFactorOf(trades),
		TradeCount:   len(trades),
	}, regime)

	params := make(map[string]decimal.Decimal, len(s.Params))
	for k, v := range s.Params {
		params[k] = v
	}

	return &core.SimulationResult{
		StrategyID:     s.ID,
		RunAt:          time.Now().UTC(),
		DaysSimulated:  e.cfg.DaysPerRun,
		TradeCount:     len(trades),
		WinRate:        winRate,
		TotalReturn:    totalReturnPct,
		Sharpe:         sharpeOf(trades),
		MaxDrawdown:    maxDDPct,
		Score:          score,
		ParamsSnapshot: params,
	}, nil
}

// Sufficient reports whether the result has enough trades to be
// considered evidence.
func (e *Engine) Sufficient(r *core.SimulationResult) bool {
	return r.TradeCount >= e.cfg.MinTradesRequired
}

type position struct {
	entry  decimal.Decimal
	openAt time.Time
}

// fillPrice applies slippage and the taker fee to a paper fill. Buys
// fill above the ask, sells below the bid.
func fillPrice(quoted decimal.Decimal, side core.OrderSide) decimal.Decimal {
	cost := slippagePct.Add(takerFeePct)
	if side == core.SideBuy {
		return quoted.Mul(decimal.NewFromInt(1).Add(cost))
	}
	return quoted.Mul(decimal.NewFromInt(1).Sub(cost))
}

// closedReturn is the fractional return of a long round trip.
func closedReturn(entry, exit decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return exit.Sub(entry).Div(entry)
}

// sharpeOf computes a per-trade Sharpe ratio in float; it never touches
// persisted money.
func sharpeOf(trades []decimal.Decimal) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}
	xs := make([]float64, len(trades))
	sum := 0.0
	for i, t := range trades {
		xs[i], _ = t.Float64()
		sum += xs[i]
	}
	mean := sum / float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	if variance == 0 {
		return decimal.Zero
	}
	sharpe := mean / math.Sqrt(variance) * math.Sqrt(float64(len(xs)))
	return decimal.NewFromFloat(sharpe).Round(4)
}

// profitFactorOf is gross profit over gross loss; all-winning histories
// saturate at a large factor rather than dividing by zero.
func profitFactorOf(trades []decimal.Decimal) decimal.Decimal {
	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.IsPositive() {
			grossProfit = grossProfit.Add(t)
		} else {
			grossLoss = grossLoss.Add(t.Abs())
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return grossProfit.Div(grossLoss).Round(4)
}
