// Package dispatch turns strategy decisions into validation or real trades
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/strategy"
	"quant_trader/pkg/telemetry"
)

const (
	dispatchWorkers   = 4
	dispatchQueueSize = 64

	// tradeNotional is the quote value of one dispatched trade.
	tradeNotional = 100
)

// slippagePct models paper fill slippage against the touch.
var slippagePct = decimal.NewFromFloat(0.0005)

// Dispatcher serializes signal execution per strategy and applies the
// trade-type rule: real capital only for stable, proven, trading-tier
// strategies with the auto-trading switch on.
type Dispatcher struct {
	pool        *strategy.Pool
	market      core.IMarketData
	exchanges   map[string]core.IExchange
	refExchange string
	store       core.IStore
	status      core.IStatusOwner
	gates       config.GatesConfig
	logger      core.ILogger

	workers *pond.WorkerPool

	mu       sync.Mutex
	inflight map[string]bool
	cycles   map[string]*core.TradeCycle
}

// NewDispatcher creates the signal dispatcher. Real orders go to the
// reference exchange.
func NewDispatcher(
	pool *strategy.Pool,
	market core.IMarketData,
	exchanges map[string]core.IExchange,
	refExchange string,
	store core.IStore,
	status core.IStatusOwner,
	gates config.GatesConfig,
	logger core.ILogger,
) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		market:      market,
		exchanges:   exchanges,
		refExchange: refExchange,
		store:       store,
		status:      status,
		gates:       gates,
		logger:      logger.WithField("component", "signal_dispatcher"),
		workers:     pond.New(dispatchWorkers, dispatchQueueSize),
		inflight:    make(map[string]bool),
		cycles:      make(map[string]*core.TradeCycle),
	}
}

// Run dispatches on every market publish until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	epochs := d.market.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.workers.StopAndWait()
			return nil
		case <-epochs:
			d.DispatchAll(ctx)
		}
	}
}

// DispatchAll evaluates every enabled trading-tier strategy against the
// current snapshot.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	now := time.Now().UTC()
	for _, s := range d.pool.ByTier(core.TierTrading) {
		if !s.Enabled {
			continue
		}
		s := s
		d.workers.Submit(func() {
			d.dispatchOne(ctx, s, now)
		})
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, snap *core.Strategy, now time.Time) {
	fam, ok := strategy.Families[snap.Type]
	if !ok {
		return
	}
	history := d.market.History(d.refExchange, snap.Symbol, 0)
	dec := fam.Decide(history, snap.Params)
	if dec == nil {
		return
	}
	d.process(ctx, snap, dec, now)
}

// process runs one emitted decision through the trade-type rule and
// executes it. Per-strategy execution is serialized; a decision arriving
// while one is in flight is dropped and recorded.
func (d *Dispatcher) process(ctx context.Context, snap *core.Strategy, dec *strategy.Decision, now time.Time) *core.TradingSignal {
	tick := d.market.Latest(d.refExchange, snap.Symbol)
	if tick == nil || tick.Ask.IsZero() || tick.Bid.IsZero() {
		return nil
	}

	price := tick.Ask
	if dec.Side == core.SideSell {
		price = tick.Bid
	}
	sig := &core.TradingSignal{
		ID:          uuid.New().String(),
		StrategyID:  snap.ID,
		Symbol:      snap.Symbol,
		Side:        dec.Side,
		Price:       price,
		Quantity:    decimal.NewFromInt(tradeNotional).Div(price),
		Confidence:  dec.Confidence,
		GeneratedAt: now,
		TradeType:   d.tradeType(snap, now),
	}

	d.mu.Lock()
	if d.inflight[snap.ID] {
		d.mu.Unlock()
		sig.DropReason = "previous signal still in flight"
		d.store.EnqueueAsync(core.Record{Kind: core.RecordSignal, Signal: sig})
		d.logger.Warn("Signal dropped", "strategy", snap.ID, "reason", sig.DropReason)
		return sig
	}
	d.inflight[snap.ID] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, snap.ID)
		d.mu.Unlock()
	}()

	d.execute(ctx, snap, sig, tick)
	return sig
}

// tradeType is the safety-critical mode decision. The parameter
// revalidation rule dominates everything except the global auto-trading
// switch.
func (d *Dispatcher) tradeType(snap *core.Strategy, now time.Time) core.TradeType {
	if !d.status.AutoTradingEnabled() {
		return core.TradeValidation
	}
	if !d.pool.ParamsStable(snap, now) {
		return core.TradeValidation
	}
	if snap.Tier == core.TierTrading &&
		snap.FinalScore.GreaterThanOrEqual(decimal.NewFromFloat(d.gates.TradingMinScore)) {
		return core.TradeReal
	}
	return core.TradeValidation
}

func (d *Dispatcher) execute(ctx context.Context, snap *core.Strategy, sig *core.TradingSignal, tick *core.Ticker) {
	switch sig.TradeType {
	case core.TradeReal:
		if !d.executeReal(ctx, sig) {
			return
		}
	case core.TradeValidation:
		d.executePaper(sig, tick)
	}

	d.updateCycle(sig)
	if sig.TradeType == core.TradeValidation {
		_ = d.pool.Update(snap.ID, func(st *core.Strategy) {
			st.ValidationTradesSinceChange++
		})
	}
	d.store.EnqueueAsync(core.Record{Kind: core.RecordSignal, Signal: sig})

	if m := telemetry.GetGlobalMetrics(); m.Initialized() {
		m.SignalsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("trade_type", string(sig.TradeType))))
	}
	d.logger.Debug("Signal executed",
		"strategy", snap.ID, "side", sig.Side, "type", sig.TradeType, "price", sig.Price)
}

// executeReal places the order on the reference exchange. Exchange
// failures leave the signal unexecuted with the error as drop reason.
func (d *Dispatcher) executeReal(ctx context.Context, sig *core.TradingSignal) bool {
	ex, ok := d.exchanges[d.refExchange]
	if !ok {
		sig.DropReason = "reference exchange unavailable"
		d.store.EnqueueAsync(core.Record{Kind: core.RecordSignal, Signal: sig})
		return false
	}

	var order *core.Order
	var err error
	if sig.Side == core.SideBuy {
		order, err = ex.MarketBuy(ctx, sig.Symbol, sig.Quantity)
	} else {
		order, err = ex.MarketSell(ctx, sig.Symbol, sig.Quantity)
	}
	if err != nil {
		sig.DropReason = fmt.Sprintf("order failed: %v", err)
		d.store.EnqueueAsync(core.Record{Kind: core.RecordSignal, Signal: sig})
		d.logger.Error("Real order failed", "strategy", sig.StrategyID, "error", err)
		return false
	}
	sig.Price = order.FilledPrice
	sig.Quantity = order.FilledQty
	sig.Executed = true
	return true
}

// executePaper fills at the touch with modeled slippage; no exchange
// call is made.
func (d *Dispatcher) executePaper(sig *core.TradingSignal, tick *core.Ticker) {
	if sig.Side == core.SideBuy {
		sig.Price = tick.Ask.Mul(decimal.NewFromInt(1).Add(slippagePct))
	} else {
		sig.Price = tick.Bid.Mul(decimal.NewFromInt(1).Sub(slippagePct))
	}
	sig.Executed = true
}

// updateCycle opens a cycle on a buy and closes the open one on a sell.
// A sell without an open cycle just records the signal.
func (d *Dispatcher) updateCycle(sig *core.TradingSignal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	open := d.cycles[sig.StrategyID]
	switch {
	case sig.Side == core.SideBuy && open == nil:
		cycle := &core.TradeCycle{
			CycleID:      uuid.New().String(),
			StrategyID:   sig.StrategyID,
			OpenSignalID: sig.ID,
			OpenTime:     sig.GeneratedAt,
			BuyPrice:     sig.Price,
			Quantity:     sig.Quantity,
			Status:       core.CycleOpen,
		}
		d.cycles[sig.StrategyID] = cycle
		sig.CycleID = cycle.CycleID
	case sig.Side == core.SideSell && open != nil:
		d.closeCycleLocked(open, sig, core.CycleCompleted, "opposing signal")
	}
}

func (d *Dispatcher) closeCycleLocked(cycle *core.TradeCycle, sig *core.TradingSignal, status core.CycleStatus, reason string) {
	cycle.CloseSignalID = sig.ID
	cycle.CloseTime = sig.GeneratedAt
	cycle.SellPrice = sig.Price
	cycle.PnL = sig.Price.Sub(cycle.BuyPrice).Mul(cycle.Quantity)
	cycle.HoldingMin = decimal.NewFromFloat(sig.GeneratedAt.Sub(cycle.OpenTime).Minutes())
	cycle.Status = status
	cycle.Reason = reason
	sig.CycleID = cycle.CycleID
	sig.RealizedPnL = cycle.PnL

	delete(d.cycles, cycle.StrategyID)
	d.store.EnqueueAsync(core.Record{Kind: core.RecordCycle, Critical: true, Cycle: cycle})
}

// OpenCycles returns copies of the currently open trade cycles.
func (d *Dispatcher) OpenCycles() []*core.TradeCycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*core.TradeCycle, 0, len(d.cycles))
	for _, c := range d.cycles {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// ForceClose closes the strategy's open cycle at the current bid,
// bypassing the dispatch queue and the trade-type rule.
func (d *Dispatcher) ForceClose(ctx context.Context, strategyID, reason string) error {
	d.mu.Lock()
	cycle := d.cycles[strategyID]
	d.mu.Unlock()
	if cycle == nil {
		return fmt.Errorf("no open cycle for strategy %s", strategyID)
	}

	snap := d.pool.Get(strategyID)
	if snap == nil {
		return fmt.Errorf("unknown strategy %s", strategyID)
	}
	tick := d.market.Latest(d.refExchange, snap.Symbol)
	if tick == nil || tick.Bid.IsZero() {
		return fmt.Errorf("no market for %s", snap.Symbol)
	}

	sig := &core.TradingSignal{
		ID:          uuid.New().String(),
		StrategyID:  strategyID,
		Symbol:      snap.Symbol,
		Side:        core.SideSell,
		Price:       tick.Bid,
		Quantity:    cycle.Quantity,
		GeneratedAt: time.Now().UTC(),
		TradeType:   core.TradeValidation,
	}
	d.executePaper(sig, tick)

	d.mu.Lock()
	if current := d.cycles[strategyID]; current != nil {
		d.closeCycleLocked(current, sig, core.CycleAbandoned, reason)
	}
	d.mu.Unlock()

	d.store.EnqueueAsync(core.Record{Kind: core.RecordSignal, Signal: sig})
	d.logger.Info("Cycle force closed", "strategy", strategyID, "reason", reason)
	return nil
}

// CloseAll force-closes every open cycle. Used by emergency stop; a
// second call finds nothing open and does nothing.
func (d *Dispatcher) CloseAll(ctx context.Context, reason string) int {
	closed := 0
	for _, c := range d.OpenCycles() {
		if err := d.ForceClose(ctx, c.StrategyID, reason); err == nil {
			closed++
		}
	}
	return closed
}
