// Package arbitrage executes detected opportunities as stateful tasks
package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
	"quant_trader/pkg/telemetry"
)

const (
	taskWorkers   = 4
	taskQueueSize = 32

	// Network-class failures retry with backoff; anything the venue
	// rejected outright does not.
	maxAttempts = 3
)

// retryBackoff is scaled down in tests.
var retryBackoff = 2 * time.Second

var one = decimal.NewFromInt(1)

// Executor drives accepted opportunities through their task state
// machine. Each task runs on its own worker; steps within a task are
// strictly ordered, tasks are independent.
type Executor struct {
	exchanges map[string]core.IExchange
	market    core.IMarketData
	funds     core.IAllocator
	store     core.IStore
	status    core.IStatusOwner
	cfg       config.ArbitrageConfig
	intervals config.IntervalsConfig
	logger    core.ILogger

	workers *pond.WorkerPool

	mu    sync.RWMutex
	tasks map[string]*core.ArbitrageTask
}

// NewExecutor creates the arbitrage executor.
func NewExecutor(
	exchanges map[string]core.IExchange,
	market core.IMarketData,
	funds core.IAllocator,
	store core.IStore,
	status core.IStatusOwner,
	cfg config.ArbitrageConfig,
	intervals config.IntervalsConfig,
	logger core.ILogger,
) *Executor {
	return &Executor{
		exchanges: exchanges,
		market:    market,
		funds:     funds,
		store:     store,
		status:    status,
		cfg:       cfg,
		intervals: intervals,
		logger:    logger.WithField("component", "arbitrage_executor"),
		workers:   pond.New(taskWorkers, taskQueueSize),
		tasks:     make(map[string]*core.ArbitrageTask),
	}
}

// Run resumes persisted open tasks, then consumes opportunities until
// the context is cancelled.
func (e *Executor) Run(ctx context.Context, opportunities <-chan *core.Opportunity) error {
	if err := e.Resume(ctx); err != nil {
		e.logger.Error("Task resume failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.workers.StopAndWait()
			return nil
		case opp, ok := <-opportunities:
			if !ok {
				e.workers.StopAndWait()
				return nil
			}
			e.Accept(ctx, opp)
		}
	}
}

// Accept reserves capital for an opportunity and schedules its task.
// Opportunities that cannot be funded are dropped with a log line, not
// queued.
func (e *Executor) Accept(ctx context.Context, opp *core.Opportunity) {
	amount := e.funds.Available(opp.Class)
	if !amount.IsPositive() {
		e.logger.Warn("No capital available, dropping opportunity",
			"class", opp.Class, "symbol", opp.Symbol)
		return
	}
	res, err := e.funds.Reserve(opp.Class, amount)
	if err != nil {
		e.logger.Warn("Reservation failed, dropping opportunity",
			"class", opp.Class, "symbol", opp.Symbol, "error", err)
		return
	}

	task := &core.ArbitrageTask{
		ID:              uuid.New().String(),
		Class:           opp.Class,
		Opportunity:     *opp,
		ReservedCapital: res.Amount,
		State:           core.TaskPending,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	e.track(task)
	e.persist(task)

	e.workers.Submit(func() {
		e.execute(ctx, task, res)
	})
}

// Resume reloads non-terminal tasks from the store. Tasks caught
// mid-execution cannot know which legs filled and are parked stuck;
// transfer waits pick up where they left off.
func (e *Executor) Resume(ctx context.Context) error {
	open, err := e.store.LoadOpenTasks(ctx)
	if err != nil {
		return fmt.Errorf("load open tasks: %w", err)
	}
	for _, task := range open {
		task := task
		e.track(task)

		res, rerr := e.funds.Reserve(task.Class, task.ReservedCapital)
		if rerr != nil {
			e.logger.Error("Cannot re-reserve capital for resumed task",
				"task", task.ID, "error", rerr)
			res = nil
		}

		switch task.State {
		case core.TaskPending:
			e.workers.Submit(func() { e.execute(ctx, task, res) })
		case core.TaskAwaitingTransfer, core.TaskSettling:
			e.workers.Submit(func() { e.resumeTransfer(ctx, task, res) })
		case core.TaskExecuting:
			e.step(task, "resume", "task was mid-execution at shutdown, parking as stuck", nil)
			e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, task.Opportunity.BuyExchange)
		}
	}
	e.logger.Info("Resumed open tasks", "count", len(open))
	return nil
}

// Tasks returns copies of all tracked tasks, newest first not
// guaranteed.
func (e *Executor) Tasks() []*core.ArbitrageTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*core.ArbitrageTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Task returns a copy of one task, or nil.
func (e *Executor) Task(id string) *core.ArbitrageTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (e *Executor) execute(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	if err := e.revalidate(task); err != nil {
		e.step(task, "revalidate", "opportunity no longer viable", err)
		e.abort(task, res, "stale")
		return
	}
	e.transition(task, core.TaskExecuting)

	switch task.Class {
	case core.ClassTriangular:
		e.executeTriangular(ctx, task, res)
	case core.ClassCrossExchange:
		e.executeCross(ctx, task, res)
	}
}

// revalidate re-prices the opportunity against the latest snapshot. A
// candidate that slipped below threshold aborts with no loss.
func (e *Executor) revalidate(task *core.ArbitrageTask) error {
	opp := &task.Opportunity
	switch task.Class {
	case core.ClassCrossExchange:
		buyT := e.market.Latest(opp.BuyExchange, opp.Symbol)
		sellT := e.market.Latest(opp.SellExchange, opp.Symbol)
		if buyT == nil || sellT == nil || buyT.Ask.IsZero() {
			return fmt.Errorf("%w: missing ticker", apperrors.ErrOpportunityStale)
		}
		buyInfo := e.exchanges[opp.BuyExchange].Info()
		sellInfo := e.exchanges[opp.SellExchange].Info()
		gross := sellT.Bid.Sub(buyT.Ask).Div(buyT.Ask)
		net := gross.Sub(buyInfo.TakerFee).Sub(sellInfo.TakerFee).Sub(opp.EstTransferFee)
		if net.Mul(decimal.NewFromInt(100)).LessThan(decimal.NewFromFloat(e.cfg.MinCrossPct)) {
			return fmt.Errorf("%w: net %s%% below threshold", apperrors.ErrOpportunityStale, net.Mul(decimal.NewFromInt(100)))
		}
		opp.BuyPrice = buyT.Ask
		opp.SellPrice = sellT.Bid
	case core.ClassTriangular:
		ex, ok := e.exchanges[opp.Exchange]
		if !ok {
			return fmt.Errorf("%w: unknown exchange %s", apperrors.ErrOpportunityStale, opp.Exchange)
		}
		feeKeep := one.Sub(ex.Info().TakerFee)
		endPerUnit := one
		for i := range opp.Path {
			step := &opp.Path[i]
			t := e.market.Latest(opp.Exchange, step.Symbol)
			if t == nil || t.Ask.IsZero() || t.Bid.IsZero() {
				return fmt.Errorf("%w: missing ticker for %s", apperrors.ErrOpportunityStale, step.Symbol)
			}
			if step.Side == core.SideBuy {
				step.Rate = one.Div(t.Ask).Mul(feeKeep)
			} else {
				step.Rate = t.Bid.Mul(feeKeep)
			}
			endPerUnit = endPerUnit.Mul(step.Rate)
		}
		netPct := endPerUnit.Sub(one).Mul(decimal.NewFromInt(100))
		if netPct.LessThan(decimal.NewFromFloat(e.cfg.MinTriangularPct)) {
			return fmt.Errorf("%w: net %s%% below threshold", apperrors.ErrOpportunityStale, netPct)
		}
		opp.EndPerUnitStart = endPerUnit
		opp.NetPct = netPct
	}
	return nil
}

// executeTriangular walks the three legs on one exchange, carrying the
// working amount forward. A failed leg triggers a best-effort unwind of
// the filled legs.
func (e *Executor) executeTriangular(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	opp := &task.Opportunity
	ex := e.exchanges[opp.Exchange]
	feeKeep := one.Sub(ex.Info().TakerFee)

	working := task.ReservedCapital
	var filled []*core.Order

	for i, leg := range opp.Path {
		var order *core.Order
		err := e.callWithRetry(ctx, task, fmt.Sprintf("leg_%d_%s_%s", i+1, leg.Side, leg.Symbol), func() error {
			var cerr error
			order, cerr = e.placeLeg(ctx, ex, leg, working)
			return cerr
		})
		if err != nil {
			e.step(task, fmt.Sprintf("leg_%d_failed", i+1), leg.Symbol, err)
			e.unwind(ctx, task, res, ex, filled, feeKeep)
			return
		}

		filled = append(filled, order)
		if leg.Side == core.SideBuy {
			working = order.FilledQty.Mul(feeKeep)
		} else {
			working = order.FilledQty.Mul(order.FilledPrice).Mul(feeKeep)
		}
		e.step(task, fmt.Sprintf("leg_%d_filled", i+1),
			fmt.Sprintf("%s %s qty=%s price=%s working=%s",
				leg.Side, leg.Symbol, order.FilledQty, order.FilledPrice, working), nil)
	}

	task.RealizedPnL = working.Sub(task.ReservedCapital)
	e.complete(task, res, working)
}

// placeLeg sizes and places one triangular order from the working
// amount: buys spend the working quote balance, sells dump the working
// base balance.
func (e *Executor) placeLeg(ctx context.Context, ex core.IExchange, leg core.TriangularStep, working decimal.Decimal) (*core.Order, error) {
	if leg.Side == core.SideBuy {
		t := e.market.Latest(ex.Name(), leg.Symbol)
		if t == nil || t.Ask.IsZero() {
			return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrOpportunityStale, leg.Symbol)
		}
		qty := working.Div(t.Ask)
		return ex.MarketBuy(ctx, leg.Symbol, qty)
	}
	return ex.MarketSell(ctx, leg.Symbol, working)
}

// unwind reverses filled legs in reverse order. Full reversal parks the
// task as failed_unwound with the recovered capital; a reversal failure
// leaves capital stranded mid-cycle.
func (e *Executor) unwind(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation, ex core.IExchange, filled []*core.Order, feeKeep decimal.Decimal) {
	if len(filled) == 0 {
		e.abort(task, res, "no legs filled")
		return
	}

	recovered := decimal.Zero
	for i := len(filled) - 1; i >= 0; i-- {
		order := filled[i]
		var back *core.Order
		var err error
		if order.Side == core.SideBuy {
			back, err = ex.MarketSell(ctx, order.Symbol, order.FilledQty.Mul(feeKeep))
		} else {
			qty := order.FilledQty.Mul(order.FilledPrice).Mul(feeKeep)
			t := e.market.Latest(ex.Name(), order.Symbol)
			if t == nil || t.Ask.IsZero() {
				err = fmt.Errorf("%w: no price for %s", apperrors.ErrOpportunityStale, order.Symbol)
			} else {
				back, err = ex.MarketBuy(ctx, order.Symbol, qty.Div(t.Ask))
			}
		}
		if err != nil {
			e.step(task, "unwind_failed", order.Symbol, err)
			e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, ex.Name())
			return
		}
		e.step(task, "unwind_filled",
			fmt.Sprintf("%s %s qty=%s", back.Side, back.Symbol, back.FilledQty), nil)
		if i == 0 {
			// The first leg's reversal lands back in the start asset.
			if back.Side == core.SideSell {
				recovered = back.FilledQty.Mul(back.FilledPrice).Mul(feeKeep)
			} else {
				recovered = back.FilledQty.Mul(feeKeep)
			}
		}
	}

	task.RealizedPnL = recovered.Sub(task.ReservedCapital)
	e.transition(task, core.TaskFailedUnwound)
	e.release(res, recovered)
	e.countFailure(task, "unwound")
}

// executeCross buys on the cheap venue, moves the asset on-chain and
// sells on the expensive venue once the transfer confirms.
func (e *Executor) executeCross(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	opp := &task.Opportunity
	buyEx := e.exchanges[opp.BuyExchange]
	sellEx := e.exchanges[opp.SellExchange]
	base := baseAsset(opp.Symbol)

	qty := task.ReservedCapital.Div(opp.BuyPrice)
	var buyOrder *core.Order
	err := e.callWithRetry(ctx, task, "buy", func() error {
		var cerr error
		buyOrder, cerr = buyEx.MarketBuy(ctx, opp.Symbol, qty)
		return cerr
	})
	if err != nil {
		e.step(task, "buy_failed", opp.Symbol, err)
		e.abort(task, res, "buy leg failed")
		return
	}
	e.step(task, "buy_filled",
		fmt.Sprintf("%s qty=%s price=%s", opp.Symbol, buyOrder.FilledQty, buyOrder.FilledPrice), nil)

	var addr *core.DepositAddress
	err = e.callWithRetry(ctx, task, "deposit_address", func() error {
		var cerr error
		addr, cerr = sellEx.FetchDepositAddress(ctx, base, base)
		return cerr
	})
	if err != nil {
		e.step(task, "deposit_address_failed", base, err)
		e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, opp.BuyExchange)
		return
	}

	// The buy-side taker fee comes out of the base quantity before it
	// can move.
	withdrawQty := buyOrder.FilledQty.Mul(one.Sub(buyEx.Info().TakerFee))

	var transfer *core.Transfer
	err = e.callWithRetry(ctx, task, "withdraw", func() error {
		var cerr error
		transfer, cerr = buyEx.RequestWithdrawal(ctx, base, withdrawQty, addr.Address, addr.Network)
		return cerr
	})
	if err != nil {
		e.step(task, "withdraw_failed", base, err)
		e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, opp.BuyExchange)
		return
	}
	transfer.ToExchange = opp.SellExchange
	task.Transfer = transfer
	e.step(task, "withdraw_requested",
		fmt.Sprintf("transfer=%s amount=%s fee=%s", transfer.ID, transfer.Amount, transfer.Fee), nil)

	e.transition(task, core.TaskAwaitingTransfer)
	e.awaitTransfer(ctx, task, res)
}

// resumeTransfer continues a reloaded cross-exchange task from its
// persisted transfer state.
func (e *Executor) resumeTransfer(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	if task.Transfer == nil {
		e.step(task, "resume", "no transfer recorded, parking as stuck", nil)
		e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, task.Opportunity.BuyExchange)
		return
	}
	e.step(task, "resume", "continuing transfer wait after restart", nil)
	if task.State == core.TaskSettling {
		e.settle(ctx, task, res)
		return
	}
	e.awaitTransfer(ctx, task, res)
}

// awaitTransfer polls the withdrawal until it confirms, fails or the
// task-level deadline expires. The deadline counts from the transfer's
// initiation so restarts do not extend it.
func (e *Executor) awaitTransfer(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	opp := &task.Opportunity
	buyEx := e.exchanges[opp.BuyExchange]
	deadline := task.Transfer.InitiatedAt.Add(time.Duration(e.intervals.TransferWaitHr) * time.Hour)
	poll := time.Duration(e.intervals.TransferPollSec) * time.Second

	for {
		status, err := buyEx.FetchWithdrawalStatus(ctx, task.Transfer.ID)
		task.Transfer.LastCheckedAt = time.Now().UTC()
		switch {
		case err != nil:
			e.step(task, "transfer_poll", "status check failed", err)
		case status == core.TransferConfirmed:
			task.Transfer.Status = core.TransferConfirmed
			e.step(task, "transfer_confirmed", task.Transfer.ID, nil)
			e.transition(task, core.TaskSettling)
			e.settle(ctx, task, res)
			return
		case status == core.TransferFailed:
			task.Transfer.Status = core.TransferFailed
			e.step(task, "transfer_failed", task.Transfer.ID, nil)
			e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, opp.BuyExchange)
			return
		default:
			e.step(task, "transfer_pending", task.Transfer.ID, nil)
		}

		if time.Now().After(deadline) {
			e.step(task, "transfer_timeout",
				fmt.Sprintf("no confirmation within %dh", e.intervals.TransferWaitHr), nil)
			e.fail(task, res, core.TaskFailedTimeout, task.ReservedCapital, opp.BuyExchange)
			return
		}
		select {
		case <-ctx.Done():
			// Persisted state resumes the wait after restart.
			e.persist(task)
			return
		case <-time.After(poll):
		}
	}
}

// settle sells the transferred asset on the destination venue.
func (e *Executor) settle(ctx context.Context, task *core.ArbitrageTask, res *core.Reservation) {
	opp := &task.Opportunity
	sellEx := e.exchanges[opp.SellExchange]
	arrival := task.Transfer.Amount.Sub(task.Transfer.Fee)

	var sellOrder *core.Order
	err := e.callWithRetry(ctx, task, "sell", func() error {
		var cerr error
		sellOrder, cerr = sellEx.MarketSell(ctx, opp.Symbol, arrival)
		return cerr
	})
	if err != nil {
		e.step(task, "sell_failed", opp.Symbol, err)
		e.fail(task, res, core.TaskFailedStuck, task.ReservedCapital, opp.SellExchange)
		return
	}

	sellInfo := sellEx.Info()
	proceeds := sellOrder.FilledQty.Mul(sellOrder.FilledPrice).Mul(one.Sub(sellInfo.TakerFee))
	e.step(task, "sell_filled",
		fmt.Sprintf("%s qty=%s price=%s proceeds=%s",
			opp.Symbol, sellOrder.FilledQty, sellOrder.FilledPrice, proceeds), nil)

	task.RealizedPnL = proceeds.Sub(task.ReservedCapital)
	e.complete(task, res, proceeds)
}

// callWithRetry retries fn on retryable failures, logging every attempt
// into the task step log. Venue rejections surface immediately.
func (e *Executor) callWithRetry(ctx context.Context, task *core.ArbitrageTask, stepName string, fn func() error) error {
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsRetryable(err)
		}).
		WithBackoff(retryBackoff, retryBackoff*(maxAttempts+1)).
		WithMaxRetries(maxAttempts - 1).
		Build()

	attempt := 0
	return failsafe.With[any](policy).WithContext(ctx).Run(func() error {
		attempt++
		err := fn()
		e.step(task, stepName, fmt.Sprintf("attempt %d", attempt), err)
		return err
	})
}

func (e *Executor) complete(task *core.ArbitrageTask, res *core.Reservation, returned decimal.Decimal) {
	e.transition(task, core.TaskCompleted)
	e.release(res, returned)

	if m := telemetry.GetGlobalMetrics(); m.Initialized() {
		m.TasksCompletedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("class", string(task.Class))))
		pnl, _ := task.RealizedPnL.Float64()
		m.RealizedPnLTotal.Add(context.Background(), pnl,
			metric.WithAttributes(attribute.String("class", string(task.Class))))
	}
	e.logger.Info("Task completed",
		"task", task.ID, "class", task.Class, "pnl", task.RealizedPnL)
}

// abort ends a task before any capital left the reserved bucket; the
// full reservation returns to the allocator.
func (e *Executor) abort(task *core.ArbitrageTask, res *core.Reservation, reason string) {
	task.RealizedPnL = decimal.Zero
	e.step(task, "abort", reason, nil)
	e.transition(task, core.TaskFailed)
	e.release(res, task.ReservedCapital)
	e.countFailure(task, "aborted")
}

// fail ends a task with capital stranded on an exchange. Nothing is
// returned to the allocator; the stuck amount is reported for manual
// recovery.
func (e *Executor) fail(task *core.ArbitrageTask, res *core.Reservation, state core.TaskState, stuck decimal.Decimal, exchange string) {
	task.StuckCapital = stuck
	task.StuckExchange = exchange
	task.RealizedPnL = stuck.Neg()
	e.transition(task, state)
	e.release(res, decimal.Zero)
	e.countFailure(task, string(state))

	taskID := task.ID
	e.status.Update(core.StatusUpdate{
		Component: "arbitrage",
		Healthy:   false,
		Reason:    fmt.Sprintf("capital stuck on %s", exchange),
		StuckTask: taskID,
	})
	e.logger.Error("Task failed with stuck capital",
		"task", task.ID, "state", state, "stuck", stuck, "exchange", exchange)
}

func (e *Executor) release(res *core.Reservation, returned decimal.Decimal) {
	if res == nil {
		return
	}
	e.funds.Release(res, returned)
}

func (e *Executor) countFailure(task *core.ArbitrageTask, kind string) {
	if m := telemetry.GetGlobalMetrics(); m.Initialized() {
		m.TasksFailedTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("class", string(task.Class)),
				attribute.String("kind", kind)))
	}
}

// step appends one entry to the append-only task log and persists.
func (e *Executor) step(task *core.ArbitrageTask, name, detail string, err error) {
	entry := core.StepLogEntry{At: time.Now().UTC(), Step: name, Detail: detail}
	if err != nil {
		entry.Err = err.Error()
	}
	e.mu.Lock()
	task.StepLog = append(task.StepLog, entry)
	task.UpdatedAt = entry.At
	e.mu.Unlock()
}

// transition moves the task to a new state and persists it. Every state
// change reaches the store before the next external call.
func (e *Executor) transition(task *core.ArbitrageTask, state core.TaskState) {
	e.mu.Lock()
	task.State = state
	task.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	e.persist(task)
}

func (e *Executor) track(task *core.ArbitrageTask) {
	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()
}

func (e *Executor) persist(task *core.ArbitrageTask) {
	e.mu.RLock()
	cp := *task
	cp.StepLog = append([]core.StepLogEntry(nil), task.StepLog...)
	if task.Transfer != nil {
		tr := *task.Transfer
		cp.Transfer = &tr
	}
	e.mu.RUnlock()
	e.store.EnqueueAsync(core.Record{Kind: core.RecordTask, Critical: true, Task: &cp})
}

func baseAsset(symbol string) string {
	for i, r := range symbol {
		if r == '/' {
			return symbol[:i]
		}
	}
	return symbol
}
