// Package mock provides a deterministic in-memory exchange for testing
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
)

// Exchange implements core.IExchange for testing. All market data and
// failure behavior is scripted by the test.
type Exchange struct {
	name string
	info core.ExchangeInfo

	mu             sync.RWMutex
	tickers        map[string]*core.Ticker
	books          map[string]*core.OrderBook
	balances       map[string]core.Balance
	depositAddrs   map[string]*core.DepositAddress
	orderIDCounter int64

	// Withdrawal scripting: per transfer id, a sequence of statuses
	// returned by successive FetchWithdrawalStatus calls. The last entry
	// repeats once the sequence is exhausted.
	transferIDCounter int
	transferScripts   map[string][]core.TransferStatus
	transferCursor    map[string]int
	defaultScript     []core.TransferStatus

	// Error injection: operation name -> error returned on next calls.
	failures map[string]error

	// Call journal, for assertions on ordering and retry behavior.
	calls []string

	// Orders placed, for assertions.
	orders []*core.Order
}

// NewExchange creates a mock exchange with 0.1% fees and full transfer
// capabilities.
func NewExchange(name string) *Exchange {
	return &Exchange{
		name: name,
		info: core.ExchangeInfo{
			Name:         name,
			CanWithdraw:  true,
			CanDeposit:   true,
			MakerFee:     decimal.NewFromFloat(0.001),
			TakerFee:     decimal.NewFromFloat(0.001),
			WithdrawFees: map[string]decimal.Decimal{},
		},
		tickers:         make(map[string]*core.Ticker),
		books:           make(map[string]*core.OrderBook),
		balances:        make(map[string]core.Balance),
		depositAddrs:    make(map[string]*core.DepositAddress),
		transferScripts: make(map[string][]core.TransferStatus),
		transferCursor:  make(map[string]int),
		defaultScript:   []core.TransferStatus{core.TransferConfirmed},
		failures:        make(map[string]error),
		orderIDCounter:  1000,
	}
}

// SetCanWithdraw toggles withdrawal capability.
func (m *Exchange) SetCanWithdraw(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.CanWithdraw = v
}

// SetTakerFee overrides the taker fee.
func (m *Exchange) SetTakerFee(fee decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.TakerFee = fee
}

// SetWithdrawFee sets the per-unit withdrawal fee for an asset.
func (m *Exchange) SetWithdrawFee(asset string, fee decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.WithdrawFees[asset] = fee
}

// SetTicker installs a market snapshot for a symbol.
func (m *Exchange) SetTicker(symbol string, bid, ask decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = &core.Ticker{
		Exchange:   m.name,
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		Last:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		ObservedAt: time.Now().UTC(),
	}
	m.books[symbol] = &core.OrderBook{
		Exchange:  m.name,
		Symbol:    symbol,
		Bids:      []core.PriceLevel{{Price: bid, Quantity: decimal.NewFromInt(1000)}},
		Asks:      []core.PriceLevel{{Price: ask, Quantity: decimal.NewFromInt(1000)}},
		FetchedAt: time.Now().UTC(),
	}
	if !containsSymbol(m.info.Symbols, symbol) {
		m.info.Symbols = append(m.info.Symbols, symbol)
	}
}

// SetBalance installs an asset balance.
func (m *Exchange) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = core.Balance{Total: free, Free: free}
}

// SetDepositAddress installs the deposit address for an asset.
func (m *Exchange) SetDepositAddress(asset, network, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depositAddrs[asset+"/"+network] = &core.DepositAddress{
		Asset:   asset,
		Network: network,
		Address: address,
	}
}

// ScriptWithdrawalStatuses sets the status sequence for all future
// withdrawals.
func (m *Exchange) ScriptWithdrawalStatuses(statuses ...core.TransferStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultScript = statuses
}

// FailNext makes the named operation fail with err until cleared.
// Operation names match the IExchange method names.
func (m *Exchange) FailNext(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = err
}

// ClearFailure removes an injected failure.
func (m *Exchange) ClearFailure(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, operation)
}

// Calls returns the call journal.
func (m *Exchange) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Orders returns the filled orders, oldest first.
func (m *Exchange) Orders() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, len(m.orders))
	copy(out, m.orders)
	return out
}

func (m *Exchange) Name() string { return m.name }

func (m *Exchange) Info() core.ExchangeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

func (m *Exchange) CheckHealth(ctx context.Context) error { return nil }

func (m *Exchange) record(op string) error {
	m.calls = append(m.calls, op)
	if err, ok := m.failures[op]; ok {
		return err
	}
	return nil
}

func (m *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchTicker"); err != nil {
		return nil, err
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	cp := *t
	cp.ObservedAt = time.Now().UTC()
	return &cp, nil
}

func (m *Exchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchOrderBook"); err != nil {
		return nil, err
	}
	b, ok := m.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	cp := *b
	return &cp, nil
}

func (m *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchBalance"); err != nil {
		return nil, err
	}
	out := make(map[string]core.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

// MarketBuy fills immediately at the installed ask price.
func (m *Exchange) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	return m.marketOrder(ctx, symbol, core.SideBuy, qty)
}

// MarketSell fills immediately at the installed bid price.
func (m *Exchange) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	return m.marketOrder(ctx, symbol, core.SideSell, qty)
}

func (m *Exchange) marketOrder(ctx context.Context, symbol string, side core.OrderSide, qty decimal.Decimal) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "MarketBuy"
	if side == core.SideSell {
		op = "MarketSell"
	}
	if err := m.record(op); err != nil {
		return nil, err
	}

	t, ok := m.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	price := t.Ask
	if side == core.SideSell {
		price = t.Bid
	}

	m.orderIDCounter++
	order := &core.Order{
		ID:          fmt.Sprintf("%s-%d", m.name, m.orderIDCounter),
		Exchange:    m.name,
		Symbol:      symbol,
		Side:        side,
		FilledPrice: price,
		FilledQty:   qty,
		Fee:         price.Mul(qty).Mul(m.info.TakerFee),
		CreatedAt:   time.Now().UTC(),
	}
	m.orders = append(m.orders, order)
	return order, nil
}

func (m *Exchange) RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*core.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RequestWithdrawal"); err != nil {
		return nil, err
	}
	if !m.info.CanWithdraw {
		return nil, apperrors.ErrWithdrawalsDisabled
	}

	m.transferIDCounter++
	id := fmt.Sprintf("%s-wd-%d", m.name, m.transferIDCounter)
	script := make([]core.TransferStatus, len(m.defaultScript))
	copy(script, m.defaultScript)
	m.transferScripts[id] = script
	m.transferCursor[id] = 0

	fee := amount.Mul(m.info.WithdrawFees[asset])
	return &core.Transfer{
		ID:           id,
		FromExchange: m.name,
		Asset:        asset,
		Amount:       amount,
		Fee:          fee,
		InitiatedAt:  time.Now().UTC(),
		Status:       core.TransferPending,
	}, nil
}

func (m *Exchange) FetchWithdrawalStatus(ctx context.Context, transferID string) (core.TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchWithdrawalStatus"); err != nil {
		return "", err
	}
	script, ok := m.transferScripts[transferID]
	if !ok {
		return "", fmt.Errorf("%w: unknown transfer %s", apperrors.ErrTransferFailed, transferID)
	}
	cursor := m.transferCursor[transferID]
	if cursor >= len(script) {
		cursor = len(script) - 1
	} else {
		m.transferCursor[transferID]++
	}
	return script[cursor], nil
}

func (m *Exchange) FetchDepositAddress(ctx context.Context, asset, network string) (*core.DepositAddress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("FetchDepositAddress"); err != nil {
		return nil, err
	}
	addr, ok := m.depositAddrs[asset+"/"+network]
	if !ok {
		// Default address keeps simple tests short.
		return &core.DepositAddress{
			Asset:   asset,
			Network: network,
			Address: fmt.Sprintf("%s-%s-addr", m.name, asset),
		}, nil
	}
	return addr, nil
}

func containsSymbol(symbols []string, s string) bool {
	for _, sym := range symbols {
		if sym == s {
			return true
		}
	}
	return false
}
