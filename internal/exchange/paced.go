// Package exchange builds and decorates exchange adapters
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quant_trader/internal/core"
)

// callTimeout is the hard upper bound for any single exchange call.
const callTimeout = 30 * time.Second

// Paced decorates an IExchange with client-side rate limiting and a hard
// per-call timeout. Waiting for a rate slot respects the caller's context.
type Paced struct {
	inner   core.IExchange
	limiter *rate.Limiter
}

// NewPaced wraps inner with a limiter of ratePerSec requests per second.
// ratePerSec <= 0 disables pacing.
func NewPaced(inner core.IExchange, ratePerSec float64) *Paced {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Paced{inner: inner, limiter: limiter}
}

func (p *Paced) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	return callCtx, cancel, nil
}

func (p *Paced) Name() string            { return p.inner.Name() }
func (p *Paced) Info() core.ExchangeInfo { return p.inner.Info() }

func (p *Paced) CheckHealth(ctx context.Context) error {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return p.inner.CheckHealth(callCtx)
}

func (p *Paced) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.FetchTicker(callCtx, symbol)
}

func (p *Paced) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.FetchOrderBook(callCtx, symbol, depth)
}

func (p *Paced) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.FetchBalance(callCtx)
}

func (p *Paced) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.MarketBuy(callCtx, symbol, qty)
}

func (p *Paced) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.MarketSell(callCtx, symbol, qty)
}

func (p *Paced) RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*core.Transfer, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.RequestWithdrawal(callCtx, asset, amount, destAddr, network)
}

func (p *Paced) FetchWithdrawalStatus(ctx context.Context, transferID string) (core.TransferStatus, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	return p.inner.FetchWithdrawalStatus(callCtx, transferID)
}

func (p *Paced) FetchDepositAddress(ctx context.Context, asset, network string) (*core.DepositAddress, error) {
	callCtx, cancel, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return p.inner.FetchDepositAddress(callCtx, asset, network)
}
