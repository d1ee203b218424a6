// Package marketdata polls exchanges and publishes versioned market snapshots
package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"quant_trader/internal/core"
	"quant_trader/pkg/telemetry"
)

const (
	// historyMax bounds the per-series ticker history, about 14 hours at
	// the default poll cadence.
	historyMax = 10000

	// failureThreshold is the consecutive poll failure count that marks
	// an exchange unhealthy.
	failureThreshold = 5

	subscriberBuffer = 16
)

// Service owns all market data. It polls every enabled (exchange, symbol)
// pair on a fixed cadence and publishes immutable snapshots stamped with a
// monotonically increasing epoch. Consumers never fetch from exchanges
// directly.
type Service struct {
	exchanges map[string]core.IExchange
	symbols   []string
	interval  time.Duration
	logger    core.ILogger
	status    core.IStatusOwner

	epoch    atomic.Uint64
	snapshot atomic.Pointer[core.MarketSnapshot]

	mu       sync.Mutex
	subs     []chan core.Epoch
	history  map[core.MarketKey][]*core.Ticker
	staged   map[core.MarketKey]*core.Ticker
	failures map[string]int
}

// NewService creates the market data service. status may be nil.
func NewService(exchanges map[string]core.IExchange, symbols []string, pollInterval time.Duration, status core.IStatusOwner, logger core.ILogger) *Service {
	s := &Service{
		exchanges: exchanges,
		symbols:   symbols,
		interval:  pollInterval,
		logger:    logger.WithField("component", "market_data"),
		status:    status,
		history:   make(map[core.MarketKey][]*core.Ticker),
		staged:    make(map[core.MarketKey]*core.Ticker),
		failures:  make(map[string]int),
	}
	s.snapshot.Store(&core.MarketSnapshot{
		Tickers: map[core.MarketKey]*core.Ticker{},
		TakenAt: time.Now().UTC(),
	})
	return s
}

// Run polls until the context is cancelled. One publish happens per tick
// even when some fetches fail; stale series keep their last value.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Market data service starting",
		"exchanges", len(s.exchanges), "symbols", len(s.symbols), "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First poll happens immediately so consumers do not wait a full tick.
	s.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Market data service stopping")
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	type result struct {
		key    core.MarketKey
		ticker *core.Ticker
		err    error
	}

	results := make(chan result, len(s.exchanges)*len(s.symbols))
	var wg sync.WaitGroup

	for name, ex := range s.exchanges {
		supported := make(map[string]bool, len(ex.Info().Symbols))
		for _, sym := range ex.Info().Symbols {
			supported[sym] = true
		}
		for _, symbol := range s.symbols {
			if len(supported) > 0 && !supported[symbol] {
				continue
			}
			wg.Add(1)
			go func(name, symbol string, ex core.IExchange) {
				defer wg.Done()
				t, err := ex.FetchTicker(ctx, symbol)
				results <- result{
					key:    core.MarketKey{Exchange: name, Symbol: symbol},
					ticker: t,
					err:    err,
				}
			}(name, symbol, ex)
		}
	}
	wg.Wait()
	close(results)

	prev := s.snapshot.Load()
	next := make(map[core.MarketKey]*core.Ticker, len(prev.Tickers))
	for k, v := range prev.Tickers {
		next[k] = v
	}

	errsByExchange := make(map[string]bool)
	for r := range results {
		if r.err != nil {
			errsByExchange[r.key.Exchange] = true
			s.logger.Warn("Ticker fetch failed",
				"exchange", r.key.Exchange, "symbol", r.key.Symbol, "error", r.err)
			continue
		}
		next[r.key] = r.ticker
	}

	s.mu.Lock()
	// Push updates that arrived since the last publish win over the
	// slower poll results.
	for k, t := range s.staged {
		next[k] = t
	}
	s.staged = make(map[core.MarketKey]*core.Ticker)

	for name := range s.exchanges {
		if errsByExchange[name] {
			s.failures[name]++
			if s.failures[name] == failureThreshold {
				s.logger.Error("Exchange polling unhealthy",
					"exchange", name, "consecutive_failures", s.failures[name])
				if s.status != nil {
					s.status.Update(core.StatusUpdate{
						Component: "market_data:" + name,
						Healthy:   false,
						Reason:    "consecutive ticker fetch failures",
					})
				}
			}
		} else {
			if s.failures[name] >= failureThreshold && s.status != nil {
				s.status.Update(core.StatusUpdate{
					Component: "market_data:" + name,
					Healthy:   true,
				})
			}
			s.failures[name] = 0
		}
	}

	for k, t := range next {
		if prev.Tickers[k] == t {
			continue
		}
		buf := append(s.history[k], t)
		if len(buf) > historyMax {
			buf = buf[len(buf)-historyMax:]
		}
		s.history[k] = buf
	}
	s.mu.Unlock()

	epoch := core.Epoch(s.epoch.Add(1))
	s.snapshot.Store(&core.MarketSnapshot{
		Epoch:   epoch,
		Tickers: next,
		TakenAt: time.Now().UTC(),
	})

	for name := range s.exchanges {
		telemetry.GetGlobalMetrics().SetPublishEpoch(name, int64(epoch))
	}

	s.notify(epoch)
}

// Stage records a push update to be folded into the next publish.
func (s *Service) Stage(t *core.Ticker) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.staged[core.MarketKey{Exchange: t.Exchange, Symbol: t.Symbol}] = t
	s.mu.Unlock()
}

func (s *Service) notify(epoch core.Epoch) {
	s.mu.Lock()
	subs := make([]chan core.Epoch, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- epoch:
		default:
			// Slow consumers miss epochs rather than blocking the publisher.
		}
	}
}

// Latest returns the last published ticker for the key, or nil.
func (s *Service) Latest(exchange, symbol string) *core.Ticker {
	snap := s.snapshot.Load()
	return snap.Tickers[core.MarketKey{Exchange: exchange, Symbol: symbol}]
}

// Snapshot returns the current published snapshot.
func (s *Service) Snapshot() *core.MarketSnapshot {
	return s.snapshot.Load()
}

// Subscribe returns a buffered channel of publish epochs.
func (s *Service) Subscribe() <-chan core.Epoch {
	ch := make(chan core.Epoch, subscriberBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// History returns up to max recent tickers for the key, oldest first.
func (s *Service) History(exchange, symbol string, max int) []*core.Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.history[core.MarketKey{Exchange: exchange, Symbol: symbol}]
	if max > 0 && len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	out := make([]*core.Ticker, len(buf))
	copy(out, buf)
	return out
}
