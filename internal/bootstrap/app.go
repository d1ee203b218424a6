// Package bootstrap wires the platform components and owns the lifecycle
package bootstrap

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quant_trader/internal/arbitrage"
	"quant_trader/internal/config"
	"quant_trader/internal/control"
	"quant_trader/internal/core"
	"quant_trader/internal/dispatch"
	"quant_trader/internal/evolution"
	"quant_trader/internal/exchange"
	"quant_trader/internal/funds"
	"quant_trader/internal/logging"
	"quant_trader/internal/marketdata"
	"quant_trader/internal/opportunity"
	"quant_trader/internal/persistence"
	"quant_trader/internal/simulation"
	"quant_trader/internal/status"
	"quant_trader/internal/strategy"
	"quant_trader/pkg/telemetry"
)

// defaultPoolTarget is the strategy population the evolution loops
// maintain when the store starts empty.
const defaultPoolTarget = 30

// Runner is a long-lived component driven until context cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds every wired component plus the pieces that need explicit
// shutdown.
type App struct {
	Cfg     *config.Config
	Logger  *logging.Logger
	Control *control.Service

	store     *persistence.Store
	telemetry *telemetry.Telemetry
	runners   []Runner
}

// NewApp loads configuration and wires the full component graph. It does
// not start anything; Run does.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger}

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("quant_trader")
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.telemetry = tel
		app.runners = append(app.runners,
			telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger))
	}

	store, err := persistence.NewStore(cfg.Persistence.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	app.store = store
	app.runners = append(app.runners, store)

	owner := status.NewOwner(store, logger)
	app.runners = append(app.runners, owner)

	exchanges, err := exchange.BuildAll(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("exchanges: %w", err)
	}
	refExchange := pickReference(exchanges)

	market := marketdata.NewService(exchanges, cfg.Symbols,
		time.Duration(cfg.Intervals.MarketPollSec)*time.Second, owner, logger)
	app.runners = append(app.runners, market)
	if _, ok := exchanges["binance"]; ok {
		app.runners = append(app.runners,
			marketdata.NewBinanceStream(market, cfg.Symbols, logger))
	}

	detector := opportunity.NewDetector(market, exchanges, cfg.Symbols, cfg.Arbitrage, logger)
	app.runners = append(app.runners, detector)

	shares := make(map[core.OpportunityClass]decimal.Decimal, len(cfg.Fund.Allocation))
	for class, share := range cfg.Fund.Allocation {
		shares[core.OpportunityClass(class)] = decimal.NewFromFloat(share)
	}
	alloc := funds.NewAllocator(decimal.NewFromFloat(cfg.Fund.Total), shares, logger)
	app.runners = append(app.runners, funds.NewRebalancer(alloc,
		time.Duration(cfg.Intervals.RebalanceHr)*time.Hour,
		cfg.Fund.MinShare, cfg.Fund.MaxShare, logger))

	executor := arbitrage.NewExecutor(exchanges, market, alloc, store, owner,
		cfg.Arbitrage, cfg.Intervals, logger)
	app.runners = append(app.runners, runnerFunc(func(ctx context.Context) error {
		return executor.Run(ctx, detector.Out())
	}))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pool := strategy.NewPool(cfg.Gates, store, logger)
	if err := loadOrSeedPool(pool, store, cfg.Symbols, rng, logger); err != nil {
		return nil, fmt.Errorf("strategy pool: %w", err)
	}

	sim := simulation.NewEngine(market, refExchange, cfg.Simulation, logger)
	scheduler := evolution.NewScheduler(pool, sim, market, refExchange, store, owner,
		cfg.Intervals, cfg.Symbols, defaultPoolTarget, rng, logger)
	app.runners = append(app.runners, scheduler)

	dispatcher := dispatch.NewDispatcher(pool, market, exchanges, refExchange,
		store, owner, cfg.Gates, logger)
	app.runners = append(app.runners, dispatcher)

	app.Control = control.NewService(pool, scheduler, dispatcher, executor,
		owner, store, exchanges, logger)

	return app, nil
}

// Run starts every component and blocks until a termination signal or
// the first component failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "components", len(a.runners))

	for _, r := range a.runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application stopped")
	return nil
}

func (a *App) shutdown() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.Logger.Warn("Store close failed", "error", err)
		}
	}
	_ = a.Logger.Sync()
}

// loadOrSeedPool restores the persisted population, seeding a fresh one
// on first boot.
func loadOrSeedPool(pool *strategy.Pool, store *persistence.Store, symbols []string, rng *rand.Rand, logger core.ILogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loaded, err := store.LoadStrategies(ctx)
	if err != nil {
		return err
	}
	if len(loaded) == 0 {
		logger.Info("Empty store, seeding strategy pool", "target", defaultPoolTarget)
		return strategy.Seed(pool, symbols, defaultPoolTarget, rng)
	}
	for _, s := range loaded {
		if err := pool.Add(s); err != nil {
			logger.Warn("Skipping persisted strategy", "id", s.ID, "error", err)
		}
	}
	logger.Info("Strategy pool restored", "count", pool.Size())
	return nil
}

// pickReference chooses the exchange real orders and simulations price
// against: binance when configured, else the first by name.
func pickReference(exchanges map[string]core.IExchange) string {
	if _, ok := exchanges["binance"]; ok {
		return "binance"
	}
	names := make([]string, 0, len(exchanges))
	for name := range exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
