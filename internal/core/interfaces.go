// Package core defines the shared types and interfaces for the trading platform
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the normalized capability set against one exchange.
// Implementations are safe for concurrent use, pace their own requests and
// honor context cancellation on every call. Transient errors are surfaced
// to the caller; retry is the caller's policy.
type IExchange interface {
	// Identity
	Name() string
	Info() ExchangeInfo
	CheckHealth(ctx context.Context) error

	// Market data
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// Account
	FetchBalance(ctx context.Context) (map[string]Balance, error)

	// Orders (market only; quantities in base units)
	MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*Order, error)
	MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*Order, error)

	// Transfers
	RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*Transfer, error)
	FetchWithdrawalStatus(ctx context.Context, transferID string) (TransferStatus, error)
	FetchDepositAddress(ctx context.Context, asset, network string) (*DepositAddress, error)
}

// Epoch is the monotonically increasing version number stamped on each
// consistent market data publish.
type Epoch uint64

// MarketSnapshot is an immutable view of all (exchange, symbol) tickers
// at one publish epoch.
type MarketSnapshot struct {
	Epoch   Epoch
	Tickers map[MarketKey]*Ticker
	TakenAt time.Time
}

// MarketKey identifies one (exchange, symbol) series.
type MarketKey struct {
	Exchange string
	Symbol   string
}

// IMarketData exposes the latest published market state.
type IMarketData interface {
	// Latest returns the last published ticker for the key, or nil.
	Latest(exchange, symbol string) *Ticker
	// Snapshot returns an O(1) reference to the current publish epoch.
	Snapshot() *MarketSnapshot
	// Subscribe returns a channel of publish-epoch notifications.
	// Slow consumers miss epochs rather than blocking the publisher.
	Subscribe() <-chan Epoch
	// History returns recent tickers for the key, oldest first.
	History(exchange, symbol string, max int) []*Ticker
}

// Reservation is a capital reservation token issued by the allocator.
type Reservation struct {
	Token  string
	Class  OpportunityClass
	Amount decimal.Decimal
}

// IAllocator manages per-class capital buckets.
type IAllocator interface {
	Reserve(class OpportunityClass, amount decimal.Decimal) (*Reservation, error)
	// Release returns capital for a reservation; returned may differ from
	// reserved, the delta being realized PnL (or loss of stuck capital).
	Release(res *Reservation, returned decimal.Decimal)
	Available(class OpportunityClass) decimal.Decimal
}

// IStore is the persistence layer contract. Hot-path writes go through
// the async record channel; reads are synchronous.
type IStore interface {
	// EnqueueAsync submits a record for background writing. It never
	// blocks; on overflow the oldest non-critical record is dropped.
	EnqueueAsync(rec Record)

	SaveStrategy(ctx context.Context, s *Strategy) error
	LoadStrategies(ctx context.Context) ([]*Strategy, error)
	SaveTask(ctx context.Context, t *ArbitrageTask) error
	LoadOpenTasks(ctx context.Context) ([]*ArbitrageTask, error)
	ListSignals(ctx context.Context, limit int) ([]*TradingSignal, error)
	ListOperationLogs(ctx context.Context, category string, limit int) ([]*OperationLog, error)
	SaveStatus(ctx context.Context, st *SystemStatus) error
	Close() error
}

// RecordKind tags an async persistence record.
type RecordKind string

const (
	RecordSignal     RecordKind = "signal"
	RecordCycle      RecordKind = "cycle"
	RecordSimulation RecordKind = "simulation"
	RecordEvolution  RecordKind = "evolution"
	RecordTask       RecordKind = "task"
	RecordBalance    RecordKind = "balance"
	RecordOpLog      RecordKind = "oplog"
	RecordStrategy   RecordKind = "strategy"
)

// Record is one asynchronous persistence write. Exactly one payload field
// is set according to Kind. Critical records survive queue overflow.
type Record struct {
	Kind     RecordKind
	Critical bool

	Signal     *TradingSignal
	Cycle      *TradeCycle
	Simulation *SimulationResult
	Evolution  *EvolutionRecord
	Task       *ArbitrageTask
	Balance    *BalanceSnapshot
	OpLog      *OperationLog
	Strategy   *Strategy
}

// BalanceSnapshot is one persisted (exchange, asset) balance observation.
type BalanceSnapshot struct {
	Exchange   string
	Asset      string
	Total      decimal.Decimal
	Available  decimal.Decimal
	Locked     decimal.Decimal
	ObservedAt time.Time
}

// OperationLog is a persisted operational event.
type OperationLog struct {
	Category string
	Message  string
	Kind     string
	At       time.Time
}

// ILogger is the structured logging contract. Fields are alternating
// key/value pairs.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// StatusUpdate is a message to the system status owner task.
type StatusUpdate struct {
	Component string
	Healthy   bool
	Reason    string
	StuckTask string
	// Apply optionally mutates counters on the status snapshot.
	Apply func(*SystemStatus)
}

// IStatusOwner is the single writer of SystemStatus.
type IStatusOwner interface {
	Update(u StatusUpdate)
	Current() *SystemStatus
	SetAutoTrading(enabled bool)
	SetEvolution(enabled bool)
	AutoTradingEnabled() bool
	EvolutionEnabled() bool
}
