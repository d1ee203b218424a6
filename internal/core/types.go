package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// PriceLevel is one level of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ExchangeInfo describes an exchange's identity and capabilities.
// Built from config at boot; immutable afterwards.
type ExchangeInfo struct {
	Name        string
	CanWithdraw bool
	CanDeposit  bool
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
	Symbols     []string
	// WithdrawFees maps asset -> withdrawal fee per unit of the asset
	// withdrawn, as a ratio.
	WithdrawFees map[string]decimal.Decimal
}

// Ticker is an immutable market snapshot for one (exchange, symbol).
// Replaced whole on each poll, never mutated in place.
type Ticker struct {
	Exchange       string
	Symbol         string
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	Last           decimal.Decimal
	BidDepth       []PriceLevel
	AskDepth       []PriceLevel
	QuoteVolume24h decimal.Decimal
	ObservedAt     time.Time
}

// OrderBook holds the top-N levels for both sides.
type OrderBook struct {
	Exchange  string
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	FetchedAt time.Time
}

// Balance is the per-asset account balance snapshot.
type Balance struct {
	Total  decimal.Decimal
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Order is the result of a filled market order.
type Order struct {
	ID          string
	Exchange    string
	Symbol      string
	Side        OrderSide
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	CreatedAt   time.Time
}

// DepositAddress identifies where an asset can be sent on a network.
type DepositAddress struct {
	Asset   string
	Network string
	Address string
	Memo    string
}

// TransferStatus is the observed state of an on-chain withdrawal.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer tracks one on-chain movement between exchanges.
// At most one active transfer exists per arbitrage task.
type Transfer struct {
	ID            string
	FromExchange  string
	ToExchange    string
	Asset         string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	InitiatedAt   time.Time
	Status        TransferStatus
	LastCheckedAt time.Time
}

// OpportunityClass tags the two arbitrage classes.
type OpportunityClass string

const (
	ClassCrossExchange OpportunityClass = "cross_exchange"
	ClassTriangular    OpportunityClass = "triangular"
)

// TriangularStep is one leg of a three-trade cycle.
type TriangularStep struct {
	Symbol string
	Side   OrderSide
	// Rate is the asset conversion rate at snapshot prices, fees included.
	Rate decimal.Decimal
}

// Opportunity is a ranked arbitrage candidate. Cross-exchange fields and
// triangular fields are populated according to Class.
type Opportunity struct {
	ID         string
	Class      OpportunityClass
	Symbol     string
	NetPct     decimal.Decimal
	DetectedAt time.Time

	// Cross-exchange
	BuyExchange    string
	SellExchange   string
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	EstTransferMin int
	EstTransferFee decimal.Decimal

	// Triangular
	Exchange string
	Path     []TriangularStep
	// EndPerUnitStart is the expected end amount per unit of start asset.
	EndPerUnitStart decimal.Decimal
}

// PriceDiff is a derived cross-exchange price difference, retained 24h.
type PriceDiff struct {
	Symbol       string
	LowExchange  string
	HighExchange string
	LowAsk       decimal.Decimal
	HighBid      decimal.Decimal
	AbsDiff      decimal.Decimal
	PctDiff      decimal.Decimal
	ObservedAt   time.Time
}

// TaskState is the arbitrage task lifecycle state.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskExecuting        TaskState = "executing"
	TaskAwaitingTransfer TaskState = "awaiting_transfer"
	TaskSettling         TaskState = "settling"
	TaskCompleted        TaskState = "completed"
	TaskFailed           TaskState = "failed"
	TaskFailedUnwound    TaskState = "failed_unwound"
	TaskFailedStuck      TaskState = "failed_stuck"
	TaskFailedTimeout    TaskState = "failed_timeout"
)

// IsTerminal reports whether the state ends the task lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskFailedUnwound, TaskFailedStuck, TaskFailedTimeout:
		return true
	}
	return false
}

// StepLogEntry records one external call and its outcome. Append-only.
type StepLogEntry struct {
	At     time.Time
	Step   string
	Detail string
	Err    string
}

// ArbitrageTask drives one accepted opportunity to a terminal state.
type ArbitrageTask struct {
	ID              string
	Class           OpportunityClass
	Opportunity     Opportunity
	ReservedCapital decimal.Decimal
	State           TaskState
	StepLog         []StepLogEntry
	Transfer        *Transfer
	RealizedPnL     decimal.Decimal
	// StuckCapital reports capital left on an exchange after a failed
	// transfer; it is not auto-recovered.
	StuckCapital  decimal.Decimal
	StuckExchange string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tier is the strategy promotion tier.
type Tier string

const (
	TierPool    Tier = "pool"
	TierDisplay Tier = "display"
	TierTrading Tier = "trading"
)

// CreationMethod tags how a strategy came to exist.
type CreationMethod string

const (
	CreatedSeed      CreationMethod = "seed"
	CreatedRandom    CreationMethod = "random"
	CreatedMutation  CreationMethod = "mutation"
	CreatedCrossover CreationMethod = "crossover"
)

// Lineage records a strategy's evolutionary ancestry.
type Lineage struct {
	Parents    []string
	Generation int
	Cycle      int
	Method     CreationMethod
}

// MarketRegime classifies the recent market state.
type MarketRegime string

const (
	RegimeUnknown  MarketRegime = "unknown"
	RegimeTrending MarketRegime = "trending"
	RegimeRanging  MarketRegime = "ranging"
	RegimeVolatile MarketRegime = "volatile"
)

// ParamType is the value type of a strategy parameter.
type ParamType string

const (
	ParamInt     ParamType = "int"
	ParamDecimal ParamType = "decimal"
	ParamBool    ParamType = "bool"
)

// ParamSpec declares a parameter's legal range, step and mutation behavior.
// Values outside the range are clamped, then snapped to Step.
type ParamSpec struct {
	Name         string
	Type         ParamType
	Min          decimal.Decimal
	Max          decimal.Decimal
	Step         decimal.Decimal
	MutationRate float64
	// Adaptation optionally narrows the range per market regime.
	Adaptation map[MarketRegime]ParamRange
}

// ParamRange is a closed [Min, Max] interval.
type ParamRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// RollingMetrics are the exponentially updated performance figures that
// drive gating. WinRate is a ratio in [0, 1].
type RollingMetrics struct {
	Score             decimal.Decimal
	WinRate           decimal.Decimal
	TotalReturn       decimal.Decimal
	Sharpe            decimal.Decimal
	MaxDrawdown       decimal.Decimal
	ProfitFactor      decimal.Decimal
	TradeCount        int
	ConsecImprovement int
}

// Strategy is the shared strategy record. Only the pool mutates it, under
// the per-strategy write lock.
type Strategy struct {
	ID      string
	Name    string
	Type    string
	Symbol  string
	Params  map[string]decimal.Decimal
	Specs   map[string]ParamSpec
	Tier    Tier
	Enabled bool
	Lineage Lineage

	LastParamChangeAt           time.Time
	ValidationTradesSinceChange int

	FinalScore decimal.Decimal
	Metrics    RollingMetrics

	// BelowEliminationSince is zero unless the score has been under the
	// elimination threshold continuously since that instant.
	BelowEliminationSince time.Time

	Inactive  bool
	CreatedAt time.Time
}

// TradeType distinguishes paper validation fills from real exchange orders.
type TradeType string

const (
	TradeValidation TradeType = "validation"
	TradeReal       TradeType = "real"
)

// TradingSignal is an append-only record of a strategy output.
type TradingSignal struct {
	ID          string
	StrategyID  string
	Symbol      string
	Side        OrderSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Confidence  decimal.Decimal
	GeneratedAt time.Time
	Executed    bool
	TradeType   TradeType
	CycleID     string
	RealizedPnL decimal.Decimal
	DropReason  string
}

// CycleStatus is the trade cycle lifecycle state.
type CycleStatus string

const (
	CycleOpen      CycleStatus = "open"
	CycleCompleted CycleStatus = "completed"
	CycleAbandoned CycleStatus = "abandoned"
)

// TradeCycle pairs an opening signal with its close.
type TradeCycle struct {
	CycleID       string
	StrategyID    string
	OpenSignalID  string
	CloseSignalID string
	OpenTime      time.Time
	CloseTime     time.Time
	BuyPrice      decimal.Decimal
	SellPrice     decimal.Decimal
	Quantity      decimal.Decimal
	PnL           decimal.Decimal
	HoldingMin    decimal.Decimal
	Status        CycleStatus
	Reason        string
}

// SimulationResult is the outcome of one simulation run.
type SimulationResult struct {
	StrategyID     string
	RunAt          time.Time
	DaysSimulated  int
	TradeCount     int
	WinRate        decimal.Decimal
	TotalReturn    decimal.Decimal
	Sharpe         decimal.Decimal
	MaxDrawdown    decimal.Decimal
	Score          decimal.Decimal
	ParamsSnapshot map[string]decimal.Decimal
}

// EvolutionAction tags an evolution history record.
type EvolutionAction string

const (
	EvolutionCreate      EvolutionAction = "create"
	EvolutionMutate      EvolutionAction = "mutate"
	EvolutionCrossover   EvolutionAction = "crossover"
	EvolutionEliteSelect EvolutionAction = "elite_select"
	EvolutionEliminate   EvolutionAction = "eliminate"
	EvolutionProtect     EvolutionAction = "protect"
)

// EvolutionRecord is the audit entry for one evolution action.
type EvolutionRecord struct {
	StrategyID  string
	Generation  int
	Cycle       int
	Action      EvolutionAction
	ScoreBefore decimal.Decimal
	ScoreAfter  decimal.Decimal
	OldParams   map[string]decimal.Decimal
	NewParams   map[string]decimal.Decimal
	ParamDiff   []string
	Reason      string
	At          time.Time
}

// SystemStatus is the single coherent health view published by the
// status owner task.
type SystemStatus struct {
	QuantitativeRunning bool
	AutoTradingEnabled  bool
	EvolutionEnabled    bool
	TotalStrategies     int
	RunningStrategies   int
	CurrentGeneration   int
	Health              string
	HealthReason        string
	StuckTasks          []string
	LastUpdate          time.Time
}
