// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Symbols     []string                  `yaml:"symbols"`
	Arbitrage   ArbitrageConfig           `yaml:"arbitrage"`
	Fund        FundConfig                `yaml:"fund"`
	Intervals   IntervalsConfig           `yaml:"intervals"`
	Gates       GatesConfig               `yaml:"gates"`
	Simulation  SimulationConfig          `yaml:"simulation"`
	Persistence PersistenceConfig         `yaml:"persistence"`
	System      SystemConfig              `yaml:"system"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Proxy       string                    `yaml:"proxy"`
}

// ExchangeConfig contains per-exchange credentials and capabilities
type ExchangeConfig struct {
	APIKey          string             `yaml:"api_key"`
	APISecret       string             `yaml:"api_secret"`
	Passphrase      string             `yaml:"passphrase"`
	Enabled         bool               `yaml:"enabled"`
	RateLimitPerSec float64            `yaml:"rate_limit_per_sec"`
	BaseURL         string             `yaml:"base_url"`
	MakerFee        float64            `yaml:"maker_fee"`
	TakerFee        float64            `yaml:"taker_fee"`
	CanWithdraw     bool               `yaml:"can_withdraw"`
	CanDeposit      bool               `yaml:"can_deposit"`
	WithdrawFees    map[string]float64 `yaml:"withdraw_fees"`
}

// ArbitrageConfig contains opportunity detection thresholds
type ArbitrageConfig struct {
	MinCrossPct       float64 `yaml:"min_cross_pct"`
	MinTriangularPct  float64 `yaml:"min_triangular_pct"`
	CloseThresholdPct float64 `yaml:"close_threshold_pct"`
	BaseAsset         string  `yaml:"base_asset"`
}

// FundConfig contains capital allocation settings
type FundConfig struct {
	Total      float64            `yaml:"fund_total"`
	Allocation map[string]float64 `yaml:"fund_allocation"`
	MinShare   float64            `yaml:"min_share"`
	MaxShare   float64            `yaml:"max_share"`
}

// IntervalsConfig contains loop cadences
type IntervalsConfig struct {
	MarketPollSec    int `yaml:"market_poll_sec"`
	FastEvolutionMin int `yaml:"fast_evolution_min"`
	SlowEvolutionHr  int `yaml:"slow_evolution_hr"`
	TransferPollSec  int `yaml:"transfer_poll_sec"`
	TransferWaitHr   int `yaml:"transfer_wait_hr"`
	RebalanceHr      int `yaml:"rebalance_hr"`
}

// GatesConfig contains score and qualification gates.
// MinWinRate is a ratio in [0,1]; percent-like values (>1) from config
// are normalized at load.
type GatesConfig struct {
	DisplayMinScore    float64 `yaml:"display_min_score"`
	TradingMinScore    float64 `yaml:"trading_min_score"`
	MinTrades          int     `yaml:"min_trades"`
	MinWinRate         float64 `yaml:"min_win_rate"`
	ConsecImprovements int     `yaml:"consec_improvements"`
	ParamRevalHours    int     `yaml:"param_reval_hours"`
	ParamRevalTrades   int     `yaml:"param_reval_trades"`
	EliminationScore   float64 `yaml:"elimination_score"`
	EliminationDays    int     `yaml:"elimination_days"`
}

// SimulationConfig contains simulation engine settings
type SimulationConfig struct {
	DaysPerRun        int `yaml:"days_per_run"`
	MinTradesRequired int `yaml:"min_trades_required"`
	WallClockCapSec   int `yaml:"wall_clock_cap_sec"`
}

// PersistenceConfig contains the relational store settings
type PersistenceConfig struct {
	DSN string `yaml:"dsn"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset options and normalizes units.
func (c *Config) applyDefaults() {
	if c.Arbitrage.MinCrossPct == 0 {
		c.Arbitrage.MinCrossPct = 0.2
	}
	if c.Arbitrage.MinTriangularPct == 0 {
		c.Arbitrage.MinTriangularPct = 0.1
	}
	if c.Arbitrage.BaseAsset == "" {
		c.Arbitrage.BaseAsset = "USDT"
	}
	if c.Fund.Allocation == nil {
		c.Fund.Allocation = map[string]float64{"cross_exchange": 0.5, "triangular": 0.5}
	}
	if c.Fund.MinShare == 0 {
		c.Fund.MinShare = 0.1
	}
	if c.Fund.MaxShare == 0 {
		c.Fund.MaxShare = 0.9
	}
	if c.Intervals.MarketPollSec == 0 {
		c.Intervals.MarketPollSec = 5
	}
	if c.Intervals.FastEvolutionMin == 0 {
		c.Intervals.FastEvolutionMin = 3
	}
	if c.Intervals.SlowEvolutionHr == 0 {
		c.Intervals.SlowEvolutionHr = 24
	}
	if c.Intervals.TransferPollSec == 0 {
		c.Intervals.TransferPollSec = 30
	}
	if c.Intervals.TransferWaitHr == 0 {
		c.Intervals.TransferWaitHr = 2
	}
	if c.Intervals.RebalanceHr == 0 {
		c.Intervals.RebalanceHr = 6
	}
	if c.Gates.DisplayMinScore == 0 {
		c.Gates.DisplayMinScore = 10
	}
	if c.Gates.TradingMinScore == 0 {
		c.Gates.TradingMinScore = 65
	}
	if c.Gates.MinTrades == 0 {
		c.Gates.MinTrades = 30
	}
	if c.Gates.MinWinRate == 0 {
		c.Gates.MinWinRate = 0.6
	}
	if c.Gates.ConsecImprovements == 0 {
		c.Gates.ConsecImprovements = 3
	}
	if c.Gates.ParamRevalHours == 0 {
		c.Gates.ParamRevalHours = 24
	}
	if c.Gates.ParamRevalTrades == 0 {
		c.Gates.ParamRevalTrades = 20
	}
	if c.Gates.EliminationScore == 0 {
		c.Gates.EliminationScore = 5
	}
	if c.Gates.EliminationDays == 0 {
		c.Gates.EliminationDays = 15
	}
	if c.Simulation.DaysPerRun == 0 {
		c.Simulation.DaysPerRun = 3
	}
	if c.Simulation.MinTradesRequired == 0 {
		c.Simulation.MinTradesRequired = 5
	}
	if c.Simulation.WallClockCapSec == 0 {
		c.Simulation.WallClockCapSec = 30
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}

	// Source configs disagree on win rate units; values above 1 are
	// percent and are converted to a ratio here.
	if c.Gates.MinWinRate > 1 {
		c.Gates.MinWinRate = c.Gates.MinWinRate / 100
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFund(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGates(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Persistence.DSN == "" {
		errs = append(errs, ValidationError{
			Field:   "persistence.dsn",
			Message: "persistence DSN is required",
		}.Error())
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, ValidationError{
			Field:   "symbols",
			Message: "at least one trading symbol is required",
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchanges() error {
	validExchanges := []string{"binance", "okx", "bitget", "mock"}

	if len(c.Exchanges) == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be configured",
		}
	}

	enabled := 0
	for name, ex := range c.Exchanges {
		if !contains(validExchanges, name) {
			return ValidationError{
				Field:   "exchanges",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
			}
		}
		if !ex.Enabled {
			continue
		}
		enabled++
		if name == "mock" {
			continue
		}
		if ex.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if ex.APISecret == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_secret", name),
				Message: "API secret is required",
			}
		}
		if ex.TakerFee < 0 || ex.TakerFee > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.taker_fee", name),
				Value:   ex.TakerFee,
				Message: "taker fee must be in [0, 1]",
			}
		}
	}

	if enabled == 0 {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least one exchange must be enabled",
		}
	}
	return nil
}

func (c *Config) validateFund() error {
	if c.Fund.Total <= 0 {
		return ValidationError{
			Field:   "fund.fund_total",
			Value:   c.Fund.Total,
			Message: "total fund must be positive",
		}
	}

	sum := 0.0
	for class, share := range c.Fund.Allocation {
		if share < 0 || share > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("fund.fund_allocation.%s", class),
				Value:   share,
				Message: "allocation share must be in [0, 1]",
			}
		}
		sum += share
	}
	if sum < 0.999 || sum > 1.001 {
		return ValidationError{
			Field:   "fund.fund_allocation",
			Value:   sum,
			Message: "allocation shares must sum to 1",
		}
	}
	return nil
}

func (c *Config) validateGates() error {
	if c.Gates.MinWinRate < 0 || c.Gates.MinWinRate > 1 {
		return ValidationError{
			Field:   "gates.min_win_rate",
			Value:   c.Gates.MinWinRate,
			Message: "win rate gate must normalize to [0, 1]",
		}
	}
	if c.Gates.TradingMinScore < c.Gates.DisplayMinScore {
		return ValidationError{
			Field:   "gates.trading_min_score",
			Value:   c.Gates.TradingMinScore,
			Message: "trading gate must not be below display gate",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// ClassShare returns the configured allocation share for an opportunity
// class as a decimal.
func (c *Config) ClassShare(class string) decimal.Decimal {
	return decimal.NewFromFloat(c.Fund.Allocation[class])
}

// String returns a string representation of the configuration with
// sensitive data masked.
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		ex.APIKey = maskString(ex.APIKey)
		ex.APISecret = maskString(ex.APISecret)
		ex.Passphrase = maskString(ex.Passphrase)
		configCopy.Exchanges[name] = ex
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Exchanges: map[string]ExchangeConfig{
			"mock": {
				Enabled:         true,
				RateLimitPerSec: 100,
				TakerFee:        0.001,
				MakerFee:        0.001,
				CanWithdraw:     true,
				CanDeposit:      true,
			},
		},
		Symbols: []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"},
		Fund: FundConfig{
			Total: 10000,
			Allocation: map[string]float64{
				"cross_exchange": 0.5,
				"triangular":     0.5,
			},
		},
		Persistence: PersistenceConfig{DSN: ":memory:"},
	}
	cfg.applyDefaults()
	return cfg
}
