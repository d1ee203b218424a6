package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
exchanges:
  binance:
    api_key: key
    api_secret: secret
    enabled: true
    rate_limit_per_sec: 10
    taker_fee: 0.001
    can_withdraw: true
symbols: ["BTC/USDT", "ETH/USDT"]
fund:
  fund_total: 5000
  fund_allocation:
    cross_exchange: 0.6
    triangular: 0.4
persistence:
  dsn: trading.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Fund.Total)
	assert.Equal(t, 0.2, cfg.Arbitrage.MinCrossPct)
	assert.Equal(t, 5, cfg.Intervals.MarketPollSec)
	assert.Equal(t, 65.0, cfg.Gates.TradingMinScore)
	assert.Equal(t, 0.6, cfg.Gates.MinWinRate)
}

func TestLoadConfig_MissingAPIKey(t *testing.T) {
	path := writeConfig(t, `
exchanges:
  binance:
    enabled: true
symbols: ["BTC/USDT"]
fund:
  fund_total: 1000
persistence:
  dsn: trading.db
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadConfig_AllocationMustSumToOne(t *testing.T) {
	path := writeConfig(t, `
exchanges:
  mock:
    enabled: true
symbols: ["BTC/USDT"]
fund:
  fund_total: 1000
  fund_allocation:
    cross_exchange: 0.6
    triangular: 0.6
persistence:
  dsn: trading.db
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestLoadConfig_WinRatePercentNormalized(t *testing.T) {
	path := writeConfig(t, `
exchanges:
  mock:
    enabled: true
symbols: ["BTC/USDT"]
fund:
  fund_total: 1000
gates:
  min_win_rate: 60
persistence:
  dsn: trading.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.Gates.MinWinRate)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_QT_API_KEY", "expanded-key")
	path := writeConfig(t, `
exchanges:
  binance:
    api_key: ${TEST_QT_API_KEY}
    api_secret: secret
    enabled: true
symbols: ["BTC/USDT"]
fund:
  fund_total: 1000
persistence:
  dsn: trading.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-key", cfg.Exchanges["binance"].APIKey)
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	ex := cfg.Exchanges["mock"]
	ex.APIKey = "super-secret-api-key"
	ex.APISecret = "super-secret-value"
	cfg.Exchanges["mock"] = ex

	s := cfg.String()
	assert.NotContains(t, s, "super-secret-api-key")
	assert.NotContains(t, s, "super-secret-value")
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
