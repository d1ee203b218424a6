package exchange

import (
	"fmt"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/exchange/binance"
	"quant_trader/internal/exchange/bitget"
	"quant_trader/internal/exchange/okx"
	"quant_trader/internal/mock"
)

// BuildAll constructs the enabled exchange adapters from config, each
// wrapped with pacing. Returns name -> adapter.
func BuildAll(cfg *config.Config, logger core.ILogger) (map[string]core.IExchange, error) {
	exchanges := make(map[string]core.IExchange)

	for name, exCfg := range cfg.Exchanges {
		if !exCfg.Enabled {
			continue
		}

		var adapter core.IExchange
		var err error
		switch name {
		case "binance":
			adapter = binance.NewAdapter(exCfg, cfg.Symbols, logger)
		case "okx":
			adapter, err = okx.NewAdapter(exCfg, cfg.Symbols, cfg.Proxy, logger)
		case "bitget":
			adapter, err = bitget.NewAdapter(exCfg, cfg.Symbols, cfg.Proxy, logger)
		case "mock":
			adapter = mock.NewExchange("mock")
		default:
			return nil, fmt.Errorf("unknown exchange %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", name, err)
		}

		exchanges[name] = NewPaced(adapter, exCfg.RateLimitPerSec)
		logger.Info("Exchange adapter ready", "exchange", name,
			"rate_limit_per_sec", exCfg.RateLimitPerSec)
	}

	if len(exchanges) == 0 {
		return nil, fmt.Errorf("no exchanges enabled")
	}
	return exchanges, nil
}
