package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/mock"
)

func TestPacedPassesThrough(t *testing.T) {
	inner := mock.NewExchange("mock")
	inner.SetTicker("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	paced := NewPaced(inner, 100)

	ticker, err := paced.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "mock", ticker.Exchange)
	assert.True(t, ticker.Bid.Equal(decimal.NewFromInt(50000)))

	assert.Equal(t, "mock", paced.Name())
	assert.True(t, paced.Info().CanWithdraw)
}

func TestPacedRespectsCancelledContext(t *testing.T) {
	inner := mock.NewExchange("mock")
	inner.SetTicker("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	paced := NewPaced(inner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := paced.FetchTicker(ctx, "BTC/USDT")
	assert.Error(t, err)
}

func TestPacedSpacesRequests(t *testing.T) {
	inner := mock.NewExchange("mock")
	inner.SetTicker("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	// 20 req/s with burst 20; the 21st call in a tight loop must wait.
	paced := NewPaced(inner, 20)

	start := time.Now()
	for i := 0; i < 21; i++ {
		_, err := paced.FetchTicker(context.Background(), "BTC/USDT")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPacedZeroRateDisablesPacing(t *testing.T) {
	inner := mock.NewExchange("mock")
	inner.SetBalance("USDT", decimal.NewFromInt(1000))

	paced := NewPaced(inner, 0)

	start := time.Now()
	for i := 0; i < 50; i++ {
		_, err := paced.FetchBalance(context.Background())
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)
}
