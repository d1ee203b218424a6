package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	"quant_trader/pkg/websocket"
)

const binanceStreamBase = "wss://stream.binance.com:9443/stream?streams="

// BinanceStream pushes bookTicker updates into the market data service
// between polls. Losing the stream degrades to poll-only operation.
type BinanceStream struct {
	service *Service
	symbols []string
	client  *websocket.Client
	logger  core.ILogger

	// venue symbol (upper, no slash) -> canonical "BASE/QUOTE" form
	symbolMap map[string]string
}

// NewBinanceStream creates a combined bookTicker stream for the symbols.
func NewBinanceStream(service *Service, symbols []string, logger core.ILogger) *BinanceStream {
	s := &BinanceStream{
		service:   service,
		symbols:   symbols,
		logger:    logger.WithField("component", "binance_stream"),
		symbolMap: make(map[string]string, len(symbols)),
	}

	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		venue := strings.ReplaceAll(sym, "/", "")
		s.symbolMap[strings.ToUpper(venue)] = sym
		streams = append(streams, strings.ToLower(venue)+"@bookTicker")
	}

	url := binanceStreamBase + strings.Join(streams, "/")
	s.client = websocket.NewClient(url, s.handleMessage, s.logger)
	return s
}

// Run keeps the stream alive until the context is cancelled.
func (s *BinanceStream) Run(ctx context.Context) error {
	s.logger.Info("Binance stream starting", "symbols", len(s.symbols))
	s.client.Start()
	<-ctx.Done()
	s.client.Stop()
	s.logger.Info("Binance stream stopped")
	return nil
}

// combined stream envelope
type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"`
		BidPrice string `json:"b"`
		AskPrice string `json:"a"`
	} `json:"data"`
}

func (s *BinanceStream) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("Unparseable stream message", "error", err)
		return
	}

	symbol, ok := s.symbolMap[strings.ToUpper(msg.Data.Symbol)]
	if !ok {
		return
	}

	bid, err := decimal.NewFromString(msg.Data.BidPrice)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(msg.Data.AskPrice)
	if err != nil {
		return
	}

	s.service.Stage(&core.Ticker{
		Exchange:   "binance",
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		Last:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		ObservedAt: time.Now().UTC(),
	})
}
