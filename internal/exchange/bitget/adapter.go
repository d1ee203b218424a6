// Package bitget adapts the Bitget v2 spot API to core.IExchange
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
	httpclient "quant_trader/pkg/http"
)

const defaultBaseURL = "https://api.bitget.com"

// signer implements the Bitget request signature scheme.
type signer struct {
	apiKey     string
	secret     string
	passphrase string
}

func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + req.Method + req.URL.RequestURI() + string(body)

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(payload))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", s.apiKey)
	req.Header.Set("ACCESS-SIGN", sign)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", s.passphrase)
	req.Header.Set("locale", "en-US")
	return nil
}

// Adapter implements core.IExchange against Bitget spot.
type Adapter struct {
	client *httpclient.Client
	info   core.ExchangeInfo
	logger core.ILogger
}

// NewAdapter creates a Bitget adapter from config.
func NewAdapter(cfg config.ExchangeConfig, symbols []string, proxyURL string, logger core.ILogger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client, err := httpclient.NewClient(baseURL, 15*time.Second, &signer{
		apiKey:     cfg.APIKey,
		secret:     cfg.APISecret,
		passphrase: cfg.Passphrase,
	}, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("bitget client: %w", err)
	}

	fees := make(map[string]decimal.Decimal, len(cfg.WithdrawFees))
	for asset, fee := range cfg.WithdrawFees {
		fees[asset] = decimal.NewFromFloat(fee)
	}

	return &Adapter{
		client: client,
		info: core.ExchangeInfo{
			Name:         "bitget",
			CanWithdraw:  cfg.CanWithdraw,
			CanDeposit:   cfg.CanDeposit,
			MakerFee:     decimal.NewFromFloat(cfg.MakerFee),
			TakerFee:     decimal.NewFromFloat(cfg.TakerFee),
			Symbols:      symbols,
			WithdrawFees: fees,
		},
		logger: logger.WithField("component", "exchange_bitget"),
	}, nil
}

// envelope is the Bitget response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (a *Adapter) call(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}) error {
	var raw []byte
	var err error
	if method == http.MethodGet {
		raw, err = a.client.Get(ctx, path, params)
	} else {
		raw, err = a.client.Post(ctx, path, body)
	}
	if err != nil {
		return classifyTransport(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != "00000" {
		return classifyCode(env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Name() string            { return "bitget" }
func (a *Adapter) Info() core.ExchangeInfo { return a.info }

func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.call(ctx, http.MethodGet, "/api/v2/public/time", nil, nil, nil)
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	var rows []struct {
		BidPr      string `json:"bidPr"`
		AskPr      string `json:"askPr"`
		LastPr     string `json:"lastPr"`
		QuoteVolum string `json:"quoteVolume"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v2/spot/market/tickers",
		map[string]string{"symbol": toVenueSymbol(symbol)}, nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	r := rows[0]

	bid, err := decimal.NewFromString(r.BidPr)
	if err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", r.BidPr, err)
	}
	ask, err := decimal.NewFromString(r.AskPr)
	if err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", r.AskPr, err)
	}
	last, _ := decimal.NewFromString(r.LastPr)
	vol, _ := decimal.NewFromString(r.QuoteVolum)

	return &core.Ticker{
		Exchange:       "bitget",
		Symbol:         symbol,
		Bid:            bid,
		Ask:            ask,
		Last:           last,
		QuoteVolume24h: vol,
		ObservedAt:     time.Now().UTC(),
	}, nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var data struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v2/spot/market/orderbook", map[string]string{
		"symbol": toVenueSymbol(symbol),
		"limit":  strconv.Itoa(depth),
	}, nil, &data)
	if err != nil {
		return nil, err
	}

	book := &core.OrderBook{
		Exchange:  "bitget",
		Symbol:    symbol,
		FetchedAt: time.Now().UTC(),
	}
	for _, lvl := range data.Bids {
		pl, err := parseLevel(lvl)
		if err != nil {
			return nil, err
		}
		book.Bids = append(book.Bids, pl)
	}
	for _, lvl := range data.Asks {
		pl, err := parseLevel(lvl)
		if err != nil {
			return nil, err
		}
		book.Asks = append(book.Asks, pl)
	}
	return book, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	var rows []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil, &rows)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]core.Balance, len(rows))
	for _, r := range rows {
		free, err := decimal.NewFromString(r.Available)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(r.Frozen)
		if err != nil {
			locked = decimal.Zero
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[r.Coin] = core.Balance{
			Total:  free.Add(locked),
			Free:   free,
			Locked: locked,
		}
	}
	return balances, nil
}

func (a *Adapter) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	// Bitget sizes market buys in quote units; convert from base at the
	// current ask.
	ticker, err := a.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	quoteSize := qty.Mul(ticker.Ask)
	return a.placeOrder(ctx, symbol, core.SideBuy, quoteSize)
}

func (a *Adapter) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	return a.placeOrder(ctx, symbol, core.SideSell, qty)
}

func (a *Adapter) placeOrder(ctx context.Context, symbol string, side core.OrderSide, size decimal.Decimal) (*core.Order, error) {
	var placed struct {
		OrderID string `json:"orderId"`
	}
	err := a.call(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", nil, map[string]string{
		"symbol":    toVenueSymbol(symbol),
		"side":      string(side),
		"orderType": "market",
		"force":     "gtc",
		"size":      size.String(),
	}, &placed)
	if err != nil {
		return nil, err
	}

	var details []struct {
		PriceAvg   string `json:"priceAvg"`
		BaseVolume string `json:"baseVolume"`
	}
	err = a.call(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo",
		map[string]string{"orderId": placed.OrderID}, nil, &details)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("%w: order %s not found after placement", apperrors.ErrOrderRejected, placed.OrderID)
	}
	d := details[0]

	avgPrice, _ := decimal.NewFromString(d.PriceAvg)
	filledQty, _ := decimal.NewFromString(d.BaseVolume)
	fee := avgPrice.Mul(filledQty).Mul(a.info.TakerFee)

	a.logger.Info("Market order filled",
		"symbol", symbol, "side", side, "qty", filledQty, "avg_price", avgPrice)

	return &core.Order{
		ID:          placed.OrderID,
		Exchange:    "bitget",
		Symbol:      symbol,
		Side:        side,
		FilledPrice: avgPrice,
		FilledQty:   filledQty,
		Fee:         fee,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (a *Adapter) RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*core.Transfer, error) {
	if !a.info.CanWithdraw {
		return nil, apperrors.ErrWithdrawalsDisabled
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	err := a.call(ctx, http.MethodPost, "/api/v2/spot/wallet/withdrawal", nil, map[string]string{
		"coin":         asset,
		"transferType": "on_chain",
		"address":      destAddr,
		"chain":        network,
		"size":         amount.String(),
	}, &data)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Withdrawal requested",
		"asset", asset, "amount", amount, "network", network, "id", data.OrderID)

	return &core.Transfer{
		ID:           data.OrderID,
		FromExchange: "bitget",
		Asset:        asset,
		Amount:       amount,
		Fee:          amount.Mul(a.info.WithdrawFees[asset]),
		InitiatedAt:  time.Now().UTC(),
		Status:       core.TransferPending,
	}, nil
}

func (a *Adapter) FetchWithdrawalStatus(ctx context.Context, transferID string) (core.TransferStatus, error) {
	var rows []struct {
		Status string `json:"status"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v2/spot/wallet/withdrawal-records", map[string]string{
		"orderId":   transferID,
		"startTime": strconv.FormatInt(time.Now().Add(-90*24*time.Hour).UnixMilli(), 10),
		"endTime":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, nil, &rows)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: withdrawal %s not found", apperrors.ErrTransferFailed, transferID)
	}

	switch rows[0].Status {
	case "success":
		return core.TransferConfirmed, nil
	case "fail", "reject":
		return core.TransferFailed, nil
	default:
		return core.TransferPending, nil
	}
}

func (a *Adapter) FetchDepositAddress(ctx context.Context, asset, network string) (*core.DepositAddress, error) {
	var data struct {
		Address string `json:"address"`
		Chain   string `json:"chain"`
		Tag     string `json:"tag"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v2/spot/wallet/deposit-address", map[string]string{
		"coin":  asset,
		"chain": network,
	}, nil, &data)
	if err != nil {
		return nil, err
	}
	if data.Address == "" {
		return nil, fmt.Errorf("%w: no %s deposit address on %s", apperrors.ErrAssetNotSupported, asset, network)
	}

	return &core.DepositAddress{
		Asset:   asset,
		Network: network,
		Address: data.Address,
		Memo:    data.Tag,
	}, nil
}

// toVenueSymbol converts "BTC/USDT" into the venue form "BTCUSDT".
func toVenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func parseLevel(lvl []string) (core.PriceLevel, error) {
	if len(lvl) < 2 {
		return core.PriceLevel{}, fmt.Errorf("malformed book level %v", lvl)
	}
	price, err := decimal.NewFromString(lvl[0])
	if err != nil {
		return core.PriceLevel{}, fmt.Errorf("parse price %q: %w", lvl[0], err)
	}
	qty, err := decimal.NewFromString(lvl[1])
	if err != nil {
		return core.PriceLevel{}, fmt.Errorf("parse qty %q: %w", lvl[1], err)
	}
	return core.PriceLevel{Price: price, Quantity: qty}, nil
}

func classifyCode(code, msg string) error {
	switch code {
	case "43012", "43013":
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrInsufficientFunds, code, msg)
	case "429", "30007":
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrRateLimitExceeded, code, msg)
	case "40037", "40012", "40009":
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrAuthenticationFailed, code, msg)
	case "40034":
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrInvalidSymbol, code, msg)
	case "45110":
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrMinNotional, code, msg)
	}
	if strings.HasPrefix(code, "43") {
		return fmt.Errorf("%w: bitget %s %s", apperrors.ErrOrderRejected, code, msg)
	}
	return fmt.Errorf("%w: bitget %s %s", apperrors.ErrNetwork, code, msg)
}

func classifyTransport(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		}
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}
