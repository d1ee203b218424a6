// Package okx adapts the OKX v5 API to core.IExchange
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
	httpclient "quant_trader/pkg/http"
)

const defaultBaseURL = "https://www.okx.com"

// signer implements the OKX v5 request signature scheme.
type signer struct {
	apiKey     string
	secret     string
	passphrase string
}

func (s *signer) SignRequest(req *http.Request, body []byte) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	payload := ts + req.Method + req.URL.RequestURI() + string(body)

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(payload))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sign)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	return nil
}

// Adapter implements core.IExchange against OKX spot.
type Adapter struct {
	client *httpclient.Client
	info   core.ExchangeInfo
	logger core.ILogger
}

// NewAdapter creates an OKX adapter from config.
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
		return nil, fmt.Errorf("okx client: %w", err)
	}

	fees := make(map[string]decimal.Decimal, len(cfg.WithdrawFees))
	for asset, fee := range cfg.WithdrawFees {
		fees[asset] = decimal.NewFromFloat(fee)
	}

	return &Adapter{
		client: client,
		info: core.ExchangeInfo{
			Name:         "okx",
			CanWithdraw:  cfg.CanWithdraw,
			CanDeposit:   cfg.CanDeposit,
			MakerFee:     decimal.NewFromFloat(cfg.MakerFee),
			TakerFee:     decimal.NewFromFloat(cfg.TakerFee),
			Symbols:      symbols,
			WithdrawFees: fees,
		},
		logger: logger.WithField("component", "exchange_okx"),
	}, nil
}

// envelope is the OKX v5 response wrapper.
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
	if env.Code != "0" {
		return classifyCode(env.Code, env.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Name() string            { return "okx" }
func (a *Adapter) Info() core.ExchangeInfo { return a.info }

func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.call(ctx, http.MethodGet, "/api/v5/public/time", nil, nil, nil)
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	var rows []struct {
		BidPx     string `json:"bidPx"`
		AskPx     string `json:"askPx"`
		Last      string `json:"last"`
		VolCcy24h string `json:"volCcy24h"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v5/market/ticker",
		map[string]string{"instId": toInstID(symbol)}, nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	r := rows[0]

	bid, err := decimal.NewFromString(r.BidPx)
	if err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", r.BidPx, err)
	}
	ask, err := decimal.NewFromString(r.AskPx)
	if err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", r.AskPx, err)
	}
	last, _ := decimal.NewFromString(r.Last)
	vol, _ := decimal.NewFromString(r.VolCcy24h)

	return &core.Ticker{
		Exchange:       "okx",
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
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v5/market/books", map[string]string{
		"instId": toInstID(symbol),
		"sz":     fmt.Sprintf("%d", depth),
	}, nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	book := &core.OrderBook{
		Exchange:  "okx",
		Symbol:    symbol,
		FetchedAt: time.Now().UTC(),
	}
	for _, lvl := range rows[0].Bids {
		pl, err := parseLevel(lvl)
		if err != nil {
			return nil, err
		}
		book.Bids = append(book.Bids, pl)
	}
	for _, lvl := range rows[0].Asks {
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
		Details []struct {
			Ccy       string `json:"ccy"`
			AvailBal  string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, &rows)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]core.Balance)
	for _, row := range rows {
		for _, d := range row.Details {
			free, err := decimal.NewFromString(d.AvailBal)
			if err != nil {
				continue
			}
			locked, err := decimal.NewFromString(d.FrozenBal)
			if err != nil {
				locked = decimal.Zero
			}
			if free.IsZero() && locked.IsZero() {
				continue
			}
			balances[d.Ccy] = core.Balance{
				Total:  free.Add(locked),
				Free:   free,
				Locked: locked,
			}
		}
	}
	return balances, nil
}

func (a *Adapter) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	return a.marketOrder(ctx, symbol, core.SideBuy, qty)
}

func (a *Adapter) MarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*core.Order, error) {
	return a.marketOrder(ctx, symbol, core.SideSell, qty)
}

func (a *Adapter) marketOrder(ctx context.Context, symbol string, side core.OrderSide, qty decimal.Decimal) (*core.Order, error) {
	instID := toInstID(symbol)
	var placed []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	err := a.call(ctx, http.MethodPost, "/api/v5/trade/order", nil, map[string]string{
		"instId":  instID,
		"tdMode":  "cash",
		"side":    string(side),
		"ordType": "market",
		"sz":      qty.String(),
		// Size market buys in base units, matching sells.
		"tgtCcy": "base_ccy",
	}, &placed)
	if err != nil {
		return nil, err
	}
	if len(placed) == 0 {
		return nil, fmt.Errorf("%w: empty order response", apperrors.ErrOrderRejected)
	}
	if placed[0].SCode != "0" {
		return nil, classifyCode(placed[0].SCode, placed[0].SMsg)
	}
	ordID := placed[0].OrdID

	// Market orders fill immediately; read back the fill details.
	var details []struct {
		AvgPx     string `json:"avgPx"`
		AccFillSz string `json:"accFillSz"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
	}
	err = a.call(ctx, http.MethodGet, "/api/v5/trade/order", map[string]string{
		"instId": instID,
		"ordId":  ordID,
	}, nil, &details)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("%w: order %s not found after placement", apperrors.ErrOrderRejected, ordID)
	}
	d := details[0]

	avgPrice, _ := decimal.NewFromString(d.AvgPx)
	filledQty, _ := decimal.NewFromString(d.AccFillSz)
	// OKX reports fees as negative deltas.
	fee, _ := decimal.NewFromString(d.Fee)
	fee = fee.Abs()

	a.logger.Info("Market order filled",
		"symbol", symbol, "side", side, "qty", filledQty, "avg_price", avgPrice)

	return &core.Order{
		ID:          ordID,
		Exchange:    "okx",
		Symbol:      symbol,
		Side:        side,
		FilledPrice: avgPrice,
		FilledQty:   filledQty,
		Fee:         fee,
		FeeAsset:    d.FeeCcy,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (a *Adapter) RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*core.Transfer, error) {
	if !a.info.CanWithdraw {
		return nil, apperrors.ErrWithdrawalsDisabled
	}

	var rows []struct {
		WdID string `json:"wdId"`
	}
	err := a.call(ctx, http.MethodPost, "/api/v5/asset/withdrawal", nil, map[string]string{
		"ccy":    asset,
		"amt":    amount.String(),
		"dest":   "4",
		"toAddr": destAddr,
		"chain":  asset + "-" + network,
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty withdrawal response", apperrors.ErrTransferFailed)
	}

	a.logger.Info("Withdrawal requested",
		"asset", asset, "amount", amount, "network", network, "id", rows[0].WdID)

	return &core.Transfer{
		ID:           rows[0].WdID,
		FromExchange: "okx",
		Asset:        asset,
		Amount:       amount,
		Fee:          amount.Mul(a.info.WithdrawFees[asset]),
		InitiatedAt:  time.Now().UTC(),
		Status:       core.TransferPending,
	}, nil
}

func (a *Adapter) FetchWithdrawalStatus(ctx context.Context, transferID string) (core.TransferStatus, error) {
	var rows []struct {
		State string `json:"state"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v5/asset/withdrawal-history",
		map[string]string{"wdId": transferID}, nil, &rows)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: withdrawal %s not found", apperrors.ErrTransferFailed, transferID)
	}

	switch rows[0].State {
	case "2":
		return core.TransferConfirmed, nil
	case "-1", "-2", "-3":
		return core.TransferFailed, nil
	default:
		return core.TransferPending, nil
	}
}

func (a *Adapter) FetchDepositAddress(ctx context.Context, asset, network string) (*core.DepositAddress, error) {
	var rows []struct {
		Addr  string `json:"addr"`
		Chain string `json:"chain"`
		Memo  string `json:"memo"`
	}
	err := a.call(ctx, http.MethodGet, "/api/v5/asset/deposit-address",
		map[string]string{"ccy": asset}, nil, &rows)
	if err != nil {
		return nil, err
	}

	want := asset + "-" + network
	for _, r := range rows {
		if r.Chain == want {
			return &core.DepositAddress{
				Asset:   asset,
				Network: network,
				Address: r.Addr,
				Memo:    r.Memo,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s deposit address on %s", apperrors.ErrAssetNotSupported, asset, network)
}

// toInstID converts "BTC/USDT" into the venue form "BTC-USDT".
func toInstID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
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
	case "51008", "51119", "58350":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrInsufficientFunds, code, msg)
	case "50011", "50013":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrRateLimitExceeded, code, msg)
	case "50111", "50113", "50114":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrAuthenticationFailed, code, msg)
	case "51001":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrInvalidSymbol, code, msg)
	case "51020":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrMinNotional, code, msg)
	case "58207", "58003":
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrAddressRejected, code, msg)
	}
	if strings.HasPrefix(code, "51") {
		return fmt.Errorf("%w: okx %s %s", apperrors.ErrOrderRejected, code, msg)
	}
	return fmt.Errorf("%w: okx %s %s", apperrors.ErrNetwork, code, msg)
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
