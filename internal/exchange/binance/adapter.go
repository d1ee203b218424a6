// Package binance adapts the Binance spot API to core.IExchange
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
)

// Withdrawal status codes from the Binance SAPI.
const (
	wdStatusEmailSent = 0
	wdStatusCancelled = 1
	wdStatusRejected  = 3
	wdStatusFailure   = 5
	wdStatusCompleted = 6
)

// Adapter implements core.IExchange against Binance spot.
type Adapter struct {
	client *binance.Client
	info   core.ExchangeInfo
	logger core.ILogger
}

// NewAdapter creates a Binance adapter from config.
func NewAdapter(cfg config.ExchangeConfig, symbols []string, logger core.ILogger) *Adapter {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &Adapter{
		client: client,
		info: core.ExchangeInfo{
			Name:         "binance",
			CanWithdraw:  cfg.CanWithdraw,
			CanDeposit:   cfg.CanDeposit,
			MakerFee:     decimal.NewFromFloat(cfg.MakerFee),
			TakerFee:     decimal.NewFromFloat(cfg.TakerFee),
			Symbols:      symbols,
			WithdrawFees: toDecimalMap(cfg.WithdrawFees),
		},
		logger: logger.WithField("component", "exchange_binance"),
	}
}

func (a *Adapter) Name() string            { return "binance" }
func (a *Adapter) Info() core.ExchangeInfo { return a.info }

func (a *Adapter) CheckHealth(ctx context.Context) error {
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	books, err := a.client.NewListBookTickersService().Symbol(toVenueSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	b := books[0]

	bid, err := decimal.NewFromString(b.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", b.BidPrice, err)
	}
	ask, err := decimal.NewFromString(b.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", b.AskPrice, err)
	}

	return &core.Ticker{
		Exchange:   "binance",
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		Last:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	res, err := a.client.NewDepthService().Symbol(toVenueSymbol(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	book := &core.OrderBook{
		Exchange:  "binance",
		Symbol:    symbol,
		Bids:      make([]core.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]core.PriceLevel, 0, len(res.Asks)),
		FetchedAt: time.Now().UTC(),
	}
	for _, lvl := range res.Bids {
		price, qty, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return nil, err
		}
		book.Bids = append(book.Bids, core.PriceLevel{Price: price, Quantity: qty})
	}
	for _, lvl := range res.Asks {
		price, qty, err := parseLevel(lvl.Price, lvl.Quantity)
		if err != nil {
			return nil, err
		}
		book.Asks = append(book.Asks, core.PriceLevel{Price: price, Quantity: qty})
	}
	return book, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	balances := make(map[string]core.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[b.Asset] = core.Balance{
			Total:  free.Add(locked),
			Free:   free,
			Locked: locked,
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
	sideType := binance.SideTypeBuy
	if side == core.SideSell {
		sideType = binance.SideTypeSell
	}

	res, err := a.client.NewCreateOrderService().
		Symbol(toVenueSymbol(symbol)).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	filledQty, _ := decimal.NewFromString(res.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(res.CummulativeQuoteQuantity)

	var avgPrice decimal.Decimal
	if !filledQty.IsZero() {
		avgPrice = quoteQty.Div(filledQty)
	}

	var fee decimal.Decimal
	feeAsset := ""
	for _, f := range res.Fills {
		commission, perr := decimal.NewFromString(f.Commission)
		if perr != nil {
			continue
		}
		fee = fee.Add(commission)
		feeAsset = f.CommissionAsset
	}

	a.logger.Info("Market order filled",
		"symbol", symbol, "side", side, "qty", filledQty, "avg_price", avgPrice)

	return &core.Order{
		ID:          strconv.FormatInt(res.OrderID, 10),
		Exchange:    "binance",
		Symbol:      symbol,
		Side:        side,
		FilledPrice: avgPrice,
		FilledQty:   filledQty,
		Fee:         fee,
		FeeAsset:    feeAsset,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (a *Adapter) RequestWithdrawal(ctx context.Context, asset string, amount decimal.Decimal, destAddr, network string) (*core.Transfer, error) {
	if !a.info.CanWithdraw {
		return nil, apperrors.ErrWithdrawalsDisabled
	}

	res, err := a.client.NewCreateWithdrawService().
		Coin(asset).
		Network(network).
		Address(destAddr).
		Amount(amount.String()).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	a.logger.Info("Withdrawal requested",
		"asset", asset, "amount", amount, "network", network, "id", res.ID)

	return &core.Transfer{
		ID:           res.ID,
		FromExchange: "binance",
		Asset:        asset,
		Amount:       amount,
		Fee:          amount.Mul(a.info.WithdrawFees[asset]),
		InitiatedAt:  time.Now().UTC(),
		Status:       core.TransferPending,
	}, nil
}

func (a *Adapter) FetchWithdrawalStatus(ctx context.Context, transferID string) (core.TransferStatus, error) {
	rows, err := a.client.NewListWithdrawsService().Do(ctx)
	if err != nil {
		return "", classify(err)
	}

	for _, w := range rows {
		if w.ID != transferID {
			continue
		}
		switch w.Status {
		case wdStatusCompleted:
			return core.TransferConfirmed, nil
		case wdStatusCancelled, wdStatusRejected, wdStatusFailure:
			return core.TransferFailed, nil
		default:
			return core.TransferPending, nil
		}
	}
	return "", fmt.Errorf("%w: withdrawal %s not found", apperrors.ErrTransferFailed, transferID)
}

func (a *Adapter) FetchDepositAddress(ctx context.Context, asset, network string) (*core.DepositAddress, error) {
	res, err := a.client.NewGetDepositAddressService().Coin(asset).Network(network).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	return &core.DepositAddress{
		Asset:   asset,
		Network: network,
		Address: res.Address,
		Memo:    res.Tag,
	}, nil
}

// toVenueSymbol converts "BTC/USDT" into the venue form "BTCUSDT".
func toVenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func parseLevel(priceStr, qtyStr string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse qty %q: %w", qtyStr, err)
	}
	return price, qty, nil
}

// classify maps venue errors onto the shared error taxonomy.
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2010:
			return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
		case -1003:
			return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
		case -2014, -2015:
			return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
		case -1121:
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
		case -1013:
			return fmt.Errorf("%w: %s", apperrors.ErrMinNotional, apiErr.Message)
		}
		if apiErr.Code <= -2000 {
			return fmt.Errorf("%w: code=%d %s", apperrors.ErrOrderRejected, apiErr.Code, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

func toDecimalMap(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}
