package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/models"
)

var (
	// ErrDuplicateOrder is returned when the exchange has already accepted
	// an order with the same client order id.
	ErrDuplicateOrder = errors.New("duplicate client order id")
	// ErrOrderNotFound is returned by LookupOrder for unknown client order ids.
	ErrOrderNotFound = errors.New("order not found")
)

// Ticker is a market snapshot for one symbol.
type Ticker struct {
	Symbol  string          `json:"symbol"`
	Last    decimal.Decimal `json:"last"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	High24h decimal.Decimal `json:"high_24h"`
	Low24h  decimal.Decimal `json:"low_24h"`
	Volume  decimal.Decimal `json:"volume"`
}

// OrderRequest is a market order for a base-currency amount.
type OrderRequest struct {
	Symbol        string
	Side          models.Action
	Amount        decimal.Decimal
	ClientOrderID string
}

// Fill is the confirmed execution of an order. Fee is in quote currency.
// Amount is the base quantity that moved in or out of the account: for a
// buy whose commission was charged in base it is net of that commission.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// AssetBalance is the exchange-reported balance of one asset.
type AssetBalance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// MarketDataClient provides ticker snapshots.
type MarketDataClient interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// Gateway places orders. Errors carry apperr.KindExchangeTransient or
// apperr.KindExchangeFatal.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)
}

// OrderLookup finds an order by its client order id.
type OrderLookup interface {
	LookupOrder(ctx context.Context, symbol, clientOrderID string) (*Fill, error)
}

// BalanceSource reports account balances.
type BalanceSource interface {
	GetBalances(ctx context.Context) (map[string]AssetBalance, error)
}

// SplitSymbol splits a pair such as "BTC/USDT" into base and quote currencies.
func SplitSymbol(symbol string) (base, quote string, err error) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(symbol, sep); len(parts) == 2 {
			base, quote = strings.ToUpper(strings.TrimSpace(parts[0])), strings.ToUpper(strings.TrimSpace(parts[1]))
			if base != "" && quote != "" && base != quote {
				return base, quote, nil
			}
		}
	}
	return "", "", apperr.Newf(apperr.KindValidation, "symbol %q must look like BASE/QUOTE", symbol)
}

// wireSymbol converts "BTC/USDT" to the exchange form "BTCUSDT".
func wireSymbol(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

func transient(message string, cause error) error {
	return apperr.Wrap(apperr.KindExchangeTransient, message, cause)
}

func fatal(message string, cause error) error {
	return apperr.Wrap(apperr.KindExchangeFatal, message, cause)
}
