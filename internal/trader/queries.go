package trader

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/ledger"
	"spot-grid-trader-go/internal/models"
)

const maxTradeLimit = 500

// PnL is the PnL snapshot of one trader.
type PnL struct {
	TraderID string `json:"trader_id"`
	Symbol   string `json:"symbol"`
	ledger.Snapshot
	// Stale is set when the price could not be refreshed and the last
	// observed price was used instead.
	Stale bool `json:"stale,omitempty"`
}

// StatsDetail summarizes realized sells over one period.
type StatsDetail struct {
	TotalSells      int             `json:"total_sells"`
	ProfitableSells int             `json:"profitable_sells"`
	WinRate         decimal.Decimal `json:"win_rate"`
	TotalRealized   decimal.Decimal `json:"total_realized_pnl"`
}

// Statistics is the realized-trade summary for the last 24h and all time.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// Balance is the shared account state plus every asset balance.
type Balance struct {
	Assets map[string]account.Balance `json:"assets"`
	Pairs  []account.View             `json:"pairs"`
}

// ListTrades returns the most recent trades, optionally for one trader.
func (e *Engine) ListTrades(ctx context.Context, traderID string, limit int) ([]models.Trade, error) {
	if limit < 0 {
		return nil, apperr.New(apperr.KindValidation, "limit must not be negative")
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	trades, err := e.store.ListTrades(ctx, traderID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list trades", err)
	}
	return trades, nil
}

// GetPnL computes a trader's PnL at the current market price. If the price
// cannot be fetched the last observed price is used.
func (e *Engine) GetPnL(ctx context.Context, id string) (*PnL, error) {
	in, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	view := in.snapshot()
	book := in.ledgerView()

	stale := false
	var price decimal.Decimal
	ticker, err := e.market.GetTicker(ctx, view.Symbol)
	switch {
	case err == nil && ticker.Last.IsPositive():
		price = ticker.Last
	case view.Runtime.LastPrice.Valid:
		e.logger.Debug("Using last observed price for PnL", zap.String("trader_id", id), zap.Error(err))
		price, stale = view.Runtime.LastPrice.Decimal, true
	case err != nil:
		return nil, err
	default:
		return nil, apperr.Newf(apperr.KindExchangeTransient, "no price available for %s", view.Symbol)
	}

	return &PnL{
		TraderID: id,
		Symbol:   view.Symbol,
		Snapshot: book.Snapshot(price),
		Stale:    stale,
	}, nil
}

// Balance returns the shared account balances, with a view per traded pair.
func (e *Engine) Balance() Balance {
	b := Balance{Assets: e.account.Snapshot()}
	seen := map[string]bool{}
	for _, t := range e.List() {
		if seen[t.Symbol] {
			continue
		}
		seen[t.Symbol] = true
		base, quote, err := exchange.SplitSymbol(t.Symbol)
		if err != nil {
			continue
		}
		b.Pairs = append(b.Pairs, e.account.View(base, quote))
	}
	return b
}

// Ticker passes a market snapshot through.
func (e *Engine) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if _, _, err := exchange.SplitSymbol(symbol); err != nil {
		return nil, err
	}
	return e.market.GetTicker(ctx, symbol)
}

// Statistics summarizes realized sells, optionally for one trader.
func (e *Engine) Statistics(ctx context.Context, traderID string) (*Statistics, error) {
	sells, err := e.store.SellTrades(ctx, traderID, time.Time{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load trades for statistics", err)
	}

	since := e.now().Add(-24 * time.Hour)
	var recent []models.Trade
	for _, t := range sells {
		if t.Timestamp.After(since) {
			recent = append(recent, t)
		}
	}
	return &Statistics{
		Since24h: summarize(recent),
		AllTime:  summarize(sells),
	}, nil
}

func summarize(sells []models.Trade) StatsDetail {
	s := StatsDetail{WinRate: decimal.Zero, TotalRealized: decimal.Zero}
	for _, t := range sells {
		s.TotalSells++
		if t.RealizedPnl.IsPositive() {
			s.ProfitableSells++
		}
		s.TotalRealized = s.TotalRealized.Add(t.RealizedPnl)
	}
	if s.TotalSells > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.ProfitableSells)).Div(decimal.NewFromInt(int64(s.TotalSells)))
	}
	return s
}
