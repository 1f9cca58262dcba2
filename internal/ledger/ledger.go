// Package ledger tracks one trader's position, weighted-average cost and
// realized PnL. A Ledger is not safe for concurrent use; the owning trader
// serializes access.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Ledger is the accounting state of one trader.
type Ledger struct {
	quantity    decimal.Decimal
	averageCost decimal.NullDecimal
	realizedPnl decimal.Decimal
	totalCost   decimal.Decimal
	feesPaid    decimal.Decimal
}

// Snapshot is the PnL view of a ledger at one price.
type Snapshot struct {
	Price         decimal.Decimal     `json:"price"`
	Position      decimal.Decimal     `json:"position"`
	AverageCost   decimal.NullDecimal `json:"average_cost"`
	RealizedPnl   decimal.Decimal     `json:"realized_pnl"`
	UnrealizedPnl decimal.Decimal     `json:"unrealized_pnl"`
	TotalPnl      decimal.Decimal     `json:"total_pnl"`
	PnlPct        decimal.Decimal     `json:"pnl_pct"`
	TotalCost     decimal.Decimal     `json:"total_cost"`
	CurrentValue  decimal.Decimal     `json:"current_value"`
	FeesPaid      decimal.Decimal     `json:"fees_paid"`
}

// Position returns the held base-currency quantity.
func (l *Ledger) Position() decimal.Decimal {
	return l.quantity
}

// AverageCost returns the weighted-average entry price; it is undefined
// while the position is empty.
func (l *Ledger) AverageCost() decimal.NullDecimal {
	return l.averageCost
}

// RealizedPnl returns the accumulated realized PnL.
func (l *Ledger) RealizedPnl() decimal.Decimal {
	return l.realizedPnl
}

// ApplyBuy records a buy of amount at price. Buy fees are tracked in
// FeesPaid and do not enter the average cost or realized PnL.
func (l *Ledger) ApplyBuy(price, amount, fee decimal.Decimal) error {
	if !amount.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("invalid buy: price %s amount %s", price, amount)
	}
	newQty := l.quantity.Add(amount)
	held := decimal.Zero
	if l.averageCost.Valid {
		held = l.quantity.Mul(l.averageCost.Decimal)
	}
	l.averageCost = decimal.NewNullDecimal(held.Add(amount.Mul(price)).Div(newQty))
	l.quantity = newQty
	l.totalCost = l.totalCost.Add(amount.Mul(price))
	l.feesPaid = l.feesPaid.Add(fee)
	return nil
}

// ApplySell records a sell of amount at price and returns the realized PnL
// of this sell, (price - averageCost) * amount - fee.
func (l *Ledger) ApplySell(price, amount, fee decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid sell: price %s amount %s", price, amount)
	}
	if amount.GreaterThan(l.quantity) {
		return decimal.Zero, fmt.Errorf("sell of %s exceeds position %s", amount, l.quantity)
	}
	cost := decimal.Zero
	if l.averageCost.Valid {
		cost = l.averageCost.Decimal
	}
	realized := price.Sub(cost).Mul(amount).Sub(fee)
	l.realizedPnl = l.realizedPnl.Add(realized)
	l.feesPaid = l.feesPaid.Add(fee)
	l.quantity = l.quantity.Sub(amount)
	if l.quantity.IsZero() {
		l.averageCost = decimal.NullDecimal{}
	}
	return realized, nil
}

// Snapshot computes PnL at price. Nothing is cached.
func (l *Ledger) Snapshot(price decimal.Decimal) Snapshot {
	s := Snapshot{
		Price:         price,
		Position:      l.quantity,
		AverageCost:   l.averageCost,
		RealizedPnl:   l.realizedPnl,
		UnrealizedPnl: decimal.Zero,
		TotalCost:     l.totalCost,
		CurrentValue:  price.Mul(l.quantity),
		FeesPaid:      l.feesPaid,
		PnlPct:        decimal.Zero,
	}
	if l.averageCost.Valid && l.quantity.IsPositive() {
		s.UnrealizedPnl = price.Sub(l.averageCost.Decimal).Mul(l.quantity)
	}
	s.TotalPnl = s.RealizedPnl.Add(s.UnrealizedPnl)
	if l.totalCost.IsPositive() {
		s.PnlPct = s.TotalPnl.Div(l.totalCost).Mul(hundred)
	}
	return s
}

// Replay rebuilds a ledger from trades in execution order.
func Replay(trades []models.Trade) (*Ledger, error) {
	l := &Ledger{}
	for _, t := range trades {
		var err error
		switch t.Action {
		case models.ActionBuy:
			err = l.ApplyBuy(t.Price, t.Amount, t.FeeAmount)
		case models.ActionSell:
			_, err = l.ApplySell(t.Price, t.Amount, t.FeeAmount)
		default:
			err = fmt.Errorf("unknown action %q", t.Action)
		}
		if err != nil {
			return nil, fmt.Errorf("replay trade %s: %w", t.ID, err)
		}
	}
	return l, nil
}
