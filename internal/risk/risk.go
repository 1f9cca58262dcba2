// Package risk evaluates stop-loss and take-profit limits against a
// trader's PnL snapshot.
package risk

import (
	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/ledger"
	"spot-grid-trader-go/internal/models"
)

// Trigger names the limit that fired.
type Trigger string

const (
	TriggerStopLoss   Trigger = "stop_loss"
	TriggerTakeProfit Trigger = "take_profit"
)

// Override is a forced liquidation of the whole position.
type Override struct {
	Trigger Trigger
	Amount  decimal.Decimal
	PnlPct  decimal.Decimal
}

// Check returns an Override when pnl_pct has crossed a configured limit,
// or nil. Nothing fires on an empty position or before any cost basis
// exists. Stop-loss is evaluated before take-profit.
func Check(cfg models.TraderConfig, snap ledger.Snapshot) *Override {
	if cfg.StopLossPct == nil && cfg.TakeProfitPct == nil {
		return nil
	}
	if !snap.Position.IsPositive() || !snap.TotalCost.IsPositive() {
		return nil
	}

	if cfg.StopLossPct != nil && snap.PnlPct.LessThanOrEqual(decimal.NewFromFloat(*cfg.StopLossPct)) {
		return &Override{Trigger: TriggerStopLoss, Amount: snap.Position, PnlPct: snap.PnlPct}
	}
	if cfg.TakeProfitPct != nil && snap.PnlPct.GreaterThanOrEqual(decimal.NewFromFloat(*cfg.TakeProfitPct)) {
		return &Override{Trigger: TriggerTakeProfit, Amount: snap.Position, PnlPct: snap.PnlPct}
	}
	return nil
}
