package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a strategy decision or an executed order side.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionWait Action = "wait"
)

// Trade is an immutable record of one executed order.
type Trade struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	TraderID       string          `gorm:"index;not null" json:"trader_id"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `gorm:"not null" json:"symbol"`
	Action         Action          `gorm:"not null" json:"action"`
	Reason         string          `json:"reason"`
	Price          decimal.Decimal `gorm:"type:text" json:"price"`
	Amount         decimal.Decimal `gorm:"type:text" json:"amount"`
	Cost           decimal.Decimal `gorm:"type:text" json:"cost"`
	FeeAmount      decimal.Decimal `gorm:"type:text" json:"fee_amount"`
	AverageCost    decimal.Decimal `gorm:"type:text" json:"average_cost"`
	RealizedPnl    decimal.Decimal `gorm:"type:text" json:"realized_pnl"`
	PositionBefore decimal.Decimal `gorm:"type:text" json:"position_before"`
	PositionAfter  decimal.Decimal `gorm:"type:text" json:"position_after"`
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `gorm:"uniqueIndex" json:"client_order_id"`
	IsSimulation   bool            `json:"is_simulation"`
	Timestamp      time.Time       `gorm:"index" json:"timestamp"`
}
