package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus tracks what is known about a submitted order.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentFilled     IntentStatus = "filled"
	IntentFailed     IntentStatus = "failed"
	IntentUnresolved IntentStatus = "unresolved"
)

// OrderIntent journals a decided order under its idempotency key before it
// reaches the exchange, so an order with no confirmed outcome can be
// reconciled after a restart.
type OrderIntent struct {
	ClientOrderID string          `gorm:"primaryKey" json:"client_order_id"`
	TraderID      string          `gorm:"index;not null" json:"trader_id"`
	Symbol        string          `gorm:"not null" json:"symbol"`
	Side          Action          `gorm:"not null" json:"side"`
	Amount        decimal.Decimal `gorm:"type:text" json:"amount"`
	Reason        string          `json:"reason"`
	Status        IntentStatus    `gorm:"index;not null" json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
