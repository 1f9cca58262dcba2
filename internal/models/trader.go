package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TraderStatus is the lifecycle state of a trader.
type TraderStatus string

const (
	StatusStopped TraderStatus = "stopped"
	StatusRunning TraderStatus = "running"
	// StatusPaused is reserved for manual pause and is scheduled like StatusStopped.
	StatusPaused TraderStatus = "paused"
)

// StrategyGrid is the only strategy kind shipped today.
const StrategyGrid = "grid"

// TraderConfig holds the per-trader strategy parameters.
type TraderConfig struct {
	Amount               float64  `json:"amount" validate:"gt=0"`
	GridGapPct           float64  `json:"grid_gap_pct" validate:"gt=0,lt=100"`
	CheckIntervalSeconds int      `json:"check_interval_seconds" validate:"gt=0"`
	StopLossPct          *float64 `json:"stop_loss_pct,omitempty" validate:"omitempty,lt=0"`
	TakeProfitPct        *float64 `json:"take_profit_pct,omitempty" validate:"omitempty,gt=0"`
	GridMin              *float64 `json:"grid_min,omitempty" validate:"omitempty,gt=0"`
	GridMax              *float64 `json:"grid_max,omitempty" validate:"omitempty,gt=0"`
	MaxPosition          *float64 `json:"max_position,omitempty" validate:"omitempty,gt=0"`
}

// CheckInterval returns the tick interval as a duration.
func (c TraderConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RuntimeSnapshot is the persisted part of a trader's runtime state,
// written after every executed trade and on lifecycle transitions.
type RuntimeSnapshot struct {
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	LastPrice      decimal.NullDecimal `json:"last_price"`
	LastAction     Action              `json:"last_action,omitempty"`
	TradeCount     int                 `json:"trade_count"`
	TriggerReason  string              `json:"trigger_reason,omitempty"`
}

// Trader is the persisted identity, configuration and runtime snapshot of a trader.
type Trader struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Name      string          `gorm:"not null" json:"name"`
	Strategy  string          `gorm:"not null" json:"strategy"`
	Symbol    string          `gorm:"not null" json:"symbol"`
	Status    TraderStatus    `gorm:"index;not null" json:"status"`
	Config    TraderConfig    `gorm:"serializer:json;type:text" json:"config"`
	Runtime   RuntimeSnapshot `gorm:"serializer:json;type:text" json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
