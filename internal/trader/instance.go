package trader

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/ledger"
	"spot-grid-trader-go/internal/models"
	"spot-grid-trader-go/internal/strategy"
)

// RuntimeView is the runtime status of a trader as seen by callers.
type RuntimeView struct {
	ReferencePrice     decimal.NullDecimal `json:"reference_price"`
	LastPrice          decimal.NullDecimal `json:"last_price"`
	LastAction         models.Action       `json:"last_action,omitempty"`
	TradeCount         int                 `json:"trade_count"`
	TriggerReason      string              `json:"trigger_reason,omitempty"`
	Position           decimal.Decimal     `json:"position_quantity"`
	AverageCost        decimal.NullDecimal `json:"average_cost"`
	LastDecisionReason string              `json:"last_decision_reason,omitempty"`
	LastTickAt         *time.Time          `json:"last_tick_at,omitempty"`
	LastError          string              `json:"last_error,omitempty"`
	LastErrorKind      string              `json:"last_error_kind,omitempty"`
	LastErrorAt        *time.Time          `json:"last_error_at,omitempty"`
	ErrorCount         int                 `json:"error_count"`
}

// TraderView is a trader with its current runtime status.
type TraderView struct {
	models.Trader
	Runtime RuntimeView `json:"runtime"`
}

// instance is the in-memory state of one trader.
//
// tickMu serializes ticks and guards book. mu guards everything else and is
// never held across I/O, so status reads do not wait for a slow tick.
// persistMu orders state writes so the last write carries the latest state.
type instance struct {
	strategy    strategy.Strategy
	base, quote string

	tickMu sync.Mutex
	book   *ledger.Ledger

	persistMu sync.Mutex

	mu         sync.RWMutex
	record     models.Trader
	view       ledger.Ledger
	status     runStatus
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	deleted    bool
}

type runStatus struct {
	lastDecisionReason string
	lastTickAt         time.Time
	lastError          string
	lastErrorKind      string
	lastErrorAt        time.Time
	errorCount         int
}

func newInstance(rec models.Trader, strat strategy.Strategy, base, quote string, book *ledger.Ledger) *instance {
	if book == nil {
		book = &ledger.Ledger{}
	}
	return &instance{
		strategy: strat,
		base:     base,
		quote:    quote,
		book:     book,
		record:   rec,
		view:     *book,
	}
}

func (in *instance) snapshot() TraderView {
	in.mu.RLock()
	defer in.mu.RUnlock()
	rt := in.record.Runtime
	v := TraderView{
		Trader: in.record,
		Runtime: RuntimeView{
			ReferencePrice:     rt.ReferencePrice,
			LastPrice:          rt.LastPrice,
			LastAction:         rt.LastAction,
			TradeCount:         rt.TradeCount,
			TriggerReason:      rt.TriggerReason,
			Position:           in.view.Position(),
			AverageCost:        in.view.AverageCost(),
			LastDecisionReason: in.status.lastDecisionReason,
			LastError:          in.status.lastError,
			LastErrorKind:      in.status.lastErrorKind,
			ErrorCount:         in.status.errorCount,
		},
	}
	if !in.status.lastTickAt.IsZero() {
		t := in.status.lastTickAt
		v.Runtime.LastTickAt = &t
	}
	if !in.status.lastErrorAt.IsZero() {
		t := in.status.lastErrorAt
		v.Runtime.LastErrorAt = &t
	}
	return v
}

func (in *instance) id() string {
	return in.record.ID
}

func (in *instance) config() models.TraderConfig {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.record.Config
}

func (in *instance) runtime() models.RuntimeSnapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.record.Runtime
}

// state returns what must be persisted after a change.
func (in *instance) state() (models.TraderStatus, models.RuntimeSnapshot) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.record.Status, in.record.Runtime
}

// publish copies the ledger into the read view. The caller holds tickMu.
func (in *instance) publish(update func(rt *models.RuntimeSnapshot)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.view = *in.book
	if update != nil {
		update(&in.record.Runtime)
	}
}

func (in *instance) ledgerView() ledger.Ledger {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.view
}
