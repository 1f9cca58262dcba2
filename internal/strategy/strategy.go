package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/models"
)

// Input is everything a strategy may look at when deciding.
type Input struct {
	ReferencePrice decimal.Decimal
	Price          decimal.Decimal
	Position       decimal.Decimal
	Config         models.TraderConfig
}

// Decision is the outcome of one evaluation. Amount is zero for wait.
type Decision struct {
	Action models.Action
	Amount decimal.Decimal
	Reason string
}

// Wait returns a wait decision with the given reason.
func Wait(reason string) Decision {
	return Decision{Action: models.ActionWait, Amount: decimal.Zero, Reason: reason}
}

// Strategy defines the interface for a trading strategy.
// Implementations must be pure: the same Input always yields the same Decision.
type Strategy interface {
	// Name returns the unique kind of the strategy.
	Name() string

	// Decide evaluates one tick.
	Decide(in Input) Decision
}

// Factory builds a strategy for a trader configuration.
type Factory func(cfg models.TraderConfig) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a strategy kind available to New. It panics on duplicates.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("strategy: duplicate registration of " + kind)
	}
	registry[kind] = f
}

// New builds the strategy registered under kind.
func New(kind string, cfg models.TraderConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}
	return f(cfg)
}

// Kinds lists the registered strategy kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
