package strategy

import (
	"github.com/shopspring/decimal"

	"spot-grid-trader-go/internal/models"
)

// Decision reasons reported by the grid.
const (
	ReasonGridBuy          = "grid_buy"
	ReasonGridSell         = "grid_sell"
	ReasonInsideGrid       = "inside_grid"
	ReasonInsufficientSell = "insufficient_position"
	ReasonOutOfRange       = "out_of_range"
	ReasonMaxPosition      = "max_position"
)

var hundred = decimal.NewFromInt(100)

func init() {
	Register(models.StrategyGrid, func(cfg models.TraderConfig) (Strategy, error) {
		return &Grid{}, nil
	})
}

// Grid buys a fixed amount when the price falls grid_gap_pct below the
// reference price and sells it when the price rises grid_gap_pct above.
// The caller re-centers the reference on every executed trade.
type Grid struct{}

func (g *Grid) Name() string {
	return models.StrategyGrid
}

// Decide evaluates the buy threshold before the sell threshold. Sells are
// all-or-nothing: with less than the order amount held the grid waits.
func (g *Grid) Decide(in Input) Decision {
	cfg := in.Config
	if cfg.GridMin != nil && in.Price.LessThan(decimal.NewFromFloat(*cfg.GridMin)) {
		return Wait(ReasonOutOfRange)
	}
	if cfg.GridMax != nil && in.Price.GreaterThan(decimal.NewFromFloat(*cfg.GridMax)) {
		return Wait(ReasonOutOfRange)
	}

	amount := decimal.NewFromFloat(cfg.Amount)
	gap := decimal.NewFromFloat(cfg.GridGapPct).Div(hundred)
	buyAt := in.ReferencePrice.Mul(decimal.NewFromInt(1).Sub(gap))
	sellAt := in.ReferencePrice.Mul(decimal.NewFromInt(1).Add(gap))

	switch {
	case in.Price.LessThanOrEqual(buyAt):
		if cfg.MaxPosition != nil && in.Position.Add(amount).GreaterThan(decimal.NewFromFloat(*cfg.MaxPosition)) {
			return Wait(ReasonMaxPosition)
		}
		return Decision{Action: models.ActionBuy, Amount: amount, Reason: ReasonGridBuy}
	case in.Price.GreaterThanOrEqual(sellAt) && in.Position.GreaterThanOrEqual(amount):
		return Decision{Action: models.ActionSell, Amount: amount, Reason: ReasonGridSell}
	case in.Price.GreaterThanOrEqual(sellAt):
		return Wait(ReasonInsufficientSell)
	default:
		return Wait(ReasonInsideGrid)
	}
}
