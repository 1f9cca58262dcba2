package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperGateway simulates market order execution at the current ticker price.
// Orders are deduplicated by client order id, so a retried submission returns
// the original fill.
type PaperGateway struct {
	mu      sync.Mutex
	market  MarketDataClient
	feeRate decimal.Decimal
	fills   map[string]*Fill
	seq     int64
	logger  *zap.Logger
	now     func() time.Time
}

var (
	_ Gateway     = (*PaperGateway)(nil)
	_ OrderLookup = (*PaperGateway)(nil)
)

// NewPaperGateway creates a paper gateway priced by market.
func NewPaperGateway(market MarketDataClient, feeRate float64, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperGateway{
		market:  market,
		feeRate: decimal.NewFromFloat(feeRate),
		fills:   make(map[string]*Fill),
		logger:  logger.Named("paper"),
		now:     time.Now,
	}
}

// SubmitOrder fills the order in full at the last price.
func (g *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if !req.Amount.IsPositive() {
		return nil, fatal(fmt.Sprintf("invalid amount %s", req.Amount), nil)
	}
	if _, _, err := SplitSymbol(req.Symbol); err != nil {
		return nil, fatal("invalid symbol", err)
	}
	if f, ok := g.lookup(req.ClientOrderID); ok {
		return f, nil
	}

	t, err := g.market.GetTicker(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.fills[req.ClientOrderID]; ok {
		return cloneFill(f), nil
	}
	g.seq++
	f := &Fill{
		OrderID:       "paper-" + strconv.FormatInt(g.seq, 10),
		ClientOrderID: req.ClientOrderID,
		Price:         t.Last,
		Amount:        req.Amount,
		Fee:           t.Last.Mul(req.Amount).Mul(g.feeRate),
		Timestamp:     g.now().UTC(),
	}
	g.fills[req.ClientOrderID] = f
	g.logger.Info("Paper order filled",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("price", f.Price.String()),
		zap.String("amount", f.Amount.String()),
		zap.String("client_order_id", req.ClientOrderID))
	return cloneFill(f), nil
}

// LookupOrder returns a previously filled paper order.
func (g *PaperGateway) LookupOrder(_ context.Context, _ string, clientOrderID string) (*Fill, error) {
	if f, ok := g.lookup(clientOrderID); ok {
		return f, nil
	}
	return nil, fatal(clientOrderID, ErrOrderNotFound)
}

func (g *PaperGateway) lookup(clientOrderID string) (*Fill, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.fills[clientOrderID]
	if !ok {
		return nil, false
	}
	return cloneFill(f), true
}

func cloneFill(f *Fill) *Fill {
	c := *f
	return &c
}
