package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/database"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/executor"
	"spot-grid-trader-go/internal/models"
)

// priceFeed is a scripted market. While gate is set every call blocks
// until it is closed.
type priceFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	gate   chan struct{}
	calls  int
}

func newPriceFeed() *priceFeed {
	return &priceFeed{prices: map[string]decimal.Decimal{}}
}

func (f *priceFeed) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
}

func (f *priceFeed) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *priceFeed) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return nil, apperr.Newf(apperr.KindExchangeFatal, "unknown symbol %s", symbol)
	}
	return &exchange.Ticker{Symbol: symbol, Last: p, Bid: p, Ask: p}, nil
}

type harness struct {
	engine  *Engine
	store   *database.Store
	feed    *priceFeed
	gateway *exchange.PaperGateway
	account *account.State
}

func newHarness(t *testing.T, balances map[string]string, opts Options) *harness {
	t.Helper()
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	return newHarnessWith(t, database.NewStore(db), newPriceFeed(), nil, balances, opts)
}

func newHarnessWith(t *testing.T, store *database.Store, feed *priceFeed, gw *exchange.PaperGateway, balances map[string]string, opts Options) *harness {
	t.Helper()
	if gw == nil {
		gw = exchange.NewPaperGateway(feed, 0, zap.NewNop())
	}
	initial := map[string]decimal.Decimal{}
	for asset, amount := range balances {
		initial[asset] = decimal.RequireFromString(amount)
	}
	acct := account.New(initial, zap.NewNop())
	exec := executor.New(gw, acct, store, executor.Config{
		Retry: executor.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
		ReserveBuffer: decimal.RequireFromString("0.005"),
	}, zap.NewNop())
	if opts.MinCheckInterval == 0 {
		opts.MinCheckInterval = 5 * time.Second
	}
	e := NewEngine(store, feed, exec, acct, opts, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, store: store, feed: feed, gateway: gw, account: acct}
}

func gridRequest(name string) CreateRequest {
	return CreateRequest{
		Name:   name,
		Symbol: "BTC/USDT",
		Config: models.TraderConfig{Amount: 0.0005, GridGapPct: 2, CheckIntervalSeconds: 60},
	}
}

func ptr(f float64) *float64 { return &f }

func TestEngine_CreateValidation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"zero amount", func(r *CreateRequest) { r.Config.Amount = 0 }},
		{"negative gap", func(r *CreateRequest) { r.Config.GridGapPct = -1 }},
		{"interval below minimum", func(r *CreateRequest) { r.Config.CheckIntervalSeconds = 1 }},
		{"positive stop loss", func(r *CreateRequest) { r.Config.StopLossPct = ptr(5) }},
		{"negative take profit", func(r *CreateRequest) { r.Config.TakeProfitPct = ptr(-5) }},
		{"inverted range", func(r *CreateRequest) { r.Config.GridMin, r.Config.GridMax = ptr(200), ptr(100) }},
		{"missing name", func(r *CreateRequest) { r.Name = "" }},
		{"bad symbol", func(r *CreateRequest) { r.Symbol = "BTCUSDT" }},
		{"unknown strategy", func(r *CreateRequest) { r.Strategy = "dca" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := gridRequest("bad")
			tt.mutate(&req)
			_, err := h.engine.Create(ctx, req)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "got %v", err)
		})
	}
	assert.Empty(t, h.engine.List())
}

func TestEngine_Lifecycle(t *testing.T) {
	// Arrange
	h := newHarness(t, map[string]string{"USDT": "1000"}, Options{})
	h.feed.set("BTC/USDT", "100")
	ctx := context.Background()

	created, err := h.engine.Create(ctx, CreateRequest{
		Name:   "grid one",
		Symbol: "btc-usdt",
		Config: models.TraderConfig{Amount: 0.0005, GridGapPct: 2, CheckIntervalSeconds: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, created.Status)
	assert.Equal(t, models.StrategyGrid, created.Strategy)
	assert.Equal(t, "BTC/USDT", created.Symbol)
	id := created.ID

	// Act + Assert: start, double start
	started, err := h.engine.Start(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)

	_, err = h.engine.Start(ctx, id)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	// delete while running mutates nothing
	err = h.engine.Delete(ctx, id)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	still, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, still.Status)

	// stop is idempotent
	stopped, err := h.engine.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, stopped.Status)

	again, err := h.engine.Stop(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, again.Status)
	assert.Equal(t, stopped.Runtime.TradeCount, again.Runtime.TradeCount)

	persisted, err := h.store.LoadTraders(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.StatusStopped, persisted[0].Status)

	require.NoError(t, h.engine.Delete(ctx, id))
	_, err = h.engine.Get(id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = h.engine.Stop(ctx, id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(h.engine.Delete(ctx, id)))
}

func TestEngine_StartTicksImmediately(t *testing.T) {
	h := newHarness(t, map[string]string{"USDT": "1000"}, Options{})
	h.feed.set("BTC/USDT", "100")
	ctx := context.Background()

	created, err := h.engine.Create(ctx, gridRequest("eager"))
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, created.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := h.engine.Get(created.ID)
		return err == nil && v.Runtime.ReferencePrice.Valid
	}, time.Second, 5*time.Millisecond)

	v, err := h.engine.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", v.Runtime.ReferencePrice.Decimal.String())
	assert.Equal(t, "reference_initialized", v.Runtime.LastDecisionReason)
}

func TestEngine_ListOrdersByCreation(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	h.engine.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, name := range []string{"first", "second", "third"} {
		_, err := h.engine.Create(ctx, gridRequest(name))
		require.NoError(t, err)
	}

	list := h.engine.List()
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "third", list[2].Name)
}

func TestEngine_DeleteWaitsForLastTick(t *testing.T) {
	// Arrange: the first tick of a run is stuck in the price fetch
	h := newHarness(t, map[string]string{"USDT": "1000"}, Options{})
	h.feed.set("BTC/USDT", "100")
	ctx := context.Background()
	created, err := h.engine.Create(ctx, gridRequest("slow"))
	require.NoError(t, err)

	gate := h.feed.hold()
	_, err = h.engine.Start(ctx, created.ID)
	require.NoError(t, err)
	_, err = h.engine.Stop(ctx, created.ID)
	require.NoError(t, err)

	// Act
	deleted := make(chan error, 1)
	go func() { deleted <- h.engine.Delete(ctx, created.ID) }()

	// Assert: not removed while the tick is in flight
	select {
	case err := <-deleted:
		t.Fatalf("delete returned before the tick finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	_, err = h.engine.Get(created.ID)
	require.NoError(t, err)

	close(gate)
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not return after the tick finished")
	}
	_, err = h.engine.Get(created.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	persisted, err := h.store.LoadTraders(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
