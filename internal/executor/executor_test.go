package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/models"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	args := m.Called(ctx, req)
	if f, ok := args.Get(0).(*exchange.Fill); ok {
		return f, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) LookupOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.Fill, error) {
	args := m.Called(ctx, symbol, clientOrderID)
	if f, ok := args.Get(0).(*exchange.Fill); ok {
		return f, args.Error(1)
	}
	return nil, args.Error(1)
}

// submitOnly hides LookupOrder from the executor.
type submitOnly struct {
	gw *mockGateway
}

func (s submitOnly) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	return s.gw.SubmitOrder(ctx, req)
}

type memJournal struct {
	mu      sync.Mutex
	intents map[string]*models.OrderIntent
}

func newMemJournal() *memJournal {
	return &memJournal{intents: map[string]*models.OrderIntent{}}
}

func (j *memJournal) SaveIntent(_ context.Context, in *models.OrderIntent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	c := *in
	j.intents[in.ClientOrderID] = &c
	return nil
}

func (j *memJournal) UpdateIntentStatus(_ context.Context, id string, status models.IntentStatus, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	in, ok := j.intents[id]
	if !ok {
		return errors.New("not found")
	}
	in.Status = status
	in.Error = reason
	return nil
}

func (j *memJournal) OpenIntents(_ context.Context) ([]models.OrderIntent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.OrderIntent
	for _, in := range j.intents {
		if in.Status == models.IntentPending || in.Status == models.IntentUnresolved {
			out = append(out, *in)
		}
	}
	return out, nil
}

func (j *memJournal) status(id string) models.IntentStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.intents[id].Status
}

func (j *memJournal) only(t *testing.T) *models.OrderIntent {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.intents, 1)
	for _, in := range j.intents {
		c := *in
		return &c
	}
	return nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fastRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	AttemptTimeout: time.Second,
}

func newTestExecutor(gw exchange.Gateway, usdt, btc string) (*Executor, *account.State, *memJournal) {
	acct := account.New(map[string]decimal.Decimal{"USDT": d(usdt), "BTC": d(btc)}, zap.NewNop())
	j := newMemJournal()
	e := New(gw, acct, j, Config{Retry: fastRetry, ReserveBuffer: d("0.005")}, zap.NewNop())
	return e, acct, j
}

func buyOrder(amount string) Order {
	return Order{TraderID: "t1", Symbol: "BTC/USDT", Side: models.ActionBuy, Amount: d(amount), Price: d("100"), Reason: "grid_buy"}
}

func TestExecute_BuySettlesAccount(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.Side == models.ActionBuy && r.Amount.Equal(d("0.5")) && r.ClientOrderID != ""
	})).Return(&exchange.Fill{OrderID: "1", Price: d("100"), Amount: d("0.5"), Fee: d("0.075")}, nil).Once()

	e, acct, j := newTestExecutor(gw, "100", "0")
	res, err := e.Execute(context.Background(), buyOrder("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "1", res.Fill.OrderID)

	v := acct.View("BTC", "USDT")
	assert.True(t, d("49.925").Equal(v.QuoteFree), "got %s", v.QuoteFree)
	assert.True(t, v.QuoteUsed.IsZero())
	assert.True(t, d("0.5").Equal(v.BaseFree))

	in := j.only(t)
	assert.Equal(t, res.ClientOrderID, in.ClientOrderID)
	assert.Equal(t, models.IntentPending, in.Status, "stays open until the trade is recorded")

	e.Confirm(context.Background(), res.ClientOrderID)
	assert.Equal(t, models.IntentFilled, j.status(res.ClientOrderID))
	gw.AssertExpectations(t)
}

func TestExecute_SellCreditsQuote(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(&exchange.Fill{OrderID: "2", Price: d("110"), Amount: d("1"), Fee: d("0.165")}, nil).Once()

	e, acct, _ := newTestExecutor(gw, "0", "1")
	_, err := e.Execute(context.Background(), Order{TraderID: "t1", Symbol: "BTC/USDT", Side: models.ActionSell, Amount: d("1"), Price: d("110")})
	require.NoError(t, err)

	v := acct.View("BTC", "USDT")
	assert.True(t, v.BaseFree.IsZero())
	assert.True(t, v.BaseUsed.IsZero())
	assert.True(t, d("109.835").Equal(v.QuoteFree))
}

func TestExecute_InsufficientFundsSkipsExchange(t *testing.T) {
	gw := new(mockGateway)
	e, acct, j := newTestExecutor(gw, "10", "0.1")

	_, err := e.Execute(context.Background(), buyOrder("0.5"))
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))

	_, err = e.Execute(context.Background(), Order{TraderID: "t1", Symbol: "BTC/USDT", Side: models.ActionSell, Amount: d("0.5")})
	assert.Equal(t, apperr.KindInsufficientPosition, apperr.KindOf(err))

	v := acct.View("BTC", "USDT")
	assert.True(t, d("10").Equal(v.QuoteFree))
	assert.True(t, d("0.1").Equal(v.BaseFree))
	assert.Empty(t, j.intents)
	gw.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestExecute_RetriesWithSameIdempotencyKey(t *testing.T) {
	gw := new(mockGateway)
	var keys []string
	record := func(args mock.Arguments) {
		keys = append(keys, args.Get(1).(exchange.OrderRequest).ClientOrderID)
	}
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.New(apperr.KindExchangeTransient, "timeout")).Run(record).Twice()
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(&exchange.Fill{OrderID: "3", Price: d("100"), Amount: d("0.5"), Fee: decimal.Zero}, nil).Run(record).Once()

	e, acct, _ := newTestExecutor(gw, "100", "0")
	_, err := e.Execute(context.Background(), buyOrder("0.5"))
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2])
	assert.True(t, d("0.5").Equal(acct.View("BTC", "USDT").BaseFree), "settled once")
}

func TestExecute_FatalReleasesReservation(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.New(apperr.KindExchangeFatal, "invalid symbol")).Once()

	e, acct, j := newTestExecutor(gw, "100", "0")
	_, err := e.Execute(context.Background(), buyOrder("0.5"))
	assert.Equal(t, apperr.KindExchangeFatal, apperr.KindOf(err))

	v := acct.View("BTC", "USDT")
	assert.True(t, d("100").Equal(v.QuoteFree))
	assert.True(t, v.QuoteUsed.IsZero())
	assert.Equal(t, models.IntentFailed, j.only(t).Status)
	gw.AssertNotCalled(t, "LookupOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecute_ExhaustedRetriesLeaveIntentUnresolved(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.New(apperr.KindExchangeTransient, "503")).Times(3)
	gw.On("LookupOrder", mock.Anything, "BTC/USDT", mock.Anything).
		Return(nil, apperr.Wrap(apperr.KindExchangeTransient, "503", errors.New("unavailable"))).Once()

	e, acct, j := newTestExecutor(gw, "100", "0")
	_, err := e.Execute(context.Background(), buyOrder("0.5"))
	assert.Equal(t, apperr.KindExchangeTransient, apperr.KindOf(err))

	assert.True(t, d("100").Equal(acct.View("BTC", "USDT").QuoteFree))
	assert.Equal(t, models.IntentUnresolved, j.only(t).Status)
	gw.AssertExpectations(t)
}

func TestExecute_AmbiguousOrderFoundByLookup(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.New(apperr.KindExchangeTransient, "timeout")).Times(3)
	gw.On("LookupOrder", mock.Anything, "BTC/USDT", mock.Anything).
		Return(&exchange.Fill{OrderID: "4", Price: d("100"), Amount: d("0.5")}, nil).Once()

	e, acct, j := newTestExecutor(gw, "100", "0")
	res, err := e.Execute(context.Background(), buyOrder("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "4", res.Fill.OrderID)
	assert.True(t, d("0.5").Equal(acct.View("BTC", "USDT").BaseFree))
	assert.Equal(t, models.IntentPending, j.only(t).Status)
}

func TestExecute_DuplicateResolvedByLookup(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.Wrap(apperr.KindExchangeFatal, "Duplicate order sent.", exchange.ErrDuplicateOrder)).Once()
	gw.On("LookupOrder", mock.Anything, "BTC/USDT", mock.Anything).
		Return(&exchange.Fill{OrderID: "5", Price: d("100"), Amount: d("0.5")}, nil).Once()

	e, _, _ := newTestExecutor(gw, "100", "0")
	res, err := e.Execute(context.Background(), buyOrder("0.5"))
	require.NoError(t, err)
	assert.Equal(t, "5", res.Fill.OrderID)
	gw.AssertExpectations(t)
}

func TestExecute_DuplicateWithoutLookupStaysUnresolved(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(nil, apperr.Wrap(apperr.KindExchangeFatal, "Duplicate order sent.", exchange.ErrDuplicateOrder)).Once()

	e, acct, j := newTestExecutor(submitOnly{gw}, "100", "0")
	_, err := e.Execute(context.Background(), buyOrder("0.5"))
	assert.Equal(t, apperr.KindExchangeTransient, apperr.KindOf(err))
	assert.True(t, d("100").Equal(acct.View("BTC", "USDT").QuoteFree))
	assert.Equal(t, models.IntentUnresolved, j.only(t).Status)
}

func TestExecute_ConcurrentBuysNeverOverdraw(t *testing.T) {
	gw := new(mockGateway)
	gw.On("SubmitOrder", mock.Anything, mock.Anything).
		After(20*time.Millisecond).
		Return(&exchange.Fill{OrderID: "6", Price: d("100"), Amount: d("0.6")}, nil)

	e, acct, _ := newTestExecutor(gw, "100", "0")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := buyOrder("0.6")
			o.TraderID = []string{"a", "b"}[i]
			_, errs[i] = e.Execute(context.Background(), o)
		}(i)
	}
	wg.Wait()

	var ok, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindInsufficientBalance):
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
	assert.True(t, d("40").Equal(acct.View("BTC", "USDT").QuoteFree))
	gw.AssertNumberOfCalls(t, "SubmitOrder", 1)
}

func TestReconcile(t *testing.T) {
	gw := new(mockGateway)
	e, _, j := newTestExecutor(gw, "100", "0")
	for _, in := range []models.OrderIntent{
		{ClientOrderID: "filled", TraderID: "t1", Symbol: "BTC/USDT", Side: models.ActionBuy, Amount: d("0.5"), Status: models.IntentPending},
		{ClientOrderID: "lost", TraderID: "t1", Symbol: "BTC/USDT", Side: models.ActionBuy, Amount: d("0.5"), Status: models.IntentUnresolved},
		{ClientOrderID: "down", TraderID: "t2", Symbol: "BTC/USDT", Side: models.ActionSell, Amount: d("0.5"), Status: models.IntentPending},
		{ClientOrderID: "done", TraderID: "t2", Symbol: "BTC/USDT", Side: models.ActionSell, Amount: d("0.5"), Status: models.IntentFilled},
	} {
		require.NoError(t, j.SaveIntent(context.Background(), &in))
	}

	gw.On("LookupOrder", mock.Anything, "BTC/USDT", "filled").
		Return(&exchange.Fill{OrderID: "7", ClientOrderID: "filled", Price: d("100"), Amount: d("0.5")}, nil).Once()
	gw.On("LookupOrder", mock.Anything, "BTC/USDT", "lost").
		Return(nil, apperr.Wrap(apperr.KindExchangeFatal, "Order does not exist.", exchange.ErrOrderNotFound)).Once()
	gw.On("LookupOrder", mock.Anything, "BTC/USDT", "down").
		Return(nil, apperr.New(apperr.KindExchangeTransient, "503"))

	recovered, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "filled", recovered[0].Intent.ClientOrderID)
	assert.Equal(t, "7", recovered[0].Fill.OrderID)

	assert.Equal(t, models.IntentPending, j.status("filled"), "confirmed by the caller after recording")
	assert.Equal(t, models.IntentFailed, j.status("lost"))
	assert.Equal(t, models.IntentUnresolved, j.status("down"))
	gw.AssertNotCalled(t, "LookupOrder", mock.Anything, "BTC/USDT", "done")
}

func TestRetryPolicy_TimeoutIsTransient(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, AttemptTimeout: 5 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, apperr.KindExchangeTransient, apperr.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicy_PermanentStopsImmediately(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "reject", func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.KindExchangeFatal, "rejected")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, apperr.KindExchangeFatal, apperr.KindOf(err))
}
