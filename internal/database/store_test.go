package database

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid-trader-go/internal/models"
)

func newTestStore(t *testing.T) *Store {
	db, err := NewDatabase("file::memory:")
	require.NoError(t, err)
	return NewStore(db)
}

func testTrader(id string, status models.TraderStatus) *models.Trader {
	return &models.Trader{
		ID:       id,
		Name:     "grid " + id,
		Strategy: models.StrategyGrid,
		Symbol:   "BTC/USDT",
		Status:   status,
		Config:   models.TraderConfig{Amount: 0.0005, GridGapPct: 2, CheckIntervalSeconds: 60},
	}
}

func TestStore_Traders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sl := -10.0
	tr := testTrader("t1", models.StatusStopped)
	tr.Config.StopLossPct = &sl
	require.NoError(t, s.SaveTrader(ctx, tr))
	require.NoError(t, s.SaveTrader(ctx, testTrader("t2", models.StatusRunning)))

	runtime := models.RuntimeSnapshot{
		ReferencePrice: decimal.NewNullDecimal(decimal.RequireFromString("97.9")),
		LastAction:     models.ActionBuy,
		TradeCount:     1,
	}
	require.NoError(t, s.UpdateTraderState(ctx, "t1", models.StatusStopped, runtime))
	assert.ErrorIs(t, s.UpdateTraderState(ctx, "nope", models.StatusStopped, runtime), ErrNotFound)

	loaded, err := s.LoadTraders(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "t1", loaded[0].ID)
	require.NotNil(t, loaded[0].Config.StopLossPct)
	assert.Equal(t, -10.0, *loaded[0].Config.StopLossPct)
	assert.True(t, loaded[0].Runtime.ReferencePrice.Valid)
	assert.Equal(t, "97.9", loaded[0].Runtime.ReferencePrice.Decimal.String())
	assert.Equal(t, 1, loaded[0].Runtime.TradeCount)

	ids, err := s.ResetRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids)

	loaded, err = s.LoadTraders(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, loaded[1].Status)

	require.NoError(t, s.DeleteTrader(ctx, "t2"))
	assert.ErrorIs(t, s.DeleteTrader(ctx, "t2"), ErrNotFound)
}

func TestStore_Trades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, a := range []models.Action{models.ActionBuy, models.ActionSell, models.ActionBuy} {
		trade := &models.Trade{
			ID:            "trade-" + string(rune('a'+i)),
			TraderID:      "t1",
			Symbol:        "BTC/USDT",
			Action:        a,
			Price:         decimal.RequireFromString("97.9"),
			Amount:        decimal.RequireFromString("0.0005"),
			ClientOrderID: "coid-" + string(rune('a'+i)),
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendTrade(ctx, trade))
	}
	require.NoError(t, s.AppendTrade(ctx, &models.Trade{
		ID: "other", TraderID: "t2", Symbol: "ETH/USDT", Action: models.ActionBuy,
		ClientOrderID: "coid-other", Timestamp: base,
	}))

	// duplicate client order id is ignored
	require.NoError(t, s.AppendTrade(ctx, &models.Trade{
		ID: "dup", TraderID: "t1", Symbol: "BTC/USDT", Action: models.ActionBuy,
		ClientOrderID: "coid-a", Timestamp: base,
	}))

	recent, err := s.ListTrades(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "trade-c", recent[0].ID)
	assert.Equal(t, "trade-b", recent[1].ID)

	all, err := s.ListTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	history, err := s.TradeHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "trade-a", history[0].ID)
	assert.Equal(t, "0.0005", history[0].Amount.String())

	sells, err := s.SellTrades(ctx, "t1", time.Time{})
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assert.Equal(t, "trade-b", sells[0].ID)

	sells, err = s.SellTrades(ctx, "", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, sells)
}

func TestStore_Intents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"k1", "k2", "k3"} {
		require.NoError(t, s.SaveIntent(ctx, &models.OrderIntent{
			ClientOrderID: id,
			TraderID:      "t1",
			Symbol:        "BTC/USDT",
			Side:          models.ActionBuy,
			Amount:        decimal.RequireFromString("0.0005"),
			Status:        models.IntentPending,
		}))
	}
	require.NoError(t, s.UpdateIntentStatus(ctx, "k1", models.IntentFilled, ""))
	require.NoError(t, s.UpdateIntentStatus(ctx, "k2", models.IntentUnresolved, "timeout"))
	assert.ErrorIs(t, s.UpdateIntentStatus(ctx, "missing", models.IntentFailed, ""), ErrNotFound)

	open, err := s.OpenIntents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	ids := []string{open[0].ClientOrderID, open[1].ClientOrderID}
	assert.ElementsMatch(t, []string{"k2", "k3"}, ids)
}
