package trader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/executor"
	"spot-grid-trader-go/internal/ledger"
	"spot-grid-trader-go/internal/models"
	"spot-grid-trader-go/internal/strategy"
)

// Recover loads persisted traders. Traders left running by the previous
// process are reset to stopped, order intents without a confirmed outcome
// are reconciled against the exchange, and each ledger is rebuilt from the
// trade log. With ResumeOnStart the reset traders are started again.
func (e *Engine) Recover(ctx context.Context) error {
	e.logger.Info("Recovering traders...")

	wasRunning, err := e.store.ResetRunning(ctx)
	if err != nil {
		return err
	}
	recovered, err := e.exec.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile order intents: %w", err)
	}
	pending := make(map[string][]executor.Recovered)
	for _, r := range recovered {
		pending[r.Intent.TraderID] = append(pending[r.Intent.TraderID], r)
	}

	records, err := e.store.LoadTraders(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		in, err := e.restore(ctx, rec, pending[rec.ID])
		if err != nil {
			e.logger.Error("Failed to restore trader, skipping", zap.String("trader_id", rec.ID), zap.Error(err))
			continue
		}
		delete(pending, rec.ID)
		e.mu.Lock()
		e.traders[rec.ID] = in
		e.mu.Unlock()
	}
	for traderID, fills := range pending {
		e.logger.Warn("Filled orders found for unknown trader",
			zap.String("trader_id", traderID),
			zap.Int("orders", len(fills)))
	}

	e.logger.Info("Traders recovered",
		zap.Int("traders", len(records)),
		zap.Int("reconciled_orders", len(recovered)),
		zap.Int("were_running", len(wasRunning)))

	if !e.opts.ResumeOnStart {
		return nil
	}
	for _, id := range wasRunning {
		if _, err := e.Start(ctx, id); err != nil {
			e.logger.Error("Failed to resume trader", zap.String("trader_id", id), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) restore(ctx context.Context, rec models.Trader, fills []executor.Recovered) (*instance, error) {
	base, quote, err := exchange.SplitSymbol(rec.Symbol)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(rec.Strategy, rec.Config)
	if err != nil {
		return nil, err
	}
	history, err := e.store.TradeHistory(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	book, err := ledger.Replay(history)
	if err != nil {
		return nil, err
	}
	if e.opts.Simulation {
		for _, t := range history {
			e.replayBalance(t, base, quote)
		}
	}

	rec.Runtime.TradeCount = len(history)
	in := newInstance(rec, strat, base, quote, book)

	logged := make(map[string]bool, len(history))
	for _, t := range history {
		if t.ClientOrderID != "" {
			logged[t.ClientOrderID] = true
		}
	}
	for _, r := range fills {
		if logged[r.Intent.ClientOrderID] {
			// Recorded before the intent could be confirmed.
			e.exec.Confirm(ctx, r.Intent.ClientOrderID)
			continue
		}
		in.tickMu.Lock()
		t, err := e.record(ctx, in, r.Intent.Side, r.Intent.Reason, r.Intent.ClientOrderID, r.Fill)
		in.tickMu.Unlock()
		if err != nil {
			e.logger.Error("Failed to apply reconciled order",
				zap.String("trader_id", rec.ID),
				zap.String("client_order_id", r.Intent.ClientOrderID),
				zap.Error(err))
			continue
		}
		if e.opts.Simulation {
			e.replayBalance(*t, base, quote)
		}
	}
	return in, nil
}

// replayBalance applies an already-settled trade to a freshly seeded paper
// account.
func (e *Engine) replayBalance(t models.Trade, base, quote string) {
	switch t.Action {
	case models.ActionBuy:
		e.account.Adjust(quote, t.Cost.Add(t.FeeAmount).Neg())
		e.account.Adjust(base, t.Amount)
	case models.ActionSell:
		e.account.Adjust(base, t.Amount.Neg())
		e.account.Adjust(quote, t.Cost.Sub(t.FeeAmount))
	}
}
