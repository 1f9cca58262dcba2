package trader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/executor"
	"spot-grid-trader-go/internal/models"
	"spot-grid-trader-go/internal/risk"
	"spot-grid-trader-go/internal/strategy"
)

// run is the loop of one trader run. It ticks once right away and then on
// every interval until ctx is cancelled. Cancellation is only checked
// between ticks; a tick never sees it.
func (e *Engine) run(ctx context.Context, in *instance, gen uint64, done chan struct{}) {
	defer e.loops.Done()
	defer close(done)

	interval := in.config().CheckInterval()
	log := e.logger.With(zap.String("trader_id", in.id()), zap.Uint64("run", gen))
	log.Info("Starting trader loop", zap.Duration("interval", interval))

	tickCtx := context.WithoutCancel(ctx)
	e.tick(tickCtx, in, gen)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Trader loop stopped")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				log.Info("Trader loop stopped")
				return
			}
			e.tick(tickCtx, in, gen)
		}
	}
}

// tick runs one evaluation. Errors are recorded on the trader, never returned.
func (e *Engine) tick(ctx context.Context, in *instance, gen uint64) {
	in.tickMu.Lock()
	defer in.tickMu.Unlock()

	cfg := in.config()
	rec := in.snapshot()
	log := e.logger.With(zap.String("trader_id", in.id()), zap.String("symbol", rec.Symbol))

	var ticker *exchange.Ticker
	err := e.exec.Retry().Do(ctx, "get_ticker", func(ctx context.Context) error {
		t, err := e.market.GetTicker(ctx, rec.Symbol)
		if err != nil {
			return err
		}
		ticker = t
		return nil
	})
	if err != nil {
		e.recordError(in, "price fetch failed", err)
		return
	}
	price := ticker.Last
	if !price.IsPositive() {
		e.recordError(in, "price fetch failed", apperr.Newf(apperr.KindExchangeTransient, "non-positive price %s", price))
		return
	}

	rt := in.runtime()
	if !rt.ReferencePrice.Valid {
		in.publish(func(rt *models.RuntimeSnapshot) {
			rt.ReferencePrice = decimal.NewNullDecimal(price)
			rt.LastPrice = decimal.NewNullDecimal(price)
		})
		e.markTick(in, "reference_initialized")
		if err := e.persist(in); err != nil {
			log.Error("Failed to persist reference price", zap.Error(err))
		}
		log.Info("Reference price initialized", zap.String("price", price.String()))
		return
	}

	if o := risk.Check(cfg, in.book.Snapshot(price)); o != nil {
		e.liquidate(ctx, in, gen, o, price)
		return
	}

	dec := in.strategy.Decide(strategy.Input{
		ReferencePrice: rt.ReferencePrice.Decimal,
		Price:          price,
		Position:       in.book.Position(),
		Config:         cfg,
	})
	log.Debug("Decision",
		zap.String("action", string(dec.Action)),
		zap.String("reason", dec.Reason),
		zap.String("price", price.String()),
		zap.String("reference", rt.ReferencePrice.Decimal.String()))

	if dec.Action == models.ActionWait {
		in.publish(func(rt *models.RuntimeSnapshot) {
			rt.LastPrice = decimal.NewNullDecimal(price)
		})
		e.markTick(in, dec.Reason)
		return
	}

	if _, err := e.execute(ctx, in, dec.Action, dec.Amount, dec.Reason, price); err != nil {
		in.publish(func(rt *models.RuntimeSnapshot) {
			rt.LastPrice = decimal.NewNullDecimal(price)
		})
		e.recordError(in, "order failed", err)
		return
	}
	e.markTick(in, dec.Reason)
}

// liquidate sells the whole position after a risk trigger and stops the
// run. If the sell fails the trader keeps running and retries next tick.
func (e *Engine) liquidate(ctx context.Context, in *instance, gen uint64, o *risk.Override, price decimal.Decimal) {
	log := e.logger.With(zap.String("trader_id", in.id()))
	log.Warn("Risk limit breached, liquidating position",
		zap.String("trigger", string(o.Trigger)),
		zap.String("pnl_pct", o.PnlPct.StringFixed(4)),
		zap.String("amount", o.Amount.String()))

	if _, err := e.execute(ctx, in, models.ActionSell, o.Amount, string(o.Trigger), price); err != nil {
		e.recordError(in, "forced liquidation failed", err)
		return
	}
	e.markTick(in, string(o.Trigger))

	if e.halt(in, gen, string(o.Trigger)) {
		if err := e.persist(in); err != nil {
			log.Error("Failed to persist risk stop", zap.Error(err))
		}
		log.Warn("Trader stopped by risk limit", zap.String("trigger", string(o.Trigger)))
	}
}

// execute places one order and applies the fill to the ledger, the runtime
// snapshot and the trade log. The caller holds tickMu. Nothing is applied
// unless the executor confirms the fill.
func (e *Engine) execute(ctx context.Context, in *instance, side models.Action, amount decimal.Decimal, reason string, price decimal.Decimal) (*models.Trade, error) {
	rec := in.snapshot()
	res, err := e.exec.Execute(ctx, executor.Order{
		TraderID: rec.ID,
		Symbol:   rec.Symbol,
		Side:     side,
		Amount:   amount,
		Price:    price,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}
	return e.record(ctx, in, side, reason, res.ClientOrderID, res.Fill)
}

// record applies a confirmed fill. The caller holds tickMu.
func (e *Engine) record(ctx context.Context, in *instance, side models.Action, reason, clientOrderID string, fill exchange.Fill) (*models.Trade, error) {
	rec := in.snapshot()
	before := in.book.Position()
	avgBefore := in.book.AverageCost()

	trade := &models.Trade{
		ID:             uuid.NewString(),
		TraderID:       rec.ID,
		Strategy:       rec.Strategy,
		Symbol:         rec.Symbol,
		Action:         side,
		Reason:         reason,
		Price:          fill.Price,
		Amount:         fill.Amount,
		Cost:           fill.Price.Mul(fill.Amount),
		FeeAmount:      fill.Fee,
		RealizedPnl:    decimal.Zero,
		PositionBefore: before,
		OrderID:        fill.OrderID,
		ClientOrderID:  clientOrderID,
		IsSimulation:   e.opts.Simulation,
		Timestamp:      fill.Timestamp.UTC(),
	}
	if fill.Timestamp.IsZero() {
		trade.Timestamp = e.now()
	}

	switch side {
	case models.ActionBuy:
		if err := in.book.ApplyBuy(fill.Price, fill.Amount, fill.Fee); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to apply buy", err)
		}
		trade.AverageCost = in.book.AverageCost().Decimal
	case models.ActionSell:
		realized, err := in.book.ApplySell(fill.Price, fill.Amount, fill.Fee)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to apply sell", err)
		}
		trade.AverageCost = avgBefore.Decimal
		trade.RealizedPnl = realized
	}
	trade.PositionAfter = in.book.Position()

	in.publish(func(rt *models.RuntimeSnapshot) {
		rt.ReferencePrice = decimal.NewNullDecimal(fill.Price)
		rt.LastPrice = decimal.NewNullDecimal(fill.Price)
		rt.LastAction = side
		rt.TradeCount++
	})

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	log := e.logger.With(zap.String("trader_id", rec.ID), zap.String("trade_id", trade.ID))
	if err := e.store.AppendTrade(sctx, trade); err != nil {
		log.Error("Failed to save trade record", zap.Error(err))
	} else {
		e.exec.Confirm(sctx, clientOrderID)
	}
	if err := e.persist(in); err != nil {
		log.Error("Failed to persist runtime snapshot", zap.Error(err))
	}

	log.Info("Trade executed",
		zap.String("action", string(side)),
		zap.String("reason", reason),
		zap.String("price", trade.Price.String()),
		zap.String("amount", trade.Amount.String()),
		zap.String("fee", trade.FeeAmount.String()),
		zap.String("position", trade.PositionAfter.String()),
		zap.String("realized_pnl", trade.RealizedPnl.String()))
	return trade, nil
}

func (e *Engine) markTick(in *instance, reason string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status.lastDecisionReason = reason
	in.status.lastTickAt = e.now()
}

// recordError stores a tick failure on the trader's runtime status.
func (e *Engine) recordError(in *instance, msg string, err error) {
	now := e.now()
	kind := apperr.KindOf(err)

	in.mu.Lock()
	in.status.lastTickAt = now
	in.status.lastError = err.Error()
	in.status.lastErrorKind = string(kind)
	in.status.lastErrorAt = now
	in.status.errorCount++
	in.mu.Unlock()

	log := e.logger.With(zap.String("trader_id", in.id()), zap.String("kind", string(kind)), zap.Error(err))
	switch kind {
	case apperr.KindInsufficientBalance, apperr.KindInsufficientPosition, apperr.KindExchangeTransient:
		log.Warn("Tick skipped: " + msg)
	default:
		log.Error("Tick failed: " + msg)
	}
}
