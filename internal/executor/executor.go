// Package executor turns a decided action into a confirmed exchange fill.
// Balances are reserved before submission and only settled after the
// exchange confirms the order; every order is journaled under its
// idempotency key so retries and restarts cannot execute it twice.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/models"
)

const journalTimeout = 5 * time.Second

// Journal persists order intents.
type Journal interface {
	SaveIntent(ctx context.Context, in *models.OrderIntent) error
	UpdateIntentStatus(ctx context.Context, clientOrderID string, status models.IntentStatus, reason string) error
	OpenIntents(ctx context.Context) ([]models.OrderIntent, error)
}

// Config holds the executor settings.
type Config struct {
	Retry RetryPolicy
	// ReserveBuffer is the fraction added to a buy's expected cost when
	// reserving quote balance, covering fees and slippage.
	ReserveBuffer decimal.Decimal
}

// Order is one decided action.
type Order struct {
	TraderID string
	Symbol   string
	Side     models.Action
	Amount   decimal.Decimal
	// Price is the last observed price, used to size a buy reservation.
	Price  decimal.Decimal
	Reason string
}

// Result is a confirmed execution.
type Result struct {
	ClientOrderID string
	Fill          exchange.Fill
}

// Recovered is a journaled order found filled on the exchange during
// reconciliation.
type Recovered struct {
	Intent models.OrderIntent
	Fill   exchange.Fill
}

// Executor submits orders to a gateway against a shared account.
type Executor struct {
	gateway exchange.Gateway
	lookup  exchange.OrderLookup
	account *account.State
	journal Journal
	cfg     Config
	logger  *zap.Logger
	newID   func() string
}

// New creates an executor. If the gateway also implements
// exchange.OrderLookup it is used to resolve duplicate and ambiguous orders.
func New(gateway exchange.Gateway, acct *account.State, journal Journal, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		gateway: gateway,
		account: acct,
		journal: journal,
		cfg:     cfg,
		logger:  logger.Named("executor"),
		newID:   func() string { return uuid.NewString() },
	}
	e.cfg.Retry.Logger = e.logger
	e.cfg.Retry = e.cfg.Retry.withDefaults()
	if l, ok := gateway.(exchange.OrderLookup); ok {
		e.lookup = l
	}
	return e
}

// Retry returns the retry policy shared with price fetches.
func (e *Executor) Retry() RetryPolicy {
	return e.cfg.Retry
}

// Execute reserves balance for o, submits it and settles the account on a
// confirmed fill. Errors carry an apperr kind: insufficient_balance or
// insufficient_position when the reservation fails (the exchange is not
// contacted), exchange_fatal on rejection, exchange_transient when retries
// run out. On any error the account is left as it was.
func (e *Executor) Execute(ctx context.Context, o Order) (*Result, error) {
	if !o.Amount.IsPositive() {
		return nil, apperr.Newf(apperr.KindValidation, "order amount must be positive, got %s", o.Amount)
	}
	base, quote, err := exchange.SplitSymbol(o.Symbol)
	if err != nil {
		return nil, err
	}

	res, err := e.reserve(o, base, quote)
	if err != nil {
		return nil, err
	}

	coid := e.newID()
	log := e.logger.With(
		zap.String("trader_id", o.TraderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("amount", o.Amount.String()),
		zap.String("client_order_id", coid))

	intent := &models.OrderIntent{
		ClientOrderID: coid,
		TraderID:      o.TraderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Amount:        o.Amount,
		Reason:        o.Reason,
		Status:        models.IntentPending,
	}
	if err := e.saveIntent(ctx, intent); err != nil {
		e.account.Release(res)
		return nil, apperr.Wrap(apperr.KindInternal, "failed to journal order intent", err)
	}

	req := exchange.OrderRequest{Symbol: o.Symbol, Side: o.Side, Amount: o.Amount, ClientOrderID: coid}
	var fill *exchange.Fill
	err = e.cfg.Retry.Do(ctx, "submit_order", func(ctx context.Context) error {
		f, err := e.submit(ctx, req)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	rejected := apperr.Is(err, apperr.KindExchangeFatal) && !errors.Is(err, exchange.ErrDuplicateOrder)
	if err != nil && !rejected {
		// The order may have reached the exchange; ask before giving up.
		if f, lerr := e.find(ctx, o.Symbol, coid); lerr == nil {
			fill, err = f, nil
		}
	}

	if err != nil {
		e.account.Release(res)
		if rejected {
			e.markIntent(ctx, coid, models.IntentFailed, err.Error())
			log.Error("Order rejected", zap.Error(err))
			return nil, err
		}
		e.markIntent(ctx, coid, models.IntentUnresolved, err.Error())
		log.Warn("Order outcome unknown after retries", zap.Error(err))
		if apperr.KindOf(err) == apperr.KindExchangeTransient {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindExchangeTransient, "order submission did not complete", err)
	}

	// The intent stays pending until the caller has recorded the trade and
	// calls Confirm, so a fill lost between here and the trade log is found
	// again by Reconcile.
	e.settle(res, o.Side, base, quote, fill)
	log.Info("Order executed",
		zap.String("order_id", fill.OrderID),
		zap.String("price", fill.Price.String()),
		zap.String("fee", fill.Fee.String()))
	return &Result{ClientOrderID: coid, Fill: *fill}, nil
}

func (e *Executor) reserve(o Order, base, quote string) (*account.Reservation, error) {
	switch o.Side {
	case models.ActionBuy:
		if !o.Price.IsPositive() {
			return nil, apperr.Newf(apperr.KindValidation, "buy needs a positive price, got %s", o.Price)
		}
		need := o.Amount.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(e.cfg.ReserveBuffer))
		r, err := e.account.Reserve(quote, need)
		if errors.Is(err, account.ErrInsufficientFunds) {
			return nil, apperr.Wrapf(apperr.KindInsufficientBalance, err, "buy of %s %s needs %s %s", o.Amount, base, need.StringFixed(8), quote)
		}
		return r, err
	case models.ActionSell:
		r, err := e.account.Reserve(base, o.Amount)
		if errors.Is(err, account.ErrInsufficientFunds) {
			return nil, apperr.Wrapf(apperr.KindInsufficientPosition, err, "sell of %s %s exceeds free balance", o.Amount, base)
		}
		return r, err
	default:
		return nil, apperr.Newf(apperr.KindValidation, "cannot execute action %q", o.Side)
	}
}

// submit places the order once. A duplicate client order id means an earlier
// attempt reached the exchange, so the original order is returned instead.
func (e *Executor) submit(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	fill, err := e.gateway.SubmitOrder(ctx, req)
	if err == nil {
		return fill, nil
	}
	if errors.Is(err, exchange.ErrDuplicateOrder) && e.lookup != nil {
		e.logger.Info("Duplicate submission, fetching original order", zap.String("client_order_id", req.ClientOrderID))
		return e.lookup.LookupOrder(ctx, req.Symbol, req.ClientOrderID)
	}
	return nil, err
}

func (e *Executor) find(ctx context.Context, symbol, coid string) (*exchange.Fill, error) {
	if e.lookup == nil {
		return nil, exchange.ErrOrderNotFound
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Retry.AttemptTimeout)
	defer cancel()
	return e.lookup.LookupOrder(lctx, symbol, coid)
}

func (e *Executor) settle(r *account.Reservation, side models.Action, base, quote string, f *exchange.Fill) {
	notional := f.Price.Mul(f.Amount)
	if side == models.ActionBuy {
		e.account.Settle(r, notional.Add(f.Fee), base, f.Amount)
		return
	}
	e.account.Settle(r, f.Amount, quote, notional.Sub(f.Fee))
}

func (e *Executor) saveIntent(ctx context.Context, in *models.OrderIntent) error {
	if e.journal == nil {
		return nil
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	return e.journal.SaveIntent(jctx, in)
}

func (e *Executor) markIntent(ctx context.Context, coid string, status models.IntentStatus, reason string) {
	if e.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.journal.UpdateIntentStatus(jctx, coid, status, reason); err != nil {
		e.logger.Error("Failed to update order intent",
			zap.String("client_order_id", coid),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// Confirm marks the intent for clientOrderID filled once its trade is in the
// trade log.
func (e *Executor) Confirm(ctx context.Context, clientOrderID string) {
	e.markIntent(ctx, clientOrderID, models.IntentFilled, "")
}

// Reconcile resolves intents left pending or unresolved by an earlier run.
// Intents the exchange reports as filled are returned so the caller can
// record them and Confirm them; intents the exchange does not know are
// marked failed.
// Intents that cannot be checked right now stay open for the next run.
func (e *Executor) Reconcile(ctx context.Context) ([]Recovered, error) {
	if e.journal == nil {
		return nil, nil
	}
	intents, err := e.journal.OpenIntents(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []Recovered
	for _, in := range intents {
		log := e.logger.With(zap.String("client_order_id", in.ClientOrderID), zap.String("trader_id", in.TraderID))
		if e.lookup == nil {
			e.markIntent(ctx, in.ClientOrderID, models.IntentFailed, "gateway cannot look up orders")
			log.Warn("Open order intent dropped, gateway has no order lookup")
			continue
		}

		var fill *exchange.Fill
		err := e.cfg.Retry.Do(ctx, "lookup_order", func(ctx context.Context) error {
			f, err := e.lookup.LookupOrder(ctx, in.Symbol, in.ClientOrderID)
			if err != nil {
				return err
			}
			fill = f
			return nil
		})
		switch {
		case err == nil:
			recovered = append(recovered, Recovered{Intent: in, Fill: *fill})
			log.Info("Open order intent found filled", zap.String("order_id", fill.OrderID))
		case errors.Is(err, exchange.ErrOrderNotFound):
			e.markIntent(ctx, in.ClientOrderID, models.IntentFailed, "order not found on exchange")
			log.Info("Open order intent never reached the exchange")
		default:
			e.markIntent(ctx, in.ClientOrderID, models.IntentUnresolved, err.Error())
			log.Warn("Open order intent still unresolved", zap.Error(err))
		}
	}
	return recovered, nil
}
