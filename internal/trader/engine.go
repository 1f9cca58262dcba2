package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/apperr"
	"spot-grid-trader-go/internal/database"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/executor"
	"spot-grid-trader-go/internal/models"
	"spot-grid-trader-go/internal/strategy"
)

const (
	storeTimeout = 5 * time.Second
	stopWait     = 30 * time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	SaveTrader(ctx context.Context, t *models.Trader) error
	UpdateTraderState(ctx context.Context, id string, status models.TraderStatus, runtime models.RuntimeSnapshot) error
	DeleteTrader(ctx context.Context, id string) error
	LoadTraders(ctx context.Context) ([]models.Trader, error)
	ResetRunning(ctx context.Context) ([]string, error)
	AppendTrade(ctx context.Context, t *models.Trade) error
	ListTrades(ctx context.Context, traderID string, limit int) ([]models.Trade, error)
	TradeHistory(ctx context.Context, traderID string) ([]models.Trade, error)
	SellTrades(ctx context.Context, traderID string, since time.Time) ([]models.Trade, error)
}

// Options configures the engine.
type Options struct {
	// MinCheckInterval is the shortest accepted check_interval_seconds.
	MinCheckInterval time.Duration
	// Simulation marks trades as paper trades and replays them into the
	// account on recovery.
	Simulation bool
	// ResumeOnStart restarts traders that were running before a restart.
	ResumeOnStart bool
}

// CreateRequest describes a new trader.
type CreateRequest struct {
	Name     string              `json:"name" validate:"required,max=64"`
	Strategy string              `json:"strategy"`
	Symbol   string              `json:"symbol" validate:"required"`
	Config   models.TraderConfig `json:"config"`
}

// Engine owns every trader and runs one loop per running trader.
type Engine struct {
	mu      sync.Mutex
	traders map[string]*instance

	store    Store
	market   exchange.MarketDataClient
	exec     *executor.Executor
	account  *account.State
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// NewEngine creates an engine with no traders loaded. Call Recover to load
// persisted traders.
func NewEngine(store Store, market exchange.MarketDataClient, exec *executor.Executor, acct *account.State, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		traders:  make(map[string]*instance),
		store:    store,
		market:   market,
		exec:     exec,
		account:  acct,
		opts:     opts,
		validate: validator.New(),
		logger:   logger.Named("engine"),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *Engine) lookup(id string) (*instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.traders[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "trader %s not found", id)
	}
	return in, nil
}

func (e *Engine) persist(in *instance) error {
	in.persistMu.Lock()
	defer in.persistMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	status, rt := in.state()
	if err := e.store.UpdateTraderState(ctx, in.id(), status, rt); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to persist trader state", err)
	}
	return nil
}

func (e *Engine) validateRequest(req *CreateRequest) error {
	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return apperr.Wrap(apperr.KindValidation, "invalid trader: "+strings.Join(fields, ", "), err)
		}
		return apperr.Wrap(apperr.KindValidation, "invalid trader", err)
	}
	cfg := req.Config
	if cfg.CheckInterval() < e.opts.MinCheckInterval {
		return apperr.Newf(apperr.KindValidation, "check_interval_seconds must be at least %d", int(e.opts.MinCheckInterval/time.Second))
	}
	if cfg.GridMin != nil && cfg.GridMax != nil && *cfg.GridMin >= *cfg.GridMax {
		return apperr.New(apperr.KindValidation, "grid_min must be below grid_max")
	}
	if cfg.MaxPosition != nil && *cfg.MaxPosition < cfg.Amount {
		return apperr.New(apperr.KindValidation, "max_position must not be below amount")
	}
	return nil
}

// Create validates req and registers a stopped trader.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*TraderView, error) {
	if req.Strategy == "" {
		req.Strategy = models.StrategyGrid
	}
	if err := e.validateRequest(&req); err != nil {
		return nil, err
	}
	base, quote, err := exchange.SplitSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(req.Strategy, req.Config)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid strategy", err)
	}

	now := e.now()
	rec := models.Trader{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(req.Name),
		Strategy:  strat.Name(),
		Symbol:    base + "/" + quote,
		Status:    models.StatusStopped,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SaveTrader(ctx, &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to save trader", err)
	}

	in := newInstance(rec, strat, base, quote, nil)
	e.mu.Lock()
	e.traders[rec.ID] = in
	e.mu.Unlock()

	e.logger.Info("Trader created",
		zap.String("trader_id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("symbol", rec.Symbol),
		zap.String("strategy", rec.Strategy))
	v := in.snapshot()
	return &v, nil
}

// Get returns one trader.
func (e *Engine) Get(id string) (*TraderView, error) {
	in, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	v := in.snapshot()
	return &v, nil
}

// List returns every trader, oldest first.
func (e *Engine) List() []TraderView {
	e.mu.Lock()
	all := make([]*instance, 0, len(e.traders))
	for _, in := range e.traders {
		all = append(all, in)
	}
	e.mu.Unlock()

	views := make([]TraderView, 0, len(all))
	for _, in := range all {
		views = append(views, in.snapshot())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Start moves a trader to running and spawns its loop.
func (e *Engine) Start(ctx context.Context, id string) (*TraderView, error) {
	in, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	if in.deleted {
		in.mu.Unlock()
		return nil, apperr.Newf(apperr.KindNotFound, "trader %s not found", id)
	}
	if in.record.Status == models.StatusRunning {
		in.mu.Unlock()
		return nil, apperr.Newf(apperr.KindInvalidState, "trader %s is already running", id)
	}
	prevStatus, prevTrigger := in.record.Status, in.record.Runtime.TriggerReason
	in.record.Status = models.StatusRunning
	in.record.Runtime.TriggerReason = ""
	in.generation++
	gen := in.generation
	loopCtx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	in.cancel, in.done = cancel, done
	in.mu.Unlock()

	if err := e.persist(in); err != nil {
		cancel()
		in.mu.Lock()
		if in.generation == gen {
			in.record.Status = prevStatus
			in.record.Runtime.TriggerReason = prevTrigger
			in.cancel, in.done = nil, nil
		}
		in.mu.Unlock()
		close(done)
		return nil, err
	}

	e.loops.Add(1)
	go e.run(loopCtx, in, gen, done)

	e.logger.Info("Trader started", zap.String("trader_id", id))
	v := in.snapshot()
	return &v, nil
}

// Stop moves a running trader to stopped and cancels its loop. A tick in
// progress finishes first. Stopping a stopped trader is a no-op.
func (e *Engine) Stop(ctx context.Context, id string) (*TraderView, error) {
	in, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !e.halt(in, 0, "") {
		v := in.snapshot()
		return &v, nil
	}
	if err := e.persist(in); err != nil {
		e.logger.Error("Failed to persist stopped trader", zap.String("trader_id", id), zap.Error(err))
	}
	e.logger.Info("Trader stopped", zap.String("trader_id", id))
	v := in.snapshot()
	return &v, nil
}

// halt stops a running trader. A non-zero gen only stops that run, so a
// late risk trigger cannot stop a newer run. It reports whether the status
// changed.
func (e *Engine) halt(in *instance, gen uint64, trigger string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.record.Status != models.StatusRunning {
		return false
	}
	if gen != 0 && in.generation != gen {
		return false
	}
	in.record.Status = models.StatusStopped
	if trigger != "" {
		in.record.Runtime.TriggerReason = trigger
	}
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
	return true
}

// Delete removes a stopped trader. Its trades stay in the store. A tick
// still finishing from the last run is waited for, bounded by ctx and
// stopWait.
func (e *Engine) Delete(ctx context.Context, id string) error {
	in, err := e.lookup(id)
	if err != nil {
		return err
	}
	in.mu.RLock()
	status, done := in.record.Status, in.done
	in.mu.RUnlock()
	if status != models.StatusStopped {
		return apperr.Newf(apperr.KindInvalidState, "trader %s is %s, stop it before deleting", id, status)
	}
	if done != nil {
		wctx, cancel := context.WithTimeout(ctx, stopWait)
		defer cancel()
		select {
		case <-done:
		case <-wctx.Done():
			return apperr.Wrapf(apperr.KindInvalidState, wctx.Err(), "trader %s is still finishing its last tick", id)
		}
	}

	e.mu.Lock()
	in, ok := e.traders[id]
	if !ok {
		e.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "trader %s not found", id)
	}
	in.mu.Lock()
	if in.record.Status != models.StatusStopped {
		status := in.record.Status
		in.mu.Unlock()
		e.mu.Unlock()
		return apperr.Newf(apperr.KindInvalidState, "trader %s is %s, stop it before deleting", id, status)
	}
	in.deleted = true
	in.mu.Unlock()
	delete(e.traders, id)
	e.mu.Unlock()

	if err := e.store.DeleteTrader(ctx, id); err != nil && !errors.Is(err, database.ErrNotFound) {
		e.mu.Lock()
		in.mu.Lock()
		in.deleted = false
		in.mu.Unlock()
		e.traders[id] = in
		e.mu.Unlock()
		return apperr.Wrap(apperr.KindInternal, "failed to delete trader", err)
	}
	e.logger.Info("Trader deleted", zap.String("trader_id", id))
	return nil
}

// Shutdown cancels every loop and waits for in-flight ticks until ctx is
// done. Persisted statuses are left as they are so running traders can be
// resumed on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Stopping trader loops...")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("All trader loops stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for trader loops: %w", ctx.Err())
	}
}
