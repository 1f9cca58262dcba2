package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"spot-grid-trader-go/internal/models"
)

// DefaultTradeLimit caps trade history queries that do not set a limit.
const DefaultTradeLimit = 20

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the durable record store for traders, trades and order intents.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveTrader inserts or fully updates a trader record.
func (s *Store) SaveTrader(ctx context.Context, t *models.Trader) error {
	if err := s.db.WithContext(ctx).Save(t).Error; err != nil {
		return fmt.Errorf("failed to save trader %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTraderState persists the lifecycle status and runtime snapshot of a trader.
func (s *Store) UpdateTraderState(ctx context.Context, id string, status models.TraderStatus, runtime models.RuntimeSnapshot) error {
	res := s.db.WithContext(ctx).Model(&models.Trader{ID: id}).
		Select("Status", "Runtime").
		Updates(models.Trader{Status: status, Runtime: runtime})
	if res.Error != nil {
		return fmt.Errorf("failed to update trader %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrader removes a trader record. Its trades are kept.
func (s *Store) DeleteTrader(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.Trader{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete trader %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadTraders returns all persisted traders, oldest first.
func (s *Store) LoadTraders(ctx context.Context) ([]models.Trader, error) {
	var traders []models.Trader
	if err := s.db.WithContext(ctx).Order("created_at asc, rowid asc").Find(&traders).Error; err != nil {
		return nil, fmt.Errorf("failed to load traders: %w", err)
	}
	return traders, nil
}

// ResetRunning marks every running trader as stopped and returns their ids.
// Loops do not survive a process restart, so a persisted "running" is stale.
func (s *Store) ResetRunning(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Trader{}).
			Where("status = ?", models.StatusRunning).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&models.Trader{}).
			Where("id IN ?", ids).
			Update("status", models.StatusStopped).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset running traders: %w", err)
	}
	return ids, nil
}

// AppendTrade stores a trade record. Records are never updated afterwards;
// a second append with the same client order id is ignored.
func (s *Store) AppendTrade(ctx context.Context, t *models.Trade) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_order_id"}}, DoNothing: true}).
		Create(t).Error
	if err != nil {
		return fmt.Errorf("failed to append trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first, optionally for one trader.
func (s *Store) ListTrades(ctx context.Context, traderID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	q := s.db.WithContext(ctx).Order("timestamp desc, rowid desc").Limit(limit)
	if traderID != "" {
		q = q.Where("trader_id = ?", traderID)
	}
	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// TradeHistory returns all trades of a trader in execution order.
func (s *Store) TradeHistory(ctx context.Context, traderID string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("trader_id = ?", traderID).
		Order("timestamp asc, rowid asc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load trade history for %s: %w", traderID, err)
	}
	return trades, nil
}

// SaveIntent journals an order intent.
func (s *Store) SaveIntent(ctx context.Context, in *models.OrderIntent) error {
	if err := s.db.WithContext(ctx).Save(in).Error; err != nil {
		return fmt.Errorf("failed to save order intent %s: %w", in.ClientOrderID, err)
	}
	return nil
}

// UpdateIntentStatus records the outcome of an order intent.
func (s *Store) UpdateIntentStatus(ctx context.Context, clientOrderID string, status models.IntentStatus, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.OrderIntent{ClientOrderID: clientOrderID}).
		Updates(map[string]any{"status": status, "error": reason})
	if res.Error != nil {
		return fmt.Errorf("failed to update order intent %s: %w", clientOrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenIntents returns intents with no confirmed outcome.
func (s *Store) OpenIntents(ctx context.Context) ([]models.OrderIntent, error) {
	var intents []models.OrderIntent
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.IntentStatus{models.IntentPending, models.IntentUnresolved}).
		Order("created_at asc").
		Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open order intents: %w", err)
	}
	return intents, nil
}

// SellTrades returns sell trades executed at or after since, optionally for
// one trader. A zero since returns all of them.
func (s *Store) SellTrades(ctx context.Context, traderID string, since time.Time) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Where("action = ?", models.ActionSell)
	if traderID != "" {
		q = q.Where("trader_id = ?", traderID)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	var trades []models.Trade
	if err := q.Order("timestamp asc, rowid asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load sell trades: %w", err)
	}
	return trades, nil
}
