// Package account holds the balances shared by every trader on one exchange
// account. Balances change only through reservations that are either
// released or settled against a confirmed fill.
package account

import (
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientFunds is returned when a reservation exceeds the free balance.
var ErrInsufficientFunds = errors.New("insufficient free balance")

// Balance is the free and reserved amount of one asset.
type Balance struct {
	Free decimal.Decimal `json:"free"`
	Used decimal.Decimal `json:"used"`
}

// Total returns free plus used.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Used)
}

// View is the quote/base pair of balances relevant to one symbol.
type View struct {
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	QuoteFree decimal.Decimal `json:"quote_free"`
	QuoteUsed decimal.Decimal `json:"quote_used"`
	BaseFree  decimal.Decimal `json:"base_free"`
	BaseUsed  decimal.Decimal `json:"base_used"`
}

// Reservation is an amount of one asset moved from free to used.
type Reservation struct {
	Asset  string
	Amount decimal.Decimal
	done   bool
}

// State is the account-wide balance book. All methods are safe for
// concurrent use; the lock is never held across I/O.
type State struct {
	mu     sync.Mutex
	assets map[string]*Balance
	logger *zap.Logger
}

// New creates a State with the given free balances.
func New(initial map[string]decimal.Decimal, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &State{
		assets: make(map[string]*Balance, len(initial)),
		logger: logger.Named("account"),
	}
	for asset, free := range initial {
		s.assets[normalize(asset)] = &Balance{Free: free}
	}
	return s
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func (s *State) balance(asset string) *Balance {
	b, ok := s.assets[asset]
	if !ok {
		b = &Balance{}
		s.assets[asset] = b
	}
	return b
}

// Reserve moves amount of asset from free to used, or fails with
// ErrInsufficientFunds without changing anything.
func (s *State) Reserve(asset string, amount decimal.Decimal) (*Reservation, error) {
	asset = normalize(asset)

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(asset)
	if amount.GreaterThan(b.Free) {
		s.logger.Debug("Reservation refused",
			zap.String("asset", asset),
			zap.String("requested", amount.String()),
			zap.String("free", b.Free.String()))
		return nil, ErrInsufficientFunds
	}
	b.Free = b.Free.Sub(amount)
	b.Used = b.Used.Add(amount)
	return &Reservation{Asset: asset, Amount: amount}, nil
}

// Release returns a reservation to the free balance. Releasing twice, or
// releasing a settled reservation, is a no-op.
func (s *State) Release(r *Reservation) {
	if r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	b := s.balance(r.Asset)
	b.Used = b.Used.Sub(r.Amount)
	b.Free = b.Free.Add(r.Amount)
}

// Settle consumes a reservation after a confirmed fill: spent is deducted
// from the reserved asset (any remainder returns to free) and credit is
// added to creditAsset.
func (s *State) Settle(r *Reservation, spent decimal.Decimal, creditAsset string, credit decimal.Decimal) {
	if r == nil {
		return
	}
	creditAsset = normalize(creditAsset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	b := s.balance(r.Asset)
	b.Used = b.Used.Sub(r.Amount)
	b.Free = b.Free.Add(r.Amount.Sub(spent))

	c := s.balance(creditAsset)
	c.Free = c.Free.Add(credit)

	s.logger.Debug("Reservation settled",
		zap.String("asset", r.Asset),
		zap.String("reserved", r.Amount.String()),
		zap.String("spent", spent.String()),
		zap.String("credit_asset", creditAsset),
		zap.String("credit", credit.String()))
}

// Sync replaces the free balances with exchange-reported values, keeping
// outstanding reservations in place.
func (s *State) Sync(free map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for asset, amount := range free {
		b := s.balance(normalize(asset))
		b.Free = amount.Sub(b.Used)
	}
}

// Snapshot returns a copy of every asset balance.
func (s *State) Snapshot() map[string]Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Balance, len(s.assets))
	for asset, b := range s.assets {
		out[asset] = *b
	}
	return out
}

// View returns the balances of one base/quote pair.
func (s *State) View(base, quote string) View {
	base, quote = normalize(base), normalize(quote)
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{Base: base, Quote: quote}
	if b, ok := s.assets[base]; ok {
		v.BaseFree, v.BaseUsed = b.Free, b.Used
	}
	if q, ok := s.assets[quote]; ok {
		v.QuoteFree, v.QuoteUsed = q.Free, q.Used
	}
	return v
}

// Adjust adds delta (which may be negative) to the free balance of asset.
// It is used to replay already-settled fills into a fresh paper account.
func (s *State) Adjust(asset string, delta decimal.Decimal) {
	asset = normalize(asset)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(asset)
	b.Free = b.Free.Add(delta)
}
