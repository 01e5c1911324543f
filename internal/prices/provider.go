package prices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNoQuote = errors.New("no price quote available")

// Quote is an exchange rate observation: how many assets one share is worth.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Source defines the interface for exchange-rate sources
type Source interface {
	// Current returns the latest known quote
	Current(ctx context.Context) (Quote, error)

	// Name returns the source identifier
	Name() string
}

// Health represents the current status of a source
type Health struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Failures    int       `json:"failures"`
}

// Static serves a fixed price until it is replaced with Set.
type Static struct {
	mu    sync.RWMutex
	price decimal.Decimal
	at    time.Time
	now   func() time.Time
}

func NewStatic(price decimal.Decimal) *Static {
	return &Static{price: price, now: time.Now}
}

func (s *Static) Name() string { return "static" }

// Set replaces the price. A zero at means the quote is always reported as fresh.
func (s *Static) Set(price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.at = at
}

func (s *Static) Current(_ context.Context) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.price.IsPositive() {
		return Quote{}, ErrNoQuote
	}
	ts := s.at
	if ts.IsZero() {
		ts = s.now()
	}
	return Quote{Price: s.price, Timestamp: ts, Source: s.Name()}, nil
}
