package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source fetches the exchange rate from an HTTP endpoint returning
// {"price": "<decimal>", "timestamp": <unix seconds, optional>}.
type Source struct {
	url    string
	logger *zap.SugaredLogger
	client *http.Client
	group  singleflight.Group

	mu     sync.RWMutex
	health prices.Health
}

// NewSource creates a new HTTP rate source
func NewSource(url string, logger *zap.SugaredLogger) *Source {
	return &Source{
		url:    url,
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the source identifier
func (s *Source) Name() string {
	return "rest"
}

// Health returns current source health status
func (s *Source) Health() prices.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *Source) updateHealth(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.health.Healthy = true
		s.health.LastSuccess = time.Now()
		s.health.LastError = ""
		s.health.Failures = 0
		return
	}
	s.health.Healthy = false
	s.health.LastError = err.Error()
	s.health.Failures++
}

// Current fetches the rate. Concurrent callers share one in-flight request.
func (s *Source) Current(ctx context.Context) (prices.Quote, error) {
	v, err, _ := s.group.Do(s.url, func() (interface{}, error) {
		q, err := s.fetch(ctx)
		s.updateHealth(err)
		return q, err
	})
	if err != nil {
		s.logger.Warnw("Rate fetch failed", "url", s.url, "error", err)
		return prices.Quote{}, err
	}
	return v.(prices.Quote), nil
}

func (s *Source) fetch(ctx context.Context) (prices.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return prices.Quote{}, fmt.Errorf("build price request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return prices.Quote{}, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return prices.Quote{}, fmt.Errorf("price request returned %d", resp.StatusCode)
	}

	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return prices.Quote{}, fmt.Errorf("decode price response: %w", err)
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return prices.Quote{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.GreaterThan(decimal.Zero) {
		return prices.Quote{}, fmt.Errorf("invalid price %s", payload.Price)
	}

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}

	return prices.Quote{Price: price, Timestamp: ts, Source: s.Name()}, nil
}
