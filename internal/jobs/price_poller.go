package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/leafsii/leafsii-vault/internal/prices"
	"go.uber.org/zap"
)

type PricePollerConfig struct {
	Interval time.Duration // How often to refresh the rate
	Timeout  time.Duration // Per-fetch timeout
}

// DefaultPricePollerConfig returns a reasonable default configuration
func DefaultPricePollerConfig() PricePollerConfig {
	return PricePollerConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// PricePoller keeps the latest quote of a slow source in memory. It is itself
// a prices.Source, so readers never wait on the network. A failed refresh
// keeps the previous quote; consumers detect staleness from its timestamp.
type PricePoller struct {
	source prices.Source
	logger *zap.SugaredLogger
	config PricePollerConfig

	mu     sync.RWMutex
	latest *prices.Quote
	health prices.Health
}

func NewPricePoller(source prices.Source, logger *zap.SugaredLogger, config PricePollerConfig) *PricePoller {
	if config.Interval <= 0 {
		config.Interval = DefaultPricePollerConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultPricePollerConfig().Timeout
	}
	return &PricePoller{source: source, logger: logger, config: config}
}

func (p *PricePoller) Name() string { return p.source.Name() }

func (p *PricePoller) Current(_ context.Context) (prices.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return prices.Quote{}, prices.ErrNoQuote
	}
	return *p.latest, nil
}

func (p *PricePoller) Health() prices.Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Refresh fetches one quote from the underlying source.
func (p *PricePoller) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	q, err := p.source.Current(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.health.Healthy = false
		p.health.LastError = err.Error()
		p.health.Failures++
		p.logger.Warnw("Rate refresh failed",
			"source", p.source.Name(),
			"failures", p.health.Failures,
			"error", err,
		)
		return err
	}

	p.latest = &q
	p.health = prices.Health{Healthy: true, LastSuccess: time.Now()}
	p.logger.Debugw("Rate refreshed", "source", q.Source, "price", q.Price, "asOf", q.Timestamp)
	return nil
}

// Start refreshes immediately and then on every interval until ctx is done.
func (p *PricePoller) Start(ctx context.Context) error {
	p.logger.Infow("Starting price poller", "source", p.source.Name(), "interval", p.config.Interval)
	_ = p.Refresh(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Price poller stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}
