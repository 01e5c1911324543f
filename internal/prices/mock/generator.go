package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Generator provides a drifting exchange rate for development environments
type Generator struct {
	logger     *zap.SugaredLogger
	mu         sync.Mutex
	basePrice  float64
	current    float64
	volatility float64
	rng        *rand.Rand
}

// NewGenerator creates a new mock rate generator
func NewGenerator(logger *zap.SugaredLogger, basePrice, volatility float64, seed int64) *Generator {
	if basePrice <= 0 {
		basePrice = 1.00
	}
	if volatility <= 0 {
		volatility = 0.002 // 0.2% volatility
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Generator{
		logger:     logger,
		basePrice:  basePrice,
		current:    basePrice,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Name returns the source identifier
func (g *Generator) Name() string {
	return "mock"
}

// Current advances the random walk one step and returns the new rate
func (g *Generator) Current(_ context.Context) (prices.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current *= 1 + g.generatePriceChange()

	// Keep the rate within ±50% of base
	minPrice := g.basePrice * 0.5
	maxPrice := g.basePrice * 1.5
	if g.current < minPrice {
		g.current = minPrice
	} else if g.current > maxPrice {
		g.current = maxPrice
	}

	price := decimal.NewFromFloat(g.current).Round(8)
	g.logger.Debugw("Generated mock rate", "price", price, "base", g.basePrice)

	return prices.Quote{Price: price, Timestamp: time.Now(), Source: g.Name()}, nil
}

// generatePriceChange creates a bounded random movement
func (g *Generator) generatePriceChange() float64 {
	baseChange := g.rng.NormFloat64() * g.volatility

	if g.rng.Float64() < 0.1 { // 10% chance of trend
		trend := (g.rng.Float64() - 0.5) * g.volatility * 2
		baseChange += trend
	}

	maxChange := g.volatility * 5
	if baseChange > maxChange {
		baseChange = maxChange
	} else if baseChange < -maxChange {
		baseChange = -maxChange
	}

	return baseChange
}
