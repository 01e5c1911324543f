package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGeneratorStaysInBand(t *testing.T) {
	g := NewGenerator(zap.NewNop().Sugar(), 2.0, 0.05, 42)

	lower := decimal.NewFromFloat(1.0)
	upper := decimal.NewFromFloat(3.0)
	for i := 0; i < 500; i++ {
		q, err := g.Current(context.Background())
		require.NoError(t, err)
		assert.True(t, q.Price.GreaterThanOrEqual(lower), "price %s below band", q.Price)
		assert.True(t, q.Price.LessThanOrEqual(upper), "price %s above band", q.Price)
		assert.Equal(t, "mock", q.Source)
	}
}

func TestGeneratorDefaults(t *testing.T) {
	g := NewGenerator(zap.NewNop().Sugar(), 0, 0, 1)
	q, err := g.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Price.IsPositive())
}
