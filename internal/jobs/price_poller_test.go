package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leafsii/leafsii-vault/internal/prices"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Name() string { return "mock-source" }

func (m *mockSource) Current(ctx context.Context) (prices.Quote, error) {
	args := m.Called(ctx)
	return args.Get(0).(prices.Quote), args.Error(1)
}

func TestPricePollerKeepsLastQuoteOnFailure(t *testing.T) {
	src := &mockSource{}
	good := prices.Quote{Price: decimal.NewFromInt(2), Timestamp: time.Unix(100, 0), Source: "mock-source"}
	src.On("Current", mock.Anything).Return(good, nil).Once()
	src.On("Current", mock.Anything).Return(prices.Quote{}, errors.New("upstream down")).Once()

	p := NewPricePoller(src, zap.NewNop().Sugar(), PricePollerConfig{})

	_, err := p.Current(context.Background())
	require.ErrorIs(t, err, prices.ErrNoQuote)

	require.NoError(t, p.Refresh(context.Background()))
	q, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good, q)
	assert.True(t, p.Health().Healthy)

	require.Error(t, p.Refresh(context.Background()))
	q, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good, q)
	assert.False(t, p.Health().Healthy)
	assert.Equal(t, 1, p.Health().Failures)

	src.AssertExpectations(t)
}

func TestPricePollerStartStopsOnCancel(t *testing.T) {
	src := prices.NewStatic(decimal.NewFromInt(1))
	p := NewPricePoller(src, zap.NewNop().Sugar(), PricePollerConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := p.Current(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
