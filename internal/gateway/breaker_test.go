package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerAllowsUnderLimit(t *testing.T) {
	store := NewMemoryBreakerStore()
	b := NewBreaker(store, BreakerConfig{MaxRequestsPerWindow: 3, WindowMs: 10_000, PauseDurationMs: 60_000}, nil)

	for i := 0; i < 3; i++ {
		trip, err := b.Allow(context.Background(), "tenant-1", "bot-1")
		require.NoError(t, err)
		require.Nil(t, trip)
	}
}

func TestBreakerTripsOverLimitAndFiresOnTripOnce(t *testing.T) {
	store := NewMemoryBreakerStore()
	fired := 0
	b := NewBreaker(store, BreakerConfig{MaxRequestsPerWindow: 2, WindowMs: 10_000, PauseDurationMs: 60_000}, func(tenant, instanceID string, count int64) {
		fired++
	})

	for i := 0; i < 2; i++ {
		trip, err := b.Allow(context.Background(), "tenant-1", "bot-1")
		require.NoError(t, err)
		require.Nil(t, trip)
	}

	trip, err := b.Allow(context.Background(), "tenant-1", "bot-1")
	require.NoError(t, err)
	require.NotNil(t, trip)
	require.Equal(t, 1, fired)

	// A second rejected call while still tripped must not re-fire onTrip.
	trip2, err := b.Allow(context.Background(), "tenant-1", "bot-1")
	require.NoError(t, err)
	require.NotNil(t, trip2)
	require.Equal(t, 1, fired)
}

func TestBreakerResetsAfterPauseDuration(t *testing.T) {
	store := NewMemoryBreakerStore()
	b := NewBreaker(store, BreakerConfig{MaxRequestsPerWindow: 1, WindowMs: 10_000, PauseDurationMs: 1000}, nil)

	now := time.Now()
	b.clock = func() time.Time { return now }

	_, err := b.Allow(context.Background(), "tenant-1", "bot-1")
	require.NoError(t, err)
	trip, err := b.Allow(context.Background(), "tenant-1", "bot-1")
	require.NoError(t, err)
	require.NotNil(t, trip)

	b.clock = func() time.Time { return now.Add(2 * time.Second) }
	trip, err = b.Allow(context.Background(), "tenant-1", "bot-1")
	require.NoError(t, err)
	require.Nil(t, trip)
}

func TestBreakerFallsBackToTenantKeyWhenInstanceEmpty(t *testing.T) {
	store := NewMemoryBreakerStore()
	b := NewBreaker(store, DefaultBreakerConfig(), nil)

	_, err := b.Allow(context.Background(), "tenant-1", "")
	require.NoError(t, err)

	state, err := store.Get(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, state)
}
