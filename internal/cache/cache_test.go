package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umspos/backend/internal/domain"
)

func TestNoopDashboardCacheAlwaysMisses(t *testing.T) {
	var c DashboardCache = NoopDashboardCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, DashboardKey, &domain.DashboardSummary{ActiveAgents: 3}, time.Minute))
	got, ok, err := c.Get(ctx, DashboardKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, DashboardKey))
}

func TestRedisDashboardCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("UMSPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set UMSPOS_TEST_REDIS_ADDR to run redis integration test")
	}

	client := NewRedisClient(addr, "", 0)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisDashboardCache(client)
	ctx := context.Background()
	key := DashboardKey + ":test"
	require.NoError(t, c.Ping(ctx))

	summary := &domain.DashboardSummary{
		ByState:      map[domain.MeterState]int{domain.StateInStock: 12},
		ActiveAgents: 2,
	}
	require.NoError(t, c.Set(ctx, key, summary, time.Minute))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, got.ByState[domain.StateInStock])

	require.NoError(t, c.Delete(ctx, key))
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
