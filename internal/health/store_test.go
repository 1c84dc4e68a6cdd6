package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftforge/genqueue/internal/provider"
)

func setupTestStore(t *testing.T, providers ...string) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if len(providers) == 0 {
		providers = []string{"alpha"}
	}
	return NewStore(client, providers, DefaultOptions()), mr
}

func TestRecordSuccess(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 120, 8.0))
	require.NoError(t, store.RecordSuccess(ctx, "alpha", 80, 9.0))

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessfulRequests)
	assert.Equal(t, int64(0), snap.FailedRequests)
	assert.Equal(t, int64(0), snap.ConsecutiveFailures)
	assert.InDelta(t, 100.0, snap.AvgResponseTimeMs, 1e-9)
	assert.Equal(t, int64(80), snap.ResponseTimeMinMs)
	assert.Equal(t, int64(120), snap.ResponseTimeMaxMs)
	assert.InDelta(t, 8.5, snap.AvgQualityScore, 1e-9)
	assert.InDelta(t, 1.0, snap.SuccessRate, 1e-9)
	assert.Equal(t, LevelHealthy, snap.Level)
	assert.True(t, snap.Available)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestRecordFailure(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	streak, err := store.RecordFailure(ctx, "alpha", provider.KindServerError)
	require.NoError(t, err)
	assert.Equal(t, int64(1), streak)

	streak, err = store.RecordFailure(ctx, "alpha", provider.KindRateLimited)
	require.NoError(t, err)
	assert.Equal(t, int64(2), streak)

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.FailedRequests)
	assert.Equal(t, int64(2), snap.ConsecutiveFailures)
	assert.Equal(t, int64(1), snap.ErrorKinds["server_error"])
	assert.Equal(t, int64(1), snap.ErrorKinds["rate_limited"])
	assert.NotNil(t, snap.LastFailureAt)
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.RecordFailure(ctx, "alpha", provider.KindTimeout)
		require.NoError(t, err)

		snap, err := store.Snapshot(ctx, "alpha")
		require.NoError(t, err)
		assert.False(t, snap.CircuitOpen, "breaker must stay closed below threshold")
	}

	streak, err := store.RecordFailure(ctx, "alpha", provider.KindTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(5), streak)

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, snap.CircuitOpen)
	assert.False(t, snap.Available)
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.RecordFailure(ctx, "alpha", provider.KindServerError)
		require.NoError(t, err)
	}

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 7.0))

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ConsecutiveFailures)
	assert.False(t, snap.CircuitOpen)
}

func TestHealthLevels(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		level     Level
	}{
		{"no traffic is healthy", 0, 0, LevelHealthy},
		{"under 10 percent errors", 95, 5, LevelHealthy},
		{"under 30 percent errors", 80, 20, LevelDegraded},
		{"under 60 percent errors", 50, 50, LevelUnhealthy},
		{"over 60 percent errors", 20, 80, LevelDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := setupTestStore(t)
			ctx := context.Background()

			for i := 0; i < tt.successes; i++ {
				require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
			}
			for i := 0; i < tt.failures; i++ {
				_, err := store.RecordFailure(ctx, "alpha", provider.KindServerError)
				require.NoError(t, err)
				// Keep the breaker out of the picture.
				if (i+1)%4 == 0 && tt.successes > 0 {
					require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
				}
			}

			snap, err := store.Snapshot(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, tt.level, snap.Level)
		})
	}
}

func TestDownLevelMakesUnavailable(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// High error rate with the streak broken by successes, so the
	// breaker stays closed but the level reaches down.
	for i := 0; i < 8; i++ {
		_, err := store.RecordFailure(ctx, "alpha", provider.KindServerError)
		require.NoError(t, err)
		if i%3 == 2 {
			require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
		}
	}

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, LevelDown, snap.Level)
	assert.False(t, snap.CircuitOpen)
	assert.False(t, snap.Available)
}

func TestRecordFallback(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordFallback(ctx, "alpha"))
	require.NoError(t, store.RecordFallback(ctx, "alpha"))

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.FallbackRequests)
}

func TestRecomputeHealth(t *testing.T) {
	store, mr := setupTestStore(t, "alpha", "beta")
	ctx := context.Background()

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
	for i := 0; i < 3; i++ {
		_, err := store.RecordFailure(ctx, "beta", provider.KindServerError)
		require.NoError(t, err)
	}

	levels, err := store.RecomputeHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, LevelHealthy, levels["alpha"])
	assert.Equal(t, LevelDown, levels["beta"])

	assert.Equal(t, "healthy", mr.HGet("health:stats:alpha", "health_level"))
	assert.Equal(t, "down", mr.HGet("health:stats:beta", "health_level"))
}

func TestRollupWindows(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
	_, err := store.RecordFailure(ctx, "alpha", provider.KindTimeout)
	require.NoError(t, err)

	hourly, err := store.HourlyStats(ctx, "alpha", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hourly.TotalRequests)
	assert.Equal(t, int64(1), hourly.SuccessfulRequests)
	assert.Equal(t, int64(1), hourly.FailedRequests)

	daily, err := store.DailyStats(ctx, "alpha", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), daily.TotalRequests)

	// Window keys carry a TTL so retention expiry resets them.
	hk := "health:stats:alpha:h:" + now.UTC().Format("2006010215")
	assert.Greater(t, mr.TTL(hk), time.Duration(0))
}

func TestRetentionExpiryResetsCounters(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 100, 8.0))
	mr.FastForward(8 * 24 * time.Hour)

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.TotalRequests)
	assert.Equal(t, LevelHealthy, snap.Level)
}

func TestTouch(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Touch(ctx, "alpha"))

	snap, err := store.Snapshot(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, snap.LastCheckedAt)
	assert.WithinDuration(t, time.Now(), *snap.LastCheckedAt, 5*time.Second)
	assert.Equal(t, int64(0), snap.TotalRequests)
}
