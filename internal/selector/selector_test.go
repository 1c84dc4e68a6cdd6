package selector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/provider"
)

func setupSelector(t *testing.T, adapters ...provider.Adapter) (*Selector, *health.Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := provider.NewRegistry()
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
		names = append(names, a.Name())
	}

	store := health.NewStore(client, names, health.DefaultOptions())
	return New(registry, store, DefaultWeights()), store
}

func recordSuccesses(t *testing.T, store *health.Store, name string, n int, responseMs int64, quality float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.RecordSuccess(context.Background(), name, responseMs, quality))
	}
}

func recordFailures(t *testing.T, store *health.Store, name string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.RecordFailure(context.Background(), name, provider.KindServerError)
		require.NoError(t, err)
	}
}

func TestSelectPrefersHigherSuccessRate(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	b := NewFake(t, "prov-b", 0.001)
	sel, store := setupSelector(t, a, b)

	// A at 50% success, B at 95%; equal cost, quality, and speed.
	// Failures are interleaved so neither breaker opens.
	for i := 0; i < 10; i++ {
		recordFailures(t, store, "prov-a", 1)
		require.NoError(t, store.RecordSuccess(context.Background(), "prov-a", 100, 8.0))
	}
	for i := 0; i < 5; i++ {
		recordSuccesses(t, store, "prov-b", 19, 100, 8.0)
		recordFailures(t, store, "prov-b", 1)
	}
	require.NoError(t, store.RecordSuccess(context.Background(), "prov-b", 100, 8.0))

	picked, err := sel.Select(context.Background(), "blog_post", nil)
	require.NoError(t, err)
	assert.Equal(t, "prov-b", picked.Name())
}

func TestSelectSkipsOpenCircuit(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	b := NewFake(t, "prov-b", 0.01)
	sel, store := setupSelector(t, a, b)

	// A is cheaper but its breaker is open.
	recordFailures(t, store, "prov-a", 5)
	recordSuccesses(t, store, "prov-b", 5, 100, 8.0)

	picked, err := sel.Select(context.Background(), "blog_post", nil)
	require.NoError(t, err)
	assert.Equal(t, "prov-b", picked.Name())
}

func TestSelectSkipsDownProvider(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	b := NewFake(t, "prov-b", 0.01)
	sel, store := setupSelector(t, a, b)

	// A has a 75% error rate with the streak kept under the breaker
	// threshold, so it is down but not circuit-open.
	for i := 0; i < 3; i++ {
		recordFailures(t, store, "prov-a", 3)
		require.NoError(t, store.RecordSuccess(context.Background(), "prov-a", 100, 8.0))
	}
	recordSuccesses(t, store, "prov-b", 5, 100, 8.0)

	picked, err := sel.Select(context.Background(), "blog_post", nil)
	require.NoError(t, err)
	assert.Equal(t, "prov-b", picked.Name())
}

func TestSelectHonorsExclusions(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	b := NewFake(t, "prov-b", 0.01)
	sel, store := setupSelector(t, a, b)

	recordSuccesses(t, store, "prov-a", 5, 100, 8.0)
	recordSuccesses(t, store, "prov-b", 5, 100, 8.0)

	picked, err := sel.Select(context.Background(), "blog_post", map[string]bool{"prov-a": true})
	require.NoError(t, err)
	assert.Equal(t, "prov-b", picked.Name())
}

func TestSelectNoProviderAvailable(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	sel, store := setupSelector(t, a)

	recordFailures(t, store, "prov-a", 5)

	_, err := sel.Select(context.Background(), "blog_post", nil)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestSelectUnsupportedContentType(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	sel, _ := setupSelector(t, a)

	_, err := sel.Select(context.Background(), "video_script", nil)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestSelectPrefersCheaperProvider(t *testing.T) {
	a := NewFake(t, "prov-a", 0.01)
	b := NewFake(t, "prov-b", 0.001)
	sel, store := setupSelector(t, a, b)

	// Identical health; cost carries the largest weight.
	recordSuccesses(t, store, "prov-a", 10, 100, 8.0)
	recordSuccesses(t, store, "prov-b", 10, 100, 8.0)

	picked, err := sel.Select(context.Background(), "blog_post", nil)
	require.NoError(t, err)
	assert.Equal(t, "prov-b", picked.Name())
}

func TestSelectTieBreakRegistrationOrder(t *testing.T) {
	a := NewFake(t, "prov-a", 0.001)
	b := NewFake(t, "prov-b", 0.001)
	sel, store := setupSelector(t, a, b)

	recordSuccesses(t, store, "prov-a", 10, 100, 8.0)
	recordSuccesses(t, store, "prov-b", 10, 100, 8.0)

	picked, err := sel.Select(context.Background(), "blog_post", nil)
	require.NoError(t, err)
	assert.Equal(t, "prov-a", picked.Name())
}

func NewFake(t *testing.T, name string, costPerToken float64) *provider.FakeAdapter {
	t.Helper()
	f := provider.NewFakeAdapter(name, "blog_post")
	f.TokenCost = costPerToken
	return f
}
