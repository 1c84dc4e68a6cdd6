package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	j, err := NewJob("user-1", "blog_post", map[string]any{"topic": "go"}, PriorityStandard, 0, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "user-1", j.OwnerID)
	assert.Equal(t, "blog_post", j.ContentType)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, PriorityStandard, j.Priority)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
	assert.Equal(t, 0, j.RetryCount)
	assert.Nil(t, j.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), j.ExpiresAt, 5*time.Second)
}

func TestNewJob_EmptyParams(t *testing.T) {
	_, err := NewJob("user-1", "blog_post", nil, PriorityStandard, 3, time.Hour)
	assert.ErrorIs(t, err, ErrEmptyParams)

	_, err = NewJob("user-1", "blog_post", map[string]any{}, PriorityStandard, 3, time.Hour)
	assert.ErrorIs(t, err, ErrEmptyParams)
}

func TestNewJob_CustomRetriesAndTTL(t *testing.T) {
	j, err := NewJob("user-1", "ad_copy", map[string]any{"product": "x"}, PriorityPremium, 5, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 5, j.MaxRetries)
	assert.WithinDuration(t, time.Now().Add(time.Hour), j.ExpiresAt, 5*time.Second)
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		j := &Job{Status: s}
		assert.True(t, j.IsTerminal(), "status %s should be terminal", s)
	}

	for _, s := range []Status{StatusQueued, StatusProcessing} {
		j := &Job{Status: s}
		assert.False(t, j.IsTerminal(), "status %s should not be terminal", s)
	}
}

func TestRetriesRemaining(t *testing.T) {
	j := &Job{RetryCount: 1, MaxRetries: 3}
	assert.True(t, j.RetriesRemaining())

	// The third failure is terminal, so no retry remains at count 2.
	j.RetryCount = 2
	assert.False(t, j.RetriesRemaining())
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityPremium), int(PriorityStandard))
	assert.Less(t, int(PriorityStandard), int(PriorityBatch))
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "premium", PriorityPremium.String())
	assert.Equal(t, "standard", PriorityStandard.String())
	assert.Equal(t, "batch", PriorityBatch.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 60*time.Second, Backoff(2))
	assert.Equal(t, 120*time.Second, Backoff(3))
	assert.Equal(t, 30*time.Second, Backoff(0))
}
