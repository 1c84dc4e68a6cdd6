package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftforge/genqueue/internal/job"
)

// MockJobRepository is an in-memory JobRepository for tests. The claim path
// runs under the mutex, so it keeps the single-winner guarantee the real
// store gets from its conditional update.
type MockJobRepository struct {
	mu    sync.Mutex
	jobs  map[string]*job.Job
	order map[string]int
	seq   int

	EnqueueCalls  int
	ClaimCalls    int
	CompleteCalls int
	FailCalls     int
	ResolveCalls  int
	CancelCalls   int

	EnqueueError error
	ClaimError   error
	StatsError   error

	// Now is swappable so reaper tests can move the clock.
	Now func() time.Time
}

func NewMockJobRepository() *MockJobRepository {
	return &MockJobRepository{
		jobs:  make(map[string]*job.Job),
		order: make(map[string]int),
		Now:   time.Now,
	}
}

func (m *MockJobRepository) Enqueue(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnqueueCalls++
	if m.EnqueueError != nil {
		return m.EnqueueError
	}
	if len(j.RequestParams) == 0 {
		return job.ErrEmptyParams
	}

	stored := *j
	m.jobs[j.ID] = &stored
	m.order[j.ID] = m.seq
	m.seq++
	return nil
}

func (m *MockJobRepository) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MockJobRepository) ClaimNextBatch(ctx context.Context, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ClaimCalls++
	if m.ClaimError != nil {
		return nil, m.ClaimError
	}
	if limit <= 0 {
		return nil, nil
	}

	now := m.Now()
	var eligible []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		// Expired jobs are the reaper's to resolve, never dispatched.
		if !j.ExpiresAt.After(now) {
			continue
		}
		eligible = append(eligible, j)
	}

	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority < eligible[b].Priority
		}
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return m.order[eligible[a].ID] < m.order[eligible[b].ID]
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*job.Job, 0, len(eligible))
	for _, j := range eligible {
		started := now
		j.Status = job.StatusProcessing
		j.StartedAt = &started
		j.UpdatedAt = now

		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MockJobRepository) CompleteJob(ctx context.Context, id string, res CompletionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls++
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return ErrNotProcessing
	}

	now := m.Now()
	j.Status = job.StatusCompleted
	j.ResultContent = res.Content
	j.ProviderUsed = res.Provider
	j.ModelUsed = res.Model
	j.ProcessingTimeMs = res.ProcessingTimeMs
	j.TokensUsed = res.TokensUsed
	j.GenerationCost = res.GenerationCost
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MockJobRepository) FailJob(ctx context.Context, id, providerUsed, errMsg string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailCalls++
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return ErrNotProcessing
	}

	now := m.Now()
	j.Status = job.StatusFailed
	j.ErrorMessage = errMsg
	j.ErrorDetails = details
	if providerUsed != "" {
		j.ProviderUsed = providerUsed
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *MockJobRepository) ResolveFailure(ctx context.Context, id, providerUsed, errMsg string, details map[string]any, nextRetryAt time.Time) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResolveCalls++
	j, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return "", ErrNotProcessing
	}

	now := m.Now()
	j.RetryCount++
	j.ProviderUsed = providerUsed
	j.ErrorMessage = errMsg
	j.UpdatedAt = now

	if j.RetryCount < j.MaxRetries {
		j.Status = job.StatusQueued
		j.NextRetryAt = &nextRetryAt
		j.StartedAt = nil
	} else {
		j.Status = job.StatusFailed
		j.ErrorDetails = details
		j.CompletedAt = &now
	}
	return j.Status, nil
}

func (m *MockJobRepository) CancelJob(ctx context.Context, id string) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	j, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	if j.IsTerminal() {
		return j.Status, nil
	}

	now := m.Now()
	j.Status = job.StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return job.StatusCancelled, nil
}

func (m *MockJobRepository) ReapTimedOut(ctx context.Context, timeout time.Duration) (ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReapResult
	now := m.Now()
	cutoff := now.Add(-timeout)

	for _, j := range m.jobs {
		if j.Status != job.StatusProcessing || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}

		j.RetryCount++
		if j.RetryCount < j.MaxRetries {
			next := now.Add(job.Backoff(j.RetryCount))
			j.Status = job.StatusQueued
			j.NextRetryAt = &next
			j.ErrorMessage = "processing timed out"
			j.StartedAt = nil
			res.Requeued++
		} else {
			j.Status = job.StatusFailed
			j.ErrorMessage = "processing timed out after exhausting retries"
			j.CompletedAt = &now
			res.Failed++
		}
		j.UpdatedAt = now
	}
	return res, nil
}

func (m *MockJobRepository) ReapExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := m.Now()
	for _, j := range m.jobs {
		if j.IsTerminal() || j.ExpiresAt.After(now) {
			continue
		}
		j.Status = job.StatusExpired
		j.CompletedAt = &now
		j.UpdatedAt = now
		count++
	}
	return count, nil
}

func (m *MockJobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, j := range m.jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.order, id)
			count++
		}
	}
	return count, nil
}

func (m *MockJobRepository) QueueStatistics(ctx context.Context) (*QueueStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return nil, m.StatsError
	}

	stats := &QueueStatistics{
		ByStatus:         make(map[job.Status]int),
		QueuedByPriority: make(map[string]int),
	}

	var totalMs int64
	var completed int
	for _, j := range m.jobs {
		stats.ByStatus[j.Status]++
		if j.Status == job.StatusQueued {
			stats.QueuedByPriority[j.Priority.String()]++
		}
		if j.Status == job.StatusCompleted {
			totalMs += j.ProcessingTimeMs
			completed++
		}
	}
	if completed > 0 {
		stats.AvgProcessingTimeMs = float64(totalMs) / float64(completed)
	}
	return stats, nil
}

func (m *MockJobRepository) Close() error { return nil }

// JobStatus reports the stored status for assertions.
func (m *MockJobRepository) JobStatus(id string) (job.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return "", false
	}
	return j.Status, true
}
