package repository

import (
	"context"
	"errors"
	"time"

	"github.com/draftforge/genqueue/internal/job"
)

var (
	// ErrJobNotFound means no job exists with the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotProcessing means a terminal transition found the job no longer
	// in processing — it was cancelled, reaped, or resolved by someone
	// else. The caller must discard its result instead of overwriting.
	ErrNotProcessing = errors.New("job is not processing")
)

// CompletionResult carries everything a successful generation writes back.
type CompletionResult struct {
	Content          string
	Provider         string
	Model            string
	ProcessingTimeMs int64
	TokensUsed       int
	GenerationCost   float64
}

// QueueStatistics aggregates queue state for operators.
type QueueStatistics struct {
	ByStatus            map[job.Status]int `json:"by_status"`
	QueuedByPriority    map[string]int     `json:"queued_by_priority"`
	AvgProcessingTimeMs float64            `json:"avg_processing_time_ms"`
}

// ReapResult reports what a timeout sweep did.
type ReapResult struct {
	Requeued int64
	Failed   int64
}

type JobRepository interface {
	Enqueue(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// ClaimNextBatch atomically moves up to limit eligible queued jobs to
	// processing and returns them. Eligible means next_retry_at is unset
	// or due and expires_at has not passed; ordering is priority then
	// created_at. The transition is a
	// conditional update, so a job claimed here can never be claimed by
	// a second dispatcher.
	ClaimNextBatch(ctx context.Context, limit int) ([]*job.Job, error)

	CompleteJob(ctx context.Context, id string, res CompletionResult) error

	// FailJob terminally fails a processing job without touching its retry
	// accounting (used when no provider could be attempted at all).
	FailJob(ctx context.Context, id, providerUsed, errMsg string, details map[string]any) error

	// ResolveFailure applies the retry policy after a failed attempt in a
	// single conditional update: it increments retry_count, then requeues
	// the job with nextRetryAt while retries remain or terminally fails it
	// on the final one. Returns the resulting status.
	ResolveFailure(ctx context.Context, id, providerUsed, errMsg string, details map[string]any, nextRetryAt time.Time) (job.Status, error)

	// CancelJob moves a queued or processing job to cancelled. Calling it
	// on a job already in a terminal state is a no-op that reports the
	// current status.
	CancelJob(ctx context.Context, id string) (job.Status, error)

	// ReapTimedOut requeues or terminally fails jobs stuck in processing
	// longer than timeout, using the same retry accounting as a provider
	// failure.
	ReapTimedOut(ctx context.Context, timeout time.Duration) (ReapResult, error)

	// ReapExpired marks every non-terminal job past its expires_at as
	// expired and returns how many it touched.
	ReapExpired(ctx context.Context) (int64, error)

	// DeleteTerminalBefore removes terminal jobs last updated before the
	// cutoff (retention cleanup).
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	QueueStatistics(ctx context.Context) (*QueueStatistics, error)
	Close() error
}
