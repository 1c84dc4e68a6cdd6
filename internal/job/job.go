// Package job defines the content-generation job domain model shared by the
// repository, dispatcher, and API layers. It contains job metadata, status and
// priority definitions, and the retry backoff policy.
package job

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
)

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Lower value is claimed first; premium jobs always jump the queue.
const (
	PriorityPremium Priority = iota
	PriorityStandard
	PriorityBatch
)

const (
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
)

var ErrEmptyParams = errors.New("request params must not be empty")

type Job struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	ContentType      string         `json:"content_type"`
	RequestParams    map[string]any `json:"request_params"`
	Priority         Priority       `json:"priority"`
	Status           Status         `json:"status"`
	ProviderUsed     string         `json:"provider_used,omitempty"`
	ModelUsed        string         `json:"model_used,omitempty"`
	ResultContent    string         `json:"result_content,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorDetails     map[string]any `json:"error_details,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	ExpiresAt        time.Time      `json:"expires_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	TokensUsed       int            `json:"tokens_used,omitempty"`
	GenerationCost   float64        `json:"generation_cost,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewJob builds a queued job. maxRetries and ttl fall back to defaults when
// non-positive. Enqueueing with an empty params payload is rejected here so
// it never reaches the queue.
func NewJob(ownerID, contentType string, params map[string]any, priority Priority, maxRetries int, ttl time.Duration) (*Job, error) {
	if len(params) == 0 {
		return nil, ErrEmptyParams
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	return &Job{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		ContentType:   contentType,
		RequestParams: params,
		Priority:      priority,
		Status:        StatusQueued,
		RetryCount:    0,
		MaxRetries:    maxRetries,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal reports whether the job can no longer transition to another state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// RetriesRemaining reports whether another attempt is allowed after a
// failure. The failure itself consumes a retry, so the last permitted
// attempt fails terminally instead of requeueing.
func (j *Job) RetriesRemaining() bool {
	return j.RetryCount+1 < j.MaxRetries
}

func (p Priority) String() string {
	switch p {
	case PriorityPremium:
		return "premium"
	case PriorityStandard:
		return "standard"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}
