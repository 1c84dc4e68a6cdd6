// Package repository provides PostgreSQL persistence for content-generation
// jobs: the durable queue, the atomic claim path, and terminal-state
// transitions.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/draftforge/genqueue/internal/job"
)

type PostgresJobRepository struct {
	db *sql.DB
}

func NewPostgresJobRepository(connectionString string) (*PostgresJobRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresJobRepository{db: db}, nil
}

// InitSchema creates the jobs table and indexes if they do not exist.
func (r *PostgresJobRepository) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		request_params JSONB NOT NULL,
		priority SMALLINT NOT NULL,
		status TEXT NOT NULL,
		provider_used TEXT,
		model_used TEXT,
		result_content TEXT,
		error_message TEXT,
		error_details JSONB,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		processing_time_ms BIGINT,
		tokens_used INT,
		generation_cost DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	`

	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresJobRepository) Enqueue(ctx context.Context, j *job.Job) error {
	if len(j.RequestParams) == 0 {
		return job.ErrEmptyParams
	}

	params, err := json.Marshal(j.RequestParams)
	if err != nil {
		return fmt.Errorf("failed to marshal request params: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, owner_id, content_type, request_params, priority, status,
			retry_count, max_retries, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		j.ID,
		j.OwnerID,
		j.ContentType,
		string(params),
		j.Priority,
		j.Status,
		j.RetryCount,
		j.MaxRetries,
		j.ExpiresAt,
		j.CreatedAt,
		j.UpdatedAt,
	)

	return err
}

func (r *PostgresJobRepository) GetJob(ctx context.Context, id string) (*job.Job, error) {
	query := `
		SELECT
			id, owner_id, content_type, request_params, priority, status,
			provider_used, model_used, result_content, error_message, error_details,
			retry_count, max_retries, next_retry_at, expires_at,
			started_at, completed_at, processing_time_ms, tokens_used,
			generation_cost, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	var j job.Job
	var params, details []byte
	var providerUsed, modelUsed, resultContent, errorMessage sql.NullString
	var nextRetryAt, startedAt, completedAt sql.NullTime
	var processingTimeMs, tokensUsed sql.NullInt64
	var generationCost sql.NullFloat64

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID,
		&j.OwnerID,
		&j.ContentType,
		&params,
		&j.Priority,
		&j.Status,
		&providerUsed,
		&modelUsed,
		&resultContent,
		&errorMessage,
		&details,
		&j.RetryCount,
		&j.MaxRetries,
		&nextRetryAt,
		&j.ExpiresAt,
		&startedAt,
		&completedAt,
		&processingTimeMs,
		&tokensUsed,
		&generationCost,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &j.RequestParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request params: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &j.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}

	j.ProviderUsed = providerUsed.String
	j.ModelUsed = modelUsed.String
	j.ResultContent = resultContent.String
	j.ErrorMessage = errorMessage.String
	if nextRetryAt.Valid {
		j.NextRetryAt = &nextRetryAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	j.ProcessingTimeMs = processingTimeMs.Int64
	j.TokensUsed = int(tokensUsed.Int64)
	j.GenerationCost = generationCost.Float64

	return &j, nil
}

func (r *PostgresJobRepository) ClaimNextBatch(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	// The conditional update over a SKIP LOCKED subselect is the single
	// mutual-exclusion point: concurrent dispatchers can never win the
	// same row twice.
	query := `
		UPDATE jobs
		SET status = 'processing', started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued'
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			  AND expires_at > NOW()
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING id, owner_id, content_type, request_params, priority, status,
			provider_used, retry_count, max_retries, expires_at, started_at, created_at
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var claimed []*job.Job
	for rows.Next() {
		var j job.Job
		var params []byte
		var providerUsed sql.NullString
		var startedAt sql.NullTime

		if err := rows.Scan(
			&j.ID,
			&j.OwnerID,
			&j.ContentType,
			&params,
			&j.Priority,
			&j.Status,
			&providerUsed,
			&j.RetryCount,
			&j.MaxRetries,
			&j.ExpiresAt,
			&startedAt,
			&j.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(params, &j.RequestParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request params: %w", err)
		}
		j.ProviderUsed = providerUsed.String
		if startedAt.Valid {
			j.StartedAt = &startedAt.Time
		}

		claimed = append(claimed, &j)
	}

	return claimed, rows.Err()
}

func (r *PostgresJobRepository) CompleteJob(ctx context.Context, id string, res CompletionResult) error {
	query := `
		UPDATE jobs
		SET status = 'completed',
		    result_content = $2,
		    provider_used = $3,
		    model_used = $4,
		    processing_time_ms = $5,
		    tokens_used = $6,
		    generation_cost = $7,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		id,
		res.Content,
		res.Provider,
		res.Model,
		res.ProcessingTimeMs,
		res.TokensUsed,
		res.GenerationCost,
	)
	if err != nil {
		return err
	}

	return requireRow(result)
}

func (r *PostgresJobRepository) FailJob(ctx context.Context, id, providerUsed, errMsg string, details map[string]any) error {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
		// lib/pq sends []byte as bytea; jsonb needs a text parameter.
		detailsJSON = string(data)
	}

	query := `
		UPDATE jobs
		SET status = 'failed',
		    error_message = $2,
		    error_details = $3,
		    provider_used = COALESCE(NULLIF($4, ''), provider_used),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.ExecContext(ctx, query, id, errMsg, detailsJSON, providerUsed)
	if err != nil {
		return err
	}

	return requireRow(result)
}

func (r *PostgresJobRepository) ResolveFailure(ctx context.Context, id, providerUsed, errMsg string, details map[string]any, nextRetryAt time.Time) (job.Status, error) {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal error details: %w", err)
		}
		detailsJSON = string(data)
	}

	// The increment and the requeue-or-fail decision happen in one
	// statement, so the job fails terminally on exactly its max_retries-th
	// failure regardless of what the dispatcher last read.
	query := `
		UPDATE jobs
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 < max_retries THEN 'queued' ELSE 'failed' END,
		    next_retry_at = CASE WHEN retry_count + 1 < max_retries THEN $2 ELSE next_retry_at END,
		    started_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE started_at END,
		    completed_at = CASE WHEN retry_count + 1 < max_retries THEN completed_at ELSE NOW() END,
		    error_details = CASE WHEN retry_count + 1 < max_retries THEN error_details ELSE $5 END,
		    provider_used = $3,
		    error_message = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`

	var status job.Status
	err := r.db.QueryRowContext(ctx, query, id, nextRetryAt, providerUsed, errMsg, detailsJSON).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotProcessing
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *PostgresJobRepository) CancelJob(ctx context.Context, id string) (job.Status, error) {
	query := `
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'processing')
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return "", err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows > 0 {
		return job.StatusCancelled, nil
	}

	// Already terminal: report the current status without error.
	var status job.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *PostgresJobRepository) ReapTimedOut(ctx context.Context, timeout time.Duration) (ReapResult, error) {
	var res ReapResult
	timeoutSecs := int64(timeout.Seconds())
	baseSecs := int64(job.BaseRetryDelay.Seconds())

	// Stuck jobs with retries left go back to the queue with the same
	// exponential backoff and retry accounting a provider failure gets.
	requeue := `
		UPDATE jobs
		SET status = 'queued',
		    retry_count = retry_count + 1,
		    next_retry_at = NOW() + ($2 * power(2, retry_count)) * interval '1 second',
		    error_message = 'processing timed out',
		    started_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND started_at <= NOW() - ($1 * interval '1 second')
		  AND retry_count + 1 < max_retries
	`

	result, err := r.db.ExecContext(ctx, requeue, timeoutSecs, baseSecs)
	if err != nil {
		return res, err
	}
	if res.Requeued, err = result.RowsAffected(); err != nil {
		return res, err
	}

	fail := `
		UPDATE jobs
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = 'processing timed out after exhausting retries',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'processing'
		  AND started_at <= NOW() - ($1 * interval '1 second')
		  AND retry_count + 1 >= max_retries
	`

	result, err = r.db.ExecContext(ctx, fail, timeoutSecs)
	if err != nil {
		return res, err
	}
	if res.Failed, err = result.RowsAffected(); err != nil {
		return res, err
	}

	return res, nil
}

func (r *PostgresJobRepository) ReapExpired(ctx context.Context) (int64, error) {
	// Expiry is terminal but expected, so no error message is written.
	query := `
		UPDATE jobs
		SET status = 'expired', completed_at = NOW(), updated_at = NOW()
		WHERE expires_at <= NOW() AND status IN ('queued', 'processing')
	`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PostgresJobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled', 'expired')
		  AND updated_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PostgresJobRepository) QueueStatistics(ctx context.Context) (*QueueStatistics, error) {
	stats := &QueueStatistics{
		ByStatus:         make(map[job.Status]int),
		QueuedByPriority: make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var status job.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prioRows, err := r.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM jobs WHERE status = 'queued' GROUP BY priority`)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := prioRows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	for prioRows.Next() {
		var priority job.Priority
		var count int
		if err := prioRows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.QueuedByPriority[priority.String()] = count
	}
	if err := prioRows.Err(); err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(AVG(processing_time_ms), 0) FROM jobs WHERE status = 'completed'`,
	).Scan(&stats.AvgProcessingTimeMs)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (r *PostgresJobRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresJobRepository) Close() error {
	return r.db.Close()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotProcessing
	}
	return nil
}
