package job

import "time"

// BaseRetryDelay is the delay before the first retry; each further retry
// doubles it.
const BaseRetryDelay = 30 * time.Second

// Backoff returns the delay to apply before the given retry attempt
// (1-based). The delay is written to the job's next_retry_at so the worker
// never sleeps; retries go back through the queue.
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return BaseRetryDelay * (1 << (retryCount - 1))
}
