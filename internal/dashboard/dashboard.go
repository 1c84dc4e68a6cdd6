// Package dashboard aggregates queue and provider state for operators.
package dashboard

import (
	"context"
	"net/http"

	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/httputil"
	"github.com/draftforge/genqueue/internal/job"
	"github.com/draftforge/genqueue/internal/metrics"
	"github.com/draftforge/genqueue/internal/repository"
)

type Dashboard struct {
	repo          repository.JobRepository
	store         *health.Store
	maxConcurrent int
}

func New(repo repository.JobRepository, store *health.Store, maxConcurrent int) *Dashboard {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Dashboard{
		repo:          repo,
		store:         store,
		maxConcurrent: maxConcurrent,
	}
}

type Stats struct {
	Queue               *repository.QueueStatistics `json:"queue"`
	CapacityUtilization float64                     `json:"capacity_utilization"`
	MaxConcurrentJobs   int                         `json:"max_concurrent_jobs"`
	Providers           []*health.Snapshot          `json:"providers"`
}

// Stats builds the operator view: queue counts, how much of the worker pool
// is busy, and per-provider health. It also refreshes the queue depth gauges.
func (d *Dashboard) Stats(ctx context.Context) (*Stats, error) {
	queueStats, err := d.repo.QueueStatistics(ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := d.store.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	for priority, depth := range queueStats.QueuedByPriority {
		metrics.SetQueueDepth(priority, depth)
	}

	processing := queueStats.ByStatus[job.StatusProcessing]
	return &Stats{
		Queue:               queueStats,
		CapacityUtilization: float64(processing) / float64(d.maxConcurrent),
		MaxConcurrentJobs:   d.maxConcurrent,
		Providers:           snapshots,
	}, nil
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := d.Stats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
