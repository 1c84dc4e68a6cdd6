// Package scheduler runs named periodic maintenance tasks: health rollups,
// the timeout and expiry reapers, and retention cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/metrics"
	"github.com/draftforge/genqueue/internal/repository"
)

type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	mu    sync.Mutex
	tasks []Task

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New() *Scheduler {
	return &Scheduler{stop: make(chan struct{})}
}

func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Run: run})
}

// Start launches one goroutine per task, each on its own ticker. Tasks may
// overlap with each other but a single task never overlaps itself.
func (s *Scheduler) Start() {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.runTask(task)
	}
	log.Printf("scheduler started with %d tasks", len(tasks))
}

func (s *Scheduler) runTask(task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := task.Run(context.Background()); err != nil {
				log.Printf("scheduled task %s failed: %v", task.Name, err)
			}
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Println("scheduler stopped")
}

// RunNow executes one task by name, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if task.Name == name {
			return task.Run(ctx)
		}
	}
	return fmt.Errorf("unknown task: %s", name)
}

// MaintenanceConfig holds the intervals and cutoffs for the standard task
// set. Zero values fall back to defaults.
type MaintenanceConfig struct {
	HealthInterval    time.Duration // health level recompute, default 30s
	ReapInterval      time.Duration // timeout + expiry reapers, default 30s
	RetentionInterval time.Duration // terminal job cleanup, default 1h
	JobTimeout        time.Duration // PROCESSING wall-clock limit, default 10m
	Retention         time.Duration // terminal job retention, default 7d
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// NewMaintenance builds a scheduler with the standard task set wired to the
// job repository and health store.
func NewMaintenance(repo repository.JobRepository, store *health.Store, cfg MaintenanceConfig) *Scheduler {
	cfg = cfg.withDefaults()
	s := New()

	s.Add("health_rollup", cfg.HealthInterval, func(ctx context.Context) error {
		levels, err := store.RecomputeHealth(ctx)
		if err != nil {
			return err
		}
		for name, level := range levels {
			snap, err := store.Snapshot(ctx, name)
			if err != nil {
				return err
			}
			metrics.SetCircuitOpen(name, snap.CircuitOpen)
			if level == health.LevelDown || snap.CircuitOpen {
				log.Printf("provider %s health: level=%s circuit_open=%t", name, level, snap.CircuitOpen)
			}
		}
		return nil
	})

	s.Add("timeout_reaper", cfg.ReapInterval, func(ctx context.Context) error {
		res, err := repo.ReapTimedOut(ctx, cfg.JobTimeout)
		if err != nil {
			return err
		}
		if res.Requeued > 0 || res.Failed > 0 {
			log.Printf("timeout reaper: requeued=%d failed=%d", res.Requeued, res.Failed)
		}
		return nil
	})

	s.Add("expiry_reaper", cfg.ReapInterval, func(ctx context.Context) error {
		count, err := repo.ReapExpired(ctx)
		if err != nil {
			return err
		}
		if count > 0 {
			log.Printf("expiry reaper: expired=%d", count)
		}
		return nil
	})

	s.Add("retention_cleanup", cfg.RetentionInterval, func(ctx context.Context) error {
		count, err := repo.DeleteTerminalBefore(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			return err
		}
		if count > 0 {
			log.Printf("retention cleanup: deleted=%d", count)
		}
		return nil
	})

	return s
}
