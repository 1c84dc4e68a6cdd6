// Package dispatcher runs the bounded-concurrency processing loop: claim
// eligible jobs, pick a provider, call it, and write the outcome back with
// retry and failover accounting.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/job"
	"github.com/draftforge/genqueue/internal/metrics"
	"github.com/draftforge/genqueue/internal/provider"
	"github.com/draftforge/genqueue/internal/repository"
	"github.com/draftforge/genqueue/internal/selector"
)

// Notifier delivers job lifecycle events to subscribers. Delivery is
// fire-and-forget; the dispatcher never blocks on it.
type Notifier interface {
	JobStatusUpdate(jobID string, status job.Status)
	JobCompleted(jobID string, result string)
	JobFailed(jobID string, errMsg string)
}

// Alerter is told when a provider's circuit breaker opens.
type Alerter interface {
	CircuitOpened(ctx context.Context, providerName string, streak int64)
}

type Config struct {
	MaxConcurrentJobs int
	TickInterval      time.Duration
	CallTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	return c
}

type Dispatcher struct {
	repo     repository.JobRepository
	selector *selector.Selector
	store    *health.Store
	cfg      Config
	notifier Notifier
	alerter  Alerter

	active   atomic.Int64
	wg       sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a dispatcher. notifier and alerter may be nil.
func New(repo repository.JobRepository, sel *selector.Selector, store *health.Store, cfg Config, notifier Notifier, alerter Alerter) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		selector: sel,
		store:    store,
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		alerter:  alerter,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	log.Printf("dispatcher started: max_concurrent=%d tick=%s call_timeout=%s",
		d.cfg.MaxConcurrentJobs, d.cfg.TickInterval, d.cfg.CallTimeout)
	go d.loop()
}

// Stop halts claiming and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
	d.wg.Wait()
	log.Println("dispatcher stopped")
}

// ActiveJobs reports how many jobs this dispatcher is processing right now.
func (d *Dispatcher) ActiveJobs() int {
	return int(d.active.Load())
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick claims as many jobs as free worker slots allow and hands each to its
// own goroutine. A storage error skips the tick; the next one retries.
func (d *Dispatcher) tick(ctx context.Context) {
	slots := d.cfg.MaxConcurrentJobs - int(d.active.Load())
	if slots <= 0 {
		return
	}

	jobs, err := d.repo.ClaimNextBatch(ctx, slots)
	if err != nil {
		log.Printf("failed to claim jobs: %v", err)
		return
	}

	for _, j := range jobs {
		d.active.Add(1)
		metrics.ActiveJobs.Inc()
		d.wg.Add(1)
		go func(j *job.Job) {
			defer func() {
				d.active.Add(-1)
				metrics.ActiveJobs.Dec()
				d.wg.Done()
			}()
			d.process(ctx, j)
		}(j)
	}
}

func (d *Dispatcher) process(ctx context.Context, j *job.Job) {
	if d.notifier != nil {
		d.notifier.JobStatusUpdate(j.ID, job.StatusProcessing)
	}

	// On a retry, steer away from the provider that failed last time so
	// failover happens across providers instead of hammering one.
	excluded := make(map[string]bool)
	if j.RetryCount > 0 && j.ProviderUsed != "" {
		excluded[j.ProviderUsed] = true
	}

	adapter, err := d.selector.Select(ctx, j.ContentType, excluded)
	if errors.Is(err, selector.ErrNoProviderAvailable) && len(excluded) > 0 {
		// Nothing left outside the exclusion; a previously failed
		// provider beats failing the job outright.
		adapter, err = d.selector.Select(ctx, j.ContentType, nil)
	}
	if errors.Is(err, selector.ErrNoProviderAvailable) {
		d.failJob(ctx, j, "", "no provider available", nil)
		return
	}
	if err != nil {
		// Health store unreachable. Leave the job processing; the
		// timeout reaper requeues it if this persists.
		log.Printf("failed to select provider for job %s: %v", j.ID, err)
		return
	}

	name := adapter.Name()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	start := time.Now()
	res, err := adapter.Generate(callCtx, provider.Request{
		ContentType: j.ContentType,
		Params:      j.RequestParams,
	})
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		d.handleFailure(ctx, j, name, err)
		return
	}

	d.handleSuccess(ctx, j, adapter, res, elapsed)
}

func (d *Dispatcher) handleSuccess(ctx context.Context, j *job.Job, adapter provider.Adapter, res *provider.Result, elapsed time.Duration) {
	name := adapter.Name()
	responseMs := res.ResponseTimeMs
	if responseMs <= 0 {
		responseMs = elapsed.Milliseconds()
	}

	metrics.RecordProviderRequest(name, "success")
	metrics.ObserveProcessing(name, elapsed.Seconds())

	if err := d.store.RecordSuccess(ctx, name, responseMs, res.QualityScore); err != nil {
		log.Printf("failed to record success for %s: %v", name, err)
	}
	metrics.SetCircuitOpen(name, false)

	if j.ProviderUsed != "" && j.ProviderUsed != name {
		if err := d.store.RecordFallback(ctx, name); err != nil {
			log.Printf("failed to record fallback for %s: %v", name, err)
		}
		metrics.RecordFallback(name)
	}

	cost := res.CostEstimate
	if cost == 0 && res.TokensUsed > 0 {
		cost = float64(res.TokensUsed) * adapter.CostPerToken()
	}

	err := d.repo.CompleteJob(ctx, j.ID, repository.CompletionResult{
		Content:          res.Content,
		Provider:         name,
		Model:            res.Model,
		ProcessingTimeMs: elapsed.Milliseconds(),
		TokensUsed:       res.TokensUsed,
		GenerationCost:   cost,
	})
	if errors.Is(err, repository.ErrNotProcessing) {
		// Cancelled or reaped while the call was in flight; the result
		// must not overwrite the terminal state.
		log.Printf("job %s resolved elsewhere, discarding result", j.ID)
		return
	}
	if err != nil {
		log.Printf("failed to complete job %s: %v", j.ID, err)
		return
	}

	metrics.RecordFinished(string(job.StatusCompleted))
	if d.notifier != nil {
		d.notifier.JobCompleted(j.ID, res.Content)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, j *job.Job, name string, genErr error) {
	kind := provider.KindOf(genErr)
	metrics.RecordProviderRequest(name, string(kind))

	streak, err := d.store.RecordFailure(ctx, name, kind)
	if err != nil {
		log.Printf("failed to record failure for %s: %v", name, err)
	} else if streak == d.store.BreakerThreshold() {
		log.Printf("circuit breaker opened for provider %s after %d consecutive failures", name, streak)
		metrics.SetCircuitOpen(name, true)
		if d.alerter != nil {
			d.alerter.CircuitOpened(ctx, name, streak)
		}
	}

	next := time.Now().Add(job.Backoff(j.RetryCount + 1))
	status, err := d.repo.ResolveFailure(ctx, j.ID, name, genErr.Error(), map[string]any{
		"kind":     string(kind),
		"provider": name,
	}, next)
	if errors.Is(err, repository.ErrNotProcessing) {
		log.Printf("job %s resolved elsewhere, dropping failure", j.ID)
		return
	}
	if err != nil {
		log.Printf("failed to resolve failure for job %s: %v", j.ID, err)
		return
	}

	switch status {
	case job.StatusQueued:
		metrics.RecordRequeue()
		if d.notifier != nil {
			d.notifier.JobStatusUpdate(j.ID, job.StatusQueued)
		}
	case job.StatusFailed:
		metrics.RecordFinished(string(job.StatusFailed))
		if d.notifier != nil {
			d.notifier.JobFailed(j.ID, genErr.Error())
		}
	}
}

func (d *Dispatcher) failJob(ctx context.Context, j *job.Job, providerName, errMsg string, details map[string]any) {
	err := d.repo.FailJob(ctx, j.ID, providerName, errMsg, details)
	if errors.Is(err, repository.ErrNotProcessing) {
		log.Printf("job %s resolved elsewhere, dropping failure", j.ID)
		return
	}
	if err != nil {
		log.Printf("failed to mark job %s failed: %v", j.ID, err)
		return
	}

	metrics.RecordFinished(string(job.StatusFailed))
	if d.notifier != nil {
		d.notifier.JobFailed(j.ID, errMsg)
	}
}
