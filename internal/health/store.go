// Package health tracks per-provider reliability counters in Redis and
// derives health levels and circuit breaker state from them. Multiple
// dispatcher processes update the same counters concurrently, so every
// mutation is an atomic increment (HINCRBY) or a small Lua script; the
// store never does read-modify-write.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/draftforge/genqueue/internal/provider"
)

type Level string

const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
	LevelDown      Level = "down"
)

type Options struct {
	// BreakerThreshold is the consecutive-failure count at which the
	// circuit opens. A single success closes it again.
	BreakerThreshold int64

	// Error-rate boundaries for the derived health level.
	DegradedThreshold  float64
	UnhealthyThreshold float64
	DownThreshold      float64

	// RetentionTTL bounds the cumulative counter window. Keys expire after
	// this much inactivity; callers must tolerate counters resetting to zero.
	RetentionTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		BreakerThreshold:   5,
		DegradedThreshold:  0.10,
		UnhealthyThreshold: 0.30,
		DownThreshold:      0.60,
		RetentionTTL:       7 * 24 * time.Hour,
	}
}

type Store struct {
	client    *redis.Client
	providers []string
	opts      Options
}

// Snapshot is a point-in-time read of one provider's counters plus the
// values derived from them. Safe to serialize to JSON for monitoring.
type Snapshot struct {
	Provider            string           `json:"provider"`
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	FallbackRequests    int64            `json:"fallback_requests"`
	ConsecutiveFailures int64            `json:"consecutive_failures"`
	ResponseTimeMinMs   int64            `json:"response_time_min_ms"`
	ResponseTimeMaxMs   int64            `json:"response_time_max_ms"`
	ErrorKinds          map[string]int64 `json:"error_kinds,omitempty"`
	LastSuccessAt       *time.Time       `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time       `json:"last_failure_at,omitempty"`
	LastCheckedAt       *time.Time       `json:"last_checked_at,omitempty"`

	SuccessRate       float64 `json:"success_rate"`
	ErrorRate         float64 `json:"error_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	AvgQualityScore   float64 `json:"avg_quality_score"`
	Level             Level   `json:"health_level"`
	CircuitOpen       bool    `json:"circuit_open"`
	Available         bool    `json:"is_available"`
}

// hsetIfLess / hsetIfGreater keep running min/max correct under concurrent
// writers without a read-then-write race.
var (
	hsetIfLess = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or (tonumber(ARGV[2]) < tonumber(cur)) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 0`)
	hsetIfGreater = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if (not cur) or (tonumber(ARGV[2]) > tonumber(cur)) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 0`)
)

func NewStore(client *redis.Client, providers []string, opts Options) *Store {
	if opts.BreakerThreshold <= 0 {
		opts = DefaultOptions()
	}
	return &Store{
		client:    client,
		providers: providers,
		opts:      opts,
	}
}

func statsKey(name string) string { return "health:stats:" + name }

func hourlyKey(name string, t time.Time) string {
	return "health:stats:" + name + ":h:" + t.UTC().Format("2006010215")
}

func dailyKey(name string, t time.Time) string {
	return "health:stats:" + name + ":d:" + t.UTC().Format("20060102")
}

// RecordSuccess increments the success counters, accumulates response time
// and quality score, and resets the consecutive-failure streak, closing the
// circuit breaker if it was open.
func (s *Store) RecordSuccess(ctx context.Context, name string, responseTimeMs int64, qualityScore float64) error {
	key := statsKey(name)
	now := time.Now()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total_requests", 1)
	pipe.HIncrBy(ctx, key, "successful_requests", 1)
	pipe.HIncrBy(ctx, key, "response_time_sum_ms", responseTimeMs)
	pipe.HIncrByFloat(ctx, key, "quality_score_sum", qualityScore)
	pipe.HIncrBy(ctx, key, "quality_score_count", 1)
	pipe.HSet(ctx, key, "consecutive_failures", 0)
	pipe.HSet(ctx, key, "last_success_at", now.Unix())
	pipe.HSet(ctx, key, "last_checked_at", now.Unix())
	pipe.Expire(ctx, key, s.opts.RetentionTTL)
	s.rollupWindows(ctx, pipe, name, now, true)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record success for %s: %w", name, err)
	}

	rt := strconv.FormatInt(responseTimeMs, 10)
	if err := hsetIfLess.Run(ctx, s.client, []string{key}, "response_time_min_ms", rt).Err(); err != nil {
		return fmt.Errorf("failed to update min response time for %s: %w", name, err)
	}
	if err := hsetIfGreater.Run(ctx, s.client, []string{key}, "response_time_max_ms", rt).Err(); err != nil {
		return fmt.Errorf("failed to update max response time for %s: %w", name, err)
	}
	return nil
}

// RecordFailure increments the failure counters and the consecutive-failure
// streak, tallies the error kind, and returns the new streak value so the
// caller can react when the circuit opens.
func (s *Store) RecordFailure(ctx context.Context, name string, kind provider.ErrorKind) (int64, error) {
	key := statsKey(name)
	now := time.Now()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total_requests", 1)
	pipe.HIncrBy(ctx, key, "failed_requests", 1)
	streak := pipe.HIncrBy(ctx, key, "consecutive_failures", 1)
	pipe.HIncrBy(ctx, key, "errors:"+string(kind), 1)
	pipe.HSet(ctx, key, "last_failure_at", now.Unix())
	pipe.HSet(ctx, key, "last_checked_at", now.Unix())
	pipe.Expire(ctx, key, s.opts.RetentionTTL)
	s.rollupWindows(ctx, pipe, name, now, false)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record failure for %s: %w", name, err)
	}
	return streak.Val(), nil
}

// RecordFallback counts a request served by a provider other than the one
// first selected for the job.
func (s *Store) RecordFallback(ctx context.Context, name string) error {
	return s.client.HIncrBy(ctx, statsKey(name), "fallback_requests", 1).Err()
}

// Touch updates last_checked_at without disturbing any counters; used by
// forced health checks that succeed.
func (s *Store) Touch(ctx context.Context, name string) error {
	return s.client.HSet(ctx, statsKey(name), "last_checked_at", time.Now().Unix()).Err()
}

func (s *Store) rollupWindows(ctx context.Context, pipe redis.Pipeliner, name string, now time.Time, success bool) {
	field := "failed_requests"
	if success {
		field = "successful_requests"
	}

	hk := hourlyKey(name, now)
	pipe.HIncrBy(ctx, hk, "total_requests", 1)
	pipe.HIncrBy(ctx, hk, field, 1)
	pipe.Expire(ctx, hk, 48*time.Hour)

	dk := dailyKey(name, now)
	pipe.HIncrBy(ctx, dk, "total_requests", 1)
	pipe.HIncrBy(ctx, dk, field, 1)
	pipe.Expire(ctx, dk, s.opts.RetentionTTL)
}

// Snapshot reads one provider's counters and derives rates, averages, the
// health level, and breaker state.
func (s *Store) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, statsKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read health stats for %s: %w", name, err)
	}

	snap := &Snapshot{Provider: name}
	snap.TotalRequests = parseInt(fields["total_requests"])
	snap.SuccessfulRequests = parseInt(fields["successful_requests"])
	snap.FailedRequests = parseInt(fields["failed_requests"])
	snap.FallbackRequests = parseInt(fields["fallback_requests"])
	snap.ConsecutiveFailures = parseInt(fields["consecutive_failures"])
	snap.ResponseTimeMinMs = parseInt(fields["response_time_min_ms"])
	snap.ResponseTimeMaxMs = parseInt(fields["response_time_max_ms"])
	snap.LastSuccessAt = parseUnix(fields["last_success_at"])
	snap.LastFailureAt = parseUnix(fields["last_failure_at"])
	snap.LastCheckedAt = parseUnix(fields["last_checked_at"])

	for field, value := range fields {
		if kind, ok := strings.CutPrefix(field, "errors:"); ok {
			if snap.ErrorKinds == nil {
				snap.ErrorKinds = make(map[string]int64)
			}
			snap.ErrorKinds[kind] = parseInt(value)
		}
	}

	if snap.TotalRequests > 0 {
		snap.SuccessRate = float64(snap.SuccessfulRequests) / float64(snap.TotalRequests)
		snap.ErrorRate = float64(snap.FailedRequests) / float64(snap.TotalRequests)
	} else {
		snap.SuccessRate = 1.0
	}
	if snap.SuccessfulRequests > 0 {
		snap.AvgResponseTimeMs = float64(parseInt(fields["response_time_sum_ms"])) / float64(snap.SuccessfulRequests)
	}
	if count := parseInt(fields["quality_score_count"]); count > 0 {
		snap.AvgQualityScore = parseFloat(fields["quality_score_sum"]) / float64(count)
	}

	snap.Level = s.levelFor(snap.TotalRequests, snap.ErrorRate)
	snap.CircuitOpen = snap.ConsecutiveFailures >= s.opts.BreakerThreshold
	snap.Available = !snap.CircuitOpen && snap.Level != LevelDown
	return snap, nil
}

// Snapshots reads all registered providers.
func (s *Store) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	snaps := make([]*Snapshot, 0, len(s.providers))
	for _, name := range s.providers {
		snap, err := s.Snapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// RecomputeHealth derives and caches each provider's health level so reads
// stay cheap between scheduler ticks. Returns the levels for alerting.
func (s *Store) RecomputeHealth(ctx context.Context) (map[string]Level, error) {
	levels := make(map[string]Level, len(s.providers))
	for _, name := range s.providers {
		snap, err := s.Snapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := s.client.HSet(ctx, statsKey(name), "health_level", string(snap.Level)).Err(); err != nil {
			return nil, fmt.Errorf("failed to cache health level for %s: %w", name, err)
		}
		levels[name] = snap.Level
	}
	return levels, nil
}

// BreakerThreshold returns the consecutive-failure count that opens the
// circuit, so callers can tell when a failure they just recorded tripped it.
func (s *Store) BreakerThreshold() int64 {
	return s.opts.BreakerThreshold
}

// Providers returns the registered provider names.
func (s *Store) Providers() []string {
	names := make([]string, len(s.providers))
	copy(names, s.providers)
	return names
}

func (s *Store) levelFor(total int64, errorRate float64) Level {
	if total == 0 {
		return LevelHealthy
	}
	switch {
	case errorRate < s.opts.DegradedThreshold:
		return LevelHealthy
	case errorRate < s.opts.UnhealthyThreshold:
		return LevelDegraded
	case errorRate < s.opts.DownThreshold:
		return LevelUnhealthy
	default:
		return LevelDown
	}
}

// WindowStats is a rolled-up hourly or daily counter window.
type WindowStats struct {
	Window             string `json:"window"`
	TotalRequests      int64  `json:"total_requests"`
	SuccessfulRequests int64  `json:"successful_requests"`
	FailedRequests     int64  `json:"failed_requests"`
}

// HourlyStats returns the rollup window covering the given time.
func (s *Store) HourlyStats(ctx context.Context, name string, t time.Time) (*WindowStats, error) {
	return s.windowStats(ctx, hourlyKey(name, t), t.UTC().Format("2006010215"))
}

// DailyStats returns the rollup window covering the given time.
func (s *Store) DailyStats(ctx context.Context, name string, t time.Time) (*WindowStats, error) {
	return s.windowStats(ctx, dailyKey(name, t), t.UTC().Format("20060102"))
}

func (s *Store) windowStats(ctx context.Context, key, window string) (*WindowStats, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return &WindowStats{
		Window:             window,
		TotalRequests:      parseInt(fields["total_requests"]),
		SuccessfulRequests: parseInt(fields["successful_requests"]),
		FailedRequests:     parseInt(fields["failed_requests"]),
	}, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseUnix(s string) *time.Time {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(v, 0)
	return &t
}
