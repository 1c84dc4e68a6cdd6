// Package selector picks the best available provider for a job from weighted
// cost, availability, quality, and speed scores over live health data.
package selector

import (
	"context"
	"errors"
	"fmt"

	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/provider"
)

// ErrNoProviderAvailable means every candidate was excluded, circuit-open,
// or down. Callers surface this as a job failure rather than retrying.
var ErrNoProviderAvailable = errors.New("no provider available")

type Weights struct {
	Cost         float64
	Availability float64
	Quality      float64
	Speed        float64
}

func DefaultWeights() Weights {
	return Weights{Cost: 0.4, Availability: 0.3, Quality: 0.2, Speed: 0.1}
}

type Selector struct {
	registry *provider.Registry
	store    *health.Store
	weights  Weights
}

func New(registry *provider.Registry, store *health.Store, weights Weights) *Selector {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Selector{
		registry: registry,
		store:    store,
		weights:  weights,
	}
}

type candidate struct {
	adapter provider.Adapter
	snap    *health.Snapshot
	score   float64
}

// Select returns the highest-scoring adapter that supports the content type,
// is not excluded, has a closed circuit breaker, and is not down. Ties break
// on availability, then registration order.
func (s *Selector) Select(ctx context.Context, contentType string, excluded map[string]bool) (provider.Adapter, error) {
	var candidates []candidate
	for _, a := range s.registry.Supporting(contentType) {
		if excluded[a.Name()] {
			continue
		}
		snap, err := s.store.Snapshot(ctx, a.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read health for %s: %w", a.Name(), err)
		}
		if snap.CircuitOpen || snap.Level == health.LevelDown {
			continue
		}
		candidates = append(candidates, candidate{adapter: a, snap: snap})
	}

	if len(candidates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	s.scoreCandidates(candidates)

	best := 0
	for i := 1; i < len(candidates); i++ {
		if better(candidates[i], candidates[best]) {
			best = i
		}
	}
	return candidates[best].adapter, nil
}

// scoreCandidates normalizes each sub-score to [0,1] across the candidate
// set and combines them with the configured weights.
func (s *Selector) scoreCandidates(candidates []candidate) {
	minCost, maxCost := candidates[0].adapter.CostPerToken(), candidates[0].adapter.CostPerToken()
	minRT, maxRT := candidates[0].snap.AvgResponseTimeMs, candidates[0].snap.AvgResponseTimeMs
	for _, c := range candidates[1:] {
		minCost = min(minCost, c.adapter.CostPerToken())
		maxCost = max(maxCost, c.adapter.CostPerToken())
		minRT = min(minRT, c.snap.AvgResponseTimeMs)
		maxRT = max(maxRT, c.snap.AvgResponseTimeMs)
	}

	for i := range candidates {
		c := &candidates[i]
		costScore := 1.0 - normalize(c.adapter.CostPerToken(), minCost, maxCost)
		speedScore := 1.0 - normalize(c.snap.AvgResponseTimeMs, minRT, maxRT)
		qualityScore := c.snap.AvgQualityScore / 10.0
		if c.snap.AvgQualityScore == 0 {
			// No samples yet; assume middling quality rather than worst.
			qualityScore = 0.5
		}
		availabilityScore := c.snap.SuccessRate

		c.score = s.weights.Cost*costScore +
			s.weights.Availability*availabilityScore +
			s.weights.Quality*qualityScore +
			s.weights.Speed*speedScore
	}
}

func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	// Earlier registration order wins the final tie, which the caller's
	// iteration order already guarantees.
	return a.snap.SuccessRate > b.snap.SuccessRate
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}
