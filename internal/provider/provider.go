// Package provider defines the uniform capability interface for upstream AI
// generation services and a registry that preserves registration order. The
// selector and dispatcher only ever see the Adapter interface, never a
// concrete upstream client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServerError    ErrorKind = "server_error"
	KindTimeout        ErrorKind = "timeout"
)

// Error is a classified failure from an upstream provider. The kind drives
// health accounting and retry behavior.
type Error struct {
	Provider string
	Kind     ErrorKind
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindOf extracts the error kind, defaulting to server_error for anything
// unclassified (storage hiccups inside an adapter, unexpected payloads).
// Context deadline errors map to timeout.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindServerError
}

type Request struct {
	ContentType string         `json:"content_type"`
	Params      map[string]any `json:"params"`
}

type Result struct {
	Content        string  `json:"content"`
	Model          string  `json:"model"`
	TokensUsed     int     `json:"tokens_used"`
	CostEstimate   float64 `json:"cost_estimate"`
	QualityScore   float64 `json:"quality_score"`
	ResponseTimeMs int64   `json:"response_time_ms"`
}

type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
	HealthCheck(ctx context.Context) error
	Supports(contentType string) bool
	CostPerToken() float64
}

// Registry holds the fixed set of adapters. Iteration order is registration
// order, which doubles as the deterministic selection tie-break.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return errors.New("provider name is required")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Supporting returns, in registration order, the adapters that can serve the
// given content type.
func (r *Registry) Supporting(contentType string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Adapter
	for _, name := range r.order {
		if a := r.adapters[name]; a.Supports(contentType) {
			out = append(out, a)
		}
	}
	return out
}
