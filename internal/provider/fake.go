package provider

import (
	"context"
	"sync"
)

// FakeAdapter is a programmable in-memory adapter used by tests and local
// development. GenerateFunc, when set, overrides the canned result.
type FakeAdapter struct {
	AdapterName  string
	ContentTypes []string
	TokenCost    float64

	GenerateFunc    func(ctx context.Context, req Request) (*Result, error)
	HealthCheckFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls int
}

func NewFakeAdapter(name string, contentTypes ...string) *FakeAdapter {
	return &FakeAdapter{
		AdapterName:  name,
		ContentTypes: contentTypes,
		TokenCost:    0.0001,
	}
}

func (f *FakeAdapter) Name() string          { return f.AdapterName }
func (f *FakeAdapter) CostPerToken() float64 { return f.TokenCost }

func (f *FakeAdapter) Supports(contentType string) bool {
	if len(f.ContentTypes) == 0 {
		return true
	}
	for _, ct := range f.ContentTypes {
		if ct == contentType {
			return true
		}
	}
	return false
}

func (f *FakeAdapter) Generate(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, req)
	}

	return &Result{
		Content:        "generated content",
		Model:          f.AdapterName + "-default",
		TokensUsed:     100,
		CostEstimate:   100 * f.TokenCost,
		QualityScore:   8.0,
		ResponseTimeMs: 50,
	}, nil
}

func (f *FakeAdapter) HealthCheck(ctx context.Context) error {
	if f.HealthCheckFunc != nil {
		return f.HealthCheckFunc(ctx)
	}
	return nil
}

func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
