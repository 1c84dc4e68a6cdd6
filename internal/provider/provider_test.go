package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewFakeAdapter("alpha", "blog_post")))
	require.NoError(t, r.Register(NewFakeAdapter("beta", "blog_post", "ad_copy")))
	require.NoError(t, r.Register(NewFakeAdapter("gamma", "ad_copy")))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, r.Names())

	supporting := r.Supporting("blog_post")
	require.Len(t, supporting, 2)
	assert.Equal(t, "alpha", supporting[0].Name())
	assert.Equal(t, "beta", supporting[1].Name())
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewFakeAdapter("alpha")))
	assert.Error(t, r.Register(NewFakeAdapter("alpha")))
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewFakeAdapter("alpha")))

	a, ok := r.Get("alpha")
	assert.True(t, ok)
	assert.Equal(t, "alpha", a.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindRateLimited, KindOf(&Error{Kind: KindRateLimited}))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindServerError, KindOf(errors.New("boom")))
}

func TestHTTPAdapterGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"hello","model":"gen-1","tokens_used":200,"quality_score":8.5}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{
		Name:         "testprov",
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		Model:        "gen-1",
		ContentTypes: []string{"blog_post"},
		CostPerToken: 0.001,
	})

	res, err := a.Generate(context.Background(), Request{ContentType: "blog_post", Params: map[string]any{"topic": "go"}})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, "gen-1", res.Model)
	assert.Equal(t, 200, res.TokensUsed)
	assert.InDelta(t, 0.2, res.CostEstimate, 1e-9)
	assert.InDelta(t, 8.5, res.QualityScore, 1e-9)
	assert.GreaterOrEqual(t, res.ResponseTimeMs, int64(0))
}

func TestHTTPAdapterErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimited},
		{"bad request", http.StatusBadRequest, KindInvalidRequest},
		{"server error", http.StatusInternalServerError, KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			a := NewHTTPAdapter(HTTPConfig{Name: "testprov", BaseURL: srv.URL})
			_, err := a.Generate(context.Background(), Request{ContentType: "blog_post"})
			require.Error(t, err)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, "testprov", pe.Provider)
		})
	}
}

func TestHTTPAdapterHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPConfig{Name: "testprov", BaseURL: srv.URL})
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestHTTPAdapterSupports(t *testing.T) {
	a := NewHTTPAdapter(HTTPConfig{Name: "p", ContentTypes: []string{"blog_post", "ad_copy"}})
	assert.True(t, a.Supports("ad_copy"))
	assert.False(t, a.Supports("video_script"))
}

func TestLoadRegistry(t *testing.T) {
	registry, err := LoadRegistry(`[
		{"name":"alpha","base_url":"http://alpha.local","content_types":["blog_post"],"cost_per_token":0.001},
		{"name":"beta","base_url":"http://beta.local","content_types":["blog_post"],"cost_per_token":0.002}
	]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, registry.Names())
}

func TestLoadRegistryInvalid(t *testing.T) {
	_, err := LoadRegistry("not json")
	assert.Error(t, err)

	_, err = LoadRegistry("[]")
	assert.Error(t, err)
}
