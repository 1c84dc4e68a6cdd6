package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// HTTPConfig describes one upstream generation service.
type HTTPConfig struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"base_url"`
	APIKey         string   `json:"api_key"`
	Model          string   `json:"model"`
	ContentTypes   []string `json:"content_types"`
	CostPerToken   float64  `json:"cost_per_token"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// HTTPAdapter speaks a plain JSON generate/health protocol to an upstream
// service. Non-2xx responses are classified into provider error kinds.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
}

type generateResponse struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	TokensUsed   int     `json:"tokens_used"`
	QualityScore float64 `json:"quality_score"`
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Name() string          { return a.cfg.Name }
func (a *HTTPAdapter) CostPerToken() float64 { return a.cfg.CostPerToken }

func (a *HTTPAdapter) Supports(contentType string) bool {
	for _, ct := range a.cfg.ContentTypes {
		if ct == contentType {
			return true
		}
	}
	return false
}

func (a *HTTPAdapter) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(map[string]any{
		"content_type": req.ContentType,
		"params":       req.Params,
		"model":        a.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: a.cfg.Name, Kind: classifyTransportError(ctx, err), Message: err.Error()}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{
			Provider: a.cfg.Name,
			Kind:     classifyStatus(resp.StatusCode),
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, string(msg)),
		}
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &Error{Provider: a.cfg.Name, Kind: KindServerError, Message: "invalid response body: " + err.Error()}
	}

	model := gr.Model
	if model == "" {
		model = a.cfg.Model
	}

	return &Result{
		Content:        gr.Content,
		Model:          model,
		TokensUsed:     gr.TokensUsed,
		CostEstimate:   float64(gr.TokensUsed) * a.cfg.CostPerToken,
		QualityScore:   gr.QualityScore,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return &Error{Provider: a.cfg.Name, Kind: classifyTransportError(ctx, err), Message: err.Error()}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode >= 400 {
		return &Error{Provider: a.cfg.Name, Kind: classifyStatus(resp.StatusCode), Message: fmt.Sprintf("health check status %d", resp.StatusCode)}
	}
	return nil
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindServerError
	default:
		return KindInvalidRequest
	}
}

func classifyTransportError(ctx context.Context, err error) ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindServerError
}
