// Package api exposes the HTTP surface: job enqueue/status/cancel, provider
// health, dashboard statistics, and the websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftforge/genqueue/internal/dashboard"
	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/httputil"
	"github.com/draftforge/genqueue/internal/job"
	"github.com/draftforge/genqueue/internal/metrics"
	"github.com/draftforge/genqueue/internal/notify"
	"github.com/draftforge/genqueue/internal/provider"
	"github.com/draftforge/genqueue/internal/repository"
)

const healthCheckTimeout = 10 * time.Second

type API struct {
	repo     repository.JobRepository
	registry *provider.Registry
	store    *health.Store
	hub      *notify.Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

type CreateJobRequest struct {
	OwnerID     string         `json:"owner_id"`
	ContentType string         `json:"content_type"`
	Params      map[string]any `json:"params"`
	Priority    *job.Priority  `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	TTLSeconds  int            `json:"ttl_seconds"`
}

// New wires the routes. hub may be nil when the process does not serve the
// websocket stream.
func New(repo repository.JobRepository, registry *provider.Registry, store *health.Store, dash *dashboard.Dashboard, hub *notify.Hub) *API {
	a := &API{
		repo:     repo,
		registry: registry,
		store:    store,
		hub:      hub,
		mux:      http.NewServeMux(),
	}

	a.mux.HandleFunc("/api/jobs", a.handleJobs)
	a.mux.HandleFunc("/api/jobs/", a.handleJobByID)
	a.mux.HandleFunc("/api/providers", a.handleProviders)
	a.mux.HandleFunc("/api/providers/", a.handleProviderByName)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	if hub != nil {
		a.mux.HandleFunc("/ws", a.handleWebSocket)
	}

	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.createJob(w, r)
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req CreateJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.OwnerID == "" {
		httputil.WriteJSONError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if req.ContentType == "" {
		httputil.WriteJSONError(w, "content_type is required", http.StatusBadRequest)
		return
	}

	priority := job.PriorityStandard
	if req.Priority != nil {
		if *req.Priority < job.PriorityPremium || *req.Priority > job.PriorityBatch {
			httputil.WriteJSONError(w, "priority must be 0 (premium), 1 (standard), or 2 (batch)", http.StatusBadRequest)
			return
		}
		priority = *req.Priority
	}

	j, err := job.NewJob(req.OwnerID, req.ContentType, req.Params, priority, req.MaxRetries,
		time.Duration(req.TTLSeconds)*time.Second)
	if errors.Is(err, job.ErrEmptyParams) {
		httputil.WriteJSONError(w, "params must not be empty", http.StatusBadRequest)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.repo.Enqueue(r.Context(), j); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RecordEnqueue(priority.String())
	httputil.WriteJSON(w, http.StatusCreated, j)
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getJob(w, r, id)
	case http.MethodDelete:
		a.cancelJob(w, r, id)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, id string) {
	j, err := a.repo.GetJob(r.Context(), id)
	if errors.Is(err, repository.ErrJobNotFound) {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, j)
}

// cancelJob is idempotent: cancelling an already-terminal job reports its
// current status with no error.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	status, err := a.repo.CancelJob(r.Context(), id)
	if errors.Is(err, repository.ErrJobNotFound) {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"job_id": id,
		"status": string(status),
	})
}

func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshots, err := a.store.Snapshots(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snapshots)
}

func (a *API) handleProviderByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/providers/")
	parts := strings.Split(rest, "/")
	name := parts[0]

	if _, ok := a.registry.Get(name); !ok {
		httputil.WriteJSONError(w, "Unknown provider", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.getProviderHealth(w, r, name)
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		a.getProviderStats(w, r, name)
	case len(parts) == 2 && parts[1] == "healthcheck" && r.Method == http.MethodPost:
		a.forceHealthCheck(w, r, name)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) getProviderHealth(w http.ResponseWriter, r *http.Request, name string) {
	snap, err := a.store.Snapshot(r.Context(), name)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (a *API) getProviderStats(w http.ResponseWriter, r *http.Request, name string) {
	now := time.Now()
	hourly, err := a.store.HourlyStats(r.Context(), name, now)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	daily, err := a.store.DailyStats(r.Context(), name, now)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"hourly":   hourly,
		"daily":    daily,
	})
}

// forceHealthCheck probes the upstream service directly and folds the result
// into the provider's health record.
func (a *API) forceHealthCheck(w http.ResponseWriter, r *http.Request, name string) {
	adapter, _ := a.registry.Get(name)

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := adapter.HealthCheck(ctx); err != nil {
		if _, rerr := a.store.RecordFailure(r.Context(), name, provider.KindOf(err)); rerr != nil {
			log.Printf("failed to record health check failure for %s: %v", name, rerr)
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"provider": name,
			"healthy":  false,
			"error":    err.Error(),
		})
		return
	}

	if err := a.store.Touch(r.Context(), name); err != nil {
		log.Printf("failed to record health check for %s: %v", name, err)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"provider": name,
		"healthy":  true,
	})
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade websocket connection: %v", err)
		return
	}
	a.hub.AddClient(conn)
}
