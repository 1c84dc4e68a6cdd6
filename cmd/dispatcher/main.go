package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/draftforge/genqueue/internal/dispatcher"
	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/notify"
	"github.com/draftforge/genqueue/internal/provider"
	"github.com/draftforge/genqueue/internal/repository"
	"github.com/draftforge/genqueue/internal/scheduler"
	"github.com/draftforge/genqueue/internal/selector"
)

func main() {
	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	providersJSON := os.Getenv("PROVIDERS")
	if providersJSON == "" {
		log.Fatal("PROVIDERS is required")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	repo, err := repository.NewPostgresJobRepository(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("failed to close Postgres repository: %v", err)
		}
	}()

	if err := repo.InitSchema(context.Background()); err != nil {
		log.Fatal(err)
	}

	registry, err := provider.LoadRegistry(providersJSON)
	if err != nil {
		log.Fatal(err)
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("failed to close Redis client: %v", err)
		}
	}()

	store := health.NewStore(client, registry.Names(), health.DefaultOptions())
	sel := selector.New(registry, store, selector.DefaultWeights())
	hub := notify.NewHub()

	var alerter dispatcher.Alerter
	if apiKey := os.Getenv("EMAIL_API_KEY"); apiKey != "" {
		alerter = notify.NewEmailAlerter(
			apiKey,
			os.Getenv("FROM_NAME"),
			os.Getenv("FROM_ADDRESS"),
			os.Getenv("ALERT_EMAIL"),
		)
	}

	d := dispatcher.New(repo, sel, store, dispatcher.Config{
		MaxConcurrentJobs: envInt("MAX_CONCURRENT_JOBS", 10),
		TickInterval:      time.Duration(envInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		CallTimeout:       time.Duration(envInt("CALL_TIMEOUT_SECONDS", 120)) * time.Second,
	}, hub, alerter)

	sched := scheduler.NewMaintenance(repo, store, scheduler.MaintenanceConfig{
		JobTimeout: time.Duration(envInt("JOB_TIMEOUT_SECONDS", 600)) * time.Second,
		Retention:  time.Duration(envInt("RETENTION_HOURS", 168)) * time.Hour,
	})

	d.Start()
	sched.Start()

	go serveEvents(hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down dispatcher...")
	d.Stop()
	sched.Stop()
}

// serveEvents exposes the websocket event stream and Prometheus metrics.
func serveEvents(hub *notify.Hub) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("failed to upgrade websocket connection: %v", err)
			return
		}
		hub.AddClient(conn)
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := os.Getenv("EVENTS_PORT")
	if port == "" {
		port = "9090"
	}

	log.Printf("Event stream on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatal(err)
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", key, raw)
	}
	return v
}
