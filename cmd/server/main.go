package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/draftforge/genqueue/internal/api"
	"github.com/draftforge/genqueue/internal/dashboard"
	"github.com/draftforge/genqueue/internal/health"
	"github.com/draftforge/genqueue/internal/middleware"
	"github.com/draftforge/genqueue/internal/provider"
	"github.com/draftforge/genqueue/internal/repository"
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
	dash := dashboard.New(repo, store, envInt("MAX_CONCURRENT_JOBS", 10))
	apiHandler := api.New(repo, registry, store, dash, nil)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", promhttp.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on :%s", port)
	log.Printf("Providers: %v", registry.Names())

	if err := http.ListenAndServe(":"+port, middleware.MetricsMiddleware(mux)); err != nil {
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
