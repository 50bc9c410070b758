package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicops.org/internal/asset"
	"civicops.org/internal/auth"
	"civicops.org/internal/httpapi"
	"civicops.org/internal/inspect"
	"civicops.org/internal/jobs"
	"civicops.org/internal/obs"
	"civicops.org/internal/proximity"
	"civicops.org/internal/store/pg"
	"civicops.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CIVICOPS_COMMIT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With a DSN everything runs on Postgres; without one the service runs
	// fully in memory, which is enough for local development and demos.
	var (
		assets  asset.Service
		reports inspect.Service
		tokens  proximity.TokenStore
		users   auth.Directory
		probe   httpapi.ReadyProbe
	)
	if dsn := os.Getenv("CIVICOPS_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		assets = store
		reports = store.Reports()
		tokens = store
		users = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("CIVICOPS_PG_DSN not set, using in-memory state")
		mem := asset.NewInMemory()
		memTokens := proximity.NewInMemoryTokens()
		assets = mem
		reports = inspect.NewInMemory(mem, memTokens)
		tokens = memTokens
		users = auth.NewInMemoryDirectory()
	}

	gate := proximity.NewGate(assets, tokens)
	st := stream.New()

	jobs.StartEscalationJob(ctx, jobs.EscalationConfig{
		Enabled:  os.Getenv("CIVICOPS_ESCALATION_DISABLED") == "",
		Interval: envDuration("CIVICOPS_ESCALATION_INTERVAL", 5*time.Minute),
	}, reports)
	jobs.StartTokenPurgeJob(ctx, envDuration("CIVICOPS_TOKEN_PURGE_INTERVAL", 10*time.Minute), tokens)

	api := httpapi.New(probe, version, assets, reports, gate, users, st)
	if store, ok := assets.(*pg.Store); ok {
		h, err := store.LoadHierarchy(ctx)
		if err != nil {
			log.Fatalf("load geo hierarchy: %v", err)
		}
		api.SetHierarchy(h)
	}

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting civicops-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func listenAddr() string {
	if addr := os.Getenv("CIVICOPS_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}
