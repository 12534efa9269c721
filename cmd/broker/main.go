/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Nexus broker server: SQLite store, the
  mint/settle/sweep services, the HTTP router, the background sweep
  scheduler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags / environment
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Start the background sweep scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -db        SQLite database path (default: nexus.db; ":memory:" allowed)
  -admin-key admin key required for /sweep_expired, /invariants, /admin/*

ENVIRONMENT (overrides flag defaults):
  PORT, NEXUS_DB_PATH, ADMIN_KEY, NEXUS_SWEEP_INTERVAL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (15s timeout)
  3. Stop the sweep scheduler
  4. Close the database connection

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweep
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nateajmera/nexus-broker/api"
	"github.com/nateajmera/nexus-broker/broker"
	"github.com/nateajmera/nexus-broker/store/sqlite"
)

func main() {
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envOr("NEXUS_DB_PATH", "nexus.db"), "SQLite database path")
	adminKey := flag.String("admin-key", envOr("ADMIN_KEY", ""), "admin key for privileged endpoints")
	sweepInterval := flag.Duration("sweep-interval", envDuration("NEXUS_SWEEP_INTERVAL", 30*time.Second), "background sweep interval")
	flag.Parse()

	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	if *adminKey == "" {
		logger.Warn().Msg("no admin key configured; sweep_expired, invariants, and admin endpoints are unreachable")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	clock := broker.SystemClock{}
	policy := broker.DefaultPolicy()
	handler := api.NewHandler(store, store, *adminKey, clock, policy)

	scheduler := api.NewSweepScheduler(handler.Sweep, logger)
	scheduler.CheckInterval = *sweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", *port).Msg("broker starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
