package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskgraph/taskgraph/libs/health"
	"github.com/taskgraph/taskgraph/libs/metrics"
	"github.com/taskgraph/taskgraph/libs/repository"
	"github.com/taskgraph/taskgraph/libs/statestore"
	"github.com/taskgraph/taskgraph/libs/worker"
)

func main() {
	var (
		redisAddr = flag.String("redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
		dbConn    = flag.String("db", getEnv("DATABASE_URL", "./taskgraph.db"), "Postgres URL or SQLite path")
		httpAddr  = flag.String("http-addr", getEnv("HTTP_ADDR", ":9091"), "Address serving /healthz and /metrics")
		debug     = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug || os.Getenv("LOG_LEVEL") == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promMetrics := metrics.NewPrometheusMetrics(promRegistry)

	redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
	store, err := statestore.NewRedisStore(ctx, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	db, err := repository.Open(*dbConn)
	if err != nil {
		logger.Fatal("failed to open definition repository", zap.Error(err))
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		logger.Fatal("failed to migrate definition repository", zap.Error(err))
	}
	repo := repository.New(db)

	registry := worker.NewRegistry()
	registerBuiltinHandlers(registry)

	consumerName := getEnv("CONSUMER_NAME", "worker-"+uuid.NewString())
	w := worker.New(store, repo, registry, consumerName, worker.DefaultConfig(), promMetrics, logger)

	h := health.New()
	h.Register("redis", health.NewRedisChecker(redisClient, 2*time.Second))
	h.Register("repository", health.NewRepositoryChecker(db.Conn, 2*time.Second))
	h.Register("circuit_breakers", health.NewCircuitBreakerChecker(w.BreakerStates))

	mux := http.NewServeMux()
	health.NewHandler(h).RegisterHandlers(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("worker health/metrics server listening", zap.String("addr", *httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		logger.Info("worker task loop starting", zap.String("consumer", consumerName))
		runErr <- w.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.Error("worker loop exited unexpectedly", zap.Error(err))
		}
	case err := <-serverErr:
		logger.Error("health/metrics server failed", zap.Error(err))
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health/metrics server", zap.Error(err))
	}

	logger.Info("worker shutdown complete")
}

// registerBuiltinHandlers wires the demonstration handlers this binary
// ships with. Real deployments register their own handlers from a
// separate entry point; handler business logic is otherwise outside
// this module's scope.
func registerBuiltinHandlers(registry *worker.Registry) {
	registry.Register("echo", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return config, nil
	})
	registry.Register("noop", func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
