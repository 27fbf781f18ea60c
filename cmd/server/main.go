package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/frenzywall/changehist/internal/api"
	"github.com/frenzywall/changehist/internal/history"
	"github.com/frenzywall/changehist/internal/search"
	"github.com/frenzywall/changehist/internal/search/cache"
	"github.com/frenzywall/changehist/internal/search/index"
	"github.com/frenzywall/changehist/internal/search/rebuild"
	"github.com/frenzywall/changehist/internal/service"
	"github.com/frenzywall/changehist/pkg/config"
	"github.com/frenzywall/changehist/pkg/health"
	"github.com/frenzywall/changehist/pkg/kafka"
	"github.com/frenzywall/changehist/pkg/logger"
	"github.com/frenzywall/changehist/pkg/metrics"
	"github.com/frenzywall/changehist/pkg/middleware"
	pkgredis "github.com/frenzywall/changehist/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting change history service",
		"port", cfg.Server.Port,
		"history_limit", cfg.History.Limit,
	)

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	m := metrics.New()
	store := history.NewStore(redisClient, cfg.History.Limit, m)
	keys := store.Keys()
	ix := index.New(redisClient, keys, cfg.Rebuild.BatchSize, m)
	resultCache := cache.New(redisClient, keys, cfg.Search.PartialCacheTTL, cfg.Search.FailedCacheTTL, m)
	coordinator := rebuild.New(redisClient, keys, cfg.Rebuild.LeaseTTL,
		func(ctx context.Context) error { return ix.Rebuild(ctx, store) },
		resultCache, m)
	engine := search.New(store, ix, resultCache, cfg.Search, m)

	var events *kafka.Producer
	if cfg.Kafka.Enabled {
		events = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.HistoryChanged)
		defer events.Close()
		slog.Info("change notifications enabled", "topic", cfg.Kafka.Topics.HistoryChanged)
	}
	svc := service.New(store, engine, coordinator, events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)
	// Build the index from whatever survived the last shutdown.
	coordinator.Request()

	checker := health.NewChecker()
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := api.New(svc, cfg.History.DefaultPageSize)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history", h.List)
	mux.HandleFunc("POST /api/history", h.Save)
	mux.HandleFunc("GET /api/history/status", h.Status)
	mux.HandleFunc("GET /api/history/{id}", h.Get)
	mux.HandleFunc("DELETE /api/history/{id}", h.Delete)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	go func() {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	if metricsShutdown != nil {
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	slog.Info("shutdown complete")
}
