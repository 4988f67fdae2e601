// Command webrunner runs the full pipeline in one process: HTTP ingress,
// per-container dispatchers, and the browser agent worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/webrunner/api/handlers"
	"github.com/BaSui01/webrunner/browser"
	"github.com/BaSui01/webrunner/config"
	"github.com/BaSui01/webrunner/dispatch"
	"github.com/BaSui01/webrunner/internal/metrics"
	"github.com/BaSui01/webrunner/llmclient"
	"github.com/BaSui01/webrunner/queue"
	"github.com/BaSui01/webrunner/store"
	"github.com/BaSui01/webrunner/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	containers := flag.String("containers", "qa", "comma-separated container names this process serves")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, *containers, logger); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Fatal("webrunner exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, containerList string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infrastructure clients.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	resultStore, err := store.NewGormStore(store.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("webrunner", registry)

	q := queue.New(rdb, queue.Config{
		KeyPrefix:         cfg.Redis.KeyPrefix,
		DedupWindow:       cfg.Queue.DedupWindow,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		PollInterval:      cfg.Queue.PollInterval,
	}, logger)

	llm := llmclient.New(llmclient.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		RequestTimeout:    cfg.LLM.RequestTimeout,
		TokenFloor:        cfg.LLM.TokenFloor,
		TokenLowWatermark: cfg.LLM.TokenLowWatermark,
		RequestFloor:      cfg.LLM.RequestFloor,
		ResetBuffer:       cfg.LLM.ResetBuffer,
	}, logger, llmclient.WithRetryObserver(collector.OverloadRetry))

	browserCfg := browser.Config{
		Headless:       cfg.Browser.Headless,
		IdleTimeout:    cfg.Browser.IdleTimeout,
		ActionTimeout:  cfg.Browser.ActionTimeout,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		UserAgent:      cfg.Browser.UserAgent,
	}

	// One agent worker per served container. Partitions dispatch
	// concurrently, so each worker owns its own browser session; sharing one
	// manager would let a finishing job tear down the session another
	// partition's job is still driving.
	workers := dispatch.NewRegistry()
	for _, name := range splitList(containerList) {
		sessions := browser.NewManager(browserCfg, browser.NewChromedpFactory(logger), logger)
		sessions.OnLifecycle(collector.SessionStarted, collector.SessionRecycled)
		defer sessions.Cleanup()

		tools := worker.NewToolRegistry(logger)
		if err := worker.RegisterBrowserTools(tools, sessions); err != nil {
			return err
		}

		wcfg := worker.DefaultConfig(name)
		wcfg.Model = cfg.LLM.Model
		wcfg.MaxTokens = cfg.LLM.MaxTokens
		wcfg.MaxSteps = cfg.Worker.MaxSteps
		wcfg.TokenBudget = cfg.Worker.TokenBudget
		wcfg.StepTimeout = cfg.Worker.StepTimeout

		w, err := worker.New(wcfg, llm, tools, sessions, logger)
		if err != nil {
			return err
		}
		if err := workers.Register(w); err != nil {
			return err
		}
	}

	dispatcher := dispatch.New(q, resultStore, workers, store.Metadata{
		Region:  os.Getenv("WEBRUNNER_REGION"),
		Version: version,
	}, collector, logger)

	// HTTP surface.
	mux := http.NewServeMux()
	jobs := handlers.NewJobsHandler(q, resultStore, workers, collector, logger)
	mux.Handle("/jobs", jobs)
	mux.Handle("/jobs/", jobs)
	mux.Handle("/healthz", handlers.NewHealthHandler(q))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- dispatcher.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("webrunner stopped")
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
