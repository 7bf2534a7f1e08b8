package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/channelmesh/topicbus/broker"
	"github.com/channelmesh/topicbus/correlation"
	"github.com/channelmesh/topicbus/internal/config"
	"github.com/channelmesh/topicbus/internal/httpapi"
	"github.com/channelmesh/topicbus/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "topicbusd",
		Short: "Topic-routed message broker daemon",
		Long: `Topicbusd runs an embedded topic exchange broker with durable queues
and exposes it over an HTTP API: JSON publish, envelope ingestion,
SSE consume streams, and admin endpoints.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	collector := monitor.NewCollector()
	brokerOpts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithStatsCollector(collector),
		broker.WithSweepInterval(cfg.SweepInterval),
	}
	if cfg.DataDir != "" {
		brokerOpts = append(brokerOpts, broker.WithDataDir(cfg.DataDir))
	}
	if cfg.NoSync {
		brokerOpts = append(brokerOpts, broker.WithNoSync())
	}

	b, err := broker.New(brokerOpts...)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Close()

	if err := b.DeclareExchange(cfg.Exchange, cfg.DataDir != ""); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	health := monitor.NewHealthRegistry()
	health.Register(monitor.NewQueueDepthChecker(monitor.NewInspector(b), 10_000, 100_000))

	serverOpts := []httpapi.ServerOption{
		httpapi.WithServerLogger(logger),
		httpapi.WithCollector(collector),
		httpapi.WithHealthRegistry(health),
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		tracker, err := correlation.NewTracker(context.Background(), rdb,
			correlation.WithTrackerLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to connect correlation tracker: %w", err)
		}
		health.Register(monitor.NewRedisChecker(rdb))
		serverOpts = append(serverOpts, httpapi.WithTracker(tracker))
		logger.Info("correlation tracking enabled", "redis", cfg.RedisAddr)
	}

	srv := httpapi.NewServer(b, httpapi.Config{
		Addr:            cfg.HTTPAddr,
		DefaultExchange: cfg.Exchange,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return b.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
