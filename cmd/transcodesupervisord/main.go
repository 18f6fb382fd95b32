// Command transcodesupervisord runs the transcode supervisor's admin
// HTTP API and, when configured, its Redis-backed media-source
// listener.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"transcodesupervisor/internal/api"
	"transcodesupervisor/internal/config"
	"transcodesupervisor/internal/observability/logging"
	"transcodesupervisor/internal/observability/metrics"
	"transcodesupervisor/internal/server"
	"transcodesupervisor/internal/transcode/mediasource"
	"transcodesupervisor/internal/transcode/supervisor"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveBool(flagValue bool, envVar string) bool {
	if v := os.Getenv(envVar); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return flagValue
}

func main() {
	listenAddr := flag.String("addr", firstNonEmpty(os.Getenv("TRANSCODE_SUPERVISOR_ADDR"), ":8090"), "HTTP listen address")
	logLevel := flag.String("log-level", os.Getenv("TRANSCODE_SUPERVISOR_LOG_LEVEL"), "log level (debug, info, warn, error)")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("TRANSCODE_SUPERVISOR_POSTGRES_DSN"), "Postgres DSN for the config store; empty uses the env-backed store")
	globalRPS := flag.Float64("rate-limit-rps", 0, "global admin API request rate limit (0 disables)")
	redisAddr := flag.String("redis-addr", os.Getenv("TRANSCODE_SUPERVISOR_REDIS_ADDR"), "Redis address for the media-source bus (required by -media-source-listener)")
	redisEnable := flag.Bool("media-source-listener", false, "enable the media-source listener (requires -redis-addr)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, "info")})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store config.Store
	if *postgresDSN != "" {
		pgStore, err := config.NewPostgresStore(ctx, config.PostgresConfig{DSN: *postgresDSN})
		if err != nil {
			logger.Error("failed to open postgres config store", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		store = config.NewEnvStore(nil)
		logger.Info("no -postgres-dsn supplied, using process-environment config store")
	}

	sup := supervisor.New(logger)
	started, err := sup.Start(ctx, store)
	if err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	if !started {
		logger.Warn("transcoding disabled (transcode.enable is not true), admin API will report degraded health")
	}
	defer sup.Stop()

	recorder := metrics.Default()
	handler := api.NewHandler(sup, recorder, logger)

	srv, err := server.New(handler, server.Config{
		Addr:            *listenAddr,
		RateLimit:       server.RateLimitConfig{GlobalRPS: *globalRPS},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	if resolveBool(*redisEnable, "TRANSCODE_SUPERVISOR_MEDIA_SOURCE_LISTENER") {
		if *redisAddr == "" {
			logger.Error("-media-source-listener requires -redis-addr")
			os.Exit(1)
		}
		bus, err := mediasource.NewRedisBus(mediasource.RedisConfig{Addr: *redisAddr, Logger: logger})
		if err != nil {
			logger.Error("failed to connect media-source bus", "error", err)
			os.Exit(1)
		}
		listener := mediasource.NewListener(bus, sup, logger)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("media-source listener stopped", "error", err)
			}
		}()
	}

	logger.Info("transcode supervisor listening", "addr", *listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("transcode supervisor stopped")
}
