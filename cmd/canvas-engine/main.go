// Package main is the entry point for the canvas engine service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomstudio/canvas-engine/internal/api"
	"github.com/loomstudio/canvas-engine/internal/auth"
	"github.com/loomstudio/canvas-engine/internal/config"
	"github.com/loomstudio/canvas-engine/internal/coordinator"
	"github.com/loomstudio/canvas-engine/internal/credentials"
	"github.com/loomstudio/canvas-engine/internal/distill"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/media"
	"github.com/loomstudio/canvas-engine/internal/orchestration"
	"github.com/loomstudio/canvas-engine/internal/provider"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/internal/resolver"
	"github.com/loomstudio/canvas-engine/internal/validator"
	"github.com/loomstudio/canvas-engine/internal/worker"
)

func main() {
	cfg := config.Load()

	// Structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting canvas engine",
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreType),
		slog.String("queue", cfg.QueueType),
	)

	// Graph and execution stores, Redis with memory fallback
	var graphs graphstore.Store
	var execs execstore.Store
	var creds credentials.Store
	if cfg.StoreType == "redis" {
		redisGraphs, err := graphstore.NewRedisStore(&graphstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.StoreTTL,
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory stores", "error", err)
		} else {
			graphs = redisGraphs
			redisExecs, err := execstore.NewRedisStore(&execstore.RedisConfig{
				URL:      cfg.RedisURL,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				TTL:      cfg.StoreTTL,
			})
			if err != nil {
				logger.Error("execution store init failed", "error", err)
				os.Exit(1)
			}
			execs = redisExecs
			redisCreds, err := credentials.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				logger.Error("credential store init failed", "error", err)
				os.Exit(1)
			}
			creds = redisCreds
			logger.Info("using Redis stores", slog.String("url", cfg.RedisURL))
		}
	}
	if graphs == nil {
		graphs = graphstore.NewMemoryStore()
		execs = execstore.NewMemoryStore()
		creds = credentials.NewMemoryStore()
		logger.Info("using in-memory stores")
	}
	defer graphs.Close()
	defer execs.Close()
	defer creds.Close()

	// Queue
	queueCfg := &queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		DedupWindow: cfg.DedupWindow,
	}
	var jobs queue.Queue
	if cfg.QueueType == "redis" {
		redisQueue, err := queue.NewRedisQueue(&queue.RedisQueueConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Group:    cfg.QueueGroup,
		}, queueCfg, logger)
		if err != nil {
			logger.Error("failed to connect queue to Redis, falling back to memory", "error", err)
			jobs = queue.NewMemoryQueue(queueCfg, logger)
		} else {
			jobs = redisQueue
			logger.Info("using Redis Streams queue", slog.String("group", cfg.QueueGroup))
		}
	} else {
		jobs = queue.NewMemoryQueue(queueCfg, logger)
	}
	defer jobs.Close()

	// Media store for image/video outputs
	var mediaStore media.Store
	if cfg.S3Bucket != "" {
		s3Store, err := media.NewS3Store(&media.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
			PathPrefix:      cfg.S3PathPrefix,
		})
		if err != nil {
			logger.Error("media store init failed, falling back to memory", "error", err)
			mediaStore = media.NewMemoryStore()
		} else {
			mediaStore = s3Store
			logger.Info("using S3 media store", slog.String("bucket", cfg.S3Bucket))
		}
	} else {
		mediaStore = media.NewMemoryStore()
	}
	defer mediaStore.Close()

	// Coordinator and worker pool
	distillOpts := distill.Options{
		MaxTokens:            cfg.MaxContextTokens,
		PreserveRoles:        distill.DefaultOptions().PreserveRoles,
		PreservedItemOverage: cfg.PreservedItemOverage,
	}
	distiller := distill.New(logger)
	coord := coordinator.New(graphs, execs, jobs, resolver.New(nil), distiller, distillOpts, cfg.DefaultTier, logger)
	tracker := orchestration.NewTracker(execs, logger)

	invoker := provider.NewHTTPInvoker("gateway", cfg.ModelGatewayURL)

	pool := worker.New(&worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		StartsPerSec: cfg.WorkerStartsPerSec,
		StartBurst:   cfg.WorkerStartBurst,
		MaxAttempts:  cfg.MaxAttempts,
	}, jobs, execs, graphs, creds, invoker, mediaStore, tracker, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	pool.Start(workerCtx, "standard", "premium")
	logger.Info("worker pool started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)

	// Validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		v = nil
	}

	// Auth
	var authProvider *auth.Provider
	if cfg.OIDCEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		authProvider, err = auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		cancel()
		if err != nil {
			logger.Error("oidc provider init failed", "error", err)
			os.Exit(1)
		}
	}
	authMW := auth.NewMiddleware(authProvider, &auth.MiddlewareConfig{Enabled: cfg.OIDCEnabled})
	limiter := auth.NewPerClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// HTTP server
	handlers := api.NewHandlers(graphs, execs, coord, v, cfg, logger)
	server := api.NewServer(handlers, authMW, limiter)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopWorkers()
	pool.Wait()

	logger.Info("server stopped")
}
