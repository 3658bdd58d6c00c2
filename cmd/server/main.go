package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoshuaShaver/medplum/internal/config"
	"github.com/JoshuaShaver/medplum/internal/handler"
	"github.com/JoshuaShaver/medplum/internal/health"
	"github.com/JoshuaShaver/medplum/internal/metrics"
	"github.com/JoshuaShaver/medplum/internal/pool"
	"github.com/JoshuaShaver/medplum/internal/provision"
	"github.com/JoshuaShaver/medplum/internal/repo"
	"github.com/JoshuaShaver/medplum/internal/shard"
	"github.com/JoshuaShaver/medplum/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting sharded resource repository server")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("shards", len(cfg.Shards)),
		zap.String("default_shard_id", cfg.Sharding.DefaultShardID),
		zap.String("reader_policy", cfg.Sharding.ReaderPolicy),
		zap.String("cache_backend", cfg.Cache.Backend))

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Metrics initialized")

	// Initialize the pool registry over every configured shard
	policy := pool.NewReaderPolicy(cfg.Sharding.ReaderPolicy)
	registry := pool.NewRegistry(cfg.Shards, policy, logger, m)
	logger.Info("Pool registry initialized")

	// Ensure resource tables exist on every shard
	ctx := context.Background()
	for _, shardCfg := range cfg.Shards {
		st := store.NewPostgresResourceStore(registry, shardCfg.ID, logger)
		if err := st.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure schema",
				zap.String("shard_id", shardCfg.ID),
				zap.Error(err))
		}
	}
	logger.Info("Shard schemas verified")

	// Initialize the shard resolution cache
	var cache store.Cache
	if cfg.Cache.Backend == "redis" {
		redisCache, err := store.NewRedisCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.MinIdleConns,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Redis cache", zap.Error(err))
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		cache = store.NewInMemoryCache(cfg.Cache.MaxSize, logger)
	}
	logger.Info("Shard cache initialized", zap.String("backend", cfg.Cache.Backend))

	// Initialize repositories and the shard directory
	provider := repo.NewPoolProvider(registry, logger, m)
	globalRepo := repo.NewGlobalRepository(registry, logger, m)
	directory := shard.NewDirectory(globalRepo, provider, cache,
		cfg.Cache.ShardTTL, cfg.Sharding.DefaultShardID, logger, m)
	provisioner := provision.NewService(directory, globalRepo, provider, logger)
	logger.Info("Repositories initialized")

	// Set up the admin/health HTTP server
	healthChecker := health.NewHealthChecker(registry, cache, logger)
	projectHandler := handler.NewProjectHandler(provisioner, directory, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	projectHandler.Register(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	// Metrics server
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux,
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown failed", zap.Error(err))
			}
		}
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("Pool registry shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}
