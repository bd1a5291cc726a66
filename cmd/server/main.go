package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chart-service/internal/cache"
	"chart-service/internal/config"
	"chart-service/internal/exchange/binance"
	grpcServer "chart-service/internal/grpc"
	"chart-service/internal/pubsub"
	"chart-service/internal/server"
	"chart-service/internal/services/feed"
	"chart-service/internal/services/symbols"
	"chart-service/internal/transport/ws"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Chart Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]server.HealthCheck{}

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		logger.Info("Connecting to Redis...")
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis: ", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected successfully")

		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	// Initialize snapshot cache
	var snapshots cache.SnapshotCache
	switch cfg.Cache.Backend {
	case "redis":
		snapshots = cache.NewRedisSnapshotCache(redisClient, cfg.Cache.SnapshotTTL, logger)
	default:
		snapshots = cache.NewMemorySnapshotCache(cfg.Cache.SnapshotTTL)
	}
	logger.Infof("Snapshot cache backend: %s (ttl %s)", cfg.Cache.Backend, cfg.Cache.SnapshotTTL)

	// Initialize update mirror
	var mirror feed.Mirror
	if cfg.Redis.MirrorUpdates {
		mirror = pubsub.NewPublisher(redisClient, cfg.Redis.ChannelPrefix, logger)
		logger.Infof("Mirroring live updates to Redis channels %s:*", cfg.Redis.ChannelPrefix)
	}

	// Initialize exchange client and symbol metadata
	exchangeClient := binance.NewClient(cfg.Upstream, logger)
	resolver := symbols.NewResolver(exchangeClient, cfg.Cache.SymbolTTL, logger)
	go resolver.StartAutoRefresh(ctx)

	// Initialize feed hub and viewer transport
	connections := ws.NewConnections(logger)
	hub := feed.NewHub(exchangeClient, snapshots, resolver, connections, mirror, feed.Options{
		HistoryLimit:  cfg.Upstream.HistoryLimit,
		SnapshotTTL:   cfg.Cache.SnapshotTTL,
		FetchTimeout:  cfg.Feed.FetchTimeout,
		StopTimeout:   cfg.Feed.StopTimeout,
		PendingBuffer: cfg.Feed.PendingBuffer,
		Strict:        cfg.Feed.StrictChecks,
	}, logger)
	wsServer := ws.NewServer(hub, connections, cfg.Transport, logger)

	if cfg.Feed.WatchlistFile != "" {
		go prewarm(ctx, hub, cfg.Feed.WatchlistFile, logger)
	}

	// Start HTTP server
	server.Version = version
	httpSrv := server.NewHTTPServer(cfg, server.Deps{
		Hub:         hub,
		ChartHub:    wsServer.Handle,
		Connections: connections.Len,
		Symbols:     resolver.Count,
		Upstream:    exchangeClient.Stats,
		Checks:      checks,
	}, logger)

	httpErrChan := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			httpErrChan <- err
		}
	}()

	// Start gRPC health server
	grpcSrv := grpcServer.NewServer(cfg, checks, logger)
	go grpcSrv.WatchHealth(ctx, 10*time.Second)

	grpcErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Starting gRPC server on :%d", cfg.Server.GRPCPort)
		if err := grpcSrv.Start(); err != nil {
			grpcErrChan <- err
		}
	}()

	logger.Infof("Chart Service v%s started successfully", version)
	logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)
	logger.Infof("gRPC server listening on :%d", cfg.Server.GRPCPort)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-httpErrChan:
		logger.WithError(err).Error("HTTP server error")
	case err := <-grpcErrChan:
		logger.WithError(err).Error("gRPC server error")
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	connections.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}

	grpcSrv.Stop()
	hub.Close()

	logger.Infof("Shutdown complete after %s uptime", grpcSrv.Uptime().Round(time.Second))
}

func prewarm(ctx context.Context, hub *feed.Hub, path string, logger *logrus.Logger) {
	keys, err := symbols.LoadWatchlist(path)
	if err != nil {
		logger.WithError(err).Warn("Failed to load watchlist, skipping prewarm")
		return
	}

	warmed := hub.Prewarm(ctx, keys)
	logger.Infof("Prewarmed %d/%d chart snapshots", warmed, len(keys))
}
