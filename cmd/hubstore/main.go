// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command hubstore starts the hub storage API server.
//
// The server fronts a two-tier storage layer:
//   - BadgerDB fast store (embedded WAL, module cache, checkpoints)
//   - Weaviate graph store (durable module/communication graph)
//
// with an in-memory routing graph rebuilt from the durable tier and a
// background sync engine keeping the tiers eventually consistent.
//
// Usage:
//
//	go run ./cmd/hubstore
//	go run ./cmd/hubstore -config hubstore.yaml
//	go run ./cmd/hubstore -addr :9191 -debug
//
// Example requests:
//
//	# Record a communication
//	curl -X POST http://localhost:9090/v1/hub/events \
//	  -H "Content-Type: application/json" \
//	  -d '{"source": "marker", "target": "arangodb", "action": "store", "success": true, "duration_ms": 42}'
//
//	# Find the optimal route between two modules
//	curl 'http://localhost:9090/v1/hub/route?source=marker&target=unsloth'
//
//	# Graph-wide structural analysis
//	curl http://localhost:9090/v1/hub/analysis | jq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grahama1970/granger-hub-sub000/pkg/logging"
	"github.com/grahama1970/granger-hub-sub000/services/hub/api"
	"github.com/grahama1970/granger-hub-sub000/services/hub/config"
	"github.com/grahama1970/granger-hub-sub000/services/hub/graphstore"
	"github.com/grahama1970/granger-hub-sub000/services/hub/hybrid"
	hubbadger "github.com/grahama1970/granger-hub-sub000/services/hub/storage/badger"
	"github.com/grahama1970/granger-hub-sub000/services/hub/storage/fast"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (empty uses defaults)")
	addr := flag.String("addr", "", "Listen address override (e.g. :9191)")
	logDir := flag.String("log-dir", "", "Directory for JSON log files (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logs := logging.New(logging.Config{
		Level:   level,
		LogDir:  *logDir,
		Service: "hubstore",
		JSON:    !*debug,
	})
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	if err := run(cfg, *debug, logger); err != nil {
		slog.Error("Server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, debug bool, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := hubbadger.Open(hubbadger.Config{
		Path:       cfg.Fast.Path,
		InMemory:   cfg.Fast.InMemory,
		SyncWrites: cfg.Fast.SyncWrites,
		GCInterval: cfg.Fast.GCInterval.Std(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open fast store: %w", err)
	}
	defer func() { _ = db.Close() }()
	fastStore := fast.New(db, logger)

	graphStore, client, err := connectGraphStore(ctx, cfg.GraphStore, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	storage, err := hybrid.New(ctx, fastStore, graphStore, hybrid.Config{
		SyncQueueSize:      cfg.Sync.QueueSize,
		SyncBatchSize:      cfg.Sync.BatchSize,
		SyncInterval:       cfg.Sync.Interval.Std(),
		RouteCacheCapacity: cfg.Cache.RouteCapacity,
		AllowStartDegraded: cfg.GraphStore.AllowStartDegraded,
	}, logger)
	if err != nil {
		return fmt.Errorf("init hybrid storage: %w", err)
	}
	storage.Start(ctx)

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	api.RegisterRoutes(v1, api.NewHandlers(storage, graphStore, logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"graph_store": graphStore.Available(),
			"sync_queue":  storage.SyncEngine().QueueDepth(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting hub storage server", slog.String("address", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		slog.Info("Shutting down hub storage server", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}

	// Stop accepting writes first, then drain the sync queue before the
	// stores go away.
	storage.Close()
	return nil
}

// connectGraphStore dials Weaviate and waits for readiness. When the store
// is unreachable and degraded startup is allowed, the process comes up
// anyway: reads degrade to fast-store-only and the sync engine catches the
// graph up once it returns.
func connectGraphStore(ctx context.Context, cfg config.GraphStoreConfig, logger *slog.Logger) (*graphstore.Store, *graphstore.ResilientClient, error) {
	clientCfg := graphstore.DefaultClientConfig()
	clientCfg.URL = cfg.URL
	clientCfg.RetryAttempts = cfg.MaxRetries
	clientCfg.HealthCheckInterval = cfg.HealthCheckInterval.Std()
	clientCfg.AllowStartDegraded = cfg.AllowStartDegraded
	clientCfg.Logger = logger

	client, err := graphstore.NewResilientClient(clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create graph client: %w", err)
	}

	store := graphstore.NewStore(client, logger)

	if err := client.WaitForReady(ctx, cfg.StartupTimeout.Std()); err != nil {
		if !cfg.AllowStartDegraded {
			_ = client.Close()
			return nil, nil, fmt.Errorf("graph store not ready: %w", err)
		}
		slog.Warn("Graph store unavailable, starting degraded",
			slog.String("url", cfg.URL),
			slog.String("error", err.Error()))
		return store, client, nil
	}

	if err := store.EnsureSchema(ctx); err != nil {
		if !cfg.AllowStartDegraded {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		slog.Warn("Schema setup failed, starting degraded", slog.String("error", err.Error()))
	}

	return store, client, nil
}
