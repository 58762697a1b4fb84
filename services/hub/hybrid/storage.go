// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hybrid unifies the fast embedded store and the durable graph
// store behind one façade, with a background sync engine bridging them.
//
// Features:
//   - Synchronous fast-path writes with async best-effort graph sync
//   - Tiered module lookup: memory cache, fast store, graph store
//   - Route finding and graph analytics via the in-memory model
//   - Periodic checkpoint-based reconciliation of unsynced messages
//   - Process-lifetime storage metrics with a rolling latency window
//
// Write path: callers write to the fast store synchronously (the
// durability floor, failures surface immediately) and a sync job is
// enqueued for the graph store. Read paths degrade to empty results when
// the graph store is unavailable; they never panic and never block on it.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grahama1970/granger-hub-sub000/services/hub/graph"
	"github.com/grahama1970/granger-hub-sub000/services/hub/graphstore"
	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
	"github.com/grahama1970/granger-hub-sub000/services/hub/storage/fast"
)

var tracer = otel.Tracer("hub.hybrid")

// moduleCacheTTL bounds how long a module stays in the in-process tier.
const moduleCacheTTL = 5 * time.Minute

// performanceWindow is the rolling latency window GetMetrics reports.
const performanceWindow = time.Hour

// GraphStore is the durable-store surface the hybrid layer consumes.
// *graphstore.Store satisfies it; tests substitute fakes.
type GraphStore interface {
	GraphWriter
	graph.Source

	GetModule(ctx context.Context, name string) (*records.ModuleNode, error)
	HistoricalStats(ctx context.Context, module string, days int) (*records.HistoricalAnalysis, error)
	Available() bool
}

// Config tunes the hybrid layer.
type Config struct {
	SyncQueueSize int
	SyncBatchSize int
	SyncInterval  time.Duration

	RouteCacheCapacity int

	// AllowStartDegraded lets New succeed with an empty graph model when
	// the durable store cannot be read at startup; a later rebuild
	// recovers once the store returns.
	AllowStartDegraded bool
}

// Storage is the façade over the fast store, the graph store, and the
// in-memory graph model.
//
// Thread Safety: All methods are safe for concurrent use. The sync queue
// is the only hand-off between caller goroutines and the durable path.
type Storage struct {
	fast    *fast.Store
	graph   GraphStore
	comm    *graph.Communicator
	sync    *SyncEngine
	metrics counters
	logger  *slog.Logger

	cacheMu     sync.RWMutex
	moduleCache map[string]cachedModule
}

type cachedModule struct {
	module   *records.ModuleNode
	storedAt time.Time
}

// New wires the hybrid storage layer and builds the initial graph model.
// Call Start to launch the sync engine and Close on shutdown.
func New(ctx context.Context, fastStore *fast.Store, graphStore GraphStore, cfg Config, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Storage{
		fast:        fastStore,
		graph:       graphStore,
		logger:      logger.With(slog.String("component", "hybrid_storage")),
		moduleCache: make(map[string]cachedModule),
	}

	comm, err := graph.NewCommunicator(ctx, graphStore, cfg.RouteCacheCapacity, logger)
	if err != nil {
		if !cfg.AllowStartDegraded {
			return nil, fmt.Errorf("init graph communicator: %w", err)
		}
		s.logger.Warn("initial graph model build failed, starting degraded with empty model",
			slog.Any("error", err))
		comm = graph.NewDegradedCommunicator(graphStore, cfg.RouteCacheCapacity, logger)
	}
	s.comm = comm
	s.sync = NewSyncEngine(graphStore, fastStore, &s.metrics,
		cfg.SyncQueueSize, cfg.SyncBatchSize, cfg.SyncInterval, logger)
	return s, nil
}

// Start launches the background sync engine.
func (s *Storage) Start(ctx context.Context) {
	s.sync.Start(ctx)
}

// Close stops the sync engine, letting the in-flight batch finish.
func (s *Storage) Close() {
	s.sync.Stop()
}

// Communicator exposes the graph communicator for direct analytics access.
func (s *Storage) Communicator() *graph.Communicator {
	return s.comm
}

// SyncEngine exposes the sync engine, mainly for health reporting.
func (s *Storage) SyncEngine() *SyncEngine {
	return s.sync
}

// ----------------------------------------------------------------------
// Write path
// ----------------------------------------------------------------------

// LogEvent records one communication attempt. The fast-store append is the
// durability floor and fails loudly; when syncToGraph is set a sync job is
// enqueued best-effort. Returns the event ID.
//
// Edge cases: a zero Timestamp is stamped with the current time; an empty
// ID is derived deterministically from (source, target, action, timestamp)
// so replays upsert instead of duplicating.
func (s *Storage) LogEvent(ctx context.Context, edge records.CommunicationEdge, syncToGraph bool) (string, error) {
	ctx, span := tracer.Start(ctx, "hybrid.LogEvent",
		trace.WithAttributes(
			attribute.String("source", edge.Source),
			attribute.String("target", edge.Target)))
	defer span.End()

	start := time.Now()
	if edge.Timestamp.IsZero() {
		edge.Timestamp = time.Now().UTC()
	}
	if edge.ID == "" {
		edge.ID = records.NewEdgeID(edge.Source, edge.Target, edge.Action, edge.Timestamp)
	}

	if err := s.fast.AppendMessage(ctx, &edge); err != nil {
		return "", fmt.Errorf("fast store append: %w", err)
	}
	s.metrics.fastWrite()

	if syncToGraph {
		s.sync.Enqueue(records.SyncJob{
			Kind:       records.SyncJobCommunication,
			Edge:       &edge,
			EnqueuedAt: time.Now().UTC(),
		})
	}

	// New traffic invalidates any cached route through either endpoint.
	s.comm.InvalidateRoutes(edge.Source)
	s.comm.InvalidateRoutes(edge.Target)

	s.recordOp(ctx, "log_event", time.Since(start))
	return edge.ID, nil
}

// RegisterModule stores a module in the fast tiers and enqueues a graph
// upsert. Existing cached routes through the module are invalidated.
func (s *Storage) RegisterModule(ctx context.Context, module *records.ModuleNode) error {
	start := time.Now()
	if module.RegisteredAt.IsZero() {
		module.RegisteredAt = time.Now().UTC()
	}
	module.LastSeen = time.Now().UTC()

	if err := s.fast.PutModule(ctx, module); err != nil {
		return fmt.Errorf("fast store put module: %w", err)
	}
	s.metrics.fastWrite()
	s.storeInMemory(module)

	s.sync.Enqueue(records.SyncJob{
		Kind:       records.SyncJobModule,
		Module:     module,
		EnqueuedAt: time.Now().UTC(),
	})
	s.comm.InvalidateRoutes(module.Name)

	s.recordOp(ctx, "register_module", time.Since(start))
	return nil
}

// LogConversation enqueues a conversation record for the graph store.
// A missing ID or start time is stamped here.
func (s *Storage) LogConversation(_ context.Context, conv *records.ConversationRecord) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now().UTC()
	}
	s.sync.Enqueue(records.SyncJob{
		Kind:         records.SyncJobConversation,
		Conversation: conv,
		EnqueuedAt:   time.Now().UTC(),
	})
}

// ----------------------------------------------------------------------
// Read path
// ----------------------------------------------------------------------

// GetModuleInfo looks a module up through the tiers: in-process memory
// cache, fast store, then graph store. A graph-store hit backfills both
// lower tiers. Exactly one of the hit/miss counters increments per call;
// a hit means either cache tier served the module.
//
// Returns (nil, nil) when the module is unknown or the graph store is
// unavailable.
func (s *Storage) GetModuleInfo(ctx context.Context, name string) (*records.ModuleNode, error) {
	ctx, span := tracer.Start(ctx, "hybrid.GetModuleInfo",
		trace.WithAttributes(attribute.String("module", name)))
	defer span.End()

	start := time.Now()
	defer func() { s.recordOp(ctx, "get_module_info", time.Since(start)) }()

	if module := s.fromMemory(name); module != nil {
		s.metrics.cacheHit("memory")
		return module, nil
	}

	module, err := s.fast.GetModule(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fast store get module: %w", err)
	}
	s.metrics.fastRead()
	if module != nil {
		s.metrics.cacheHit("fast")
		s.storeInMemory(module)
		return module, nil
	}
	s.metrics.cacheMiss("fast")

	module, err = s.graph.GetModule(ctx, name)
	if err != nil {
		if isUnavailable(err) {
			s.logger.Warn("graph store unavailable for module lookup",
				slog.String("module", name))
			return nil, nil
		}
		return nil, fmt.Errorf("graph store get module: %w", err)
	}
	s.metrics.durableRead()
	if module == nil {
		return nil, nil
	}

	// Backfill the lower tiers so the next lookup stays local.
	if err := s.fast.PutModule(ctx, module); err != nil {
		s.logger.Warn("module backfill failed", slog.Any("error", err))
	}
	s.storeInMemory(module)
	return module, nil
}

// FindRoute returns the optimal route between two modules, or (nil, nil)
// when no path exists. useCache=false bypasses the route cache, always
// computing against the current model snapshot.
func (s *Storage) FindRoute(ctx context.Context, source, target string, useCache bool) (*records.CommunicationRoute, error) {
	ctx, span := tracer.Start(ctx, "hybrid.FindRoute",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("target", target),
			attribute.Bool("use_cache", useCache)))
	defer span.End()

	start := time.Now()
	defer func() { s.recordOp(ctx, "find_route", time.Since(start)) }()

	var (
		route *records.CommunicationRoute
		err   error
	)
	if useCache {
		route, err = s.comm.FindOptimalRoute(ctx, source, target)
	} else {
		route, err = s.comm.ComputeRoute(source, target)
	}
	if err != nil {
		// Unreachable or unknown endpoints are a valid empty result.
		if errors.Is(err, graph.ErrNoPath) || errors.Is(err, graph.ErrUnknownModule) {
			return nil, nil
		}
		return nil, err
	}
	return route, nil
}

// GetRecentCommunications returns the newest messages touching a module
// from the fast store only. Recent and approximate, never authoritative.
func (s *Storage) GetRecentCommunications(ctx context.Context, module string, limit int) ([]records.CommunicationEdge, error) {
	start := time.Now()
	defer func() { s.recordOp(ctx, "recent_communications", time.Since(start)) }()

	edges, err := s.fast.RecentMessages(ctx, module, limit)
	if err != nil {
		return nil, fmt.Errorf("fast store recent messages: %w", err)
	}
	s.metrics.fastRead()
	return edges, nil
}

// GetHistoricalAnalysis aggregates a module's communication history over a
// day window from the graph store. Authoritative and slower. Returns
// (nil, nil) when the graph store is unavailable.
func (s *Storage) GetHistoricalAnalysis(ctx context.Context, module string, days int) (*records.HistoricalAnalysis, error) {
	ctx, span := tracer.Start(ctx, "hybrid.GetHistoricalAnalysis",
		trace.WithAttributes(
			attribute.String("module", module),
			attribute.Int("window_days", days)))
	defer span.End()

	start := time.Now()
	defer func() { s.recordOp(ctx, "historical_analysis", time.Since(start)) }()

	analysis, err := s.graph.HistoricalStats(ctx, module, days)
	if err != nil {
		if isUnavailable(err) {
			s.logger.Warn("graph store unavailable for historical analysis",
				slog.String("module", module))
			return nil, nil
		}
		return nil, fmt.Errorf("graph store historical stats: %w", err)
	}
	s.metrics.durableRead()
	return analysis, nil
}

// AnalyzeCommunicationPatterns runs the structural graph analysis on the
// current in-memory model snapshot.
func (s *Storage) AnalyzeCommunicationPatterns() *graph.Analysis {
	return s.comm.AnalyzeCommunicationPatterns()
}

// RecommendModules ranks modules advertising a capability, favoring ones
// near the requesting module.
func (s *Storage) RecommendModules(capability, requester string) []graph.Recommendation {
	return s.comm.RecommendModules(capability, requester)
}

// GetModuleNeighborhood returns the subgraph around a module.
func (s *Storage) GetModuleNeighborhood(module string, depth int) *graph.Subgraph {
	return s.comm.GetModuleNeighborhood(module, depth)
}

// GetMetrics snapshots the process-lifetime counters together with the
// rolling per-operation latency window from the fast store.
func (s *Storage) GetMetrics(ctx context.Context) (StorageMetrics, error) {
	m := s.metrics.snapshot()
	perf, err := s.fast.PerformanceWindow(ctx, performanceWindow)
	if err != nil {
		return m, fmt.Errorf("performance window: %w", err)
	}
	m.Performance = perf
	return m, nil
}

// ----------------------------------------------------------------------
// Internal helpers
// ----------------------------------------------------------------------

func (s *Storage) fromMemory(name string) *records.ModuleNode {
	s.cacheMu.RLock()
	entry, ok := s.moduleCache[name]
	s.cacheMu.RUnlock()
	if !ok || time.Since(entry.storedAt) > moduleCacheTTL {
		return nil
	}
	return entry.module
}

func (s *Storage) storeInMemory(module *records.ModuleNode) {
	s.cacheMu.Lock()
	s.moduleCache[module.Name] = cachedModule{module: module, storedAt: time.Now()}
	s.cacheMu.Unlock()
}

// recordOp feeds the rolling latency window; failures only log, a metrics
// write must never fail a user operation.
func (s *Storage) recordOp(ctx context.Context, op string, elapsed time.Duration) {
	if err := s.fast.RecordOp(ctx, op, elapsed); err != nil {
		s.logger.Debug("record op failed", slog.String("op", op), slog.Any("error", err))
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, graphstore.ErrStoreUnavailable) ||
		errors.Is(err, graphstore.ErrCircuitOpen)
}
