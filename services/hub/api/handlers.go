// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the hub storage layer over HTTP.
//
// The surface is a thin adapter: request decoding, status-code mapping, and
// nothing else. All semantics live in the hybrid storage layer.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/grahama1970/granger-hub-sub000/services/hub/graphstore"
	"github.com/grahama1970/granger-hub-sub000/services/hub/hybrid"
	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
)

// GraphQueries is the durable-tier query surface served directly, without
// the hybrid façade: raw sandboxed GraphQL plus edge-history lookups.
// Optional: without one those endpoints return 503.
type GraphQueries interface {
	RunReadQuery(ctx context.Context, query string) (*models.GraphQLResponse, error)
	EdgesForModule(ctx context.Context, module string, direction graphstore.Direction, limit int) ([]records.CommunicationEdge, error)
	EdgesBetween(ctx context.Context, source, target string, limit int) ([]records.CommunicationEdge, error)
	UpsertDependency(ctx context.Context, dep *records.DependencyEdge) error
}

// Handlers bundles the HTTP handlers for the hub storage API.
type Handlers struct {
	storage *hybrid.Storage
	queries GraphQueries
	logger  *slog.Logger
}

// NewHandlers creates the handler set. queries may be nil.
func NewHandlers(storage *hybrid.Storage, queries GraphQueries, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		storage: storage,
		queries: queries,
		logger:  logger.With(slog.String("component", "hub_api")),
	}
}

// RegisterRoutes mounts the hub endpoints under the given group.
func RegisterRoutes(g *gin.RouterGroup, h *Handlers) {
	hub := g.Group("/hub")
	hub.POST("/events", h.LogEvent)
	hub.POST("/modules", h.RegisterModule)
	hub.POST("/conversations", h.LogConversation)
	hub.GET("/modules/:name", h.GetModule)
	hub.GET("/modules/:name/recent", h.RecentCommunications)
	hub.GET("/modules/:name/edges", h.ModuleEdges)
	hub.GET("/edges", h.EdgesBetween)
	hub.POST("/dependencies", h.DeclareDependency)
	hub.GET("/modules/:name/history", h.HistoricalAnalysis)
	hub.GET("/modules/:name/neighborhood", h.Neighborhood)
	hub.GET("/route", h.FindRoute)
	hub.GET("/analysis", h.Analysis)
	hub.GET("/recommend", h.Recommend)
	hub.GET("/metrics", h.Metrics)
	hub.POST("/query", h.RawQuery)
}

type logEventRequest struct {
	Source     string         `json:"source" binding:"required"`
	Target     string         `json:"target" binding:"required"`
	Action     string         `json:"action" binding:"required"`
	Success    bool           `json:"success"`
	DurationMS *float64       `json:"duration_ms"`
	DataSize   *int           `json:"data_size"`
	Payload    map[string]any `json:"payload"`
	NoSync     bool           `json:"no_sync"`
}

// LogEvent records one communication attempt.
func (h *Handlers) LogEvent(c *gin.Context) {
	var req logEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.storage.LogEvent(c.Request.Context(), records.CommunicationEdge{
		Source:     req.Source,
		Target:     req.Target,
		Action:     req.Action,
		Success:    req.Success,
		DurationMS: req.DurationMS,
		DataSize:   req.DataSize,
		Payload:    req.Payload,
	}, !req.NoSync)
	if err != nil {
		h.logger.Error("log event failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event write failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": id})
}

// RegisterModule stores a module registration.
func (h *Handlers) RegisterModule(c *gin.Context) {
	var module records.ModuleNode
	if err := c.ShouldBindJSON(&module); err != nil || module.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "module name is required"})
		return
	}
	if err := h.storage.RegisterModule(c.Request.Context(), &module); err != nil {
		h.logger.Error("register module failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "module write failed"})
		return
	}
	c.JSON(http.StatusCreated, module)
}

// LogConversation queues a conversation record for the durable tier.
// Conversations are analytics data, so there is no fast-tier write.
func (h *Handlers) LogConversation(c *gin.Context) {
	var conv records.ConversationRecord
	if err := c.ShouldBindJSON(&conv); err != nil || conv.Initiator == "" || conv.Responder == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "initiator and responder are required"})
		return
	}
	h.storage.LogConversation(c.Request.Context(), &conv)
	c.JSON(http.StatusAccepted, gin.H{"id": conv.ID})
}

// GetModule returns module info through the tiered lookup.
func (h *Handlers) GetModule(c *gin.Context) {
	module, err := h.storage.GetModuleInfo(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "module lookup failed"})
		return
	}
	if module == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not found"})
		return
	}
	c.JSON(http.StatusOK, module)
}

// RecentCommunications returns the newest fast-store messages for a module.
func (h *Handlers) RecentCommunications(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	edges, err := h.storage.GetRecentCommunications(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recent lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"communications": edges})
}

// ModuleEdges returns a module's durable-tier edge history, optionally
// filtered by direction ("in", "out", default "both").
func (h *Handlers) ModuleEdges(c *gin.Context) {
	if h.queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph queries not available"})
		return
	}
	direction := graphstore.Direction(c.DefaultQuery("direction", string(graphstore.DirectionBoth)))
	switch direction {
	case graphstore.DirectionIn, graphstore.DirectionOut, graphstore.DirectionBoth:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be in, out, or both"})
		return
	}
	edges, err := h.queries.EdgesForModule(c.Request.Context(), c.Param("name"), direction, intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "edge lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

// EdgesBetween returns the durable-tier history for one directed pair.
func (h *Handlers) EdgesBetween(c *gin.Context) {
	if h.queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph queries not available"})
		return
	}
	source := c.Query("source")
	target := c.Query("target")
	if source == "" || target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and target are required"})
		return
	}
	edges, err := h.queries.EdgesBetween(c.Request.Context(), source, target, intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "edge lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

// DeclareDependency records a static dependency between two modules.
// Dependencies are declared data written straight to the durable tier;
// they act as fallback connectivity until real traffic is observed.
func (h *Handlers) DeclareDependency(c *gin.Context) {
	if h.queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph queries not available"})
		return
	}
	var dep records.DependencyEdge
	if err := c.ShouldBindJSON(&dep); err != nil || dep.Source == "" || dep.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and target are required"})
		return
	}
	if err := h.queries.UpsertDependency(c.Request.Context(), &dep); err != nil {
		h.logger.Error("dependency write failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dependency write failed"})
		return
	}
	c.JSON(http.StatusCreated, dep)
}

// HistoricalAnalysis aggregates a module's history from the graph store.
func (h *Handlers) HistoricalAnalysis(c *gin.Context) {
	days := intQuery(c, "days", 30)
	analysis, err := h.storage.GetHistoricalAnalysis(c.Request.Context(), c.Param("name"), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "historical analysis failed"})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "graph store unavailable"})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// Neighborhood returns the subgraph around a module.
func (h *Handlers) Neighborhood(c *gin.Context) {
	depth := intQuery(c, "depth", 2)
	sg := h.storage.GetModuleNeighborhood(c.Param("name"), depth)
	if sg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not in graph"})
		return
	}
	c.JSON(http.StatusOK, sg)
}

// FindRoute returns the optimal route between two modules; 404 when no
// path exists.
func (h *Handlers) FindRoute(c *gin.Context) {
	source := c.Query("source")
	target := c.Query("target")
	if source == "" || target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and target are required"})
		return
	}
	useCache := c.DefaultQuery("cache", "true") != "false"

	route, err := h.storage.FindRoute(c.Request.Context(), source, target, useCache)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "route computation failed"})
		return
	}
	if route == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no path"})
		return
	}
	c.JSON(http.StatusOK, route)
}

// Analysis runs the structural graph analysis.
func (h *Handlers) Analysis(c *gin.Context) {
	c.JSON(http.StatusOK, h.storage.AnalyzeCommunicationPatterns())
}

// Recommend ranks modules by capability and proximity.
func (h *Handlers) Recommend(c *gin.Context) {
	capability := c.Query("capability")
	if capability == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capability is required"})
		return
	}
	recs := h.storage.RecommendModules(capability, c.Query("requester"))
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

// Metrics returns the storage counters and latency window.
func (h *Handlers) Metrics(c *gin.Context) {
	m, err := h.storage.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics read failed"})
		return
	}
	c.JSON(http.StatusOK, m)
}

type rawQueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// RawQuery executes a sandboxed read-only graph query. Write-shaped
// statements are rejected before execution.
func (h *Handlers) RawQuery(c *gin.Context) {
	if h.queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "raw queries not available"})
		return
	}
	var req rawQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.queries.RunReadQuery(c.Request.Context(), req.Query)
	if err != nil {
		if errors.Is(err, graphstore.ErrQueryRejected) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("raw query failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query execution failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
