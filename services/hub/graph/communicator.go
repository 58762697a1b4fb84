// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
)

// Recommendation scoring constants.
const (
	// DefaultRouteCacheCapacity bounds the route cache; exceeding it
	// evicts the oldest third and forces a model rebuild.
	DefaultRouteCacheCapacity = 100

	capabilityBaseScore  = 1.0
	adjacencyBonus       = 0.5
	proximityBonus       = 0.2
	proximityMaxDistance = 3
	centralityBoost      = 0.5
)

// Recommendation is one scored candidate for a capability request.
type Recommendation struct {
	Module string  `json:"module"`
	Score  float64 `json:"score"`

	// Distance is the undirected hop count from the requesting module,
	// or -1 when unreachable or no requester was given.
	Distance int `json:"distance"`
}

// routeKey identifies one cached route.
type routeKey struct {
	source string
	target string
}

// Communicator owns the current graph model snapshot and serves routing,
// analysis, and recommendation queries over it.
//
// Thread Safety: All methods are safe for concurrent use. Model swaps and
// cache operations happen under an RWMutex; in-flight reads always see a
// complete snapshot.
type Communicator struct {
	source Source
	logger *slog.Logger

	mu    sync.RWMutex
	model *Model
	cache *LRUCache[routeKey, *records.CommunicationRoute]

	cacheCapacity int
	rebuilds      int64
}

// NewCommunicator builds the initial model snapshot and returns a ready
// communicator. cacheCapacity <= 0 selects the default.
func NewCommunicator(ctx context.Context, source Source, cacheCapacity int, logger *slog.Logger) (*Communicator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultRouteCacheCapacity
	}
	model, err := BuildModel(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("build graph model: %w", err)
	}
	return &Communicator{
		source:        source,
		logger:        logger.With(slog.String("component", "graph_communicator")),
		model:         model,
		cache:         NewLRUCache[routeKey, *records.CommunicationRoute](cacheCapacity),
		cacheCapacity: cacheCapacity,
	}, nil
}

// NewDegradedCommunicator returns a communicator over an empty model,
// for startup while the durable store is unreachable. Routing answers
// "no path" for everything until a later Rebuild succeeds.
func NewDegradedCommunicator(source Source, cacheCapacity int, logger *slog.Logger) *Communicator {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultRouteCacheCapacity
	}
	return &Communicator{
		source:        source,
		logger:        logger.With(slog.String("component", "graph_communicator")),
		model:         NewEmptyModel(),
		cache:         NewLRUCache[routeKey, *records.CommunicationRoute](cacheCapacity),
		cacheCapacity: cacheCapacity,
	}
}

// Model returns the current snapshot.
func (c *Communicator) Model() *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Rebuild replays the durable store into a fresh snapshot and purges the
// route cache, so no cached route can outlive the model it was computed on.
func (c *Communicator) Rebuild(ctx context.Context) error {
	model, err := BuildModel(ctx, c.source)
	if err != nil {
		return fmt.Errorf("rebuild graph model: %w", err)
	}
	c.mu.Lock()
	c.model = model
	c.cache.Purge()
	c.rebuilds++
	rebuilds := c.rebuilds
	c.mu.Unlock()

	c.logger.Info("graph model rebuilt",
		slog.Int("modules", model.NodeCount()),
		slog.Int("edges", model.EdgeCount()),
		slog.Int64("rebuilds", rebuilds))
	return nil
}

// FindOptimalRoute returns the minimum-cost route between two modules,
// serving repeated queries from the route cache.
//
// When an insert pushes the cache past capacity, the oldest third is
// evicted and the model is rebuilt from the durable store: sustained
// routing over many distinct pairs is the signal that the snapshot has
// drifted from live traffic.
func (c *Communicator) FindOptimalRoute(ctx context.Context, source, target string) (*records.CommunicationRoute, error) {
	key := routeKey{source: source, target: target}

	c.mu.RLock()
	if route, ok := c.cache.Get(key); ok {
		c.mu.RUnlock()
		return route, nil
	}
	model := c.model
	c.mu.RUnlock()

	route, err := computeRoute(model, source, target)
	if err != nil {
		return nil, err
	}

	rebuild := false
	c.mu.Lock()
	c.cache.Set(key, route)
	if c.cache.Len() > c.cacheCapacity {
		evicted := c.cache.EvictOldest(c.cache.Len() / 3)
		c.logger.Info("route cache overflow",
			slog.Int("evicted", evicted),
			slog.Int("capacity", c.cacheCapacity))
		rebuild = true
	}
	c.mu.Unlock()

	if rebuild {
		if err := c.Rebuild(ctx); err != nil {
			// Routing keeps working on the stale snapshot.
			c.logger.Warn("rebuild after cache overflow failed", slog.Any("error", err))
		}
	}
	return route, nil
}

// ComputeRoute computes a route on the current snapshot without reading or
// populating the route cache.
func (c *Communicator) ComputeRoute(source, target string) (*records.CommunicationRoute, error) {
	return computeRoute(c.Model(), source, target)
}

func computeRoute(model *Model, source, target string) (*records.CommunicationRoute, error) {
	path, _, err := model.ShortestPath(source, target)
	if err != nil {
		return nil, err
	}
	return &records.CommunicationRoute{
		Source:           source,
		Target:           target,
		Path:             path,
		TotalDistance:    len(path) - 1,
		EstimatedTimeMS:  model.EstimateTimeMS(path),
		ReliabilityScore: model.EstimateReliability(path),
	}, nil
}

// InvalidateRoutes drops every cached route whose path touches the module.
// Called when a module's registration or status changes.
func (c *Communicator) InvalidateRoutes(module string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []routeKey
	for key, route := range c.cache.Snapshot() {
		for _, hop := range route.Path {
			if hop == module {
				stale = append(stale, key)
				break
			}
		}
	}
	for _, key := range stale {
		c.cache.Delete(key)
	}
	return len(stale)
}

// AnalyzeCommunicationPatterns runs the structural analysis over the
// current snapshot.
func (c *Communicator) AnalyzeCommunicationPatterns() *Analysis {
	return c.Model().Analyze()
}

// GetModuleNeighborhood returns the subgraph within depth hops of a
// module, ignoring edge direction, with per-node degree stats.
func (c *Communicator) GetModuleNeighborhood(module string, depth int) *Subgraph {
	return c.Model().Subgraph(module, depth)
}

// RecommendModules ranks modules advertising a capability. When requester
// names a module in the graph, candidates near it score higher: direct
// neighbors get the adjacency bonus, modules within three hops get the
// proximity bonus. Well-connected candidates also get a degree-centrality
// boost, so the recommendation prefers proven collaborators.
func (c *Communicator) RecommendModules(capability, requester string) []Recommendation {
	model := c.Model()

	var distances map[string]int
	if requester != "" && model.HasNode(requester) {
		distances = undirectedDistances(model, requester)
	}
	n := model.NodeCount()

	var out []Recommendation
	for _, name := range model.NodeNames() {
		if name == requester {
			continue
		}
		node, _ := model.Node(name)
		if !node.HasCapability(capability) {
			continue
		}
		rec := Recommendation{Module: name, Score: capabilityBaseScore, Distance: -1}
		if distances != nil {
			if d, ok := distances[name]; ok {
				rec.Distance = d
				switch {
				case d == 1:
					rec.Score += adjacencyBonus
				case d <= proximityMaxDistance:
					rec.Score += proximityBonus
				}
			}
		}
		if n > 1 {
			degree := model.OutDegree(name) + model.InDegree(name)
			rec.Score += centralityBoost * float64(degree) / float64(n-1)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// CacheStats returns route-cache hit/miss/eviction counters.
func (c *Communicator) CacheStats() (hits, misses, evictions int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hits, misses = c.cache.Stats()
	return hits, misses, c.cache.Evictions()
}

// undirectedDistances is a BFS over the undirected projection from one
// module, returning hop counts to every reachable module.
func undirectedDistances(m *Model, from string) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range m.Successors(cur) {
			if _, seen := dist[nb]; !seen {
				dist[nb] = dist[cur] + 1
				queue = append(queue, nb)
			}
		}
		for _, nb := range m.Predecessors(cur) {
			if _, seen := dist[nb]; !seen {
				dist[nb] = dist[cur] + 1
				queue = append(queue, nb)
			}
		}
	}
	return dist
}
