// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the hub's in-memory weighted directed graph model
// and the routing/analytics operations over it.
//
// The model is rebuilt from the durable graph store (on initialization and
// on route-cache overflow) and is immutable once built: a Communicator swaps
// whole model snapshots under a lock, so queries never observe a partially
// built graph. All algorithms here run fully in memory and never block.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
)

// Weighting constants for edge construction.
const (
	// BaseEdgeWeight is the cost floor of any observed communication.
	BaseEdgeWeight = 1.0

	// FailurePenalty is added to the weight of a failed attempt.
	FailurePenalty = 2.0

	// DependencyWeight is the fixed low weight of a declared-dependency
	// fallback edge (used only when no communication connects the pair).
	DependencyWeight = 0.5

	// DefaultHopTimeMS is assumed for hops with no duration history.
	DefaultHopTimeMS = 100.0

	// DefaultHopReliability is assumed for hops with no outcome history.
	// A hop whose recorded history is all failures scores 0.0, not this
	// default: the default covers absence of data, never bad data.
	DefaultHopReliability = 0.8

	// historyWindow bounds the per-pair observation history used for
	// reliability and timing estimates.
	historyWindow = 20

	// DefaultBuildLimit bounds how many recent communications one model
	// build replays from the durable store.
	DefaultBuildLimit = 10000
)

// Source supplies the durable records a model build replays.
//
// ListCommunications must return edges newest first; the build keeps the
// most recent historyWindow observations per ordered pair.
type Source interface {
	ListModules(ctx context.Context) ([]records.ModuleNode, error)
	ListCommunications(ctx context.Context, limit int) ([]records.CommunicationEdge, error)
	ListDependencies(ctx context.Context) ([]records.DependencyEdge, error)
}

// observation is one communication outcome kept in a pair's history ring.
type observation struct {
	success     bool
	durationMS  float64
	hasDuration bool
}

// edgeStats is the aggregated state of one ordered module pair.
type edgeStats struct {
	// weight is the running average of per-attempt weights. Averaging
	// (not summing) means repeated traffic refines the cost estimate
	// instead of inflating it.
	weight  float64
	samples int

	// fromDependency marks fallback edges with no observed traffic.
	fromDependency bool

	// recent holds the newest observations, most recent first, capped at
	// historyWindow.
	recent []observation
}

// successRate returns the fraction of successful attempts in the history
// ring, and false when there is no history.
func (e *edgeStats) successRate() (float64, bool) {
	if len(e.recent) == 0 {
		return 0, false
	}
	ok := 0
	for _, o := range e.recent {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(e.recent)), true
}

// meanDurationMS returns the mean observed duration in the history ring,
// and false when no observation carried a duration.
func (e *edgeStats) meanDurationMS() (float64, bool) {
	sum := 0.0
	n := 0
	for _, o := range e.recent {
		if o.hasDuration {
			sum += o.durationMS
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Model is an immutable weighted directed graph of module communications.
//
// Thread Safety: A built Model is read-only and safe for concurrent use.
type Model struct {
	nodes map[string]records.ModuleNode
	out   map[string]map[string]*edgeStats
	in    map[string]map[string]struct{}

	edgeCount int
	builtAt   time.Time
}

// BuildModel replays the durable store into a fresh model.
//
// Every module becomes a node (modules only seen on edges are added too).
// Each communication contributes weight BaseEdgeWeight + FailurePenalty (on
// failure) + durationMS/1000, averaged into the pair's running weight.
// Declared dependencies add a fixed-weight fallback edge only for pairs
// with no observed communication.
func BuildModel(ctx context.Context, source Source) (*Model, error) {
	var (
		modules []records.ModuleNode
		comms   []records.CommunicationEdge
		deps    []records.DependencyEdge
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if modules, err = source.ListModules(gCtx); err != nil {
			return fmt.Errorf("list modules: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if comms, err = source.ListCommunications(gCtx, DefaultBuildLimit); err != nil {
			return fmt.Errorf("list communications: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if deps, err = source.ListDependencies(gCtx); err != nil {
			return fmt.Errorf("list dependencies: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := newModel()
	for i := range modules {
		m.addNode(modules[i])
	}
	for i := range comms {
		m.addCommunication(&comms[i])
	}
	for i := range deps {
		m.addDependency(&deps[i])
	}
	m.builtAt = time.Now().UTC()
	return m, nil
}

// NewEmptyModel returns a model with no nodes, used before the first build.
func NewEmptyModel() *Model {
	m := newModel()
	m.builtAt = time.Now().UTC()
	return m
}

func newModel() *Model {
	return &Model{
		nodes: make(map[string]records.ModuleNode),
		out:   make(map[string]map[string]*edgeStats),
		in:    make(map[string]map[string]struct{}),
	}
}

func (m *Model) addNode(node records.ModuleNode) {
	existing, ok := m.nodes[node.Name]
	if !ok || existing.RegisteredAt.IsZero() {
		m.nodes[node.Name] = node
	}
}

// ensureNode registers a bare node for names first seen on an edge.
func (m *Model) ensureNode(name string) {
	if _, ok := m.nodes[name]; !ok {
		m.nodes[name] = records.ModuleNode{Name: name}
	}
}

func (m *Model) addCommunication(edge *records.CommunicationEdge) {
	m.ensureNode(edge.Source)
	m.ensureNode(edge.Target)

	w := BaseEdgeWeight
	if !edge.Success {
		w += FailurePenalty
	}
	if edge.DurationMS != nil {
		w += *edge.DurationMS / 1000.0
	}

	stats := m.edge(edge.Source, edge.Target)
	if stats == nil {
		stats = &edgeStats{weight: w, samples: 1}
		m.link(edge.Source, edge.Target, stats)
	} else if stats.fromDependency {
		// Observed traffic replaces a dependency fallback edge.
		stats.weight = w
		stats.samples = 1
		stats.fromDependency = false
	} else {
		stats.samples++
		stats.weight += (w - stats.weight) / float64(stats.samples)
	}

	if len(stats.recent) < historyWindow {
		obs := observation{success: edge.Success}
		if edge.DurationMS != nil {
			obs.durationMS = *edge.DurationMS
			obs.hasDuration = true
		}
		// Communications arrive newest first, so appending keeps the ring
		// ordered most recent first.
		stats.recent = append(stats.recent, obs)
	}
}

func (m *Model) addDependency(dep *records.DependencyEdge) {
	m.ensureNode(dep.Source)
	m.ensureNode(dep.Target)

	if m.edge(dep.Source, dep.Target) != nil {
		return // observed traffic wins
	}
	m.link(dep.Source, dep.Target, &edgeStats{
		weight:         DependencyWeight,
		fromDependency: true,
	})
}

func (m *Model) link(from, to string, stats *edgeStats) {
	if m.out[from] == nil {
		m.out[from] = make(map[string]*edgeStats)
	}
	m.out[from][to] = stats
	if m.in[to] == nil {
		m.in[to] = make(map[string]struct{})
	}
	m.in[to][from] = struct{}{}
	m.edgeCount++
}

func (m *Model) edge(from, to string) *edgeStats {
	return m.out[from][to]
}

// HasNode reports whether the module exists in the model.
func (m *Model) HasNode(name string) bool {
	_, ok := m.nodes[name]
	return ok
}

// Node returns the module record for a name.
func (m *Model) Node(name string) (records.ModuleNode, bool) {
	node, ok := m.nodes[name]
	return node, ok
}

// NodeCount returns the number of modules in the model.
func (m *Model) NodeCount() int {
	return len(m.nodes)
}

// EdgeCount returns the number of directed edges in the model.
func (m *Model) EdgeCount() int {
	return m.edgeCount
}

// BuiltAt returns when the model was constructed.
func (m *Model) BuiltAt() time.Time {
	return m.builtAt
}

// NodeNames returns all module names in deterministic order.
func (m *Model) NodeNames() []string {
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Successors returns the targets of a module's outgoing edges.
func (m *Model) Successors(name string) []string {
	out := make([]string, 0, len(m.out[name]))
	for to := range m.out[name] {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the sources of a module's incoming edges.
func (m *Model) Predecessors(name string) []string {
	out := make([]string, 0, len(m.in[name]))
	for from := range m.in[name] {
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

// OutDegree returns the number of outgoing edges of a module.
func (m *Model) OutDegree(name string) int {
	return len(m.out[name])
}

// InDegree returns the number of incoming edges of a module.
func (m *Model) InDegree(name string) int {
	return len(m.in[name])
}

// Weight returns the averaged edge weight for an ordered pair, and false
// when no edge connects it.
func (m *Model) Weight(from, to string) (float64, bool) {
	stats := m.edge(from, to)
	if stats == nil {
		return 0, false
	}
	return stats.weight, true
}

// HopReliability returns the success rate of the pair's recent history, or
// the no-history default.
func (m *Model) HopReliability(from, to string) float64 {
	stats := m.edge(from, to)
	if stats == nil {
		return DefaultHopReliability
	}
	rate, ok := stats.successRate()
	if !ok {
		return DefaultHopReliability
	}
	return rate
}

// HopTimeMS returns the mean observed duration of the pair's recent
// history, or the no-history default.
func (m *Model) HopTimeMS(from, to string) float64 {
	stats := m.edge(from, to)
	if stats == nil {
		return DefaultHopTimeMS
	}
	mean, ok := stats.meanDurationMS()
	if !ok {
		return DefaultHopTimeMS
	}
	return mean
}
