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
	"sort"
)

// Analysis thresholds.
const (
	// BottleneckThreshold is the normalized betweenness above which a
	// module is reported as a bottleneck.
	BottleneckThreshold = 0.3

	// HubDegreeThreshold is the total degree above which a module is
	// reported as a hub in hub-spoke detection.
	HubDegreeThreshold = 5

	// TopHubCount bounds how many central modules an analysis reports.
	TopHubCount = 5
)

// CentralityScore is one module's score in a ranked centrality listing.
type CentralityScore struct {
	Module string  `json:"module"`
	Score  float64 `json:"score"`
}

// Pattern is one detected communication pattern.
type Pattern struct {
	// Kind is "pipeline" or "hub_spoke".
	Kind    string   `json:"kind"`
	Modules []string `json:"modules"`

	// Hub is set for hub_spoke patterns.
	Hub string `json:"hub,omitempty"`
}

// Analysis is the full structural report over a model snapshot.
type Analysis struct {
	ModuleCount int     `json:"module_count"`
	EdgeCount   int     `json:"edge_count"`
	Density     float64 `json:"density"`
	Connected   bool    `json:"connected"`

	Hubs        []CentralityScore `json:"hubs"`
	Bottlenecks []CentralityScore `json:"bottlenecks"`
	Communities [][]string        `json:"communities"`
	Patterns    []Pattern         `json:"patterns"`
}

// Analyze computes the structural report: density, weak connectivity,
// degree-centrality hubs, betweenness bottlenecks, communities, and
// pipeline / hub-spoke patterns.
func (m *Model) Analyze() *Analysis {
	return &Analysis{
		ModuleCount: m.NodeCount(),
		EdgeCount:   m.EdgeCount(),
		Density:     m.Density(),
		Connected:   m.WeaklyConnected(),
		Hubs:        m.DegreeCentrality(TopHubCount),
		Bottlenecks: m.Bottlenecks(),
		Communities: m.Communities(),
		Patterns:    m.DetectPatterns(),
	}
}

// Density returns edges / (n * (n-1)), the directed graph density. Graphs
// with fewer than two nodes have density zero.
func (m *Model) Density() float64 {
	n := len(m.nodes)
	if n < 2 {
		return 0
	}
	return float64(m.edgeCount) / float64(n*(n-1))
}

// WeaklyConnected reports whether every module is reachable from every
// other when edge direction is ignored. The empty graph counts as
// connected.
func (m *Model) WeaklyConnected() bool {
	if len(m.nodes) <= 1 {
		return true
	}
	var start string
	for name := range m.nodes {
		start = name
		break
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range m.out[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
		for prev := range m.in[cur] {
			if !seen[prev] {
				seen[prev] = true
				stack = append(stack, prev)
			}
		}
	}
	return len(seen) == len(m.nodes)
}

// DegreeCentrality ranks modules by total degree normalized over n-1 and
// returns the top scores. Ties break alphabetically for stable output.
func (m *Model) DegreeCentrality(top int) []CentralityScore {
	n := len(m.nodes)
	if n < 2 {
		return nil
	}
	scores := make([]CentralityScore, 0, n)
	for name := range m.nodes {
		degree := len(m.out[name]) + len(m.in[name])
		scores = append(scores, CentralityScore{
			Module: name,
			Score:  float64(degree) / float64(n-1),
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Module < scores[j].Module
	})
	if top > 0 && len(scores) > top {
		scores = scores[:top]
	}
	return scores
}

// Betweenness computes normalized betweenness centrality for every module
// using Brandes' algorithm over the unweighted directed graph.
func (m *Model) Betweenness() map[string]float64 {
	scores := make(map[string]float64, len(m.nodes))
	for name := range m.nodes {
		scores[name] = 0
	}
	n := len(m.nodes)
	if n < 3 {
		return scores
	}

	for source := range m.nodes {
		// Single-source shortest-path counting (BFS, unit weights).
		sigma := map[string]float64{source: 1}
		dist := map[string]int{source: 0}
		preds := make(map[string][]string)
		order := make([]string, 0, n)

		queue := []string{source}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			order = append(order, cur)
			for next := range m.out[cur] {
				d, seen := dist[next]
				if !seen {
					dist[next] = dist[cur] + 1
					sigma[next] = 0
					queue = append(queue, next)
					d = dist[next]
				}
				if d == dist[cur]+1 {
					sigma[next] += sigma[cur]
					preds[next] = append(preds[next], cur)
				}
			}
		}

		// Dependency accumulation in reverse BFS order.
		delta := make(map[string]float64, len(order))
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != source {
				scores[w] += delta[w]
			}
		}
	}

	// Normalize over the number of ordered pairs excluding the node.
	norm := float64((n - 1) * (n - 2))
	for name := range scores {
		scores[name] /= norm
	}
	return scores
}

// Bottlenecks returns modules whose normalized betweenness exceeds
// BottleneckThreshold, highest first.
func (m *Model) Bottlenecks() []CentralityScore {
	var out []CentralityScore
	for name, score := range m.Betweenness() {
		if score > BottleneckThreshold {
			out = append(out, CentralityScore{Module: name, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Module < out[j].Module
	})
	return out
}

// DetectPatterns finds pipeline chains and hub-spoke stars.
//
// A pipeline is a maximal chain of modules each with exactly one incoming
// and one outgoing edge; chains shorter than three modules are ignored. A
// hub-spoke star is any module whose total degree exceeds
// HubDegreeThreshold, reported with its neighbors.
func (m *Model) DetectPatterns() []Pattern {
	var patterns []Pattern

	isLink := func(name string) bool {
		return len(m.in[name]) == 1 && len(m.out[name]) == 1
	}

	// Pipelines: walk back from each chain link to its head, then forward,
	// visiting each chain once.
	visited := make(map[string]bool)
	for _, name := range m.NodeNames() {
		if !isLink(name) || visited[name] {
			continue
		}
		head := name
		for {
			prev := m.Predecessors(head)[0]
			if !isLink(prev) || visited[prev] || prev == name {
				break
			}
			head = prev
		}
		chain := []string{}
		cur := head
		for isLink(cur) && !visited[cur] {
			visited[cur] = true
			chain = append(chain, cur)
			cur = m.Successors(cur)[0]
		}
		// Include the terminal endpoints of the chain for context.
		if len(m.Predecessors(head)) == 1 {
			chain = append([]string{m.Predecessors(head)[0]}, chain...)
		}
		chain = append(chain, cur)
		if len(chain) >= 3 {
			patterns = append(patterns, Pattern{Kind: "pipeline", Modules: chain})
		}
	}

	for _, name := range m.NodeNames() {
		degree := len(m.out[name]) + len(m.in[name])
		if degree <= HubDegreeThreshold {
			continue
		}
		spokes := make(map[string]struct{}, degree)
		for next := range m.out[name] {
			spokes[next] = struct{}{}
		}
		for prev := range m.in[name] {
			spokes[prev] = struct{}{}
		}
		members := make([]string, 0, len(spokes)+1)
		members = append(members, name)
		for spoke := range spokes {
			members = append(members, spoke)
		}
		sort.Strings(members[1:])
		patterns = append(patterns, Pattern{Kind: "hub_spoke", Modules: members, Hub: name})
	}

	return patterns
}

// SubgraphNode is one module in a neighborhood subgraph.
type SubgraphNode struct {
	Module    string `json:"module"`
	Distance  int    `json:"distance"`
	InDegree  int    `json:"in_degree"`
	OutDegree int    `json:"out_degree"`
}

// SubgraphEdge is one directed edge in a neighborhood subgraph.
type SubgraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// Subgraph is the neighborhood of a module up to a hop limit.
type Subgraph struct {
	Center string         `json:"center"`
	Depth  int            `json:"depth"`
	Nodes  []SubgraphNode `json:"nodes"`
	Edges  []SubgraphEdge `json:"edges"`
}

// Subgraph expands the neighborhood rings into node and edge lists with
// per-node degree stats. Only edges between members are included. Unknown
// modules return nil.
func (m *Model) Subgraph(module string, depth int) *Subgraph {
	rings := m.Neighborhood(module, depth)
	if rings == nil {
		return nil
	}
	sg := &Subgraph{Center: module, Depth: depth}
	member := make(map[string]bool)
	for d := 0; d <= depth; d++ {
		for _, name := range rings[d] {
			member[name] = true
			sg.Nodes = append(sg.Nodes, SubgraphNode{
				Module:    name,
				Distance:  d,
				InDegree:  m.InDegree(name),
				OutDegree: m.OutDegree(name),
			})
		}
	}
	for _, node := range sg.Nodes {
		for _, to := range m.Successors(node.Module) {
			if member[to] {
				w, _ := m.Weight(node.Module, to)
				sg.Edges = append(sg.Edges, SubgraphEdge{
					Source: node.Module,
					Target: to,
					Weight: w,
				})
			}
		}
	}
	return sg
}

// Neighborhood returns all modules within the given number of hops of a
// module, ignoring edge direction, grouped by distance. Depth 0 returns
// only the module itself. Unknown modules return nil.
func (m *Model) Neighborhood(module string, depth int) map[int][]string {
	if !m.HasNode(module) {
		return nil
	}
	result := map[int][]string{0: {module}}
	seen := map[string]bool{module: true}
	frontier := []string{module}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []string
		for _, cur := range frontier {
			for _, nb := range m.Successors(cur) {
				if !seen[nb] {
					seen[nb] = true
					next = append(next, nb)
				}
			}
			for _, nb := range m.Predecessors(cur) {
				if !seen[nb] {
					seen[nb] = true
					next = append(next, nb)
				}
			}
		}
		if len(next) > 0 {
			sort.Strings(next)
			result[d] = next
		}
		frontier = next
	}
	return result
}
