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

// maxCommunityPasses bounds the local-move sweeps so detection always
// terminates even on adversarial graphs.
const maxCommunityPasses = 20

// Communities partitions the modules into communities by greedy modularity
// maximization over the undirected projection of the graph.
//
// Each module starts in its own community; repeated sweeps move modules to
// the neighboring community with the largest modularity gain until a full
// sweep makes no move. Returns communities largest first, members sorted,
// singletons included.
func (m *Model) Communities() [][]string {
	names := m.NodeNames()
	if len(names) == 0 {
		return nil
	}

	// Undirected projection: weight of {u,v} is the sum of both directed
	// edge weights.
	adj := make(map[string]map[string]float64, len(names))
	for _, name := range names {
		adj[name] = make(map[string]float64)
	}
	totalWeight := 0.0
	for from, edges := range m.out {
		for to, stats := range edges {
			if from == to {
				continue
			}
			adj[from][to] += stats.weight
			adj[to][from] += stats.weight
			totalWeight += stats.weight
		}
	}
	if totalWeight == 0 {
		// No edges: every module is its own community.
		out := make([][]string, 0, len(names))
		for _, name := range names {
			out = append(out, []string{name})
		}
		return out
	}

	// Weighted degree of each node in the projection.
	degree := make(map[string]float64, len(names))
	for _, name := range names {
		for _, w := range adj[name] {
			degree[name] += w
		}
	}

	community := make(map[string]int, len(names))
	commDegree := make(map[int]float64, len(names))
	for i, name := range names {
		community[name] = i
		commDegree[i] = degree[name]
	}

	m2 := 2 * totalWeight
	for pass := 0; pass < maxCommunityPasses; pass++ {
		moved := false
		for _, name := range names {
			cur := community[name]
			commDegree[cur] -= degree[name]

			// Weight from this node into each neighboring community.
			weightTo := map[int]float64{cur: 0}
			for nb, w := range adj[name] {
				weightTo[community[nb]] += w
			}

			best, bestGain := cur, 0.0
			// Iterate candidate communities in deterministic order.
			candidates := make([]int, 0, len(weightTo))
			for c := range weightTo {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				gain := weightTo[c] - degree[name]*commDegree[c]/m2
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}

			community[name] = best
			commDegree[best] += degree[name]
			if best != cur {
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]string)
	for _, name := range names {
		groups[community[name]] = append(groups[community[name]], name)
	}
	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}
