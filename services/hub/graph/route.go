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
	"container/heap"
	"errors"
	"fmt"
)

// Routing errors.
var (
	// ErrNoPath indicates the target is unreachable from the source.
	ErrNoPath = errors.New("no path between modules")

	// ErrUnknownModule indicates an endpoint not present in the model.
	ErrUnknownModule = errors.New("unknown module")
)

// pqItem is one entry in the Dijkstra priority queue.
type pqItem struct {
	node string
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int           { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)      { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)        { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra over the averaged edge weights and returns the
// module names along the minimum-cost path (inclusive of both endpoints)
// together with the total distance.
//
// Edge cases:
//   - source == target returns the single-node path with distance 0.
//   - either endpoint missing returns ErrUnknownModule.
//   - no connecting path returns ErrNoPath.
func (m *Model) ShortestPath(source, target string) ([]string, float64, error) {
	if !m.HasNode(source) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownModule, source)
	}
	if !m.HasNode(target) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownModule, target)
	}
	if source == target {
		return []string{source}, 0, nil
	}

	dist := map[string]float64{source: 0}
	prev := make(map[string]string)
	done := make(map[string]bool)

	pq := &priorityQueue{{node: source, dist: 0}}
	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if done[item.node] {
			continue
		}
		done[item.node] = true
		if item.node == target {
			break
		}
		for next, stats := range m.out[item.node] {
			if done[next] {
				continue
			}
			alt := item.dist + stats.weight
			if cur, seen := dist[next]; !seen || alt < cur {
				dist[next] = alt
				prev[next] = item.node
				heap.Push(pq, pqItem{node: next, dist: alt})
			}
		}
	}

	total, ok := dist[target]
	if !ok || !done[target] {
		return nil, 0, fmt.Errorf("%w: %s -> %s", ErrNoPath, source, target)
	}

	path := []string{target}
	for at := target; at != source; {
		at = prev[at]
		path = append(path, at)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, total, nil
}

// EstimateTimeMS sums the mean observed duration of every hop along a path,
// assuming DefaultHopTimeMS for hops with no history.
func (m *Model) EstimateTimeMS(path []string) float64 {
	total := 0.0
	for i := 0; i+1 < len(path); i++ {
		total += m.HopTimeMS(path[i], path[i+1])
	}
	return total
}

// EstimateReliability multiplies per-hop success rates along a path. A hop
// with no history contributes DefaultHopReliability; a hop whose history is
// all failures contributes zero and zeroes the route.
func (m *Model) EstimateReliability(path []string) float64 {
	score := 1.0
	for i := 0; i+1 < len(path); i++ {
		score *= m.HopReliability(path[i], path[i+1])
	}
	return score
}
