// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
	hubbadger "github.com/grahama1970/granger-hub-sub000/services/hub/storage/badger"
	"github.com/grahama1970/granger-hub-sub000/services/hub/storage/fast"
)

func newTestStorage(t *testing.T, graph GraphStore) *Storage {
	t.Helper()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(context.Background(), fast.New(db, nil), graph, Config{
		SyncInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	return s
}

// unreadableGraph fails every list call, as a store down at startup does.
type unreadableGraph struct {
	*fakeGraph
}

var errFakeRead = errors.New("simulated graph read failure")

func (u *unreadableGraph) ListModules(context.Context) ([]records.ModuleNode, error) {
	return nil, errFakeRead
}

func TestNewAllowStartDegraded(t *testing.T) {
	ctx := context.Background()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	fastStore := fast.New(db, nil)
	graph := &unreadableGraph{fakeGraph: newFakeGraph()}

	t.Run("strict startup fails", func(t *testing.T) {
		_, err := New(ctx, fastStore, graph, Config{SyncInterval: time.Hour}, nil)
		require.ErrorIs(t, err, errFakeRead)
	})

	t.Run("degraded startup comes up empty", func(t *testing.T) {
		s, err := New(ctx, fastStore, graph, Config{
			SyncInterval:       time.Hour,
			AllowStartDegraded: true,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, s.Communicator().Model().NodeCount())

		// Routing degrades to "no route", not a caller-visible failure.
		route, err := s.FindRoute(ctx, "a", "b", true)
		require.NoError(t, err)
		assert.Nil(t, route)
	})
}

func TestLogEvent(t *testing.T) {
	ctx := context.Background()
	graph := newFakeGraph()
	s := newTestStorage(t, graph)

	t.Run("returns deterministic id", func(t *testing.T) {
		ts := time.Now().UTC()
		id, err := s.LogEvent(ctx, records.CommunicationEdge{
			Source: "p", Target: "q", Action: "send", Timestamp: ts, Success: true,
		}, true)
		require.NoError(t, err)
		assert.Equal(t, records.NewEdgeID("p", "q", "send", ts), id)
	})

	t.Run("lands in fast store immediately", func(t *testing.T) {
		_, err := s.LogEvent(ctx, records.CommunicationEdge{
			Source: "p", Target: "r", Action: "send", Success: true,
		}, true)
		require.NoError(t, err)

		edges, err := s.GetRecentCommunications(ctx, "r", 10)
		require.NoError(t, err)
		assert.NotEmpty(t, edges)
	})

	t.Run("enqueues sync job when requested", func(t *testing.T) {
		before := s.sync.QueueDepth()
		_, err := s.LogEvent(ctx, records.CommunicationEdge{
			Source: "p", Target: "q", Action: "ping", Success: true,
		}, true)
		require.NoError(t, err)
		assert.Equal(t, before+1, s.sync.QueueDepth())
	})

	t.Run("sync=false skips the queue", func(t *testing.T) {
		before := s.sync.QueueDepth()
		_, err := s.LogEvent(ctx, records.CommunicationEdge{
			Source: "p", Target: "q", Action: "ping", Success: true,
		}, false)
		require.NoError(t, err)
		assert.Equal(t, before, s.sync.QueueDepth())
	})
}

func TestGetModuleInfoTiers(t *testing.T) {
	ctx := context.Background()

	t.Run("graph hit backfills lower tiers", func(t *testing.T) {
		graph := newFakeGraph()
		graph.modules["ocr"] = records.ModuleNode{
			Name:         "ocr",
			Capabilities: []string{"ocr"},
			RegisteredAt: time.Now().UTC(),
		}
		s := newTestStorage(t, graph)

		first, err := s.GetModuleInfo(ctx, "ocr")
		require.NoError(t, err)
		require.NotNil(t, first)

		// Second lookup must be served from the memory tier.
		second, err := s.GetModuleInfo(ctx, "ocr")
		require.NoError(t, err)
		require.NotNil(t, second)

		m, err := s.GetMetrics(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, m.CacheHits)
		assert.EqualValues(t, 1, m.CacheMisses)
		assert.EqualValues(t, 1, m.DurableReads)
	})

	t.Run("unknown module returns nil without error", func(t *testing.T) {
		s := newTestStorage(t, newFakeGraph())
		module, err := s.GetModuleInfo(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, module)
	})

	t.Run("hit and miss counters sum to call count", func(t *testing.T) {
		graph := newFakeGraph()
		graph.modules["a"] = records.ModuleNode{Name: "a"}
		s := newTestStorage(t, graph)

		calls := 0
		for _, name := range []string{"a", "a", "ghost", "a", "ghost"} {
			_, err := s.GetModuleInfo(ctx, name)
			require.NoError(t, err)
			calls++
		}
		m, err := s.GetMetrics(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, calls, m.CacheHits+m.CacheMisses)
	})

	t.Run("registered module served from cache", func(t *testing.T) {
		s := newTestStorage(t, newFakeGraph())
		require.NoError(t, s.RegisterModule(ctx, &records.ModuleNode{
			Name:         "marker",
			Capabilities: []string{"pdf"},
		}))
		module, err := s.GetModuleInfo(ctx, "marker")
		require.NoError(t, err)
		require.NotNil(t, module)
		assert.True(t, module.HasCapability("pdf"))
	})
}

func TestFindRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("routes over synced traffic", func(t *testing.T) {
		// Scenario: P talks to Q, Q talks to R; the route P->R goes
		// through Q with estimates derived from observed durations.
		graph := newFakeGraph()
		s := newTestStorage(t, graph)

		d1, d2 := 50.0, 80.0
		ts := time.Now().UTC()
		require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
			ID: "e1", Source: "P", Target: "Q", Action: "send",
			Timestamp: ts, Success: true, DurationMS: &d1,
		}))
		require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
			ID: "e2", Source: "Q", Target: "R", Action: "send",
			Timestamp: ts, Success: true, DurationMS: &d2,
		}))
		require.NoError(t, s.comm.Rebuild(ctx))

		route, err := s.FindRoute(ctx, "P", "R", true)
		require.NoError(t, err)
		require.NotNil(t, route)
		assert.Equal(t, []string{"P", "Q", "R"}, route.Path)
		assert.InDelta(t, 130.0, route.EstimatedTimeMS, 0.001)
		assert.InDelta(t, 1.0, route.ReliabilityScore, 0.001)
	})

	t.Run("disconnected clusters return nil", func(t *testing.T) {
		graph := newFakeGraph()
		s := newTestStorage(t, graph)

		require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
			ID: "e1", Source: "a1", Target: "a2", Action: "send",
			Timestamp: time.Now().UTC(), Success: true,
		}))
		require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
			ID: "e2", Source: "b1", Target: "b2", Action: "send",
			Timestamp: time.Now().UTC(), Success: true,
		}))
		require.NoError(t, s.comm.Rebuild(ctx))

		route, err := s.FindRoute(ctx, "a1", "b2", true)
		require.NoError(t, err)
		assert.Nil(t, route)

		analysis := s.AnalyzeCommunicationPatterns()
		assert.False(t, analysis.Connected)
	})

	t.Run("cached route stable until invalidated", func(t *testing.T) {
		graph := newFakeGraph()
		s := newTestStorage(t, graph)
		require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
			ID: "e1", Source: "x", Target: "y", Action: "send",
			Timestamp: time.Now().UTC(), Success: true,
		}))
		require.NoError(t, s.comm.Rebuild(ctx))

		first, err := s.FindRoute(ctx, "x", "y", true)
		require.NoError(t, err)
		second, err := s.FindRoute(ctx, "x", "y", true)
		require.NoError(t, err)
		assert.Equal(t, first.Path, second.Path)

		// Logging traffic through x drops the cached route.
		_, err = s.LogEvent(ctx, records.CommunicationEdge{
			Source: "x", Target: "y", Action: "send", Success: true,
		}, false)
		require.NoError(t, err)
		hits, _, _ := s.comm.CacheStats()
		assert.EqualValues(t, 1, hits)
	})
}

func TestGetHistoricalAnalysis(t *testing.T) {
	ctx := context.Background()
	graph := newFakeGraph()
	s := newTestStorage(t, graph)

	require.NoError(t, graph.InsertCommunication(ctx, &records.CommunicationEdge{
		ID: "e1", Source: "p", Target: "q", Action: "send",
		Timestamp: time.Now().UTC(), Success: true,
	}))

	analysis, err := s.GetHistoricalAnalysis(ctx, "p", 7)
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.Equal(t, 1, analysis.TotalCommunications)
	assert.Equal(t, 7, analysis.WindowDays)
}

func TestEndToEndSync(t *testing.T) {
	// Events logged through the façade reach the graph store once the
	// sync engine drains the queue.
	ctx := context.Background()
	graph := newFakeGraph()
	s := newTestStorage(t, graph)
	s.Start(ctx)

	for i := 0; i < 10; i++ {
		_, err := s.LogEvent(ctx, records.CommunicationEdge{
			Source: "p", Target: "q", Action: "send", Success: true,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}, true)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for graph.edgeCount() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Close()

	assert.Equal(t, 10, graph.edgeCount())

	m, err := s.GetMetrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, m.FastWrites)
	assert.EqualValues(t, 10, m.DurableWrites)
	assert.EqualValues(t, 10, m.SyncOperations)
	assert.False(t, m.LastSync.IsZero())
}
