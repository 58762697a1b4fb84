// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/grahama1970/granger-hub-sub000/services/hub/graphstore"
	"github.com/grahama1970/granger-hub-sub000/services/hub/hybrid"
	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
	hubbadger "github.com/grahama1970/granger-hub-sub000/services/hub/storage/badger"
	"github.com/grahama1970/granger-hub-sub000/services/hub/storage/fast"
)

// stubGraph is an in-memory hybrid.GraphStore for handler tests.
type stubGraph struct {
	mu      sync.Mutex
	edges   []records.CommunicationEdge
	deps    []records.DependencyEdge
	modules map[string]records.ModuleNode
}

func newStubGraph() *stubGraph {
	return &stubGraph{modules: make(map[string]records.ModuleNode)}
}

func (s *stubGraph) InsertCommunication(_ context.Context, edge *records.CommunicationEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, *edge)
	return nil
}

func (s *stubGraph) UpsertModule(_ context.Context, module *records.ModuleNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[module.Name] = *module
	return nil
}

func (s *stubGraph) UpsertConversation(_ context.Context, _ *records.ConversationRecord) error {
	return nil
}

func (s *stubGraph) ListModules(_ context.Context) ([]records.ModuleNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]records.ModuleNode, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	return out, nil
}

func (s *stubGraph) ListCommunications(_ context.Context, _ int) ([]records.CommunicationEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]records.CommunicationEdge, len(s.edges))
	copy(out, s.edges)
	return out, nil
}

func (s *stubGraph) ListDependencies(_ context.Context) ([]records.DependencyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]records.DependencyEdge, len(s.deps))
	copy(out, s.deps)
	return out, nil
}

func (s *stubGraph) GetModule(_ context.Context, name string) (*records.ModuleNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modules[name]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *stubGraph) HistoricalStats(_ context.Context, module string, days int) (*records.HistoricalAnalysis, error) {
	return &records.HistoricalAnalysis{Module: module, WindowDays: days}, nil
}

func (s *stubGraph) Available() bool { return true }

// stubQueries serves the durable-tier query surface from a stubGraph.
type stubQueries struct {
	graph *stubGraph
}

func (s stubQueries) RunReadQuery(_ context.Context, query string) (*models.GraphQLResponse, error) {
	if err := graphstore.ValidateReadQuery(query); err != nil {
		return nil, err
	}
	return &models.GraphQLResponse{}, nil
}

func (s stubQueries) EdgesForModule(ctx context.Context, module string, direction graphstore.Direction, limit int) ([]records.CommunicationEdge, error) {
	all, _ := s.graph.ListCommunications(ctx, limit)
	var out []records.CommunicationEdge
	for _, e := range all {
		switch direction {
		case graphstore.DirectionOut:
			if e.Source != module {
				continue
			}
		case graphstore.DirectionIn:
			if e.Target != module {
				continue
			}
		default:
			if e.Source != module && e.Target != module {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s stubQueries) UpsertDependency(_ context.Context, dep *records.DependencyEdge) error {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	s.graph.deps = append(s.graph.deps, *dep)
	return nil
}

func (s stubQueries) EdgesBetween(ctx context.Context, source, target string, limit int) ([]records.CommunicationEdge, error) {
	all, _ := s.graph.ListCommunications(ctx, limit)
	var out []records.CommunicationEdge
	for _, e := range all {
		if e.Source == source && e.Target == target {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T, graph *stubGraph) (*gin.Engine, *hybrid.Storage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storage, err := hybrid.New(context.Background(), fast.New(db, nil), graph, hybrid.Config{
		SyncInterval: time.Hour,
	}, nil)
	require.NoError(t, err)

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(storage, stubQueries{graph: graph}, nil))
	return router, storage
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLogEventEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, newStubGraph())

	t.Run("accepts a valid event", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/events",
			`{"source":"a","target":"b","action":"send","success":true,"duration_ms":42}`)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["event_id"])
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/events", `{"source":"a"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestModuleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, newStubGraph())

	w := doJSON(router, http.MethodPost, "/v1/hub/modules",
		`{"name":"sparta","capabilities":["scan"]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("returns registered module", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/modules/sparta", "")
		require.Equal(t, http.StatusOK, w.Code)

		var module records.ModuleNode
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &module))
		assert.Equal(t, "sparta", module.Name)
		assert.Contains(t, module.Capabilities, "scan")
	})

	t.Run("404 for unknown module", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/modules/ghost", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rejects nameless registration", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/modules", `{"capabilities":["x"]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLogConversationEndpoint(t *testing.T) {
	router, storage := newTestRouter(t, newStubGraph())

	w := doJSON(router, http.MethodPost, "/v1/hub/conversations",
		`{"initiator":"marker","responder":"arangodb","turns":4}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, 1, storage.SyncEngine().QueueDepth())

	w = doJSON(router, http.MethodPost, "/v1/hub/conversations", `{"initiator":"marker"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteEndpoint(t *testing.T) {
	graph := newStubGraph()
	ms := 50.0
	ts := time.Now().UTC()
	_ = graph.InsertCommunication(context.Background(), &records.CommunicationEdge{
		ID: records.NewEdgeID("a", "b", "send", ts), Source: "a", Target: "b",
		Action: "send", Timestamp: ts, Success: true, DurationMS: &ms,
	})
	router, storage := newTestRouter(t, graph)
	require.NoError(t, storage.Communicator().Rebuild(context.Background()))

	t.Run("returns a route", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/route?source=a&target=b", "")
		require.Equal(t, http.StatusOK, w.Code)

		var route records.CommunicationRoute
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &route))
		assert.Equal(t, []string{"a", "b"}, route.Path)
		assert.Equal(t, 1, route.TotalDistance)
	})

	t.Run("404 when no path exists", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/route?source=b&target=a", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("requires both endpoints", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/route?source=a", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEdgeHistoryEndpoints(t *testing.T) {
	graph := newStubGraph()
	ts := time.Now().UTC()
	_ = graph.InsertCommunication(context.Background(), &records.CommunicationEdge{
		ID: records.NewEdgeID("a", "b", "send", ts), Source: "a", Target: "b",
		Action: "send", Timestamp: ts, Success: true,
	})
	router, _ := newTestRouter(t, graph)

	type edgesResp struct {
		Edges []records.CommunicationEdge `json:"edges"`
	}

	t.Run("module edges by direction", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/modules/a/edges?direction=out", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp edgesResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Edges, 1)
		assert.Equal(t, "b", resp.Edges[0].Target)

		w = doJSON(router, http.MethodGet, "/v1/hub/modules/a/edges?direction=in", "")
		require.Equal(t, http.StatusOK, w.Code)
		resp = edgesResp{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Empty(t, resp.Edges)
	})

	t.Run("invalid direction rejected", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/modules/a/edges?direction=sideways", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("pair history is directed", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/edges?source=a&target=b", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp edgesResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Edges, 1)

		w = doJSON(router, http.MethodGet, "/v1/hub/edges?source=b&target=a", "")
		require.Equal(t, http.StatusOK, w.Code)
		resp = edgesResp{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Empty(t, resp.Edges)
	})

	t.Run("missing endpoints rejected", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/v1/hub/edges?source=a", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("dependency declaration", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/dependencies",
			`{"source":"marker","target":"arangodb"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		deps, err := graph.ListDependencies(context.Background())
		require.NoError(t, err)
		assert.Len(t, deps, 1)

		w = doJSON(router, http.MethodPost, "/v1/hub/dependencies", `{"source":"marker"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAnalysisAndMetricsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, newStubGraph())

	w := doJSON(router, http.MethodGet, "/v1/hub/analysis", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/hub/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/hub/recommend", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/hub/recommend?capability=scan", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRawQueryEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, newStubGraph())

	t.Run("runs read queries", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/query",
			`{"query":"{ Get { ModuleNode { name } } }"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects mutations", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/v1/hub/query",
			`{"query":"mutation { x }"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
