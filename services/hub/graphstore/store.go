// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
)

// Direction selects which endpoint of an edge a module query matches.
type Direction string

const (
	// DirectionOut matches edges where the module is the source.
	DirectionOut Direction = "out"
	// DirectionIn matches edges where the module is the target.
	DirectionIn Direction = "in"
	// DirectionBoth matches either endpoint.
	DirectionBoth Direction = "both"
)

// moduleNamespace is the UUIDv5 namespace for module object identities.
var moduleNamespace = uuid.MustParse("f3d02c5e-8a17-4f02-b1d3-52ce9c1e8f77")

// defaultListLimit bounds unbounded list queries.
const defaultListLimit = 10000

// Store is the durable graph store over Weaviate.
//
// All writes are idempotent upserts: object IDs are deterministic over the
// record's identity fields, so replaying the same fact (queue drain vs.
// periodic sweep) never duplicates it.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	rc     *ResilientClient
	logger *slog.Logger
}

// NewStore wraps a resilient client as the hub's graph store.
func NewStore(rc *ResilientClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rc:     rc,
		logger: logger.With(slog.String("component", "graph_store")),
	}
}

// Available reports whether the durable store currently accepts requests.
func (s *Store) Available() bool {
	return s.rc.IsAvailable()
}

// parseResponse decodes a Weaviate GraphQL response into the target shape.
func parseResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response data: %w", err)
	}
	return &out, nil
}

// -----------------------------------------------------------------------------
// Modules
// -----------------------------------------------------------------------------

// moduleProps is the wire shape of a HubModule object.
type moduleProps struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	MetadataJSON string   `json:"metadata_json"`
	Status       string   `json:"status"`
	RegisteredAt float64  `json:"registered_at"`
	LastSeen     float64  `json:"last_seen"`
}

func (p *moduleProps) toRecord() (*records.ModuleNode, error) {
	node := &records.ModuleNode{
		Name:         p.Name,
		Capabilities: p.Capabilities,
		Status:       records.ModuleStatus(p.Status),
		RegisteredAt: time.UnixMilli(int64(p.RegisteredAt)).UTC(),
		LastSeen:     time.UnixMilli(int64(p.LastSeen)).UTC(),
	}
	if p.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(p.MetadataJSON), &node.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", p.Name, err)
		}
	}
	return node, nil
}

var moduleFields = []graphql.Field{
	{Name: "name"},
	{Name: "capabilities"},
	{Name: "metadata_json"},
	{Name: "status"},
	{Name: "registered_at"},
	{Name: "last_seen"},
}

// UpsertModule creates or replaces the module node keyed by name.
func (s *Store) UpsertModule(ctx context.Context, module *records.ModuleNode) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertModule",
		trace.WithAttributes(attribute.String("module", module.Name)))
	defer span.End()

	metaJSON := ""
	if len(module.Metadata) > 0 {
		raw, err := json.Marshal(module.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", module.Name, err)
		}
		metaJSON = string(raw)
	}

	status := module.Status
	if status == "" {
		status = records.ModuleStatusActive
	}

	props := map[string]any{
		"name":          module.Name,
		"capabilities":  module.Capabilities,
		"metadata_json": metaJSON,
		"status":        string(status),
		"registered_at": float64(module.RegisteredAt.UnixMilli()),
		"last_seen":     float64(module.LastSeen.UnixMilli()),
	}
	id := uuid.NewSHA1(moduleNamespace, []byte(module.Name)).String()

	return s.rc.Execute(ctx, func() error {
		exists, err := s.rc.Client().Data().Checker().
			WithClassName(ClassModule).
			WithID(id).
			Do(ctx)
		if err != nil {
			return err
		}
		if exists {
			return s.rc.Client().Data().Updater().
				WithClassName(ClassModule).
				WithID(id).
				WithProperties(props).
				Do(ctx)
		}
		_, err = s.rc.Client().Data().Creator().
			WithClassName(ClassModule).
			WithID(id).
			WithProperties(props).
			Do(ctx)
		return err
	})
}

// GetModule fetches one module by name, or (nil, nil) when absent.
func (s *Store) GetModule(ctx context.Context, name string) (*records.ModuleNode, error) {
	ctx, span := tracer.Start(ctx, "graphstore.GetModule",
		trace.WithAttributes(attribute.String("module", name)))
	defer span.End()

	where := filters.Where().
		WithPath([]string{"name"}).
		WithOperator(filters.Equal).
		WithValueString(name)

	var resp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		var err error
		resp, err = s.rc.Client().GraphQL().Get().
			WithClassName(ClassModule).
			WithFields(moduleFields...).
			WithWhere(where).
			WithLimit(1).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse[struct {
		Get struct {
			HubModule []moduleProps `json:"HubModule"`
		} `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}
	if len(parsed.Get.HubModule) == 0 {
		return nil, nil
	}
	return parsed.Get.HubModule[0].toRecord()
}

// ListModules returns every known module.
func (s *Store) ListModules(ctx context.Context) ([]records.ModuleNode, error) {
	ctx, span := tracer.Start(ctx, "graphstore.ListModules")
	defer span.End()

	var resp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		var err error
		resp, err = s.rc.Client().GraphQL().Get().
			WithClassName(ClassModule).
			WithFields(moduleFields...).
			WithLimit(defaultListLimit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse[struct {
		Get struct {
			HubModule []moduleProps `json:"HubModule"`
		} `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}

	out := make([]records.ModuleNode, 0, len(parsed.Get.HubModule))
	for i := range parsed.Get.HubModule {
		node, err := parsed.Get.HubModule[i].toRecord()
		if err != nil {
			s.logger.Warn("skipping undecodable module", slog.String("error", err.Error()))
			continue
		}
		out = append(out, *node)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Communications
// -----------------------------------------------------------------------------

// commProps is the wire shape of a HubCommunication object.
type commProps struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Action      string  `json:"action"`
	Timestamp   float64 `json:"timestamp"`
	Success     bool    `json:"success"`
	DurationMS  float64 `json:"duration_ms"`
	DataSize    float64 `json:"data_size"`
	PayloadJSON string  `json:"payload_json"`
}

func (p *commProps) toRecord() records.CommunicationEdge {
	ts := time.UnixMilli(int64(p.Timestamp)).UTC()
	edge := records.CommunicationEdge{
		ID:        records.NewEdgeID(p.Source, p.Target, p.Action, ts),
		Source:    p.Source,
		Target:    p.Target,
		Action:    p.Action,
		Timestamp: ts,
		Success:   p.Success,
	}
	if p.DurationMS >= 0 {
		d := p.DurationMS
		edge.DurationMS = &d
	}
	if p.DataSize >= 0 {
		n := int(p.DataSize)
		edge.DataSize = &n
	}
	if p.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(p.PayloadJSON), &edge.Payload)
	}
	return edge
}

var commFields = []graphql.Field{
	{Name: "source"},
	{Name: "target"},
	{Name: "action"},
	{Name: "timestamp"},
	{Name: "success"},
	{Name: "duration_ms"},
	{Name: "data_size"},
	{Name: "payload_json"},
}

// InsertCommunication persists one communication fact.
//
// The edge's deterministic ID doubles as the object ID, so replaying the
// same fact is a no-op rather than a duplicate.
func (s *Store) InsertCommunication(ctx context.Context, edge *records.CommunicationEdge) error {
	ctx, span := tracer.Start(ctx, "graphstore.InsertCommunication",
		trace.WithAttributes(
			attribute.String("source", edge.Source),
			attribute.String("target", edge.Target)))
	defer span.End()

	duration := -1.0
	if edge.DurationMS != nil {
		duration = *edge.DurationMS
	}
	dataSize := -1
	if edge.DataSize != nil {
		dataSize = *edge.DataSize
	}
	payloadJSON := ""
	if len(edge.Payload) > 0 {
		raw, err := json.Marshal(edge.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(raw)
	}

	props := map[string]any{
		"source":       edge.Source,
		"target":       edge.Target,
		"action":       edge.Action,
		"timestamp":    float64(edge.Timestamp.UnixMilli()),
		"success":      edge.Success,
		"duration_ms":  duration,
		"data_size":    dataSize,
		"payload_json": payloadJSON,
	}

	return s.rc.Execute(ctx, func() error {
		exists, err := s.rc.Client().Data().Checker().
			WithClassName(ClassCommunication).
			WithID(edge.ID).
			Do(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil // fact already recorded
		}
		_, err = s.rc.Client().Data().Creator().
			WithClassName(ClassCommunication).
			WithID(edge.ID).
			WithProperties(props).
			Do(ctx)
		return err
	})
}

// ListCommunications returns the most recent communications, newest first.
// A non-positive limit applies the default list bound.
func (s *Store) ListCommunications(ctx context.Context, limit int) ([]records.CommunicationEdge, error) {
	ctx, span := tracer.Start(ctx, "graphstore.ListCommunications")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryCommunications(ctx, nil, limit)
}

// EdgesForModule returns the most recent edges touching module in the given
// direction, newest first.
func (s *Store) EdgesForModule(ctx context.Context, module string, direction Direction, limit int) ([]records.CommunicationEdge, error) {
	ctx, span := tracer.Start(ctx, "graphstore.EdgesForModule",
		trace.WithAttributes(
			attribute.String("module", module),
			attribute.String("direction", string(direction))))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	var where *filters.WhereBuilder
	switch direction {
	case DirectionOut:
		where = filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueString(module)
	case DirectionIn:
		where = filters.Where().
			WithPath([]string{"target"}).
			WithOperator(filters.Equal).
			WithValueString(module)
	case DirectionBoth:
		where = involvesModule(module)
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}

	return s.queryCommunications(ctx, where, limit)
}

// EdgesBetween returns the most recent edges from source to target, newest
// first. Directed: call twice with swapped arguments for both directions.
func (s *Store) EdgesBetween(ctx context.Context, source, target string, limit int) ([]records.CommunicationEdge, error) {
	ctx, span := tracer.Start(ctx, "graphstore.EdgesBetween",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("target", target)))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"source"}).
				WithOperator(filters.Equal).
				WithValueString(source),
			filters.Where().
				WithPath([]string{"target"}).
				WithOperator(filters.Equal).
				WithValueString(target),
		})

	return s.queryCommunications(ctx, where, limit)
}

// involvesModule matches edges with module on either endpoint.
func involvesModule(module string) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"source"}).
				WithOperator(filters.Equal).
				WithValueString(module),
			filters.Where().
				WithPath([]string{"target"}).
				WithOperator(filters.Equal).
				WithValueString(module),
		})
}

func (s *Store) queryCommunications(ctx context.Context, where *filters.WhereBuilder, limit int) ([]records.CommunicationEdge, error) {
	var resp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		q := s.rc.Client().GraphQL().Get().
			WithClassName(ClassCommunication).
			WithFields(commFields...).
			WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}).
			WithLimit(limit)
		if where != nil {
			q = q.WithWhere(where)
		}
		var err error
		resp, err = q.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse[struct {
		Get struct {
			HubCommunication []commProps `json:"HubCommunication"`
		} `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}

	out := make([]records.CommunicationEdge, 0, len(parsed.Get.HubCommunication))
	for i := range parsed.Get.HubCommunication {
		out = append(out, parsed.Get.HubCommunication[i].toRecord())
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// depNamespace is the UUIDv5 namespace for dependency identities.
var depNamespace = uuid.MustParse("a0c7f6d1-33e5-4de5-8f7e-b1d4c0f2e9b8")

// UpsertDependency records a declared static relationship. Idempotent.
func (s *Store) UpsertDependency(ctx context.Context, dep *records.DependencyEdge) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertDependency")
	defer span.End()

	id := uuid.NewSHA1(depNamespace, []byte(dep.Source+"\x00"+dep.Target)).String()
	props := map[string]any{
		"source": dep.Source,
		"target": dep.Target,
	}

	return s.rc.Execute(ctx, func() error {
		exists, err := s.rc.Client().Data().Checker().
			WithClassName(ClassDependency).
			WithID(id).
			Do(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = s.rc.Client().Data().Creator().
			WithClassName(ClassDependency).
			WithID(id).
			WithProperties(props).
			Do(ctx)
		return err
	})
}

// ListDependencies returns every declared dependency.
func (s *Store) ListDependencies(ctx context.Context) ([]records.DependencyEdge, error) {
	ctx, span := tracer.Start(ctx, "graphstore.ListDependencies")
	defer span.End()

	var resp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		var err error
		resp, err = s.rc.Client().GraphQL().Get().
			WithClassName(ClassDependency).
			WithFields(graphql.Field{Name: "source"}, graphql.Field{Name: "target"}).
			WithLimit(defaultListLimit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse[struct {
		Get struct {
			HubDependency []records.DependencyEdge `json:"HubDependency"`
		} `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}
	return parsed.Get.HubDependency, nil
}

// -----------------------------------------------------------------------------
// Conversations
// -----------------------------------------------------------------------------

// convNamespace is the UUIDv5 namespace for conversation object identities.
var convNamespace = uuid.MustParse("5e9f41c2-7d4a-4b63-a2c8-0f3b6d8e1a55")

// UpsertConversation creates or replaces one conversation record.
func (s *Store) UpsertConversation(ctx context.Context, conv *records.ConversationRecord) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertConversation",
		trace.WithAttributes(attribute.String("conversation_id", conv.ID)))
	defer span.End()

	id := uuid.NewSHA1(convNamespace, []byte(conv.ID)).String()
	props := map[string]any{
		"conversation_id": conv.ID,
		"initiator":       conv.Initiator,
		"responder":       conv.Responder,
		"started_at":      float64(conv.StartedAt.UnixMilli()),
		"turns":           conv.Turns,
	}

	return s.rc.Execute(ctx, func() error {
		exists, err := s.rc.Client().Data().Checker().
			WithClassName(ClassConversation).
			WithID(id).
			Do(ctx)
		if err != nil {
			return err
		}
		if exists {
			return s.rc.Client().Data().Updater().
				WithClassName(ClassConversation).
				WithID(id).
				WithProperties(props).
				Do(ctx)
		}
		_, err = s.rc.Client().Data().Creator().
			WithClassName(ClassConversation).
			WithID(id).
			WithProperties(props).
			Do(ctx)
		return err
	})
}

// -----------------------------------------------------------------------------
// Aggregates
// -----------------------------------------------------------------------------

// HistoricalStats computes the authoritative aggregate over a module's
// communications inside the trailing window of days.
//
// The total count comes from an Aggregate query; success rate, mean duration,
// and the partner set are derived from the matching edges.
func (s *Store) HistoricalStats(ctx context.Context, module string, days int) (*records.HistoricalAnalysis, error) {
	ctx, span := tracer.Start(ctx, "graphstore.HistoricalStats",
		trace.WithAttributes(
			attribute.String("module", module),
			attribute.Int("days", days)))
	defer span.End()

	if days <= 0 {
		days = 7
	}
	cutoff := float64(time.Now().AddDate(0, 0, -days).UnixMilli())

	window := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			involvesModule(module),
			filters.Where().
				WithPath([]string{"timestamp"}).
				WithOperator(filters.GreaterThanEqual).
				WithValueNumber(cutoff),
		})

	// Authoritative count via Aggregate.
	var aggResp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		var err error
		aggResp, err = s.rc.Client().GraphQL().Aggregate().
			WithClassName(ClassCommunication).
			WithWhere(window).
			WithFields(graphql.Field{
				Name:   "meta",
				Fields: []graphql.Field{{Name: "count"}},
			}).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	aggParsed, err := parseResponse[struct {
		Aggregate struct {
			HubCommunication []struct {
				Meta struct {
					Count float64 `json:"count"`
				} `json:"meta"`
			} `json:"HubCommunication"`
		} `json:"Aggregate"`
	}](aggResp)
	if err != nil {
		return nil, err
	}

	total := 0
	if len(aggParsed.Aggregate.HubCommunication) > 0 {
		total = int(aggParsed.Aggregate.HubCommunication[0].Meta.Count)
	}

	analysis := &records.HistoricalAnalysis{
		Module:              module,
		WindowDays:          days,
		TotalCommunications: total,
		Partners:            []string{},
	}
	if total == 0 {
		return analysis, nil
	}

	edges, err := s.queryCommunications(ctx, window, defaultListLimit)
	if err != nil {
		return nil, err
	}

	successes := 0
	durSum := 0.0
	durCount := 0
	partnerSet := make(map[string]struct{})
	for i := range edges {
		e := &edges[i]
		if e.Success {
			successes++
		}
		if e.DurationMS != nil {
			durSum += *e.DurationMS
			durCount++
		}
		if e.Source == module {
			partnerSet[e.Target] = struct{}{}
		} else {
			partnerSet[e.Source] = struct{}{}
		}
	}
	if len(edges) > 0 {
		analysis.SuccessRate = float64(successes) / float64(len(edges))
	}
	if durCount > 0 {
		analysis.AvgDurationMS = durSum / float64(durCount)
	}
	for p := range partnerSet {
		analysis.Partners = append(analysis.Partners, p)
	}
	sort.Strings(analysis.Partners)
	return analysis, nil
}

// -----------------------------------------------------------------------------
// Sandboxed raw queries
// -----------------------------------------------------------------------------

// RunReadQuery executes a caller-supplied GraphQL query after verifying it is
// structurally a read. Anything else fails closed with ErrQueryRejected.
func (s *Store) RunReadQuery(ctx context.Context, query string) (*models.GraphQLResponse, error) {
	ctx, span := tracer.Start(ctx, "graphstore.RunReadQuery")
	defer span.End()

	if err := ValidateReadQuery(query); err != nil {
		s.logger.Warn("raw query rejected", slog.String("error", err.Error()))
		return nil, err
	}

	var resp *models.GraphQLResponse
	err := s.rc.Execute(ctx, func() error {
		var err error
		resp, err = s.rc.Client().GraphQL().Raw().WithQuery(query).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
