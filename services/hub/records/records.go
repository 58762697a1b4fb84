// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package records defines the shared data model for the hub storage core.
//
// The model is deliberately small:
//   - ModuleNode: a participant in the hub (never hard-deleted)
//   - CommunicationEdge: one observed communication attempt (append-only fact)
//   - DependencyEdge: a declared static relationship
//   - ConversationRecord: a multi-turn exchange between two modules
//   - CommunicationRoute: a derived path between two modules (never persisted)
//   - SyncJob: one unit of work for the background sync engine
package records

import (
	"time"

	"github.com/google/uuid"
)

// ModuleStatus is the soft lifecycle state of a module.
// Modules are never hard-deleted; retirement flips the status.
type ModuleStatus string

const (
	// ModuleStatusActive indicates the module is participating normally.
	ModuleStatusActive ModuleStatus = "active"

	// ModuleStatusRetired indicates the module has been soft-deleted.
	ModuleStatusRetired ModuleStatus = "retired"
)

// ModuleNode describes one module known to the hub.
//
// Name is the unique key. A ModuleNode is created on first communication
// involving the module or on explicit registration, and updated in place on
// metadata change.
type ModuleNode struct {
	// Name uniquely identifies the module.
	Name string `json:"name"`

	// Capabilities is the declared capability set (deduplicated, unordered).
	Capabilities []string `json:"capabilities"`

	// Metadata holds genuinely schema-less module annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Status is the soft lifecycle state. Empty means active.
	Status ModuleStatus `json:"status,omitempty"`

	// RegisteredAt is when the module was first seen.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is the timestamp of the most recent communication or update.
	LastSeen time.Time `json:"last_seen"`
}

// HasCapability reports whether the module declares the given capability.
func (m *ModuleNode) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// CommunicationEdge is one observed communication attempt between modules.
//
// Edges are append-only facts: one edge per attempt, never deduplicated at
// record time. The in-memory graph model aggregates over recent edges when
// deriving weights. ID is deterministic over the indexed fields so that the
// queue drain and the periodic sweep upserting the same fact twice cannot
// produce a duplicate in the durable store.
type CommunicationEdge struct {
	// ID is the stable identity of this fact. See NewEdgeID.
	ID string `json:"id"`

	// Source is the initiating module name.
	Source string `json:"source"`

	// Target is the receiving module name.
	Target string `json:"target"`

	// Action is the requested operation name.
	Action string `json:"action"`

	// Timestamp is when the attempt was observed.
	Timestamp time.Time `json:"timestamp"`

	// Success records the observed outcome.
	Success bool `json:"success"`

	// DurationMS is the observed round-trip duration, if measured.
	DurationMS *float64 `json:"duration_ms,omitempty"`

	// DataSize is the payload size in bytes, if known.
	DataSize *int `json:"data_size,omitempty"`

	// Payload is the single open-extension field for non-indexed data.
	Payload map[string]any `json:"payload,omitempty"`
}

// edgeNamespace is the UUIDv5 namespace for communication edge identities.
var edgeNamespace = uuid.MustParse("7b1ddea6-4b2c-4c31-9f20-6a4f1a1d0a42")

// NewEdgeID derives the deterministic identity of a communication fact from
// its indexed fields. Two records of the same attempt yield the same ID.
func NewEdgeID(source, target, action string, ts time.Time) string {
	name := source + "\x00" + target + "\x00" + action + "\x00" + ts.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(edgeNamespace, []byte(name)).String()
}

// NewCommunicationEdge builds an edge with its derived ID and a UTC timestamp.
func NewCommunicationEdge(source, target, action string, ts time.Time, success bool) CommunicationEdge {
	ts = ts.UTC()
	return CommunicationEdge{
		ID:        NewEdgeID(source, target, action, ts),
		Source:    source,
		Target:    target,
		Action:    action,
		Timestamp: ts,
		Success:   success,
	}
}

// DependencyEdge is a declared static relationship between two modules.
//
// Dependencies are a fallback connectivity signal: the graph model only adds
// a dependency edge when no communication has been observed for the pair.
type DependencyEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ConversationRecord captures a multi-turn exchange between two modules.
type ConversationRecord struct {
	// ID uniquely identifies the conversation.
	ID string `json:"id"`

	// Initiator is the module that opened the conversation.
	Initiator string `json:"initiator"`

	// Responder is the module that answered.
	Responder string `json:"responder"`

	// StartedAt is when the first turn was recorded.
	StartedAt time.Time `json:"started_at"`

	// Turns is the number of exchanges recorded so far.
	Turns int `json:"turns"`
}

// CommunicationRoute is a derived path between two modules.
//
// Routes are computed on demand from the in-memory graph model and cached;
// they are never persisted.
type CommunicationRoute struct {
	// Source is the first module on the path.
	Source string `json:"source"`

	// Target is the last module on the path.
	Target string `json:"target"`

	// Path is the full ordered hop list, including Source and Target.
	Path []string `json:"path"`

	// TotalDistance is the hop count (len(Path) - 1).
	TotalDistance int `json:"total_distance"`

	// EstimatedTimeMS is the historical traversal estimate in milliseconds.
	EstimatedTimeMS float64 `json:"estimated_time_ms"`

	// ReliabilityScore is the product of per-hop success rates, in [0, 1].
	ReliabilityScore float64 `json:"reliability_score"`
}

// SyncJobKind selects the durable-store write a SyncJob performs.
type SyncJobKind string

const (
	// SyncJobCommunication persists a CommunicationEdge.
	SyncJobCommunication SyncJobKind = "communication"

	// SyncJobModule upserts a ModuleNode.
	SyncJobModule SyncJobKind = "module"

	// SyncJobConversation upserts a ConversationRecord.
	SyncJobConversation SyncJobKind = "conversation"
)

// SyncJob is one unit of work on the sync queue.
//
// Exactly one of Edge, Module, or Conversation is set, selected by Kind.
type SyncJob struct {
	Kind         SyncJobKind
	Edge         *CommunicationEdge
	Module       *ModuleNode
	Conversation *ConversationRecord

	// EnqueuedAt is when the job entered the queue. Used for queue-latency
	// accounting only; ordering comes from the queue itself.
	EnqueuedAt time.Time
}

// HistoricalAnalysis is the authoritative aggregate over a module's recorded
// communications, computed by the durable store.
type HistoricalAnalysis struct {
	// Module is the analyzed module name.
	Module string `json:"module"`

	// WindowDays is the analysis window in days.
	WindowDays int `json:"window_days"`

	// TotalCommunications is the edge count in the window.
	TotalCommunications int `json:"total_communications"`

	// SuccessRate is successes / total, in [0, 1]. Zero when no edges.
	SuccessRate float64 `json:"success_rate"`

	// AvgDurationMS is the mean observed duration over edges that carry one.
	AvgDurationMS float64 `json:"avg_duration_ms"`

	// Partners is the set of distinct counterpart modules in the window.
	Partners []string `json:"partners"`
}
