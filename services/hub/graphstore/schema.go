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
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// Class names of the hub graph schema.
const (
	ClassModule        = "HubModule"
	ClassCommunication = "HubCommunication"
	ClassDependency    = "HubDependency"
	ClassConversation  = "HubConversation"
)

// moduleSchema describes one module node.
func moduleSchema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:               ClassModule,
		Description:         "A module known to the hub, keyed by name.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "name",
				DataType:        []string{"text"},
				Description:     "Unique module name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "capabilities",
				DataType:        []string{"text[]"},
				Description:     "Declared capability set.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:         "metadata_json",
				DataType:     []string{"text"},
				Description:  "JSON-encoded schema-less metadata.",
				Tokenization: "word",
			},
			{
				Name:            "status",
				DataType:        []string{"text"},
				Description:     "Soft lifecycle state: active or retired.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "registered_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of first registration.",
				IndexFilterable: filterable,
			},
			{
				Name:            "last_seen",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of most recent activity.",
				IndexFilterable: filterable,
			},
		},
	}
}

// communicationSchema describes one observed communication attempt.
func communicationSchema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:               ClassCommunication,
		Description:         "One observed communication attempt between two modules.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Initiating module name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "target",
				DataType:        []string{"text"},
				Description:     "Receiving module name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "action",
				DataType:        []string{"text"},
				Description:     "Requested operation name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the attempt was observed.",
				IndexFilterable: filterable,
			},
			{
				Name:            "success",
				DataType:        []string{"boolean"},
				Description:     "Observed outcome.",
				IndexFilterable: filterable,
			},
			{
				Name:            "duration_ms",
				DataType:        []string{"number"},
				Description:     "Observed round-trip duration, -1 when unmeasured.",
				IndexFilterable: filterable,
			},
			{
				Name:            "data_size",
				DataType:        []string{"int"},
				Description:     "Payload size in bytes, -1 when unknown.",
				IndexFilterable: filterable,
			},
			{
				Name:         "payload_json",
				DataType:     []string{"text"},
				Description:  "JSON-encoded open-extension payload.",
				Tokenization: "word",
			},
		},
	}
}

// dependencySchema describes one declared static relationship.
func dependencySchema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:       ClassDependency,
		Description: "A declared static dependency between two modules.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Depending module name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "target",
				DataType:        []string{"text"},
				Description:     "Depended-on module name.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
		},
	}
}

// conversationSchema describes one multi-turn exchange.
func conversationSchema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:               ClassConversation,
		Description:         "A multi-turn exchange between two modules.",
		Vectorizer:          "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{IndexTimestamps: true},
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "Unique conversation ID.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "initiator",
				DataType:        []string{"text"},
				Description:     "Module that opened the conversation.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "responder",
				DataType:        []string{"text"},
				Description:     "Module that answered.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "started_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the first turn.",
				IndexFilterable: filterable,
			},
			{
				Name:            "turns",
				DataType:        []string{"int"},
				Description:     "Number of exchanges recorded so far.",
				IndexFilterable: filterable,
			},
		},
	}
}

// EnsureSchema creates any missing hub classes. Existing classes are left
// untouched.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{
		moduleSchema(),
		communicationSchema(),
		dependencySchema(),
		conversationSchema(),
	} {
		err := s.rc.Execute(ctx, func() error {
			exists, err := s.rc.Client().Schema().ClassExistenceChecker().
				WithClassName(class.Class).
				Do(ctx)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			return s.rc.Client().Schema().ClassCreator().
				WithClass(class).
				Do(ctx)
		})
		if err != nil {
			return fmt.Errorf("ensure class %s: %w", class.Class, err)
		}
	}
	return nil
}
