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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReadQuery(t *testing.T) {
	t.Run("accepts Get query", func(t *testing.T) {
		err := ValidateReadQuery(`{ Get { HubModule { name } } }`)
		assert.NoError(t, err)
	})

	t.Run("accepts Aggregate query", func(t *testing.T) {
		err := ValidateReadQuery(`{ Aggregate { HubCommunication { meta { count } } } }`)
		assert.NoError(t, err)
	})

	t.Run("accepts query keyword form", func(t *testing.T) {
		err := ValidateReadQuery(`query { Get { HubModule { name } } }`)
		assert.NoError(t, err)
	})

	t.Run("accepts filters and arguments", func(t *testing.T) {
		err := ValidateReadQuery(`{
			Get {
				HubCommunication(where: {path: ["source"], operator: Equal, valueString: "ocr"}, limit: 10) {
					source target action
				}
			}
		}`)
		assert.NoError(t, err)
	})

	t.Run("rejects mutation", func(t *testing.T) {
		err := ValidateReadQuery(`mutation { deleteHubModule(name: "ocr") }`)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("rejects subscription", func(t *testing.T) {
		err := ValidateReadQuery(`subscription { HubModule { name } }`)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("rejects non-read root field", func(t *testing.T) {
		err := ValidateReadQuery(`{ Delete { HubModule { name } } }`)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("rejects write sibling hidden after read root", func(t *testing.T) {
		err := ValidateReadQuery(`{ Get { HubModule { name } } Delete { HubModule } }`)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("rejects mutation keyword inside document", func(t *testing.T) {
		err := ValidateReadQuery(`query { Get { HubModule { name } } } mutation { x }`)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("ignores mutation word inside string literal", func(t *testing.T) {
		err := ValidateReadQuery(`{ Get { HubModule(where: {path: ["name"], operator: Equal, valueString: "mutation"}) { name } } }`)
		assert.NoError(t, err)
	})

	t.Run("ignores comments", func(t *testing.T) {
		err := ValidateReadQuery("{ Get { # mutation in a comment\n HubModule { name } } }")
		assert.NoError(t, err)
	})

	t.Run("rejects empty query", func(t *testing.T) {
		err := ValidateReadQuery("   ")
		assert.ErrorIs(t, err, ErrQueryRejected)
	})

	t.Run("rejects unbalanced braces", func(t *testing.T) {
		err := ValidateReadQuery(`{ Get { HubModule { name } }`)
		assert.ErrorIs(t, err, ErrQueryRejected)
	})
}
