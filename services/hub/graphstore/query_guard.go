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
	"fmt"
	"strings"
	"unicode"
)

// Top-level GraphQL fields that are structurally reads.
var readRootFields = map[string]bool{
	"Get":       true,
	"Aggregate": true,
	"Explore":   true,
}

// ValidateReadQuery checks that a raw GraphQL query is structurally a read.
//
// The check is fail-closed: a query is accepted only when every operation is
// a query operation (no "mutation"/"subscription" anywhere outside string
// literals) and every top-level field is one of Get, Aggregate, or Explore.
// Queries that cannot be parsed are rejected, never sanitized.
//
// This is a security boundary for caller-supplied queries, not a convention.
func ValidateReadQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrQueryRejected)
	}

	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return fmt.Errorf("%w: no tokens", ErrQueryRejected)
	}

	for _, tok := range tokens {
		lower := strings.ToLower(tok.text)
		if tok.kind == tokenIdent && (lower == "mutation" || lower == "subscription") {
			return fmt.Errorf("%w: operation %q is not a read", ErrQueryRejected, tok.text)
		}
	}

	roots, err := topLevelFields(tokens)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryRejected, err)
	}
	if len(roots) == 0 {
		return fmt.Errorf("%w: no top-level fields", ErrQueryRejected)
	}
	for _, field := range roots {
		if !readRootFields[field] {
			return fmt.Errorf("%w: top-level field %q is not a read", ErrQueryRejected, field)
		}
	}
	return nil
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenPunct
	tokenString
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a GraphQL document into identifiers, punctuation, and
// string literals. String contents are opaque; escapes are honored so a
// quote inside a string cannot terminate it early.
func tokenize(s string) []token {
	var tokens []token
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r) || r == ',':
			i++
		case r == '#': // comment to end of line
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == '"':
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\\' {
					j += 2
					continue
				}
				if runes[j] == '"' {
					break
				}
				j++
			}
			if j >= len(runes) {
				j = len(runes) - 1
			}
			tokens = append(tokens, token{kind: tokenString, text: string(runes[i : j+1])})
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[i:j])})
			i = j
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: string(r)})
			i++
		}
	}
	return tokens
}

// topLevelFields extracts the field names at brace depth 1 of every
// operation in the document.
func topLevelFields(tokens []token) ([]string, error) {
	var fields []string
	depth := 0

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.kind == tokenPunct && tok.text == "{":
			depth++
		case tok.kind == tokenPunct && tok.text == "}":
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced braces")
			}
		case tok.kind == tokenPunct && tok.text == "(":
			// Argument lists never contain fields; skip to the close paren.
			parens := 1
			for i++; i < len(tokens) && parens > 0; i++ {
				if tokens[i].kind == tokenPunct {
					switch tokens[i].text {
					case "(":
						parens++
					case ")":
						parens--
					}
				}
			}
			i--
			if parens != 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		case tok.kind == tokenIdent && depth == 1:
			// Every identifier at depth 1 is treated as a top-level field
			// so that no sibling can slip past validation.
			fields = append(fields, tok.text)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces")
	}
	return fields, nil
}
