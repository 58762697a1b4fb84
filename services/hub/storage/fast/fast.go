// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fast implements the low-latency record store backing the hub's
// fast path.
//
// The store keeps four keyspaces inside a single BadgerDB instance:
//
//	msg/<ts>/<id>   - append-only communication event WAL
//	modcache/<name> - short-term module metadata cache
//	ckpt/           - sync checkpoint rows
//	perf/<op>/<ts>  - rolling performance samples (pruned past one hour)
//
// Reads of recent communications are explicitly approximate: they serve the
// fast path and never consult the durable graph store.
package fast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
	hubbadger "github.com/grahama1970/granger-hub-sub000/services/hub/storage/badger"
)

// Key prefixes for the store's keyspaces.
const (
	prefixMessage  = "msg/"
	prefixModule   = "modcache/"
	prefixCkpt     = "ckpt/"
	prefixPerf     = "perf/"
	keyCkptLast    = "ckpt/last"
	perfRetention  = time.Hour
	moduleCacheTTL = 30 * time.Minute
)

// Store is the hub's fast-path record store.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions provide
// isolation and the store keeps no mutable state of its own.
type Store struct {
	db     *hubbadger.DB
	logger *slog.Logger
}

// New creates a Store over an opened hub BadgerDB.
func New(db *hubbadger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "fast_store")),
	}
}

// messageKey orders WAL entries by timestamp, disambiguated by edge ID.
func messageKey(e *records.CommunicationEdge) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixMessage, e.Timestamp.UnixNano(), e.ID))
}

// AppendMessage writes one communication event to the WAL.
//
// This is the durability floor for LogEvent: errors are returned to the
// caller, never swallowed.
func (s *Store) AppendMessage(ctx context.Context, edge *records.CommunicationEdge) error {
	raw, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("marshal communication edge: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(messageKey(edge), raw)
	})
}

// RecentMessages returns up to limit of the most recent communications that
// involve module (as source or target), newest first. Empty module matches
// every record.
func (s *Store) RecentMessages(ctx context.Context, module string, limit int) ([]records.CommunicationEdge, error) {
	if limit <= 0 {
		limit = 50
	}

	out := make([]records.CommunicationEdge, 0, limit)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixMessage)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past every message key.
		seek := append([]byte(prefixMessage), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefixMessage)); it.Next() {
			var edge records.CommunicationEdge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				return fmt.Errorf("decode message %s: %w", it.Item().Key(), err)
			}
			if module != "" && edge.Source != module && edge.Target != module {
				continue
			}
			out = append(out, edge)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MessagesSince returns up to limit communications recorded strictly after
// the checkpoint, oldest first. Used by the periodic full sync sweep.
func (s *Store) MessagesSince(ctx context.Context, checkpoint time.Time, limit int) ([]records.CommunicationEdge, error) {
	if limit <= 0 {
		limit = 1000
	}

	start := []byte(fmt.Sprintf("%s%020d", prefixMessage, checkpoint.UnixNano()+1))
	out := make([]records.CommunicationEdge, 0, 64)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMessage)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix([]byte(prefixMessage)); it.Next() {
			var edge records.CommunicationEdge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				return fmt.Errorf("decode message %s: %w", it.Item().Key(), err)
			}
			out = append(out, edge)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cachedModule wraps a module with its cache stamp.
type cachedModule struct {
	Module   records.ModuleNode `json:"module"`
	StoredAt time.Time          `json:"stored_at"`
}

// PutModule stores module metadata in the cache table.
func (s *Store) PutModule(ctx context.Context, module *records.ModuleNode) error {
	raw, err := json.Marshal(cachedModule{Module: *module, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal module %s: %w", module.Name, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixModule+module.Name), raw)
	})
}

// GetModule returns the cached module metadata, or (nil, nil) on a cache
// miss. Entries older than the module cache TTL count as misses.
func (s *Store) GetModule(ctx context.Context, name string) (*records.ModuleNode, error) {
	var cached cachedModule
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixModule + name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cached)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read module cache for %s: %w", name, err)
	}
	if !found || time.Since(cached.StoredAt) > moduleCacheTTL {
		return nil, nil
	}
	return &cached.Module, nil
}

// Checkpoint records a sync checkpoint row and advances the last-checkpoint
// pointer.
func (s *Store) Checkpoint(ctx context.Context, t time.Time) error {
	stamp := []byte(t.UTC().Format(time.RFC3339Nano))
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		histKey := []byte(fmt.Sprintf("%shist/%020d", prefixCkpt, t.UnixNano()))
		if err := txn.Set(histKey, stamp); err != nil {
			return err
		}
		return txn.Set([]byte(keyCkptLast), stamp)
	})
}

// LastCheckpoint returns the most recent sync checkpoint, or the zero time
// when no checkpoint has been recorded yet.
func (s *Store) LastCheckpoint(ctx context.Context) (time.Time, error) {
	var stamp []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyCkptLast))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		stamp, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read last checkpoint: %w", err)
	}
	if len(stamp) == 0 {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(stamp))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint %q: %w", stamp, err)
	}
	return t, nil
}

// perfSample is one recorded operation timing.
type perfSample struct {
	DurationMS float64 `json:"duration_ms"`
}

// RecordOp stores one performance sample for the named operation and prunes
// samples older than the retention window.
func (s *Store) RecordOp(ctx context.Context, op string, duration time.Duration) error {
	raw, err := json.Marshal(perfSample{DurationMS: float64(duration.Microseconds()) / 1000.0})
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%s/%020d", prefixPerf, op, time.Now().UnixNano()))
	if err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	}); err != nil {
		return fmt.Errorf("record perf sample: %w", err)
	}

	// Pruning is opportunistic; a failure here never fails the caller.
	if err := s.prunePerf(ctx); err != nil {
		s.logger.Warn("perf sample pruning failed", slog.String("error", err.Error()))
	}
	return nil
}

// OpStats aggregates the samples of one operation inside the window.
type OpStats struct {
	Count        int     `json:"count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// PerformanceWindow aggregates per-operation counts and mean latencies over
// the trailing window (capped at the one-hour retention).
func (s *Store) PerformanceWindow(ctx context.Context, window time.Duration) (map[string]OpStats, error) {
	if window <= 0 || window > perfRetention {
		window = perfRetention
	}
	cutoff := time.Now().Add(-window).UnixNano()

	type agg struct {
		count int
		sum   float64
	}
	sums := make(map[string]*agg)

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPerf)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixPerf)); it.ValidForPrefix([]byte(prefixPerf)); it.Next() {
			op, ts, ok := splitPerfKey(it.Item().Key())
			if !ok || ts < cutoff {
				continue
			}
			var sample perfSample
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			}); err != nil {
				return err
			}
			a := sums[op]
			if a == nil {
				a = &agg{}
				sums[op] = a
			}
			a.count++
			a.sum += sample.DurationMS
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate performance window: %w", err)
	}

	out := make(map[string]OpStats, len(sums))
	for op, a := range sums {
		out[op] = OpStats{Count: a.count, AvgLatencyMS: a.sum / float64(a.count)}
	}
	return out, nil
}

// prunePerf deletes performance samples older than the retention window.
func (s *Store) prunePerf(ctx context.Context) error {
	cutoff := time.Now().Add(-perfRetention).UnixNano()
	var stale [][]byte

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPerf)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixPerf)); it.ValidForPrefix([]byte(prefixPerf)); it.Next() {
			if _, ts, ok := splitPerfKey(it.Item().Key()); ok && ts < cutoff {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// splitPerfKey parses "perf/<op>/<ts>" into its parts.
func splitPerfKey(key []byte) (op string, ts int64, ok bool) {
	rest := bytes.TrimPrefix(key, []byte(prefixPerf))
	idx := bytes.LastIndexByte(rest, '/')
	if idx < 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(string(rest[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, false
	}
	return string(rest[:idx]), ts, true
}
