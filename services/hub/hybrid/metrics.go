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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grahama1970/granger-hub-sub000/services/hub/storage/fast"
)

// Prometheus metrics for the hybrid storage layer.
var (
	tierOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_storage_tier_ops_total",
		Help: "Storage operations by tier and kind",
	}, []string{"tier", "kind"})

	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_storage_cache_ops_total",
		Help: "Module cache lookups by tier and result",
	}, []string{"tier", "result"})

	syncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_sync_queue_depth",
		Help: "Current number of jobs waiting in the sync queue",
	})

	syncQueueOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_sync_queue_overflow_total",
		Help: "Sync jobs dropped because the queue was full",
	})

	syncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_sync_failures_total",
		Help: "Sync jobs dropped after a graph store write failure",
	}, []string{"kind"})

	syncBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_sync_batch_size",
		Help:    "Number of jobs drained per sync batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100},
	})

	syncBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hub_sync_batch_duration_seconds",
		Help:    "Time to persist one sync batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// StorageMetrics is a point-in-time snapshot of the hybrid layer's
// process-lifetime counters, reset only on restart.
type StorageMetrics struct {
	FastReads     int64 `json:"fast_reads"`
	FastWrites    int64 `json:"fast_writes"`
	DurableReads  int64 `json:"durable_reads"`
	DurableWrites int64 `json:"durable_writes"`
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`

	SyncOperations int64     `json:"sync_operations"`
	QueueOverflow  int64     `json:"queue_overflow"`
	SyncFailures   int64     `json:"sync_failures"`
	LastSync       time.Time `json:"last_sync,omitempty"`

	// Performance is the rolling per-operation latency window.
	Performance map[string]fast.OpStats `json:"performance,omitempty"`
}

// counters is the live atomic state behind StorageMetrics. The prometheus
// collectors mirror these for scraping; the atomics exist so GetMetrics can
// return an exact snapshot without reading the registry.
type counters struct {
	fastReads     atomic.Int64
	fastWrites    atomic.Int64
	durableReads  atomic.Int64
	durableWrites atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64

	syncOperations atomic.Int64
	queueOverflow  atomic.Int64
	syncFailures   atomic.Int64
	lastSyncUnixNs atomic.Int64
}

func (c *counters) fastRead() {
	c.fastReads.Add(1)
	tierOps.WithLabelValues("fast", "read").Inc()
}

func (c *counters) fastWrite() {
	c.fastWrites.Add(1)
	tierOps.WithLabelValues("fast", "write").Inc()
}

func (c *counters) durableRead() {
	c.durableReads.Add(1)
	tierOps.WithLabelValues("durable", "read").Inc()
}

func (c *counters) durableWrite() {
	c.durableWrites.Add(1)
	tierOps.WithLabelValues("durable", "write").Inc()
}

func (c *counters) cacheHit(tier string) {
	c.cacheHits.Add(1)
	cacheOps.WithLabelValues(tier, "hit").Inc()
}

func (c *counters) cacheMiss(tier string) {
	c.cacheMisses.Add(1)
	cacheOps.WithLabelValues(tier, "miss").Inc()
}

func (c *counters) syncOp(n int) {
	c.syncOperations.Add(int64(n))
	c.lastSyncUnixNs.Store(time.Now().UnixNano())
}

func (c *counters) overflow() {
	c.queueOverflow.Add(1)
	syncQueueOverflow.Inc()
}

func (c *counters) syncFailure(kind string) {
	c.syncFailures.Add(1)
	syncFailures.WithLabelValues(kind).Inc()
}

func (c *counters) snapshot() StorageMetrics {
	m := StorageMetrics{
		FastReads:      c.fastReads.Load(),
		FastWrites:     c.fastWrites.Load(),
		DurableReads:   c.durableReads.Load(),
		DurableWrites:  c.durableWrites.Load(),
		CacheHits:      c.cacheHits.Load(),
		CacheMisses:    c.cacheMisses.Load(),
		SyncOperations: c.syncOperations.Load(),
		QueueOverflow:  c.queueOverflow.Load(),
		SyncFailures:   c.syncFailures.Load(),
	}
	if ns := c.lastSyncUnixNs.Load(); ns > 0 {
		m.LastSync = time.Unix(0, ns).UTC()
	}
	return m
}
