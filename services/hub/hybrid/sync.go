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
	"log/slog"
	"sync"
	"time"

	"github.com/grahama1970/granger-hub-sub000/services/hub/records"
)

// Sync engine defaults.
const (
	// DefaultQueueSize bounds the sync queue; a full queue drops jobs.
	DefaultQueueSize = 10000

	// DefaultBatchSize bounds how many jobs one pass persists.
	DefaultBatchSize = 100

	// DefaultSyncInterval is the idle period between full reconciliation
	// sweeps.
	DefaultSyncInterval = 60 * time.Second

	// fullSyncLimit bounds how many pending messages one reconciliation
	// sweep replays from the fast store.
	fullSyncLimit = 1000
)

// GraphWriter is the durable-store write surface the sync engine needs.
type GraphWriter interface {
	InsertCommunication(ctx context.Context, edge *records.CommunicationEdge) error
	UpsertModule(ctx context.Context, module *records.ModuleNode) error
	UpsertConversation(ctx context.Context, conv *records.ConversationRecord) error
}

// PendingSource supplies the fast-store records a reconciliation sweep
// replays: messages newer than the last recorded checkpoint.
type PendingSource interface {
	LastCheckpoint(ctx context.Context) (time.Time, error)
	MessagesSince(ctx context.Context, checkpoint time.Time, limit int) ([]records.CommunicationEdge, error)
	Checkpoint(ctx context.Context, t time.Time) error
}

// SyncEngine is the single background worker moving queued writes into the
// durable graph store.
//
// Description:
//
//	Producers enqueue jobs without blocking; a full queue drops the job and
//	counts the overflow. One worker drains batches, dispatches each job by
//	kind, and on a write failure logs and drops the job. When the queue is
//	idle it periodically replays fast-store messages newer than the last
//	checkpoint, so dropped jobs are eventually reconciled.
//
// Thread Safety: Enqueue is safe from any goroutine. Start may be called
// once; Stop waits for the in-flight batch to finish.
type SyncEngine struct {
	graph   GraphWriter
	pending PendingSource
	metrics *counters
	logger  *slog.Logger

	queue     chan records.SyncJob
	batchSize int
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSyncEngine wires a sync engine; zero sizes select defaults. pending
// may be nil to disable the reconciliation sweep (used in tests).
func NewSyncEngine(graph GraphWriter, pending PendingSource, metrics *counters, queueSize, batchSize int, interval time.Duration, logger *slog.Logger) *SyncEngine {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		graph:     graph,
		pending:   pending,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "sync_engine")),
		queue:     make(chan records.SyncJob, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Enqueue offers a job to the sync queue without blocking. A full queue
// drops the job and returns false; durability then rests on the periodic
// reconciliation sweep.
func (e *SyncEngine) Enqueue(job records.SyncJob) bool {
	select {
	case e.queue <- job:
		syncQueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		e.metrics.overflow()
		e.logger.Warn("sync queue full, job dropped", slog.String("kind", string(job.Kind)))
		return false
	}
}

// QueueDepth returns the number of jobs currently waiting.
func (e *SyncEngine) QueueDepth() int {
	return len(e.queue)
}

// Start launches the worker loop.
func (e *SyncEngine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the worker and waits for the in-flight batch to finish.
func (e *SyncEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *SyncEngine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if batch := e.drain(); len(batch) > 0 {
			e.persist(ctx, batch)
			continue
		}
		select {
		case <-e.stopCh:
			// Final non-blocking drain so an accepted job enqueued just
			// before Stop is not stranded.
			if batch := e.drain(); len(batch) > 0 {
				e.persist(ctx, batch)
			}
			return
		case <-ctx.Done():
			return
		case job := <-e.queue:
			batch := append([]records.SyncJob{job}, e.drainUpTo(e.batchSize-1)...)
			e.persist(ctx, batch)
		case <-ticker.C:
			e.fullSync(ctx)
		}
	}
}

// drain pulls up to one batch from the queue without blocking.
func (e *SyncEngine) drain() []records.SyncJob {
	return e.drainUpTo(e.batchSize)
}

func (e *SyncEngine) drainUpTo(n int) []records.SyncJob {
	var batch []records.SyncJob
	for len(batch) < n {
		select {
		case job := <-e.queue:
			batch = append(batch, job)
		default:
			return batch
		}
	}
	return batch
}

// persist dispatches one batch. Failed jobs are logged and dropped; the
// reconciliation sweep is the retry path.
func (e *SyncEngine) persist(ctx context.Context, batch []records.SyncJob) {
	start := time.Now()
	persisted := 0
	for i := range batch {
		if err := e.dispatch(ctx, &batch[i]); err != nil {
			e.metrics.syncFailure(string(batch[i].Kind))
			e.logger.Warn("sync job dropped",
				slog.String("kind", string(batch[i].Kind)),
				slog.Any("error", err))
			continue
		}
		e.metrics.durableWrite()
		persisted++
	}
	e.metrics.syncOp(persisted)
	syncQueueDepth.Set(float64(len(e.queue)))
	syncBatchSize.Observe(float64(len(batch)))
	syncBatchDuration.Observe(time.Since(start).Seconds())

	e.logger.Debug("sync batch persisted",
		slog.Int("batch", len(batch)),
		slog.Int("persisted", persisted),
		slog.Duration("elapsed", time.Since(start)))
}

func (e *SyncEngine) dispatch(ctx context.Context, job *records.SyncJob) error {
	switch job.Kind {
	case records.SyncJobCommunication:
		return e.graph.InsertCommunication(ctx, job.Edge)
	case records.SyncJobModule:
		return e.graph.UpsertModule(ctx, job.Module)
	case records.SyncJobConversation:
		return e.graph.UpsertConversation(ctx, job.Conversation)
	default:
		e.logger.Warn("unknown sync job kind", slog.String("kind", string(job.Kind)))
		return nil
	}
}

// fullSync replays fast-store messages newer than the last checkpoint and
// records a new checkpoint. Write failures leave the checkpoint untouched
// so the next sweep retries the same window.
func (e *SyncEngine) fullSync(ctx context.Context) {
	if e.pending == nil {
		return
	}
	since, err := e.pending.LastCheckpoint(ctx)
	if err != nil {
		e.logger.Warn("read checkpoint failed", slog.Any("error", err))
		return
	}
	edges, err := e.pending.MessagesSince(ctx, since, fullSyncLimit)
	if err != nil {
		e.logger.Warn("pending message scan failed", slog.Any("error", err))
		return
	}

	failed := 0
	var newest time.Time
	for i := range edges {
		if err := e.graph.InsertCommunication(ctx, &edges[i]); err != nil {
			failed++
			e.metrics.syncFailure(string(records.SyncJobCommunication))
			continue
		}
		e.metrics.durableWrite()
		if edges[i].Timestamp.After(newest) {
			newest = edges[i].Timestamp
		}
	}
	e.metrics.syncOp(len(edges) - failed)

	if failed == 0 && len(edges) > 0 {
		if err := e.pending.Checkpoint(ctx, newest); err != nil {
			e.logger.Warn("checkpoint write failed", slog.Any("error", err))
		}
	}
	if len(edges) > 0 || failed > 0 {
		e.logger.Info("full sync sweep",
			slog.Int("replayed", len(edges)),
			slog.Int("failed", failed),
			slog.Time("since", since))
	}
}
