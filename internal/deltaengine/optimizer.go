// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package deltaengine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

var tracer = otel.Tracer("cylindra/deltaengine")

var (
	checkpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cylindra_checkpoint_duration_seconds",
		Help:    "Duration of checkpoint operations.",
		Buckets: prometheus.DefBuckets,
	})
	pruneDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_prune_deleted_deltas_total",
		Help: "Delta records removed by pruning after a checkpoint.",
	})
	pruneSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cylindra_prune_skipped_total",
		Help: "Checkpoints whose pruning step was held back by an outstanding reader watermark.",
	})
)

// ReaderHandle marks an in-flight state_at read as active, so the
// optimizer never prunes a delta that read still needs to replay. Callers
// must call Release when the read completes.
type ReaderHandle struct {
	opt *Optimizer
	id  uint64
}

// Release ends the read this handle represents.
func (h ReaderHandle) Release() {
	if h.opt == nil {
		return
	}
	h.opt.mu.Lock()
	delete(h.opt.readers, h.id)
	h.opt.mu.Unlock()
}

// Optimizer performs the chain manager's housekeeping: checkpointing a
// node's current content and pruning the deltas a checkpoint makes
// redundant (spec.md §4.6.4). Pruning never removes a delta that remains
// the sole record of a state some outstanding state_at reader may still
// need (spec.md §4.6.4, "Never delete a delta that is the sole record of a
// state needed by an outstanding reader"): each BeginRead call registers
// the timestamp the reader is replaying toward, and pruning stops at the
// oldest such watermark.
type Optimizer struct {
	engine *Engine

	mu      sync.Mutex
	readers map[uint64]int64
	nextID  uint64
}

// NewOptimizer builds an Optimizer over engine's delta store.
func NewOptimizer(engine *Engine) *Optimizer {
	return &Optimizer{engine: engine, readers: make(map[uint64]int64)}
}

// BeginRead registers an in-flight read targeting atUnixNano, returning a
// handle the caller must Release once the read completes.
func (o *Optimizer) BeginRead(atUnixNano int64) ReaderHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.readers[id] = atUnixNano
	return ReaderHandle{opt: o, id: id}
}

// retentionWatermark returns the oldest timestamp any registered reader is
// still replaying toward, or math.MaxInt64 if there are none.
func (o *Optimizer) retentionWatermark() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	watermark := int64(math.MaxInt64)
	for _, ts := range o.readers {
		if ts < watermark {
			watermark = ts
		}
	}
	return watermark
}

// Checkpoint materializes nodeID's content as of now, persists it as a
// Checkpoint, and prunes every delta the checkpoint makes redundant,
// bounded by the current retention watermark.
func (o *Optimizer) Checkpoint(ctx context.Context, nodeID model.ID, originContent value.Value, now time.Time) (pruned int, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "deltaengine.Checkpoint", trace.WithAttributes(
		attribute.String("node_id", nodeID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint failed")
		}
		span.End()
		checkpointDuration.Observe(time.Since(start).Seconds())
	}()

	content, err := o.engine.StateAt(ctx, nodeID, originContent, now.UnixNano())
	if err != nil {
		return 0, err
	}

	cp := model.Checkpoint{NodeID: nodeID, Timestamp: now, Content: content}
	if err = o.engine.deltas.PutCheckpoint(ctx, cp); err != nil {
		return 0, err
	}

	watermark := o.retentionWatermark()
	upto := now.UnixNano()
	if watermark < upto {
		upto = watermark - 1
		pruneSkippedTotal.Inc()
	}
	if upto < 0 {
		span.SetAttributes(attribute.Int("pruned", 0))
		return 0, nil
	}

	pruned, err = o.engine.deltas.PruneBefore(ctx, nodeID, upto)
	if err != nil {
		return 0, err
	}
	pruneDeletedTotal.Add(float64(pruned))
	span.SetAttributes(attribute.Int("pruned", pruned))
	return pruned, nil
}
