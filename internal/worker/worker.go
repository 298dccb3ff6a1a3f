// Package worker runs the main dequeue loop: pop a device ID, run its
// DeviceProcessor, release it back, forever, plus a periodic stats
// reporter. Every device is guaranteed at-most-one in-flight by the
// queue's inflight set (spec §4.4), so Worker never needs its own
// per-device locking.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/plowpath/pipeline/internal/metrics"
	"github.com/plowpath/pipeline/internal/store"
)

// Queue is the narrow job-queue dependency Worker needs.
type Queue interface {
	Take(ctx context.Context, timeout time.Duration) (string, error)
	Release(ctx context.Context, deviceID string) error
	Depth(ctx context.Context) (int64, error)
	Inflight(ctx context.Context) (int64, error)
}

// Processor runs the fetch/batch/match/write/activate pipeline for one device.
type Processor interface {
	ProcessDevice(ctx context.Context, deviceID string) error
}

// StatsSource reports aggregate processing counters for periodic logging.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Config tunes the worker's polling and reporting cadence.
type Config struct {
	PopTimeout    time.Duration
	StatsInterval time.Duration
}

// Worker is the single dequeue loop described in spec §4.7.
type Worker struct {
	queue     Queue
	processor Processor
	stats     StatsSource
	cfg       Config
	log       *zap.Logger
}

// New constructs a Worker.
func New(q Queue, p Processor, stats StatsSource, cfg Config, log *zap.Logger) *Worker {
	return &Worker{queue: q, processor: p, stats: stats, cfg: cfg, log: log.Named("worker")}
}

// Run dequeues device IDs and processes them until ctx is cancelled. A
// processing error is logged and never aborts the loop; only the release
// back to the queue is unconditional (success or failure).
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.log.Info("worker loop stopping: shutdown requested")
			return
		}

		deviceID, err := w.queue.Take(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue take failed", zap.Error(err))
			continue
		}
		if deviceID == "" {
			// Bounded-wait timeout with no work; loop back so shutdown stays
			// responsive (spec §4.4/§4.7).
			continue
		}

		w.processOne(ctx, deviceID)
	}
}

func (w *Worker) processOne(ctx context.Context, deviceID string) {
	// A shutdown cancels ctx; the in-flight device run and its release
	// still complete.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("device processor panicked", zap.String("device_id", deviceID), zap.Any("panic", r))
		}
		if err := w.queue.Release(ctx, deviceID); err != nil {
			w.log.Error("queue release failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}()

	if err := w.processor.ProcessDevice(ctx, deviceID); err != nil {
		w.log.Error("device processing failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// RunStatsPeriodically calls Store.Stats and logs/exports a structured
// snapshot every cfg.StatsInterval, until ctx is done.
func (w *Worker) RunStatsPeriodically(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportStats(ctx)
		}
	}
}

func (w *Worker) reportStats(ctx context.Context) {
	st, err := w.stats.Stats(ctx)
	if err != nil {
		w.log.Error("stats query failed", zap.Error(err))
		return
	}

	depth, err := w.queue.Depth(ctx)
	if err != nil {
		w.log.Warn("queue depth query failed", zap.Error(err))
	} else {
		metrics.QueueDepth.Set(float64(depth))
	}

	inflight, err := w.queue.Inflight(ctx)
	if err != nil {
		w.log.Warn("queue inflight query failed", zap.Error(err))
	} else {
		metrics.QueueInflight.Set(float64(inflight))
	}

	w.log.Info("pipeline stats",
		zap.Int64("completed", st.Completed),
		zap.Int64("skipped", st.Skipped),
		zap.Int64("failed", st.Failed),
		zap.Int64("abandoned", st.Abandoned),
		zap.Int64("osrm_calls", st.OSRMCalls),
		zap.Int64("queue_depth", depth),
		zap.Int64("queue_inflight", inflight),
	)
}
