package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plowpath_queue_depth",
			Help: "Approximate number of device IDs currently queued.",
		},
	)

	QueueInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plowpath_queue_inflight",
			Help: "Number of device IDs currently held in the inflight set.",
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowpath_batches_total",
			Help: "Batches processed, partitioned by outcome.",
		},
		[]string{"status"}, // completed, skipped, failed, abandoned
	)

	MatcherCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plowpath_matcher_call_duration_seconds",
			Help:    "MatcherClient call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"}, // matched, no_match, transport_error
	)

	MatcherCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowpath_matcher_cache_hits_total",
			Help: "MatcherClient response cache hits and misses.",
		},
		[]string{"result"}, // hit, miss
	)

	MatcherRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowpath_matcher_retries_total",
			Help: "MatcherClient retries by reason.",
		},
		[]string{"reason"}, // transport_error
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plowpath_db_write_duration_seconds",
			Help:    "DB write latency by operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	SegmentAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowpath_segment_advances_total",
			Help: "Segment direction advances applied vs rejected by the monotone rule.",
		},
		[]string{"applied"}, // true, false
	)

	SegmentUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plowpath_segment_updates_total",
			Help: "SegmentUpdate rows appended.",
		},
	)

	PointsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plowpath_points_processed_total",
			Help: "raw_gps rows marked processed, by reason.",
		},
		[]string{"reason"}, // matched, skipped_no_movement, abandoned
	)
)

var registerOnce sync.Once

// Register is idempotent: repeated calls (e.g. from tests that construct
// multiple Workers) never panic on duplicate registration.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueueDepth,
			QueueInflight,
			BatchesTotal,
			MatcherCallDuration,
			MatcherCacheHitsTotal,
			MatcherRetriesTotal,
			DBWriteDuration,
			SegmentAdvancesTotal,
			SegmentUpdatesTotal,
			PointsProcessedTotal,
		)
	})
}
