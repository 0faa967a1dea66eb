package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_events_total",
			Help: "Total events consumed from the websocket subscription.",
		},
		[]string{"host", "collection", "op"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_parse_errors_total",
			Help: "Event parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	TransformFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_transform_failures_total",
			Help: "Record transform failures by collection.",
		},
		[]string{"collection", "reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atpindexer_db_write_duration_seconds",
			Help:    "Batch apply transaction latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"source"},
	)

	DBRowsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_db_rows_written_total",
			Help: "Rows written or deleted by table.",
		},
		[]string{"source", "table", "op"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atpindexer_batch_size",
			Help:    "Batch sizes flushed to the store.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"source"},
	)

	ConsumerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_consumer_reconnects_total",
			Help: "Websocket reconnects by host.",
		},
		[]string{"host", "reason"},
	)

	ConsumerCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atpindexer_consumer_cursor_micros",
			Help: "Last persisted cursor (microseconds since epoch) by host.",
		},
		[]string{"host"},
	)

	BackfillStageQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atpindexer_backfill_stage_queued",
			Help: "Jobs queued awaiting a backfill stage.",
		},
		[]string{"stage"},
	)

	BackfillStageActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atpindexer_backfill_stage_active",
			Help: "Jobs currently running a backfill stage.",
		},
		[]string{"stage"},
	)

	BackfillCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_backfill_completed_total",
			Help: "Backfill jobs completed by stage.",
		},
		[]string{"stage"},
	)

	BackfillFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_backfill_failed_total",
			Help: "Backfill jobs failed by stage and reason.",
		},
		[]string{"stage", "reason"},
	)

	DiscoveryDIDsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atpindexer_discovery_dids_emitted_total",
			Help: "Distinct DIDs emitted by the discovery stream.",
		},
		[]string{},
	)
)

var registerOnce sync.Once

// Register registers every metric with the default registry. Safe to call
// more than once: only the first call takes effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EventsTotal,
			ParseErrorsTotal,
			TransformFailuresTotal,
			DBWriteDuration,
			DBRowsWrittenTotal,
			BatchSize,
			ConsumerReconnectsTotal,
			ConsumerCursor,
			BackfillStageQueued,
			BackfillStageActive,
			BackfillCompletedTotal,
			BackfillFailedTotal,
			DiscoveryDIDsEmittedTotal,
		)
	})
}
