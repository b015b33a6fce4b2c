package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DSCLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Solvency Engine ---
	EngineCalls          *prometheus.CounterVec
	EngineCallDuration   *prometheus.HistogramVec
	HealthFactor         prometheus.Histogram
	ReentrancyRejected   prometheus.Counter
	CompensationFailures prometheus.Counter
	OracleFailures       *prometheus.CounterVec
	TotalDebt            prometheus.Gauge

	// --- Liquidation ---
	Liquidations           *prometheus.CounterVec
	LiquidationBonusCapped prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      prometheus.Counter
	EventOutOfOrder       prometheus.Counter

	// --- Ingestion / Publishing ---
	IngestMessages *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionLastSequence prometheus.Gauge
	ProjectionErrors       prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	SnapshotArchived  *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	// health factor in units of 1.0; 0.5 .. 10
	hfBuckets := []float64{0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5, 2, 3, 5, 10}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_core_commands_applied_total",
			Help: "Commands processed by core, by outcome",
		}, []string{"command_type", "outcome"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, engine error)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_core_command_duration_seconds",
			Help:    "Time to process a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_core_sequence",
			Help: "Last assigned core sequence",
		}),

		// Solvency Engine
		EngineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_engine_calls_total",
			Help: "State-changing engine calls by operation and result",
		}, []string{"op", "result"}),

		EngineCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_engine_call_duration_seconds",
			Help:    "Engine call latency including external effects",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		HealthFactor: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_engine_health_factor",
			Help:    "Health factor of positions touched by accepted calls (debt > 0)",
			Buckets: hfBuckets,
		}),

		ReentrancyRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_engine_reentrancy_rejected_total",
			Help: "Calls rejected by the non-reentrant guard",
		}),

		CompensationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_engine_compensation_failures_total",
			Help: "External effects that could not be undone after a failed call",
		}),

		OracleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_oracle_failures_total",
			Help: "Oracle reads that failed or were stale",
		}, []string{"asset"}),

		TotalDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_engine_total_debt",
			Help: "Outstanding minted DSC in units of 1.0",
		}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_liquidations_total",
			Help: "Liquidation attempts by result",
		}, []string{"result"}),

		LiquidationBonusCapped: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_liquidation_bonus_capped_total",
			Help: "Liquidations whose bonus was reduced to the available collateral",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_size",
			Help: "Current channel length",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_utilization",
			Help: "Channel length / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_backpressure_total",
			Help: "Times core blocked on a full persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_dedup_tier2_duration_seconds",
			Help:    "Latency of the database dedup lookup",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		EventSequenceGap: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_source_sequence_gap_total",
			Help: "Commands rejected for a source sequence gap",
		}),

		EventOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_source_sequence_out_of_order_total",
			Help: "Commands rejected for an out-of-order source sequence",
		}),

		// Ingestion / Publishing
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_ingest_messages_total",
			Help: "Inbound command messages by source and result",
		}, []string{"source", "result"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_publish_errors_total",
			Help: "Outbound event publish failures",
		}, []string{"event"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_persist_batch_size",
			Help:    "Envelopes per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		SnapshotArchived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_snapshot_archived_total",
			Help: "Snapshot uploads to object storage by result",
		}, []string{"result"}),

		// Query API
		// Projection
		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_projection_last_sequence",
			Help: "Last sequence applied to the read projections",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "dsc_projection_errors_total",
			Help: "Projection updates that failed",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
