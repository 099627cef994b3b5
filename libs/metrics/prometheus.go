package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric this package registers.
const Namespace = "taskgraph"

var (
	// DurationBuckets covers sub-millisecond handler calls up through
	// multi-minute stalls (e.g. a worker blocked on a cold breaker).
	DurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

	// CountBuckets covers DAGs from a handful of nodes to the low
	// thousands.
	CountBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// PrometheusMetrics contains every application-specific metric emitted
// by the orchestrator, worker, and reaper processes.
type PrometheusMetrics struct {
	// DAG validation
	DAGValidations      *prometheus.CounterVec
	DAGValidationErrors *prometheus.CounterVec
	DAGNodeCount        prometheus.Histogram

	// Orchestrator evaluation transaction
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	NodesDispatched     *prometheus.CounterVec
	TemplateResolutions *prometheus.CounterVec
	ExecutionsInFlight  prometheus.Gauge
	ExecutionsCompleted *prometheus.CounterVec

	// Worker pipeline
	TaskHandlerDuration *prometheus.HistogramVec
	TaskHandlerResults  *prometheus.CounterVec
	TaskRetries         *prometheus.CounterVec
	DeadLetterWrites    *prometheus.CounterVec

	// Circuit breaker
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Reaper
	ReaperScans        prometheus.Counter
	ReaperReclaims     *prometheus.CounterVec
	ReaperPendingDepth *prometheus.GaugeVec

	// State store
	StateStoreOpDuration *prometheus.HistogramVec
	StateStoreOpErrors   *prometheus.CounterVec
	StreamBacklogDepth   *prometheus.GaugeVec

	// Protocol/schema version gating
	SchemaDispositions *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultMetrics     *PrometheusMetrics
	defaultMetricsOnce sync.Once
)

// GetDefaultMetrics returns the singleton metrics instance registered
// against the default Prometheus registerer.
func GetDefaultMetrics() *PrometheusMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewPrometheusMetrics builds a fresh metric set against registerer,
// useful in tests that want an isolated registry.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		DAGValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dag_validations_total",
				Help:      "Total DAG validation attempts by outcome",
			},
			[]string{"outcome"}, // accepted, rejected
		),
		DAGValidationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dag_validation_errors_total",
				Help:      "DAG validation rejections by error kind",
			},
			[]string{"kind"}, // duplicate_id, unknown_reference, empty_root, cycle_detected
		),
		DAGNodeCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "dag_node_count",
				Help:      "Number of nodes in a validated DAG",
				Buckets:   CountBuckets,
			},
		),

		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "evaluations_total",
				Help:      "Total orchestrator evaluation transactions by outcome",
			},
			[]string{"outcome"}, // advanced, duplicate, cancelled
		),
		EvaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Wall-clock duration of one evaluation transaction",
				Buckets:   DurationBuckets,
			},
		),
		NodesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "nodes_dispatched_total",
				Help:      "Nodes transitioned to PENDING and published to the tasks stream",
			},
			[]string{"handler"},
		),
		TemplateResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "template_resolutions_total",
				Help:      "Template resolution attempts by outcome",
			},
			[]string{"outcome"}, // resolved, unresolved
		),
		ExecutionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "executions_in_flight",
				Help:      "Executions currently RUNNING",
			},
		),
		ExecutionsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "executions_completed_total",
				Help:      "Executions reaching a terminal status",
			},
			[]string{"status"}, // COMPLETED, FAILED, CANCELLED
		),

		TaskHandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "task_handler_duration_seconds",
				Help:      "Handler execution duration by handler name",
				Buckets:   DurationBuckets,
			},
			[]string{"handler"},
		),
		TaskHandlerResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "task_handler_results_total",
				Help:      "Handler invocations by handler and result",
			},
			[]string{"handler", "result"}, // completed, failed, circuit_open
		),
		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "task_retries_total",
				Help:      "Task retries by handler and error category",
			},
			[]string{"handler", "category"},
		),
		DeadLetterWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dead_letter_writes_total",
				Help:      "Entries written to the dead-letter queue by handler",
			},
			[]string{"handler"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per handler: 0=closed, 1=half_open, 2=open",
			},
			[]string{"handler"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Circuit breaker CLOSED/HALF_OPEN to OPEN transitions",
			},
			[]string{"handler"},
		),

		ReaperScans: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reaper_scans_total",
				Help:      "Reaper sweep cycles completed",
			},
		),
		ReaperReclaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "reaper_reclaims_total",
				Help:      "Stream entries reclaimed from a stalled consumer by stream",
			},
			[]string{"stream"},
		),
		ReaperPendingDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "reaper_pending_depth",
				Help:      "Pending entry list depth observed at last scan",
			},
			[]string{"stream"},
		),

		StateStoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "state_store_op_duration_seconds",
				Help:      "State store operation duration by operation",
				Buckets:   DurationBuckets,
			},
			[]string{"op"},
		),
		StateStoreOpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "state_store_op_errors_total",
				Help:      "State store operation failures by operation",
			},
			[]string{"op"},
		),
		StreamBacklogDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "stream_backlog_depth",
				Help:      "Unacked entries observed on a stream",
			},
			[]string{"stream"},
		),

		SchemaDispositions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "schema_dispositions_total",
				Help:      "Incoming message schema_version dispositions",
			},
			[]string{"disposition"}, // processable, unacknowledged, obsolete
		),
	}
}

// CircuitStateValue maps a breaker state to the gauge value the
// dashboards expect.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
