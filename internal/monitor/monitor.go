package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics, one series per runtime via the "runtime" label.
var (
	PoolIdleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent",
		Subsystem: "pool",
		Name:      "idle_count",
		Help:      "Current number of idle slots in the warm pool",
	}, []string{"runtime"})

	PoolRentedCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent",
		Subsystem: "pool",
		Name:      "rented_count",
		Help:      "Current number of rented slots in the warm pool",
	}, []string{"runtime"})

	PoolProvisioningCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent",
		Subsystem: "pool",
		Name:      "provisioning_count",
		Help:      "Current number of slots being provisioned",
	}, []string{"runtime"})

	PoolAcquisitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent",
		Subsystem: "pool",
		Name:      "acquisition_latency_seconds",
		Help:      "Latency of renting a slot from the warm pool",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"runtime"})

	ContainerCreationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent",
		Subsystem: "pool",
		Name:      "container_creation_errors_total",
		Help:      "Total number of container creation errors",
	}, []string{"runtime"})
)

// Dispatcher metrics.
var (
	DispatcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agent",
		Subsystem: "dispatcher",
		Name:      "in_flight_jobs",
		Help:      "Number of jobs currently being executed",
	})

	DispatcherJobsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agent",
		Subsystem: "dispatcher",
		Name:      "jobs_received_total",
		Help:      "Total number of job messages received from the queue",
	})

	DispatcherJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agent",
		Subsystem: "dispatcher",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of a full job state machine run",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Function execution metrics, the two required by the external interface.
var (
	FunctionPeakMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent",
		Subsystem: "function",
		Name:      "peak_memory_bytes",
		Help:      "Peak resident memory observed during the most recent execution of a function",
	}, []string{"function_id", "runtime"})

	FunctionExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent",
		Subsystem: "function",
		Name:      "exit_total",
		Help:      "Total terminal executions by status",
	}, []string{"status"})
)

// Audit trail metrics.
var (
	AuditWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agent",
		Subsystem: "audit",
		Name:      "write_errors_total",
		Help:      "Total number of failed audit-trail writes",
	})

	AuditRowsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agent",
		Subsystem: "audit",
		Name:      "rows_reaped_total",
		Help:      "Total number of audit rows deleted by the retention sweep",
	})
)
