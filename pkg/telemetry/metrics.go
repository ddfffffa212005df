package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks accepted, labelled by media type and source (rest, kafka).",
	}, []string{"media_type", "source"})

	APISubmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "api",
		Name:      "submissions_rejected_total",
		Help:      "Submissions refused before a task was created.",
	}, []string{"reason"})

	// ─── Runner ──────────────────────────────────────────────────────────────────

	RunnerTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "runner",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal state, labelled by status and error kind.",
	}, []string{"status", "error_kind"})

	RunnerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mossai",
		Subsystem: "runner",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	RunnerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mossai",
		Subsystem: "runner",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"media_type"})

	RunnerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "runner",
		Name:      "retries_total",
		Help:      "Total task-level retry attempts.",
	})

	// ─── Gate ────────────────────────────────────────────────────────────────────

	GateActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mossai",
		Subsystem: "gate",
		Name:      "active_slots",
		Help:      "Slots currently held, per stage.",
	}, []string{"stage"})

	GateWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mossai",
		Subsystem: "gate",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a stage slot.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"stage"})

	// ─── Extraction ──────────────────────────────────────────────────────────────

	ExtractionFrames = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mossai",
		Subsystem: "extraction",
		Name:      "frames",
		Help:      "Frames produced per extraction, per strategy.",
		Buckets:   []float64{1, 5, 10, 20, 30, 50, 100, 200, 500},
	}, []string{"strategy"})

	ExtractionPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mossai",
		Subsystem: "extraction",
		Name:      "smart_poll_attempts",
		Help:      "Status polls needed before a snapshot job settled.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
	})

	// ─── Analysis ────────────────────────────────────────────────────────────────

	AnalysisModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "analysis",
		Name:      "model_calls_total",
		Help:      "Model invocations, labelled by kind (single, chunk, synthesis) and outcome.",
	}, []string{"kind", "outcome"})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorTasksSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mossai",
		Subsystem: "janitor",
		Name:      "tasks_swept_total",
		Help:      "Tasks removed or expired by the cleanup job.",
	}, []string{"action"})
)
