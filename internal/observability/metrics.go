package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	assignmentsTotal     *prometheus.CounterVec
	assignmentDuration   prometheus.Histogram
	assignmentRollbacks  prometheus.Counter
	memberRemovalsTotal  *prometheus.CounterVec
	reconcileDuration    *prometheus.HistogramVec
	feedbackRoomsTotal   *prometheus.CounterVec
	externalCallsTotal   *prometheus.CounterVec
	externalCallDuration *prometheus.HistogramVec
	sweepRunsTotal       *prometheus.CounterVec
	sweepSessions        prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "roomsync_queue_size",
					Help: "Current background queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_enqueue_total",
					Help: "Total background enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_dequeue_total",
					Help: "Total background task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "roomsync_task_duration_seconds",
					Help:    "Background task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			assignmentsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_assignments_total",
					Help: "Total assignment requests by outcome.",
				},
				[]string{"outcome"},
			),
			assignmentDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "roomsync_assignment_duration_seconds",
					Help:    "Synchronous assignment duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			assignmentRollbacks: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "roomsync_assignment_rollbacks_total",
					Help: "Total compensating rollbacks of a persisted assignment.",
				},
			),
			memberRemovalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_member_removals_total",
					Help: "Total room member removals by room role and status.",
				},
				[]string{"role", "status"},
			),
			reconcileDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "roomsync_reconcile_duration_seconds",
					Help:    "Membership reconciliation duration in seconds by room role.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"role"},
			),
			feedbackRoomsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_feedback_rooms_total",
					Help: "Feedback room lifecycle operations by action and status.",
				},
				[]string{"action", "status"},
			),
			externalCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_external_calls_total",
					Help: "Total calls into the chat service by operation and status.",
				},
				[]string{"operation", "status"},
			),
			externalCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "roomsync_external_call_duration_seconds",
					Help:    "Chat service call duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			sweepRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "roomsync_sweep_runs_total",
					Help: "Total reconciliation sweep runs by status.",
				},
				[]string{"status"},
			),
			sweepSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "roomsync_sweep_sessions",
					Help: "Sessions visited by the last reconciliation sweep.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.assignmentsTotal,
			m.assignmentDuration,
			m.assignmentRollbacks,
			m.memberRemovalsTotal,
			m.reconcileDuration,
			m.feedbackRoomsTotal,
			m.externalCallsTotal,
			m.externalCallDuration,
			m.sweepRunsTotal,
			m.sweepSessions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordAssignment counts a finished assignment request. outcome is one of the
// assignment status strings (assigned, partial, rejected, failed).
func RecordAssignment(outcome string, duration time.Duration) {
	m := getMetrics()
	m.assignmentsTotal.WithLabelValues(outcome).Inc()
	m.assignmentDuration.Observe(duration.Seconds())
}

func RecordAssignmentRollback() {
	getMetrics().assignmentRollbacks.Inc()
}

func RecordMemberRemoval(role string, success bool) {
	getMetrics().memberRemovalsTotal.WithLabelValues(role, statusLabel(success)).Inc()
}

func RecordReconcile(role string, duration time.Duration) {
	getMetrics().reconcileDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordFeedbackRoom counts feedback room create/delete operations.
func RecordFeedbackRoom(action string, success bool) {
	getMetrics().feedbackRoomsTotal.WithLabelValues(action, statusLabel(success)).Inc()
}

func RecordExternalCall(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	m.externalCallsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.externalCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordSweep(sessions int, success bool) {
	m := getMetrics()
	m.sweepRunsTotal.WithLabelValues(statusLabel(success)).Inc()
	m.sweepSessions.Set(float64(sessions))
}
