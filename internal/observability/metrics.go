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

	activeSessions      prometheus.Gauge
	appendTotal         *prometheus.CounterVec
	appendDuration      prometheus.Histogram
	appendRejectedTotal *prometheus.CounterVec
	appendDuplicateTotal prometheus.Counter
	logReadDuration     prometheus.Histogram

	projectionFoldTotal        *prometheus.CounterVec
	projectionFoldDuration     *prometheus.HistogramVec
	projectionInvalidatedTotal prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	turnTotal        *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	providerCallTotal *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	providerRetryTotal   *prometheus.CounterVec
	providerCooldown     *prometheus.GaugeVec

	sandboxAcquireTotal *prometheus.CounterVec

	recallSearchDuration prometheus.Histogram
	recallWriteDuration  prometheus.Histogram
	recallEntriesTotal   prometheus.Gauge

	scheduleFireTotal *prometheus.CounterVec

	gatewayClients   prometheus.Gauge
	gatewayPushTotal *prometheus.CounterVec
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
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			appendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "event_append_total",
					Help: "Total durable event appends by event kind.",
				},
				[]string{"kind"},
			),
			appendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "event_append_duration_seconds",
					Help:    "Event append duration in seconds, including fsync.",
					Buckets: prometheus.DefBuckets,
				},
			),
			appendRejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "event_append_rejected_total",
					Help: "Total rejected appends by reason.",
				},
				[]string{"reason"},
			),
			appendDuplicateTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "event_append_duplicate_total",
					Help: "Total idempotent append no-ops for already recorded events.",
				},
			),
			logReadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "event_log_read_duration_seconds",
					Help:    "Full session read duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			projectionFoldTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "projection_fold_total",
					Help: "Total projection folds by mode (full or incremental).",
				},
				[]string{"mode"},
			),
			projectionFoldDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "projection_fold_duration_seconds",
					Help:    "Projection fold duration in seconds by mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			projectionInvalidatedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "projection_cache_invalidated_total",
					Help: "Total projection cache invalidations.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_call_total",
					Help: "Total provider completion calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "Provider completion call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_retry_total",
					Help: "Total provider call retries by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			sandboxAcquireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandbox_acquire_total",
					Help: "Total sandbox acquisitions by strategy and status.",
				},
				[]string{"strategy", "status"},
			),
			recallSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "recall_search_duration_seconds",
					Help:    "Transcript recall search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recallWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "recall_write_duration_seconds",
					Help:    "Transcript recall index write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recallEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "recall_entries_total",
					Help: "Total transcript chunks indexed for recall.",
				},
			),
			scheduleFireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "schedule_fire_total",
					Help: "Total schedule firings by schedule kind.",
				},
				[]string{"kind"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connected_clients",
					Help: "Current connected gateway client count.",
				},
			),
			gatewayPushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_push_total",
					Help: "Total gateway event pushes by status (delivered or dropped).",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.appendTotal,
			m.appendDuration,
			m.appendRejectedTotal,
			m.appendDuplicateTotal,
			m.logReadDuration,
			m.projectionFoldTotal,
			m.projectionFoldDuration,
			m.projectionInvalidatedTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.turnTotal,
			m.turnDuration,
			m.providerCallTotal,
			m.providerCallDuration,
			m.providerRetryTotal,
			m.providerCooldown,
			m.sandboxAcquireTotal,
			m.recallSearchDuration,
			m.recallWriteDuration,
			m.recallEntriesTotal,
			m.scheduleFireTotal,
			m.gatewayClients,
			m.gatewayPushTotal,
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

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordEventAppend(kind string, duration time.Duration) {
	m := getMetrics()
	m.appendTotal.WithLabelValues(kind).Inc()
	m.appendDuration.Observe(duration.Seconds())
}

func RecordAppendRejected(reason string) {
	m := getMetrics()
	m.appendRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordAppendDuplicate() {
	m := getMetrics()
	m.appendDuplicateTotal.Inc()
}

func RecordLogRead(duration time.Duration) {
	m := getMetrics()
	m.logReadDuration.Observe(duration.Seconds())
}

func RecordProjectionFold(mode string, duration time.Duration) {
	m := getMetrics()
	m.projectionFoldTotal.WithLabelValues(mode).Inc()
	m.projectionFoldDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordProjectionInvalidated() {
	m := getMetrics()
	m.projectionInvalidatedTotal.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCallTotal.WithLabelValues(provider, status).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderRetry(provider string) {
	m := getMetrics()
	m.providerRetryTotal.WithLabelValues(provider).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordSandboxAcquire(strategy string, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.sandboxAcquireTotal.WithLabelValues(strategy, status).Inc()
}

func RecordRecallSearch(duration time.Duration) {
	m := getMetrics()
	m.recallSearchDuration.Observe(duration.Seconds())
}

func RecordRecallWrite(duration time.Duration) {
	m := getMetrics()
	m.recallWriteDuration.Observe(duration.Seconds())
}

func SetRecallEntries(total int) {
	m := getMetrics()
	m.recallEntriesTotal.Set(float64(total))
}

func RecordScheduleFire(kind string) {
	m := getMetrics()
	m.scheduleFireTotal.WithLabelValues(kind).Inc()
}

func SetGatewayClients(count int) {
	m := getMetrics()
	m.gatewayClients.Set(float64(count))
}

func RecordGatewayPush(delivered bool) {
	m := getMetrics()
	status := "dropped"
	if delivered {
		status = "delivered"
	}
	m.gatewayPushTotal.WithLabelValues(status).Inc()
}
