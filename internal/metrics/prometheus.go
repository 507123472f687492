package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Command metrics
	CommandsPublished *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	CommandsFinished  *prometheus.CounterVec
	CommandLatency    *prometheus.HistogramVec

	// Pipeline metrics
	PipelineSteps       *prometheus.CounterVec
	PipelineStepLatency *prometheus.HistogramVec
	WaitsSuspended      prometheus.Counter
	WaitsCompleted      *prometheus.CounterVec

	// Sync handler metrics
	HandlerInvocations *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec

	// Change stream metrics
	StreamDeliveries *prometheus.CounterVec

	// Sequence metrics
	SequencesIssued *prometheus.CounterVec

	// Worker pool metrics
	PoolTasks      *prometheus.CounterVec
	PoolQueueDepth *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics and registers them on reg. Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CommandsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_commands_published_total",
				Help: "Total number of command submissions",
			},
			[]string{"type", "mode", "result"},
		),

		PublishDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrs_command_publish_duration_seconds",
				Help:    "Duration of command submission including sync waits",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),

		CommandsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_commands_finished_total",
				Help: "Total number of commands reaching a terminal status",
			},
			[]string{"type", "status"},
		),

		CommandLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrs_command_end_to_end_seconds",
				Help:    "Time from command creation to terminal status",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"type"},
		),

		PipelineSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_pipeline_steps_total",
				Help: "Total number of pipeline steps executed",
			},
			[]string{"step", "result"},
		),

		PipelineStepLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrs_pipeline_step_duration_seconds",
				Help:    "Duration of pipeline steps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),

		WaitsSuspended: f.NewCounter(
			prometheus.CounterOpts{
				Name: "cqrs_waits_suspended_total",
				Help: "Total number of pipeline suspensions on a predecessor",
			},
		),

		WaitsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_waits_completed_total",
				Help: "Total number of completed waits by final state",
			},
			[]string{"state", "reason"},
		),

		HandlerInvocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_sync_handler_invocations_total",
				Help: "Total number of sync handler invocations",
			},
			[]string{"handler", "result"},
		),

		HandlerDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrs_sync_handler_duration_seconds",
				Help:    "Duration of sync handler invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),

		StreamDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_stream_deliveries_total",
				Help: "Total number of change stream deliveries",
			},
			[]string{"source", "result"},
		),

		SequencesIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_sequences_issued_total",
				Help: "Total number of sequence numbers issued",
			},
			[]string{"tenant_code", "type_code"},
		),

		PoolTasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_pool_tasks_total",
				Help: "Total number of worker pool tasks",
			},
			[]string{"pool", "result"},
		),

		PoolQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cqrs_pool_queue_depth",
				Help: "Current number of queued worker pool tasks",
			},
			[]string{"pool"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cqrs_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cqrs_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordPublish records a command submission
func (m *Metrics) RecordPublish(commandType, mode, result string, duration float64) {
	if m == nil {
		return
	}
	m.CommandsPublished.WithLabelValues(commandType, mode, result).Inc()
	m.PublishDuration.WithLabelValues(mode).Observe(duration)
}

// RecordFinished records a command reaching a terminal status
func (m *Metrics) RecordFinished(commandType, status string, latency float64) {
	if m == nil {
		return
	}
	m.CommandsFinished.WithLabelValues(commandType, status).Inc()
	m.CommandLatency.WithLabelValues(commandType).Observe(latency)
}

// RecordStep records one pipeline step
func (m *Metrics) RecordStep(step, result string, duration float64) {
	if m == nil {
		return
	}
	m.PipelineSteps.WithLabelValues(step, result).Inc()
	m.PipelineStepLatency.WithLabelValues(step).Observe(duration)
}

// RecordSuspend records a pipeline suspension
func (m *Metrics) RecordSuspend() {
	if m == nil {
		return
	}
	m.WaitsSuspended.Inc()
}

// RecordWaitCompleted records how a wait was closed
func (m *Metrics) RecordWaitCompleted(state, reason string) {
	if m == nil {
		return
	}
	m.WaitsCompleted.WithLabelValues(state, reason).Inc()
}

// RecordHandler records a sync handler invocation
func (m *Metrics) RecordHandler(handler, result string, duration float64) {
	if m == nil {
		return
	}
	m.HandlerInvocations.WithLabelValues(handler, result).Inc()
	m.HandlerDuration.WithLabelValues(handler).Observe(duration)
}

// RecordDelivery records a change stream delivery attempt outcome
func (m *Metrics) RecordDelivery(source, result string) {
	if m == nil {
		return
	}
	m.StreamDeliveries.WithLabelValues(source, result).Inc()
}

// RecordSequence records an issued sequence number
func (m *Metrics) RecordSequence(tenantCode, typeCode string) {
	if m == nil {
		return
	}
	m.SequencesIssued.WithLabelValues(tenantCode, typeCode).Inc()
}

// RecordPoolTask records a finished worker pool task
func (m *Metrics) RecordPoolTask(pool, result string) {
	if m == nil {
		return
	}
	m.PoolTasks.WithLabelValues(pool, result).Inc()
}

// UpdatePoolQueueDepth updates the queued task gauge
func (m *Metrics) UpdatePoolQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.PoolQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}
