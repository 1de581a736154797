package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the pipeline. A nil *Metrics is
// safe to use; every method no-ops.
type Metrics struct {
	registry *prometheus.Registry

	SignalsIngested  *prometheus.CounterVec
	ClusterDecisions *prometheus.CounterVec
	TopicsClassified *prometheus.CounterVec
	TasksCreated     prometheus.Counter
	WebhookEvents    *prometheus.CounterVec
	FixRuns          *prometheus.CounterVec
	WorkerRetries    *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
}

// NewMetrics builds the collector set on a private registry so tests can
// create as many instances as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SignalsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_signals_ingested_total",
			Help: "Ingested signals by outcome (queued, duplicate, invalid).",
		}, []string{"outcome"}),
		ClusterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_cluster_decisions_total",
			Help: "Clustering decisions by kind (attached, triaged, created).",
		}, []string{"decision"}),
		TopicsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_topics_classified_total",
			Help: "Topic classification outcomes (task, skipped, dead_letter).",
		}, []string{"outcome"}),
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "darwin_tasks_created_total",
			Help: "Tasks materialized from classified topics.",
		}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_webhook_events_total",
			Help: "Forge webhook deliveries by action and result.",
		}, []string{"action", "result"}),
		FixRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_fix_runs_total",
			Help: "Fix runner executions by result (completed, failed, skipped).",
		}, []string{"result"}),
		WorkerRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_worker_retries_total",
			Help: "Transient retries by worker.",
		}, []string{"worker"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "darwin_dead_letters_total",
			Help: "Items moved to dead-letter queues.",
		}, []string{"queue"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler and for
// queue-depth gauges registered at wiring time.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CountSignal records one ingest outcome.
func (m *Metrics) CountSignal(outcome string) {
	if m == nil {
		return
	}
	m.SignalsIngested.WithLabelValues(outcome).Inc()
}

// CountClusterDecision records one clustering decision.
func (m *Metrics) CountClusterDecision(decision string) {
	if m == nil {
		return
	}
	m.ClusterDecisions.WithLabelValues(decision).Inc()
}

// CountClassification records one classification outcome.
func (m *Metrics) CountClassification(outcome string) {
	if m == nil {
		return
	}
	m.TopicsClassified.WithLabelValues(outcome).Inc()
}

// CountTask records one task creation.
func (m *Metrics) CountTask() {
	if m == nil {
		return
	}
	m.TasksCreated.Inc()
}

// CountWebhook records one webhook delivery.
func (m *Metrics) CountWebhook(action, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(action, result).Inc()
}

// CountFixRun records one fix runner execution.
func (m *Metrics) CountFixRun(result string) {
	if m == nil {
		return
	}
	m.FixRuns.WithLabelValues(result).Inc()
}

// CountRetry records one transient worker retry.
func (m *Metrics) CountRetry(worker string) {
	if m == nil {
		return
	}
	m.WorkerRetries.WithLabelValues(worker).Inc()
}

// CountDeadLetter records one dead-lettered item.
func (m *Metrics) CountDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(queue).Inc()
}

// RegisterQueueDepth registers a gauge that reports a queue's length through
// the supplied callback.
func (m *Metrics) RegisterQueueDepth(queue string, depth func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "darwin_queue_depth",
		Help:        "Current queue length.",
		ConstLabels: prometheus.Labels{"queue": queue},
	}, depth))
}
