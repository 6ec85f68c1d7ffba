package telemetry

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wippyai/subgraph-runtime/errors"
)

const namespace = "graph"

// Metrics collects handler, lifecycle and block metrics on its own registry.
// It satisfies host.Metrics, orchestrator.Metrics and scheduler.Metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handlerDuration *prometheus.HistogramVec
	handlerTraps    *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
	blocks          *prometheus.CounterVec
	entityOps       *prometheus.CounterVec
	halted          *prometheus.CounterVec
	queries         *prometheus.CounterVec
}

// NewMetrics registers the collectors, plus the Go and process collectors
// when runtime is true.
func NewMetrics(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Duration of mapping handler invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"deployment", "handler"}),
		handlerTraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_traps_total",
			Help:      "Mapping handler invocations that trapped, by trap kind.",
		}, []string{"deployment", "handler", "kind"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_requests_total",
			Help:      "Deployment start and stop requests by outcome.",
		}, []string{"op", "result"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_committed_total",
			Help:      "Blocks whose entity operations were committed.",
		}, []string{"deployment"}),
		entityOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_operations_total",
			Help:      "Committed entity operations.",
		}, []string{"deployment"}),
		halted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_halted_total",
			Help:      "Deployments the scheduler gave up on.",
		}, []string{"deployment"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries served, by HTTP status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.handlerDuration, m.handlerTraps, m.lifecycle,
		m.blocks, m.entityOps, m.halted, m.queries)
	if runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) HandlerDone(deployment, handler string, elapsed time.Duration, trap errors.TrapKind) {
	m.handlerDuration.WithLabelValues(deployment, handler).Observe(elapsed.Seconds())
	if trap != "" {
		m.handlerTraps.WithLabelValues(deployment, handler, string(trap)).Inc()
	}
}

func (m *Metrics) Lifecycle(op string, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}
	m.lifecycle.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BlockCommitted(deployment string, ops int) {
	m.blocks.WithLabelValues(deployment).Inc()
	m.entityOps.WithLabelValues(deployment).Add(float64(ops))
}

func (m *Metrics) DeploymentHalted(deployment string) {
	m.halted.WithLabelValues(deployment).Inc()
}

// QueryServed counts one answered query.
func (m *Metrics) QueryServed(status int) {
	m.queries.WithLabelValues(http.StatusText(status)).Inc()
}

func errorKind(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return string(e.Kind)
	}
	return "error"
}
