// Package metrics exposes the Prometheus instruments for the rules engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every instrument the service registers. Construct one per
// process with the default registerer, or with a fresh registry in tests.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsBlocked *prometheus.CounterVec
	rulesEvaluated    *prometheus.CounterVec
	vatFallbacks      *prometheus.CounterVec
	unknownActions    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	cacheRefreshes    *prometheus.CounterVec
	auditPurged       prometheus.Counter
}

// NewCollector registers the instrument set against the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_executions_total",
			Help: "Engine executions by entry point and outcome.",
		}, []string{"entry_point", "outcome"}),

		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rules_engine_execution_duration_seconds",
			Help:    "Engine execution latency by entry point.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2},
		}, []string{"entry_point"}),

		executionsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_executions_blocked_total",
			Help: "Executions that returned blocked=true.",
		}, []string{"entry_point"}),

		rulesEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_rules_evaluated_total",
			Help: "Rule condition evaluations by entry point and match result.",
		}, []string{"entry_point", "matched"}),

		vatFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_vat_fallbacks_total",
			Help: "VAT computations that degraded to the fallback result.",
		}, []string{"function"}),

		unknownActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_unknown_actions_total",
			Help: "Actions skipped because no handler matched their type.",
		}, []string{"action_type"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rules_engine_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		cacheRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_engine_cache_refreshes_total",
			Help: "Provider cache warms and invalidations.",
		}, []string{"kind"}),

		auditPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "rules_engine_audit_rows_purged_total",
			Help: "Audit rows removed by the retention job.",
		}),
	}
}

// ObserveExecution records one completed engine call.
func (c *Collector) ObserveExecution(entryPoint, outcome string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(entryPoint, outcome).Inc()
	c.executionDuration.WithLabelValues(entryPoint).Observe(duration.Seconds())
}

// ExecutionBlocked counts a blocked execution.
func (c *Collector) ExecutionBlocked(entryPoint string) {
	c.executionsBlocked.WithLabelValues(entryPoint).Inc()
}

// RuleEvaluated counts one condition evaluation.
func (c *Collector) RuleEvaluated(entryPoint string, matched bool) {
	c.rulesEvaluated.WithLabelValues(entryPoint, strconv.FormatBool(matched)).Inc()
}

// VATFallback counts a degraded VAT computation.
func (c *Collector) VATFallback(function string) {
	c.vatFallbacks.WithLabelValues(function).Inc()
}

// UnknownAction counts an action skipped for lacking a handler.
func (c *Collector) UnknownAction(actionType string) {
	c.unknownActions.WithLabelValues(actionType).Inc()
}

// ObserveHTTP records one handled HTTP request.
func (c *Collector) ObserveHTTP(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// CacheRefresh counts a provider warm or invalidation.
func (c *Collector) CacheRefresh(kind string) {
	c.cacheRefreshes.WithLabelValues(kind).Inc()
}

// AuditPurged adds to the retention purge counter.
func (c *Collector) AuditPurged(count int64) {
	c.auditPurged.Add(float64(count))
}
