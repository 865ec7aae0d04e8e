// Package metrics exposes the reward engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
)

const namespace = "realmkin"

// Metrics holds every collector. Collectors are registered in a dedicated
// registry so tests can create as many instances as they need.
type Metrics struct {
	registry *prometheus.Registry

	claims        *prometheus.CounterVec
	claimedAmount *prometheus.CounterVec
	accruedAmount *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	unstakes      *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobItems    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	totalValueLocked prometheus.Gauge
	activeStakes     prometheus.Gauge
	totalStakers     prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by stream and outcome.",
		}, []string{"stream", "outcome"}),
		claimedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_amount_total",
			Help:      "Tokens committed to claims by stream.",
		}, []string{"stream"}),
		accruedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accrued_amount_total",
			Help:      "Rewards credited by stream.",
		}, []string{"stream"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Transfer settlement results by stream.",
		}, []string{"stream", "result"}),
		unstakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unstakes_total",
			Help:      "Unstake operations by phase and result.",
		}, []string{"phase", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Batch job runs by job and result.",
		}, []string{"job", "result"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Items handled by batch jobs by outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Batch job run time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		totalValueLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_value_locked",
			Help:      "Sum of active stake principal.",
		}),
		activeStakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stakes",
			Help:      "Number of active stakes.",
		}),
		totalStakers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_stakers",
			Help:      "Distinct users with an active stake.",
		}),
	}

	reg.MustRegister(
		m.claims, m.claimedAmount, m.accruedAmount, m.settlements, m.unstakes,
		m.jobRuns, m.jobItems, m.jobDuration,
		m.httpRequests, m.httpDuration,
		m.totalValueLocked, m.activeStakes, m.totalStakers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ClaimAttempt counts a claim outcome such as "claimed", "skipped" or "failed".
func (m *Metrics) ClaimAttempt(stream model.ClaimStream, outcome string) {
	m.claims.WithLabelValues(string(stream), outcome).Inc()
}

// Claimed adds a committed claim amount.
func (m *Metrics) Claimed(stream model.ClaimStream, amount decimal.Decimal) {
	m.claimedAmount.WithLabelValues(string(stream)).Add(amount.InexactFloat64())
}

// Accrued adds a credited reward amount.
func (m *Metrics) Accrued(stream model.ClaimStream, amount decimal.Decimal) {
	if amount.IsPositive() {
		m.accruedAmount.WithLabelValues(string(stream)).Add(amount.InexactFloat64())
	}
}

// Settlement counts a transfer settlement result.
func (m *Metrics) Settlement(stream model.ClaimStream, result string) {
	m.settlements.WithLabelValues(string(stream), result).Inc()
}

// Unstake counts an unstake phase result.
func (m *Metrics) Unstake(phase, result string) {
	m.unstakes.WithLabelValues(phase, result).Inc()
}

// JobRun records one batch job run and its per-item outcomes.
func (m *Metrics) JobRun(job string, elapsed time.Duration, err error, updated, skipped, failed int) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	m.jobItems.WithLabelValues(job, "updated").Add(float64(updated))
	m.jobItems.WithLabelValues(job, "skipped").Add(float64(skipped))
	m.jobItems.WithLabelValues(job, "failed").Add(float64(failed))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// SetGlobal publishes the platform aggregate.
func (m *Metrics) SetGlobal(g *model.GlobalMetrics) {
	m.totalValueLocked.Set(g.TotalValueLocked.InexactFloat64())
	m.activeStakes.Set(float64(g.ActiveStakes))
	m.totalStakers.Set(float64(g.TotalStakers))
}
