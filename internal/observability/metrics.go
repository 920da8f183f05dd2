// Package observability exposes Prometheus metrics for jobs, swaps and the HTTP API.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memefolio"

// Metrics holds every collector on its own registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	syncBatches  *prometheus.CounterVec
	priceUpdates prometheus.Counter

	routeChecks  *prometheus.CounterVec
	swapAttempts *prometheus.CounterVec
	swapOutcomes *prometheus.CounterVec
	purchases    *prometheus.CounterVec
	fundings     *prometheus.CounterVec

	netWorthUsers *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Scheduled job runs segmented by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		syncBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price_sync",
			Name:      "batches_total",
			Help:      "Price feed batches segmented by outcome.",
		}, []string{"outcome"}),
		priceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price_sync",
			Name:      "price_updates_total",
			Help:      "Asset prices written by the price sync job.",
		}),
		routeChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "route_checks_total",
			Help:      "Route feasibility checks segmented by result.",
		}, []string{"viable"}),
		swapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "attempts_total",
			Help:      "Individual swap attempts segmented by outcome.",
		}, []string{"outcome"}),
		swapOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "swaps_total",
			Help:      "Swaps after retries segmented by terminal status.",
		}, []string{"status"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "completed_total",
			Help:      "Portfolio purchases segmented by outcome.",
		}, []string{"outcome"}),
		fundings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "wallet_fundings_total",
			Help:      "Treasury top-ups of custodial wallets segmented by result.",
		}, []string{"result"}),
		netWorthUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "net_worth",
			Name:      "users_total",
			Help:      "Users processed by the net worth job segmented by outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "open",
			Help:      "1 while the named circuit breaker is open.",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.syncBatches,
		m.priceUpdates,
		m.routeChecks,
		m.swapAttempts,
		m.swapOutcomes,
		m.purchases,
		m.fundings,
		m.netWorthUsers,
		m.breakerState,
		m.httpRequests,
		m.httpDurations,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one job run
func (m *Metrics) ObserveJob(job string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome(err)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordJobSkipped counts a run skipped because another holder has the lock
func (m *Metrics) RecordJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, "skipped").Inc()
}

// RecordSyncBatch counts one price feed batch and the prices it wrote
func (m *Metrics) RecordSyncBatch(err error, updated int) {
	if m == nil {
		return
	}
	m.syncBatches.WithLabelValues(outcome(err)).Inc()
	m.priceUpdates.Add(float64(updated))
}

// RecordRouteCheck counts one route feasibility check
func (m *Metrics) RecordRouteCheck(viable bool) {
	if m == nil {
		return
	}
	m.routeChecks.WithLabelValues(strconv.FormatBool(viable)).Inc()
}

// RecordSwapAttempt counts one swap attempt
func (m *Metrics) RecordSwapAttempt(err error) {
	if m == nil {
		return
	}
	m.swapAttempts.WithLabelValues(outcome(err)).Inc()
}

// RecordSwap counts one swap by terminal status
func (m *Metrics) RecordSwap(status string) {
	if m == nil {
		return
	}
	m.swapOutcomes.WithLabelValues(status).Inc()
}

// RecordPurchase counts one purchase
func (m *Metrics) RecordPurchase(err error) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome(err)).Inc()
}

// RecordWalletFunding counts one treasury top-up: funded, already_funded or failed
func (m *Metrics) RecordWalletFunding(result string) {
	if m == nil {
		return
	}
	m.fundings.WithLabelValues(result).Inc()
}

// RecordNetWorthUsers counts users in a persisted or failed net worth batch
func (m *Metrics) RecordNetWorthUsers(err error, users int) {
	if m == nil {
		return
	}
	m.netWorthUsers.WithLabelValues(outcome(err)).Add(float64(users))
}

// SetBreakerOpen tracks a circuit breaker's open state
func (m *Metrics) SetBreakerOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
