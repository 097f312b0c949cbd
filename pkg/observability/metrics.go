package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	DebitsTotal         *prometheus.CounterVec
	TokensDebitedTotal  prometheus.Counter
	TokensCreditedTotal prometheus.Counter

	// Renewal metrics
	RenewalChargesTotal  *prometheus.CounterVec
	RenewalRunsTotal     *prometheus.CounterVec
	RenewalRunDuration   prometheus.Histogram
	RenewalRunLastResult *prometheus.GaugeVec
	AutoCancellations    prometheus.Counter

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Authorization metrics
	AuthorizationsTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DebitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_debits_total",
				Help: "Token debits by result",
			},
			[]string{"result"},
		),
		TokensDebitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_tokens_debited_total",
				Help: "Tokens consumed by successful debits",
			},
		),
		TokensCreditedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_tokens_credited_total",
				Help: "Tokens added through credits",
			},
		),

		RenewalChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_renewal_charges_total",
				Help: "Renewal charge attempts by outcome",
			},
			[]string{"outcome"},
		),
		RenewalRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_renewal_runs_total",
				Help: "Scheduler runs by trigger",
			},
			[]string{"trigger"},
		),
		RenewalRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_renewal_run_duration_seconds",
				Help:    "Duration of a full renewal run",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
		),
		RenewalRunLastResult: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tollgate_renewal_run_last_result",
				Help: "Counts from the most recent renewal run",
			},
			[]string{"field"},
		),
		AutoCancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_auto_cancellations_total",
				Help: "Subscriptions cancelled by the repeated-failure policy",
			},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_gateway_requests_total",
				Help: "Gateway calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_gateway_request_duration_seconds",
				Help:    "Gateway call latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_webhook_events_total",
				Help: "Gateway webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),

		AuthorizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_authorizations_total",
				Help: "Billing credential authorization transitions",
			},
			[]string{"state"},
		),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limit_decisions_total",
				Help: "Rate limiter decisions by backend and result",
			},
			[]string{"backend", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DebitsTotal,
		m.TokensDebitedTotal,
		m.TokensCreditedTotal,
		m.RenewalChargesTotal,
		m.RenewalRunsTotal,
		m.RenewalRunDuration,
		m.RenewalRunLastResult,
		m.AutoCancellations,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.WebhookEventsTotal,
		m.AuthorizationsTotal,
		m.RateLimitDecisionsTotal,
	)

	return m
}

// RecordDebit counts a debit attempt; tokens is only added on success
func (m *Metrics) RecordDebit(result string, tokens int64) {
	if m == nil {
		return
	}
	m.DebitsTotal.WithLabelValues(result).Inc()
	if result == "ok" && tokens > 0 {
		m.TokensDebitedTotal.Add(float64(tokens))
	}
}

// RecordCredit counts granted tokens
func (m *Metrics) RecordCredit(tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensCreditedTotal.Add(float64(tokens))
}

// RecordRenewalCharge counts one renewal charge outcome
func (m *Metrics) RecordRenewalCharge(outcome string) {
	if m == nil {
		return
	}
	m.RenewalChargesTotal.WithLabelValues(outcome).Inc()
}

// RecordRenewalRun records the totals of a finished run
func (m *Metrics) RecordRenewalRun(trigger string, duration time.Duration, processed, succeeded, failed, skipped int) {
	if m == nil {
		return
	}
	m.RenewalRunsTotal.WithLabelValues(trigger).Inc()
	m.RenewalRunDuration.Observe(duration.Seconds())
	m.RenewalRunLastResult.WithLabelValues("processed").Set(float64(processed))
	m.RenewalRunLastResult.WithLabelValues("succeeded").Set(float64(succeeded))
	m.RenewalRunLastResult.WithLabelValues("failed").Set(float64(failed))
	m.RenewalRunLastResult.WithLabelValues("skipped").Set(float64(skipped))
}

// RecordAutoCancellation counts a subscription cancelled by the failure policy
func (m *Metrics) RecordAutoCancellation() {
	if m == nil {
		return
	}
	m.AutoCancellations.Inc()
}

// RecordGatewayCall records latency and result of a gateway request
func (m *Metrics) RecordGatewayCall(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, result).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWebhookEvent counts a webhook delivery
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordAuthorization counts an authorization state change
func (m *Metrics) RecordAuthorization(state string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.WithLabelValues(state).Inc()
}

// RecordRateLimit counts an allow or reject decision
func (m *Metrics) RecordRateLimit(backend, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisionsTotal.WithLabelValues(backend, result).Inc()
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests. Routes are labelled with the
// mux path template rather than the raw path to keep label cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
