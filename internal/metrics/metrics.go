package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	Confidence      prometheus.Histogram
	Escalations     *prometheus.CounterVec
	Blocked         *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	ProviderP95     *prometheus.GaugeVec
	CircuitState    *prometheus.GaugeVec
	CostMicro       *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
	BudgetUtilized  *prometheus.GaugeVec
	CacheHits       *prometheus.CounterVec
	StreamsActive   prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_requests_total",
			Help: "Total requests routed, by provider, outcome, and routing reason",
		}, []string{"provider", "outcome", "reason"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsrouter_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider", "tier"}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsrouter_confidence",
			Help:    "Distribution of final outcome confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_escalations_total",
			Help: "Escalations by target tier",
		}, []string{"target_tier"}),
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_blocked_total",
			Help: "Requests blocked by guard stage",
		}, []string{"stage"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_provider_errors_total",
			Help: "Provider errors by provider and error kind",
		}, []string{"provider", "kind"}),
		ProviderP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsrouter_provider_p95_latency_ms",
			Help: "Windowed p95 latency per provider",
		}, []string{"provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsrouter_circuit_state",
			Help: "Circuit state per provider (0=closed, 1=half_open, 2=open)",
		}, []string{"provider"}),
		CostMicro: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_cost_micro_total",
			Help: "Spend in micro-credits per provider",
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_tokens_total",
			Help: "Tokens consumed, by provider and direction",
		}, []string{"provider", "direction"}),
		BudgetUtilized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsrouter_budget_utilization",
			Help: "Fraction of the daily cap consumed, by resource",
		}, []string{"resource"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsrouter_cache_requests_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dsrouter_streams_active",
			Help: "Streams currently being forwarded to clients",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.Confidence, m.Escalations,
		m.Blocked, m.ProviderErrors, m.ProviderP95, m.CircuitState,
		m.CostMicro, m.TokensTotal, m.BudgetUtilized, m.CacheHits,
		m.StreamsActive,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
