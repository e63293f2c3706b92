// Package metrics exposes Prometheus metrics for requests, provider attempts
// and configuration reloads.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/failover"
)

const namespace = "ccm"

// Collector owns a private registry. It implements failover.Observer so
// every attempt the executor makes is counted.
//
// Metrics:
//   - ccm_requests_total{format,mode,status}
//   - ccm_request_duration_seconds{format,mode}
//   - ccm_provider_attempts_total{provider,outcome,kind}
//   - ccm_provider_latency_seconds{provider}
//   - ccm_tokens_total{provider,direction}
//   - ccm_config_reloads_total{result}
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	reloads         *prometheus.CounterVec
}

var _ failover.Observer = (*Collector)(nil)

// LLM latencies span from sub-second cache hits to multi-minute generations.
var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by client format, routing mode and HTTP status.",
		}, []string{"format", "mode", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end client request duration.",
			Buckets:   durationBuckets,
		}, []string{"format", "mode"}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Upstream attempts by provider, outcome and failure kind.",
		}, []string{"provider", "outcome", "kind"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Time until the first upstream event, per attempt.",
			Buckets:   durationBuckets,
		}, []string{"provider"}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream providers.",
		}, []string{"provider", "direction"}),

		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.attempts,
		c.latency,
		c.tokens,
		c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveAttempt records one executor attempt.
func (c *Collector) ObserveAttempt(a failover.Attempt) {
	kind := string(a.Kind)
	if kind == "" {
		kind = "none"
	}
	c.attempts.WithLabelValues(a.Provider, a.Outcome.String(), kind).Inc()
	if a.Kind != failover.KindCircuitOpen {
		c.latency.WithLabelValues(a.Provider).Observe(a.Latency.Seconds())
	}
}

// ObserveRequest records a finished client request.
func (c *Collector) ObserveRequest(format string, mode canonical.Mode, status int, d time.Duration) {
	if mode == "" {
		mode = "none"
	}
	c.requests.WithLabelValues(format, string(mode), strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(format, string(mode)).Observe(d.Seconds())
}

// ObserveUsage adds the token counts of one response.
func (c *Collector) ObserveUsage(provider string, u canonical.Usage) {
	if u.InputTokens > 0 {
		c.tokens.WithLabelValues(provider, "input").Add(float64(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		c.tokens.WithLabelValues(provider, "output").Add(float64(u.OutputTokens))
	}
	if u.CacheReadTokens > 0 {
		c.tokens.WithLabelValues(provider, "cache_read").Add(float64(u.CacheReadTokens))
	}
}

// ObserveReload records a configuration reload attempt.
func (c *Collector) ObserveReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
