// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the pfeil gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and model.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "model"},
	)

	// RequestDuration records HTTP request duration in seconds by method and model.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pfeil_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "model"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pfeil_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// UpstreamRequestsTotal counts requests sent to the upstream generative API.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_upstream_requests_total",
			Help: "Upstream requests",
		},
		[]string{"model", "status"},
	)

	// UpstreamLatency records upstream API latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pfeil_upstream_latency_seconds",
			Help:    "Upstream latency",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// UpstreamTokensTotal counts tokens processed by direction (input/output).
	UpstreamTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_upstream_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	// AccountSelectionsTotal counts account pool selections by tier.
	AccountSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_account_selections_total",
			Help: "Account pool selections",
		},
		[]string{"tier"},
	)

	// AccountsExhaustedTotal counts requests rejected because every account
	// in the pool was over quota.
	AccountsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pfeil_accounts_exhausted_total",
			Help: "Pool exhaustion rejections",
		},
	)

	// StreamRetriesTotal counts stream reconnection attempts by reason.
	StreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_stream_retries_total",
			Help: "Stream retries",
		},
		[]string{"reason"},
	)

	// StreamStallsTotal counts heartbeat timeouts on upstream streams.
	StreamStallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pfeil_stream_stalls_total",
			Help: "Stream heartbeat stalls",
		},
	)

	// ToolValidationsTotal counts tool-call validations by tool name and outcome.
	ToolValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeil_tool_validations_total",
			Help: "Tool call validations",
		},
		[]string{"tool_name", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		UpstreamRequestsTotal,
		UpstreamLatency,
		UpstreamTokensTotal,
		AccountSelectionsTotal,
		AccountsExhaustedTotal,
		StreamRetriesTotal,
		StreamStallsTotal,
		ToolValidationsTotal,
	)
}
