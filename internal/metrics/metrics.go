// Package metrics provides Prometheus instruments for diagram rendering,
// engine loading, runtime asset downloads and exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RenderBuckets spans fast cached layouts up to the render timeout.
var RenderBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 12}

var (
	// DiagramRendersTotal counts compile+render attempts by outcome (ok, error).
	DiagramRendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_diagram_renders_total",
			Help: "Diagram render attempts",
		},
		[]string{"outcome"},
	)

	// DiagramRenderDuration records compile+render latency in seconds.
	DiagramRenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "d2vault_diagram_render_duration_seconds",
			Help:    "Diagram render duration",
			Buckets: RenderBuckets,
		},
	)

	// EngineLoadsTotal counts underlying engine load sequences by outcome.
	EngineLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_engine_loads_total",
			Help: "Engine load sequences",
		},
		[]string{"outcome"},
	)

	// AssetDownloadsTotal counts runtime asset fetches by asset and outcome.
	AssetDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_asset_downloads_total",
			Help: "Runtime asset downloads",
		},
		[]string{"asset", "outcome"},
	)

	// CodeBlocksProcessed counts fenced blocks handed to processors by language.
	CodeBlocksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_code_blocks_processed_total",
			Help: "Fenced code blocks dispatched to processors",
		},
		[]string{"language"},
	)

	// ExportsTotal counts single-note exports by format and outcome.
	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_exports_total",
			Help: "Single note exports",
		},
		[]string{"format", "outcome"},
	)

	// HTTPRequestsTotal counts document view requests by status code and method.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2vault_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"code", "method"},
	)
)

func init() {
	prometheus.MustRegister(
		DiagramRendersTotal,
		DiagramRenderDuration,
		EngineLoadsTotal,
		AssetDownloadsTotal,
		CodeBlocksProcessed,
		ExportsTotal,
		HTTPRequestsTotal,
	)
}

// Handler exposes the default registry. Compression is left to the server's
// middleware.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{DisableCompression: true}),
	)
}

// InstrumentHTTP counts requests served by next.
func InstrumentHTTP(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(HTTPRequestsTotal, next)
}
