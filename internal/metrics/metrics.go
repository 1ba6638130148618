// Package metrics exposes Prometheus instrumentation for the bridge daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptdock_bridge"

// Registry is the dedicated Prometheus registry for this process. A private
// registry (rather than the global default) keeps /api metrics free of the
// Go runtime collectors unless explicitly registered.
var Registry = prometheus.NewRegistry()

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
