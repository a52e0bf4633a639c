package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// proxyMetrics contains Prometheus metrics for upstream calls, labelled per
// instance. Service-level series live in the gateway metrics registry.
type proxyMetrics struct {
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
}

var (
	proxyMetricsInstance *proxyMetrics
	proxyMetricsOnce     sync.Once
)

// getProxyMetrics returns the singleton proxy metrics instance.
func getProxyMetrics() *proxyMetrics {
	proxyMetricsOnce.Do(func() {
		proxyMetricsInstance = &proxyMetrics{
			upstreamDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "api_gateway",
					Subsystem: "proxy",
					Name:      "upstream_duration_seconds",
					Help:      "Duration of upstream calls per instance",
					Buckets: []float64{
						.001, .005, .01, .025,
						.05, .1, .25, .5,
						1, 2.5, 5, 10,
					},
				},
				[]string{"service", "instance", "status_class"},
			),
			upstreamErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "api_gateway",
					Subsystem: "proxy",
					Name:      "upstream_errors_total",
					Help:      "Total number of failed upstream calls per instance",
				},
				[]string{"service", "instance", "error_type"},
			),
		}
	})
	return proxyMetricsInstance
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
