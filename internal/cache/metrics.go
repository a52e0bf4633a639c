package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics holds backend-level Prometheus metrics for store operations.
// Hit/miss accounting per category lives on the gateway registry.
type storeMetrics struct {
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

var (
	storeMetricsInstance *storeMetrics
	storeMetricsOnce     sync.Once
)

// getStoreMetrics returns the singleton store metrics instance.
func getStoreMetrics() *storeMetrics {
	storeMetricsOnce.Do(func() {
		storeMetricsInstance = &storeMetrics{
			operationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "api_gateway",
					Subsystem: "cache_store",
					Name:      "operation_duration_seconds",
					Help:      "Duration of cache store operations",
					Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
				},
				[]string{"backend", "operation"},
			),
			errorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "api_gateway",
					Subsystem: "cache_store",
					Name:      "errors_total",
					Help:      "Total number of failed cache store operations",
				},
				[]string{"backend", "operation"},
			),
		}
	})
	return storeMetricsInstance
}
