package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every gateway metric.
const DefaultNamespace = "api_gateway"

// Metrics holds all Prometheus metrics for the gateway pipeline.
// All record methods are safe to call on a nil receiver.
type Metrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	requestSize         *prometheus.HistogramVec
	responseSize        *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceHealth       *prometheus.GaugeVec
	instanceHealth      *prometheus.GaugeVec
	rateLimitHits       *prometheus.CounterVec
	rateLimitFallback   prometheus.Counter
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	cacheErrors         *prometheus.CounterVec
	authFailures        *prometheus.CounterVec
	proxyErrors         *prometheus.CounterVec
	backendResponseTime *prometheus.HistogramVec
	buildInfo           *prometheus.GaugeVec
	registry            *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code", "service"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 1, 3, 5, 7, 10},
		},
		[]string{"method", "route", "status_code"},
	)

	m.requestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Size of HTTP requests in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "route"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Size of HTTP responses in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"method", "route", "status_code"},
	)

	m.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of requests currently being served",
	})

	m.serviceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health_status",
			Help:      "Health status of backend services (1 healthy, 0.5 degraded, 0 unhealthy)",
		},
		[]string{"service_name"},
	)

	m.instanceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health_status",
			Help:      "Health status of backend instances (1 healthy, 0.5 degraded, 0 unhealthy)",
		},
		[]string{"service_name", "instance"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"limit_type", "client_type"},
	)

	m.rateLimitFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_fallback_total",
		Help:      "Total number of rate-limit checks served by the local fallback store",
	})

	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	m.cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Total number of cache backing-store errors",
		},
		[]string{"operation"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"failure_type", "method"},
	)

	m.proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Total number of proxy errors",
		},
		[]string{"service_name", "error_type"},
	)

	m.backendResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_response_time_seconds",
			Help:      "Response time of backend instances in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service_name"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestSize,
		m.responseSize,
		m.activeConnections,
		m.serviceHealth,
		m.instanceHealth,
		m.rateLimitHits,
		m.rateLimitFallback,
		m.cacheHits,
		m.cacheMisses,
		m.cacheErrors,
		m.authFailures,
		m.proxyErrors,
		m.backendResponseTime,
		m.buildInfo,
	)

	return m
}

// RecordRequest records a completed pipeline request.
func (m *Metrics) RecordRequest(
	method, route, service string,
	status int,
	duration time.Duration,
	requestSize, responseSize int64,
) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, code, service).Inc()
	m.requestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
	if requestSize > 0 {
		m.requestSize.WithLabelValues(method, route).Observe(float64(requestSize))
	}
	if responseSize >= 0 {
		m.responseSize.WithLabelValues(method, route, code).Observe(float64(responseSize))
	}
}

// IncActiveConnections increments the in-flight request gauge.
func (m *Metrics) IncActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecActiveConnections decrements the in-flight request gauge.
func (m *Metrics) DecActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// SetServiceHealth publishes a service-level health score.
func (m *Metrics) SetServiceHealth(service string, score float64) {
	if m == nil {
		return
	}
	m.serviceHealth.WithLabelValues(service).Set(score)
}

// SetInstanceHealth publishes an instance-level health score.
func (m *Metrics) SetInstanceHealth(service, instance string, score float64) {
	if m == nil {
		return
	}
	m.instanceHealth.WithLabelValues(service, instance).Set(score)
}

// RecordRateLimitHit counts a rejected request.
func (m *Metrics) RecordRateLimitHit(category string, authenticated bool) {
	if m == nil {
		return
	}
	client := "anonymous"
	if authenticated {
		client = "authenticated"
	}
	m.rateLimitHits.WithLabelValues(category, client).Inc()
}

// RecordRateLimitFallback counts a check served by the local fallback store.
func (m *Metrics) RecordRateLimitFallback() {
	if m == nil {
		return
	}
	m.rateLimitFallback.Inc()
}

// RecordCacheHit counts a cache hit for the given TTL category.
func (m *Metrics) RecordCacheHit(category string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(category).Inc()
}

// RecordCacheMiss counts a cache miss for the given TTL category.
func (m *Metrics) RecordCacheMiss(category string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(category).Inc()
}

// RecordCacheError counts a backing-store failure.
func (m *Metrics) RecordCacheError(operation string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(operation).Inc()
}

// RecordAuthFailure counts a rejected credential.
func (m *Metrics) RecordAuthFailure(reason, method string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason, method).Inc()
}

// RecordProxyError counts a failed forward.
func (m *Metrics) RecordProxyError(service, errorType string) {
	if m == nil {
		return
	}
	m.proxyErrors.WithLabelValues(service, errorType).Inc()
}

// RecordBackendResponse observes the duration of a forwarded call.
func (m *Metrics) RecordBackendResponse(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendResponseTime.WithLabelValues(service).Observe(d.Seconds())
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registry returns the gateway registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the gateway
// registry. Registering an identical collector twice is not an error.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	if m == nil {
		return nil
	}
	if err := m.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler returns the /metrics handler. It merges the gateway registry with the
// default gatherer, which carries the Go and process collectors and the
// package-level store metrics.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
