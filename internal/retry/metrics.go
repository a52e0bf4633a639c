package retry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retryAttempts     *prometheus.CounterVec
	retryAttemptsOnce sync.Once
)

func attemptsCounter() *prometheus.CounterVec {
	retryAttemptsOnce.Do(func() {
		retryAttempts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "api_gateway",
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Total number of retry attempts by operation",
			},
			[]string{"operation"},
		)
	})
	return retryAttempts
}

// RecordAttempt counts one retry of operation.
func RecordAttempt(operation string) {
	attemptsCounter().WithLabelValues(operation).Inc()
}
