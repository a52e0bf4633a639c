package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregate snapshot. It answers 200 only while the
// overall status is healthy, 503 otherwise.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := m.Overall()

		status := http.StatusOK
		if snap.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)

		if err := json.NewEncoder(w).Encode(snap); err != nil {
			m.logger.Error("failed to encode health response")
		}
	}
}
