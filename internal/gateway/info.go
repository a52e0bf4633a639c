package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// ServiceName is reported by the info endpoint.
const ServiceName = "API Gateway"

// Info is the body of GET /api/v1/info.
type Info struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}

// InfoHandler serves gateway metadata. Endpoints are listed from the
// current route table.
func InfoHandler(version string, routes func() *RouteTable, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		endpoints := map[string]string{
			"health":  "/health",
			"metrics": "/metrics",
		}
		if table := routes(); table != nil {
			for _, r := range table.Routes() {
				endpoints[r.Name] = r.Prefix + "/*"
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(Info{
			Service:   ServiceName,
			Version:   version,
			Timestamp: now().UTC().Format(time.RFC3339),
			Status:    "running",
			Endpoints: endpoints,
		})
	}
}
