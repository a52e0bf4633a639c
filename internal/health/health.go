// Package health probes backend instances in the background and publishes
// per-service and aggregate health snapshots.
package health

import (
	"sort"
	"time"

	"github.com/vyrodovalexey/propgw/internal/backend"
)

// Status represents an aggregate health classification.
type Status string

const (
	// StatusHealthy indicates every instance is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates at least one instance is slow and none has failed.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates at least one instance failed its probe.
	StatusUnhealthy Status = "unhealthy"
)

// FromBackend converts an instance status. Unprobed instances count as healthy.
func FromBackend(s backend.Status) Status {
	switch s {
	case backend.StatusDegraded:
		return StatusDegraded
	case backend.StatusUnhealthy:
		return StatusUnhealthy
	default:
		return StatusHealthy
	}
}

// Score maps a status to the value exported as a gauge.
func (s Status) Score() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// InstanceHealth is the health detail of one instance.
type InstanceHealth struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Status         Status    `json:"status"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	ErrorRatePct   float64   `json:"errorRatePct"`
	Connections    int64     `json:"currentConnections"`
	Reason         string    `json:"reason,omitempty"`
	CheckedAt      time.Time `json:"lastChecked,omitzero"`
}

// Counts tallies instances by status.
type Counts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
}

func (c *Counts) add(s Status) {
	c.Total++
	switch s {
	case StatusHealthy:
		c.Healthy++
	case StatusDegraded:
		c.Degraded++
	default:
		c.Unhealthy++
	}
}

// ServiceSnapshot is the health aggregate of one service.
type ServiceSnapshot struct {
	Name      string           `json:"name"`
	Status    Status           `json:"status"`
	Counts    Counts           `json:"summary"`
	Instances []InstanceHealth `json:"instances"`
}

// Snapshot is the aggregate across all services, served by /health.
type Snapshot struct {
	Status    Status                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Uptime    string                     `json:"uptime,omitempty"`
	Version   string                     `json:"version,omitempty"`
	Counts    Counts                     `json:"summary"`
	Services  map[string]ServiceSnapshot `json:"services"`
}

// snapshotService builds the aggregate of one service from live instance state.
func snapshotService(svc *backend.Service) ServiceSnapshot {
	snap := ServiceSnapshot{
		Name:      svc.Name,
		Status:    StatusHealthy,
		Instances: make([]InstanceHealth, 0, len(svc.Instances)),
	}
	for _, inst := range svc.Instances {
		status := FromBackend(inst.Status())
		ih := InstanceHealth{
			ID:             inst.ID,
			URL:            inst.URL.String(),
			Status:         status,
			ResponseTimeMs: inst.ResponseTime().Milliseconds(),
			ErrorRatePct:   inst.ErrorRate(),
			Connections:    inst.Connections(),
		}
		if p := inst.LastProbe(); p != nil {
			ih.Reason = p.Reason
			ih.CheckedAt = p.CheckedAt
		}
		snap.Instances = append(snap.Instances, ih)
		snap.Counts.add(status)
		snap.Status = worse(snap.Status, status)
	}
	return snap
}

// buildSnapshot aggregates every service of the registry.
func buildSnapshot(services []*backend.Service, now time.Time) *Snapshot {
	snap := &Snapshot{
		Status:    StatusHealthy,
		Timestamp: now,
		Services:  make(map[string]ServiceSnapshot, len(services)),
	}
	for _, svc := range services {
		ss := snapshotService(svc)
		snap.Services[svc.Name] = ss
		snap.Counts.Total += ss.Counts.Total
		snap.Counts.Healthy += ss.Counts.Healthy
		snap.Counts.Degraded += ss.Counts.Degraded
		snap.Counts.Unhealthy += ss.Counts.Unhealthy
		snap.Status = worse(snap.Status, ss.Status)
	}
	return snap
}

// ServiceNames returns the service names of a snapshot in sorted order.
func (s *Snapshot) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
