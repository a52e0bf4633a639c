package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrServiceNotFound is returned when a service name is not registered.
var ErrServiceNotFound = errors.New("service not found")

// InstanceDescriptor declares one instance of a service.
type InstanceDescriptor struct {
	ID     string
	URL    string
	Weight int
}

// ServiceDescriptor declares a backend service.
type ServiceDescriptor struct {
	Name       string
	PathPrefix string
	HealthPath string
	Weight     int
	Instances  []InstanceDescriptor
}

// Service is a registered backend service with its live instances.
// The instance slice is never mutated after construction.
type Service struct {
	Name       string
	PathPrefix string
	HealthPath string
	Weight     int
	Instances  []*Instance
}

// Registry is the lookup table of backend services.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
	window   int
}

// NewRegistry builds a registry from descriptors. window is the number of
// response-time samples kept per instance.
func NewRegistry(descs []ServiceDescriptor, window int) (*Registry, error) {
	r := &Registry{window: window}
	services, err := r.build(descs, nil)
	if err != nil {
		return nil, err
	}
	r.services = services
	return r, nil
}

func (r *Registry) build(descs []ServiceDescriptor, previous map[string]*Service) (map[string]*Service, error) {
	services := make(map[string]*Service, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return nil, errors.New("service name is required")
		}
		if _, dup := services[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		if len(d.Instances) == 0 {
			return nil, fmt.Errorf("service %q has no instances", d.Name)
		}

		svc := &Service{
			Name:       d.Name,
			PathPrefix: d.PathPrefix,
			HealthPath: d.HealthPath,
			Weight:     d.Weight,
			Instances:  make([]*Instance, 0, len(d.Instances)),
		}
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
		}
		if svc.Weight <= 0 {
			svc.Weight = 1
		}

		seen := make(map[string]struct{}, len(d.Instances))
		for i, id := range d.Instances {
			if id.ID == "" {
				id.ID = fmt.Sprintf("%s-%d", d.Name, i+1)
			}
			if _, dup := seen[id.ID]; dup {
				return nil, fmt.Errorf("service %q: duplicate instance %q", d.Name, id.ID)
			}
			seen[id.ID] = struct{}{}

			if id.Weight <= 0 {
				id.Weight = svc.Weight
			}
			if kept := reuse(previous, d.Name, id); kept != nil {
				svc.Instances = append(svc.Instances, kept)
				continue
			}
			inst, err := NewInstance(id.ID, id.URL, id.Weight, r.window)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", d.Name, err)
			}
			svc.Instances = append(svc.Instances, inst)
		}
		services[d.Name] = svc
	}
	return services, nil
}

// reuse returns the existing instance when id, url and weight are unchanged,
// so health and usage state survive a reload.
func reuse(previous map[string]*Service, service string, d InstanceDescriptor) *Instance {
	if previous == nil {
		return nil
	}
	svc, ok := previous[service]
	if !ok {
		return nil
	}
	for _, inst := range svc.Instances {
		if inst.ID == d.ID && inst.URL.String() == trimURL(d.URL) && inst.Weight == d.Weight {
			return inst
		}
	}
	return nil
}

func trimURL(raw string) string {
	for len(raw) > 0 && raw[len(raw)-1] == '/' {
		raw = raw[:len(raw)-1]
	}
	return raw
}

// Replace swaps the whole service table. Unchanged instances keep their state.
func (r *Registry) Replace(descs []ServiceDescriptor) error {
	r.mu.RLock()
	previous := r.services
	r.mu.RUnlock()

	services, err := r.build(descs, previous)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.services = services
	r.mu.Unlock()
	return nil
}

// Service returns a service by name.
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns all services sorted by name.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instance returns one instance of a service.
func (r *Registry) Instance(service, id string) (*Instance, bool) {
	svc, ok := r.Service(service)
	if !ok {
		return nil, false
	}
	for _, inst := range svc.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}
