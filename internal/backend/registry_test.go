package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry([]ServiceDescriptor{
		{
			Name:       "property-service",
			PathPrefix: "/api/v1/properties",
			HealthPath: "/actuator/health",
			Instances: []InstanceDescriptor{
				{URL: "http://p1:8081"},
				{URL: "http://p2:8081", Weight: 3},
			},
		},
		{
			Name:      "auth-service",
			Weight:    2,
			Instances: []InstanceDescriptor{{ID: "auth", URL: "http://a:3001"}},
		},
	}, 0)
	require.NoError(t, err)

	svcs := reg.Services()
	require.Len(t, svcs, 2)
	assert.Equal(t, "auth-service", svcs[0].Name)
	assert.Equal(t, "/health", svcs[0].HealthPath)
	assert.Equal(t, 2, svcs[0].Instances[0].Weight)

	prop, ok := reg.Service("property-service")
	require.True(t, ok)
	assert.Equal(t, "property-service-1", prop.Instances[0].ID)
	assert.Equal(t, "property-service-2", prop.Instances[1].ID)
	assert.Equal(t, 1, prop.Instances[0].Weight)
	assert.Equal(t, 3, prop.Instances[1].Weight)

	inst, ok := reg.Instance("property-service", "property-service-2")
	require.True(t, ok)
	assert.Equal(t, "http://p2:8081", inst.URL.String())

	_, ok = reg.Instance("property-service", "nope")
	assert.False(t, ok)
	_, ok = reg.Instance("nope", "x")
	assert.False(t, ok)
}

func TestNewRegistry_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		descs []ServiceDescriptor
	}{
		{"missing name", []ServiceDescriptor{{Instances: []InstanceDescriptor{{URL: "http://a:1"}}}}},
		{"no instances", []ServiceDescriptor{{Name: "a"}}},
		{"duplicate service", []ServiceDescriptor{
			{Name: "a", Instances: []InstanceDescriptor{{URL: "http://a:1"}}},
			{Name: "a", Instances: []InstanceDescriptor{{URL: "http://a:1"}}},
		}},
		{"duplicate instance", []ServiceDescriptor{{Name: "a", Instances: []InstanceDescriptor{
			{ID: "x", URL: "http://a:1"},
			{ID: "x", URL: "http://a:2"},
		}}}},
		{"bad url", []ServiceDescriptor{{Name: "a", Instances: []InstanceDescriptor{{URL: "not a url"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.descs, 10)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_ReplaceKeepsUnchangedInstances(t *testing.T) {
	t.Parallel()

	descs := []ServiceDescriptor{{
		Name: "svc",
		Instances: []InstanceDescriptor{
			{ID: "a", URL: "http://a:1"},
			{ID: "b", URL: "http://b:1"},
		},
	}}
	reg, err := NewRegistry(descs, 10)
	require.NoError(t, err)

	a, _ := reg.Instance("svc", "a")
	a.SetStatus(StatusUnhealthy)

	err = reg.Replace([]ServiceDescriptor{{
		Name: "svc",
		Instances: []InstanceDescriptor{
			{ID: "a", URL: "http://a:1/"},
			{ID: "b", URL: "http://b:2"},
			{ID: "c", URL: "http://c:1"},
		},
	}})
	require.NoError(t, err)

	a2, _ := reg.Instance("svc", "a")
	assert.Same(t, a, a2)
	assert.False(t, a2.Healthy())

	b2, _ := reg.Instance("svc", "b")
	assert.Equal(t, "http://b:2", b2.URL.String())
	assert.True(t, b2.Healthy())

	_, ok := reg.Instance("svc", "c")
	assert.True(t, ok)

	assert.Error(t, reg.Replace([]ServiceDescriptor{{Name: "svc"}}))
	_, ok = reg.Instance("svc", "c")
	assert.True(t, ok, "failed replace must keep the previous table")
}
