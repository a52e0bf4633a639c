package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewInstance(t *testing.T) {
	t.Parallel()

	inst, err := NewInstance("a", "http://localhost:3001/", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3001", inst.URL.String())
	assert.Equal(t, 1, inst.Weight)
	assert.True(t, inst.Healthy())
	assert.Nil(t, inst.LastProbe())
	assert.True(t, inst.LastUsed().IsZero())

	_, err = NewInstance("b", "localhost:3001", 1, 1)
	assert.Error(t, err)

	_, err = NewInstance("c", "://bad", 1, 1)
	assert.Error(t, err)
}

func TestInstance_RecordProbe(t *testing.T) {
	t.Parallel()

	inst, err := NewInstance("a", "http://a:1", 1, 1)
	require.NoError(t, err)

	fail := ProbeResult{Status: StatusUnhealthy, Reason: "request timeout", CheckedAt: time.Now()}
	ok := ProbeResult{Status: StatusHealthy, Latency: 20 * time.Millisecond, CheckedAt: time.Now()}

	assert.Equal(t, StatusUnhealthy, inst.RecordProbe(fail, 1))
	assert.False(t, inst.Healthy())
	assert.Equal(t, "request timeout", inst.LastProbe().Reason)

	assert.Equal(t, StatusHealthy, inst.RecordProbe(ok, 1))
	assert.True(t, inst.Healthy())
	assert.Equal(t, 20*time.Millisecond, inst.ResponseTime())

	slow := ProbeResult{Status: StatusDegraded, Latency: 4 * time.Second}
	assert.Equal(t, StatusDegraded, inst.RecordProbe(slow, 1))
	assert.False(t, inst.Healthy())
}

func TestInstance_RecordProbeThreshold(t *testing.T) {
	t.Parallel()

	inst, err := NewInstance("a", "http://a:1", 1, 1)
	require.NoError(t, err)
	fail := ProbeResult{Status: StatusUnhealthy}

	assert.Equal(t, StatusHealthy, inst.RecordProbe(fail, 3))
	assert.Equal(t, StatusHealthy, inst.RecordProbe(fail, 3))
	assert.Equal(t, StatusUnhealthy, inst.RecordProbe(fail, 3))

	inst.RecordProbe(ProbeResult{Status: StatusHealthy}, 3)
	assert.Equal(t, StatusHealthy, inst.RecordProbe(fail, 3))
}

func TestInstance_Connections(t *testing.T) {
	t.Parallel()

	inst, err := NewInstance("a", "http://a:1", 1, 1)
	require.NoError(t, err)

	inst.Acquire()
	inst.Acquire()
	assert.Equal(t, int64(2), inst.Connections())
	assert.False(t, inst.LastUsed().IsZero())

	inst.Release()
	assert.Equal(t, int64(1), inst.Connections())
}
