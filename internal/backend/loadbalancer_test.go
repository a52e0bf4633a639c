package backend

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, n int) *Registry {
	t.Helper()

	instances := make([]InstanceDescriptor, n)
	for i := range instances {
		instances[i] = InstanceDescriptor{
			ID:  fmt.Sprintf("svc-%d", i+1),
			URL: fmt.Sprintf("http://10.0.0.%d:8080", i+1),
		}
	}
	reg, err := NewRegistry([]ServiceDescriptor{{Name: "svc", Instances: instances}}, 10)
	require.NoError(t, err)
	return reg
}

func allStrategies() []Strategy {
	return []Strategy{
		StrategyRoundRobin,
		StrategyLeastConnections,
		StrategyWeightedRoundRobin,
		StrategyResponseTime,
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, s)

	for _, want := range allStrategies() {
		got, err := ParseStrategy(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}

func TestRoundRobin_VisitsEveryInstanceOncePerCycle(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			reg := newTestRegistry(t, n)
			lb, err := NewBalancer(reg, StrategyRoundRobin)
			require.NoError(t, err)

			for cycle := 0; cycle < 4; cycle++ {
				seen := make(map[string]int, n)
				for i := 0; i < n; i++ {
					inst, err := lb.Select("svc")
					require.NoError(t, err)
					seen[inst.ID]++
				}
				assert.Len(t, seen, n, "cycle %d", cycle)
				for id, count := range seen {
					assert.Equal(t, 1, count, "instance %s in cycle %d", id, cycle)
				}
			}
		})
	}
}

func TestRoundRobin_ConcurrentSelectionHasNoLostUpdates(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, 3)
	lb, err := NewBalancer(reg, StrategyRoundRobin)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				inst, err := lb.Select("svc")
				if err != nil {
					continue
				}
				mu.Lock()
				seen[inst.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, count := range seen {
		assert.Equal(t, 100, count)
	}
}

func TestBalancer_NeverReturnsUnhealthy(t *testing.T) {
	t.Parallel()

	for _, strategy := range allStrategies() {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()

			reg := newTestRegistry(t, 5)
			svc, _ := reg.Service("svc")
			svc.Instances[0].SetStatus(StatusUnhealthy)
			svc.Instances[2].SetStatus(StatusDegraded)
			svc.Instances[4].SetStatus(StatusUnhealthy)

			lb, err := NewBalancer(reg, strategy)
			require.NoError(t, err)

			for i := 0; i < 200; i++ {
				inst, err := lb.Select("svc")
				require.NoError(t, err)
				assert.True(t, inst.Healthy())
				assert.NotContains(t, []string{"svc-1", "svc-3", "svc-5"}, inst.ID)
			}
		})
	}
}

func TestBalancer_NoHealthyInstance(t *testing.T) {
	t.Parallel()

	for _, strategy := range allStrategies() {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()

			reg := newTestRegistry(t, 2)
			svc, _ := reg.Service("svc")
			for _, inst := range svc.Instances {
				inst.SetStatus(StatusUnhealthy)
			}

			lb, err := NewBalancer(reg, strategy)
			require.NoError(t, err)

			inst, err := lb.Select("svc")
			assert.Nil(t, inst)
			assert.ErrorIs(t, err, ErrNoHealthyInstance)
		})
	}
}

func TestBalancer_UnknownService(t *testing.T) {
	t.Parallel()

	lb, err := NewBalancer(newTestRegistry(t, 1), StrategyRoundRobin)
	require.NoError(t, err)

	_, err = lb.Select("missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestBalancer_UnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := NewBalancer(newTestRegistry(t, 1), Strategy("nope"))
	assert.Error(t, err)
}

func TestLeastConnections_PicksLeastLoaded(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, 3)
	svc, _ := reg.Service("svc")
	svc.Instances[0].Acquire()
	svc.Instances[0].Acquire()
	svc.Instances[1].Acquire()

	lb, err := NewBalancer(reg, StrategyLeastConnections)
	require.NoError(t, err)

	inst, err := lb.Select("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc-3", inst.ID)

	svc.Instances[0].Release()
	svc.Instances[0].Release()
	svc.Instances[2].Acquire()
	svc.Instances[2].Acquire()

	inst, err = lb.Select("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", inst.ID)
}

func TestWeightedRoundRobin_CumulativeWeights(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry([]ServiceDescriptor{{
		Name: "svc",
		Instances: []InstanceDescriptor{
			{ID: "a", URL: "http://a:1", Weight: 1},
			{ID: "b", URL: "http://b:1", Weight: 3},
		},
	}}, 10)
	require.NoError(t, err)

	tests := []struct {
		roll int
		want string
	}{
		{0, "a"},
		{1, "b"},
		{2, "b"},
		{3, "b"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("roll=%d", tt.roll), func(t *testing.T) {
			roll := tt.roll
			lb, err := NewBalancer(reg, StrategyWeightedRoundRobin, WithRandomSource(func(n int) int {
				assert.Equal(t, 4, n)
				return roll
			}))
			require.NoError(t, err)

			inst, err := lb.Select("svc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, inst.ID)
		})
	}
}

func TestWeightedRoundRobin_Distribution(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry([]ServiceDescriptor{{
		Name: "svc",
		Instances: []InstanceDescriptor{
			{ID: "light", URL: "http://a:1", Weight: 1},
			{ID: "heavy", URL: "http://b:1", Weight: 9},
		},
	}}, 10)
	require.NoError(t, err)

	lb, err := NewBalancer(reg, StrategyWeightedRoundRobin)
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		inst, err := lb.Select("svc")
		require.NoError(t, err)
		counts[inst.ID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"]*4)
}

func TestResponseTime_PrefersFastestThenLowestErrorRate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, 3)
	lb, err := NewBalancer(reg, StrategyResponseTime)
	require.NoError(t, err)

	lb.RecordUsage("svc", "svc-1", 200*time.Millisecond, false)
	lb.RecordUsage("svc", "svc-2", 50*time.Millisecond, true)
	lb.RecordUsage("svc", "svc-3", 50*time.Millisecond, false)

	inst, err := lb.Select("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc-3", inst.ID)
}

func TestRecordUsage_RollingWindowAndErrorRate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, 1)
	lb, err := NewBalancer(reg, StrategyRoundRobin)
	require.NoError(t, err)
	inst, _ := reg.Instance("svc", "svc-1")

	// window is 10: the first ten samples of 1s are pushed out by ten of 100ms
	for i := 0; i < 10; i++ {
		lb.RecordUsage("svc", "svc-1", time.Second, false)
	}
	assert.Equal(t, time.Second, inst.ResponseTime())

	for i := 0; i < 10; i++ {
		lb.RecordUsage("svc", "svc-1", 100*time.Millisecond, i%2 == 0)
	}
	assert.Equal(t, 100*time.Millisecond, inst.ResponseTime())
	assert.InDelta(t, 25.0, inst.ErrorRate(), 0.001)
	assert.Equal(t, int64(20), inst.Requests())

	// unknown instance is ignored
	lb.RecordUsage("svc", "missing", time.Second, true)
	lb.RecordUsage("missing", "svc-1", time.Second, true)
	assert.Equal(t, int64(20), inst.Requests())
}
