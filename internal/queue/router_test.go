package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

type captureQueue struct {
	mu    sync.Mutex
	got   []*core.TaskEnvelope
	depth int64
}

func (c *captureQueue) Enqueue(_ context.Context, env *core.TaskEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *captureQueue) Depth(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth, nil
}

func (c *captureQueue) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRouterAllPrimary(t *testing.T) {
	primary, legacy := &captureQueue{}, &captureQueue{}
	r := NewRouter(primary, legacy, 1.0, false, metrics.NewWith(prometheus.NewRegistry()))

	for i := 0; i < 50; i++ {
		tag, err := r.Submit(context.Background(), envelope("e", core.PriorityNormal))
		require.NoError(t, err)
		assert.Equal(t, core.RoutePrimary, tag)
	}
	assert.Equal(t, 50, primary.count())
	assert.Zero(t, legacy.count())
}

func TestRouterAllLegacy(t *testing.T) {
	primary, legacy := &captureQueue{}, &captureQueue{}
	r := NewRouter(primary, legacy, 0.0, false, metrics.NewWith(prometheus.NewRegistry()))

	for i := 0; i < 50; i++ {
		tag, err := r.Submit(context.Background(), envelope("e", core.PriorityNormal))
		require.NoError(t, err)
		assert.Equal(t, core.RouteLegacy, tag)
	}
	assert.Zero(t, primary.count())
	assert.Equal(t, 50, legacy.count())
}

func TestRouterForceLegacyOverridesPercentage(t *testing.T) {
	primary, legacy := &captureQueue{}, &captureQueue{}
	r := NewRouter(primary, legacy, 1.0, true, metrics.NewWith(prometheus.NewRegistry()))

	tag, err := r.Submit(context.Background(), envelope("e", core.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, core.RouteLegacy, tag)
	assert.Zero(t, primary.count())
}

func TestRouterWeightedSplit(t *testing.T) {
	primary, legacy := &captureQueue{}, &captureQueue{}
	r := NewRouter(primary, legacy, 0.5, false, metrics.NewWith(prometheus.NewRegistry()))

	// Deterministic roll sequence: alternate below/above the 0.5 cut
	rolls := []float64{0.1, 0.9, 0.3, 0.7}
	i := 0
	r.randFn = func() float64 {
		roll := rolls[i%len(rolls)]
		i++
		return roll
	}

	tags := make([]core.RouteTag, 0, 4)
	for range rolls {
		tag, err := r.Submit(context.Background(), envelope("e", core.PriorityNormal))
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Equal(t, []core.RouteTag{core.RoutePrimary, core.RouteLegacy, core.RoutePrimary, core.RouteLegacy}, tags)
}

func TestRouterStampsRouteTag(t *testing.T) {
	primary, legacy := &captureQueue{}, &captureQueue{}
	r := NewRouter(primary, legacy, 1.0, false, metrics.NewWith(prometheus.NewRegistry()))

	env := envelope("e", core.PriorityNormal)
	_, err := r.Submit(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, core.RoutePrimary, env.RouteTag)
}

func TestRouterDepthShift(t *testing.T) {
	primary, legacy := &captureQueue{depth: 100}, &captureQueue{}
	r := NewRouter(primary, legacy, 1.0, false, metrics.NewWith(prometheus.NewRegistry()))
	r.SetShiftThreshold(50)

	tag := r.Route(context.Background())
	assert.Equal(t, core.RouteLegacy, tag, "traffic shifts when primary depth exceeds threshold")

	primary.depth = 10
	tag = r.Route(context.Background())
	assert.Equal(t, core.RoutePrimary, tag)
}
