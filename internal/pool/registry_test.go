package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

func newTestRegistry(t *testing.T, ids ...string) (*Registry, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := infra.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { kv.Close() })
	m := metrics.NewWith(prometheus.NewRegistry())
	reg := NewRegistry(kv, ids, m)
	require.NoError(t, reg.Seed(context.Background()))
	return reg, mr, m
}

func TestAcquireMovesIDToBusy(t *testing.T) {
	reg, mr, _ := newTestRegistry(t, "exec-1")
	ctx := context.Background()

	id, err := reg.Acquire(ctx, "eval-a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)

	free, err := reg.FreeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, free)

	holder, leased, err := reg.Holder(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, leased)
	assert.Equal(t, "eval-a", holder)

	ttl := mr.TTL("busy:exec-1")
	assert.Equal(t, 30*time.Second, ttl)
}

func TestAcquireEmptyPool(t *testing.T) {
	reg, mr, m := newTestRegistry(t) // no executors configured
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "eval-a", time.Minute)
	require.ErrorIs(t, err, ErrPoolEmpty)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PoolEmpty))

	// No stray busy key was created
	assert.Empty(t, mr.Keys())
}

func TestReleaseReturnsIDExactlyOnce(t *testing.T) {
	reg, mr, m := newTestRegistry(t, "exec-1")
	ctx := context.Background()

	id, err := reg.Acquire(ctx, "eval-a", time.Minute)
	require.NoError(t, err)

	// Both the success and failure callbacks may fire: release twice.
	require.NoError(t, reg.Release(ctx, id, "eval-a"))
	require.NoError(t, reg.Release(ctx, id, "eval-a"))

	members, err := mr.SMembers(FreeKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, members, "pool.free must hold the id exactly once")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DoubleReleaseDetected))
}

func TestReleaseWrongEvaluationIsNoOp(t *testing.T) {
	reg, _, m := newTestRegistry(t, "exec-1")
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "eval-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, reg.Release(ctx, "exec-1", "eval-b"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DoubleReleaseDetected))

	// Lease still belongs to eval-a
	holder, leased, err := reg.Holder(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, leased)
	assert.Equal(t, "eval-a", holder)
}

func TestLeaseTTLExpiryReconcile(t *testing.T) {
	reg, mr, _ := newTestRegistry(t, "exec-1")
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "eval-a", 5*time.Second)
	require.NoError(t, err)

	mr.FastForward(6 * time.Second)

	// Busy key expired; reconcile returns the id to pool.free
	require.NoError(t, reg.Reconcile(ctx))
	members, err := mr.SMembers(FreeKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, members)

	// The still-running dispatcher's late release is a no-op and the id
	// appears at most once.
	require.NoError(t, reg.Release(ctx, "exec-1", "eval-a"))
	members, err = mr.SMembers(FreeKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1"}, members)
}

func TestSeedSkipsLeasedExecutors(t *testing.T) {
	reg, mr, _ := newTestRegistry(t, "exec-1", "exec-2")
	ctx := context.Background()

	_, err := reg.Acquire(ctx, "eval-a", time.Minute)
	require.NoError(t, err)

	// Re-seeding must not resurrect the leased id
	require.NoError(t, reg.Seed(ctx))
	free, err := mr.SMembers(FreeKey)
	require.NoError(t, err)
	assert.Len(t, free, 1)
	assert.NotContains(t, free, firstLeased(t, reg))
}

func firstLeased(t *testing.T, reg *Registry) string {
	t.Helper()
	for _, id := range reg.ids {
		if _, leased, _ := reg.Holder(context.Background(), id); leased {
			return id
		}
	}
	t.Fatal("no leased executor found")
	return ""
}

func TestAcquireExhaustsThenRefills(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "exec-1", "exec-2")
	ctx := context.Background()

	a, err := reg.Acquire(ctx, "eval-a", time.Minute)
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, "eval-b", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = reg.Acquire(ctx, "eval-c", time.Minute)
	require.ErrorIs(t, err, ErrPoolEmpty)

	require.NoError(t, reg.Release(ctx, a, "eval-a"))
	c, err := reg.Acquire(ctx, "eval-c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}
