package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/executor"
	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/metrics"
)

func newController(t *testing.T) (*Controller, *executor.FakeDriver, *events.MemoryBus, *metrics.Metrics) {
	t.Helper()
	driver := executor.NewFakeDriver()
	bus := events.NewMemoryBus()
	m := metrics.NewWith(prometheus.NewRegistry())
	return New(driver, bus, m, DefaultConfig()), driver, bus, m
}

func materialize(t *testing.T, d *executor.FakeDriver, evalID string, preserve bool) {
	t.Helper()
	_, err := d.Materialize(context.Background(), &executor.WorkloadSpec{
		EvalID:   evalID,
		Image:    "crucible-python:3.11",
		Language: "python",
		Priority: "normal",
		Preserve: preserve,
		Attempt:  1,
	})
	require.NoError(t, err)
}

func TestRunningWorkloadsUntouched(t *testing.T) {
	c, driver, _, _ := newController(t)
	materialize(t, driver, "eval-1", false)

	removed, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, driver.Deleted())
}

func TestSucceededRemovedAfterTTL(t *testing.T) {
	c, driver, _, m := newController(t)
	materialize(t, driver, "eval-1", false)
	require.NoError(t, driver.Complete("eval-1", []byte("ok")))

	// Fresh terminal workload stays within the TTL
	removed, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	require.NoError(t, driver.SetFinishedAt("eval-1", time.Now().Add(-c.cfg.SucceededTTL-time.Second)))
	removed, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"eval-1"}, driver.Deleted())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkloadsCleaned.WithLabelValues(ReasonTTLExpired)))
}

func TestFailedRemovedAfterGrace(t *testing.T) {
	c, driver, _, m := newController(t)
	materialize(t, driver, "eval-1", false)
	require.NoError(t, driver.Fail("eval-1", 1, []byte("boom")))
	require.NoError(t, driver.SetFinishedAt("eval-1", time.Now().Add(-11*time.Second)))

	removed, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkloadsCleaned.WithLabelValues(ReasonFailedGrace)))
}

func TestPreservedFailureKeptUntilPreserveTTL(t *testing.T) {
	c, driver, _, m := newController(t)
	materialize(t, driver, "eval-1", true)
	require.NoError(t, driver.Fail("eval-1", 1, []byte("boom")))

	// Way past the failed grace, well within the preserve TTL
	require.NoError(t, driver.SetFinishedAt("eval-1", time.Now().Add(-time.Minute)))
	removed, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed, "preserve extends the debugging window")

	require.NoError(t, driver.SetFinishedAt("eval-1", time.Now().Add(-c.cfg.PreserveTTL-time.Second)))
	removed, err = c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkloadsCleaned.WithLabelValues(ReasonPreserveExpired)))
}

func TestSweepEmitsWorkloadCleaned(t *testing.T) {
	c, driver, bus, _ := newController(t)
	ch, cancel := bus.Subscribe(events.TopicWorkloadCleaned)
	defer cancel()

	materialize(t, driver, "eval-1", false)
	require.NoError(t, driver.Complete("eval-1", nil))
	require.NoError(t, driver.SetFinishedAt("eval-1", time.Now().Add(-c.cfg.SucceededTTL-time.Second)))

	_, err := c.Sweep(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "eval-1", ev.EvalID)
		assert.Equal(t, ReasonTTLExpired, ev.Payload["reason"])
		assert.NotZero(t, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no workload.cleaned event")
	}
}
