package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.Fired("period", "hvac")
	c.Fired("period", "hvac")
	c.Rearmed("period", "hvac")
	c.ListenerFailed("store:heating", 2)

	require.Equal(t, 2.0, testutil.ToFloat64(c.firings.WithLabelValues("period", "hvac")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.armed.WithLabelValues("period", "hvac")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.listenerFailures.WithLabelValues("store:heating")))

	c.Expired("period", "hvac")
	require.Equal(t, 0.0, testutil.ToFloat64(c.armed.WithLabelValues("period", "hvac")))

	mfs, err := c.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Fired("period", "x")
	c.CaughtUp("x")
	c.Rearmed("period", "x")
	c.Disarmed("period", "x")
	c.Expired("period", "x")
	c.ListenerFailed("x", 1)
	c.TemplateChanged("x")
	c.Reconciled("x", "armed")
	c.WatchLoop("x", func() int { return 0 }, func() uint64 { return 0 })

	_, err := c.Gatherer().Gather()
	require.NoError(t, err)
}

func TestWatchLoop(t *testing.T) {
	c := New()
	pending, executed := 3, uint64(41)
	c.WatchLoop("sched", func() int { return pending }, func() uint64 { return executed })

	want := `
# HELP schedcore_loop_pending_tasks Tasks queued on a run loop and not yet started.
# TYPE schedcore_loop_pending_tasks gauge
schedcore_loop_pending_tasks{loop="sched"} 3
`
	require.NoError(t, testutil.GatherAndCompare(c.Gatherer(), strings.NewReader(want), "schedcore_loop_pending_tasks"))

	n, err := testutil.GatherAndCount(c.Gatherer(), "schedcore_loop_tasks_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
