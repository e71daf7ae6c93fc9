package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"schedcore/internal/runloop"
	logx "schedcore/pkg/logx"
)

// Monday 2024-05-13 00:00 UTC.
var epoch = time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

// testClock delivers AfterFunc callbacks synchronously, in deadline order, on
// the goroutine that calls Add, and drains the loop after each one so a rearm
// made by a firing is registered before time moves on. The embedded mock only
// ever sees channel timers, which it ticks synchronously. As with the plain
// mock, nothing fires until the clock is moved, Add(0) included.
type testClock struct {
	*clock.Mock
	loop *runloop.Loop
	t    *testing.T

	mu      sync.Mutex
	pending []*pendingFunc
}

type pendingFunc struct {
	tm *clock.Timer
	at time.Time
	fn func()
}

func (c *testClock) AfterFunc(d time.Duration, fn func()) *clock.Timer {
	at := c.Mock.Now().Add(d)
	tm := c.Mock.Timer(d)
	c.mu.Lock()
	c.pending = append(c.pending, &pendingFunc{tm: tm, at: at, fn: fn})
	c.mu.Unlock()
	return tm
}

// Add moves the clock to each due deadline in turn, running what fired there.
func (c *testClock) Add(d time.Duration) {
	target := c.Mock.Now().Add(d)
	c.drain()
	for {
		next, ok := c.nextDeadline(target)
		if !ok {
			break
		}
		c.Mock.Set(next)
		c.drain()
	}
	c.Mock.Set(target)
	c.drain()
}

func (c *testClock) nextDeadline(max time.Time) (time.Time, bool) {
	now := c.Mock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	for _, p := range c.pending {
		if !p.at.After(now) || p.at.After(max) {
			continue
		}
		if next.IsZero() || p.at.Before(next) {
			next = p.at
		}
	}
	return next, !next.IsZero()
}

// drain runs every callback whose timer has ticked, drops timers that were
// stopped before their deadline, and repeats until the loop is quiet.
func (c *testClock) drain() {
	for {
		c.t.Helper()
		require.NoError(c.t, c.loop.Flush(context.Background()))

		now := c.Mock.Now()
		var run []*pendingFunc
		c.mu.Lock()
		keep := c.pending[:0]
		for _, p := range c.pending {
			select {
			case <-p.tm.C:
				run = append(run, p)
				continue
			default:
			}
			if p.at.After(now) {
				keep = append(keep, p)
			}
		}
		c.pending = keep
		c.mu.Unlock()

		if len(run) == 0 {
			return
		}
		sort.SliceStable(run, func(i, j int) bool { return run[i].at.Before(run[j].at) })
		for _, p := range run {
			p.fn()
		}
	}
}

type harness struct {
	clk  *testClock
	loop *runloop.Loop
}

func newHarness(t *testing.T, at time.Time) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(at)
	loop := runloop.New("sched-test", logx.Nop())
	t.Cleanup(func() { _ = loop.Close(context.Background()) })
	return &harness{clk: &testClock{Mock: mock, loop: loop, t: t}, loop: loop}
}

// settle drains the loop. Clock callbacks have already run inside Add.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.loop.Flush(context.Background()))
}

// advance moves the clock forward in steps, settling after each.
func (h *harness) advance(t *testing.T, total, step time.Duration) {
	t.Helper()
	for moved := time.Duration(0); moved < total; moved += step {
		d := step
		if rest := total - moved; rest < d {
			d = rest
		}
		h.clk.Add(d)
		h.settle(t)
	}
}

// reconciled waits until s has reconciled at least once after the call to fn.
func reconciled(t *testing.T, s *ConfigScheduler, fn func()) {
	t.Helper()
	before := s.reconciles.Load()
	fn()
	require.Eventually(t, func() bool { return s.reconciles.Load() > before }, time.Second, time.Millisecond)
}

type flusher interface {
	Flush(ctx context.Context) error
}

func flush(t *testing.T, f flusher) {
	t.Helper()
	require.NoError(t, f.Flush(context.Background()))
}

type recorder[E any] struct {
	mu  sync.Mutex
	got []E
}

func (r *recorder[E]) add(e E) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder[E]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.got...)
}
