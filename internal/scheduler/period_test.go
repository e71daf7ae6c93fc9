package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedcore/internal/period"
	"schedcore/internal/timer"
)

func newPeriod(t *testing.T, h *harness, p period.Period, opts ...Option) (*PeriodScheduler, *recorder[Firing]) {
	t.Helper()
	rec := &recorder[Firing]{}
	opts = append([]Option{WithClock(h.clk), WithZone(time.UTC), WithListener(rec.add)}, opts...)
	s, err := NewPeriod(h.loop, p, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	h.settle(t)
	return s, rec
}

func TestPeriodFiresEveryPeriod(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(2*time.Second))
	require.Equal(t, StateArmed, s.State())

	h.advance(t, 4*time.Second, 100*time.Millisecond)
	flush(t, s)
	got := rec.all()
	require.Len(t, got, 2)
	require.GreaterOrEqual(t, got[1].At.Sub(got[0].At), 1800*time.Millisecond)
	require.Equal(t, epoch.Add(2*time.Second), got[0].Target)
	require.Equal(t, epoch.Add(4*time.Second), got[1].Target)
	require.Equal(t, uint64(2), got[1].Seq)

	h.advance(t, 4*time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 4, rec.len())
}

func TestPeriodNeverFiresSynchronously(t *testing.T) {
	h := newHarness(t, epoch)
	rec := &recorder[Firing]{}
	s, err := NewPeriod(h.loop, period.Every(time.Second), WithClock(h.clk), WithStart(epoch), WithListener(rec.add))
	require.NoError(t, err)
	defer s.Destroy()
	require.Equal(t, 0, rec.len())

	h.settle(t)
	require.Equal(t, StateArmed, s.State())
	require.Equal(t, 0, rec.len())
}

func TestPeriodStopsAtEnd(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second), WithEnd(epoch.Add(3500*time.Millisecond)))

	h.advance(t, 6*time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 3, rec.len())

	select {
	case <-s.Done():
	default:
		t.Fatal("scheduler should be destroyed after its end")
	}
	require.Equal(t, StateDestroyed, s.State())
	require.ErrorIs(t, s.Resume(), ErrDestroyed)
	require.ErrorIs(t, s.SetEndTime(time.Time{}), ErrDestroyed)

	h.advance(t, 3*time.Second, 500*time.Millisecond)
	require.Equal(t, 3, rec.len())
}

func TestPeriodFirstTargetAfterEnd(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Minute), WithEnd(epoch.Add(time.Second)))
	require.Equal(t, StateDestroyed, s.State())
	h.advance(t, 2*time.Minute, 30*time.Second)
	require.Equal(t, 0, rec.len())
}

func TestPeriodExplicitStart(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second), WithStart(epoch.Add(500*time.Millisecond)))

	h.advance(t, 2600*time.Millisecond, 100*time.Millisecond)
	flush(t, s)
	got := rec.all()
	require.Len(t, got, 3)
	require.Equal(t, epoch.Add(500*time.Millisecond), got[0].Target)
	require.Equal(t, epoch.Add(1500*time.Millisecond), got[1].Target)
	require.Equal(t, epoch.Add(2500*time.Millisecond), got[2].Target)
}

func TestPeriodStartInPastSkipsBacklog(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second), WithStart(epoch.Add(-10*time.Second)))

	// The past start fires once straight away.
	h.clk.Add(0)
	h.settle(t)
	flush(t, s)
	require.Equal(t, 1, rec.len())
	require.Equal(t, epoch.Add(time.Second), s.Snapshot().Next)
}

func TestPeriodAligned(t *testing.T) {
	at := time.Date(2024, 5, 13, 10, 37, 12, 0, time.UTC)
	h := newHarness(t, at)
	s, _ := newPeriod(t, h, period.Every(15*time.Minute), Aligned())
	require.Equal(t, time.Date(2024, 5, 13, 10, 45, 0, 0, time.UTC), s.Snapshot().Next)

	h2 := newHarness(t, at)
	d, _ := newPeriod(t, h2, period.Calendar(1, period.Days), Aligned())
	require.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), d.Snapshot().Next)
}

func TestPeriodLateFireSkipsToNextBoundary(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))

	// Deliver a firing observed 10.5s after the target, as after a suspend.
	late := epoch.Add(11500 * time.Millisecond)
	h.loop.Submit(func() { s.onFire(timer.Fire{At: late}) })
	h.settle(t)
	flush(t, s)

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, epoch.Add(time.Second), got[0].Target)
	require.Equal(t, late, got[0].At)
	require.Equal(t, epoch.Add(12*time.Second), s.Snapshot().Next)
}

func TestPeriodAdvance(t *testing.T) {
	h := newHarness(t, epoch)
	s, _ := newPeriod(t, h, period.Every(time.Second))
	next, ok := s.advance(epoch, epoch.Add(10500*time.Millisecond))
	require.True(t, ok)
	require.Equal(t, epoch.Add(11*time.Second), next)

	// Exactly on a boundary: strictly after now.
	next, ok = s.advance(epoch, epoch.Add(3*time.Second))
	require.True(t, ok)
	require.Equal(t, epoch.Add(4*time.Second), next)

	d, _ := newPeriod(t, h, period.Calendar(1, period.Months))
	jan31 := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	next, ok = d.advance(jan31, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.True(t, next.After(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestPeriodSetEndBeforeLastFireDestroys(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))
	h.advance(t, 1100*time.Millisecond, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 1, rec.len())

	require.NoError(t, s.SetEndTime(epoch.Add(500*time.Millisecond)))
	require.Equal(t, StateDestroyed, s.State())
}

func TestPeriodShortenedEndDropsPendingFiring(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))
	h.advance(t, 1100*time.Millisecond, 100*time.Millisecond)

	// After the last firing but before the pending one.
	require.NoError(t, s.SetEndTime(epoch.Add(1500*time.Millisecond)))
	require.Equal(t, StateArmed, s.State())
	require.Equal(t, epoch.Add(1500*time.Millisecond), s.EndTime())

	h.advance(t, 2*time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 1, rec.len())
	require.Equal(t, StateDestroyed, s.State())
}

func TestPeriodExtendEnd(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second), WithEnd(epoch.Add(2*time.Second)))
	require.NoError(t, s.SetEndTime(time.Time{}))
	h.advance(t, 5*time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 5, rec.len())
	require.Equal(t, StateArmed, s.State())
}

func TestPeriodSetEndBeforeStart(t *testing.T) {
	h := newHarness(t, epoch)
	s, _ := newPeriod(t, h, period.Every(time.Second), WithStart(epoch.Add(time.Hour)))
	require.ErrorIs(t, s.SetEndTime(epoch.Add(time.Minute)), ErrInvalidRange)
	require.Equal(t, StateArmed, s.State())
}

func TestPeriodStopResume(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))
	h.advance(t, 1100*time.Millisecond, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 1, rec.len())

	s.Stop()
	require.Equal(t, StateStopped, s.State())
	h.advance(t, 5*time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 1, rec.len())

	resumedAt := h.clk.Now()
	require.NoError(t, s.Resume())
	require.Equal(t, StateArmed, s.State())
	// Resume while armed is a no-op.
	require.NoError(t, s.Resume())

	h.clk.Add(0)
	h.settle(t)
	flush(t, s)
	got := rec.all()
	require.Len(t, got, 2)
	require.Equal(t, resumedAt, got[1].Target)
	require.Equal(t, resumedAt.Add(time.Second), s.Snapshot().Next)
}

func TestPeriodResumeBeforeFirstArmKeepsStart(t *testing.T) {
	h := newHarness(t, epoch)
	rec := &recorder[Firing]{}
	start := epoch.Add(time.Hour)
	s, err := NewPeriod(h.loop, period.Every(time.Minute), WithClock(h.clk), WithStart(start), WithListener(rec.add))
	require.NoError(t, err)
	defer s.Destroy()

	require.NoError(t, s.Resume())
	h.settle(t)
	h.clk.Add(0)
	flush(t, s)
	require.Equal(t, 0, rec.len())
	require.Equal(t, StateArmed, s.State())
	require.Equal(t, start, s.Snapshot().Next)
}

func TestPeriodDestroyIsTerminal(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))
	s.Destroy()
	s.Destroy()
	require.Equal(t, StateDestroyed, s.State())
	s.Stop()
	require.ErrorIs(t, s.Resume(), ErrDestroyed)
	h.advance(t, 3*time.Second, 500*time.Millisecond)
	require.Equal(t, 0, rec.len())
}

func TestPeriodRejectsInvalidArguments(t *testing.T) {
	h := newHarness(t, epoch)

	_, err := NewPeriod(h.loop, period.Every(0), WithClock(h.clk))
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewPeriod(h.loop, period.Calendar(0, period.Days), WithClock(h.clk))
	require.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = NewPeriod(h.loop, period.Every(time.Second), WithClock(h.clk),
		WithStart(epoch.Add(time.Hour)), WithEnd(epoch))
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewPeriod(nil, period.Every(time.Second))
	require.Error(t, err)
}

func TestPeriodListenerPanicDoesNotStopSchedule(t *testing.T) {
	h := newHarness(t, epoch)
	s, rec := newPeriod(t, h, period.Every(time.Second))
	s.AddListener(func(Firing) { panic("boom") })
	id := s.AddListener(rec.add)

	h.advance(t, 2*time.Second, 100*time.Millisecond)
	flush(t, s)
	// rec is registered twice: once via WithListener, once above.
	require.Equal(t, 4, rec.len())
	require.Equal(t, StateArmed, s.State())

	require.True(t, s.RemoveListener(id))
	h.advance(t, time.Second, 100*time.Millisecond)
	flush(t, s)
	require.Equal(t, 5, rec.len())
}

func TestPeriodSnapshot(t *testing.T) {
	h := newHarness(t, epoch)
	s, _ := newPeriod(t, h, period.Every(time.Minute), WithName("purge"))
	snap := s.Snapshot()
	require.Equal(t, "purge", snap.Name)
	require.Equal(t, "period", snap.Kind)
	require.Equal(t, "armed", snap.State)
	require.Equal(t, "1m0s", snap.Period)
	require.Equal(t, "UTC", snap.Zone)
	require.Equal(t, epoch.Add(time.Minute), snap.Next)
}
