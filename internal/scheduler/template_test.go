package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedcore/internal/template"
)

func newStore(t *testing.T) *template.Store[string] {
	t.Helper()
	st := template.NewStore[string]("heating")
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func newTemplateSched(t *testing.T, h *harness, st *template.Store[string]) (*TemplateScheduler[string], *recorder[TemplateEvent[string]]) {
	t.Helper()
	rec := &recorder[TemplateEvent[string]]{}
	s, err := NewTemplate(h.loop, st,
		WithClock(h.clk),
		WithZone(time.UTC),
		WithValueListener(rec.add),
	)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	h.settle(t)
	flush(t, s)
	return s, rec
}

func values(evs []TemplateEvent[string]) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Value)
	}
	return out
}

func TestTemplateFiresAtTimesOfDay(t *testing.T) {
	h := newHarness(t, epoch)
	st := newStore(t)
	require.NoError(t, st.SetDefaultValues(map[template.TimeOfDay]string{
		template.At(3, 17, 0):  "0",
		template.At(7, 23, 0):  "1",
		template.At(14, 23, 0): "2",
	}))
	s, rec := newTemplateSched(t, h, st)

	got := rec.all()
	require.Len(t, got, 1)
	require.True(t, got[0].CatchUp)
	require.Equal(t, "2", got[0].Value)
	require.Equal(t, epoch.Add(-24*time.Hour).Add(14*time.Hour+23*time.Minute), got[0].At)
	require.Equal(t, StateArmed, s.State())

	h.advance(t, 24*time.Hour, 30*time.Minute)
	flush(t, s)
	got = rec.all()
	require.Equal(t, []string{"2", "0", "1", "2"}, values(got))
	require.Equal(t, epoch.Add(3*time.Hour+17*time.Minute), got[1].At)
	require.Equal(t, epoch.Add(7*time.Hour+23*time.Minute), got[2].At)
	require.Equal(t, epoch.Add(14*time.Hour+23*time.Minute), got[3].At)
	for _, e := range got[1:] {
		require.False(t, e.CatchUp)
		require.WithinDuration(t, e.At, e.Observed, time.Hour)
	}

	next, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, epoch.Add(24*time.Hour+3*time.Hour+17*time.Minute), next.At)
	require.Equal(t, uint64(3), s.Snapshot().Firings)
}

func TestTemplateWeekdayOverridesDefault(t *testing.T) {
	wed := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, wed)
	st := newStore(t)
	require.NoError(t, st.AddValue(time.Thursday, template.At(8, 0, 0), "thu"))
	require.NoError(t, st.AddValue(time.Saturday, template.At(9, 0, 0), "sat"))
	require.NoError(t, st.AddDefaultValue(template.At(12, 0, 0), "def"))
	s, rec := newTemplateSched(t, h, st)

	h.advance(t, 4*24*time.Hour, time.Hour)
	flush(t, s)
	got := rec.all()
	require.Equal(t, []string{"def", "def", "thu", "def", "sat"}, values(got))
	require.True(t, got[0].CatchUp)
	require.Equal(t, wed.Add(-12*time.Hour), got[0].At)
	require.Equal(t, wed.Add(12*time.Hour), got[1].At)
	require.Equal(t, wed.Add(24*time.Hour+8*time.Hour), got[2].At)
	require.Equal(t, wed.Add(2*24*time.Hour+12*time.Hour), got[3].At)
	require.Equal(t, wed.Add(3*24*time.Hour+9*time.Hour), got[4].At)
}

func TestTemplateChangeTriggersCatchUpAndRearm(t *testing.T) {
	h := newHarness(t, epoch)
	st := newStore(t)
	s, rec := newTemplateSched(t, h, st)
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 0, rec.len())

	require.NoError(t, st.AddDefaultValue(template.At(1, 0, 0), "a"))
	require.Eventually(t, func() bool { return s.State() == StateArmed }, time.Second, time.Millisecond)
	flush(t, s)
	got := rec.all()
	require.Len(t, got, 1)
	require.True(t, got[0].CatchUp)
	require.Equal(t, epoch.Add(-23*time.Hour), got[0].At)

	h.advance(t, 2*time.Hour, 30*time.Minute)
	flush(t, s)
	require.Equal(t, []string{"a", "a"}, values(rec.all()))

	require.NoError(t, st.SetDefaultValues(map[template.TimeOfDay]string{template.At(5, 0, 0): "b"}))
	require.Eventually(t, func() bool {
		next, ok := s.Next()
		return ok && next.Value == "b"
	}, time.Second, time.Millisecond)
	flush(t, s)
	got = rec.all()
	require.Len(t, got, 3)
	require.True(t, got[2].CatchUp)
	require.Equal(t, "b", got[2].Value)
	next, _ := s.Next()
	require.Equal(t, epoch.Add(5*time.Hour), next.At)

	st.ClearDefault()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	_, ok := s.Next()
	require.False(t, ok)
}

func TestTemplateDestroyDetachesFromStore(t *testing.T) {
	h := newHarness(t, epoch)
	st := newStore(t)
	require.NoError(t, st.AddDefaultValue(template.At(1, 0, 0), "a"))
	s, rec := newTemplateSched(t, h, st)
	require.Equal(t, 1, rec.len())

	s.Destroy()
	s.Destroy()
	require.Equal(t, StateDestroyed, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}

	require.NoError(t, st.AddDefaultValue(template.At(2, 0, 0), "b"))
	h.advance(t, 3*time.Hour, 30*time.Minute)
	flush(t, s)
	require.Equal(t, 1, rec.len())
}

func TestTemplateRejectsMismatchedValueListener(t *testing.T) {
	h := newHarness(t, epoch)
	st := newStore(t)
	_, err := NewTemplate(h.loop, st, WithClock(h.clk), WithValueListener(func(TemplateEvent[int]) {}))
	require.Error(t, err)

	_, err = NewTemplate[string](h.loop, nil)
	require.Error(t, err)
}

func TestTemplateNameDefaultsToStore(t *testing.T) {
	h := newHarness(t, epoch)
	st := newStore(t)
	s, _ := newTemplateSched(t, h, st)
	require.Equal(t, "heating", s.Name())
	snap := s.Snapshot()
	require.Equal(t, "template", snap.Kind)
	require.Equal(t, "idle", snap.State)
}
