package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	s.Go("ok", func(ctx context.Context) error { return nil })
	s.Go("bad", func(ctx context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("panics", func(ctx context.Context) error { panic("oops") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("cancel-on-error did not cancel")
	}
	err := s.Stop(context.Background())
	require.ErrorContains(t, err, "panics: panic: oops")
	require.Equal(t, uint64(1), s.Snapshot().Tasks[0].Panics)
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Equal(t, int32(3), runs.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 1)
	require.Equal(t, uint64(2), snap.Tasks[0].Restarts)
	require.Equal(t, int64(0), snap.Tasks[0].Active)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		runs.Add(1)
		panic("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx))
	require.Equal(t, int32(3), runs.Load())
	require.Equal(t, uint64(3), s.Snapshot().Tasks[0].Panics)
}

func TestStopCancelsLongRunning(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
