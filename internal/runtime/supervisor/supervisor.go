// Package supervisor runs the daemon's long-lived goroutines (config watcher,
// HTTP surface, firing recorders) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "schedcore/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context:
// named goroutines, panic recovery, optional cancel-on-first-error and a
// timeout-aware Stop.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*TaskStats
}

type Option func(*Supervisor)

// TaskStats is a best-effort view of one named task, for the debug endpoint.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		snap.Tasks = append(snap.Tasks, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) task(name string) *TaskStats {
	st := s.stats[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	st := s.task(name)
	st.Started++
	if restart {
		st.Restarts++
	}
	st.Active++
	st.LastStartAt = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.task(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = time.Now()
	if err != nil {
		st.LastErr = err.Error()
	}
	if panicked {
		st.Panics++
	}
	s.mu.Unlock()
}

// run calls fn once, converting a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return fn(s.ctx), false
}

func (s *Supervisor) spawn(name string, body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once. A non-cancellation error (or panic) becomes the
// supervisor's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))
		err, panicked := s.run(name, fn)
		if err != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		}
		s.noteStop(name, err, panicked)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts uint64 // 0 means unlimited
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption {
	return func(c *restartCfg) {
		if n > 0 {
			c.maxRestarts = uint64(n)
		}
	}
}

// GoRestart runs fn and restarts it with exponential backoff after an error or
// panic, until the context is cancelled or fn returns nil. Giving up after
// WithMaxRestarts records the last error as the supervisor's first error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.spawn(name, func() {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = cfg.minBackoff
		eb.MaxInterval = cfg.maxBackoff
		eb.RandomizationFactor = 0.2
		eb.MaxElapsedTime = 0
		eb.Reset()

		var bo backoff.BackOff = eb
		if cfg.maxRestarts > 0 {
			bo = backoff.WithMaxRetries(eb, cfg.maxRestarts)
		}
		bo = backoff.WithContext(bo, s.ctx)

		restarts := 0
		op := func() error {
			s.noteStart(name, restarts > 0)
			startedAt := time.Now()
			err, panicked := s.run(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil, panicked)
				return nil
			}
			s.noteStop(name, err, panicked)
			if err == nil {
				return nil
			}
			restarts++
			// A long healthy run resets the backoff window.
			if time.Since(startedAt) >= 30*time.Second {
				eb.Reset()
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		notify := func(err error, wait time.Duration) {
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		}

		if err := backoff.RetryNotify(op, bo, notify); err != nil && s.ctx.Err() == nil {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(err)
		}
	})
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
