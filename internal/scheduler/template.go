package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"schedcore/internal/dispatch"
	"schedcore/internal/eventbus"
	"schedcore/internal/metrics"
	"schedcore/internal/runloop"
	"schedcore/internal/template"
	"schedcore/internal/timer"
	logx "schedcore/pkg/logx"
)

const kindTemplate = "template"

// TemplateEvent is delivered to TemplateScheduler listeners.
type TemplateEvent[T any] struct {
	Scheduler string
	// At is the instant of the template entry.
	At    time.Time
	Value T
	// CatchUp marks the value already in effect, delivered on start and after a
	// template change. A timer firing has CatchUp false.
	CatchUp bool
	// Observed is the scheduling "now" the value was computed from.
	Observed time.Time
}

// TemplateScheduler delivers store values at their times of day and
// recomputes whenever the store changes.
type TemplateScheduler[T any] struct {
	id      string
	name    string
	store   *template.Store[T]
	clk     clock.Clock
	loop    *runloop.Loop
	timer   *timer.Timer
	zone    *time.Location
	log     logx.Logger
	metrics *metrics.Collector

	listeners dispatch.Listeners[TemplateEvent[T]]

	mu       sync.Mutex
	state    State
	next     template.Value[T]
	hasNext  bool
	lastFire time.Time
	fired    uint64
	unsub    func()
	done     chan struct{}
}

// NewTemplate subscribes to store and schedules the first recompute on loop.
// Listener callbacks run on the store's executor.
func NewTemplate[T any](loop *runloop.Loop, store *template.Store[T], opts ...Option) (*TemplateScheduler[T], error) {
	if loop == nil || store == nil {
		return nil, fmt.Errorf("scheduler: nil loop or store")
	}
	o := buildOptions(opts)
	id := newID()
	name := o.name
	if name == "" {
		name = store.Name()
	}
	s := &TemplateScheduler[T]{
		id:      id,
		name:    orName(name, id),
		store:   store,
		clk:     o.clk,
		loop:    loop,
		zone:    o.zone,
		metrics: o.metrics,
		state:   StateIdle,
		done:    make(chan struct{}),
	}
	s.log = o.log.With(logx.String("comp", "scheduler"), logx.String("kind", kindTemplate), logx.String("sched", s.name))
	for _, v := range o.values {
		fn, ok := v.(func(TemplateEvent[T]))
		if !ok {
			return nil, fmt.Errorf("scheduler: value listener %T does not match template value type", v)
		}
		s.listeners.Add(fn)
	}

	s.timer = timer.New(s.clk, loop)
	s.timer.OnFire(func(f timer.Fire) { s.recompute(f.At, true) })

	ch, unsub := store.Subscribe(16)
	s.unsub = unsub
	go s.pump(ch)

	loop.Submit(func() { s.recompute(s.clk.Now(), false) })
	return s, nil
}

// pump marshals store change notifications onto the scheduling loop. It ends
// when the subscription is closed by Destroy.
func (s *TemplateScheduler[T]) pump(ch <-chan eventbus.Event) {
	for range ch {
		s.loop.Submit(func() { s.recompute(s.clk.Now(), false) })
	}
}

func (s *TemplateScheduler[T]) ID() string   { return s.id }
func (s *TemplateScheduler[T]) Name() string { return s.name }

func (s *TemplateScheduler[T]) Done() <-chan struct{} { return s.done }

func (s *TemplateScheduler[T]) AddListener(fn func(TemplateEvent[T])) dispatch.ListenerID {
	return s.listeners.Add(fn)
}

func (s *TemplateScheduler[T]) RemoveListener(id dispatch.ListenerID) bool {
	return s.listeners.Remove(id)
}

func (s *TemplateScheduler[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next returns the pending value, if armed.
func (s *TemplateScheduler[T]) Next() (template.Value[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.hasNext
}

// recompute delivers the value in effect at now and arms for the next one.
func (s *TemplateScheduler[T]) recompute(now time.Time, fired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	if fired {
		s.lastFire = now
		s.fired++
	}

	if prev, ok := template.PreviousValue[T](now, s.store, s.zone); ok {
		dispatch.Dispatch(s.store.Executor(), &s.listeners, TemplateEvent[T]{
			Scheduler: s.name,
			At:        prev.At,
			Value:     prev.Value,
			CatchUp:   !fired,
			Observed:  now,
		})
		if fired {
			s.metrics.Fired(kindTemplate, s.name)
		} else {
			s.metrics.CaughtUp(s.name)
		}
	}

	next, ok := template.NextValue[T](now, s.store, s.zone)
	if !ok {
		s.timer.Stop()
		s.next, s.hasNext = template.Value[T]{}, false
		s.state = StateIdle
		s.metrics.Disarmed(kindTemplate, s.name)
		s.log.Debug("no upcoming template value; idle")
		return
	}
	if err := s.timer.SetDelay(next.At.Sub(now)); err != nil {
		return
	}
	s.next, s.hasNext = next, true
	s.state = StateArmed
	s.metrics.Rearmed(kindTemplate, s.name)
	s.log.Trace("armed", logx.Time("next", next.At))
}

// Destroy detaches from the store, then releases the timer. Terminal.
func (s *TemplateScheduler[T]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	if s.unsub != nil {
		s.unsub()
	}
	s.timer.Destroy()
	s.state = StateDestroyed
	s.hasNext = false
	close(s.done)
	s.metrics.Disarmed(kindTemplate, s.name)
}

// Flush waits until recomputes and deliveries queued so far have run.
func (s *TemplateScheduler[T]) Flush(ctx context.Context) error {
	if err := s.loop.Flush(ctx); err != nil {
		return err
	}
	if err := s.store.Executor().Flush(ctx); err != nil && !errors.Is(err, runloop.ErrClosed) {
		return err
	}
	return nil
}

func (s *TemplateScheduler[T]) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:       s.id,
		Name:     s.name,
		Kind:     kindTemplate,
		State:    s.state.String(),
		Zone:     s.zone.String(),
		LastFire: s.lastFire,
		Firings:  s.fired,
	}
	if s.hasNext {
		snap.Next = s.next.At
	}
	return snap
}
