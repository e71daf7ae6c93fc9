package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"schedcore/internal/dispatch"
	"schedcore/internal/metrics"
	"schedcore/internal/period"
	"schedcore/internal/runloop"
	"schedcore/internal/timer"
	logx "schedcore/pkg/logx"
)

const kindPeriod = "period"

// PeriodScheduler fires at start (or one period after construction), then every
// period, until end. A missed wakeup skips to the next future boundary instead
// of replaying the backlog.
type PeriodScheduler struct {
	id      string
	name    string
	clk     clock.Clock
	loop    *runloop.Loop
	timer   *timer.Timer
	log     logx.Logger
	metrics *metrics.Collector

	exec      *dispatch.Executor
	ownExec   bool
	listeners *dispatch.Listeners[Firing]

	mu       sync.Mutex
	period   period.Period
	zone     *time.Location
	start    time.Time
	end      time.Time
	next     time.Time
	lastFire time.Time
	state    State
	pending  bool // initial arm-check queued and not cancelled
	fired    uint64
	done     chan struct{}
}

// NewPeriod validates the arguments and schedules the initial arm on loop.
// It never fires synchronously.
func NewPeriod(loop *runloop.Loop, p period.Period, opts ...Option) (*PeriodScheduler, error) {
	if loop == nil {
		return nil, fmt.Errorf("scheduler: nil loop")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if err := checkRange(o.start, o.end); err != nil {
		return nil, err
	}

	id := newID()
	s := &PeriodScheduler{
		id:      id,
		name:    orName(o.name, id),
		clk:     o.clk,
		loop:    loop,
		metrics: o.metrics,
		period:  p,
		zone:    o.zone,
		start:   o.start,
		end:     o.end,
		state:   StateStopped,
		pending: true,
		done:    make(chan struct{}),
	}
	s.log = o.log.With(logx.String("comp", "scheduler"), logx.String("kind", kindPeriod), logx.String("sched", s.name))

	if o.sink != nil {
		s.listeners = o.sink
	} else {
		s.listeners = &dispatch.Listeners[Firing]{}
	}
	s.exec = o.exec
	if s.exec == nil {
		s.exec = dispatch.NewExecutor("period:"+s.name, s.log, dispatch.WithMetrics(o.metrics))
		s.ownExec = true
	}
	for _, fn := range o.listeners {
		s.listeners.Add(fn)
	}

	if s.start.IsZero() && o.aligned {
		at, err := p.NextAligned(s.clk.Now(), s.zone)
		if err != nil {
			return nil, err
		}
		s.start = at
	}

	s.timer = timer.New(s.clk, loop)
	s.timer.OnFire(s.onFire)
	loop.Submit(s.armCheck)
	return s, nil
}

func (s *PeriodScheduler) ID() string   { return s.id }
func (s *PeriodScheduler) Name() string { return s.name }

// Done is closed when the scheduler is destroyed, explicitly or past its end.
func (s *PeriodScheduler) Done() <-chan struct{} { return s.done }

func (s *PeriodScheduler) AddListener(fn func(Firing)) dispatch.ListenerID {
	return s.listeners.Add(fn)
}

func (s *PeriodScheduler) RemoveListener(id dispatch.ListenerID) bool {
	return s.listeners.Remove(id)
}

func (s *PeriodScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeriodScheduler) armCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending || s.state == StateDestroyed {
		return
	}
	s.pending = false

	now := s.clk.Now()
	if s.start.IsZero() {
		s.next = s.period.Next(now, s.zone)
	} else {
		s.next = s.start
	}
	if s.expiredLocked(s.next) {
		s.log.Debug("first target after end; destroying", logx.Time("next", s.next), logx.Time("end", s.end))
		s.destroyLocked(true)
		return
	}
	s.armLocked(now)
}

func (s *PeriodScheduler) armLocked(now time.Time) {
	d := s.next.Sub(now)
	if d < 0 {
		d = 0
	}
	if err := s.timer.SetDelay(d); err != nil {
		return
	}
	s.state = StateArmed
	s.metrics.Rearmed(kindPeriod, s.name)
	s.log.Trace("armed", logx.Time("next", s.next), logx.Duration("delay", d))
}

func (s *PeriodScheduler) onFire(f timer.Fire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed {
		return
	}
	now := f.At
	target := s.next

	// End was moved before this target after it was armed.
	if s.expiredLocked(target) {
		s.destroyLocked(true)
		return
	}

	s.lastFire = now
	s.fired++
	dispatch.Dispatch(s.exec, s.listeners, Firing{Scheduler: s.name, Target: target, At: now, Seq: s.fired})
	s.metrics.Fired(kindPeriod, s.name)

	next, ok := s.advance(target, now)
	if !ok {
		s.log.Info("period has no further occurrence; destroying", logx.String("period", s.period.String()))
		s.destroyLocked(true)
		return
	}
	s.next = next
	if s.expiredLocked(s.next) {
		s.log.Debug("next target after end; destroying", logx.Time("next", s.next), logx.Time("end", s.end))
		s.destroyLocked(true)
		return
	}
	s.armLocked(now)
}

// advance steps from target until strictly after now. Fixed-length periods
// skip the backlog arithmetically.
func (s *PeriodScheduler) advance(target, now time.Time) (time.Time, bool) {
	next := target
	if step := s.fixedStep(); step > 0 && now.Sub(next) > step {
		n := now.Sub(next) / step
		next = next.Add(n * step)
	}
	for !next.After(now) {
		n := s.period.Next(next, s.zone)
		if n.IsZero() || !n.After(next) {
			return time.Time{}, false
		}
		next = n
	}
	return next, true
}

func (s *PeriodScheduler) fixedStep() time.Duration {
	switch s.period.Kind() {
	case period.KindDuration:
		return s.period.Duration()
	case period.KindCalendar:
		if !s.period.Unit().IsCalendar() {
			return time.Duration(s.period.Factor()) * s.period.Unit().Duration()
		}
	}
	return 0
}

func (s *PeriodScheduler) expiredLocked(t time.Time) bool {
	return !s.end.IsZero() && t.After(s.end)
}

// SetEndTime changes the end. A zero end removes it. An end at or before the
// last firing destroys the scheduler immediately.
func (s *PeriodScheduler) SetEndTime(end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrDestroyed
	}
	if err := checkRange(s.start, end); err != nil {
		return err
	}
	s.end = end
	if !end.IsZero() && !s.lastFire.IsZero() && !end.After(s.lastFire) {
		s.log.Debug("end moved before last firing; destroying", logx.Time("end", end))
		s.destroyLocked(true)
	}
	return nil
}

func (s *PeriodScheduler) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Stop cancels the pending firing. State is kept for Resume.
func (s *PeriodScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}
	s.pending = false
	s.timer.Stop()
	s.state = StateStopped
	s.metrics.Disarmed(kindPeriod, s.name)
}

// Resume fires now and then continues normally. It has no effect while armed
// or before the initial arm-check has run.
func (s *PeriodScheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrDestroyed
	}
	if s.state == StateArmed || s.pending {
		return nil
	}
	s.pending = false
	now := s.clk.Now()
	s.next = now
	s.armLocked(now)
	return nil
}

// Destroy is terminal and releases the timer.
func (s *PeriodScheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(false)
}

func (s *PeriodScheduler) destroyLocked(expired bool) {
	if s.state == StateDestroyed {
		return
	}
	s.pending = false
	s.timer.Destroy()
	s.state = StateDestroyed
	close(s.done)
	if expired {
		s.metrics.Expired(kindPeriod, s.name)
	} else {
		s.metrics.Disarmed(kindPeriod, s.name)
	}
	if s.ownExec {
		// Close waits for queued deliveries; those may call back into this scheduler.
		go func() { _ = s.exec.Close(context.Background()) }()
	}
}

// Flush waits until listener deliveries queued so far have run.
func (s *PeriodScheduler) Flush(ctx context.Context) error {
	if err := s.loop.Flush(ctx); err != nil {
		return err
	}
	if err := s.exec.Flush(ctx); err != nil && !errors.Is(err, runloop.ErrClosed) {
		return err
	}
	return nil
}

func (s *PeriodScheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:       s.id,
		Name:     s.name,
		Kind:     kindPeriod,
		State:    s.state.String(),
		Period:   s.period.String(),
		Zone:     s.zone.String(),
		Start:    s.start,
		End:      s.end,
		Next:     s.next,
		LastFire: s.lastFire,
		Firings:  s.fired,
	}
}
