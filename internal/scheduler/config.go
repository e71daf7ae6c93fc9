package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"schedcore/internal/config"
	"schedcore/internal/dispatch"
	"schedcore/internal/eventbus"
	"schedcore/internal/runloop"
	logx "schedcore/pkg/logx"
)

const kindConfig = "config"

// ConfigScheduler is a PeriodScheduler whose period, start and end come from a
// config record, re-read at every decision. An absent, inactive or malformed
// record keeps it stopped without error; activation or a period/start change
// restarts it, an end-only change moves the end of the running schedule.
type ConfigScheduler struct {
	id      string
	name    string
	records config.RecordStore
	loop    *runloop.Loop
	opts    options
	log     logx.Logger

	exec      *dispatch.Executor
	ownExec   bool
	listeners dispatch.Listeners[Firing]

	mu         sync.Mutex
	inner      *PeriodScheduler
	current    config.Resolved
	running    bool // inner was created from current and not stopped by the record
	seenActive bool
	destroyed  bool
	unsub      func()
	done       chan struct{}

	// queued is set while a reconcile sits on the loop; further notifications
	// fold into it.
	queued     atomic.Bool
	reconciles atomic.Uint64
}

// NewConfig tracks the record called name in records. With WithInitial the
// given values run until the record is first seen active.
func NewConfig(loop *runloop.Loop, records config.RecordStore, name string, opts ...Option) (*ConfigScheduler, error) {
	if loop == nil || records == nil {
		return nil, fmt.Errorf("scheduler: nil loop or record store")
	}
	if name == "" {
		return nil, fmt.Errorf("scheduler: record name required")
	}
	o := buildOptions(opts)
	if o.initial != nil {
		if err := o.initial.period.Validate(); err != nil {
			return nil, err
		}
		if err := checkRange(o.initial.start, o.initial.end); err != nil {
			return nil, err
		}
	}

	s := &ConfigScheduler{
		id:      newID(),
		name:    name,
		records: records,
		loop:    loop,
		opts:    o,
		done:    make(chan struct{}),
	}
	s.log = o.log.With(logx.String("comp", "scheduler"), logx.String("kind", kindConfig), logx.String("sched", name))
	s.exec = o.exec
	if s.exec == nil {
		s.exec = dispatch.NewExecutor("config:"+name, s.log, dispatch.WithMetrics(o.metrics))
		s.ownExec = true
	}
	for _, fn := range o.listeners {
		s.listeners.Add(fn)
	}

	ch, unsub := records.SubscribeRecords(16)
	s.unsub = unsub
	go s.pump(ch)

	s.schedule()
	return s, nil
}

// pump reconciles on every record notification, not only the ones naming this
// record: the bus drops events for a full subscriber, and the next delivered
// event of any kind is what guarantees a fresh read.
func (s *ConfigScheduler) pump(ch <-chan eventbus.Event) {
	for ev := range ch {
		if rc, ok := ev.Data.(config.RecordsChange); ok && rc.Has(s.name) {
			s.log.Debug("schedule record changed")
		}
		s.schedule()
	}
}

func (s *ConfigScheduler) schedule() {
	if !s.queued.CompareAndSwap(false, true) {
		return
	}
	s.loop.Submit(func() {
		s.queued.Store(false)
		s.reconcile()
	})
}

func (s *ConfigScheduler) ID() string   { return s.id }
func (s *ConfigScheduler) Name() string { return s.name }

func (s *ConfigScheduler) Done() <-chan struct{} { return s.done }

func (s *ConfigScheduler) AddListener(fn func(Firing)) dispatch.ListenerID {
	return s.listeners.Add(fn)
}

func (s *ConfigScheduler) RemoveListener(id dispatch.ListenerID) bool {
	return s.listeners.Remove(id)
}

// State is Armed while the inner scheduler has a pending firing, Destroyed
// after Destroy, and Stopped otherwise (inactive record, expired, not started).
func (s *ConfigScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return StateDestroyed
	}
	if s.inner == nil {
		return StateStopped
	}
	if st := s.inner.State(); st == StateArmed {
		return StateArmed
	}
	return StateStopped
}

// reconcile runs on the loop. It reads the record fresh every time.
func (s *ConfigScheduler) reconcile() {
	defer s.reconciles.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	want, active, outcome := s.desiredLocked()
	if !active {
		if s.inner != nil && s.running {
			s.inner.Stop()
		}
		s.running = false
		s.outcome(outcome)
		return
	}

	switch {
	case s.inner == nil || !s.running:
		s.restartLocked(want)
		s.outcome("started")
	case isDone(s.inner) && want.Equal(s.current):
		// Expired and nothing changed; stay stopped until the record changes.
		s.outcome("expired")
	case isDone(s.inner) || !want.SameShape(s.current):
		s.restartLocked(want)
		s.outcome("restarted")
	case !want.End.Equal(s.current.End):
		if err := s.inner.SetEndTime(want.End); err != nil {
			s.log.Debug("end update failed; restarting", logx.Err(err))
			s.restartLocked(want)
			s.outcome("restarted")
			return
		}
		s.current = want
		s.outcome("end_updated")
	default:
		// Most notifications are about other records; not worth a sample.
	}
}

// desiredLocked resolves what should run: the active record, else the initial
// values while the record was never active.
func (s *ConfigScheduler) desiredLocked() (config.Resolved, bool, string) {
	malformed := false
	if rec, ok := s.records.Record(s.name); ok && rec.Active {
		want, err := rec.Resolve()
		if err == nil {
			s.seenActive = true
			return want, true, ""
		}
		s.log.Debug("schedule record malformed; treating as inactive", logx.Err(err))
		malformed = true
	}
	if !s.seenActive && s.opts.initial != nil {
		return config.Resolved{
			Period: s.opts.initial.period,
			Start:  s.opts.initial.start,
			End:    s.opts.initial.end,
		}, true, ""
	}
	if malformed {
		return config.Resolved{}, false, "malformed"
	}
	return config.Resolved{}, false, "inactive"
}

func (s *ConfigScheduler) restartLocked(want config.Resolved) {
	if s.inner != nil {
		s.inner.Destroy()
		s.inner = nil
	}
	opts := []Option{
		WithClock(s.opts.clk),
		WithZone(s.opts.zone),
		WithStart(want.Start),
		WithEnd(want.End),
		WithName(s.name),
		WithLogger(s.opts.log),
		WithMetrics(s.opts.metrics),
		withSink(&s.listeners, s.exec),
	}
	if s.opts.aligned {
		opts = append(opts, Aligned())
	}
	inner, err := NewPeriod(s.loop, want.Period, opts...)
	if err != nil {
		// Resolve already validated; only a nil loop gets here.
		s.log.Warn("schedule restart failed", logx.Err(err))
		s.running = false
		return
	}
	s.inner = inner
	s.current = want
	s.running = true
	s.log.Debug("schedule (re)started",
		logx.String("period", want.Period.String()),
		logx.Time("start", want.Start),
		logx.Time("end", want.End),
	)
}

func (s *ConfigScheduler) outcome(o string) {
	s.opts.metrics.Reconciled(s.name, o)
}

func isDone(p *PeriodScheduler) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// Destroy detaches from the record store and destroys the running schedule. Terminal.
func (s *ConfigScheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.unsub != nil {
		s.unsub()
	}
	if s.inner != nil {
		s.inner.Destroy()
	}
	close(s.done)
	if s.ownExec {
		go func() { _ = s.exec.Close(context.Background()) }()
	}
}

// Flush waits until reconciles and deliveries queued so far have run.
func (s *ConfigScheduler) Flush(ctx context.Context) error {
	if err := s.loop.Flush(ctx); err != nil {
		return err
	}
	if err := s.exec.Flush(ctx); err != nil && !errors.Is(err, runloop.ErrClosed) {
		return err
	}
	return nil
}

func (s *ConfigScheduler) Snapshot() Snapshot {
	s.mu.Lock()
	inner := s.inner
	destroyed := s.destroyed
	s.mu.Unlock()

	snap := Snapshot{ID: s.id, Name: s.name, State: StateStopped.String(), Zone: s.opts.zone.String()}
	if inner != nil {
		snap = inner.Snapshot()
		snap.ID = s.id
		if snap.State == StateDestroyed.String() {
			snap.State = StateStopped.String()
		}
	}
	if destroyed {
		snap.State = StateDestroyed.String()
	}
	snap.Kind = kindConfig
	return snap
}
