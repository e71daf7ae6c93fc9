// Package scheduler implements the period, template and config-driven
// schedulers on top of the one-shot timer.
//
// Every scheduler state transition runs as a task on a runloop.Loop (the
// scheduling thread). Stop and Destroy may be called from any goroutine and take
// effect before they return; a notification already handed to the listener
// executor may still be delivered once afterwards.
package scheduler

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"schedcore/internal/dispatch"
	"schedcore/internal/metrics"
	"schedcore/internal/period"
	logx "schedcore/pkg/logx"
)

var (
	// ErrInvalidPeriod is period.ErrInvalidPeriod, re-exported for callers of this package.
	ErrInvalidPeriod = period.ErrInvalidPeriod
	ErrInvalidRange  = errors.New("invalid range: start after end")
	ErrDestroyed     = errors.New("scheduler destroyed")
)

type State int

const (
	StateStopped State = iota
	StateIdle
	StateArmed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Firing is delivered to PeriodScheduler and ConfigScheduler listeners.
type Firing struct {
	Scheduler string
	// Target is the boundary this firing was scheduled for.
	Target time.Time
	// At is when the timer actually fired.
	At  time.Time
	Seq uint64
}

// Snapshot is a point-in-time view of a scheduler, for logs and the HTTP surface.
type Snapshot struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	State    string    `json:"state"`
	Period   string    `json:"period,omitempty"`
	Zone     string    `json:"zone"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	LastFire time.Time `json:"last_fire,omitempty"`
	Firings  uint64    `json:"firings"`
}

type Option func(*options)

type options struct {
	clk     clock.Clock
	zone    *time.Location
	start   time.Time
	end     time.Time
	aligned bool
	name    string
	log     logx.Logger
	metrics *metrics.Collector

	exec      *dispatch.Executor
	listeners []func(Firing)
	values    []any // func(TemplateEvent[T]) for the matching T

	initial *initialValues

	// sink routes firings of an inner scheduler to its owner's listeners.
	sink *dispatch.Listeners[Firing]
}

type initialValues struct {
	period     period.Period
	start, end time.Time
}

// WithClock sets the time source. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithZone sets the zone for calendar arithmetic and template lookups (default time.Local).
func WithZone(loc *time.Location) Option { return func(o *options) { o.zone = loc } }

// WithStart sets the first target. Without it the first firing is one period after construction.
func WithStart(t time.Time) Option { return func(o *options) { o.start = t } }

// WithEnd sets the instant after which no firing is delivered.
func WithEnd(t time.Time) Option { return func(o *options) { o.end = t } }

// Aligned starts at the next aligned boundary of the period (top of the hour
// for "1 HOURS", the 1st for "1 MONTHS"). Ignored when WithStart is given.
func Aligned() Option { return func(o *options) { o.aligned = true } }

func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Collector) Option { return func(o *options) { o.metrics = m } }

// WithExecutor delivers listener callbacks on x instead of a scheduler-owned executor.
func WithExecutor(x *dispatch.Executor) Option { return func(o *options) { o.exec = x } }

// WithListener registers fn before the scheduler starts, so no firing can be missed.
func WithListener(fn func(Firing)) Option {
	return func(o *options) { o.listeners = append(o.listeners, fn) }
}

// WithValueListener registers a template listener before the scheduler starts.
func WithValueListener[T any](fn func(TemplateEvent[T])) Option {
	return func(o *options) { o.values = append(o.values, fn) }
}

// WithInitial supplies the values a ConfigScheduler runs with until its record
// is first seen active.
func WithInitial(p period.Period, start, end time.Time) Option {
	return func(o *options) { o.initial = &initialValues{period: p, start: start, end: end} }
}

func withSink(ls *dispatch.Listeners[Firing], x *dispatch.Executor) Option {
	return func(o *options) {
		o.sink = ls
		o.exec = x
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	if o.zone == nil {
		o.zone = time.Local
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

func newID() string { return uuid.NewString() }

func orName(name, id string) string {
	if name != "" {
		return name
	}
	return id[:8]
}

func checkRange(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return ErrInvalidRange
	}
	return nil
}
