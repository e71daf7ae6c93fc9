// Package dispatch delivers scheduler events to listeners.
//
// Listeners is an observer list behind a mutex. Executor is an isolated
// single-goroutine FIFO executor: slow listener code delays other listeners on the
// same executor but never the scheduling loop. A panicking listener is isolated;
// the remaining listeners of the same dispatch still run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"schedcore/internal/metrics"
	"schedcore/internal/runloop"
	logx "schedcore/pkg/logx"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listener[E any] struct {
	id ListenerID
	fn func(E)
}

// Listeners is an ordered, concurrency-safe listener list.
// The zero value is ready to use.
type Listeners[E any] struct {
	mu  sync.RWMutex
	seq ListenerID
	ls  []listener[E]
}

// Add registers fn and returns its id. Registration is additive: the same
// function added twice is called twice.
func (l *Listeners[E]) Add(fn func(E)) ListenerID {
	if fn == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.ls = append(l.ls, listener[E]{id: l.seq, fn: fn})
	return l.seq
}

// Remove unregisters id. Notifications already snapshotted still reach it.
func (l *Listeners[E]) Remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.ls {
		if x.id == id {
			l.ls = append(l.ls[:i:i], l.ls[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Listeners[E]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ls)
}

func (l *Listeners[E]) snapshot() []listener[E] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]listener[E](nil), l.ls...)
}

// Executor runs listener deliveries on its own goroutine.
type Executor struct {
	name    string
	loop    *runloop.Loop
	log     logx.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter
}

type Option func(*Executor)

func WithMetrics(m *metrics.Collector) Option { return func(e *Executor) { e.metrics = m } }

// WithWarnRate caps how often listener failures are logged at warn level.
func WithWarnRate(every time.Duration, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

func NewExecutor(name string, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		name:    name,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	for _, o := range opts {
		o(e)
	}
	e.loop = runloop.New("dispatch:"+name, log)
	return e
}

func (e *Executor) Name() string { return e.name }

// Flush waits until every delivery queued before the call has completed.
func (e *Executor) Flush(ctx context.Context) error { return e.loop.Flush(ctx) }

// Close drains queued deliveries and stops the executor goroutine.
func (e *Executor) Close(ctx context.Context) error { return e.loop.Close(ctx) }

// Dispatch snapshots the listener list now and queues one delivery of ev to each
// listener on x. Listeners removed after this call still receive ev.
func Dispatch[E any](x *Executor, ls *Listeners[E], ev E) {
	if x == nil || ls == nil {
		return
	}
	snap := ls.snapshot()
	if len(snap) == 0 {
		return
	}
	x.loop.Submit(func() {
		var errs *multierror.Error
		for _, l := range snap {
			if err := invoke(l.fn, ev); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("listener %d: %w", l.id, err))
			}
		}
		if errs != nil {
			x.reportFailures(errs)
		}
	})
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func invoke[E any](fn func(E), ev E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	fn(ev)
	return nil
}

func (e *Executor) reportFailures(errs *multierror.Error) {
	n := errs.Len()
	e.metrics.ListenerFailed(e.name, n)

	allow := e.limiter.Allow()
	fields := []logx.Field{
		logx.String("executor", e.name),
		logx.Int("failed", n),
		logx.Err(errs.ErrorOrNil()),
	}
	var pe *panicError
	if errors.As(errs.Errors[0], &pe) {
		fields = append(fields, logx.Stack(pe.stack))
	}
	if allow {
		e.log.Warn("listener failed", fields...)
		return
	}
	e.log.Debug("listener failed", fields...)
}
