// Package runloop provides the single logical processing thread used by the schedulers.
//
// Timer firings, template change notifications and config change notifications are
// all submitted to a Loop as discrete tasks. Tasks run one at a time, in FIFO order,
// on a goroutine owned by the loop. Submit never blocks and never drops a task.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "schedcore/pkg/logx"
)

// ErrClosed is returned by Flush when the loop was closed before the barrier ran.
var ErrClosed = errors.New("runloop: closed")

type Loop struct {
	name string
	log  logx.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New creates a loop and starts its goroutine.
func New(name string, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		name: name,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Name() string { return l.name }

// Submit enqueues fn. It returns false if the loop is closed.
// Safe to call from any goroutine, including from a task running on this loop.
func (l *Loop) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued, not yet started tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	n := len(l.queue)
	l.mu.Unlock()
	return n
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

// Flush waits until every task submitted before the call has run.
// On a closed loop it waits for the queue to drain and returns ErrClosed.
// Must not be called from a task running on the same loop.
func (l *Loop) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !l.Submit(func() { close(barrier) }) {
		select {
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-barrier:
		return nil
	case <-l.done:
		select {
		case <-barrier:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs whatever is already queued and waits for the
// loop goroutine to exit (or ctx to expire).
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.log.Error("task panicked",
				logx.String("loop", l.name),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	l.executed.Add(1)
	fn()
}
