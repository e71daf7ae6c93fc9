// Package timer implements the one-shot timer primitive the schedulers are built on.
//
// A Timer fires its listeners at most once per arm, after an explicit delay. Firings
// are delivered as tasks on a runloop.Loop, never on the clock's goroutine, so every
// listener runs on the scheduling thread. The fire time recorded when the underlying
// clock timer expires is authoritative "now" for rearm math.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"schedcore/internal/runloop"
)

// ErrDestroyed is returned when arming a destroyed timer.
var ErrDestroyed = errors.New("timer: destroyed")

// Fire is passed to listeners when the timer expires.
type Fire struct {
	Timer *Timer
	At    time.Time
}

type Timer struct {
	clk  clock.Clock
	loop *runloop.Loop

	mu        sync.Mutex
	t         *clock.Timer
	interval  time.Duration
	running   bool
	destroyed bool
	lastFire  time.Time
	// gen is bumped on every arm/stop so callbacks from a superseded clock timer are ignored.
	gen       uint64
	listeners []func(Fire)
}

// New returns a stopped timer. clk may be nil (wall clock).
func New(clk clock.Clock, loop *runloop.Loop) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clk: clk, loop: loop}
}

// OnFire registers a listener. Listeners run on the loop, in registration order.
func (t *Timer) OnFire(fn func(Fire)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// SetDelay (re)arms the timer to fire once after d. Negative delays fire immediately.
// Any pending firing is replaced.
func (t *Timer) SetDelay(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	if d < 0 {
		d = 0
	}
	t.interval = d
	t.armLocked()
	return nil
}

// Stop cancels the pending firing, if any. The interval is kept for Resume.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Resume re-arms the timer with its last interval if it is not running.
func (t *Timer) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	if t.running {
		return nil
	}
	t.armLocked()
	return nil
}

// Destroy cancels any pending firing and releases listeners. Terminal.
func (t *Timer) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.destroyed = true
	t.listeners = nil
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Interval returns the delay used by the most recent arm.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// LastFireTime returns the instant of the most recent firing (zero if never fired).
func (t *Timer) LastFireTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFire
}

// Now exposes the timer's clock.
func (t *Timer) Now() time.Time { return t.clk.Now() }

func (t *Timer) armLocked() {
	t.stopLocked()
	t.gen++
	gen := t.gen
	t.running = true
	t.t = t.clk.AfterFunc(t.interval, func() {
		at := t.clk.Now()
		t.loop.Submit(func() { t.fire(gen, at) })
	})
}

func (t *Timer) stopLocked() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.running = false
}

func (t *Timer) fire(gen uint64, at time.Time) {
	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.t = nil
	t.lastFire = at
	ls := make([]func(Fire), len(t.listeners))
	copy(ls, t.listeners)
	t.mu.Unlock()

	ev := Fire{Timer: t, At: at}
	for _, fn := range ls {
		fn(ev)
	}
}
