package template

import (
	"context"
	"fmt"
	"sync"
	"time"

	"schedcore/internal/dispatch"
	"schedcore/internal/eventbus"
	"schedcore/internal/metrics"
	logx "schedcore/pkg/logx"
)

type Op string

const (
	OpAdd    Op = "add"
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpClear  Op = "clear"
	OpLoad   Op = "load"
)

// Change is the payload of a TypeTemplateChanged event.
type Change struct {
	Template string
	Op       Op
	Day      Day
	Revision uint64
}

// Record is the flat persistence form of one entry.
type Record[T any] struct {
	Day   Day       `json:"day"`
	At    TimeOfDay `json:"at"`
	Value T         `json:"value"`
}

// Store is a concurrency-safe template store. Every mutating call publishes
// exactly one change notification after the mutation is visible to readers.
type Store[T any] struct {
	name    string
	log     logx.Logger
	metrics *metrics.Collector
	bus     eventbus.Bus
	exec    *dispatch.Executor

	mu   sync.RWMutex
	days map[Day]DayTemplate[T]
	rev  uint64
}

type StoreOption func(*storeOptions)

type storeOptions struct {
	log     logx.Logger
	metrics *metrics.Collector
}

func WithLogger(l logx.Logger) StoreOption { return func(o *storeOptions) { o.log = l } }

func WithMetrics(m *metrics.Collector) StoreOption { return func(o *storeOptions) { o.metrics = m } }

// NewStore creates an empty store with its own listener executor.
func NewStore[T any](name string, opts ...StoreOption) *Store[T] {
	var o storeOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	log := o.log.With(logx.String("comp", "template"), logx.String("template", name))
	return &Store[T]{
		name:    name,
		log:     log,
		metrics: o.metrics,
		bus:     eventbus.New(),
		exec:    dispatch.NewExecutor("template:"+name, log, dispatch.WithMetrics(o.metrics)),
		days:    make(map[Day]DayTemplate[T], 8),
	}
}

func (s *Store[T]) Name() string { return s.name }

// Executor is the isolated executor that delivers listener callbacks of
// schedulers driven by this store.
func (s *Store[T]) Executor() *dispatch.Executor { return s.exec }

// Subscribe returns change notifications. Notifications are dropped for a full
// subscriber; readers should re-read the store on each one they receive.
func (s *Store[T]) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer, eventbus.TypeTemplateChanged)
}

func (s *Store[T]) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Close stops the listener executor after queued deliveries ran.
func (s *Store[T]) Close(ctx context.Context) error { return s.exec.Close(ctx) }

// Lookup returns the template for date's weekday (in date's location), falling
// back to the default template, then to an empty one.
func (s *Store[T]) Lookup(date time.Time) DayTemplate[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.days[Weekday(date.Weekday())]; ok && !t.Empty() {
		return t
	}
	return s.days[Default]
}

// Template returns the entries stored under d exactly, without default fallback.
func (s *Store[T]) Template(d Day) DayTemplate[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.days[d]
}

func (s *Store[T]) AddValue(day time.Weekday, at TimeOfDay, v T) error {
	return s.Put(Weekday(day), at, v)
}

func (s *Store[T]) AddValues(day time.Weekday, values map[TimeOfDay]T) error {
	return s.PutAll(Weekday(day), values)
}

func (s *Store[T]) SetValues(day time.Weekday, values map[TimeOfDay]T) error {
	return s.Replace(Weekday(day), values)
}

func (s *Store[T]) AddDefaultValue(at TimeOfDay, v T) error { return s.Put(Default, at, v) }

func (s *Store[T]) AddDefaultValues(values map[TimeOfDay]T) error { return s.PutAll(Default, values) }

func (s *Store[T]) SetDefaultValues(values map[TimeOfDay]T) error { return s.Replace(Default, values) }

func (s *Store[T]) DeleteValue(day time.Weekday, at TimeOfDay) bool {
	return s.Remove(Weekday(day), at)
}

func (s *Store[T]) DeleteDefaultValue(at TimeOfDay) bool { return s.Remove(Default, at) }

func (s *Store[T]) Clear(day time.Weekday) { s.Reset(Weekday(day)) }

func (s *Store[T]) ClearDefault() { s.Reset(Default) }

// Put sets one entry under d. Adding an existing key replaces its value.
func (s *Store[T]) Put(d Day, at TimeOfDay, v T) error {
	if err := checkKey(d, at); err != nil {
		return err
	}
	s.mutate(OpAdd, d, func() {
		s.days[d] = s.days[d].with(at, v)
	})
	return nil
}

// PutAll merges values into d's template with a single notification.
func (s *Store[T]) PutAll(d Day, values map[TimeOfDay]T) error {
	if err := checkKeys(d, values); err != nil {
		return err
	}
	s.mutate(OpAdd, d, func() {
		t := s.days[d]
		for at, v := range values {
			t = t.with(at, v)
		}
		s.days[d] = t
	})
	return nil
}

// Replace swaps d's template for values with a single notification.
func (s *Store[T]) Replace(d Day, values map[TimeOfDay]T) error {
	if err := checkKeys(d, values); err != nil {
		return err
	}
	s.mutate(OpSet, d, func() {
		s.days[d] = fromMap(values)
	})
	return nil
}

// Remove deletes one entry and reports whether it existed. A notification is
// published either way.
// Remove deletes the entry at (d, at). A valid key notifies even when nothing
// was there; an invalid one is ignored.
func (s *Store[T]) Remove(d Day, at TimeOfDay) bool {
	if checkKey(d, at) != nil {
		return false
	}
	var removed bool
	s.mutate(OpDelete, d, func() {
		var next DayTemplate[T]
		if next, removed = s.days[d].without(at); removed {
			s.days[d] = next
		}
	})
	return removed
}

func (s *Store[T]) Reset(d Day) {
	if !d.Valid() {
		return
	}
	s.mutate(OpClear, d, func() {
		delete(s.days, d)
	})
}

// Records flattens the store, weekdays first then default, entries ascending.
func (s *Store[T]) Records() []Record[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record[T]
	for d := Sunday; d <= Default; d++ {
		for _, e := range s.days[d].entries {
			out = append(out, Record[T]{Day: d, At: e.At, Value: e.Value})
		}
	}
	return out
}

// Load replaces the whole store content with records, publishing one notification.
func (s *Store[T]) Load(records []Record[T]) error {
	byDay := make(map[Day]map[TimeOfDay]T, 8)
	for _, r := range records {
		if err := checkKey(r.Day, r.At); err != nil {
			return err
		}
		if byDay[r.Day] == nil {
			byDay[r.Day] = map[TimeOfDay]T{}
		}
		byDay[r.Day][r.At] = r.Value
	}
	s.mutate(OpLoad, AllDays, func() {
		s.days = make(map[Day]DayTemplate[T], len(byDay))
		for d, m := range byDay {
			s.days[d] = fromMap(m)
		}
	})
	return nil
}

func (s *Store[T]) mutate(op Op, d Day, apply func()) {
	s.mu.Lock()
	apply()
	s.rev++
	ch := Change{Template: s.name, Op: op, Day: d, Revision: s.rev}
	s.mu.Unlock()

	s.metrics.TemplateChanged(s.name)
	s.log.Debug("template changed",
		logx.String("op", string(op)),
		logx.String("day", d.String()),
		logx.Uint64("rev", ch.Revision),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTemplateChanged, Data: ch})
}

func checkKey(d Day, at TimeOfDay) error {
	if !d.Valid() {
		return fmt.Errorf("invalid day %d", int(d))
	}
	if !at.Valid() {
		return fmt.Errorf("time of day %s out of range", time.Duration(at))
	}
	return nil
}

func checkKeys[T any](d Day, values map[TimeOfDay]T) error {
	for at := range values {
		if err := checkKey(d, at); err != nil {
			return err
		}
	}
	if !d.Valid() {
		return fmt.Errorf("invalid day %d", int(d))
	}
	return nil
}
