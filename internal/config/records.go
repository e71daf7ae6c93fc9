package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"schedcore/internal/eventbus"
	"schedcore/internal/period"
)

// ErrMalformedRecord marks a record whose period or range cannot be used.
// Schedulers treat such records as inactive; the error never reaches callers.
var ErrMalformedRecord = errors.New("malformed schedule record")

// ScheduleRecord is the externally owned description of a config-driven schedule.
//
// Either Period (any form accepted by period.Parse) or PeriodUnit+PeriodFactor
// must be set. Start and end are Unix milliseconds.
type ScheduleRecord struct {
	PeriodUnit   string `json:"period_unit,omitempty"`
	PeriodFactor int    `json:"period_factor,omitempty"`
	Period       string `json:"period,omitempty"`
	StartMillis  *int64 `json:"start_millis,omitempty"`
	EndMillis    *int64 `json:"end_millis,omitempty"`
	Active       bool   `json:"active"`
}

// Resolved is a validated record.
type Resolved struct {
	Period period.Period
	Start  time.Time // zero when unset
	End    time.Time // zero when unset
}

// SameShape reports whether r and o have the same period and start, so only
// the end may differ.
func (r Resolved) SameShape(o Resolved) bool {
	return r.Period.Equal(o.Period) && r.Start.Equal(o.Start)
}

func (r Resolved) Equal(o Resolved) bool {
	return r.SameShape(o) && r.End.Equal(o.End)
}

// Resolve validates the record and converts it. Inactive records still resolve.
func (r ScheduleRecord) Resolve() (Resolved, error) {
	var (
		p   period.Period
		err error
	)
	switch {
	case strings.TrimSpace(r.Period) != "":
		p, err = period.Parse(r.Period)
	case strings.TrimSpace(r.PeriodUnit) != "":
		var u period.Unit
		u, err = period.ParseUnit(r.PeriodUnit)
		if err == nil {
			p = period.Calendar(r.PeriodFactor, u)
			err = p.Validate()
		}
	default:
		err = errors.New("period or period_unit required")
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	out := Resolved{Period: p}
	if r.StartMillis != nil {
		out.Start = time.UnixMilli(*r.StartMillis)
	}
	if r.EndMillis != nil {
		out.End = time.UnixMilli(*r.EndMillis)
	}
	if !out.Start.IsZero() && !out.End.IsZero() && out.Start.After(out.End) {
		return Resolved{}, fmt.Errorf("%w: start after end", ErrMalformedRecord)
	}
	return out, nil
}

// RecordStore is read access to schedule records plus change notifications.
// Notifications carry no payload guarantees; subscribers re-read Record.
type RecordStore interface {
	Record(name string) (ScheduleRecord, bool)
	SubscribeRecords(buffer int) (<-chan eventbus.Event, func())
}

// RecordsChange is the payload of a TypeRecordsChanged event.
type RecordsChange struct {
	Names []string
}

func (c RecordsChange) Has(name string) bool {
	for _, n := range c.Names {
		if n == name {
			return true
		}
	}
	return false
}

// MemoryRecords is an in-memory RecordStore, used by tests and embedders that
// own their records in code.
type MemoryRecords struct {
	mu   sync.RWMutex
	recs map[string]ScheduleRecord
	bus  eventbus.Bus
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{recs: map[string]ScheduleRecord{}, bus: eventbus.New()}
}

func (m *MemoryRecords) Record(name string) (ScheduleRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[name]
	return r, ok
}

func (m *MemoryRecords) SubscribeRecords(buffer int) (<-chan eventbus.Event, func()) {
	return m.bus.Subscribe(buffer, eventbus.TypeRecordsChanged)
}

// Set stores rec under name and notifies subscribers.
func (m *MemoryRecords) Set(name string, rec ScheduleRecord) {
	m.mu.Lock()
	m.recs[name] = rec
	m.mu.Unlock()
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeRecordsChanged, Data: RecordsChange{Names: []string{name}}})
}

func (m *MemoryRecords) Delete(name string) {
	m.mu.Lock()
	delete(m.recs, name)
	m.mu.Unlock()
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeRecordsChanged, Data: RecordsChange{Names: []string{name}}})
}

// Update applies fn to the named record (zero value when absent) and notifies.
func (m *MemoryRecords) Update(name string, fn func(*ScheduleRecord)) {
	m.mu.Lock()
	r := m.recs[name]
	fn(&r)
	m.recs[name] = r
	m.mu.Unlock()
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeRecordsChanged, Data: RecordsChange{Names: []string{name}}})
}

// changedRecords lists names whose record differs between a and b.
func changedRecords(a, b map[string]ScheduleRecord) []string {
	var out []string
	for name, ra := range a {
		if rb, ok := b[name]; !ok || !reflect.DeepEqual(ra, rb) {
			out = append(out, name)
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Millis is a helper for building records in code.
func Millis(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}
