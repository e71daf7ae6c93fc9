package template

import "time"

// lookahead is how many dates past the start date NextValue and PreviousValue
// inspect. Seven covers a full week, so a value present on any single weekday
// is always found.
const lookahead = 7

// Reader is the read side of a Store.
type Reader[T any] interface {
	Lookup(date time.Time) DayTemplate[T]
}

// Value is a template entry resolved to an instant.
type Value[T any] struct {
	At    time.Time
	Value T
}

// NextValue returns the first entry strictly after start: later entries of
// start's date, then the first entry of each following date. loc nil means
// start's own location.
func NextValue[T any](start time.Time, r Reader[T], loc *time.Location) (Value[T], bool) {
	if loc != nil {
		start = start.In(loc)
	}
	for i := 0; i <= lookahead; i++ {
		date := dateAt(start, i)
		for _, e := range r.Lookup(date).entries {
			if at := e.At.On(date); at.After(start) {
				return Value[T]{At: at, Value: e.Value}, true
			}
		}
	}
	return Value[T]{}, false
}

// PreviousValue returns the last entry at or before start: earlier entries of
// start's date, then the last entry of each preceding date.
func PreviousValue[T any](start time.Time, r Reader[T], loc *time.Location) (Value[T], bool) {
	if loc != nil {
		start = start.In(loc)
	}
	for i := 0; i <= lookahead; i++ {
		date := dateAt(start, -i)
		es := r.Lookup(date).entries
		for j := len(es) - 1; j >= 0; j-- {
			if at := es[j].At.On(date); !at.After(start) {
				return Value[T]{At: at, Value: es[j].Value}, true
			}
		}
	}
	return Value[T]{}, false
}

// dateAt returns local midnight of start's date shifted by n calendar days.
func dateAt(start time.Time, n int) time.Time {
	y, m, d := start.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, start.Location())
}
