// Package template holds per-weekday value templates and the lookups the
// template scheduler runs against them.
//
// A Store maps each weekday, plus a Default key, to a DayTemplate: an ordered
// set of (time of day, value) entries. Looking up a date uses that date's
// weekday template if one exists, otherwise the default template.
package template

import "sort"

// Entry is one scheduled value.
type Entry[T any] struct {
	At    TimeOfDay `json:"at"`
	Value T         `json:"value"`
}

// DayTemplate is an immutable, ascending, key-unique list of entries.
type DayTemplate[T any] struct {
	entries []Entry[T]
}

func (d DayTemplate[T]) Len() int    { return len(d.entries) }
func (d DayTemplate[T]) Empty() bool { return len(d.entries) == 0 }

// Entries returns a copy of the entries in ascending time order.
func (d DayTemplate[T]) Entries() []Entry[T] {
	return append([]Entry[T](nil), d.entries...)
}

func (d DayTemplate[T]) Get(at TimeOfDay) (T, bool) {
	i := d.search(at)
	if i < len(d.entries) && d.entries[i].At == at {
		return d.entries[i].Value, true
	}
	var zero T
	return zero, false
}

// search returns the index of the first entry with At >= at.
func (d DayTemplate[T]) search(at TimeOfDay) int {
	return sort.Search(len(d.entries), func(i int) bool { return d.entries[i].At >= at })
}

// with returns a copy with at set to v (replacing an existing key).
func (d DayTemplate[T]) with(at TimeOfDay, v T) DayTemplate[T] {
	i := d.search(at)
	out := make([]Entry[T], 0, len(d.entries)+1)
	out = append(out, d.entries[:i]...)
	out = append(out, Entry[T]{At: at, Value: v})
	if i < len(d.entries) && d.entries[i].At == at {
		i++
	}
	out = append(out, d.entries[i:]...)
	return DayTemplate[T]{entries: out}
}

func (d DayTemplate[T]) without(at TimeOfDay) (DayTemplate[T], bool) {
	i := d.search(at)
	if i >= len(d.entries) || d.entries[i].At != at {
		return d, false
	}
	out := make([]Entry[T], 0, len(d.entries)-1)
	out = append(out, d.entries[:i]...)
	out = append(out, d.entries[i+1:]...)
	return DayTemplate[T]{entries: out}, true
}

func fromMap[T any](m map[TimeOfDay]T) DayTemplate[T] {
	out := make([]Entry[T], 0, len(m))
	for at, v := range m {
		out = append(out, Entry[T]{At: at, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At < out[j].At })
	return DayTemplate[T]{entries: out}
}
