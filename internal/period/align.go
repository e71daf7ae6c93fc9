package period

import (
	"fmt"
	"time"
)

// NextAlignedStart returns the first boundary of factor x unit strictly after from.
//
// Duration units are aligned to the Unix epoch. Calendar units are aligned to the
// unit's natural anchor in loc (midnight, Monday midnight, the 1st of the month,
// January 1st) and stepped by factor from there.
func NextAlignedStart(from time.Time, factor int, unit Unit, loc *time.Location) (time.Time, error) {
	last, err := LastAlignedStart(from, factor, unit, loc)
	if err != nil {
		return time.Time{}, err
	}
	if unit.IsCalendar() {
		next := addCalendar(last, factor, unit, loc)
		for !next.After(from) {
			next = addCalendar(next, factor, unit, loc)
		}
		return next, nil
	}
	return last.Add(time.Duration(factor) * unit.Duration()), nil
}

// LastAlignedStart returns the latest boundary of factor x unit at or before from.
// A from that is exactly a boundary is returned unchanged (in loc).
func LastAlignedStart(from time.Time, factor int, unit Unit, loc *time.Location) (time.Time, error) {
	if factor <= 0 {
		return time.Time{}, fmt.Errorf("%w: factor must be > 0, got %d", ErrInvalidPeriod, factor)
	}
	if !unit.Valid() {
		return time.Time{}, fmt.Errorf("%w: unit %s", ErrInvalidPeriod, unit)
	}
	if loc == nil {
		loc = time.UTC
	}
	if !unit.IsCalendar() {
		return lastEpochBoundary(from, time.Duration(factor)*unit.Duration()).In(loc), nil
	}

	last := calendarAnchor(from.In(loc), unit)
	for last.After(from) {
		last = addCalendar(last, -factor, unit, loc)
	}
	return last, nil
}

// NextAligned is NextAlignedStart for a period. Cron periods return their next occurrence.
func (p Period) NextAligned(from time.Time, loc *time.Location) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	switch p.kind {
	case KindDuration:
		last := lastEpochBoundary(from, p.every)
		if loc != nil {
			last = last.In(loc)
		}
		return last.Add(p.every), nil
	case KindCron:
		return p.Next(from, loc), nil
	default:
		return NextAlignedStart(from, p.factor, p.unit, loc)
	}
}

// LastAligned is LastAlignedStart for a period. Cron periods have no backward walk.
func (p Period) LastAligned(from time.Time, loc *time.Location) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	switch p.kind {
	case KindDuration:
		last := lastEpochBoundary(from, p.every)
		if loc != nil {
			last = last.In(loc)
		}
		return last, nil
	case KindCron:
		return time.Time{}, fmt.Errorf("%w: cron periods have no last aligned start", ErrInvalidPeriod)
	default:
		return LastAlignedStart(from, p.factor, p.unit, loc)
	}
}

// lastEpochBoundary floors from to a multiple of step since the Unix epoch.
// Instants before the epoch floor toward the past.
func lastEpochBoundary(from time.Time, step time.Duration) time.Time {
	ns := from.UnixNano()
	n := int64(step)
	q := ns / n
	if ns%n < 0 {
		q--
	}
	return time.Unix(0, q*n)
}

func calendarAnchor(t time.Time, unit Unit) time.Time {
	y, m, d := t.Date()
	loc := t.Location()
	switch unit {
	case Days:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case Weeks:
		off := (int(t.Weekday()) + 6) % 7 // Monday = 0
		return time.Date(y, m, d-off, 0, 0, 0, 0, loc)
	case Months:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
}
