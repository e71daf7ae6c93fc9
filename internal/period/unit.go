package period

import (
	"fmt"
	"strings"
	"time"
)

// Unit is a period unit. Units from Days upward are calendar based: they are
// evaluated in a zone and their length varies (DST days, month and year lengths).
type Unit int

const (
	Millis Unit = iota + 1
	Seconds
	Minutes
	Hours
	HalfDays
	Days
	Weeks
	Months
	Years
	Decades
	Centuries
)

var unitNames = map[Unit]string{
	Millis:    "MILLIS",
	Seconds:   "SECONDS",
	Minutes:   "MINUTES",
	Hours:     "HOURS",
	HalfDays:  "HALF_DAYS",
	Days:      "DAYS",
	Weeks:     "WEEKS",
	Months:    "MONTHS",
	Years:     "YEARS",
	Decades:   "DECADES",
	Centuries: "CENTURIES",
}

var unitAliases = map[string]Unit{
	"MILLI": Millis, "MILLIS": Millis, "MILLISECOND": Millis, "MILLISECONDS": Millis,
	"SECOND": Seconds, "SECONDS": Seconds,
	"MINUTE": Minutes, "MINUTES": Minutes,
	"HOUR": Hours, "HOURS": Hours,
	"HALF_DAY": HalfDays, "HALF_DAYS": HalfDays, "HALFDAY": HalfDays, "HALFDAYS": HalfDays,
	"DAY": Days, "DAYS": Days,
	"WEEK": Weeks, "WEEKS": Weeks,
	"MONTH": Months, "MONTHS": Months,
	"YEAR": Years, "YEARS": Years,
	"DECADE": Decades, "DECADES": Decades,
	"CENTURY": Centuries, "CENTURIES": Centuries,
}

func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

func (u Unit) Valid() bool {
	_, ok := unitNames[u]
	return ok
}

// IsCalendar reports whether u uses zoned calendar arithmetic.
func (u Unit) IsCalendar() bool { return u >= Days && u <= Centuries }

// Duration returns the fixed length of a duration-based unit, 0 for calendar units.
func (u Unit) Duration() time.Duration {
	switch u {
	case Millis:
		return time.Millisecond
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case HalfDays:
		return 12 * time.Hour
	default:
		return 0
	}
}

// ParseUnit accepts singular or plural unit names, case-insensitively ("months", "DAY", "half_days").
func ParseUnit(s string) (Unit, error) {
	k := strings.ToUpper(strings.TrimSpace(s))
	k = strings.ReplaceAll(k, "-", "_")
	if u, ok := unitAliases[k]; ok {
		return u, nil
	}
	return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidPeriod, s)
}

// addCalendar moves t by n calendar units in loc. Month based units clamp the
// day of month to the target month's length (Jan 31 + 1 month = Feb 28/29).
func addCalendar(t time.Time, n int, u Unit, loc *time.Location) time.Time {
	t = t.In(loc)
	switch u {
	case Days:
		return t.AddDate(0, 0, n)
	case Weeks:
		return t.AddDate(0, 0, 7*n)
	case Months:
		return addMonthsClamped(t, n)
	case Years:
		return addMonthsClamped(t, 12*n)
	case Decades:
		return addMonthsClamped(t, 120*n)
	case Centuries:
		return addMonthsClamped(t, 1200*n)
	default:
		return t.Add(time.Duration(n) * u.Duration())
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	total := int(m) - 1 + months
	ny := y + floorDiv(total, 12)
	nm := time.Month(floorMod(total, 12) + 1)
	if last := daysIn(ny, nm); d > last {
		d = last
	}
	return time.Date(ny, nm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int { return a - floorDiv(a, b)*b }
