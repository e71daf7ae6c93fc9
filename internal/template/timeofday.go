package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock offset from local midnight, in [0, 24h).
type TimeOfDay time.Duration

const day = TimeOfDay(24 * time.Hour)

// At builds a time of day. Out of range components are rejected by Valid.
func At(hour, min, sec int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute + time.Duration(sec)*time.Second)
}

// OfTime returns the wall-clock time of day of t in t's location.
func OfTime(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return At(h, m, s) + TimeOfDay(t.Nanosecond())
}

func (t TimeOfDay) Valid() bool { return t >= 0 && t < day }

// On returns the instant at this time of day on date's calendar day, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, int(t), date.Location())
}

func (t TimeOfDay) Hour() int   { return int(time.Duration(t) / time.Hour) }
func (t TimeOfDay) Minute() int { return int(time.Duration(t)%time.Hour) / int(time.Minute) }
func (t TimeOfDay) Second() int { return int(time.Duration(t)%time.Minute) / int(time.Second) }

// String renders HH:MM, HH:MM:SS when seconds are set, HH:MM:SS.mmm with milliseconds.
func (t TimeOfDay) String() string {
	s := fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
	sec := t.Second()
	ms := int(time.Duration(t)%time.Second) / int(time.Millisecond)
	switch {
	case ms != 0:
		return s + fmt.Sprintf(":%02d.%03d", sec, ms)
	case sec != 0:
		return s + fmt.Sprintf(":%02d", sec)
	default:
		return s
	}
}

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2})(?:\.(\d{1,3}))?)?$`)

// ParseTimeOfDay accepts "7:05", "07:05", "07:05:30" and "07:05:30.250".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := reTimeOfDay.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid time of day %q (use HH:MM or HH:MM:SS)", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	if h > 23 || mi > 59 || sec > 59 {
		return 0, fmt.Errorf("invalid time of day %q: out of range", s)
	}
	tod := At(h, mi, sec)
	if m[4] != "" {
		frac := m[4] + strings.Repeat("0", 3-len(m[4]))
		ms, _ := strconv.Atoi(frac)
		tod += TimeOfDay(time.Duration(ms) * time.Millisecond)
	}
	return tod, nil
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
