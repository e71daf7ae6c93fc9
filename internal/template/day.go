package template

import (
	"fmt"
	"strings"
	"time"
)

// Day keys a template store: the seven weekdays plus Default.
type Day int

const (
	Sunday Day = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	// Default applies to any date whose weekday has no template.
	Default
)

// AllDays is used in change notifications that touched every key.
const AllDays Day = -1

func Weekday(w time.Weekday) Day { return Day(w) }

func (d Day) Valid() bool { return d >= Sunday && d <= Default }

func (d Day) IsWeekday() bool { return d >= Sunday && d <= Saturday }

func (d Day) String() string {
	switch {
	case d == Default:
		return "default"
	case d == AllDays:
		return "all"
	case d.IsWeekday():
		return strings.ToLower(time.Weekday(d).String())
	default:
		return fmt.Sprintf("Day(%d)", int(d))
	}
}

// ParseDay accepts full or three letter weekday names and "default", case-insensitively.
func ParseDay(s string) (Day, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	if k == "default" {
		return Default, nil
	}
	for w := time.Sunday; w <= time.Saturday; w++ {
		name := strings.ToLower(w.String())
		if k == name || k == name[:3] {
			return Day(w), nil
		}
	}
	return 0, fmt.Errorf("invalid day %q (use a weekday name or 'default')", s)
}

func (d Day) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid day %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Day) UnmarshalText(b []byte) error {
	v, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
