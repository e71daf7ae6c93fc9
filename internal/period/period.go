// Package period models schedule periods and the alignment math used to pick
// aligned start instants.
//
// A Period is one of three kinds:
//   - a fixed duration ("15m"), always added as elapsed time
//   - a calendar step (factor x unit, "1 MONTHS"), added in a zone so that
//     "1 day" stays at the same wall clock time across DST changes
//   - a cron expression (robfig/cron), whose next occurrence is computed in a zone
package period

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidPeriod reports a zero, negative or unparseable period.
var ErrInvalidPeriod = errors.New("invalid period")

type Kind int

const (
	KindDuration Kind = iota + 1
	KindCalendar
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindDuration:
		return "duration"
	case KindCalendar:
		return "calendar"
	case KindCron:
		return "cron"
	default:
		return "invalid"
	}
}

// Period is an immutable schedule step. The zero value is invalid.
type Period struct {
	kind   Kind
	every  time.Duration
	unit   Unit
	factor int
	expr   string
	sched  cron.Schedule
}

// Every returns a fixed-duration period.
func Every(d time.Duration) Period { return Period{kind: KindDuration, every: d} }

// Calendar returns factor x unit. Duration-based units (Millis..HalfDays) are
// added as elapsed time; the rest use zoned calendar arithmetic.
func Calendar(factor int, unit Unit) Period {
	return Period{kind: KindCalendar, unit: unit, factor: factor}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron parses a cron expression (5 or 6 fields, or a descriptor like "@hourly").
func Cron(expr string) (Period, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return Period{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidPeriod, expr, err)
	}
	return Period{kind: KindCron, expr: expr, sched: s}, nil
}

func (p Period) Kind() Kind              { return p.kind }
func (p Period) Duration() time.Duration { return p.every }
func (p Period) Unit() Unit              { return p.unit }
func (p Period) Factor() int             { return p.factor }
func (p Period) Expr() string            { return p.expr }
func (p Period) IsZero() bool            { return p.kind == 0 }

// Validate rejects zero and negative steps.
func (p Period) Validate() error {
	switch p.kind {
	case KindDuration:
		if p.every <= 0 {
			return fmt.Errorf("%w: duration must be > 0, got %s", ErrInvalidPeriod, p.every)
		}
	case KindCalendar:
		if !p.unit.Valid() {
			return fmt.Errorf("%w: unit %s", ErrInvalidPeriod, p.unit)
		}
		if p.factor <= 0 {
			return fmt.Errorf("%w: factor must be > 0, got %d", ErrInvalidPeriod, p.factor)
		}
	case KindCron:
		if p.sched == nil {
			return fmt.Errorf("%w: cron schedule not parsed", ErrInvalidPeriod)
		}
	default:
		return fmt.Errorf("%w: empty period", ErrInvalidPeriod)
	}
	return nil
}

// Next returns the first target after t: one step for duration and calendar
// periods, the next cron occurrence for cron periods. loc is used for calendar
// and cron arithmetic; nil means UTC.
func (p Period) Next(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch p.kind {
	case KindDuration:
		return t.Add(p.every)
	case KindCalendar:
		if !p.unit.IsCalendar() {
			return t.Add(time.Duration(p.factor) * p.unit.Duration())
		}
		return addCalendar(t, p.factor, p.unit, loc)
	case KindCron:
		return p.sched.Next(t.In(loc))
	default:
		return t
	}
}

// Equal compares by kind and parameters; cron periods compare by expression.
func (p Period) Equal(q Period) bool {
	return p.kind == q.kind && p.every == q.every && p.unit == q.unit &&
		p.factor == q.factor && p.expr == q.expr
}

// String renders a form accepted by Parse.
func (p Period) String() string {
	switch p.kind {
	case KindDuration:
		return p.every.String()
	case KindCalendar:
		return fmt.Sprintf("%d %s", p.factor, p.unit)
	case KindCron:
		return "cron:" + p.expr
	default:
		return ""
	}
}

func (p Period) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Period) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
