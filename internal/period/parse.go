package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reCalendar = regexp.MustCompile(`^\s*(\d+)\s*([A-Za-z_\-]+)\s*$`)
)

// Parse parses a period string.
//
// Supported forms:
//   - Duration: "55m", "2h30m"
//   - Duration HH:MM: "00:50" (50 minutes), "02:30"
//   - Calendar: "1 MONTHS", "3 days", "2 WEEKS"
//   - Cron: "*/5 * * * *", "0 30 6 * * MON-FRI", "@hourly", "@every 55m"
//
// Optional prefixes force a kind: "cron:", "interval:" / "every:", "calendar:".
func Parse(raw string) (Period, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Period{}, fmt.Errorf("%w: period required", ErrInvalidPeriod)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Period{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidPeriod)
		}
		return Cron(expr)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "calendar:"):
		p, ok, err := parseCalendar(s[len("calendar:"):])
		if err != nil {
			return Period{}, err
		}
		if !ok {
			return Period{}, fmt.Errorf("%w: calendar period %q (use '<factor> <unit>')", ErrInvalidPeriod, raw)
		}
		return p, nil
	}

	if strings.HasPrefix(s, "@") {
		return Cron(s)
	}
	// "<n> <unit>" wins over the cron heuristic below.
	if p, ok, err := parseCalendar(s); ok || err != nil {
		return p, err
	}
	if strings.ContainsAny(s, " \t\n\r") {
		return Cron(s)
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		p := Every(d)
		return p, p.Validate()
	}

	return Period{}, fmt.Errorf(
		"%w: %q (use a duration like '55m', HH:MM like '02:30', a calendar step like '1 MONTHS', or cron like '*/5 * * * *')",
		ErrInvalidPeriod, raw,
	)
}

func parseInterval(v string) (Period, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Period{}, fmt.Errorf("%w: interval required", ErrInvalidPeriod)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return Period{}, err
		}
		return Every(d), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Period{}, fmt.Errorf("%w: interval %q (use HH:MM or a duration like '55m')", ErrInvalidPeriod, v)
	}
	p := Every(d)
	return p, p.Validate()
}

// parseCalendar reports ok=false when v does not look like "<n> <unit>" with a known unit.
func parseCalendar(v string) (Period, bool, error) {
	m := reCalendar.FindStringSubmatch(v)
	if len(m) != 3 {
		return Period{}, false, nil
	}
	u, err := ParseUnit(m[2])
	if err != nil {
		return Period{}, false, nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Period{}, true, fmt.Errorf("%w: factor %q", ErrInvalidPeriod, m[1])
	}
	p := Calendar(n, u)
	return p, true, p.Validate()
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidPeriod, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: minutes in %q", ErrInvalidPeriod, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidPeriod)
	}
	return d, nil
}
