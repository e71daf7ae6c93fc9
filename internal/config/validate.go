package config

import (
	"fmt"
	"strings"
	"time"

	"schedcore/internal/template"
	logx "schedcore/pkg/logx"
)

// Validate checks the parts of cfg the daemon cannot run without. Schedule
// records are deliberately not validated: a malformed record only makes its
// scheduler inactive.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if !logx.ValidLevel(lvl) {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if _, err := ParseDurationField("scheduler.listener_warn_every", cfg.Scheduler.ListenerWarnEvery); err != nil {
		return err
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		case "mongo", "mongodb":
			if strings.TrimSpace(s.URI) == "" {
				return fmt.Errorf("storage.uri required for driver %q", s.Driver)
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	o := cfg.Observability
	for path, raw := range map[string]string{
		"observability.read_timeout":  o.ReadTimeout,
		"observability.write_timeout": o.WriteTimeout,
		"observability.idle_timeout":  o.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	for name, tc := range cfg.Templates {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("templates: empty template name")
		}
		if _, err := LoadLocation(tc.Timezone); err != nil {
			return fmt.Errorf("templates.%s.timezone: %w", name, err)
		}
		if _, err := SeedRecords(tc.Seed); err != nil {
			return fmt.Errorf("templates.%s.seed: %w", name, err)
		}
	}
	return nil
}

// LoadLocation resolves an IANA zone name; empty and "Local" mean the host zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// SeedRecords converts a template seed ({day: {"HH:MM": value}}) to store records.
func SeedRecords(seed map[string]map[string]string) ([]template.Record[string], error) {
	var out []template.Record[string]
	for dayName, values := range seed {
		d, err := template.ParseDay(dayName)
		if err != nil {
			return nil, err
		}
		for at, v := range values {
			tod, err := template.ParseTimeOfDay(at)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", dayName, err)
			}
			out = append(out, template.Record[string]{Day: d, At: tod, Value: v})
		}
	}
	return out, nil
}
