package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedcore/internal/eventbus"
	"schedcore/internal/period"
	"schedcore/internal/template"
	logx "schedcore/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
templates:
  heating:
    seed:
      default: { "06:00": "21.0", "22:00": "17.5" }
      saturday: { "08:00": "21.0" }
schedules:
  backup:
    period: "1 DAYS"
    start_millis: 1715558400000
    active: true
  purge:
    period_unit: HOURS
    period_factor: 6
    active: false
`

func TestParseBytesYAMLAndJSON(t *testing.T) {
	cfg, err := ParseBytes("schedd.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "UTC", cfg.Scheduler.Timezone)
	require.Len(t, cfg.Schedules, 2)
	require.True(t, cfg.Schedules["backup"].Active)
	require.Equal(t, int64(1715558400000), *cfg.Schedules["backup"].StartMillis)
	require.Equal(t, "17.5", cfg.Templates["heating"].Seed["default"]["22:00"])

	js := `{"logging":{"level":"info","console":false,"file":{"enabled":false,"path":""}},
	        "scheduler":{},"schedules":{"x":{"period":"15m","active":true}}}`
	cfg, err = ParseBytes("schedd.json", []byte(js))
	require.NoError(t, err)
	require.Equal(t, "15m", cfg.Schedules["x"].Period)
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	_, err := ParseBytes("schedd.yaml", []byte("logging:\n  levle: debug\n"))
	require.Error(t, err)

	_, err = ParseBytes("schedd.json", []byte(`{"scheduler":{}} {"scheduler":{}}`))
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	start := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	r, err := ScheduleRecord{Period: "1 MONTHS", StartMillis: Millis(start), Active: true}.Resolve()
	require.NoError(t, err)
	require.Equal(t, period.KindCalendar, r.Period.Kind())
	require.Equal(t, period.Months, r.Period.Unit())
	require.True(t, r.Start.Equal(start))
	require.True(t, r.End.IsZero())

	r, err = ScheduleRecord{PeriodUnit: "weeks", PeriodFactor: 2}.Resolve()
	require.NoError(t, err)
	require.Equal(t, 2, r.Period.Factor())

	for name, rec := range map[string]ScheduleRecord{
		"empty":       {},
		"bad period":  {Period: "soon"},
		"bad unit":    {PeriodUnit: "fortnights", PeriodFactor: 1},
		"zero factor": {PeriodUnit: "DAYS"},
		"range":       {Period: "1h", StartMillis: Millis(start.Add(time.Hour)), EndMillis: Millis(start)},
	} {
		_, err := rec.Resolve()
		require.ErrorIs(t, err, ErrMalformedRecord, name)
	}
}

func TestResolvedShape(t *testing.T) {
	a, err := ScheduleRecord{Period: "1h", EndMillis: Millis(time.Unix(100, 0))}.Resolve()
	require.NoError(t, err)
	b, err := ScheduleRecord{Period: "60m", EndMillis: Millis(time.Unix(200, 0))}.Resolve()
	require.NoError(t, err)
	require.True(t, a.SameShape(b))
	require.False(t, a.Equal(b))

	c, err := ScheduleRecord{Period: "2h"}.Resolve()
	require.NoError(t, err)
	require.False(t, a.SameShape(c))
}

func TestMemoryRecordsNotify(t *testing.T) {
	m := NewMemoryRecords()
	ch, unsub := m.SubscribeRecords(4)
	defer unsub()

	m.Set("a", ScheduleRecord{Period: "1h", Active: true})
	ev := <-ch
	require.Equal(t, eventbus.TypeRecordsChanged, ev.Type)
	require.True(t, ev.Data.(RecordsChange).Has("a"))

	m.Update("a", func(r *ScheduleRecord) { r.Active = false })
	<-ch
	r, ok := m.Record("a")
	require.True(t, ok)
	require.False(t, r.Active)

	m.Delete("a")
	<-ch
	_, ok = m.Record("a")
	require.False(t, ok)
}

func TestCommitPublishesChangedRecords(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch, unsub := m.SubscribeRecords(4)
	defer unsub()

	m.Commit(&Config{Schedules: map[string]ScheduleRecord{
		"a": {Period: "1h", Active: true},
		"b": {Period: "2h", Active: true},
	}})
	ev := <-ch
	require.Equal(t, []string{"a", "b"}, ev.Data.(RecordsChange).Names)

	m.Commit(&Config{Schedules: map[string]ScheduleRecord{
		"a": {Period: "1h", Active: true},
		"b": {Period: "2h", Active: false},
	}})
	ev = <-ch
	require.Equal(t, []string{"b"}, ev.Data.(RecordsChange).Names)

	r, ok := m.Record("b")
	require.True(t, ok)
	require.False(t, r.Active)

	// Unchanged schedules publish nothing.
	m.Commit(&Config{Logging: LoggingConfig{Level: "warn"}, Schedules: m.Get().Schedules})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content: no publish.
	require.NoError(t, m.Reload(context.Background()))
	select {
	case <-sub:
		t.Fatal("unchanged config published")
	default:
	}

	edited := sampleYAML + "observability:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))
	require.NoError(t, m.Reload(context.Background()))
	cfg := <-sub
	require.True(t, cfg.Observability.Enabled)

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	require.Error(t, m.Reload(context.Background()))
	require.True(t, m.Get().Observability.Enabled, "rejected config must not be committed")
}

func TestValidate(t *testing.T) {
	cfg, err := ParseBytes("schedd.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	for name, mut := range map[string]func(*Config){
		"level":    func(c *Config) { c.Logging.Level = "loud" },
		"timezone": func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"warn":     func(c *Config) { c.Scheduler.ListenerWarnEvery = "often" },
		"driver":   func(c *Config) { c.Storage = &StorageConfig{Driver: "etcd"} },
		"mongo":    func(c *Config) { c.Storage = &StorageConfig{Driver: "mongodb"} },
		"timeout":  func(c *Config) { c.Observability.ReadTimeout = "-1s" },
		"seed day": func(c *Config) {
			c.Templates["heating"] = TemplateConfig{Seed: map[string]map[string]string{"funday": {"06:00": "x"}}}
		},
		"seed time": func(c *Config) {
			c.Templates["heating"] = TemplateConfig{Seed: map[string]map[string]string{"default": {"25:00": "x"}}}
		},
	} {
		c, err := ParseBytes("schedd.yaml", []byte(sampleYAML))
		require.NoError(t, err)
		mut(c)
		require.Error(t, Validate(c), name)
	}

	// Malformed schedule records do not fail validation.
	cfg.Schedules["broken"] = ScheduleRecord{Period: "whenever", Active: true}
	require.NoError(t, Validate(cfg))
}

func TestSeedRecords(t *testing.T) {
	recs, err := SeedRecords(map[string]map[string]string{
		"default":  {"06:00": "21.0"},
		"saturday": {"08:30": "20.0"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byDay := map[template.Day]template.Record[string]{}
	for _, r := range recs {
		byDay[r.Day] = r
	}
	require.Equal(t, template.At(6, 0, 0), byDay[template.Default].At)
	require.Equal(t, "20.0", byDay[template.Saturday].Value)
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Observability: ObservabilityConfig{Token: "secret-a"},
		Schedules:     map[string]ScheduleRecord{"a": {Period: "1h", Active: true}},
	}
	next := &Config{
		Logging:       LoggingConfig{Level: "debug"},
		Observability: ObservabilityConfig{Token: "secret-b"},
		Storage:       &StorageConfig{Driver: "mongodb", URI: "mongodb://user:pw@host"},
		Schedules: map[string]ScheduleRecord{
			"a": {Period: "2h", Active: true},
			"b": {Period: "1h"},
		},
	}
	changed, attrs, schedules := SummarizeConfigChange(old, next)
	require.Equal(t, []string{"logging", "schedules", "storage"}, changed)
	require.Equal(t, []string{"a", "b"}, schedules)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	require.Contains(t, out, `"storage.uri_set":true`)
	require.NotContains(t, out, "user:pw")
	require.NotContains(t, out, "secret-")

	changed, _, _ = SummarizeConfigChange(next, next)
	require.Empty(t, changed)
}
