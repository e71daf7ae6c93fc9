package config

import (
	"reflect"
	"sort"
	"strings"

	logx "schedcore/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of schedule records that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.ListenerWarnEvery) != strings.TrimSpace(newCfg.Scheduler.ListenerWarnEvery) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.listener_warn_every", strings.TrimSpace(newCfg.Scheduler.ListenerWarnEvery)),
		)
	}

	// Observability (never log token)
	o, n := oldCfg.Observability, newCfg.Observability
	oTok, nTok := strings.TrimSpace(o.Token) != "", strings.TrimSpace(n.Token) != ""
	o.Token, n.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(o, n) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", n.Enabled),
			logx.String("observability.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("observability.token_set", nTok),
			logx.Bool("observability.metrics", n.Metrics),
			logx.Bool("observability.pprof", n.Pprof),
			logx.Bool("observability.api", n.API),
		)
	}

	// Storage (URI may carry credentials; only log whether it is set)
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.uri_set", strings.TrimSpace(nS.URI) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.Int("templates.count", len(newCfg.Templates)))
	}

	schedules := changedRecords(oldCfg.Schedules, newCfg.Schedules)
	sort.Strings(schedules)
	if len(schedules) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedules)),
			logx.Int("schedules.active_count", countActive(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedules
}

func countActive(m map[string]ScheduleRecord) int {
	n := 0
	for _, r := range m {
		if r.Active {
			n++
		}
	}
	return n
}
