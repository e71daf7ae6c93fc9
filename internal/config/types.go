package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler holds settings shared by every scheduler in the daemon.
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`

	// Templates declares the template stores the daemon runs a TemplateScheduler for.
	Templates map[string]TemplateConfig `json:"templates,omitempty"`

	// Schedules are the config records that drive ConfigSchedulers, keyed by name.
	// Editing this section while the daemon runs re-arms the matching scheduler.
	Schedules map[string]ScheduleRecord `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls defaults for all schedulers.
type SchedulerConfig struct {
	// Timezone is an IANA zone name used for calendar periods and templates.
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	// ListenerWarnEvery throttles "listener failed" warnings (Go duration string).
	ListenerWarnEvery string `json:"listener_warn_every,omitempty"`
}

// StorageConfig controls template persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedd.db" }
//	"storage": { "driver": "mongodb", "uri": "mongodb://localhost:27017", "database": "schedd" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	URI        string `json:"uri,omitempty"`        // mongodb
	Database   string `json:"database,omitempty"`   // mongodb
	Collection string `json:"collection,omitempty"` // mongodb, default "templates"
}

// ObservabilityConfig controls the optional HTTP surface (metrics, pprof, template API).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Metrics bool `json:"metrics,omitempty"`
	Pprof   bool `json:"pprof,omitempty"`
	API     bool `json:"api,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TemplateConfig declares one template store. Seed values are loaded only when
// the store has nothing persisted yet.
//
// Example:
//
//	templates:
//	  heating:
//	    seed:
//	      default: { "06:00": "21.0", "22:00": "17.5" }
//	      saturday: { "08:00": "21.0" }
type TemplateConfig struct {
	Timezone string                       `json:"timezone,omitempty"`
	Seed     map[string]map[string]string `json:"seed,omitempty"`
}
