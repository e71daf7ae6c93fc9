package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"schedcore/internal/config"
	"schedcore/internal/observability"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./schedd.state"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "mongo", "mongodb":
		if strings.TrimSpace(sc.URI) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.uri is required when storage.driver=mongodb")
		}
		return storage.Config{
			Driver:     "mongodb",
			URI:        strings.TrimSpace(sc.URI),
			Database:   strings.TrimSpace(sc.Database),
			Collection: strings.TrimSpace(sc.Collection),
		}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapObservabilityConfig validates and converts the config section. It never
// starts the server.
func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	var out observability.Config
	if cfg == nil {
		return out, nil
	}
	oc := cfg.Observability

	out.Enabled = oc.Enabled
	out.AllowInsecure = oc.AllowInsecure
	out.Token = strings.TrimSpace(oc.Token)
	out.Addr = strings.TrimSpace(oc.Addr)
	out.Metrics = oc.Metrics
	out.Pprof = oc.Pprof
	out.API = oc.API
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}

	readTO, err := config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := config.ParseDurationField("observability.write_timeout", oc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // 0 keeps pprof profile/trace usable
	out.IdleTimeout = idleTO

	if out.Enabled {
		host, _, err := net.SplitHostPort(out.Addr)
		if err != nil {
			return out, fmt.Errorf("observability.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		loopback := strings.EqualFold(host, "localhost")
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			loopback = true
		}
		if !out.AllowInsecure && out.Token == "" && !loopback {
			return out, fmt.Errorf("observability: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// validate is the hot-reload gate: a config the daemon could not apply is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	return nil
}
