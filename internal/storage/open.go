package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "schedcore/pkg/logx"
)

// Store is the persistence API used by the daemon.
type Store interface {
	SaveTemplate(ctx context.Context, doc TemplateDoc) error
	// LoadTemplate returns ok=false when nothing was saved under name yet.
	LoadTemplate(ctx context.Context, name string) (doc TemplateDoc, ok bool, err error)
	AppendFiring(ctx context.Context, e FiringEntry) error
	Close() error
}

// History is implemented by drivers that can query the firing log.
type History interface {
	// RecentFirings returns up to limit firings of scheduler, newest first.
	RecentFirings(ctx context.Context, scheduler string, limit int) ([]FiringEntry, error)
}

// firingRetention bounds the firing history kept by the pruning drivers.
const firingRetention = 30 * 24 * time.Hour

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" || driver == "off" || driver == "disabled" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mongo", "mongodb":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return openMongo(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
