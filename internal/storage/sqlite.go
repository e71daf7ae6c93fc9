package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "schedcore/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTemplate(ctx context.Context, doc TemplateDoc) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(doc.Name) == "" {
		return errors.New("template name required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(name, records, revision, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET records=excluded.records, revision=excluded.revision, updated_at=excluded.updated_at`,
		doc.Name, string(doc.Records), int64(doc.Revision), doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadTemplate(ctx context.Context, name string) (TemplateDoc, bool, error) {
	if s == nil || s.db == nil {
		return TemplateDoc{}, false, ErrDisabled
	}
	var (
		records string
		rev     int64
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT records, revision, updated_at FROM templates WHERE name = ?`, name,
	).Scan(&records, &rev, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TemplateDoc{}, false, nil
	}
	if err != nil {
		return TemplateDoc{}, false, err
	}
	doc := TemplateDoc{Name: name, Records: []byte(records), Revision: uint64(rev)}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		doc.UpdatedAt = t
	}
	return doc, true, nil
}

func (s *sqliteStore) AppendFiring(ctx context.Context, e FiringEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO firings(at, scheduler, kind, target, value, catch_up) VALUES(?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Scheduler, e.Kind, e.Target.UnixMilli(), nullStr(e.Value), e.CatchUp,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneFirings(pctx, time.Now().Add(-firingRetention)); perr != nil {
			s.log.Debug("firing prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// RecentFirings returns up to limit firings of scheduler, newest first.
func (s *sqliteStore) RecentFirings(ctx context.Context, scheduler string, limit int) ([]FiringEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, target, COALESCE(value, ''), catch_up FROM firings
		 WHERE scheduler = ? ORDER BY at DESC, id DESC LIMIT ?`, scheduler, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FiringEntry
	for rows.Next() {
		var (
			at, target int64
			e          = FiringEntry{Scheduler: scheduler}
		)
		if err := rows.Scan(&at, &e.Kind, &target, &e.Value, &e.CatchUp); err != nil {
			return nil, err
		}
		e.At, e.Target = time.UnixMilli(at), time.UnixMilli(target)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneFirings(ctx context.Context, before time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM firings WHERE at < ?`, before.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
