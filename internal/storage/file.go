package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	logx "schedcore/pkg/logx"
)

// compactEvery is the number of journal appends between snapshot compactions.
const compactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.firings.jsonl             (append-only JSON Lines)
//   - <prefix>.templates.snapshot.json   (periodic snapshot)
//   - <prefix>.templates.journal.jsonl   (append-only journal)
//
// The journal is periodically compacted into the snapshot; the last journal
// record for a template wins.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	firingsFile *os.File

	snapshotPath string
	journalFile  *os.File
	templates    map[string]TemplateDoc

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	firingsPath := prefix + ".firings.jsonl"
	snapPath := prefix + ".templates.snapshot.json"
	journalPath := prefix + ".templates.journal.jsonl"

	ff, err := os.OpenFile(firingsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	templates := map[string]TemplateDoc{}
	if err := loadSnapshot(snapPath, templates); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("template snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, templates); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("template journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		firingsFile:  ff,
		snapshotPath: snapPath,
		journalFile:  jf,
		templates:    templates,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs *multierror.Error
	if s.firingsFile != nil {
		errs = multierror.Append(errs, s.firingsFile.Close())
		s.firingsFile = nil
	}
	if s.journalFile != nil {
		if s.writes > 0 {
			if err := s.compactLocked(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		errs = multierror.Append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	return errs.ErrorOrNil()
}

func (s *fileStore) AppendFiring(ctx context.Context, e FiringEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firingsFile == nil {
		return errors.New("firings file closed")
	}
	return json.NewEncoder(s.firingsFile).Encode(e)
}

func (s *fileStore) SaveTemplate(ctx context.Context, doc TemplateDoc) error {
	_ = ctx
	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		return errors.New("template name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("template journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(doc); err != nil {
		return err
	}
	s.templates[doc.Name] = doc
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("template compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadTemplate(ctx context.Context, name string) (TemplateDoc, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.templates[strings.TrimSpace(name)]
	return doc, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.templates); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]TemplateDoc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TemplateDoc
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]TemplateDoc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var doc TemplateDoc
		if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
			// Torn final line after a crash.
			continue
		}
		if doc.Name == "" {
			continue
		}
		out[doc.Name] = doc
	}
	return sc.Err()
}
