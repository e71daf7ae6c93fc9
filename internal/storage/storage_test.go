package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "schedcore/pkg/logx"
)

func roundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := st.LoadTemplate(ctx, "heating")
	require.NoError(t, err)
	require.False(t, ok)

	recs := json.RawMessage(`[{"day":"default","at":"06:00","value":"21.0"}]`)
	require.NoError(t, st.SaveTemplate(ctx, TemplateDoc{Name: "heating", Records: recs, Revision: 1}))

	recs2 := json.RawMessage(`[{"day":"default","at":"07:00","value":"20.0"}]`)
	require.NoError(t, st.SaveTemplate(ctx, TemplateDoc{Name: "heating", Records: recs2, Revision: 2}))

	doc, ok, err := st.LoadTemplate(ctx, "heating")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), doc.Revision)
	require.JSONEq(t, string(recs2), string(doc.Records))

	require.Error(t, st.SaveTemplate(ctx, TemplateDoc{Name: " "}))

	at := time.Date(2024, 5, 13, 6, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendFiring(ctx, FiringEntry{At: at, Scheduler: "heating", Kind: "template", Target: at, Value: "21.0"}))
	require.NoError(t, st.AppendFiring(ctx, FiringEntry{At: at.Add(time.Hour), Scheduler: "heating", Kind: "template", Target: at.Add(time.Hour), Value: "20.0"}))
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "schedd.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	roundTrip(t, st)
	require.NoError(t, st.Close())

	// Reopen: state survives via snapshot (compacted on close).
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	doc, ok, err := st.LoadTemplate(context.Background(), "heating")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), doc.Revision)

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "schedd.firings.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"value":"20.0"`)
}

func TestFileStoreReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "s.templates.journal.jsonl")
	lines := `{"name":"a","records":[],"revision":1}
{"name":"a","records":[],"revision":3}
{"name":"b","rec` // torn write
	require.NoError(t, os.WriteFile(journal, []byte(lines), 0o600))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "s.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	doc, ok, err := st.LoadTemplate(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), doc.Revision)
	_, ok, _ = st.LoadTemplate(context.Background(), "b")
	require.False(t, ok)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedd.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	roundTrip(t, st)

	h, ok := st.(History)
	require.True(t, ok)
	got, err := h.RecentFirings(context.Background(), "heating", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "20.0", got[0].Value)
	require.Equal(t, "template", got[0].Kind)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	doc, ok, err := st.LoadTemplate(context.Background(), "heating")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), doc.Revision)
}

func TestSQLitePrune(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	s := st.(*sqliteStore)
	ctx := context.Background()

	old := time.Now().Add(-2 * firingRetention)
	require.NoError(t, s.AppendFiring(ctx, FiringEntry{At: old, Scheduler: "x", Kind: "period", Target: old}))
	require.NoError(t, s.AppendFiring(ctx, FiringEntry{Scheduler: "x", Kind: "period", Target: time.Now()}))
	require.NoError(t, s.pruneFirings(ctx, time.Now().Add(-firingRetention)))

	got, err := s.RecentFirings(ctx, "x", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("SCHEDCORE_MONGO_URI")
	if uri == "" {
		t.Skip("SCHEDCORE_MONGO_URI not set")
	}
	db := "schedcore_test_" + time.Now().Format("20060102150405")
	st, err := Open(Config{Driver: "mongodb", URI: uri, Database: db}, logx.Nop())
	if err != nil {
		t.Skipf("mongodb not available: %v", err)
	}
	defer func() {
		_ = st.(*mongoStore).client.Database(db).Drop(context.Background())
		_ = st.Close()
	}()
	roundTrip(t, st)

	got, err := st.(History).RecentFirings(context.Background(), "heating", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "20.0", got[0].Value)
}
