package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/ingest"
	"github.com/stenohq/steno/internal/parser"
	"github.com/stenohq/steno/internal/testjsonl"
)

type fixture struct {
	db       *db.DB
	pipeline *ingest.Pipeline
	cfg      *config.Config
	logger   *slog.Logger
	ws       string
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "steno.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	org, err := database.CreateOrganization("test-org", "")
	require.NoError(t, err)
	ws, err := database.CreateWorkspace(org.ID, "test-ws")
	require.NoError(t, err)

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.RetryBase = 50 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		db:       database,
		pipeline: ingest.NewPipeline(database, parser.NewRegistry(logger), logger),
		cfg:      &cfg,
		logger:   logger,
		ws:       ws.ID,
		dir:      t.TempDir(),
	}
}

func (f *fixture) watchConfig(t *testing.T, recursive bool) db.WatchConfig {
	t.Helper()
	wc, err := f.db.CreateWatchConfig(db.WatchConfig{
		WorkspaceID:   f.ws,
		DirectoryPath: f.dir,
		Extensions:    ".jsonl",
		Recursive:     recursive,
		DebounceMs:    50,
	})
	require.NoError(t, err)
	return wc
}

func (f *fixture) startDaemon(t *testing.T, wc db.WatchConfig) *Daemon {
	t.Helper()
	d, err := NewDaemon(wc, f.pipeline, f.db, f.cfg, f.logger)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func claudeSession(sessionID string) string {
	return testjsonl.NewSessionBuilder().
		AddClaudeUserWithSessionID("2026-01-10T10:00:00Z", "why does the daemon leak goroutines", sessionID, "/home/dev/proj").
		AddClaudeAssistant("2026-01-10T10:00:05Z", "Checking the shutdown path.").
		String()
}

func (f *fixture) conversations(t *testing.T) []db.Conversation {
	t.Helper()
	page, err := f.db.ListConversations(context.Background(), f.ws, db.ConversationFilter{})
	require.NoError(t, err)
	return page.Conversations
}

func TestDaemonIngestsCreatedFile(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)
	f.startDaemon(t, wc)

	path := filepath.Join(f.dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(claudeSession("sess-watch-1")), 0o644))

	require.Eventually(t, func() bool {
		return len(f.conversations(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	rawLog, err := f.db.FindRawLogByPath(context.Background(), f.ws, path)
	require.NoError(t, err)
	require.NotNil(t, rawLog)

	jobs, err := f.db.ListJobs(context.Background(), f.ws, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, ingest.SourceWatch, jobs[0].SourceType)
	require.NotNil(t, jobs[0].SourceConfigID)
	assert.Equal(t, wc.ID, *jobs[0].SourceConfigID)
}

func TestDaemonIgnoresOtherExtensions(t *testing.T) {
	f := newFixture(t)
	f.startDaemon(t, f.watchConfig(t, false))

	require.NoError(t, os.WriteFile(
		filepath.Join(f.dir, "notes.txt"), []byte("not a session"), 0o644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, f.conversations(t))
}

func TestDaemonPicksUpAppends(t *testing.T) {
	f := newFixture(t)
	f.startDaemon(t, f.watchConfig(t, false))

	path := filepath.Join(f.dir, "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(claudeSession("sess-watch-2")), 0o644))
	require.Eventually(t, func() bool {
		return len(f.conversations(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString(testjsonl.ClaudeAssistantJSON(
		[]map[string]any{testjsonl.TextBlock("The stop channel was never closed.")},
		"2026-01-10T10:01:00Z") + "\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.Eventually(t, func() bool {
		convos := f.conversations(t)
		return len(convos) == 1 && convos[0].MessageCount == 3
	}, 10*time.Second, 50*time.Millisecond)
}

func TestReconcileIngestsOfflineChanges(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)

	// Known file changed while no daemon was running.
	knownPath := filepath.Join(f.dir, "known.jsonl")
	require.NoError(t, os.WriteFile(knownPath, []byte(claudeSession("sess-known")), 0o644))
	_, err := f.pipeline.IngestLogFile(context.Background(), f.ws, knownPath, ingest.Options{
		SourceType: ingest.SourceWatch,
	})
	require.NoError(t, err)

	file, err := os.OpenFile(knownPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString(testjsonl.ClaudeAssistantJSON(
		[]map[string]any{testjsonl.TextBlock("Fixed while you were away.")},
		"2026-01-10T10:02:00Z") + "\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	// Brand-new file with no cursor yet.
	newPath := filepath.Join(f.dir, "fresh.jsonl")
	require.NoError(t, os.WriteFile(newPath, []byte(claudeSession("sess-fresh")), 0o644))

	f.startDaemon(t, wc)

	require.Eventually(t, func() bool {
		convos := f.conversations(t)
		if len(convos) != 2 {
			return false
		}
		for _, c := range convos {
			if c.SessionID != nil && *c.SessionID == "sess-known" && c.MessageCount == 3 {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
}

func TestReconcileLeavesMissingFilesAlone(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)

	path := filepath.Join(f.dir, "ghost.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(claudeSession("sess-ghost")), 0o644))
	_, err := f.pipeline.IngestLogFile(context.Background(), f.ws, path, ingest.Options{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	f.startDaemon(t, wc)
	time.Sleep(400 * time.Millisecond)

	// Conversation and cursor survive the file's disappearance.
	assert.Len(t, f.conversations(t), 1)
	rawLog, err := f.db.FindRawLogByPath(context.Background(), f.ws, path)
	require.NoError(t, err)
	assert.NotNil(t, rawLog)
}

func TestRecursiveWatchCoversNewSubdirectories(t *testing.T) {
	f := newFixture(t)
	f.startDaemon(t, f.watchConfig(t, true))

	sub := filepath.Join(f.dir, "project-a")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give fsnotify a beat to register the new directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(
		filepath.Join(sub, "session.jsonl"), []byte(claudeSession("sess-sub")), 0o644))

	require.Eventually(t, func() bool {
		return len(f.conversations(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestFingerprintDistinguishesFileStates(t *testing.T) {
	now := time.Now()
	a := fingerprint("/tmp/x.jsonl", 100, now)
	assert.Equal(t, a, fingerprint("/tmp/x.jsonl", 100, now))
	assert.NotEqual(t, a, fingerprint("/tmp/x.jsonl", 101, now))
	assert.NotEqual(t, a, fingerprint("/tmp/x.jsonl", 100, now.Add(time.Millisecond)))
	assert.NotEqual(t, a, fingerprint("/tmp/y.jsonl", 100, now))
}
