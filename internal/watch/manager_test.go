package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

func TestManagerStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)
	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	t.Cleanup(func() { m.StopAll(context.Background()) })

	require.NoError(t, m.Start(context.Background(), f.ws, wc.ID))
	assert.True(t, m.Running(wc.ID))

	stored, err := f.db.GetWatchConfig(context.Background(), f.ws, wc.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)

	// Idempotent: a second start neither errors nor doubles up.
	require.NoError(t, m.Start(context.Background(), f.ws, wc.ID))
	assert.True(t, m.Running(wc.ID))

	require.NoError(t, m.Stop(context.Background(), f.ws, wc.ID))
	assert.False(t, m.Running(wc.ID))
	stored, err = f.db.GetWatchConfig(context.Background(), f.ws, wc.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	// Stopping a stopped config is a no-op.
	require.NoError(t, m.Stop(context.Background(), f.ws, wc.ID))
}

func TestManagerStartUnknownConfig(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	err := m.Start(context.Background(), f.ws, "no-such-config")
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestManagerStartMissingDirectory(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)
	require.NoError(t, os.RemoveAll(f.dir))

	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	err := m.Start(context.Background(), f.ws, wc.ID)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
	assert.False(t, m.Running(wc.ID))
}

func TestManagerAutostart(t *testing.T) {
	f := newFixture(t)
	active := f.watchConfig(t, false)
	require.NoError(t, f.db.SetWatchActive(active.ID, true))

	dormant, err := f.db.CreateWatchConfig(configFor(f.ws, t.TempDir()))
	require.NoError(t, err)

	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	t.Cleanup(func() { m.StopAll(context.Background()) })

	require.NoError(t, m.Autostart(context.Background()))
	assert.True(t, m.Running(active.ID))
	assert.False(t, m.Running(dormant.ID))
}

func TestManagerStopAll(t *testing.T) {
	f := newFixture(t)
	first := f.watchConfig(t, false)
	second, err := f.db.CreateWatchConfig(configFor(f.ws, t.TempDir()))
	require.NoError(t, err)

	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	require.NoError(t, m.Start(context.Background(), f.ws, first.ID))
	require.NoError(t, m.Start(context.Background(), f.ws, second.ID))

	done := make(chan struct{})
	go func() {
		m.StopAll(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("StopAll did not finish")
	}
	assert.False(t, m.Running(first.ID))
	assert.False(t, m.Running(second.ID))
}

func TestManagerIngestsThroughStartedDaemon(t *testing.T) {
	f := newFixture(t)
	wc := f.watchConfig(t, false)
	m := NewManager(f.db, f.pipeline, f.cfg, f.logger)
	t.Cleanup(func() { m.StopAll(context.Background()) })

	require.NoError(t, m.Start(context.Background(), f.ws, wc.ID))
	require.NoError(t, os.WriteFile(
		filepath.Join(f.dir, "session.jsonl"), []byte(claudeSession("sess-mgr")), 0o644))

	require.Eventually(t, func() bool {
		return len(f.conversations(t)) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func configFor(workspaceID, dir string) db.WatchConfig {
	return db.WatchConfig{
		WorkspaceID:   workspaceID,
		DirectoryPath: dir,
		Extensions:    ".jsonl",
		DebounceMs:    50,
	}
}
