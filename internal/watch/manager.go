package watch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/ingest"
)

// Manager owns the running daemons, one per watch configuration, and the
// is_active flag that mirrors them into the database.
type Manager struct {
	db       *db.DB
	pipeline *ingest.Pipeline
	cfg      *config.Config
	logger   *slog.Logger

	mu      sync.Mutex
	daemons map[string]*Daemon
}

// NewManager wires the daemon manager.
func NewManager(database *db.DB, pipeline *ingest.Pipeline, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		db:       database,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
		daemons:  make(map[string]*Daemon),
	}
}

// Start launches a daemon for the watch config, idempotently: starting an
// already-running config succeeds without a second daemon.
func (m *Manager) Start(ctx context.Context, workspaceID, watchConfigID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.daemons[watchConfigID]; running {
		return nil
	}

	watchCfg, err := m.db.GetWatchConfig(ctx, workspaceID, watchConfigID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DaemonOpTimeout)
	defer cancel()

	daemon, err := NewDaemon(*watchCfg, m.pipeline, m.db, m.cfg, m.logger)
	if err != nil {
		return err
	}
	// Daemon work outlives the start request.
	if err := daemon.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	m.daemons[watchConfigID] = daemon

	if err := m.db.SetWatchActive(watchConfigID, true); err != nil {
		m.logger.Warn("marking watch active failed",
			"watch_config_id", watchConfigID, "error", err.Error())
	}
	return nil
}

// Stop flushes and halts the daemon for one watch config. Stopping a config
// that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, workspaceID, watchConfigID string) error {
	m.mu.Lock()
	daemon, running := m.daemons[watchConfigID]
	delete(m.daemons, watchConfigID)
	m.mu.Unlock()

	if running {
		stopped := make(chan struct{})
		go func() {
			daemon.Stop()
			close(stopped)
		}()
		ctx, cancel := context.WithTimeout(ctx, m.cfg.DaemonOpTimeout)
		defer cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			m.logger.Warn("watch daemon stop timed out",
				"watch_config_id", watchConfigID)
		}
	}

	if err := m.db.SetWatchActive(watchConfigID, false); err != nil {
		m.logger.Warn("marking watch inactive failed",
			"watch_config_id", watchConfigID, "error", err.Error())
	}
	return nil
}

// Running reports whether a daemon currently serves the watch config.
func (m *Manager) Running(watchConfigID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.daemons[watchConfigID]
	return ok
}

// Autostart launches daemons for every watch config flagged active, across
// all workspaces. Individual failures are logged and skipped.
func (m *Manager) Autostart(ctx context.Context) error {
	configs, err := m.db.ListWatchConfigs(ctx, "")
	if err != nil {
		return err
	}
	for _, wc := range configs {
		if !wc.IsActive {
			continue
		}
		if err := m.Start(ctx, wc.WorkspaceID, wc.ID); err != nil {
			m.logger.Warn("autostarting watch failed",
				"watch_config_id", wc.ID, "error", err.Error())
		}
	}
	return nil
}

// StopAll flushes every running daemon concurrently, for shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([][2]string, 0, len(m.daemons))
	for id, daemon := range m.daemons {
		ids = append(ids, [2]string{daemon.watchCfg.WorkspaceID, id})
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, pair := range ids {
		workspaceID, id := pair[0], pair[1]
		g.Go(func() error {
			return m.Stop(ctx, workspaceID, id)
		})
	}
	_ = g.Wait()
}
