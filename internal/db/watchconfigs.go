package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stenohq/steno/internal/errkind"
)

const watchConfigCols = `id, workspace_id, directory_path, extensions,
	recursive, is_active, debounce_ms, created_at, updated_at`

// WatchConfig describes one watched directory for one workspace.
// Extensions is a comma-separated list of dot-prefixed extensions.
type WatchConfig struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspace_id"`
	DirectoryPath string `json:"directory_path"`
	Extensions    string `json:"extensions"`
	Recursive     bool   `json:"recursive"`
	IsActive      bool   `json:"is_active"`
	DebounceMs    int    `json:"debounce_ms"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func scanWatchConfigRow(rs rowScanner) (WatchConfig, error) {
	var w WatchConfig
	err := rs.Scan(
		&w.ID, &w.WorkspaceID, &w.DirectoryPath, &w.Extensions,
		&w.Recursive, &w.IsActive, &w.DebounceMs,
		&w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

// CreateWatchConfig inserts a new watch configuration.
func (db *DB) CreateWatchConfig(w WatchConfig) (WatchConfig, error) {
	if w.ID == "" {
		w.ID = NewID()
	}
	if w.Extensions == "" {
		w.Extensions = ".jsonl"
	}
	if w.DebounceMs <= 0 {
		w.DebounceMs = 1000
	}
	now := Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO watch_configs (`+watchConfigCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.WorkspaceID, w.DirectoryPath, w.Extensions,
			w.Recursive, w.IsActive, w.DebounceMs, w.CreatedAt, w.UpdatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return WatchConfig{}, errkind.Newf(errkind.Conflict,
				"directory %s is already watched in this workspace", w.DirectoryPath)
		}
		return WatchConfig{}, fmt.Errorf("creating watch config: %w", err)
	}
	return w, nil
}

// UpdateWatchConfig rewrites a watch configuration's mutable fields.
// is_active is owned by the daemon manager and not touched here.
func (db *DB) UpdateWatchConfig(w WatchConfig) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE watch_configs SET
				directory_path = ?, extensions = ?, recursive = ?,
				debounce_ms = ?, updated_at = ?
			WHERE workspace_id = ? AND id = ?`,
			w.DirectoryPath, w.Extensions, w.Recursive,
			w.DebounceMs, Now(), w.WorkspaceID, w.ID)
		if err != nil {
			return fmt.Errorf("updating watch config %s: %w", w.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.Newf(errkind.NotFound, "watch config %s not found", w.ID)
		}
		return nil
	})
}

// SetWatchActive flips the daemon-owned active flag.
func (db *DB) SetWatchActive(id string, active bool) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE watch_configs SET is_active = ?, updated_at = ? WHERE id = ?",
			active, Now(), id)
		return err
	})
}

// GetWatchConfig returns one watch configuration scoped to a workspace.
func (db *DB) GetWatchConfig(ctx context.Context, workspaceID, id string) (*WatchConfig, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+watchConfigCols+" FROM watch_configs WHERE workspace_id = ? AND id = ?",
		workspaceID, id)
	w, err := scanWatchConfigRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "watch config %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting watch config %s: %w", id, err)
	}
	return &w, nil
}

// ListWatchConfigs returns the watch configurations of a workspace. Pass an
// empty workspace id to list all, for daemon autostart.
func (db *DB) ListWatchConfigs(ctx context.Context, workspaceID string) ([]WatchConfig, error) {
	query := "SELECT " + watchConfigCols + " FROM watch_configs"
	var args []any
	if workspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " ORDER BY created_at"

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying watch configs: %w", err)
	}
	defer rows.Close()

	var configs []WatchConfig
	for rows.Next() {
		w, err := scanWatchConfigRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning watch config: %w", err)
		}
		configs = append(configs, w)
	}
	return configs, rows.Err()
}

// DeleteWatchConfig removes a watch configuration.
func (db *DB) DeleteWatchConfig(workspaceID, id string) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM watch_configs WHERE workspace_id = ? AND id = ?",
			workspaceID, id)
		if err != nil {
			return fmt.Errorf("deleting watch config %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.Newf(errkind.NotFound, "watch config %s not found", id)
		}
		return nil
	})
}
