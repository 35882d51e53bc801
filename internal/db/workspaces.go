package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/stenohq/steno/internal/errkind"
)

// Organization is the outermost tenancy container.
type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Settings  string `json:"settings,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Workspace is the tenancy root every downstream entity is scoped to.
type Workspace struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Settings       string `json:"settings,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Project is derived from a working directory path, unique per workspace.
type Project struct {
	ID            string  `json:"id"`
	WorkspaceID   string  `json:"workspace_id"`
	DirectoryPath string  `json:"directory_path"`
	Name          string  `json:"name"`
	LastActiveAt  *string `json:"last_active_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Developer is identified by (workspace_id, username).
type Developer struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	Username    string  `json:"username"`
	Email       *string `json:"email,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// NewID returns a time-ordered unique id for server-generated entities.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// CreateOrganization inserts a new organization. Duplicate names conflict.
func (db *DB) CreateOrganization(name, settings string) (Organization, error) {
	org := Organization{ID: NewID(), Name: name, Settings: settings, CreatedAt: Now()}
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO organizations (id, name, settings, created_at)
			VALUES (?, ?, ?, ?)`,
			org.ID, org.Name, nilIfEmpty(org.Settings), org.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Organization{}, errkind.Newf(errkind.Conflict,
				"organization %q already exists", name)
		}
		return Organization{}, fmt.Errorf("creating organization: %w", err)
	}
	return org, nil
}

// CreateWorkspace inserts a new workspace under an organization.
func (db *DB) CreateWorkspace(orgID, name string) (Workspace, error) {
	ws := Workspace{ID: NewID(), OrganizationID: orgID, Name: name, CreatedAt: Now()}
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO workspaces (id, organization_id, name, created_at)
			VALUES (?, ?, ?, ?)`,
			ws.ID, ws.OrganizationID, ws.Name, ws.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Workspace{}, errkind.Newf(errkind.Conflict,
				"workspace %q already exists in organization", name)
		}
		return Workspace{}, fmt.Errorf("creating workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace returns one workspace by id.
func (db *DB) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var (
		ws       Workspace
		settings sql.NullString
	)
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, organization_id, name, settings, created_at
		FROM workspaces WHERE id = ?`, id).
		Scan(&ws.ID, &ws.OrganizationID, &ws.Name, &settings, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "workspace %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting workspace %s: %w", id, err)
	}
	ws.Settings = settings.String
	return &ws, nil
}

// ListWorkspaces returns every workspace, oldest first.
func (db *DB) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, organization_id, name, settings, created_at
		FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var (
			ws       Workspace
			settings sql.NullString
		)
		if err := rows.Scan(&ws.ID, &ws.OrganizationID, &ws.Name, &settings, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		ws.Settings = settings.String
		out = append(out, ws)
	}
	return out, rows.Err()
}

// SetupCounts summarizes tenancy bootstrap state.
type SetupCounts struct {
	Organizations int `json:"organizations"`
	Workspaces    int `json:"workspaces"`
	Collectors    int `json:"collectors"`
}

// SetupStatus returns how far tenancy bootstrap has progressed.
func (db *DB) SetupStatus(ctx context.Context) (SetupCounts, error) {
	var c SetupCounts
	err := db.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM organizations),
			(SELECT COUNT(*) FROM workspaces),
			(SELECT COUNT(*) FROM collectors)`).
		Scan(&c.Organizations, &c.Workspaces, &c.Collectors)
	if err != nil {
		return SetupCounts{}, fmt.Errorf("querying setup status: %w", err)
	}
	return c, nil
}

// GetOrCreateProjectTx finds or inserts the project for a working directory.
// Insert-with-conflict-ignore then select keeps concurrent callers safe.
// An empty name falls back to the directory's base name.
func GetOrCreateProjectTx(tx *sql.Tx, workspaceID, directoryPath, name string) (Project, error) {
	if name == "" {
		name = filepath.Base(directoryPath)
	}
	if _, err := tx.Exec(`
		INSERT INTO projects (id, workspace_id, directory_path, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, directory_path) DO NOTHING`,
		NewID(), workspaceID, directoryPath, name, Now()); err != nil {
		return Project{}, fmt.Errorf("inserting project: %w", err)
	}

	var (
		p          Project
		lastActive sql.NullString
	)
	err := tx.QueryRow(`
		SELECT id, workspace_id, directory_path, name, last_active_at, created_at
		FROM projects WHERE workspace_id = ? AND directory_path = ?`,
		workspaceID, directoryPath).
		Scan(&p.ID, &p.WorkspaceID, &p.DirectoryPath, &p.Name, &lastActive, &p.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("selecting project: %w", err)
	}
	if lastActive.Valid {
		p.LastActiveAt = &lastActive.String
	}
	return p, nil
}

// TouchProjectTx stamps the project's last activity time.
func TouchProjectTx(tx *sql.Tx, projectID string) error {
	_, err := tx.Exec(
		"UPDATE projects SET last_active_at = ? WHERE id = ?",
		Now(), projectID)
	return err
}

// GetOrCreateDeveloperTx finds or inserts the developer for a username,
// race-safe under concurrent callers.
func GetOrCreateDeveloperTx(tx *sql.Tx, workspaceID, username string) (Developer, error) {
	if _, err := tx.Exec(`
		INSERT INTO developers (id, workspace_id, username, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, username) DO NOTHING`,
		NewID(), workspaceID, username, Now()); err != nil {
		return Developer{}, fmt.Errorf("inserting developer: %w", err)
	}

	var (
		d     Developer
		email sql.NullString
	)
	err := tx.QueryRow(`
		SELECT id, workspace_id, username, email, created_at
		FROM developers WHERE workspace_id = ? AND username = ?`,
		workspaceID, username).
		Scan(&d.ID, &d.WorkspaceID, &d.Username, &email, &d.CreatedAt)
	if err != nil {
		return Developer{}, fmt.Errorf("selecting developer: %w", err)
	}
	if email.Valid {
		d.Email = &email.String
	}
	return d, nil
}

// GetOrCreateProject is the standalone variant for callers outside an
// ingest transaction.
func (db *DB) GetOrCreateProject(workspaceID, directoryPath string) (Project, error) {
	var p Project
	err := db.Update(func(tx *sql.Tx) error {
		var err error
		p, err = GetOrCreateProjectTx(tx, workspaceID, directoryPath, "")
		return err
	})
	return p, err
}

// GetOrCreateDeveloper is the standalone variant for callers outside an
// ingest transaction.
func (db *DB) GetOrCreateDeveloper(workspaceID, username string) (Developer, error) {
	var d Developer
	err := db.Update(func(tx *sql.Tx) error {
		var err error
		d, err = GetOrCreateDeveloperTx(tx, workspaceID, username)
		return err
	})
	return d, err
}

// isUniqueViolation sniffs SQLite unique constraint failures without
// importing driver error types everywhere.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
