package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stenohq/steno/internal/errkind"
)

// IngestionJob statuses.
const (
	JobPending   = "pending"
	JobSuccess   = "success"
	JobDuplicate = "duplicate"
	JobSkipped   = "skipped"
	JobFailed    = "failed"
)

const jobCols = `id, workspace_id, conversation_id, raw_log_id, status,
	source_type, source_config_id, caller, file_path, change_class,
	parser_name, parser_version, parse_method, messages_added,
	error_kind, error, stage_metrics, warnings, started_at, completed_at`

// IngestionJob is the audit record for one ingest attempt.
type IngestionJob struct {
	ID             string  `json:"id"`
	WorkspaceID    string  `json:"workspace_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	RawLogID       *string `json:"raw_log_id,omitempty"`
	Status         string  `json:"status"`
	SourceType     string  `json:"source_type"`
	SourceConfigID *string `json:"source_config_id,omitempty"`
	Caller         *string `json:"caller,omitempty"`
	FilePath       *string `json:"file_path,omitempty"`
	ChangeClass    *string `json:"change_class,omitempty"`
	ParserName     *string `json:"parser_name,omitempty"`
	ParserVersion  *string `json:"parser_version,omitempty"`
	ParseMethod    *string `json:"parse_method,omitempty"`
	MessagesAdded  int     `json:"messages_added"`
	ErrorKind      *string `json:"error_kind,omitempty"`
	Error          *string `json:"error,omitempty"`
	StageMetrics   string  `json:"stage_metrics,omitempty"`
	Warnings       string  `json:"warnings,omitempty"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

func scanJobRow(rs rowScanner) (IngestionJob, error) {
	var (
		j                                    IngestionJob
		convID, rawLogID, srcCfg, caller     sql.NullString
		filePath, changeClass, parserName    sql.NullString
		parserVersion, parseMethod           sql.NullString
		errorKind, errorMsg, metrics, warns  sql.NullString
		completedAt                          sql.NullString
	)
	err := rs.Scan(
		&j.ID, &j.WorkspaceID, &convID, &rawLogID, &j.Status,
		&j.SourceType, &srcCfg, &caller, &filePath, &changeClass,
		&parserName, &parserVersion, &parseMethod, &j.MessagesAdded,
		&errorKind, &errorMsg, &metrics, &warns, &j.StartedAt, &completedAt,
	)
	if err != nil {
		return IngestionJob{}, err
	}
	j.ConversationID = nullable(convID)
	j.RawLogID = nullable(rawLogID)
	j.SourceConfigID = nullable(srcCfg)
	j.Caller = nullable(caller)
	j.FilePath = nullable(filePath)
	j.ChangeClass = nullable(changeClass)
	j.ParserName = nullable(parserName)
	j.ParserVersion = nullable(parserVersion)
	j.ParseMethod = nullable(parseMethod)
	j.ErrorKind = nullable(errorKind)
	j.Error = nullable(errorMsg)
	j.StageMetrics = metrics.String
	j.Warnings = warns.String
	j.CompletedAt = nullable(completedAt)
	return j, nil
}

// CreateJob opens a pending ingestion job. Job rows are written outside the
// per-file ingest transaction so failed attempts survive the rollback.
func (db *DB) CreateJob(j IngestionJob) (IngestionJob, error) {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	j.StartedAt = Now()
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO ingestion_jobs (id, workspace_id, status,
				source_type, source_config_id, caller, file_path, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.WorkspaceID, j.Status, j.SourceType,
			nullablePtr(j.SourceConfigID), nullablePtr(j.Caller),
			nullablePtr(j.FilePath), j.StartedAt)
		return err
	})
	if err != nil {
		return IngestionJob{}, fmt.Errorf("creating ingestion job: %w", err)
	}
	return j, nil
}

// CloseJob records the job's final status, outcome fields, and metrics.
func (db *DB) CloseJob(j IngestionJob) error {
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE ingestion_jobs SET
				status = ?, conversation_id = ?, raw_log_id = ?,
				change_class = ?, parser_name = ?, parser_version = ?,
				parse_method = ?, messages_added = ?,
				error_kind = ?, error = ?, stage_metrics = ?, warnings = ?,
				completed_at = ?
			WHERE id = ?`,
			j.Status, nullablePtr(j.ConversationID), nullablePtr(j.RawLogID),
			nullablePtr(j.ChangeClass), nullablePtr(j.ParserName),
			nullablePtr(j.ParserVersion), nullablePtr(j.ParseMethod),
			j.MessagesAdded,
			nullablePtr(j.ErrorKind), nullablePtr(j.Error),
			nilIfEmpty(j.StageMetrics), nilIfEmpty(j.Warnings),
			Now(), j.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("closing ingestion job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns one job scoped to a workspace.
func (db *DB) GetJob(ctx context.Context, workspaceID, id string) (*IngestionJob, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+jobCols+" FROM ingestion_jobs WHERE workspace_id = ? AND id = ?",
		workspaceID, id)
	j, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "ingestion job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting ingestion job %s: %w", id, err)
	}
	return &j, nil
}

// ListJobs returns recent jobs for a workspace, optionally filtered by
// status, newest first.
func (db *DB) ListJobs(ctx context.Context, workspaceID, status string, limit int) ([]IngestionJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT " + jobCols + " FROM ingestion_jobs WHERE workspace_id = ?"
	args := []any{workspaceID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion jobs: %w", err)
	}
	defer rows.Close()

	var jobs []IngestionJob
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ingestion job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns job counts for a file hash, used by tests and
// the stats endpoint.
func (db *DB) CountJobsByStatus(ctx context.Context, workspaceID string) (map[string]int, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM ingestion_jobs
		WHERE workspace_id = ? GROUP BY status`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
