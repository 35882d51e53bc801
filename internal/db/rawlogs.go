package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
)

const rawLogCols = `id, workspace_id, conversation_id, file_path, file_name,
	file_hash, file_size_bytes, last_processed_offset, last_processed_line,
	partial_hash, agent_type, parser_name, created_at, updated_at`

// RawLog records a source file's last observed state, one-to-one with a
// file-sourced conversation. It is the change detector's persisted cursor.
type RawLog struct {
	ID                  string  `json:"id"`
	WorkspaceID         string  `json:"workspace_id"`
	ConversationID      *string `json:"conversation_id,omitempty"`
	FilePath            string  `json:"file_path"`
	FileName            string  `json:"file_name"`
	FileHash            string  `json:"file_hash"`
	FileSizeBytes       int64   `json:"file_size_bytes"`
	LastProcessedOffset int64   `json:"last_processed_offset"`
	LastProcessedLine   int     `json:"last_processed_line"`
	PartialHash         *string `json:"partial_hash,omitempty"`
	AgentType           *string `json:"agent_type,omitempty"`
	ParserName          *string `json:"parser_name,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

func scanRawLogRow(rs rowScanner) (RawLog, error) {
	var (
		r                              RawLog
		convID, partial, agent, parser sql.NullString
	)
	err := rs.Scan(
		&r.ID, &r.WorkspaceID, &convID, &r.FilePath, &r.FileName,
		&r.FileHash, &r.FileSizeBytes, &r.LastProcessedOffset,
		&r.LastProcessedLine, &partial, &agent, &parser,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return RawLog{}, err
	}
	r.ConversationID = nullable(convID)
	r.PartialHash = nullable(partial)
	r.AgentType = nullable(agent)
	r.ParserName = nullable(parser)
	return r, nil
}

// InsertRawLogTx inserts a new raw log row.
func InsertRawLogTx(tx *sql.Tx, r RawLog) error {
	now := Now()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.FileName == "" {
		r.FileName = filepath.Base(r.FilePath)
	}
	_, err := tx.Exec(`
		INSERT INTO raw_logs (`+rawLogCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, nullablePtr(r.ConversationID),
		r.FilePath, r.FileName, r.FileHash, r.FileSizeBytes,
		r.LastProcessedOffset, r.LastProcessedLine,
		nullablePtr(r.PartialHash), nullablePtr(r.AgentType),
		nullablePtr(r.ParserName), now, now)
	if err != nil {
		return fmt.Errorf("inserting raw log for %s: %w", r.FilePath, err)
	}
	return nil
}

// UpdateRawLogCursorTx advances the stored parse cursor after a successful
// ingest: offset, line, size, partial hash, and content hash.
func UpdateRawLogCursorTx(tx *sql.Tx, r RawLog) error {
	_, err := tx.Exec(`
		UPDATE raw_logs SET
			file_hash = ?, file_size_bytes = ?,
			last_processed_offset = ?, last_processed_line = ?,
			partial_hash = ?, agent_type = ?, parser_name = ?,
			updated_at = ?
		WHERE id = ?`,
		r.FileHash, r.FileSizeBytes,
		r.LastProcessedOffset, r.LastProcessedLine,
		nullablePtr(r.PartialHash), nullablePtr(r.AgentType),
		nullablePtr(r.ParserName), Now(), r.ID)
	if err != nil {
		return fmt.Errorf("updating raw log %s: %w", r.ID, err)
	}
	return nil
}

// FindRawLogByHashTx looks up a raw log by content hash for file-level dedup.
func FindRawLogByHashTx(tx *sql.Tx, workspaceID, fileHash string) (*RawLog, error) {
	row := tx.QueryRow(
		"SELECT "+rawLogCols+" FROM raw_logs WHERE workspace_id = ? AND file_hash = ?",
		workspaceID, fileHash)
	r, err := scanRawLogRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding raw log by hash: %w", err)
	}
	return &r, nil
}

// FindRawLogByHash is the reader-pool variant of FindRawLogByHashTx.
func (db *DB) FindRawLogByHash(ctx context.Context, workspaceID, fileHash string) (*RawLog, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+rawLogCols+" FROM raw_logs WHERE workspace_id = ? AND file_hash = ?",
		workspaceID, fileHash)
	r, err := scanRawLogRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding raw log by hash: %w", err)
	}
	return &r, nil
}

// FindRawLogByPathTx looks up the raw log tracking a file path.
func FindRawLogByPathTx(tx *sql.Tx, workspaceID, filePath string) (*RawLog, error) {
	row := tx.QueryRow(
		"SELECT "+rawLogCols+` FROM raw_logs
		 WHERE workspace_id = ? AND file_path = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		workspaceID, filePath)
	r, err := scanRawLogRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding raw log by path: %w", err)
	}
	return &r, nil
}

// FindRawLogByPath is the reader-pool variant of FindRawLogByPathTx.
func (db *DB) FindRawLogByPath(ctx context.Context, workspaceID, filePath string) (*RawLog, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+rawLogCols+` FROM raw_logs
		 WHERE workspace_id = ? AND file_path = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		workspaceID, filePath)
	r, err := scanRawLogRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding raw log by path: %w", err)
	}
	return &r, nil
}

// ListRawLogsUnderDir returns the raw logs whose paths sit under a watched
// directory, for startup reconciliation.
func (db *DB) ListRawLogsUnderDir(ctx context.Context, workspaceID, dir string) ([]RawLog, error) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+rawLogCols+` FROM raw_logs
		 WHERE workspace_id = ? AND file_path LIKE ? ESCAPE '\'
		 ORDER BY file_path`,
		workspaceID, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("querying raw logs under %s: %w", dir, err)
	}
	defer rows.Close()

	var logs []RawLog
	for rows.Next() {
		r, err := scanRawLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning raw log: %w", err)
		}
		logs = append(logs, r)
	}
	return logs, rows.Err()
}
