package db

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stenohq/steno/internal/errkind"
)

// conversationCols is the column list for conversation queries. Keep in
// sync with scanConversationRow.
const conversationCols = `id, workspace_id, project_id, developer_id,
	agent_type, agent_version, session_id, parent_session_id,
	parent_conversation_id, collector_session_id, conversation_type,
	status, success, working_directory, git_branch,
	started_at, ended_at, message_count, epoch_count, files_count,
	last_event_sequence, agent_metadata, extra_data, tags, plans,
	created_at, updated_at`

const (
	// DefaultConversationLimit is the default page size.
	DefaultConversationLimit = 50
	// MaxConversationLimit is the maximum page size.
	MaxConversationLimit = 200
)

// Conversation is the aggregate root of one session.
type Conversation struct {
	ID                   string  `json:"id"`
	WorkspaceID          string  `json:"workspace_id"`
	ProjectID            *string `json:"project_id,omitempty"`
	DeveloperID          *string `json:"developer_id,omitempty"`
	AgentType            string  `json:"agent_type"`
	AgentVersion         *string `json:"agent_version,omitempty"`
	SessionID            *string `json:"session_id,omitempty"`
	ParentSessionID      *string `json:"parent_session_id,omitempty"`
	ParentConversationID *string `json:"parent_conversation_id,omitempty"`
	CollectorSessionID   *string `json:"collector_session_id,omitempty"`
	Type                 string  `json:"conversation_type"`
	Status               string  `json:"status"`
	Success              *bool   `json:"success,omitempty"`
	WorkingDirectory     *string `json:"working_directory,omitempty"`
	GitBranch            *string `json:"git_branch,omitempty"`
	StartedAt            *string `json:"started_at,omitempty"`
	EndedAt              *string `json:"ended_at,omitempty"`
	MessageCount         int     `json:"message_count"`
	EpochCount           int     `json:"epoch_count"`
	FilesCount           int     `json:"files_count"`
	LastEventSequence    int64   `json:"last_event_sequence"`
	AgentMetadata        string  `json:"agent_metadata,omitempty"`
	ExtraData            string  `json:"extra_data,omitempty"`
	Tags                 string  `json:"tags,omitempty"`
	Plans                string  `json:"plans,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

func scanConversationRow(rs rowScanner) (Conversation, error) {
	var (
		c                            Conversation
		success                      sql.NullBool
		meta, extra, tags, plans     sql.NullString
		projectID, developerID       sql.NullString
		agentVersion, sessionID      sql.NullString
		parentSession, parentConv    sql.NullString
		collectorSession, workingDir sql.NullString
		gitBranch, startedAt, ended  sql.NullString
	)
	err := rs.Scan(
		&c.ID, &c.WorkspaceID, &projectID, &developerID,
		&c.AgentType, &agentVersion, &sessionID, &parentSession,
		&parentConv, &collectorSession, &c.Type,
		&c.Status, &success, &workingDir, &gitBranch,
		&startedAt, &ended, &c.MessageCount, &c.EpochCount, &c.FilesCount,
		&c.LastEventSequence, &meta, &extra, &tags, &plans,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	c.ProjectID = nullable(projectID)
	c.DeveloperID = nullable(developerID)
	c.AgentVersion = nullable(agentVersion)
	c.SessionID = nullable(sessionID)
	c.ParentSessionID = nullable(parentSession)
	c.ParentConversationID = nullable(parentConv)
	c.CollectorSessionID = nullable(collectorSession)
	c.WorkingDirectory = nullable(workingDir)
	c.GitBranch = nullable(gitBranch)
	c.StartedAt = nullable(startedAt)
	c.EndedAt = nullable(ended)
	if success.Valid {
		c.Success = &success.Bool
	}
	c.AgentMetadata = meta.String
	c.ExtraData = extra.String
	c.Tags = tags.String
	c.Plans = plans.String
	return c, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullablePtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// InsertConversationTx inserts a new conversation row.
func InsertConversationTx(tx *sql.Tx, c Conversation) error {
	now := Now()
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = now
	}
	_, err := tx.Exec(`
		INSERT INTO conversations (`+conversationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, nullablePtr(c.ProjectID), nullablePtr(c.DeveloperID),
		c.AgentType, nullablePtr(c.AgentVersion), nullablePtr(c.SessionID),
		nullablePtr(c.ParentSessionID), nullablePtr(c.ParentConversationID),
		nullablePtr(c.CollectorSessionID), c.Type,
		c.Status, nullableBool(c.Success), nullablePtr(c.WorkingDirectory),
		nullablePtr(c.GitBranch), nullablePtr(c.StartedAt), nullablePtr(c.EndedAt),
		c.MessageCount, c.EpochCount, c.FilesCount,
		c.LastEventSequence, nilIfEmpty(c.AgentMetadata), nilIfEmpty(c.ExtraData),
		nilIfEmpty(c.Tags), nilIfEmpty(c.Plans),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation %s: %w", c.ID, err)
	}
	return nil
}

// UpdateConversationTx rewrites the mutable attributes of a conversation.
func UpdateConversationTx(tx *sql.Tx, c Conversation) error {
	_, err := tx.Exec(`
		UPDATE conversations SET
			project_id = ?, developer_id = ?,
			agent_type = ?, agent_version = ?,
			session_id = ?, parent_session_id = ?,
			parent_conversation_id = ?,
			conversation_type = ?, status = ?, success = ?,
			working_directory = ?, git_branch = ?,
			started_at = ?, ended_at = ?,
			last_event_sequence = ?,
			agent_metadata = ?, extra_data = ?, tags = ?, plans = ?,
			updated_at = ?
		WHERE id = ?`,
		nullablePtr(c.ProjectID), nullablePtr(c.DeveloperID),
		c.AgentType, nullablePtr(c.AgentVersion),
		nullablePtr(c.SessionID), nullablePtr(c.ParentSessionID),
		nullablePtr(c.ParentConversationID),
		c.Type, c.Status, nullableBool(c.Success),
		nullablePtr(c.WorkingDirectory), nullablePtr(c.GitBranch),
		nullablePtr(c.StartedAt), nullablePtr(c.EndedAt),
		c.LastEventSequence,
		nilIfEmpty(c.AgentMetadata), nilIfEmpty(c.ExtraData),
		nilIfEmpty(c.Tags), nilIfEmpty(c.Plans),
		Now(), c.ID)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversationTx returns one conversation scoped to a workspace. A
// cross-workspace id reads as NotFound so tenants cannot be enumerated.
func GetConversationTx(tx *sql.Tx, workspaceID, id string) (*Conversation, error) {
	row := tx.QueryRow(
		"SELECT "+conversationCols+" FROM conversations WHERE workspace_id = ? AND id = ?",
		workspaceID, id)
	return oneConversation(row, id)
}

// GetConversation is the reader-pool variant of GetConversationTx.
func (db *DB) GetConversation(ctx context.Context, workspaceID, id string) (*Conversation, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+conversationCols+" FROM conversations WHERE workspace_id = ? AND id = ?",
		workspaceID, id)
	return oneConversation(row, id)
}

func oneConversation(row *sql.Row, id string) (*Conversation, error) {
	c, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &c, nil
}

// FindConversationBySessionTx looks up a conversation by its native session
// id within one workspace.
func FindConversationBySessionTx(tx *sql.Tx, workspaceID, sessionID string) (*Conversation, error) {
	row := tx.QueryRow(
		"SELECT "+conversationCols+` FROM conversations
		 WHERE workspace_id = ? AND session_id = ?
		 ORDER BY created_at LIMIT 1`,
		workspaceID, sessionID)
	c, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding conversation by session %s: %w", sessionID, err)
	}
	return &c, nil
}

// FindConversationByCollectorSessionTx looks up a collector-originated
// conversation by its caller-chosen session id.
func FindConversationByCollectorSessionTx(tx *sql.Tx, workspaceID, collectorSessionID string) (*Conversation, error) {
	row := tx.QueryRow(
		"SELECT "+conversationCols+` FROM conversations
		 WHERE workspace_id = ? AND collector_session_id = ?`,
		workspaceID, collectorSessionID)
	c, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding collector session %s: %w", collectorSessionID, err)
	}
	return &c, nil
}

// FindConversationByCollectorSession is the reader-pool variant.
func (db *DB) FindConversationByCollectorSession(ctx context.Context, workspaceID, collectorSessionID string) (*Conversation, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+conversationCols+` FROM conversations
		 WHERE workspace_id = ? AND collector_session_id = ?`,
		workspaceID, collectorSessionID)
	c, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding collector session %s: %w", collectorSessionID, err)
	}
	return &c, nil
}

// RecountConversationTx recomputes the denormalized message, epoch, and
// files counts from the owned rows.
func RecountConversationTx(tx *sql.Tx, conversationID string) error {
	_, err := tx.Exec(`
		UPDATE conversations SET
			message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?),
			epoch_count = (SELECT COUNT(*) FROM epochs WHERE conversation_id = ?),
			files_count = (
				SELECT COUNT(DISTINCT value)
				FROM messages, json_each(COALESCE(messages.code_changes, '[]'))
				WHERE messages.conversation_id = ?
				  AND json_extract(value, '$.file_path') IS NOT NULL
			),
			updated_at = ?
		WHERE id = ?`,
		conversationID, conversationID, conversationID, Now(), conversationID)
	if err != nil {
		return fmt.Errorf("recounting conversation %s: %w", conversationID, err)
	}
	return nil
}

// SetParentConversationTx links an agent conversation to its parent.
// Both sides must be in the same workspace; the predicate enforces it.
func SetParentConversationTx(tx *sql.Tx, workspaceID, childID, parentID string) error {
	res, err := tx.Exec(`
		UPDATE conversations SET parent_conversation_id = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ?
		  AND EXISTS (
			SELECT 1 FROM conversations p
			WHERE p.id = ? AND p.workspace_id = ?)`,
		parentID, Now(), childID, workspaceID, parentID, workspaceID)
	if err != nil {
		return fmt.Errorf("linking conversation %s to %s: %w", childID, parentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Newf(errkind.NotFound,
			"conversation %s or parent %s not found in workspace", childID, parentID)
	}
	return nil
}

// UpdateAgentMetadataTx replaces a conversation's free-form agent metadata.
func UpdateAgentMetadataTx(tx *sql.Tx, conversationID, metadataJSON string) error {
	_, err := tx.Exec(
		"UPDATE conversations SET agent_metadata = ?, updated_at = ? WHERE id = ?",
		nilIfEmpty(metadataJSON), Now(), conversationID)
	return err
}

// UpdateConversationTagsTx replaces a conversation's tag list.
func UpdateConversationTagsTx(tx *sql.Tx, conversationID, tagsJSON string) error {
	_, err := tx.Exec(
		"UPDATE conversations SET tags = ?, updated_at = ? WHERE id = ?",
		nilIfEmpty(tagsJSON), Now(), conversationID)
	return err
}

// UnlinkedAgents returns agent conversations in a workspace whose parent
// pointer is unresolved and whose linking attempts are below the threshold.
func (db *DB) UnlinkedAgents(ctx context.Context, workspaceID string, maxAttempts int) ([]Conversation, error) {
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+conversationCols+` FROM conversations
		 WHERE workspace_id = ?
		   AND parent_session_id IS NOT NULL
		   AND parent_conversation_id IS NULL
		   AND COALESCE(json_extract(agent_metadata, '$._linking_attempts'), 0) < ?
		 ORDER BY created_at`,
		workspaceID, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("querying unlinked agents: %w", err)
	}
	defer rows.Close()
	return scanConversationRows(rows)
}

func scanConversationRows(rows *sql.Rows) ([]Conversation, error) {
	var convos []Conversation
	for rows.Next() {
		c, err := scanConversationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// ChildConversations returns the agent conversations spawned by a parent,
// ordered by start time.
func (db *DB) ChildConversations(ctx context.Context, workspaceID, parentID string) ([]Conversation, error) {
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+conversationCols+` FROM conversations
		 WHERE workspace_id = ? AND parent_conversation_id = ?
		 ORDER BY COALESCE(started_at, created_at)`,
		workspaceID, parentID)
	if err != nil {
		return nil, fmt.Errorf("querying child conversations: %w", err)
	}
	defer rows.Close()
	return scanConversationRows(rows)
}

// ConversationFilter specifies how to query conversations.
type ConversationFilter struct {
	AgentType string
	Status    string
	Type      string
	ProjectID string
	Query     string // substring match on agent metadata and session id
	Cursor    string
	Limit     int
}

// ConversationPage is a page of conversation results.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor,omitempty"`
	Total         int            `json:"total"`
}

// Cursor is the opaque pagination token.
type Cursor struct {
	StartedAt string `json:"s"`
	ID        string `json:"i"`
	Total     int    `json:"t,omitempty"`
}

// ErrInvalidCursor is returned when a cursor cannot be decoded or verified.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor returns a signed, base64-encoded cursor string.
func (db *DB) EncodeCursor(startedAt, id string, total int) string {
	c := Cursor{StartedAt: startedAt, ID: id, Total: total}
	data, _ := json.Marshal(c)

	db.cursorMu.RLock()
	mac := hmac.New(sha256.New, db.cursorSecret)
	db.cursorMu.RUnlock()

	mac.Write(data)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(sig)
}

// DecodeCursor parses and verifies a cursor string.
func (db *DB) DecodeCursor(s string) (Cursor, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("%w: invalid format", ErrInvalidCursor)
	}

	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: invalid payload: %v", ErrInvalidCursor, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: invalid signature encoding: %v", ErrInvalidCursor, err)
	}

	db.cursorMu.RLock()
	mac := hmac.New(sha256.New, db.cursorSecret)
	db.cursorMu.RUnlock()

	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Cursor{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCursor)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: invalid json: %v", ErrInvalidCursor, err)
	}
	return c, nil
}

// buildConversationFilter returns a WHERE clause and args for the
// non-cursor predicates in ConversationFilter.
func buildConversationFilter(workspaceID string, f ConversationFilter) (string, []any) {
	preds := []string{"workspace_id = ?"}
	args := []any{workspaceID}

	if f.AgentType != "" {
		preds = append(preds, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.Status != "" {
		preds = append(preds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		preds = append(preds, "conversation_type = ?")
		args = append(args, f.Type)
	}
	if f.ProjectID != "" {
		preds = append(preds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Query != "" {
		preds = append(preds, `(
			COALESCE(agent_metadata, '') LIKE ? ESCAPE '\'
			OR COALESCE(session_id, '') LIKE ? ESCAPE '\')`)
		like := "%" + escapeLike(f.Query) + "%"
		args = append(args, like, like)
	}

	return strings.Join(preds, " AND "), args
}

// escapeLike escapes SQL LIKE wildcard characters so user input is matched
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListConversations returns a cursor-paginated, workspace-scoped page
// ordered by start time descending.
func (db *DB) ListConversations(ctx context.Context, workspaceID string, f ConversationFilter) (ConversationPage, error) {
	if f.Limit <= 0 || f.Limit > MaxConversationLimit {
		f.Limit = DefaultConversationLimit
	}

	where, args := buildConversationFilter(workspaceID, f)

	var total int
	var cur Cursor
	if f.Cursor != "" {
		var err error
		cur, err = db.DecodeCursor(f.Cursor)
		if err != nil {
			return ConversationPage{}, errkind.Wrap(errkind.InvalidArgument, "decoding cursor", err)
		}
		total = cur.Total
	}
	// Total applies filters but not the cursor; newer cursors carry the
	// first-page total so pagination does not re-count.
	if total <= 0 {
		countQuery := "SELECT COUNT(*) FROM conversations WHERE " + where
		if err := db.reader.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return ConversationPage{}, fmt.Errorf("counting conversations: %w", err)
		}
	}

	cursorArgs := append([]any{}, args...)
	cursorWhere := where
	if f.Cursor != "" {
		cursorWhere += ` AND (COALESCE(started_at, created_at), id) < (?, ?)`
		cursorArgs = append(cursorArgs, cur.StartedAt, cur.ID)
	}

	query := "SELECT " + conversationCols +
		" FROM conversations WHERE " + cursorWhere + `
		ORDER BY COALESCE(started_at, created_at) DESC, id DESC
		LIMIT ?`
	cursorArgs = append(cursorArgs, f.Limit+1)

	rows, err := db.reader.QueryContext(ctx, query, cursorArgs...)
	if err != nil {
		return ConversationPage{}, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	convos, err := scanConversationRows(rows)
	if err != nil {
		return ConversationPage{}, err
	}

	page := ConversationPage{Conversations: convos, Total: total}
	if len(convos) > f.Limit {
		page.Conversations = convos[:f.Limit]
		last := page.Conversations[f.Limit-1]
		sa := last.CreatedAt
		if last.StartedAt != nil {
			sa = *last.StartedAt
		}
		page.NextCursor = db.EncodeCursor(sa, last.ID, total)
	}

	return page, nil
}

// DeleteConversation removes a conversation and everything it owns
// (epochs, messages, raw logs, canonical caches, events, recommendations)
// via cascading foreign keys. Workspace-scoped.
func (db *DB) DeleteConversation(workspaceID, id string) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM conversations WHERE workspace_id = ? AND id = ?",
			workspaceID, id)
		if err != nil {
			return fmt.Errorf("deleting conversation %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.Newf(errkind.NotFound, "conversation %s not found", id)
		}
		return nil
	})
}

// FindPruneCandidates returns conversations whose activity ended before the
// cutoff, excluding parents of retained children.
func (db *DB) FindPruneCandidates(ctx context.Context, cutoff string) ([]Conversation, error) {
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+conversationCols+` FROM conversations
		 WHERE COALESCE(ended_at, started_at, created_at) < ?
		   AND NOT EXISTS (
			SELECT 1 FROM conversations child
			WHERE child.parent_conversation_id = conversations.id
			  AND COALESCE(child.ended_at, child.started_at, child.created_at) >= ?)
		 ORDER BY COALESCE(ended_at, started_at, created_at)`,
		cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding prune candidates: %w", err)
	}
	defer rows.Close()
	return scanConversationRows(rows)
}

// DeleteConversations removes multiple conversations by id in one
// transaction, batched to stay under SQLite variable limits.
func (db *DB) DeleteConversations(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	total := 0
	err := db.Update(func(tx *sql.Tx) error {
		const batchSize = 500
		for i := 0; i < len(ids); i += batchSize {
			end := min(i+batchSize, len(ids))
			batch := ids[i:end]

			args := make([]any, len(batch))
			for j, id := range batch {
				args[j] = id
			}
			placeholders := strings.Repeat(",?", len(batch))[1:]

			res, err := tx.Exec(
				"DELETE FROM conversations WHERE id IN ("+placeholders+")",
				args...)
			if err != nil {
				return fmt.Errorf("deleting batch: %w", err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	return total, err
}
