package db

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	messageCols = `id, conversation_id, epoch_id, sequence, role, content,
		thinking, model, timestamp, tool_calls, tool_results, code_changes,
		tokens_input, tokens_output, created_at`

	// DefaultMessageLimit is the default number of messages returned.
	DefaultMessageLimit = 100
	// MaxMessageLimit is the maximum number of messages returned.
	MaxMessageLimit = 1000
)

// Epoch is an ordered segment within a conversation.
type Epoch struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Sequence       int     `json:"sequence"`
	Classification *string `json:"classification,omitempty"`
	StartedAt      *string `json:"started_at,omitempty"`
	EndedAt        *string `json:"ended_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Message is one persisted conversational message. The JSON columns carry
// the parser's structured tool and code-change data verbatim.
type Message struct {
	ID             int64   `json:"id"`
	ConversationID string  `json:"conversation_id"`
	EpochID        string  `json:"epoch_id"`
	Sequence       int     `json:"sequence"`
	Role           string  `json:"role"`
	Content        string  `json:"content"`
	Thinking       *string `json:"thinking,omitempty"`
	Model          *string `json:"model,omitempty"`
	Timestamp      *string `json:"timestamp,omitempty"`
	ToolCallsJSON  string  `json:"tool_calls,omitempty"`
	ToolResultsJSON string `json:"tool_results,omitempty"`
	CodeChangesJSON string `json:"code_changes,omitempty"`
	TokensInput    int64   `json:"tokens_input"`
	TokensOutput   int64   `json:"tokens_output"`
	CreatedAt      string  `json:"created_at"`
}

// CreateEpochTx inserts one epoch for a conversation.
func CreateEpochTx(tx *sql.Tx, conversationID string, sequence int, classification string) (Epoch, error) {
	e := Epoch{
		ID:             NewID(),
		ConversationID: conversationID,
		Sequence:       sequence,
		CreatedAt:      Now(),
	}
	if classification != "" {
		e.Classification = &classification
	}
	_, err := tx.Exec(`
		INSERT INTO epochs (id, conversation_id, sequence, classification, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.Sequence, nilIfEmpty(classification), e.CreatedAt)
	if err != nil {
		return Epoch{}, fmt.Errorf("inserting epoch %d: %w", sequence, err)
	}
	return e, nil
}

// EpochsTx returns the conversation's epochs ordered by sequence.
func EpochsTx(tx *sql.Tx, conversationID string) ([]Epoch, error) {
	rows, err := tx.Query(`
		SELECT id, conversation_id, sequence, classification, started_at, ended_at, created_at
		FROM epochs WHERE conversation_id = ? ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying epochs: %w", err)
	}
	defer rows.Close()
	return scanEpochs(rows)
}

// ListEpochs is the reader-pool variant of EpochsTx.
func (db *DB) ListEpochs(ctx context.Context, conversationID string) ([]Epoch, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, conversation_id, sequence, classification, started_at, ended_at, created_at
		FROM epochs WHERE conversation_id = ? ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying epochs: %w", err)
	}
	defer rows.Close()
	return scanEpochs(rows)
}

func scanEpochs(rows *sql.Rows) ([]Epoch, error) {
	var epochs []Epoch
	for rows.Next() {
		var (
			e                     Epoch
			class, started, ended sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &e.Sequence,
			&class, &started, &ended, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning epoch: %w", err)
		}
		e.Classification = nullable(class)
		e.StartedAt = nullable(started)
		e.EndedAt = nullable(ended)
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// MaxSequenceTx returns the highest message sequence in a conversation,
// or 0 when it has none.
func MaxSequenceTx(tx *sql.Tx, conversationID string) (int, error) {
	var maxSeq sql.NullInt64
	err := tx.QueryRow(
		"SELECT MAX(sequence) FROM messages WHERE conversation_id = ?",
		conversationID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("querying max sequence: %w", err)
	}
	return int(maxSeq.Int64), nil
}

// InsertMessagesTx batch-inserts messages within an existing transaction.
// Sequences must already be assigned strictly ascending; the
// (conversation_id, sequence) unique constraint backstops callers.
func InsertMessagesTx(tx *sql.Tx, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, epoch_id, sequence, role,
			content, thinking, model, timestamp, tool_calls, tool_results,
			code_changes, tokens_input, tokens_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	now := Now()
	for _, m := range msgs {
		if _, err := stmt.Exec(
			m.ConversationID, m.EpochID, m.Sequence, m.Role,
			m.Content, nullablePtr(m.Thinking), nullablePtr(m.Model),
			nullablePtr(m.Timestamp), nilIfEmpty(m.ToolCallsJSON),
			nilIfEmpty(m.ToolResultsJSON), nilIfEmpty(m.CodeChangesJSON),
			m.TokensInput, m.TokensOutput, now,
		); err != nil {
			return fmt.Errorf("inserting message seq=%d: %w", m.Sequence, err)
		}
	}
	return nil
}

// DeleteConversationMessagesTx drops all messages and epochs of a
// conversation, the first half of replace semantics.
func DeleteConversationMessagesTx(tx *sql.Tx, conversationID string) error {
	if _, err := tx.Exec(
		"DELETE FROM messages WHERE conversation_id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM epochs WHERE conversation_id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("deleting epochs: %w", err)
	}
	return nil
}

// ListMessages returns paginated messages for a conversation ordered by
// sequence ascending.
func (db *DB) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]Message, error) {
	if limit <= 0 || limit > MaxMessageLimit {
		limit = DefaultMessageLimit
	}
	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AllMessages returns every message of a conversation in sequence order.
func (db *DB) AllMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying all messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessageCount returns the number of persisted messages for a conversation.
func (db *DB) MessageCount(conversationID string) (int, error) {
	var count int
	err := db.reader.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?",
		conversationID,
	).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var (
			m                                     Message
			thinking, model, ts                   sql.NullString
			toolCalls, toolResults, codeChanges   sql.NullString
		)
		err := rows.Scan(
			&m.ID, &m.ConversationID, &m.EpochID, &m.Sequence, &m.Role,
			&m.Content, &thinking, &model, &ts, &toolCalls, &toolResults,
			&codeChanges, &m.TokensInput, &m.TokensOutput, &m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Thinking = nullable(thinking)
		m.Model = nullable(model)
		m.Timestamp = nullable(ts)
		m.ToolCallsJSON = toolCalls.String
		m.ToolResultsJSON = toolResults.String
		m.CodeChangesJSON = codeChanges.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
