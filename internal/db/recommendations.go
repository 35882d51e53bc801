package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stenohq/steno/internal/errkind"
)

const recommendationCols = `id, workspace_id, conversation_id, kind, title,
	body, confidence, model, cost_usd, status, created_at, updated_at`

// Recommendation is a workspace-scoped analytics output referencing a
// conversation.
type Recommendation struct {
	ID             string  `json:"id"`
	WorkspaceID    string  `json:"workspace_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	Confidence     float64 `json:"confidence"`
	Model          *string `json:"model,omitempty"`
	CostUSD        float64 `json:"cost_usd"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func scanRecommendationRow(rs rowScanner) (Recommendation, error) {
	var (
		r             Recommendation
		convID, model sql.NullString
	)
	err := rs.Scan(
		&r.ID, &r.WorkspaceID, &convID, &r.Kind, &r.Title,
		&r.Body, &r.Confidence, &model, &r.CostUSD, &r.Status,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Recommendation{}, err
	}
	r.ConversationID = nullable(convID)
	r.Model = nullable(model)
	return r, nil
}

// InsertRecommendationTx inserts a new recommendation row.
func InsertRecommendationTx(tx *sql.Tx, r Recommendation) error {
	now := Now()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = "open"
	}
	_, err := tx.Exec(`
		INSERT INTO recommendations (`+recommendationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, nullablePtr(r.ConversationID), r.Kind,
		r.Title, r.Body, r.Confidence, nullablePtr(r.Model),
		r.CostUSD, r.Status, now, now)
	if err != nil {
		return fmt.Errorf("inserting recommendation: %w", err)
	}
	return nil
}

// ListRecommendations returns recommendations for a workspace, optionally
// filtered by status and conversation, newest first.
func (db *DB) ListRecommendations(ctx context.Context, workspaceID, status, conversationID string, limit int) ([]Recommendation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT " + recommendationCols + " FROM recommendations WHERE workspace_id = ?"
	args := []any{workspaceID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if conversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recommendations: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		r, err := scanRecommendationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recommendation: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetRecommendation returns one recommendation scoped to a workspace.
func (db *DB) GetRecommendation(ctx context.Context, workspaceID, id string) (*Recommendation, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+recommendationCols+" FROM recommendations WHERE workspace_id = ? AND id = ?",
		workspaceID, id)
	r, err := scanRecommendationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "recommendation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting recommendation %s: %w", id, err)
	}
	return &r, nil
}

// UpdateRecommendationStatus transitions a recommendation's status.
func (db *DB) UpdateRecommendationStatus(workspaceID, id, status string) error {
	return db.Update(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE recommendations SET status = ?, updated_at = ?
			WHERE workspace_id = ? AND id = ?`,
			status, Now(), workspaceID, id)
		if err != nil {
			return fmt.Errorf("updating recommendation %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.Newf(errkind.NotFound, "recommendation %s not found", id)
		}
		return nil
	})
}
