package db

import (
	"context"
	"fmt"
)

// WorkspaceStats aggregates counts for one workspace. Each map groups a
// count by the column value it keys on.
type WorkspaceStats struct {
	ConversationsByStatus map[string]int `json:"conversations_by_status"`
	ConversationsByType   map[string]int `json:"conversations_by_type"`
	Messages              int            `json:"messages"`
	Plans                 int            `json:"plans"`
	Projects              int            `json:"projects"`
	Developers            int            `json:"developers"`
	RecentConversations   []DayCount     `json:"recent_conversations"`
}

// DayCount is one activity bucket.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Stats computes workspace aggregates with one query per table.
func (db *DB) Stats(ctx context.Context, workspaceID string) (WorkspaceStats, error) {
	stats := WorkspaceStats{
		ConversationsByStatus: make(map[string]int),
		ConversationsByType:   make(map[string]int),
	}

	rows, err := db.reader.QueryContext(ctx, `
		SELECT status, conversation_type, COUNT(*)
		FROM conversations WHERE workspace_id = ?
		GROUP BY status, conversation_type`, workspaceID)
	if err != nil {
		return stats, fmt.Errorf("counting conversations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, ctype string
		var n int
		if err := rows.Scan(&status, &ctype, &n); err != nil {
			return stats, fmt.Errorf("scanning conversation counts: %w", err)
		}
		stats.ConversationsByStatus[status] += n
		stats.ConversationsByType[ctype] += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = db.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages m
			 JOIN conversations c ON c.id = m.conversation_id
			 WHERE c.workspace_id = ?),
			(SELECT COUNT(*) FROM conversations
			 WHERE workspace_id = ? AND plans IS NOT NULL AND plans != '[]'),
			(SELECT COUNT(*) FROM projects WHERE workspace_id = ?),
			(SELECT COUNT(*) FROM developers WHERE workspace_id = ?)`,
		workspaceID, workspaceID, workspaceID, workspaceID).
		Scan(&stats.Messages, &stats.Plans, &stats.Projects, &stats.Developers)
	if err != nil {
		return stats, fmt.Errorf("counting workspace rows: %w", err)
	}

	dayRows, err := db.reader.QueryContext(ctx, `
		SELECT date(COALESCE(started_at, created_at)) AS day, COUNT(*)
		FROM conversations
		WHERE workspace_id = ?
		  AND COALESCE(started_at, created_at) >= date('now', '-14 days')
		GROUP BY day ORDER BY day`, workspaceID)
	if err != nil {
		return stats, fmt.Errorf("counting recent activity: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var dc DayCount
		if err := dayRows.Scan(&dc.Day, &dc.Count); err != nil {
			return stats, fmt.Errorf("scanning activity bucket: %w", err)
		}
		stats.RecentConversations = append(stats.RecentConversations, dc)
	}
	return stats, dayRows.Err()
}
