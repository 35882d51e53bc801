package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stenohq/steno/internal/errkind"
)

// Collector is a registered remote event producer. Only the key hash and
// prefix are stored; the full API key is shown once at registration.
type Collector struct {
	ID               string  `json:"collector_id"`
	WorkspaceID      string  `json:"workspace_id"`
	CollectorType    string  `json:"collector_type"`
	CollectorVersion *string `json:"collector_version,omitempty"`
	Hostname         *string `json:"hostname,omitempty"`
	KeyHash          string  `json:"-"`
	KeyPrefix        string  `json:"api_key_prefix"`
	LastSeenAt       *string `json:"last_seen_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// CreateCollector registers a new collector.
func (db *DB) CreateCollector(c Collector) (Collector, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	c.CreatedAt = Now()
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO collectors (id, workspace_id, collector_type,
				collector_version, hostname, key_hash, key_prefix, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.WorkspaceID, c.CollectorType,
			nullablePtr(c.CollectorVersion), nullablePtr(c.Hostname),
			c.KeyHash, c.KeyPrefix, c.CreatedAt)
		return err
	})
	if err != nil {
		return Collector{}, fmt.Errorf("creating collector: %w", err)
	}
	return c, nil
}

// GetCollector returns one collector by id.
func (db *DB) GetCollector(ctx context.Context, id string) (*Collector, error) {
	var (
		c                 Collector
		version, hostname sql.NullString
		lastSeen          sql.NullString
	)
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, workspace_id, collector_type, collector_version,
			hostname, key_hash, key_prefix, last_seen_at, created_at
		FROM collectors WHERE id = ?`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.CollectorType, &version,
			&hostname, &c.KeyHash, &c.KeyPrefix, &lastSeen, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.NotFound, "collector %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting collector %s: %w", id, err)
	}
	c.CollectorVersion = nullable(version)
	c.Hostname = nullable(hostname)
	c.LastSeenAt = nullable(lastSeen)
	return &c, nil
}

// TouchCollector stamps the collector's last successful authentication.
func (db *DB) TouchCollector(id string) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE collectors SET last_seen_at = ? WHERE id = ?",
			Now(), id)
		return err
	})
}

// CollectorEvent is one applied wire event, stored for dedup and session
// status reporting.
type CollectorEvent struct {
	ConversationID string `json:"conversation_id"`
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	EventHash      string `json:"event_hash"`
	EmittedAt      string `json:"emitted_at,omitempty"`
	ObservedAt     string `json:"observed_at,omitempty"`
	Data           string `json:"data,omitempty"`
}

// InsertEventTx records one applied event. Returns false when the same
// (conversation, event_hash) pair was already stored, which callers treat
// as a silent duplicate.
func InsertEventTx(tx *sql.Tx, e CollectorEvent) (bool, error) {
	res, err := tx.Exec(`
		INSERT INTO collector_events (conversation_id, sequence, event_type,
			event_hash, emitted_at, observed_at, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, event_hash) DO NOTHING`,
		e.ConversationID, e.Sequence, e.EventType, e.EventHash,
		nilIfEmpty(e.EmittedAt), nilIfEmpty(e.ObservedAt),
		nilIfEmpty(e.Data), Now())
	if err != nil {
		return false, fmt.Errorf("inserting collector event seq=%d: %w", e.Sequence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EventStats summarizes the stored events of one conversation.
type EventStats struct {
	Count        int     `json:"event_count"`
	FirstEventAt *string `json:"first_event_at,omitempty"`
	LastEventAt  *string `json:"last_event_at,omitempty"`
}

// EventStatsFor aggregates event count and boundary times for a
// conversation.
func (db *DB) EventStatsFor(ctx context.Context, conversationID string) (EventStats, error) {
	var (
		s           EventStats
		first, last sql.NullString
	)
	err := db.reader.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(observed_at), MAX(observed_at)
		FROM collector_events WHERE conversation_id = ?`, conversationID).
		Scan(&s.Count, &first, &last)
	if err != nil {
		return EventStats{}, fmt.Errorf("querying event stats: %w", err)
	}
	s.FirstEventAt = nullable(first)
	s.LastEventAt = nullable(last)
	return s, nil
}

// EventCountTx counts stored events within a transaction.
func EventCountTx(tx *sql.Tx, conversationID string) (int, error) {
	var n int
	err := tx.QueryRow(
		"SELECT COUNT(*) FROM collector_events WHERE conversation_id = ?",
		conversationID,
	).Scan(&n)
	return n, err
}
