package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CanonicalCache is one stored narrative, keyed by
// (conversation_id, canonical_type).
type CanonicalCache struct {
	ID                  string  `json:"id"`
	ConversationID      string  `json:"conversation_id"`
	CanonicalType       string  `json:"canonical_type"`
	Narrative           string  `json:"narrative"`
	TokenCount          int     `json:"token_count"`
	SourceMessageCount  int     `json:"source_message_count"`
	SourceTokenEstimate int     `json:"source_token_estimate"`
	Version             string  `json:"version"`
	GeneratedAt         string  `json:"generated_at"`
	ExpiresAt           *string `json:"expires_at,omitempty"`
}

// GetCanonical returns the cached narrative for a conversation and type,
// or nil when none is stored.
func (db *DB) GetCanonical(ctx context.Context, conversationID, canonicalType string) (*CanonicalCache, error) {
	var (
		c       CanonicalCache
		expires sql.NullString
	)
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, conversation_id, canonical_type, narrative, token_count,
			source_message_count, source_token_estimate, version,
			generated_at, expires_at
		FROM canonical_caches
		WHERE conversation_id = ? AND canonical_type = ?`,
		conversationID, canonicalType).
		Scan(&c.ID, &c.ConversationID, &c.CanonicalType, &c.Narrative,
			&c.TokenCount, &c.SourceMessageCount, &c.SourceTokenEstimate,
			&c.Version, &c.GeneratedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting canonical cache: %w", err)
	}
	c.ExpiresAt = nullable(expires)
	return &c, nil
}

// PutCanonical stores or replaces the cached narrative for a conversation
// and type.
func (db *DB) PutCanonical(c CanonicalCache) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.GeneratedAt == "" {
		c.GeneratedAt = Now()
	}
	err := db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO canonical_caches (id, conversation_id, canonical_type,
				narrative, token_count, source_message_count,
				source_token_estimate, version, generated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id, canonical_type) DO UPDATE SET
				narrative = excluded.narrative,
				token_count = excluded.token_count,
				source_message_count = excluded.source_message_count,
				source_token_estimate = excluded.source_token_estimate,
				version = excluded.version,
				generated_at = excluded.generated_at,
				expires_at = excluded.expires_at`,
			c.ID, c.ConversationID, c.CanonicalType,
			c.Narrative, c.TokenCount, c.SourceMessageCount,
			c.SourceTokenEstimate, c.Version, c.GeneratedAt,
			nullablePtr(c.ExpiresAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("storing canonical cache: %w", err)
	}
	return nil
}

// DeleteCanonical drops the cached narrative for a conversation and type.
func (db *DB) DeleteCanonical(conversationID, canonicalType string) error {
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM canonical_caches
			WHERE conversation_id = ? AND canonical_type = ?`,
			conversationID, canonicalType)
		return err
	})
}
