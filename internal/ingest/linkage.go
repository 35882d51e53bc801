package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/stenohq/steno/internal/db"
)

// linkingAttemptsKey tracks sweep attempts inside a conversation's agent
// metadata so the counter travels with the row.
const linkingAttemptsKey = "_linking_attempts"

// SweepResult summarizes one orphan linkage sweep.
type SweepResult struct {
	Examined int `json:"examined"`
	Linked   int `json:"linked"`
	Frozen   int `json:"frozen"`
}

// SweepOrphans walks agent conversations in one workspace whose parent
// pointer is unresolved and links those whose parent session now exists.
// Misses increment the attempt counter; conversations at or past
// maxAttempts are no longer returned by the query and stay frozen.
func (p *Pipeline) SweepOrphans(ctx context.Context, workspaceID string, maxAttempts int) (SweepResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	orphans, err := p.db.UnlinkedAgents(ctx, workspaceID, maxAttempts)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Examined: len(orphans)}
	for _, orphan := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		linked, frozen, err := p.sweepOne(workspaceID, orphan, maxAttempts)
		if err != nil {
			p.logger.Warn("linkage sweep item failed",
				"conversation_id", orphan.ID, "error", err.Error())
			continue
		}
		if linked {
			result.Linked++
		}
		if frozen {
			result.Frozen++
		}
	}

	if result.Linked > 0 || result.Frozen > 0 {
		p.logger.Info("orphan linkage sweep",
			"workspace_id", workspaceID,
			"examined", result.Examined,
			"linked", result.Linked,
			"frozen", result.Frozen)
	}
	return result, nil
}

func (p *Pipeline) sweepOne(workspaceID string, orphan db.Conversation, maxAttempts int) (linked, frozen bool, err error) {
	err = p.db.Update(func(tx *sql.Tx) error {
		parent, err := db.FindConversationBySessionTx(tx, workspaceID, *orphan.ParentSessionID)
		if err != nil {
			return err
		}
		if parent != nil && parent.ID != orphan.ID {
			linked = true
			return db.SetParentConversationTx(tx, workspaceID, orphan.ID, parent.ID)
		}

		// Miss: bump the counter. At the threshold the query stops
		// returning the row, freezing it.
		attempts := bumpLinkingAttempts(&orphan)
		frozen = attempts >= maxAttempts
		return db.UpdateAgentMetadataTx(tx, orphan.ID, orphan.AgentMetadata)
	})
	return linked, frozen, err
}

// bumpLinkingAttempts increments the counter inside the conversation's agent
// metadata JSON and returns the new value.
func bumpLinkingAttempts(conv *db.Conversation) int {
	meta := make(map[string]any)
	if conv.AgentMetadata != "" {
		// Unparseable metadata is replaced; the counter matters more
		// than preserving junk.
		_ = json.Unmarshal([]byte(conv.AgentMetadata), &meta)
	}
	attempts := 0
	if v, ok := meta[linkingAttemptsKey].(float64); ok {
		attempts = int(v)
	}
	attempts++
	meta[linkingAttemptsKey] = attempts

	if data, err := json.Marshal(meta); err == nil {
		conv.AgentMetadata = string(data)
	}
	return attempts
}

// LogSweep runs SweepOrphans and logs instead of returning the error, for
// best-effort callers at the end of a bulk ingest.
func (p *Pipeline) LogSweep(ctx context.Context, logger *slog.Logger, workspaceID string, maxAttempts int) {
	if _, err := p.SweepOrphans(ctx, workspaceID, maxAttempts); err != nil {
		logger.Warn("orphan linkage sweep failed",
			"workspace_id", workspaceID, "error", err.Error())
	}
}
