package main

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

func openTestDB(t *testing.T) (*db.DB, string) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "steno.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	org, err := database.CreateOrganization("test-org", "")
	require.NoError(t, err)
	ws, err := database.CreateWorkspace(org.ID, "test-ws")
	require.NoError(t, err)
	return database, ws.ID
}

func seedAgedConversation(t *testing.T, database *db.DB, ws, agentType string, endedAt time.Time) string {
	t.Helper()
	convID := db.NewID()
	ended := db.FormatTime(endedAt)
	err := database.Update(func(tx *sql.Tx) error {
		return db.InsertConversationTx(tx, db.Conversation{
			ID:          convID,
			WorkspaceID: ws,
			AgentType:   agentType,
			Type:        "main",
			Status:      "completed",
			StartedAt:   &ended,
			EndedAt:     &ended,
		})
	})
	require.NoError(t, err)
	return convID
}

func TestPruneCutoffValidation(t *testing.T) {
	_, err := pruneCutoff(0, "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))

	_, err = pruneCutoff(time.Hour, "2026-01-01")
	require.Error(t, err)

	_, err = pruneCutoff(0, "not-a-date")
	require.Error(t, err)

	cutoff, err := pruneCutoff(0, "2026-01-01")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cutoff, "2026-01-01"))
}

func TestPruneDryRunDeletesNothing(t *testing.T) {
	database, ws := openTestDB(t)
	seedAgedConversation(t, database, ws, "claude-code",
		time.Now().Add(-90*24*time.Hour))

	var out bytes.Buffer
	p := &pruner{db: database, out: &out, in: strings.NewReader("")}
	cutoff, err := pruneCutoff(30*24*time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, p.prune(context.Background(), cutoff, true, false))

	assert.Contains(t, out.String(), "Found 1 conversations")
	assert.Contains(t, out.String(), "Dry run")

	page, err := database.ListConversations(context.Background(), ws, db.ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
}

func TestPruneDeclinedConfirmation(t *testing.T) {
	database, ws := openTestDB(t)
	seedAgedConversation(t, database, ws, "claude-code",
		time.Now().Add(-90*24*time.Hour))

	var out bytes.Buffer
	p := &pruner{db: database, out: &out, in: strings.NewReader("n\n")}
	cutoff, err := pruneCutoff(30*24*time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, p.prune(context.Background(), cutoff, false, false))

	assert.Contains(t, out.String(), "Aborted")
	page, err := database.ListConversations(context.Background(), ws, db.ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
}

func TestPruneDeletesOnlyOldConversations(t *testing.T) {
	database, ws := openTestDB(t)
	oldID := seedAgedConversation(t, database, ws, "claude-code",
		time.Now().Add(-90*24*time.Hour))
	newID := seedAgedConversation(t, database, ws, "codex",
		time.Now().Add(-time.Hour))

	var out bytes.Buffer
	p := &pruner{db: database, out: &out, in: strings.NewReader("")}
	cutoff, err := pruneCutoff(30*24*time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, p.prune(context.Background(), cutoff, false, true))

	assert.Contains(t, out.String(), "Deleted 1 conversations")

	_, err = database.GetConversation(context.Background(), ws, oldID)
	assert.True(t, errkind.Is(err, errkind.NotFound))
	_, err = database.GetConversation(context.Background(), ws, newID)
	assert.NoError(t, err)
}

func TestPruneEmptyQueue(t *testing.T) {
	database, _ := openTestDB(t)

	var out bytes.Buffer
	p := &pruner{db: database, out: &out, in: strings.NewReader("")}
	cutoff, err := pruneCutoff(30*24*time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, p.prune(context.Background(), cutoff, false, true))
	assert.Contains(t, out.String(), "No conversations")
}
