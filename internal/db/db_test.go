package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "steno.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func testWorkspace(t *testing.T, database *DB) Workspace {
	t.Helper()
	org, err := database.CreateOrganization("acme-"+t.Name(), "")
	require.NoError(t, err)
	ws, err := database.CreateWorkspace(org.ID, "main")
	require.NoError(t, err)
	return ws
}

func insertConversation(t *testing.T, database *DB, ws Workspace, mutate func(*Conversation)) Conversation {
	t.Helper()
	c := Conversation{
		ID:          NewID(),
		WorkspaceID: ws.ID,
		AgentType:   "claude-code",
		Type:        "main",
		Status:      "open",
	}
	if mutate != nil {
		mutate(&c)
	}
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		return InsertConversationTx(tx, c)
	}))
	return c
}

func TestCreateOrganizationDuplicateName(t *testing.T) {
	database := openTestDB(t)
	_, err := database.CreateOrganization("acme", "")
	require.NoError(t, err)
	_, err = database.CreateOrganization("acme", "")
	assert.Error(t, err)
}

func TestGetOrCreateDeveloperConcurrent(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := database.GetOrCreateDeveloper(ws.ID, "alex")
			assert.NoError(t, err)
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all callers must see the same developer row")
	}

	var count int
	require.NoError(t, database.Reader().QueryRow(
		"SELECT COUNT(*) FROM developers WHERE workspace_id = ?", ws.ID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGetOrCreateProjectIdempotent(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)

	p1, err := database.GetOrCreateProject(ws.ID, "/home/alex/src/widget")
	require.NoError(t, err)
	p2, err := database.GetOrCreateProject(ws.ID, "/home/alex/src/widget")
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "widget", p1.Name)
}

func TestConversationWorkspaceScoping(t *testing.T) {
	database := openTestDB(t)
	wsA := testWorkspace(t, database)
	org, err := database.CreateOrganization("other", "")
	require.NoError(t, err)
	wsB, err := database.CreateWorkspace(org.ID, "main")
	require.NoError(t, err)

	c := insertConversation(t, database, wsA, nil)

	got, err := database.GetConversation(context.Background(), wsA.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	// Reading the same id through another workspace must be NotFound,
	// never the resource.
	_, err = database.GetConversation(context.Background(), wsB.ID, c.ID)
	assert.Error(t, err)
}

func TestListConversationsCursorPagination(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)

	for i := range 5 {
		ts := fmt.Sprintf("2026-01-%02dT10:00:00.000Z", i+1)
		insertConversation(t, database, ws, func(c *Conversation) {
			c.StartedAt = &ts
		})
	}

	page1, err := database.ListConversations(context.Background(), ws.ID, ConversationFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Conversations, 2)
	assert.Equal(t, 5, page1.Total)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := database.ListConversations(context.Background(), ws.ID, ConversationFilter{
		Limit: 2, Cursor: page1.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, page2.Conversations, 2)

	// Descending start time, no overlap between pages.
	assert.Greater(t, *page1.Conversations[0].StartedAt, *page2.Conversations[0].StartedAt)
	for _, c1 := range page1.Conversations {
		for _, c2 := range page2.Conversations {
			assert.NotEqual(t, c1.ID, c2.ID)
		}
	}

	// A tampered cursor is rejected.
	_, err = database.ListConversations(context.Background(), ws.ID, ConversationFilter{
		Cursor: page1.NextCursor + "x",
	})
	assert.Error(t, err)
}

func TestMessagesSequenceUniqueness(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	var epoch Epoch
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		var err error
		epoch, err = CreateEpochTx(tx, c.ID, 0, "")
		if err != nil {
			return err
		}
		return InsertMessagesTx(tx, []Message{
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 1, Role: "user", Content: "hi"},
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 2, Role: "assistant", Content: "hello"},
		})
	}))

	// Re-inserting an existing sequence violates the constraint and rolls
	// the transaction back.
	err := database.Update(func(tx *sql.Tx) error {
		return InsertMessagesTx(tx, []Message{
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 2, Role: "user", Content: "dup"},
		})
	})
	assert.Error(t, err)

	msgs, err := database.AllMessages(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestReplaceMessagesAndRecount(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		epoch, err := CreateEpochTx(tx, c.ID, 0, "")
		if err != nil {
			return err
		}
		if err := InsertMessagesTx(tx, []Message{
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 1, Role: "user", Content: "old"},
		}); err != nil {
			return err
		}
		return RecountConversationTx(tx, c.ID)
	}))

	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		if err := DeleteConversationMessagesTx(tx, c.ID); err != nil {
			return err
		}
		epoch, err := CreateEpochTx(tx, c.ID, 0, "")
		if err != nil {
			return err
		}
		if err := InsertMessagesTx(tx, []Message{
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 1, Role: "user", Content: "new-a"},
			{ConversationID: c.ID, EpochID: epoch.ID, Sequence: 2, Role: "assistant", Content: "new-b"},
		}); err != nil {
			return err
		}
		return RecountConversationTx(tx, c.ID)
	}))

	got, err := database.GetConversation(context.Background(), ws.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.Equal(t, 1, got.EpochCount)

	msgs, err := database.AllMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new-a", msgs[0].Content)
}

func TestRawLogCursorRoundTrip(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	agent := "claude-code"
	r := RawLog{
		WorkspaceID:         ws.ID,
		ConversationID:      &c.ID,
		FilePath:            "/logs/session.jsonl",
		FileHash:            "abc123",
		FileSizeBytes:       1000,
		LastProcessedOffset: 1000,
		LastProcessedLine:   10,
		AgentType:           &agent,
	}
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		return InsertRawLogTx(tx, r)
	}))

	var byHash, byPath *RawLog
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		var err error
		byHash, err = FindRawLogByHashTx(tx, ws.ID, "abc123")
		if err != nil {
			return err
		}
		byPath, err = FindRawLogByPathTx(tx, ws.ID, "/logs/session.jsonl")
		return err
	}))
	require.NotNil(t, byHash)
	require.NotNil(t, byPath)
	assert.Equal(t, byHash.ID, byPath.ID)
	assert.Equal(t, "session.jsonl", byHash.FileName)
	assert.Equal(t, int64(1000), byHash.LastProcessedOffset)

	byHash.LastProcessedOffset = 1500
	byHash.FileSizeBytes = 1500
	byHash.FileHash = "def456"
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		return UpdateRawLogCursorTx(tx, *byHash)
	}))

	updated, err := database.FindRawLogByPath(context.Background(), ws.ID, "/logs/session.jsonl")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, int64(1500), updated.LastProcessedOffset)
	assert.Equal(t, "def456", updated.FileHash)
}

func TestIngestionJobLifecycle(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)

	path := "/logs/a.jsonl"
	job, err := database.CreateJob(IngestionJob{
		WorkspaceID: ws.ID,
		SourceType:  "watch",
		FilePath:    &path,
	})
	require.NoError(t, err)

	job.Status = JobSuccess
	method := "incremental"
	job.ParseMethod = &method
	job.MessagesAdded = 3
	require.NoError(t, database.CloseJob(job))

	got, err := database.GetJob(context.Background(), ws.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, got.Status)
	assert.Equal(t, "incremental", *got.ParseMethod)
	assert.Equal(t, 3, got.MessagesAdded)
	require.NotNil(t, got.CompletedAt)

	jobs, err := database.ListJobs(context.Background(), ws.ID, JobSuccess, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCanonicalCacheUpsert(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	require.NoError(t, database.PutCanonical(CanonicalCache{
		ConversationID:     c.ID,
		CanonicalType:      "tagging",
		Narrative:          "v1",
		TokenCount:         10,
		SourceMessageCount: 2,
		Version:            "1.0.0",
	}))
	require.NoError(t, database.PutCanonical(CanonicalCache{
		ConversationID:     c.ID,
		CanonicalType:      "tagging",
		Narrative:          "v2",
		TokenCount:         12,
		SourceMessageCount: 4,
		Version:            "1.0.0",
	}))

	got, err := database.GetCanonical(context.Background(), c.ID, "tagging")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Narrative)
	assert.Equal(t, 4, got.SourceMessageCount)

	missing, err := database.GetCanonical(context.Background(), c.ID, "export")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCollectorEventDedup(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	event := CollectorEvent{
		ConversationID: c.ID,
		Sequence:       1,
		EventType:      "message",
		EventHash:      "deadbeefdeadbeefdeadbeefdeadbeef",
	}
	require.NoError(t, database.Update(func(tx *sql.Tx) error {
		inserted, err := InsertEventTx(tx, event)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = InsertEventTx(tx, event)
		require.NoError(t, err)
		assert.False(t, inserted, "duplicate hash must be silently dropped")
		return nil
	}))
}

func TestClaimWorkerJobOrderAndEmpty(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	first, err := database.EnqueueWorkerJob(ws.ID, c.ID, JobKindTagging)
	require.NoError(t, err)
	_, err = database.EnqueueWorkerJob(ws.ID, c.ID, JobKindTagging)
	require.NoError(t, err)

	claimed, err := database.ClaimWorkerJob("w1", []string{JobKindTagging})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.ID)
	assert.Equal(t, WorkerRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = database.ClaimWorkerJob("w2", []string{JobKindTagging})
	require.NoError(t, err)
	empty, err := database.ClaimWorkerJob("w3", []string{JobKindTagging})
	require.NoError(t, err)
	assert.Nil(t, empty, "empty queue claims nothing")
}

func TestRetryWorkerJobExhaustsToFailed(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)
	c := insertConversation(t, database, ws, nil)

	id, err := database.EnqueueWorkerJob(ws.ID, c.ID, JobKindTagging)
	require.NoError(t, err)

	for range 3 {
		claimed, err := database.ClaimWorkerJob("w1", []string{JobKindTagging})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, database.RetryWorkerJob(claimed.ID, "llm timeout", ""))
	}

	job, err := database.GetWorkerJob(id)
	require.NoError(t, err)
	assert.Equal(t, WorkerFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestUnlinkedAgentsRespectsAttemptCap(t *testing.T) {
	database := openTestDB(t)
	ws := testWorkspace(t, database)

	parentSession := "parent-123"
	insertConversation(t, database, ws, func(c *Conversation) {
		c.Type = "agent"
		c.ParentSessionID = &parentSession
	})
	insertConversation(t, database, ws, func(c *Conversation) {
		c.Type = "agent"
		c.ParentSessionID = &parentSession
		c.AgentMetadata = `{"_linking_attempts": 10}`
	})

	agents, err := database.UnlinkedAgents(context.Background(), ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, agents, 1, "frozen agents are skipped")
}
