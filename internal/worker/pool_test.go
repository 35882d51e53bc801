package worker

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/canon"
	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/llm"
)

func newTestPool(t *testing.T, provider llm.Provider) (*Pool, *db.DB, string) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "steno.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	org, err := database.CreateOrganization("test-org", "")
	require.NoError(t, err)
	ws, err := database.CreateWorkspace(org.ID, "test-ws")
	require.NoError(t, err)

	cfg, err := config.Default()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	canonSvc := canon.NewService(database, &cfg, logger)
	return NewPool(database, canonSvc, provider, &cfg, logger), database, ws.ID
}

func seedConversation(t *testing.T, database *db.DB, ws string, n int) string {
	t.Helper()
	convID := db.NewID()
	err := database.Update(func(tx *sql.Tx) error {
		started := "2026-03-01T10:00:00.000Z"
		if err := db.InsertConversationTx(tx, db.Conversation{
			ID:          convID,
			WorkspaceID: ws,
			AgentType:   "claude-code",
			Type:        "main",
			Status:      "completed",
			StartedAt:   &started,
		}); err != nil {
			return err
		}
		epoch, err := db.CreateEpochTx(tx, convID, 0, "")
		if err != nil {
			return err
		}
		msgs := make([]db.Message, n)
		for i := range msgs {
			role := "user"
			if i%2 == 1 {
				role = "assistant"
			}
			msgs[i] = db.Message{
				ConversationID: convID,
				EpochID:        epoch.ID,
				Sequence:       i + 1,
				Role:           role,
				Content:        fmt.Sprintf("please fix the flaky test, step %d", i),
			}
		}
		if err := db.InsertMessagesTx(tx, msgs); err != nil {
			return err
		}
		return db.RecountConversationTx(tx, convID)
	})
	require.NoError(t, err)
	return convID
}

func stubProvider(content string, err error) llm.Provider {
	return llm.ProviderFunc("stub", func(ctx context.Context, req llm.Request) (llm.Response, error) {
		if err != nil {
			return llm.Response{}, err
		}
		return llm.Response{
			Content: content, Model: "stub-1",
			PromptTokens: 100, CompletionTokens: 20,
		}, nil
	})
}

func TestTaggingJobAppliesConfidenceFilter(t *testing.T) {
	provider := stubProvider(`{"tags": [
		{"name": "Debugging", "confidence": 0.9},
		{"name": "test-writing", "confidence": 0.7},
		{"name": "yak-shaving", "confidence": 0.2}
	]}`, nil)
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 6)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	conv, err := database.GetConversation(context.Background(), ws, convID)
	require.NoError(t, err)
	assert.JSONEq(t, `["debugging","test-writing"]`, conv.Tags,
		"low-confidence tag dropped, names lowercased")

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerDone, job.Status)
	assert.Equal(t, "stub-1", gjson.Get(job.Result, "model").Str)
	assert.Equal(t, int64(100), gjson.Get(job.Result, "prompt_tokens").Int())
}

func TestDetectionJobsInsertRecommendations(t *testing.T) {
	provider := stubProvider(`{"recommendations": [
		{"title": "/fix-flaky", "body": "retyped four times", "confidence": 0.8},
		{"title": "/noise", "body": "barely", "confidence": 0.1}
	]}`, nil)
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 6)

	_, err := database.EnqueueWorkerJob(ws, convID, db.JobKindSlashCommand)
	require.NoError(t, err)
	_, err = database.EnqueueWorkerJob(ws, convID, db.JobKindMCP)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		done, err := pool.DrainOnce(context.Background(), "w0")
		require.NoError(t, err)
		require.True(t, done)
	}

	recs, err := database.ListRecommendations(context.Background(), ws, "", convID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2, "one above-threshold suggestion per job kind")
	kinds := map[string]bool{}
	for _, r := range recs {
		kinds[r.Kind] = true
		assert.Equal(t, "/fix-flaky", r.Title)
		assert.Equal(t, "open", r.Status)
		require.NotNil(t, r.Model)
		assert.Equal(t, "stub-1", *r.Model)
	}
	assert.True(t, kinds["slash_command"])
	assert.True(t, kinds["mcp"])
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	provider := stubProvider("", errkind.New(errkind.Transient, "upstream 529"))
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.RunAfter)
	runAfter, ok := db.ParseTime(*job.RunAfter)
	require.True(t, ok)
	assert.True(t, runAfter.After(time.Now()), "backoff deadline in the future")

	// The deadline keeps it out of the claim window.
	done, err = pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestTransientFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	provider := stubProvider("", errkind.New(errkind.Transient, "upstream 529"))
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		// Collapse the backoff window so each drain can claim again.
		err := database.Update(func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE worker_jobs SET run_after = NULL WHERE id = ?", jobID)
			return err
		})
		require.NoError(t, err)
		done, err := pool.DrainOnce(context.Background(), "w0")
		require.NoError(t, err)
		require.True(t, done)
	}

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "upstream 529")
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	provider := stubProvider("", errkind.New(errkind.Internal, "schema rejected"))
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestMalformedProviderJSONIsRetryable(t *testing.T) {
	provider := stubProvider("Sure! Here are some tags: debugging", nil)
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerPending, job.Status, "retry may yield valid JSON")
}

func TestFencedJSONAccepted(t *testing.T) {
	provider := stubProvider("```json\n{\"tags\": [{\"name\": \"debugging\", \"confidence\": 0.9}]}\n```", nil)
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerDone, job.Status)
}

func TestNoProviderFailsWithHint(t *testing.T) {
	pool, database, ws := newTestPool(t, nil)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	done, err := pool.DrainOnce(context.Background(), "w0")
	require.NoError(t, err)
	require.True(t, done)

	job, err := database.GetWorkerJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "no llm provider configured")
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	provider := stubProvider(`{"tags": [{"name": "debugging", "confidence": 0.9}]}`, nil)
	pool, database, ws := newTestPool(t, provider)
	convID := seedConversation(t, database, ws, 4)

	jobID, err := database.EnqueueWorkerJob(ws, convID, db.JobKindTagging)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := database.GetWorkerJob(jobID)
		return err == nil && job.Status == db.WorkerDone
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
