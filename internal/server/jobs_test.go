package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/testjsonl"
)

func TestIngestFileEndpoint(t *testing.T) {
	f := newFixture(t)
	content := testjsonl.NewSessionBuilder().
		AddClaudeUserWithSessionID("2026-02-02T08:00:00Z",
			"port the cron job to the scheduler", "sess-upload-1", "/home/dev/proj").
		AddClaudeAssistant("2026-02-02T08:00:03Z", "Starting with the trigger wiring.").
		String()
	path := filepath.Join(t.TempDir(), "upload.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	status, body := f.api(http.MethodPost, "/api/v1/ingest/files",
		map[string]any{"file_path": path})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", gjson.GetBytes(body, "status").Str)
	convID := gjson.GetBytes(body, "conversation_id").Str
	require.NotEmpty(t, convID)
	jobID := gjson.GetBytes(body, "job_id").Str
	require.NotEmpty(t, jobID)

	status, body = f.api(http.MethodGet, "/api/v1/ingest/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "upload", gjson.GetBytes(body, "source_type").Str)
	assert.Equal(t, "api", gjson.GetBytes(body, "caller").Str)
	assert.EqualValues(t, 2, gjson.GetBytes(body, "messages_added").Int())

	status, body = f.api(http.MethodGet, "/api/v1/ingest/jobs", nil)
	require.Equal(t, http.StatusOK, status)
	jobs := gjson.GetBytes(body, "jobs").Array()
	require.NotEmpty(t, jobs)
	assert.Equal(t, jobID, jobs[0].Get("id").Str)
}

func TestIngestFileValidation(t *testing.T) {
	f := newFixture(t)

	status, _ := f.api(http.MethodPost, "/api/v1/ingest/files", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := f.api(http.MethodPost, "/api/v1/ingest/files",
		map[string]any{"file_path": filepath.Join(t.TempDir(), "nope.jsonl")})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_argument", gjson.GetBytes(body, "kind").Str)
}

func TestIngestFileDuplicate(t *testing.T) {
	f := newFixture(t)
	content := testjsonl.NewSessionBuilder().
		AddClaudeUserWithSessionID("2026-02-02T09:00:00Z",
			"same bytes twice", "sess-upload-dup", "/home/dev/proj").
		AddClaudeAssistant("2026-02-02T09:00:02Z", "Only once, surely.").
		String()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.jsonl")
	second := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(first, []byte(content), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(content), 0o644))

	status, _ := f.api(http.MethodPost, "/api/v1/ingest/files",
		map[string]any{"file_path": first})
	require.Equal(t, http.StatusOK, status)

	// Identical content at a different path conflicts unless the caller
	// opts into skipping.
	status, body := f.api(http.MethodPost, "/api/v1/ingest/files",
		map[string]any{"file_path": second})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_file", gjson.GetBytes(body, "kind").Str)

	status, body = f.api(http.MethodPost, "/api/v1/ingest/files",
		map[string]any{"file_path": second, "skip_duplicates": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", gjson.GetBytes(body, "status").Str)
}

func TestGetJobUnknown(t *testing.T) {
	f := newFixture(t)
	status, body := f.api(http.MethodGet, "/api/v1/ingest/jobs/job-missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "kind").Str)
}
