package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "sess-http-1")
	f.seedConversation(t, "sess-http-2")

	status, body := f.api(http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, gjson.GetBytes(body, "total").Int())
	assert.Len(t, gjson.GetBytes(body, "conversations").Array(), 2)

	status, body = f.api(http.MethodGet, "/api/v1/conversations/"+convID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, convID, gjson.GetBytes(body, "id").Str)
	assert.Equal(t, "claude-code", gjson.GetBytes(body, "agent_type").Str)

	status, body = f.api(http.MethodGet, "/api/v1/conversations/"+convID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, gjson.GetBytes(body, "total").Int())
	msgs := gjson.GetBytes(body, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Get("role").Str)

	status, _ = f.api(http.MethodDelete, "/api/v1/conversations/"+convID, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = f.api(http.MethodGet, "/api/v1/conversations/"+convID, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "kind").Str)
}

func TestConversationListFilters(t *testing.T) {
	f := newFixture(t)
	f.seedConversation(t, "sess-filter-1")

	status, body := f.api(http.MethodGet, "/api/v1/conversations?agent_type=claude-code", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, gjson.GetBytes(body, "total").Int())

	status, body = f.api(http.MethodGet, "/api/v1/conversations?agent_type=codex", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, gjson.GetBytes(body, "total").Int())
}

func TestConversationPagination(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for _, sess := range []string{"sess-pg-1", "sess-pg-2", "sess-pg-3"} {
		seen[f.seedConversation(t, sess)] = false
	}

	status, body := f.api(http.MethodGet, "/api/v1/conversations?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	first := gjson.GetBytes(body, "conversations").Array()
	require.Len(t, first, 2)
	cursor := gjson.GetBytes(body, "next_cursor").Str
	require.NotEmpty(t, cursor)
	for _, c := range first {
		seen[c.Get("id").Str] = true
	}

	status, body = f.api(http.MethodGet, "/api/v1/conversations?limit=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, status)
	second := gjson.GetBytes(body, "conversations").Array()
	require.Len(t, second, 1)
	seen[second[0].Get("id").Str] = true
	assert.Empty(t, gjson.GetBytes(body, "next_cursor").Str)

	for id, ok := range seen {
		assert.True(t, ok, "conversation %s never paged", id)
	}
}

// Reads scoped to another workspace must come back 404, never 403: the
// error must not reveal that the resource exists elsewhere.
func TestWorkspaceIsolation(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "sess-iso-1")

	other, err := f.db.CreateWorkspace(f.org, "other-ws")
	require.NoError(t, err)
	hdrs := map[string]string{"X-Workspace-Id": other.ID}

	status, body := f.request(http.MethodGet, "/api/v1/conversations/"+convID, nil, hdrs)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "kind").Str)

	status, body = f.request(http.MethodGet, "/api/v1/conversations", nil, hdrs)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, gjson.GetBytes(body, "total").Int())

	status, _ = f.request(http.MethodDelete, "/api/v1/conversations/"+convID, nil, hdrs)
	require.Equal(t, http.StatusNotFound, status)

	// The original workspace still sees it.
	status, _ = f.api(http.MethodGet, "/api/v1/conversations/"+convID, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestGetCanonical(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "sess-canon-1")

	status, body := f.api(http.MethodGet, "/api/v1/conversations/"+convID+"/canonical", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "miss", gjson.GetBytes(body, "from_cache").Str)
	assert.NotEmpty(t, gjson.GetBytes(body, "narrative").Str)

	status, body = f.api(http.MethodGet, "/api/v1/conversations/"+convID+"/canonical", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hit", gjson.GetBytes(body, "from_cache").Str)

	status, body = f.api(http.MethodPost,
		"/api/v1/conversations/"+convID+"/canonical/regenerate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "miss", gjson.GetBytes(body, "from_cache").Str)
}

func TestGetCanonicalRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	convID := f.seedConversation(t, "sess-canon-2")

	status, body := f.api(http.MethodGet,
		"/api/v1/conversations/"+convID+"/canonical?canonical_type=bogus", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_argument", gjson.GetBytes(body, "kind").Str)
}
