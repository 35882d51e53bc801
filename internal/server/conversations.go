package server

import (
	"net/http"
	"strconv"

	"github.com/stenohq/steno/internal/db"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	filter := db.ConversationFilter{
		AgentType: q.Get("agent_type"),
		Status:    q.Get("status"),
		Type:      q.Get("conversation_type"),
		ProjectID: q.Get("project_id"),
		Query:     q.Get("q"),
		Cursor:    q.Get("cursor"),
		Limit:     intParam(q.Get("limit"), 0),
	}
	page, err := s.db.ListConversations(r.Context(), ws, filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	conv, err := s.db.GetConversation(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	// Workspace scoping happens on the conversation lookup; messages hang
	// off it.
	conv, err := s.db.GetConversation(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), 100)
	msgs, err := s.db.ListMessages(r.Context(), conv.ID, offset, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"messages":        msgs,
		"offset":          offset,
		"limit":           limit,
		"total":           conv.MessageCount,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.db.DeleteConversation(ws, r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
