package server

import (
	"net/http"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	recs, err := s.db.ListRecommendations(r.Context(), ws,
		q.Get("status"), q.Get("conversation_id"), intParam(q.Get("limit"), 0))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

// handleDetectRecommendations enqueues the detection jobs for a
// conversation. When a worker pool is attached the jobs are drained
// in-request, best effort; otherwise the background pool picks them up.
func (s *Server) handleDetectRecommendations(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.ConversationID == "" {
		writeError(w, s.logger, errkind.New(errkind.InvalidArgument, "conversation_id is required"))
		return
	}
	// Existence check doubles as workspace scoping.
	if _, err := s.db.GetConversation(r.Context(), ws, req.ConversationID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	jobIDs := make([]string, 0, 2)
	for _, kind := range []string{db.JobKindSlashCommand, db.JobKindMCP} {
		id, err := s.db.EnqueueWorkerJob(ws, req.ConversationID, kind)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		jobIDs = append(jobIDs, id)
	}

	if s.pool != nil {
		for range jobIDs {
			if _, err := s.pool.DrainOnce(r.Context(), "detect-inline"); err != nil {
				s.logger.Warn("inline detection failed", "error", err.Error())
				break
			}
		}
	}

	recs, err := s.db.ListRecommendations(r.Context(), ws, "", req.ConversationID, 0)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids":         jobIDs,
		"recommendations": recs,
	})
}

var recommendationStatuses = map[string]bool{
	"open": true, "accepted": true, "dismissed": true,
}

func (s *Server) handleUpdateRecommendation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !recommendationStatuses[req.Status] {
		writeError(w, s.logger, errkind.Newf(errkind.InvalidArgument,
			"unknown recommendation status %q", req.Status))
		return
	}
	id := r.PathValue("id")
	if err := s.db.UpdateRecommendationStatus(ws, id, req.Status); err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.db.GetRecommendation(r.Context(), ws, id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
