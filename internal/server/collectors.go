package server

import (
	"net/http"

	"github.com/stenohq/steno/internal/collector"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

func (s *Server) handleRegisterCollector(w http.ResponseWriter, r *http.Request) {
	var req collector.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.collectors.Register(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type eventBatchRequest struct {
	SessionID string            `json:"session_id"`
	Events    []collector.Event `json:"events"`
}

// handleCollectorEvents accepts one event batch. A successful batch returns
// 202: events are durably stored, analysis happens later.
func (s *Server) handleCollectorEvents(w http.ResponseWriter, r *http.Request, col *db.Collector) {
	var req eventBatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, s.logger, errkind.New(errkind.InvalidArgument, "session_id is required"))
		return
	}
	result, err := s.collectors.IngestEvents(
		r.Context(), col.WorkspaceID, col.CollectorType, req.SessionID, req.Events)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, col *db.Collector) {
	status, err := s.collectors.Status(r.Context(), col.WorkspaceID, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request, col *db.Collector) {
	var req collector.CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	result, err := s.collectors.Complete(r.Context(), col.WorkspaceID, r.PathValue("id"), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
