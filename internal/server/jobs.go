package server

import (
	"net/http"

	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/ingest"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	jobs, err := s.db.ListJobs(r.Context(), ws, q.Get("status"), intParam(q.Get("limit"), 0))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	job, err := s.db.GetJob(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type ingestFileRequest struct {
	FilePath       string `json:"file_path"`
	AgentTypeHint  string `json:"agent_type_hint,omitempty"`
	SkipDuplicates bool   `json:"skip_duplicates,omitempty"`
}

// handleIngestFile ingests one server-local file synchronously and returns
// the job outcome.
func (s *Server) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req ingestFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.FilePath == "" {
		writeError(w, s.logger, errkind.New(errkind.InvalidArgument, "file_path is required"))
		return
	}
	outcome, err := s.pipeline.IngestLogFile(r.Context(), ws, req.FilePath, ingest.Options{
		SourceType:     ingest.SourceUpload,
		Caller:         "api",
		SkipDuplicates: req.SkipDuplicates,
		AgentTypeHint:  req.AgentTypeHint,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.pipeline.LogSweep(r.Context(), s.logger, ws, s.cfg.MaxLinkingAttempts)
	writeJSON(w, http.StatusOK, outcome)
}
