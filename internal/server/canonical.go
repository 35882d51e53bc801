package server

import (
	"net/http"

	"github.com/stenohq/steno/internal/canon"
)

func (s *Server) handleGetCanonical(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	opts := canon.Options{
		Type:            q.Get("canonical_type"),
		Strategy:        q.Get("sampling_strategy"),
		ForceRegenerate: q.Get("force_regenerate") == "true",
		IncludeChildren: q.Get("include_children") != "false",
	}
	result, err := s.canon.Generate(r.Context(), ws, r.PathValue("id"), opts)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegenerateCanonical(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req struct {
		CanonicalType    string `json:"canonical_type,omitempty"`
		SamplingStrategy string `json:"sampling_strategy,omitempty"`
	}
	// Body is optional; defaults regenerate the insights canonical.
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	result, err := s.canon.Generate(r.Context(), ws, r.PathValue("id"), canon.Options{
		Type:            req.CanonicalType,
		Strategy:        req.SamplingStrategy,
		ForceRegenerate: true,
		IncludeChildren: true,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
