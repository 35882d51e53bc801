package server

import (
	"net/http"

	"github.com/stenohq/steno/internal/errkind"
)

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.SetupStatus(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Settings string `json:"settings,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Name == "" {
		writeError(w, s.logger, errkind.New(errkind.InvalidArgument, "name is required"))
		return
	}
	org, err := s.db.CreateOrganization(req.Name, req.Settings)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		Name           string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.OrganizationID == "" || req.Name == "" {
		writeError(w, s.logger, errkind.New(errkind.InvalidArgument,
			"organization_id and name are required"))
		return
	}
	ws, err := s.db.CreateWorkspace(req.OrganizationID, req.Name)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}
