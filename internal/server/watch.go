package server

import (
	"context"
	"net/http"

	"github.com/stenohq/steno/internal/db"
)

func (s *Server) handleListWatchConfigs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	configs, err := s.db.ListWatchConfigs(r.Context(), ws)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	type watchConfigView struct {
		db.WatchConfig
		Running bool `json:"running"`
	}
	views := make([]watchConfigView, len(configs))
	for i, wc := range configs {
		views[i] = watchConfigView{WatchConfig: wc, Running: s.manager.Running(wc.ID)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"watch_configs": views})
}

func (s *Server) handleCreateWatchConfig(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var wc db.WatchConfig
	if err := decodeBody(r, &wc); err != nil {
		writeError(w, s.logger, err)
		return
	}
	wc.WorkspaceID = ws
	wc.IsActive = false // the daemon manager owns this flag
	created, err := s.db.CreateWatchConfig(wc)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateWatchConfig(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var wc db.WatchConfig
	if err := decodeBody(r, &wc); err != nil {
		writeError(w, s.logger, err)
		return
	}
	wc.WorkspaceID = ws
	wc.ID = r.PathValue("id")
	if err := s.db.UpdateWatchConfig(wc); err != nil {
		writeError(w, s.logger, err)
		return
	}
	updated, err := s.db.GetWatchConfig(r.Context(), ws, wc.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWatchConfig(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id := r.PathValue("id")
	// Stop any running daemon first so it releases the directory.
	if s.manager.Running(id) {
		if err := s.manager.Stop(r.Context(), ws, id); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	if err := s.db.DeleteWatchConfig(ws, id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartWatch kicks off the daemon without blocking the request on
// directory registration and reconciliation.
func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id := r.PathValue("id")
	// Validate existence synchronously so the caller gets a real 404.
	if _, err := s.db.GetWatchConfig(r.Context(), ws, id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	go func() {
		if err := s.manager.Start(context.Background(), ws, id); err != nil {
			s.logger.Warn("watch start failed",
				"watch_config_id", id, "error", err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"watch_config_id": id,
		"status":          "starting",
	})
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaceID(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	id := r.PathValue("id")
	if _, err := s.db.GetWatchConfig(r.Context(), ws, id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	go func() {
		if err := s.manager.Stop(context.Background(), ws, id); err != nil {
			s.logger.Warn("watch stop failed",
				"watch_config_id", id, "error", err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"watch_config_id": id,
		"status":          "stopping",
	})
}
