package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

// jsonError is the standard JSON error response.
type jsonError struct {
	Error string `json:"error"`
}

// workspaceID extracts and requires the tenancy header.
func (s *Server) workspaceID(r *http.Request) (string, error) {
	ws := strings.TrimSpace(r.Header.Get("X-Workspace-Id"))
	if ws == "" {
		return "", errkind.Hinted(errkind.InvalidArgument,
			"missing X-Workspace-Id header",
			"every request outside /api/v1/setup must name a workspace")
	}
	return ws, nil
}

// collectorHandler receives the authenticated collector alongside the
// request.
type collectorHandler func(w http.ResponseWriter, r *http.Request, col *db.Collector)

// withCollectorAuth verifies the Bearer API key against the X-Collector-Id
// collector and checks it belongs to the request's workspace. All failure
// modes classify as PermissionDenied so key validity cannot be probed.
func (s *Server) withCollectorAuth(h collectorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.workspaceID(r)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		collectorID := strings.TrimSpace(r.Header.Get("X-Collector-Id"))
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if collectorID == "" || !ok || token == "" {
			writeError(w, s.logger, errkind.New(errkind.PermissionDenied,
				"collector authentication required"))
			return
		}
		col, err := s.collectors.Authenticate(r.Context(), collectorID, token)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if col.WorkspaceID != ws {
			writeError(w, s.logger, errkind.New(errkind.PermissionDenied,
				"collector does not belong to this workspace"))
			return
		}
		h(w, r, col)
	}
}

// withTimeout applies the configured write timeout to standard handlers,
// keeping the timeout response JSON.
func (s *Server) withTimeout(h http.HandlerFunc) http.Handler {
	msgBytes, _ := json.Marshal(jsonError{Error: "request timed out"})
	msg := string(msgBytes)

	inner := h
	if s.handlerDelay > 0 {
		delay := s.handlerDelay
		inner = func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(delay)
			h(w, r)
		}
	}

	handler := http.TimeoutHandler(inner, s.cfg.WriteTimeout, msg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &contentTypeWrapper{
			ResponseWriter: w,
			contentType:    "application/json",
			triggerStatus:  http.StatusServiceUnavailable,
		}
		handler.ServeHTTP(tw, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// contentTypeWrapper intercepts WriteHeader to set Content-Type on specific
// status codes.
type contentTypeWrapper struct {
	http.ResponseWriter
	contentType   string
	triggerStatus int
	wroteHeader   bool
}

func (w *contentTypeWrapper) WriteHeader(code int) {
	if !w.wroteHeader {
		if code == w.triggerStatus {
			if w.ResponseWriter.Header().Get("Content-Type") == "" {
				w.ResponseWriter.Header().Set("Content-Type", w.contentType)
			}
		}
		w.ResponseWriter.WriteHeader(code)
		w.wroteHeader = true
	}
}

func (w *contentTypeWrapper) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
