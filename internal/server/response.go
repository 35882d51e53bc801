package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stenohq/steno/internal/errkind"
)

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encoding response failed", "error", err.Error())
	}
}

// writeError maps an error's kind onto its HTTP status and emits the
// standard error body. Gap errors additionally carry the resume fields the
// collector protocol requires.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)
	if status >= 500 {
		logger.Warn("request failed", "kind", string(kind), "error", err.Error())
	}

	body := map[string]any{
		"error": err.Error(),
		"kind":  string(kind),
	}
	if hint := errkind.HintOf(err); hint != "" {
		body["hint"] = hint
	}
	var gap *errkind.GapError
	if errors.As(err, &gap) {
		body["last_received"] = gap.LastReceived
		body["expected"] = gap.Expected
	}
	writeJSON(w, status, body)
}

// decodeBody reads a JSON request body into dst, classifying failures as
// InvalidArgument.
func decodeBody(r *http.Request, dst any) error {
	defer io.Copy(io.Discard, r.Body)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errkind.Wrap(errkind.InvalidArgument, "decoding request body", err)
	}
	return nil
}
