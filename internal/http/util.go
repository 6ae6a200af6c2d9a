package http

import (
	"encoding/json"
	"net/http"

	"medical-translator/pkg"

	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("write response failed", zap.Error(err))
	}
}

// writeError writes the error body.  details carries the underlying cause
// for upstream failures.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string, cause error) {
	body := pkg.ErrorResponse{Error: msg}
	if cause != nil {
		body.Details = cause.Error()
	}
	s.writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
