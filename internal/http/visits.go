package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"medical-translator/internal/core"
	"medical-translator/internal/db"
	"medical-translator/pkg"

	"go.uber.org/zap"
)

const sseKeepAlive = 25 * time.Second

// handleCreateVisit inserts the visit row when a realtime session starts.
// A missing session ID is reported as a server error, as the browser never
// sends one deliberately.
func (s *Server) handleCreateVisit(w http.ResponseWriter, r *http.Request) {
	var req pkg.CreateVisitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()
	ts, err := s.Store.CreateVisit(ctx, req.SessionID)
	if err != nil {
		s.Logger.Error("create visit failed", zap.String("session_id", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create visit", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ts)
}

// handleCloseVisit records the final languages of a visit.
func (s *Server) handleCloseVisit(w http.ResponseWriter, r *http.Request) {
	var req pkg.CloseVisitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	for _, c := range []*pkg.LanguageCode{req.ClinicianLanguage, req.PatientLanguage} {
		if c != nil && !c.Valid() {
			s.writeError(w, http.StatusBadRequest, "Invalid language code", fmt.Errorf("unsupported language %q", *c))
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()
	if err := s.Store.CloseVisit(ctx, req.SessionID, req.ClinicianLanguage, req.PatientLanguage); err != nil {
		s.Logger.Error("close visit failed", zap.String("session_id", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to update visit", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetVisit(w http.ResponseWriter, r *http.Request, sessionID string) {
	visit, err := s.Store.GetVisit(r.Context(), sessionID)
	if errors.Is(err, db.ErrVisitNotFound) {
		s.writeError(w, http.StatusNotFound, "Visit not found", nil)
		return
	}
	if err != nil {
		s.Logger.Error("get visit failed", zap.String("session_id", sessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load visit", err)
		return
	}
	s.writeJSON(w, http.StatusOK, visit)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	messages, ok := s.messages(w, r, sessionID)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, sessionID string) {
	messages, ok := s.messages(w, r, sessionID)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, core.CalculateMetrics(messages))
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request, sessionID string) ([]pkg.Message, bool) {
	messages, err := s.Store.ListMessages(r.Context(), sessionID)
	if err != nil {
		s.Logger.Error("list messages failed", zap.String("session_id", sessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load messages", err)
		return nil, false
	}
	if messages == nil {
		messages = []pkg.Message{}
	}
	return messages, true
}

// handleAnalyze runs the post-visit analysis.  An empty conversation is
// not an error and yields 204.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.AnalyzeTimeout)
	defer cancel()
	visit, err := s.Analyzer.Analyze(ctx, sessionID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, visit)
	case errors.Is(err, core.ErrMissingSessionID):
		s.writeError(w, http.StatusBadRequest, "Session ID is required", nil)
	case errors.Is(err, core.ErrNoMessages):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, db.ErrVisitNotFound):
		s.writeError(w, http.StatusNotFound, "Visit not found", nil)
	case errors.Is(err, core.ErrAnalysisInProgress):
		s.writeError(w, http.StatusConflict, "Analysis already in progress", nil)
	default:
		s.Logger.Error("analysis failed", zap.String("session_id", sessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to analyze conversation", err)
	}
}

// handleVisitEvents streams one visit_analyzed event once the analysis of
// the visit is stored, then ends the stream.
func (s *Server) handleVisitEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.Notifier == nil {
		s.writeError(w, http.StatusNotFound, "Event stream disabled", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}
	// subscribe before the first read so a notification cannot slip between
	updates, cancel := s.Notifier.Subscribe(sessionID)
	defer cancel()

	visit, err := s.Store.GetVisit(r.Context(), sessionID)
	if errors.Is(err, db.ErrVisitNotFound) {
		s.writeError(w, http.StatusNotFound, "Visit not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load visit", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for !visit.Analyzed() {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-updates:
			visit, err = s.Store.GetVisit(r.Context(), sessionID)
			if err != nil {
				s.Logger.Warn("reload analyzed visit failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		}
	}
	if err := writeEvent(w, "visit_analyzed", visit); err != nil {
		s.Logger.Warn("write visit event failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// handleEventLog returns the mirrored realtime events of a session, newest
// first.  ?limit bounds the result.
func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.EventLog == nil {
		s.writeError(w, http.StatusNotFound, "Event log mirror disabled", nil)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	events, err := s.EventLog.List(r.Context(), sessionID, limit)
	if err != nil {
		s.Logger.Error("read event log failed", zap.String("session_id", sessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to read event log", err)
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	s.writeJSON(w, http.StatusOK, events)
}
