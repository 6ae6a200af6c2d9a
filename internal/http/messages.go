package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"medical-translator/internal/db"
	"medical-translator/internal/llm"
	"medical-translator/pkg"

	"go.uber.org/zap"
)

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req pkg.NewMessage
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()
	msg, err := s.Store.CreateMessage(ctx, req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusCreated, msg)
	case errors.Is(err, db.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "Invalid message", err)
	case errors.Is(err, db.ErrVisitNotFound):
		s.writeError(w, http.StatusNotFound, "Visit not found", nil)
	default:
		s.Logger.Error("create message failed", zap.String("session_id", req.SessionID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to save message", err)
	}
}

// handleSpeech synthesizes text and returns MP3 audio.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req pkg.SpeechRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "Text is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()
	audio, err := s.Speaker.Speech(ctx, req.Text)
	if errors.Is(err, llm.ErrEmptyText) {
		s.writeError(w, http.StatusBadRequest, "Text is required", nil)
		return
	}
	if err != nil {
		s.Logger.Error("speech synthesis failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to generate speech", err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
