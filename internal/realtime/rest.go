package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"mindgraph/internal/session"
	"mindgraph/internal/store"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

type resumeRequest struct {
	SessionID string `json:"sessionId"`
	GraphID   string `json:"graphId"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps session and store errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrTurnInProgress), errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Current()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sess, err := s.ensureSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sess.SendMessage(req.Content); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	s.broadcastState(sess)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Current()
	if sess == nil {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	if err := sess.Cancel(); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	s.broadcastState(sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Reset()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.adoptSession(sess)
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" && req.GraphID == "" {
		writeError(w, http.StatusBadRequest, "sessionId or graphId is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), resumeTimeout)
	defer cancel()
	sess, err := s.registry.ResumeFrom(ctx, req.SessionID, req.GraphID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.adoptSession(sess)
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.SessionRecord{})
		return
	}
	records, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
