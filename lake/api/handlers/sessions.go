package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/malbeclabs/pharma-lake/lake/pkg/store"
)

type SessionListResponse struct {
	Sessions []store.Session `json:"sessions"`
}

type MessageListResponse struct {
	SessionID uuid.UUID       `json:"session_id"`
	Messages  []store.Message `json:"messages"`
}

// ListSessions returns the caller's sessions, most recently active first.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.cfg.Store.ListSessions(r.Context(), userID(r))
	if err != nil {
		http.Error(w, h.internalError("Failed to list sessions", err), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions})
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.cfg.Store.CreateSession(r.Context(), userID(r))
	if err != nil {
		http.Error(w, h.internalError("Failed to create session", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// ListMessages returns a session's messages oldest first.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	msgs, err := h.cfg.Store.ListMessages(r.Context(), userID(r), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, h.internalError("Failed to list messages", err), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, MessageListResponse{SessionID: id, Messages: msgs})
}
