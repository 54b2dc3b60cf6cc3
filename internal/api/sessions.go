package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/siftd/sift/internal/conversation"
)

type sessionHandler struct {
	svc    Service
	logger *slog.Logger
}

type sessionView struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	Turns     int       `json:"turns"`
	StartedAt time.Time `json:"startedAt"`
	LastAt    time.Time `json:"lastModified"`
}

type turnView struct {
	RequestID string    `json:"requestId"`
	UserInput string    `json:"userInput"`
	Response  string    `json:"response"`
	Liked     *bool     `json:"liked,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toTurnView(t *conversation.Turn) turnView {
	return turnView{
		RequestID: t.RequestID,
		UserInput: t.UserInput,
		Response:  t.Response,
		Liked:     t.Liked,
		CreatedAt: t.CreatedAt,
	}
}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.GetSessionList(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]sessionView, len(sessions))
	for i, s := range sessions {
		views[i] = sessionView{
			SessionID: s.SessionID,
			Title:     s.Title,
			Turns:     s.Turns,
			StartedAt: s.StartedAt,
			LastAt:    s.LastAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *sessionHandler) history(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 50)
	turns, err := h.svc.GetSessionHistory(r.Context(), userID(r), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]turnView, len(turns))
	for i, t := range turns {
		views[i] = toTurnView(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": views})
}

func (h *sessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
}

type feedbackRequest struct {
	RequestID string `json:"requestId"`
	Liked     bool   `json:"liked"`
}

func (h *sessionHandler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	turn, err := h.svc.SetLiked(r.Context(), userID(r), req.RequestID, req.Liked)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnView(turn))
}
