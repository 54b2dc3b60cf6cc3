package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/siftd/sift/internal/service"
)

type queryHandler struct {
	svc    Service
	logger *slog.Logger
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
}

func (h *queryHandler) decode(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, true
}

func (h *queryHandler) query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(r.Context())
	}
	res, err := h.svc.HandleQuery(r.Context(), req.Query, userID(r), req.SessionID, req.RequestID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SSE event types for query streaming.
const (
	EventChunk = "chunk" // partial answer text
	EventDone  = "done"  // final result with citations and metadata
	EventError = "error" // terminal failure
)

// ChunkPayload is the data for chunk events.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ErrorPayload is the data for error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream answers over SSE: chunk events while text arrives, then one
// done event carrying the full result.
func (h *queryHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "invalid_request", Message: "invalid request body"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(r.Context())
	}

	ctx := r.Context()
	res, err := h.svc.StreamQuery(ctx, req.Query, userID(r), req.SessionID, req.RequestID,
		func(ctx context.Context, text string) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return writeEvent(w, flusher, EventChunk, ChunkPayload{Text: text})
		})
	if err != nil {
		code := "stream_error"
		switch {
		case errors.Is(err, service.ErrValidation):
			code = "invalid_request"
		case errors.Is(err, service.ErrProvider):
			code = "provider_error"
		}
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: code, Message: err.Error()})
		return
	}

	_ = writeEvent(w, flusher, EventDone, res)
	h.logger.Debug("query stream completed", "request_id", req.RequestID)
}

// writeEvent writes one SSE event: "event: <type>\ndata: <json>\n\n".
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
