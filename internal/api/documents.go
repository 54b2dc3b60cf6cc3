package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/siftd/sift/internal/indexlog"
)

type documentHandler struct {
	svc    Service
	logger *slog.Logger
}

type addDocumentRequest struct {
	Source     string `json:"source"`
	SourceType string `json:"sourceType"`
}

func (h *documentHandler) add(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	res, err := h.svc.AddDocument(r.Context(), req.Source, indexlog.SourceType(req.SourceType), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *documentHandler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intParam(q.Get("page"), 1)
	pageSize := intParam(q.Get("pageSize"), 20)

	f := indexlog.Filter{
		Source:     q.Get("source"),
		SourceType: indexlog.SourceType(q.Get("sourceType")),
		Status:     indexlog.Status(q.Get("status")),
		CreatedBy:  q.Get("createdBy"),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC 3339")
			return
		}
		f.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC 3339")
			return
		}
		f.To = t
	}

	views, err := h.svc.ListDocuments(r.Context(), page, pageSize, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": views,
		"page":      page,
		"pageSize":  pageSize,
	})
}

func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.DeleteDocument(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "document deleted"})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}
