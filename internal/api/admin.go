package api

import (
	"log/slog"
	"net/http"
)

type adminHandler struct {
	qa     QAReloader
	logger *slog.Logger
}

// reloadQA re-reads the curated question/answer pairs from disk so
// edits take effect without a restart.
func (h *adminHandler) reloadQA(w http.ResponseWriter, r *http.Request) {
	if err := h.qa.ReloadAll(); err != nil {
		h.logger.Error("reloading qa caches", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "qa caches reloaded"})
}
