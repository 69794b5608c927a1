package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/progress/sinks"
)

// BatchReader looks up the progress summary of a batch.
type BatchReader interface {
	Get(id string) (sinks.BatchStatus, bool)
}

// ProgressHandler exposes read-only batch progress endpoints.
type ProgressHandler struct {
	batches BatchReader
	logger  *zap.Logger
}

// NewProgressHandler wires the batch reader and logger.
func NewProgressHandler(batches BatchReader, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{batches: batches, logger: logger}
}

// GetBatch handles GET /v1/batches/{batch_id}. It returns {"batch": {...}}
// on success, 400 for a missing ID, 404 for batches that are unknown or were
// evicted, and 503 when no tracker is configured.
func (h *ProgressHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.batches == nil {
		writeError(w, http.StatusServiceUnavailable, "batch tracker unavailable")
		return
	}
	id, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := h.batches.Get(id)
	if !ok {
		h.logger.Debug("batch not found", zap.String("batch_id", id))
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": status})
}

func parseBatchID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "batch_id"))
	if id == "" {
		return "", errors.New("batch_id is required")
	}
	return id, nil
}
