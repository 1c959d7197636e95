package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"smara/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// List returns dead-lettered messages, optionally narrowed by ?topic= and
// ?asset_id=. Meta carries the total and a per-topic breakdown.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	jobs, err := h.service.List(ctx, Filter{Topic: q.Get("topic"), AssetID: q.Get("asset_id")})
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead letters", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	byTopic := make(map[string]int)
	for _, j := range jobs {
		byTopic[j.Topic]++
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": jobs,
		"meta": map[string]interface{}{"count": len(jobs), "by_topic": byTopic},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	j, err := h.service.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": j})
}

// Retry republishes a dead letter to its topic. The response names the asset
// that is back in the pipeline.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	j, err := h.service.Retry(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retry dead letter", "job_id", id, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"id":       j.ID,
			"asset_id": j.AssetID,
			"topic":    j.Topic,
			"requeued": true,
		},
	})
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		h.writeError(ctx, w, "NOT_FOUND", "Dead letter not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidPayload):
		h.writeError(ctx, w, "INVALID_PAYLOAD", err.Error(), http.StatusUnprocessableEntity)
	default:
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(ctx, w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
