package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"smara/backend/internal/middleware"
)

type AssetRepo interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
	CountChunks(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	assetRepo AssetRepo
	jobRepo   JobRepo
}

func NewHandler(a AssetRepo, j JobRepo) *Handler {
	return &Handler{assetRepo: a, jobRepo: j}
}

type StatsResponse struct {
	Assets     map[string]int `json:"assets"`
	Chunks     int            `json:"chunks"`
	FailedJobs int            `json:"failed_jobs"`
}

var statuses = []string{"pending", "processing", "ready", "error"}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	byStatus, err := h.assetRepo.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count assets", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count assets", http.StatusInternalServerError)
		return
	}

	cCount, err := h.assetRepo.CountChunks(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	assets := make(map[string]int, len(statuses))
	for _, s := range statuses {
		assets[s] = byStatus[s]
	}

	resp := StatsResponse{
		Assets:     assets,
		Chunks:     cCount,
		FailedJobs: jCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
