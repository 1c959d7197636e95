package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"smara/backend/internal/middleware"
	"smara/backend/internal/retrieval"
	"smara/backend/internal/worker"
)

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Match, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type request struct {
	Query    string   `json:"query"`
	OwnerID  string   `json:"owner_id"`
	TopK     int      `json:"top_k"`
	Modality string   `json:"modality"`
	MinScore *float64 `json:"min_score"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Modality != "" && !worker.Modality(req.Modality).Known() {
		h.writeError(ctx, w, "VALIDATION_ERROR", "unknown modality "+req.Modality, http.StatusBadRequest)
		return
	}
	if req.TopK < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "top_k must not be negative", http.StatusBadRequest)
		return
	}

	q := retrieval.Query{
		Text:     req.Query,
		OwnerID:  req.OwnerID,
		TopK:     req.TopK,
		Modality: req.Modality,
	}
	if req.MinScore != nil {
		q.MinScore = *req.MinScore
	}

	matches, err := h.searcher.Search(ctx, q)
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuery) || errors.Is(err, retrieval.ErrOwnerRequired) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []retrieval.Match{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": matches,
		"meta": map[string]int{"count": len(matches)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
