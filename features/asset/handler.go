package asset

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"smara/backend/internal/middleware"
)

type Handler struct {
	service  *Service
	maxBytes int64
}

func NewHandler(service *Service, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 200 << 20
	}
	return &Handler{service: service, maxBytes: maxBytes}
}

// Upload accepts the raw file as the request body. Ownership and naming travel
// in headers so the body can be streamed straight from a browser extension.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, "PAYLOAD_TOO_LARGE", "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(ctx, w, "BAD_REQUEST", "Unable to read body", http.StatusBadRequest)
		return
	}

	a, err := h.service.Upload(ctx, UploadRequest{
		OwnerID:     r.Header.Get("X-Owner-Id"),
		ContainerID: r.Header.Get("X-Container-Id"),
		Filename:    r.Header.Get("X-Filename"),
		MIME:        r.Header.Get("Content-Type"),
		Source:      r.Header.Get("X-Source"),
		SourceURL:   r.Header.Get("X-Source-Url"),
		Data:        data,
	})
	h.writeAccepted(ctx, w, a, err)
}

func (h *Handler) SubmitLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	a, err := h.service.SubmitLink(ctx, req)
	h.writeAccepted(ctx, w, a, err)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.service.Get(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Asset not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to get asset", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": a})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			h.writeError(ctx, w, "NOT_FOUND", "Asset not found", http.StatusNotFound)
		case errors.Is(err, ErrBusy):
			h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			slog.ErrorContext(ctx, "failed to delete asset", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeAccepted(ctx context.Context, w http.ResponseWriter, a *Asset, err error) {
	switch {
	case err == nil:
		h.writeJSON(ctx, w, http.StatusCreated, map[string]interface{}{"data": a, "duplicate": false})
	case errors.Is(err, ErrDuplicate) && a != nil:
		h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": a, "duplicate": true})
	case errors.Is(err, ErrInvalidRequest):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnsupportedType):
		h.writeError(ctx, w, "UNSUPPORTED_MEDIA_TYPE", err.Error(), http.StatusUnsupportedMediaType)
	default:
		slog.ErrorContext(ctx, "failed to accept asset", "error", err)
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
