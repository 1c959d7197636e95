package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"smara/backend/internal/config"
	"smara/backend/internal/worker"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = worker.ErrBlobNotFound

// Store is the object storage used for uploads and derived media.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	Close() error
}

// New builds the store selected by BLOB_BACKEND.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendGCS:
		return NewGCS(ctx, cfg.GCSBucket, cfg.BlobPublicBaseURL)
	case config.BlobBackendLocal:
		return NewLocal(cfg.BlobLocalDir, cfg.BlobPublicBaseURL)
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

func joinURL(base, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
