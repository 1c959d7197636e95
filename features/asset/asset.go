package asset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"smara/backend/internal/config"
	"smara/backend/internal/middleware"
	"smara/backend/internal/worker"
)

var (
	ErrDuplicate       = errors.New("asset already exists")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrInvalidRequest  = errors.New("invalid asset request")
	ErrNotFound        = errors.New("asset not found")
	ErrBusy            = errors.New("asset is still being processed")
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

const (
	SourceWeb       = "web"
	SourceExtension = "extension"
)

type Asset struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ContainerID string    `json:"container_id,omitempty"`
	StorageKey  string    `json:"storage_key"`
	MIME        string    `json:"mime"`
	Modality    string    `json:"modality"`
	ByteSize    int64     `json:"byte_size"`
	ContentHash string    `json:"-"`
	Source      string    `json:"source"`
	SourceURL   string    `json:"source_url,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UploadRequest struct {
	OwnerID     string
	ContainerID string
	Filename    string
	MIME        string
	Data        []byte
	Source      string
	SourceURL   string
}

type LinkRequest struct {
	OwnerID     string `json:"owner_id"`
	ContainerID string `json:"container_id"`
	URL         string `json:"url"`
}

type Repository interface {
	FindByHash(ctx context.Context, ownerID, hash string) (*Asset, error)
	Save(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	Delete(ctx context.Context, id string) error
}

type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type VectorCleaner interface {
	DeleteAsset(ctx context.Context, assetID string) error
}

type Service struct {
	repo    Repository
	blobs   BlobWriter
	pub     EventPublisher
	vectors VectorCleaner
	now     func() time.Time
}

func NewService(repo Repository, blobs BlobWriter, pub EventPublisher, vectors VectorCleaner) *Service {
	return &Service{repo: repo, blobs: blobs, pub: pub, vectors: vectors, now: time.Now}
}

// ModalityForMIME maps a content type onto a pipeline modality. PDFs and
// plain text both enter as text; the dispatcher tells them apart.
func ModalityForMIME(contentType string) (worker.Modality, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return worker.ModalityImage, nil
	case strings.HasPrefix(mt, "video/"):
		return worker.ModalityVideo, nil
	case strings.HasPrefix(mt, "audio/"):
		return worker.ModalityAudio, nil
	case mt == "application/pdf", strings.HasPrefix(mt, "text/"):
		return worker.ModalityText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedType, mt)
}

// UploadKey is the blob key of an uploaded file.
func UploadKey(ownerID, id, ext string, at time.Time) string {
	return fmt.Sprintf("uploads/%s/%s/%s.%s", ownerID, at.UTC().Format("2006-01"), id, ext)
}

func LinkKey(ownerID, id string) string {
	return fmt.Sprintf("links/%s/%s", ownerID, id)
}

func extension(filename, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "image/jpeg":
		return "jpg"
	case "text/plain":
		return "txt"
	case "application/pdf":
		return "pdf"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NormalizeLink canonicalises a YouTube URL so that every spelling of the same
// video deduplicates to one asset.
func NormalizeLink(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidRequest)
	}
	id, ok := worker.YouTubeVideoID(u.String())
	if !ok {
		return "", fmt.Errorf("%w: only youtube links are supported", ErrUnsupportedType)
	}
	return "https://www.youtube.com/watch?v=" + id, nil
}

func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Asset, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: body is empty", ErrInvalidRequest)
	}
	source, err := normalizeSource(req.Source)
	if err != nil {
		return nil, err
	}

	hash := hashHex(req.Data)
	if existing, err := s.findDuplicate(ctx, req.OwnerID, hash); existing != nil || err != nil {
		return existing, err
	}

	modality, err := ModalityForMIME(req.MIME)
	if err != nil {
		return nil, err
	}

	a := &Asset{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		ContainerID: req.ContainerID,
		MIME:        req.MIME,
		Modality:    string(modality),
		ByteSize:    int64(len(req.Data)),
		ContentHash: hash,
		Source:      source,
		SourceURL:   req.SourceURL,
		Status:      StatusPending,
	}
	a.StorageKey = UploadKey(a.OwnerID, a.ID, extension(req.Filename, req.MIME), s.now())

	if err := s.blobs.Put(ctx, a.StorageKey, req.Data, req.MIME); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	return s.create(ctx, a, "")
}

func (s *Service) SubmitLink(ctx context.Context, req LinkRequest) (*Asset, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	link, err := NormalizeLink(req.URL)
	if err != nil {
		return nil, err
	}

	hash := hashHex([]byte(link))
	if existing, err := s.findDuplicate(ctx, req.OwnerID, hash); existing != nil || err != nil {
		return existing, err
	}

	a := &Asset{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		ContainerID: req.ContainerID,
		MIME:        "text/uri-list",
		Modality:    string(worker.ModalityLink),
		ContentHash: hash,
		Source:      SourceWeb,
		SourceURL:   link,
		Status:      StatusPending,
	}
	a.StorageKey = LinkKey(a.OwnerID, a.ID)

	marker, err := json.Marshal(map[string]string{"url": link})
	if err != nil {
		return nil, err
	}
	a.ByteSize = int64(len(marker))
	if err := s.blobs.Put(ctx, a.StorageKey, marker, "application/json"); err != nil {
		return nil, fmt.Errorf("store link marker: %w", err)
	}
	return s.create(ctx, a, link)
}

func (s *Service) Get(ctx context.Context, id string) (*Asset, error) {
	return s.repo.Get(ctx, id)
}

// Delete removes an asset with its vectors and persisted chunks. Assets still
// in the pipeline are refused. The blob is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == StatusPending || a.Status == StatusProcessing {
		return ErrBusy
	}
	// 1. Clean Vector Store
	if err := s.vectors.DeleteAsset(ctx, id); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	// 2. Delete rows
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "asset deleted", "asset_id", id)
	return nil
}

func (s *Service) findDuplicate(ctx context.Context, ownerID, hash string) (*Asset, error) {
	existing, err := s.repo.FindByHash(ctx, ownerID, hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, ErrDuplicate
	}
	return nil, nil
}

// create persists the asset and hands it to the pipeline. A lost race on the
// (owner, hash) index surfaces as ErrDuplicate with the winning row.
func (s *Service) create(ctx context.Context, a *Asset, link string) (*Asset, error) {
	if err := s.repo.Save(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, ferr := s.repo.FindByHash(ctx, a.OwnerID, a.ContentHash)
			if ferr != nil {
				return nil, err
			}
			return existing, ErrDuplicate
		}
		return nil, err
	}

	msg := worker.IngestMessage{
		AssetID:     a.ID,
		OwnerID:     a.OwnerID,
		ContainerID: a.ContainerID,
		StorageKey:  a.StorageKey,
		MIME:        a.MIME,
		Modality:    worker.Modality(a.Modality),
		URL:         link,
	}
	if cid := middleware.GetCorrelationID(ctx); cid != "unknown" {
		msg.CorrelationID = cid
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(config.TopicIngestAsset, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest event", "asset_id", a.ID, "error", err)
		// Drop the row so a retried upload is not mistaken for a duplicate.
		if derr := s.repo.Delete(ctx, a.ID); derr != nil {
			slog.ErrorContext(ctx, "failed to remove unpublished asset", "asset_id", a.ID, "error", derr)
		}
		return nil, fmt.Errorf("publish %s: %w", config.TopicIngestAsset, err)
	}
	slog.InfoContext(ctx, "asset accepted", "asset_id", a.ID, "modality", a.Modality, "bytes", a.ByteSize)
	return a, nil
}

func normalizeSource(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", SourceWeb:
		return SourceWeb, nil
	case SourceExtension:
		return SourceExtension, nil
	}
	return "", fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, s)
}
