package worker

import (
	"context"
	"errors"

	"smara/backend/features/job"
)

// ErrBlobNotFound is returned by blob stores when a key does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ChunkKind labels persisted text by how it was produced.
type ChunkKind string

const (
	ChunkKindASR         ChunkKind = "asr"
	ChunkKindOCR         ChunkKind = "ocr"
	ChunkKindUser        ChunkKind = "user"
	ChunkKindDescription ChunkKind = "description"
)

func KindForModality(m Modality) ChunkKind {
	switch m {
	case ModalityImage:
		return ChunkKindDescription
	case ModalityAudio, ModalityLink, ModalityVideo:
		return ChunkKindASR
	}
	return ChunkKindUser
}

// VectorRecord is one entry of the vector index.
type VectorRecord struct {
	ID          string
	Vector      []float32
	AssetID     string
	OwnerID     string
	ContainerID string
	Modality    string
	StorageKey  string
	ChunkID     string
	URL         string
	Content     string
	Date        string
	StartMs     *int64
	EndMs       *int64
}

// ChunkRecord is the relational copy of an embedded chunk.
type ChunkRecord struct {
	AssetID string
	ChunkID string
	Kind    ChunkKind
	Lang    string
	StartMs *int64
	EndMs   *int64
	Text    string
}

type Publisher interface {
	Publish(topic string, body []byte) error
	MultiPublish(topic string, body [][]byte) error
}

type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Describer interface {
	Describe(ctx context.Context, data []byte, mime, prompt string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mime string) (string, error)
}

type PageExtractor interface {
	ExtractPages(data []byte) ([]string, error)
}

type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID, url string) (*TranscriptResult, error)
}

type MediaExtractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractionResult, error)
}

type VectorStore interface {
	Upsert(ctx context.Context, rec VectorRecord) error
}

type ChunkStore interface {
	UpsertChunk(ctx context.Context, c ChunkRecord) error
}

type DeadLetterStore interface {
	Save(ctx context.Context, j *job.Job) error
}

// AssetStatusStore performs guarded, monotonic status transitions.
type AssetStatusStore interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkReady(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string) error
	RecordError(ctx context.Context, id, stage, message string) error
}

// UnitStore holds the set of outstanding work units per asset.
type UnitStore interface {
	Add(ctx context.Context, assetID string, units ...string) error
	Remove(ctx context.Context, assetID, unit string) (remaining int64, err error)
}

// Tracker coordinates fan-in completion of an asset's derived work.
type Tracker interface {
	Start(ctx context.Context, assetID string) error
	Expect(ctx context.Context, assetID string, units ...string) error
	Done(ctx context.Context, assetID, unit string) error
	Fail(ctx context.Context, assetID, stage string, cause error) error
}
