package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Modality string

const (
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
	ModalityText  Modality = "text"
	ModalityLink  Modality = "link"
)

func (m Modality) Known() bool {
	switch m {
	case ModalityImage, ModalityAudio, ModalityVideo, ModalityText, ModalityLink:
		return true
	}
	return false
}

// Derived marks ingest messages produced by the video decomposer.
type Derived string

const (
	DerivedNone  Derived = ""
	DerivedFrame Derived = "frame"
	DerivedAudio Derived = "audio"
)

var ErrUnknownModality = errors.New("unknown modality")

// IngestMessage is the envelope routed by the dispatcher. Modality is the tag:
// it selects the adapter and therefore which optional fields are meaningful
// (URL for links, Derived/FrameIndex/SourceStorageKey for decomposed video).
type IngestMessage struct {
	AssetID     string   `json:"asset_id"`
	OwnerID     string   `json:"owner_id"`
	ContainerID string   `json:"container_id,omitempty"`
	StorageKey  string   `json:"storage_key"`
	MIME        string   `json:"mime"`
	Modality    Modality `json:"modality"`
	URL         string   `json:"url,omitempty"`

	SourceStorageKey string  `json:"source_storage_key,omitempty"`
	Derived          Derived `json:"derived,omitempty"`
	FrameIndex       int     `json:"frame_index,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// DecodeIngest parses and validates an ingest message body. The returned
// message is populated whenever the JSON itself was readable, even if
// validation failed.
func DecodeIngest(body []byte) (IngestMessage, error) {
	var msg IngestMessage
	if len(body) == 0 {
		return msg, Failf(KindMalformed, "empty message body")
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, Fail(KindMalformed, fmt.Errorf("invalid json: %w", err))
	}
	return msg, msg.Validate()
}

// Validate reports missing required fields as a permanent malformation and an
// unrecognised modality as transient, since the latter usually means a
// producer runs a newer version than this consumer.
func (m IngestMessage) Validate() error {
	var missing []string
	if m.AssetID == "" {
		missing = append(missing, "asset_id")
	}
	if m.OwnerID == "" {
		missing = append(missing, "owner_id")
	}
	if m.StorageKey == "" {
		missing = append(missing, "storage_key")
	}
	if m.Modality == "" {
		missing = append(missing, "modality")
	}
	if len(missing) > 0 {
		return Failf(KindMalformed, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if !m.Modality.Known() {
		return Fail(KindTransient, fmt.Errorf("%w %q", ErrUnknownModality, m.Modality))
	}
	return nil
}

func (m IngestMessage) IsPDF() bool {
	return strings.Contains(strings.ToLower(m.MIME), "pdf")
}

// LinkURL is the page a link message points at. Older producers put the URL
// in storage_key instead of url.
func (m IngestMessage) LinkURL() string {
	if m.URL != "" {
		return m.URL
	}
	return m.StorageKey
}

// PointerKey is the storage key search results should resolve to. Derived
// sub-assets point back at the original upload.
func (m IngestMessage) PointerKey() string {
	if m.SourceStorageKey != "" {
		return m.SourceStorageKey
	}
	return m.StorageKey
}

// DerivedChunkID keeps the vectors of decomposed video content distinct under
// the shared parent asset id.
func (m IngestMessage) DerivedChunkID() string {
	switch m.Derived {
	case DerivedFrame:
		return fmt.Sprintf("frame-%04d", m.FrameIndex)
	case DerivedAudio:
		return "audio"
	}
	return ""
}

// EmbeddingMessage carries one chunk of extracted text to the embedder.
type EmbeddingMessage struct {
	Text        string   `json:"text"`
	OwnerID     string   `json:"owner_id"`
	ContainerID string   `json:"container_id"`
	AssetID     string   `json:"asset_id"`
	StorageKey  string   `json:"storage_key"`
	Modality    Modality `json:"modality"`
	ChunkID     string   `json:"chunk_id,omitempty"`
	URL         string   `json:"url,omitempty"`
	StartMs     *int64   `json:"start_ms,omitempty"`
	EndMs       *int64   `json:"end_ms,omitempty"`
	FrameIndex  *int     `json:"frame_index,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

func (m EmbeddingMessage) VectorID() string {
	return VectorID(m.AssetID, m.ChunkID)
}

// Missing lists the routing fields an embedding cannot be stored without.
func (m EmbeddingMessage) Missing() []string {
	var missing []string
	if strings.TrimSpace(m.Text) == "" {
		missing = append(missing, "text")
	}
	if m.AssetID == "" {
		missing = append(missing, "asset_id")
	}
	if m.OwnerID == "" {
		missing = append(missing, "owner_id")
	}
	if m.StorageKey == "" {
		missing = append(missing, "storage_key")
	}
	return missing
}

// VectorID is the deterministic identity of a vector record.
func VectorID(assetID, chunkID string) string {
	if chunkID == "" {
		return assetID
	}
	return assetID + ":" + chunkID
}

// Unit names one outstanding piece of work for the completion tracker.
func Unit(stage, key string) string {
	return stage + ":" + key
}

// EmbedUnit is the tracker unit of an embedding message.
func EmbedUnit(vectorID string) string {
	return Unit("embed", vectorID)
}

// TranscriptResult is the response body of the transcript service.
type TranscriptResult struct {
	Success    bool              `json:"success"`
	Transcript string            `json:"transcript,omitempty"`
	Chunks     []TranscriptChunk `json:"chunks,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorType  string            `json:"error_type,omitempty"`
}

type TranscriptChunk struct {
	Text         string `json:"text"`
	StartMs      int64  `json:"start_ms"`
	EndMs        int64  `json:"end_ms"`
	SegmentCount int    `json:"segment_count"`
}

// ExtractRequest is handed to the frame/audio extraction process.
type ExtractRequest struct {
	AssetID string
	OwnerID string
	MIME    string
	Data    []byte
}

// ExtractionResult mirrors the extraction process output; byte slices
// marshal as base64.
type ExtractionResult struct {
	Success  bool               `json:"success"`
	AssetID  string             `json:"asset_id"`
	Frames   []ExtractedFrame   `json:"frames"`
	Audio    *ExtractedAudio    `json:"audio,omitempty"`
	Metadata ExtractionMetadata `json:"metadata"`
	Strategy string             `json:"strategy,omitempty"`
}

type ExtractedFrame struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
	Size     int    `json:"size"`
}

type ExtractedAudio struct {
	Data []byte `json:"data"`
	Size int    `json:"size"`
}

type ExtractionMetadata struct {
	FrameCount     int  `json:"frame_count"`
	HasAudio       bool `json:"has_audio"`
	TotalSizeBytes int  `json:"total_size_bytes"`
}
