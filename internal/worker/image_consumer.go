package worker

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
)

// MaxImageBytes is the largest image sent to the vision model.
const MaxImageBytes = 15 * 1024 * 1024

// DefaultImagePrompt asks the vision model for a searchable description.
const DefaultImagePrompt = `Describe this image objectively and in detail so it can be found by a text search later.
Mention the main subjects, any visible text (transcribed exactly), the setting, notable colours and objects, and what is happening.
Do not speculate about things that are not visible.
End with one sentence that starts with "This image shows".`

var rasterMIME = regexp.MustCompile(`^image/(png|jpe?g|webp|gif|bmp|tiff)$`)

type ImageConsumer struct {
	ingestStage
	blobs     BlobStore
	describer Describer
	pub       Publisher
	timeout   time.Duration
}

func NewImageConsumer(blobs BlobStore, d Describer, pub Publisher, tracker Tracker, settler *Settler) *ImageConsumer {
	return &ImageConsumer{
		ingestStage: ingestStage{name: config.WorkerImage, topic: config.TopicIngestImage, tracker: tracker, settler: settler},
		blobs:       blobs,
		describer:   d,
		pub:         pub,
		timeout:     2 * time.Minute,
	}
}

func (c *ImageConsumer) HandleMessage(m *nsq.Message) error {
	return c.handle(m, c.process)
}

func (c *ImageConsumer) process(ctx context.Context, msg IngestMessage) error {
	mime := strings.ToLower(strings.TrimSpace(msg.MIME))
	if !rasterMIME.MatchString(mime) {
		return Failf(KindUnsupported, "unsupported image type %q", msg.MIME)
	}

	data, err := c.blobs.Get(ctx, msg.StorageKey)
	if err != nil {
		return blobError(msg.StorageKey, err)
	}
	if len(data) > MaxImageBytes {
		return Failf(KindUnsupported, "image is %d bytes, limit is %d", len(data), MaxImageBytes)
	}

	descCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	desc, err := c.describer.Describe(descCtx, data, mime, DefaultImagePrompt)
	if err != nil {
		return ClassifyCapabilityError(err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return Failf(KindInsufficient, "vision model returned an empty description")
	}

	em := EmbeddingMessage{
		Text:        desc,
		OwnerID:     msg.OwnerID,
		ContainerID: msg.ContainerID,
		AssetID:     msg.AssetID,
		StorageKey:  msg.PointerKey(),
		Modality:    ModalityImage,
		ChunkID:     msg.DerivedChunkID(),
	}
	if msg.Derived == DerivedFrame {
		idx := msg.FrameIndex
		em.FrameIndex = &idx
	}
	if err := emitEmbeddings(ctx, c.tracker, c.pub, msg.AssetID, []EmbeddingMessage{em}); err != nil {
		return err
	}

	slog.InfoContext(ctx, "image described", "storage_key", msg.StorageKey, "chars", len(desc), "frame", msg.Derived == DerivedFrame)
	return nil
}
