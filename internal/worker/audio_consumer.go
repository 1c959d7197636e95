package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
)

type AudioConsumer struct {
	ingestStage
	blobs       BlobStore
	transcriber Transcriber
	pub         Publisher
	timeout     time.Duration
}

func NewAudioConsumer(blobs BlobStore, t Transcriber, pub Publisher, tracker Tracker, settler *Settler) *AudioConsumer {
	return &AudioConsumer{
		ingestStage: ingestStage{name: config.WorkerAudio, topic: config.TopicIngestAudio, tracker: tracker, settler: settler},
		blobs:       blobs,
		transcriber: t,
		pub:         pub,
		timeout:     10 * time.Minute,
	}
}

func (c *AudioConsumer) HandleMessage(m *nsq.Message) error {
	return c.handle(m, c.process)
}

func (c *AudioConsumer) process(ctx context.Context, msg IngestMessage) error {
	if !strings.HasPrefix(strings.ToLower(msg.MIME), "audio/") {
		return Failf(KindUnsupported, "unsupported audio type %q", msg.MIME)
	}

	data, err := c.blobs.Get(ctx, msg.StorageKey)
	if err != nil {
		return blobError(msg.StorageKey, err)
	}

	sttCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	transcript, err := c.transcriber.Transcribe(sttCtx, data, msg.MIME)
	if err != nil {
		return ClassifyCapabilityError(err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		if msg.Derived == DerivedAudio {
			// a video soundtrack without speech has nothing to index
			slog.InfoContext(ctx, "no speech in video audio track", "storage_key", msg.StorageKey)
			return nil
		}
		return Failf(KindInsufficient, "speech-to-text returned an empty transcript")
	}

	em := EmbeddingMessage{
		Text:        transcript,
		OwnerID:     msg.OwnerID,
		ContainerID: msg.ContainerID,
		AssetID:     msg.AssetID,
		StorageKey:  msg.PointerKey(),
		Modality:    ModalityAudio,
		ChunkID:     msg.DerivedChunkID(),
	}
	if err := emitEmbeddings(ctx, c.tracker, c.pub, msg.AssetID, []EmbeddingMessage{em}); err != nil {
		return err
	}

	slog.InfoContext(ctx, "audio transcribed", "storage_key", msg.StorageKey, "chars", len(transcript))
	return nil
}
