package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
	"smara/backend/internal/text"
)

type route struct {
	stage string
	topic string
}

var routes = map[Modality]route{
	ModalityImage: {config.WorkerImage, config.TopicIngestImage},
	ModalityAudio: {config.WorkerAudio, config.TopicIngestAudio},
	ModalityVideo: {config.WorkerVideo, config.TopicIngestVideo},
	ModalityLink:  {config.WorkerLink, config.TopicIngestLink},
}

var documentRoute = route{config.WorkerDocument, config.TopicIngestDocument}

// Dispatcher validates ingest messages and forwards each to exactly one
// downstream target. Plain text has no adapter: it is chunked here and
// published to the embedder in one batch.
type Dispatcher struct {
	blobs     BlobStore
	pub       Publisher
	tracker   Tracker
	settler   *Settler
	chunkSize int
}

func NewDispatcher(blobs BlobStore, pub Publisher, tracker Tracker, settler *Settler, chunkSize int) *Dispatcher {
	return &Dispatcher{
		blobs:     blobs,
		pub:       pub,
		tracker:   tracker,
		settler:   settler,
		chunkSize: chunkSize,
	}
}

func (d *Dispatcher) HandleMessage(m *nsq.Message) error {
	started := time.Now()
	msg, err := DecodeIngest(m.Body)
	ctx := messageContext(msg.CorrelationID, msg.AssetID)

	if err == nil {
		err = d.dispatch(ctx, msg)
	}

	return d.settler.Settle(ctx, m, Outcome{
		Stage:   config.WorkerDispatch,
		Topic:   config.TopicIngestAsset,
		AssetID: msg.AssetID,
		Started: started,
		Err:     err,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, msg IngestMessage) error {
	if err := d.tracker.Start(ctx, msg.AssetID); err != nil {
		return err
	}

	if msg.Modality == ModalityText {
		if msg.IsPDF() {
			return d.forward(ctx, msg, documentRoute)
		}
		return d.inlineText(ctx, msg)
	}

	r, ok := routes[msg.Modality]
	if !ok {
		return Fail(KindTransient, fmt.Errorf("%w %q", ErrUnknownModality, msg.Modality))
	}
	return d.forward(ctx, msg, r)
}

func (d *Dispatcher) forward(ctx context.Context, msg IngestMessage, r route) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ingest message: %w", err)
	}
	if err := d.tracker.Expect(ctx, msg.AssetID, Unit(r.stage, msg.StorageKey)); err != nil {
		return err
	}
	if err := d.pub.Publish(r.topic, body); err != nil {
		return Fail(KindTransient, fmt.Errorf("publish %s: %w", r.topic, err))
	}
	slog.InfoContext(ctx, "asset dispatched", "modality", msg.Modality, "topic", r.topic)
	return nil
}

func (d *Dispatcher) inlineText(ctx context.Context, msg IngestMessage) error {
	data, err := d.blobs.Get(ctx, msg.StorageKey)
	if err != nil {
		return blobError(msg.StorageKey, err)
	}
	if !utf8.Valid(data) {
		return Failf(KindUnsupported, "text blob %s is not valid utf-8", msg.StorageKey)
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return Failf(KindAbsent, "text blob %s is empty", msg.StorageKey)
	}

	chunks := text.Split(body, d.chunkSize)
	msgs := make([]EmbeddingMessage, 0, len(chunks))
	for _, c := range chunks {
		msgs = append(msgs, EmbeddingMessage{
			Text:        c.Text,
			OwnerID:     msg.OwnerID,
			ContainerID: msg.ContainerID,
			AssetID:     msg.AssetID,
			StorageKey:  msg.StorageKey,
			Modality:    ModalityText,
			ChunkID:     c.ID,
		})
	}

	if err := emitEmbeddings(ctx, d.tracker, d.pub, msg.AssetID, msgs); err != nil {
		return err
	}
	slog.InfoContext(ctx, "text asset chunked inline", "chunks", len(msgs))
	return nil
}
