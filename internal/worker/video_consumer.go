package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"smara/backend/internal/config"
)

const uploadConcurrency = 8

// VideoConsumer decomposes a video into frame and audio ingest messages.
// Every derived message keeps the parent asset id; only the storage key is
// new.
type VideoConsumer struct {
	ingestStage
	blobs     BlobStore
	extractor MediaExtractor
	pub       Publisher
	timeout   time.Duration
}

func NewVideoConsumer(blobs BlobStore, x MediaExtractor, pub Publisher, tracker Tracker, settler *Settler, timeout time.Duration) *VideoConsumer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &VideoConsumer{
		ingestStage: ingestStage{name: config.WorkerVideo, topic: config.TopicIngestVideo, tracker: tracker, settler: settler},
		blobs:       blobs,
		extractor:   x,
		pub:         pub,
		timeout:     timeout,
	}
}

func (c *VideoConsumer) HandleMessage(m *nsq.Message) error {
	return c.handle(m, c.process)
}

func FrameKey(ownerID, assetID, filename string) string {
	return fmt.Sprintf("videos/%s/%s/frames/%s", ownerID, assetID, filename)
}

func AudioKey(ownerID, assetID string) string {
	return fmt.Sprintf("videos/%s/%s/audio.wav", ownerID, assetID)
}

func (c *VideoConsumer) process(ctx context.Context, msg IngestMessage) error {
	data, err := c.blobs.Get(ctx, msg.StorageKey)
	if err != nil {
		return blobError(msg.StorageKey, err)
	}

	extractCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.extractor.Extract(extractCtx, ExtractRequest{
		AssetID: msg.AssetID,
		OwnerID: msg.OwnerID,
		MIME:    msg.MIME,
		Data:    data,
	})
	if err != nil {
		return ClassifyCapabilityError(fmt.Errorf("extract video: %w", err))
	}
	if len(res.Frames) == 0 {
		return Failf(KindInsufficient, "extraction produced no frames")
	}

	frames, audio, err := c.store(ctx, msg, res)
	if err != nil {
		return err
	}

	units := make([]string, 0, len(frames)+1)
	for _, f := range frames {
		units = append(units, Unit(config.WorkerImage, f.StorageKey))
	}
	if audio != nil {
		units = append(units, Unit(config.WorkerAudio, audio.StorageKey))
	}
	if err := c.tracker.Expect(ctx, msg.AssetID, units...); err != nil {
		return err
	}

	bodies := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal frame message: %w", err)
		}
		bodies = append(bodies, b)
	}
	if err := publishAll(c.pub, config.TopicIngestImage, bodies); err != nil {
		return err
	}
	if audio != nil {
		b, err := json.Marshal(audio)
		if err != nil {
			return fmt.Errorf("marshal audio message: %w", err)
		}
		if err := publishAll(c.pub, config.TopicIngestAudio, [][]byte{b}); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "video decomposed",
		"strategy", res.Strategy,
		"frames", len(frames),
		"has_audio", audio != nil,
		"total_bytes", res.Metadata.TotalSizeBytes,
	)
	return nil
}

// store uploads every frame and the audio track and returns the derived
// ingest messages for them.
func (c *VideoConsumer) store(ctx context.Context, parent IngestMessage, res *ExtractionResult) ([]IngestMessage, *IngestMessage, error) {
	derived := func(key, mime string, kind Derived, index int) IngestMessage {
		return IngestMessage{
			AssetID:          parent.AssetID,
			OwnerID:          parent.OwnerID,
			ContainerID:      parent.ContainerID,
			StorageKey:       key,
			MIME:             mime,
			SourceStorageKey: parent.StorageKey,
			Derived:          kind,
			FrameIndex:       index,
			CorrelationID:    correlationID(ctx),
		}
	}

	frames := make([]IngestMessage, len(res.Frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, f := range res.Frames {
		key := FrameKey(parent.OwnerID, parent.AssetID, f.Filename)
		frames[i] = derived(key, "image/jpeg", DerivedFrame, i)
		frames[i].Modality = ModalityImage
		g.Go(func() error {
			if err := c.blobs.Put(gctx, key, f.Data, "image/jpeg"); err != nil {
				return Fail(KindTransient, fmt.Errorf("store frame %s: %w", key, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if res.Audio == nil || len(res.Audio.Data) == 0 {
		return frames, nil, nil
	}
	key := AudioKey(parent.OwnerID, parent.AssetID)
	if err := c.blobs.Put(ctx, key, res.Audio.Data, "audio/wav"); err != nil {
		return nil, nil, Fail(KindTransient, fmt.Errorf("store audio %s: %w", key, err))
	}
	audio := derived(key, "audio/wav", DerivedAudio, 0)
	audio.Modality = ModalityAudio
	return frames, &audio, nil
}
