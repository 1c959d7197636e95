package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
	"smara/backend/internal/metrics"
)

type EmbedderOptions struct {
	// StrictValidation acknowledges incomplete messages as malformed instead
	// of retrying them until the attempt ceiling.
	StrictValidation bool
	Timeout          time.Duration
	Now              func() time.Time
}

type EmbedderConsumer struct {
	embedder Embedder
	store    VectorStore
	chunks   ChunkStore
	tracker  Tracker
	settler  *Settler
	metrics  *metrics.Metrics
	opts     EmbedderOptions
}

func NewEmbedderConsumer(e Embedder, s VectorStore, chunks ChunkStore, tracker Tracker, settler *Settler, m *metrics.Metrics, opts EmbedderOptions) *EmbedderConsumer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EmbedderConsumer{
		embedder: e,
		store:    s,
		chunks:   chunks,
		tracker:  tracker,
		settler:  settler,
		metrics:  m,
		opts:     opts,
	}
}

func (h *EmbedderConsumer) HandleMessage(m *nsq.Message) error {
	started := time.Now()

	var payload EmbeddingMessage
	var err error
	if len(m.Body) == 0 {
		err = Failf(KindMalformed, "empty message body")
	} else if jerr := json.Unmarshal(m.Body, &payload); jerr != nil {
		// Poison Pill: Invalid JSON, don't retry
		err = Fail(KindMalformed, fmt.Errorf("invalid json: %w", jerr))
	}

	ctx := messageContext(payload.CorrelationID, payload.AssetID)
	if err == nil {
		err = h.process(ctx, payload)
	}
	if err == nil {
		err = h.tracker.Done(ctx, payload.AssetID, EmbedUnit(payload.VectorID()))
	}

	return h.settler.Settle(ctx, m, Outcome{
		Stage:   config.WorkerEmbed,
		Topic:   config.TopicIngestEmbed,
		AssetID: payload.AssetID,
		Started: started,
		Err:     err,
	})
}

func (h *EmbedderConsumer) process(ctx context.Context, payload EmbeddingMessage) error {
	if missing := payload.Missing(); len(missing) > 0 {
		kind := KindTransient
		if h.opts.StrictValidation {
			kind = KindMalformed
		}
		return Failf(kind, "embedding message missing %s", strings.Join(missing, ", "))
	}

	embedCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	vector, err := h.embedder.Embed(embedCtx, payload.Text)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err, "chunk_id", payload.ChunkID)
		return ClassifyCapabilityError(err)
	}
	if len(vector) == 0 {
		return Failf(KindTransient, "embedding model returned an empty vector")
	}

	rec := VectorRecord{
		ID:          payload.VectorID(),
		Vector:      vector,
		AssetID:     payload.AssetID,
		OwnerID:     payload.OwnerID,
		ContainerID: payload.ContainerID,
		Modality:    string(payload.Modality),
		StorageKey:  payload.StorageKey,
		ChunkID:     payload.ChunkID,
		URL:         payload.URL,
		Content:     payload.Text,
		Date:        h.opts.Now().UTC().Format("2006-01-02"),
		StartMs:     payload.StartMs,
		EndMs:       payload.EndMs,
	}
	if err := h.store.Upsert(embedCtx, rec); err != nil {
		slog.ErrorContext(ctx, "vector upsert failed", "error", err, "vector_id", rec.ID)
		return Fail(KindTransient, fmt.Errorf("upsert vector %s: %w", rec.ID, err))
	}

	chunkID := payload.ChunkID
	if chunkID == "" {
		chunkID = "whole"
	}
	if err := h.chunks.UpsertChunk(ctx, ChunkRecord{
		AssetID: payload.AssetID,
		ChunkID: chunkID,
		Kind:    KindForModality(payload.Modality),
		StartMs: payload.StartMs,
		EndMs:   payload.EndMs,
		Text:    payload.Text,
	}); err != nil {
		return Fail(KindTransient, fmt.Errorf("persist chunk %s: %w", rec.ID, err))
	}

	h.metrics.ObserveUpsert(string(payload.Modality))
	slog.InfoContext(ctx, "chunk stored successfully", "vector_id", rec.ID, "modality", payload.Modality)
	return nil
}
