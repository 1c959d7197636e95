package worker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
	"smara/backend/internal/text"
)

// MinDocumentChars is the shortest extracted text accepted from a PDF.
// Anything shorter is assumed to be a parser hiccup and retried.
const MinDocumentChars = 10

type DocumentConsumer struct {
	ingestStage
	blobs     BlobStore
	pages     PageExtractor
	pub       Publisher
	chunkSize int
}

func NewDocumentConsumer(blobs BlobStore, pages PageExtractor, pub Publisher, tracker Tracker, settler *Settler, chunkSize int) *DocumentConsumer {
	return &DocumentConsumer{
		ingestStage: ingestStage{name: config.WorkerDocument, topic: config.TopicIngestDocument, tracker: tracker, settler: settler},
		blobs:       blobs,
		pages:       pages,
		pub:         pub,
		chunkSize:   chunkSize,
	}
}

func (c *DocumentConsumer) HandleMessage(m *nsq.Message) error {
	return c.handle(m, c.process)
}

func (c *DocumentConsumer) process(ctx context.Context, msg IngestMessage) error {
	if !msg.IsPDF() {
		return Failf(KindUnsupported, "unsupported document type %q", msg.MIME)
	}

	data, err := c.blobs.Get(ctx, msg.StorageKey)
	if err != nil {
		return blobError(msg.StorageKey, err)
	}

	pages, err := c.pages.ExtractPages(data)
	if err != nil {
		return Failf(KindUnsupported, "parse pdf %s: %w", msg.StorageKey, err)
	}

	var sb strings.Builder
	for _, p := range pages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p)
	}
	body := sb.String()
	if len([]rune(body)) < MinDocumentChars {
		return Failf(KindInsufficient, "pdf yielded %d characters of text", len([]rune(body)))
	}

	chunks := text.Split(body, c.chunkSize)
	msgs := make([]EmbeddingMessage, 0, len(chunks))
	for _, ch := range chunks {
		msgs = append(msgs, EmbeddingMessage{
			Text:        ch.Text,
			OwnerID:     msg.OwnerID,
			ContainerID: msg.ContainerID,
			AssetID:     msg.AssetID,
			StorageKey:  msg.StorageKey,
			Modality:    ModalityText,
			ChunkID:     ch.ID,
		})
	}
	if err := emitEmbeddings(ctx, c.tracker, c.pub, msg.AssetID, msgs); err != nil {
		return err
	}

	slog.InfoContext(ctx, "pdf extracted", "pages", len(pages), "chunks", len(msgs))
	return nil
}
