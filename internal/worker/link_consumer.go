package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
	"smara/backend/internal/text"
)

// TranscriptError is a non-successful answer from the transcript service.
type TranscriptError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *TranscriptError) Error() string {
	return fmt.Sprintf("transcript service: status %d, %s: %s", e.Status, e.ErrorType, e.Message)
}

// Kind decides between dropping the link for good and trying again later.
func (e *TranscriptError) Kind() Kind {
	switch e.ErrorType {
	case "no_transcript", "transcripts_disabled", "video_unavailable":
		return KindAbsent
	case "rate_limit", "api_error", "internal_error":
		return KindTransient
	case "xml_parse_error", "parse_error":
		return KindProtocol
	}
	if e.Status == http.StatusNotFound {
		return KindAbsent
	}
	return KindTransient
}

type LinkConsumer struct {
	ingestStage
	fetcher   TranscriptFetcher
	pub       Publisher
	chunkSize int
	timeout   time.Duration
}

func NewLinkConsumer(f TranscriptFetcher, pub Publisher, tracker Tracker, settler *Settler, chunkSize int) *LinkConsumer {
	return &LinkConsumer{
		ingestStage: ingestStage{name: config.WorkerLink, topic: config.TopicIngestLink, tracker: tracker, settler: settler},
		fetcher:     f,
		pub:         pub,
		chunkSize:   chunkSize,
		timeout:     2 * time.Minute,
	}
}

func (c *LinkConsumer) HandleMessage(m *nsq.Message) error {
	return c.handle(m, c.process)
}

func (c *LinkConsumer) process(ctx context.Context, msg IngestMessage) error {
	link := msg.LinkURL()
	videoID, ok := YouTubeVideoID(link)
	if !ok {
		return Failf(KindUnsupported, "not a recognised youtube url: %q", link)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.fetcher.Fetch(fetchCtx, videoID, link)
	if err != nil {
		return classifyTranscriptError(err)
	}

	msgs := c.embeddingMessages(msg, res)
	if len(msgs) == 0 {
		return Failf(KindAbsent, "no transcript content for video %s", videoID)
	}
	if err := emitEmbeddings(ctx, c.tracker, c.pub, msg.AssetID, msgs); err != nil {
		return err
	}

	slog.InfoContext(ctx, "youtube transcript ingested", "video_id", videoID, "chunks", len(msgs))
	return nil
}

func (c *LinkConsumer) embeddingMessages(msg IngestMessage, res *TranscriptResult) []EmbeddingMessage {
	base := EmbeddingMessage{
		OwnerID:     msg.OwnerID,
		ContainerID: msg.ContainerID,
		AssetID:     msg.AssetID,
		StorageKey:  msg.StorageKey,
		Modality:    ModalityLink,
		URL:         msg.LinkURL(),
	}

	var timed []TranscriptChunk
	for _, ch := range res.Chunks {
		if strings.TrimSpace(ch.Text) != "" {
			timed = append(timed, ch)
		}
	}

	var out []EmbeddingMessage
	if len(timed) > 0 {
		for i, ch := range timed {
			em := base
			em.Text = strings.TrimSpace(ch.Text)
			em.ChunkID = text.ChunkID(i, len(timed))
			em.StartMs = int64Ptr(ch.StartMs)
			em.EndMs = int64Ptr(ch.EndMs)
			out = append(out, em)
		}
		return out
	}

	transcript := strings.TrimSpace(res.Transcript)
	if transcript == "" {
		return nil
	}
	for _, ch := range text.Split(transcript, c.chunkSize) {
		em := base
		em.Text = ch.Text
		em.ChunkID = ch.ID
		out = append(out, em)
	}
	return out
}

func classifyTranscriptError(err error) error {
	var te *TranscriptError
	if errors.As(err, &te) {
		return Fail(te.Kind(), err)
	}
	return ClassifyCapabilityError(err)
}
