package worker_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"smara/backend/internal/config"
	"smara/backend/internal/worker"
)

type stageFixture struct {
	blobs    *memBlobs
	pub      *memPublisher
	units    *memUnits
	statuses *memStatuses
	tracker  *worker.CompletionTracker
	settler  *worker.Settler
}

func newStageFixture(blobs *memBlobs) *stageFixture {
	f := &stageFixture{
		blobs:    blobs,
		pub:      newMemPublisher(),
		units:    newMemUnits(),
		statuses: newMemStatuses("a1"),
	}
	f.tracker = worker.NewCompletionTracker(f.units, f.statuses)
	f.settler = newTestSettler(nil, f.pub, f.tracker)
	_ = f.tracker.Start(context.Background(), "a1")
	return f
}

func TestImageConsumer(t *testing.T) {
	t.Run("DescribesAndEmits", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("cat.png", "pixels"))
		d := new(MockDescriber)
		d.On("Describe", mock.Anything, []byte("pixels"), "image/png", worker.DefaultImagePrompt).
			Return("  A ginger cat on a windowsill. This image shows a cat.  ", nil)
		c := worker.NewImageConsumer(f.blobs, d, f.pub, f.tracker, f.settler)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityImage, "cat.png", "image/png"))))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 1)
		assert.Equal(t, "A ginger cat on a windowsill. This image shows a cat.", ems[0].Text)
		assert.Equal(t, worker.ModalityImage, ems[0].Modality)
		assert.Equal(t, "cat.png", ems[0].StorageKey)
		assert.Empty(t, ems[0].ChunkID)
		assert.Nil(t, ems[0].FrameIndex)
		assert.Equal(t, map[string]struct{}{"embed:a1": {}}, f.units.units["a1"])
	})

	t.Run("VideoFramePointsAtParent", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("videos/u1/a1/frames/f3.jpg", "jpeg"))
		d := new(MockDescriber)
		d.On("Describe", mock.Anything, mock.Anything, "image/jpeg", mock.Anything).Return("a slide with a chart", nil)
		c := worker.NewImageConsumer(f.blobs, d, f.pub, f.tracker, f.settler)

		msg := ingest(worker.ModalityImage, "videos/u1/a1/frames/f3.jpg", "image/jpeg")
		msg.SourceStorageKey = "uploads/u1/a1.mp4"
		msg.Derived = worker.DerivedFrame
		msg.FrameIndex = 3
		require.NoError(t, c.HandleMessage(newNSQMessage(t, msg)))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 1)
		assert.Equal(t, "a1", ems[0].AssetID)
		assert.Equal(t, "uploads/u1/a1.mp4", ems[0].StorageKey)
		assert.Equal(t, "frame-0003", ems[0].ChunkID)
		require.NotNil(t, ems[0].FrameIndex)
		assert.Equal(t, 3, *ems[0].FrameIndex)
	})

	t.Run("UnsupportedFormatAcked", func(t *testing.T) {
		f := newStageFixture(newMemBlobs())
		d := new(MockDescriber)
		c := worker.NewImageConsumer(f.blobs, d, f.pub, f.tracker, f.settler)

		assert.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityImage, "x.svg", "image/svg+xml"))))
		d.AssertNotCalled(t, "Describe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, "error", f.statuses.get("a1"))
	})

	t.Run("EmptyDescriptionRetried", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("cat.png", "pixels"))
		d := new(MockDescriber)
		d.On("Describe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("   ", nil)
		c := worker.NewImageConsumer(f.blobs, d, f.pub, f.tracker, f.settler)

		err := c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityImage, "cat.png", "image/png")))
		assert.Equal(t, worker.KindInsufficient, worker.KindOf(err))
		assert.Equal(t, "processing", f.statuses.get("a1"))
	})

	t.Run("QuotaRetried", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("cat.png", "pixels"))
		d := new(MockDescriber)
		d.On("Describe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", &googleapi.Error{Code: http.StatusTooManyRequests})
		c := worker.NewImageConsumer(f.blobs, d, f.pub, f.tracker, f.settler)

		err := c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityImage, "cat.png", "image/png")))
		assert.Equal(t, worker.KindTransient, worker.KindOf(err))
	})
}

func TestAudioConsumer(t *testing.T) {
	t.Run("Transcribes", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("memo.mp3", "mp3"))
		tr := new(MockTranscriber)
		tr.On("Transcribe", mock.Anything, []byte("mp3"), "audio/mpeg").Return("remember to water the plants", nil)
		c := worker.NewAudioConsumer(f.blobs, tr, f.pub, f.tracker, f.settler)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityAudio, "memo.mp3", "audio/mpeg"))))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 1)
		assert.Equal(t, "remember to water the plants", ems[0].Text)
		assert.Equal(t, worker.ModalityAudio, ems[0].Modality)
	})

	t.Run("SilentSoundtrackCompletes", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("videos/u1/a1/audio.wav", "wav"))
		require.NoError(t, f.tracker.Expect(context.Background(), "a1", "audio:videos/u1/a1/audio.wav"))
		tr := new(MockTranscriber)
		tr.On("Transcribe", mock.Anything, mock.Anything, "audio/wav").Return("", nil)
		c := worker.NewAudioConsumer(f.blobs, tr, f.pub, f.tracker, f.settler)

		msg := ingest(worker.ModalityAudio, "videos/u1/a1/audio.wav", "audio/wav")
		msg.Derived = worker.DerivedAudio
		msg.SourceStorageKey = "uploads/u1/a1.mp4"
		require.NoError(t, c.HandleMessage(newNSQMessage(t, msg)))

		assert.Empty(t, f.pub.bodies(config.TopicIngestEmbed))
		assert.Equal(t, "ready", f.statuses.get("a1"))
	})

	t.Run("EmptyTranscriptRetried", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("memo.mp3", "mp3"))
		tr := new(MockTranscriber)
		tr.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).Return("", nil)
		c := worker.NewAudioConsumer(f.blobs, tr, f.pub, f.tracker, f.settler)

		err := c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityAudio, "memo.mp3", "audio/mpeg")))
		assert.Equal(t, worker.KindInsufficient, worker.KindOf(err))
	})

	t.Run("WrongMIMEAcked", func(t *testing.T) {
		f := newStageFixture(newMemBlobs())
		c := worker.NewAudioConsumer(f.blobs, new(MockTranscriber), f.pub, f.tracker, f.settler)

		assert.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityAudio, "memo.bin", "application/octet-stream"))))
		assert.Equal(t, "error", f.statuses.get("a1"))
	})
}

func TestVideoConsumer(t *testing.T) {
	t.Run("DecomposesUnderParentAsset", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("uploads/u1/a1.mp4", "mp4"))
		x := new(MockExtractor)
		x.On("Extract", mock.Anything, mock.MatchedBy(func(r worker.ExtractRequest) bool {
			return r.AssetID == "a1" && r.OwnerID == "u1" && string(r.Data) == "mp4"
		})).Return(&worker.ExtractionResult{
			Success: true,
			Frames: []worker.ExtractedFrame{
				{Filename: "frame_0000.jpg", Data: []byte("f0")},
				{Filename: "frame_0001.jpg", Data: []byte("f1")},
			},
			Audio:    &worker.ExtractedAudio{Data: []byte("wav")},
			Strategy: "scene",
		}, nil)
		c := worker.NewVideoConsumer(f.blobs, x, f.pub, f.tracker, f.settler, 0)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityVideo, "uploads/u1/a1.mp4", "video/mp4"))))

		frames := f.pub.ingests(t, config.TopicIngestImage)
		require.Len(t, frames, 2)
		for i, fr := range frames {
			assert.Equal(t, "a1", fr.AssetID)
			assert.Equal(t, worker.ModalityImage, fr.Modality)
			assert.Equal(t, worker.DerivedFrame, fr.Derived)
			assert.Equal(t, i, fr.FrameIndex)
			assert.Equal(t, "uploads/u1/a1.mp4", fr.SourceStorageKey)
			assert.True(t, f.blobs.has(fr.StorageKey))
		}
		assert.Equal(t, worker.FrameKey("u1", "a1", "frame_0001.jpg"), frames[1].StorageKey)

		audio := f.pub.ingests(t, config.TopicIngestAudio)
		require.Len(t, audio, 1)
		assert.Equal(t, "a1", audio[0].AssetID)
		assert.Equal(t, worker.DerivedAudio, audio[0].Derived)
		assert.Equal(t, worker.AudioKey("u1", "a1"), audio[0].StorageKey)

		assert.Len(t, f.units.units["a1"], 3)
		assert.Equal(t, "processing", f.statuses.get("a1"))
	})

	t.Run("NoFramesRetried", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("v.mp4", "mp4"))
		x := new(MockExtractor)
		x.On("Extract", mock.Anything, mock.Anything).Return(&worker.ExtractionResult{Success: true}, nil)
		c := worker.NewVideoConsumer(f.blobs, x, f.pub, f.tracker, f.settler, 0)

		err := c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityVideo, "v.mp4", "video/mp4")))
		assert.Equal(t, worker.KindInsufficient, worker.KindOf(err))
		assert.Empty(t, f.pub.bodies(config.TopicIngestImage))
	})

	t.Run("ExtractorMissingAcked", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("v.mp4", "mp4"))
		x := new(MockExtractor)
		x.On("Extract", mock.Anything, mock.Anything).Return(nil, worker.Failf(worker.KindAbsent, "ffmpeg not found"))
		c := worker.NewVideoConsumer(f.blobs, x, f.pub, f.tracker, f.settler, 0)

		assert.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityVideo, "v.mp4", "video/mp4"))))
		assert.Equal(t, "error", f.statuses.get("a1"))
	})
}

func TestDocumentConsumer(t *testing.T) {
	t.Run("ChunksPages", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("doc.pdf", "%PDF"))
		pages := fakePages{pages: []string{"First page text.", "  ", "Second page text."}}
		c := worker.NewDocumentConsumer(f.blobs, pages, f.pub, f.tracker, f.settler, 8000)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityText, "doc.pdf", "application/pdf"))))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 1)
		assert.Equal(t, "First page text.\n\nSecond page text.", ems[0].Text)
		assert.Equal(t, "chunk-1-of-1", ems[0].ChunkID)
	})

	t.Run("ParseErrorAcked", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("doc.pdf", "garbage"))
		c := worker.NewDocumentConsumer(f.blobs, fakePages{err: errors.New("malformed xref")}, f.pub, f.tracker, f.settler, 8000)

		assert.NoError(t, c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityText, "doc.pdf", "application/pdf"))))
		assert.Equal(t, "error", f.statuses.get("a1"))
	})

	t.Run("TooLittleTextRetried", func(t *testing.T) {
		f := newStageFixture(newMemBlobs("doc.pdf", "%PDF"))
		c := worker.NewDocumentConsumer(f.blobs, fakePages{pages: []string{"hi"}}, f.pub, f.tracker, f.settler, 8000)

		err := c.HandleMessage(newNSQMessage(t, ingest(worker.ModalityText, "doc.pdf", "application/pdf")))
		assert.Equal(t, worker.KindInsufficient, worker.KindOf(err))
	})
}

func TestLinkConsumer(t *testing.T) {
	link := ingest(worker.ModalityLink, "links/u1/a1", "text/uri-list")
	link.URL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

	t.Run("TimedChunks", func(t *testing.T) {
		f := newStageFixture(newMemBlobs())
		fetcher := new(MockFetcher)
		fetcher.On("Fetch", mock.Anything, "dQw4w9WgXcQ", link.URL).Return(&worker.TranscriptResult{
			Success: true,
			Chunks: []worker.TranscriptChunk{
				{Text: "never gonna give you up", StartMs: 0, EndMs: 30000},
				{Text: "  ", StartMs: 30000, EndMs: 60000},
				{Text: "never gonna let you down", StartMs: 60000, EndMs: 90000},
			},
		}, nil)
		c := worker.NewLinkConsumer(fetcher, f.pub, f.tracker, f.settler, 8000)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, link)))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 2)
		assert.Equal(t, "chunk-2-of-2", ems[1].ChunkID)
		assert.Equal(t, link.URL, ems[1].URL)
		assert.Equal(t, worker.ModalityLink, ems[1].Modality)
		require.NotNil(t, ems[1].StartMs)
		assert.Equal(t, int64(60000), *ems[1].StartMs)
		assert.Equal(t, int64(90000), *ems[1].EndMs)
	})

	t.Run("URLFromStorageKey", func(t *testing.T) {
		f := newStageFixture(newMemBlobs())
		legacy := ingest(worker.ModalityLink, "https://youtu.be/dQw4w9WgXcQ", "text/uri-list")
		fetcher := new(MockFetcher)
		fetcher.On("Fetch", mock.Anything, "dQw4w9WgXcQ", legacy.StorageKey).
			Return(&worker.TranscriptResult{Success: true, Transcript: "plain transcript"}, nil)
		c := worker.NewLinkConsumer(fetcher, f.pub, f.tracker, f.settler, 8000)

		require.NoError(t, c.HandleMessage(newNSQMessage(t, legacy)))

		ems := f.pub.embeddings(t, config.TopicIngestEmbed)
		require.Len(t, ems, 1)
		assert.Equal(t, legacy.StorageKey, ems[0].URL)
		assert.Nil(t, ems[0].StartMs)
	})

	t.Run("NotYouTubeAcked", func(t *testing.T) {
		f := newStageFixture(newMemBlobs())
		fetcher := new(MockFetcher)
		c := worker.NewLinkConsumer(fetcher, f.pub, f.tracker, f.settler, 8000)

		other := link
		other.URL = "https://vimeo.com/123"
		assert.NoError(t, c.HandleMessage(newNSQMessage(t, other)))
		fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ServiceErrors", func(t *testing.T) {
		tests := []struct {
			errorType string
			status    int
			permanent bool
		}{
			{"transcripts_disabled", http.StatusNotFound, true},
			{"no_transcript", http.StatusNotFound, true},
			{"rate_limit", http.StatusTooManyRequests, false},
			{"xml_parse_error", http.StatusBadGateway, false},
			{"", http.StatusNotFound, true},
			{"", http.StatusInternalServerError, false},
		}
		for _, tt := range tests {
			t.Run(tt.errorType, func(t *testing.T) {
				f := newStageFixture(newMemBlobs())
				fetcher := new(MockFetcher)
				fetcher.On("Fetch", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, &worker.TranscriptError{Status: tt.status, ErrorType: tt.errorType})
				c := worker.NewLinkConsumer(fetcher, f.pub, f.tracker, f.settler, 8000)

				err := c.HandleMessage(newNSQMessage(t, link))
				if tt.permanent {
					assert.NoError(t, err)
					assert.Equal(t, "error", f.statuses.get("a1"))
				} else {
					assert.Error(t, err)
					assert.Equal(t, "processing", f.statuses.get("a1"))
				}
				assert.Empty(t, f.pub.bodies(config.TopicIngestEmbed))
			})
		}
	})
}

func TestYouTubeVideoID(t *testing.T) {
	tests := []struct {
		url string
		id  string
		ok  bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtube.com/watch?feature=share&v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ?t=10", "dQw4w9WgXcQ", true},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://m.youtube.com/v/dQw4w9WgXcQ/extra", "dQw4w9WgXcQ", true},
		{"https://www.youtube.com/feed/trending", "", false},
		{"https://vimeo.com/123", "", false},
		{"not a url", "", false},
		{"https://youtube.com.evil.net/watch?v=dQw4w9WgXcQ", "", false},
		{"https://notyoutube.com/watch?v=dQw4w9WgXcQ", "", false},
	}
	for _, tt := range tests {
		id, ok := worker.YouTubeVideoID(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.id, id, tt.url)
	}
}

func TestIsYouTubeHost(t *testing.T) {
	tests := map[string]bool{
		"youtube.com":          true,
		"WWW.YouTube.com":      true,
		"m.youtube.com":        true,
		"youtu.be":             true,
		"youtube.com.evil.net": false,
		"notyoutube.com":       false,
		"evil.net":             false,
		"":                     false,
	}
	for host, want := range tests {
		assert.Equal(t, want, worker.IsYouTubeHost(host), host)
	}
}
