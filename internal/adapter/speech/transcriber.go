package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

type recognizeFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// Transcriber runs Google Cloud Speech long-running recognition on inline
// audio bytes.
type Transcriber struct {
	client    *speech.Client
	language  string
	recognize recognizeFunc
}

func NewTranscriber(ctx context.Context, language string, opts ...option.ClientOption) (*Transcriber, error) {
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	t := &Transcriber{client: c, language: language}
	t.recognize = func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := c.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	}
	return t, nil
}

func (t *Transcriber) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *Transcriber) Transcribe(ctx context.Context, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: recognitionConfig(mime, t.language),
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: data}},
	}

	resp, err := t.recognize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("speech longrunningrecognize: %w", err)
	}

	text := joinTranscript(resp)
	slog.DebugContext(ctx, "speech recognized", "results", len(resp.GetResults()), "chars", len(text))
	return text, nil
}

func recognitionConfig(mime, language string) *speechpb.RecognitionConfig {
	if language == "" {
		language = "en-US"
	}
	// sample rate and channel count are read from the WAV/FLAC header
	return &speechpb.RecognitionConfig{
		LanguageCode:               language,
		EnableAutomaticPunctuation: true,
		Encoding:                   inferEncoding(mime),
	}
}

func inferEncoding(mime string) speechpb.RecognitionConfig_AudioEncoding {
	m := strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.Contains(m, "wav"):
		return speechpb.RecognitionConfig_LINEAR16
	case strings.Contains(m, "flac"):
		return speechpb.RecognitionConfig_FLAC
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return speechpb.RecognitionConfig_MP3
	case strings.Contains(m, "ogg"), strings.Contains(m, "opus"):
		return speechpb.RecognitionConfig_OGG_OPUS
	case strings.Contains(m, "webm"):
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

// joinTranscript concatenates the best alternative of every result in order.
func joinTranscript(resp *speechpb.LongRunningRecognizeResponse) string {
	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if s := strings.TrimSpace(alts[0].GetTranscript()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
