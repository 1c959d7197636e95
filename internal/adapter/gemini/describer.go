package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultVisionModel = "gemini-2.0-flash"

// Describer produces a text description of an image with a multimodal model.
type Describer struct {
	client *genai.Client
	model  string
}

func NewDescriber(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Describer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if model == "" {
		model = DefaultVisionModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Describer{client: client, model: model}, nil
}

func (d *Describer) Describe(ctx context.Context, data []byte, mime, prompt string) (string, error) {
	slog.DebugContext(ctx, "describing image", "model", d.model, "bytes", len(data), "mime", mime)

	gm := d.client.GenerativeModel(d.model)
	gm.SetTemperature(0.2)

	resp, err := gm.GenerateContent(ctx, genai.ImageData(imageFormat(mime), data), genai.Text(prompt))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (d *Describer) Close() error {
	return d.client.Close()
}

// imageFormat turns "image/jpeg" into the "jpeg" form genai.ImageData wants.
func imageFormat(mime string) string {
	format := strings.TrimPrefix(strings.ToLower(mime), "image/")
	if format == "jpg" {
		return "jpeg"
	}
	return format
}
