package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultEmbeddingModel = "gemini-embedding-001"

type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model}, nil
}

// Model names the embedding model; query caches key on it so vectors from
// different models never mix.
func (e *Embedder) Model() string {
	return e.model
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "length", len(text))
	em := e.client.EmbeddingModel(e.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding received")
	}
	return res.Embedding.Values, nil
}

func (e *Embedder) Close() error {
	return e.client.Close()
}
