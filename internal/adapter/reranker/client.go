package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ProviderNone   = "none"
	ProviderJina   = "jina"
	ProviderCohere = "cohere"
)

const (
	jinaURL   = "https://api.jina.ai/v1/rerank"
	cohereURL = "https://api.cohere.ai/v1/rerank"
)

// Client reorders search hits with a hosted cross-encoder. The "none" provider
// keeps the input order.
type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Enabled reports whether Rerank calls a remote provider.
func (c *Client) Enabled() bool {
	return c.provider == ProviderJina || c.provider == ProviderCohere
}

// Rerank returns indices into docs, most relevant first.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	switch c.provider {
	case ProviderJina:
		return c.call(ctx, jinaURL, map[string]interface{}{
			"model":     "jina-reranker-v1-base-en",
			"query":     query,
			"documents": docs,
		}, len(docs))
	case ProviderCohere:
		return c.call(ctx, cohereURL, map[string]interface{}{
			"model":            "rerank-english-v3.0",
			"query":            query,
			"documents":        docs,
			"top_n":            len(docs),
			"return_documents": false,
		}, len(docs))
	}
	indices := make([]int, len(docs))
	for i := range indices {
		indices[i] = i
	}
	return indices, nil
}

func (c *Client) call(ctx context.Context, url string, body map[string]interface{}, n int) ([]int, error) {
	if c.baseURL != "" {
		url = c.baseURL
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s api error: %d %s", c.provider, resp.StatusCode, string(detail))
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.provider, err)
	}

	indices := make([]int, 0, n)
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < n {
			indices = append(indices, r.Index)
		}
	}
	return indices, nil
}
