package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smara/backend/internal/worker"
)

// Client talks to the transcript service, a small HTTP sidecar that fetches
// YouTube captions and groups them into timed chunks.
type Client struct {
	baseURL   string
	languages []string
	client    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		languages: []string{"en"},
		client:    &http.Client{Timeout: 90 * time.Second},
	}
}

func (c *Client) SetLanguages(langs ...string) {
	if len(langs) > 0 {
		c.languages = langs
	}
}

type transcriptRequest struct {
	VideoID   string   `json:"video_id"`
	URL       string   `json:"url,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// Fetch returns the transcript of a video. Service-side failures come back as
// *worker.TranscriptError so callers can tell missing captions from outages.
func (c *Client) Fetch(ctx context.Context, videoID, url string) (*worker.TranscriptResult, error) {
	jsonBody, err := json.Marshal(transcriptRequest{VideoID: videoID, URL: url, Languages: c.languages})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result worker.TranscriptResult
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode != http.StatusOK {
		te := &worker.TranscriptError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if decodeErr == nil {
			te.ErrorType = result.ErrorType
			te.Message = result.Error
		}
		return nil, te
	}
	if decodeErr != nil {
		return nil, worker.Fail(worker.KindProtocol, fmt.Errorf("decode transcript response: %w", decodeErr))
	}
	if !result.Success {
		return nil, &worker.TranscriptError{Status: resp.StatusCode, ErrorType: result.ErrorType, Message: result.Error}
	}
	return &result, nil
}
