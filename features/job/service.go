package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smara/backend/internal/config"
)

var ErrInvalidPayload = errors.New("dead-lettered payload is not valid json")

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo           Repository
	pub            EventPublisher
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, publishTimeout: 5 * time.Second}
}

// Filter narrows a dead-letter listing. Empty fields match everything.
type Filter struct {
	Topic   string
	AssetID string
}

func (f Filter) match(j Job) bool {
	return (f.Topic == "" || j.Topic == f.Topic) && (f.AssetID == "" || j.AssetID == f.AssetID)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if f.match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Retry puts a dead-lettered payload back on the topic it failed on and
// removes the row once the publish is confirmed. The returned job carries the
// topic actually used.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !json.Valid(job.Payload) {
		return nil, fmt.Errorf("job %s: %w", id, ErrInvalidPayload)
	}

	topic := job.Topic
	if topic == "" {
		topic = config.TopicIngestAsset
	}
	job.Topic = topic

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(topic, job.Payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.publishTimeout):
		return nil, errors.New("timeout waiting for NSQ publish")
	}

	s.logger.InfoContext(ctx, "dead-lettered job republished", "job_id", id, "topic", topic, "asset_id", job.AssetID)
	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}
