package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/features/job"
	"smara/backend/internal/config"
	"smara/backend/internal/metrics"
)

// Outcome describes how processing of one delivery ended.
type Outcome struct {
	Stage   string
	Topic   string
	AssetID string
	Started time.Time
	Err     error
}

// Settler turns an Outcome into the NSQ response: nil finishes the message,
// a non-nil error requeues it. Transient failures are retried until the
// attempt ceiling, after which the payload moves to the dead-letter store.
type Settler struct {
	deadLetters DeadLetterStore
	pub         Publisher
	tracker     Tracker
	metrics     *metrics.Metrics
	maxAttempts uint16
}

func NewSettler(dl DeadLetterStore, pub Publisher, tracker Tracker, m *metrics.Metrics, maxAttempts uint16) *Settler {
	return &Settler{
		deadLetters: dl,
		pub:         pub,
		tracker:     tracker,
		metrics:     m,
		maxAttempts: maxAttempts,
	}
}

func (s *Settler) Settle(ctx context.Context, m *nsq.Message, o Outcome) error {
	if o.Err == nil {
		s.metrics.ObserveMessage(o.Stage, metrics.OutcomeAck, o.Started)
		return nil
	}

	kind := KindOf(o.Err)
	if kind.Permanent() {
		slog.WarnContext(ctx, "permanent failure, acknowledging", "stage", o.Stage, "kind", kind, "error", o.Err)
		if kind != KindMalformed && o.AssetID != "" {
			if err := s.tracker.Fail(ctx, o.AssetID, o.Stage, o.Err); err != nil {
				slog.ErrorContext(ctx, "failed to record permanent failure", "stage", o.Stage, "error", err)
				s.metrics.ObserveMessage(o.Stage, metrics.OutcomeRetry, o.Started)
				return err
			}
		}
		s.metrics.ObserveMessage(o.Stage, metrics.OutcomePermanent, o.Started)
		return nil
	}

	if s.maxAttempts > 0 && m.Attempts >= s.maxAttempts {
		return s.deadLetter(ctx, m, o)
	}

	slog.WarnContext(ctx, "transient failure, requeueing", "stage", o.Stage, "kind", kind, "attempts", m.Attempts, "error", o.Err)
	s.metrics.ObserveMessage(o.Stage, metrics.OutcomeRetry, o.Started)
	return o.Err
}

func (s *Settler) deadLetter(ctx context.Context, m *nsq.Message, o Outcome) error {
	payload := m.Body
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(m.Body))
	}

	j := &job.Job{
		AssetID: o.AssetID,
		Topic:   o.Topic,
		Handler: o.Stage,
		Payload: payload,
		Error:   o.Err.Error(),
		Retries: int(m.Attempts),
	}
	if err := s.deadLetters.Save(ctx, j); err != nil {
		slog.ErrorContext(ctx, "failed to save dead letter", "stage", o.Stage, "error", err)
		s.metrics.ObserveMessage(o.Stage, metrics.OutcomeRetry, o.Started)
		return err
	}

	if err := s.pub.Publish(config.TopicDeadLetter, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish dead letter notice", "job_id", j.ID, "error", err)
	}

	if o.AssetID != "" {
		if err := s.tracker.Fail(ctx, o.AssetID, o.Stage, o.Err); err != nil {
			slog.ErrorContext(ctx, "failed to mark dead-lettered asset", "job_id", j.ID, "error", err)
		}
	}

	slog.ErrorContext(ctx, "message dead-lettered", "stage", o.Stage, "job_id", j.ID, "attempts", m.Attempts, "error", o.Err)
	s.metrics.ObserveMessage(o.Stage, metrics.OutcomeDeadLetter, o.Started)
	return nil
}
