package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"smara/backend/internal/config"
	"smara/backend/internal/middleware"
)

const touchInterval = 30 * time.Second

func messageContext(correlationID, assetID string) context.Context {
	ctx := context.Background()
	if correlationID != "" {
		ctx = middleware.WithCorrelationID(ctx, correlationID)
	}
	if assetID != "" {
		ctx = middleware.WithAssetID(ctx, assetID)
	}
	return ctx
}

// correlationID returns the id carried by ctx, or "" when there is none.
func correlationID(ctx context.Context) string {
	if id := middleware.GetCorrelationID(ctx); id != "unknown" {
		return id
	}
	return ""
}

// ingestStage is the shared shape of every adapter consumer: decode, run the
// stage, report the unit done and settle.
type ingestStage struct {
	name    string
	topic   string
	tracker Tracker
	settler *Settler
}

func (s ingestStage) handle(m *nsq.Message, process func(ctx context.Context, msg IngestMessage) error) error {
	started := time.Now()
	msg, err := DecodeIngest(m.Body)
	ctx := messageContext(msg.CorrelationID, msg.AssetID)

	if err == nil {
		stop := keepAlive(m)
		err = process(ctx, msg)
		stop()
	}
	if err == nil {
		err = s.tracker.Done(ctx, msg.AssetID, Unit(s.name, msg.StorageKey))
	}

	return s.settler.Settle(ctx, m, Outcome{
		Stage:   s.name,
		Topic:   s.topic,
		AssetID: msg.AssetID,
		Started: started,
		Err:     err,
	})
}

// keepAlive touches the message while a slow stage runs so nsqd does not
// redeliver it mid-flight.
func keepAlive(m *nsq.Message) func() {
	if m.Delegate == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(touchInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()
	return func() { close(done) }
}

// emitEmbeddings registers one tracker unit per message and sends them all in
// a single publish.
func emitEmbeddings(ctx context.Context, tracker Tracker, pub Publisher, assetID string, msgs []EmbeddingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	cid := correlationID(ctx)

	units := make([]string, 0, len(msgs))
	bodies := make([][]byte, 0, len(msgs))
	for _, em := range msgs {
		if em.CorrelationID == "" {
			em.CorrelationID = cid
		}
		body, err := json.Marshal(em)
		if err != nil {
			return fmt.Errorf("marshal embedding message: %w", err)
		}
		units = append(units, EmbedUnit(em.VectorID()))
		bodies = append(bodies, body)
	}

	if err := tracker.Expect(ctx, assetID, units...); err != nil {
		return err
	}
	return publishAll(pub, config.TopicIngestEmbed, bodies)
}

func publishAll(pub Publisher, topic string, bodies [][]byte) error {
	var err error
	if len(bodies) == 1 {
		err = pub.Publish(topic, bodies[0])
	} else {
		err = pub.MultiPublish(topic, bodies)
	}
	if err != nil {
		return Fail(KindTransient, fmt.Errorf("publish %s: %w", topic, err))
	}
	return nil
}

func blobError(key string, err error) error {
	return ClassifyCapabilityError(fmt.Errorf("fetch %s: %w", key, err))
}

func int64Ptr(v int64) *int64 {
	return &v
}
