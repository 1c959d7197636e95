package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smara/backend/features/job"
	"smara/backend/internal/metrics"
	"smara/backend/internal/worker"
)

// Mocks

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockDescriber struct{ mock.Mock }

func (m *MockDescriber) Describe(ctx context.Context, data []byte, mime, prompt string) (string, error) {
	args := m.Called(ctx, data, mime, prompt)
	return args.String(0), args.Error(1)
}

type MockTranscriber struct{ mock.Mock }

func (m *MockTranscriber) Transcribe(ctx context.Context, data []byte, mime string) (string, error) {
	args := m.Called(ctx, data, mime)
	return args.String(0), args.Error(1)
}

type MockFetcher struct{ mock.Mock }

func (m *MockFetcher) Fetch(ctx context.Context, videoID, url string) (*worker.TranscriptResult, error) {
	args := m.Called(ctx, videoID, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.TranscriptResult), args.Error(1)
}

type MockExtractor struct{ mock.Mock }

func (m *MockExtractor) Extract(ctx context.Context, req worker.ExtractRequest) (*worker.ExtractionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.ExtractionResult), args.Error(1)
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) Upsert(ctx context.Context, rec worker.VectorRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type MockChunkStore struct{ mock.Mock }

func (m *MockChunkStore) UpsertChunk(ctx context.Context, c worker.ChunkRecord) error {
	return m.Called(ctx, c).Error(0)
}

type MockDeadLetters struct{ mock.Mock }

func (m *MockDeadLetters) Save(ctx context.Context, j *job.Job) error {
	return m.Called(ctx, j).Error(0)
}

type MockTracker struct{ mock.Mock }

func (m *MockTracker) Start(ctx context.Context, assetID string) error {
	return m.Called(ctx, assetID).Error(0)
}

func (m *MockTracker) Expect(ctx context.Context, assetID string, units ...string) error {
	return m.Called(ctx, assetID, units).Error(0)
}

func (m *MockTracker) Done(ctx context.Context, assetID, unit string) error {
	return m.Called(ctx, assetID, unit).Error(0)
}

func (m *MockTracker) Fail(ctx context.Context, assetID, stage string, cause error) error {
	return m.Called(ctx, assetID, stage, cause).Error(0)
}

// Fakes

// fakePages returns fixed page texts.
type fakePages struct {
	pages []string
	err   error
}

func (f fakePages) ExtractPages([]byte) ([]string, error) {
	return f.pages, f.err
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs(kv ...string) *memBlobs {
	b := &memBlobs{data: map[string][]byte{}}
	for i := 0; i+1 < len(kv); i += 2 {
		b.data[kv[i]] = []byte(kv[i+1])
	}
	return b
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, worker.ErrBlobNotFound
	}
	return d, nil
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return nil
}

func (b *memBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

// memPublisher records bodies per topic. delivered counts every body ever
// published, including those already taken.
type memPublisher struct {
	mu        sync.Mutex
	topics    map[string][][]byte
	delivered map[string]int
	err       error
}

func newMemPublisher() *memPublisher {
	return &memPublisher{topics: map[string][][]byte{}, delivered: map[string]int{}}
}

func (p *memPublisher) Publish(topic string, body []byte) error {
	return p.MultiPublish(topic, [][]byte{body})
}

func (p *memPublisher) MultiPublish(topic string, bodies [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics[topic] = append(p.topics[topic], bodies...)
	p.delivered[topic] += len(bodies)
	return nil
}

func (p *memPublisher) bodies(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

// take removes and returns everything published on topic.
func (p *memPublisher) take(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.topics[topic]
	delete(p.topics, topic)
	return out
}

func (p *memPublisher) embeddings(t *testing.T, topic string) []worker.EmbeddingMessage {
	t.Helper()
	var out []worker.EmbeddingMessage
	for _, b := range p.bodies(topic) {
		var em worker.EmbeddingMessage
		require.NoError(t, json.Unmarshal(b, &em))
		out = append(out, em)
	}
	return out
}

func (p *memPublisher) ingests(t *testing.T, topic string) []worker.IngestMessage {
	t.Helper()
	var out []worker.IngestMessage
	for _, b := range p.bodies(topic) {
		var im worker.IngestMessage
		require.NoError(t, json.Unmarshal(b, &im))
		out = append(out, im)
	}
	return out
}

// memUnits is a set-backed UnitStore.
type memUnits struct {
	mu    sync.Mutex
	units map[string]map[string]struct{}
}

func newMemUnits() *memUnits {
	return &memUnits{units: map[string]map[string]struct{}{}}
}

func (u *memUnits) Add(_ context.Context, assetID string, units ...string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	set, ok := u.units[assetID]
	if !ok {
		set = map[string]struct{}{}
		u.units[assetID] = set
	}
	for _, unit := range units {
		set[unit] = struct{}{}
	}
	return nil
}

func (u *memUnits) Remove(_ context.Context, assetID, unit string) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	set := u.units[assetID]
	delete(set, unit)
	return int64(len(set)), nil
}

// memStatuses applies the same guarded transitions as the asset repository.
type memStatuses struct {
	mu     sync.Mutex
	status map[string]string
	errors map[string][]string
}

func newMemStatuses(ids ...string) *memStatuses {
	s := &memStatuses{status: map[string]string{}, errors: map[string][]string{}}
	for _, id := range ids {
		s.status[id] = "pending"
	}
	return s
}

func (s *memStatuses) transition(id, to string, from ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.status[id] == f {
			s.status[id] = to
			return
		}
	}
}

func (s *memStatuses) MarkProcessing(_ context.Context, id string) error {
	s.transition(id, "processing", "pending")
	return nil
}

func (s *memStatuses) MarkReady(_ context.Context, id string) error {
	s.transition(id, "ready", "pending", "processing")
	return nil
}

func (s *memStatuses) MarkError(_ context.Context, id string) error {
	s.transition(id, "error", "pending", "processing")
	return nil
}

func (s *memStatuses) RecordError(_ context.Context, id, stage, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[id] = append(s.errors[id], stage+": "+message)
	return nil
}

func (s *memStatuses) get(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

// memVectors is an id-keyed VectorStore.
type memVectors struct {
	mu      sync.Mutex
	records map[string]worker.VectorRecord
}

func newMemVectors() *memVectors {
	return &memVectors{records: map[string]worker.VectorRecord{}}
}

func (v *memVectors) Upsert(_ context.Context, rec worker.VectorRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[rec.ID] = rec
	return nil
}

func (v *memVectors) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.records)
}

type nopChunks struct{}

func (nopChunks) UpsertChunk(context.Context, worker.ChunkRecord) error { return nil }

// Helpers

const testMaxAttempts = 3

func newTestSettler(dl worker.DeadLetterStore, pub worker.Publisher, tracker worker.Tracker) *worker.Settler {
	if dl == nil {
		dl = new(MockDeadLetters)
	}
	return worker.NewSettler(dl, pub, tracker, metrics.New(prometheus.NewRegistry()), testMaxAttempts)
}

func newNSQMessage(t *testing.T, v any) *nsq.Message {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case []byte:
		body = b
	case string:
		body = []byte(b)
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	m := nsq.NewMessage(nsq.MessageID{}, body)
	m.Attempts = 1
	return m
}
