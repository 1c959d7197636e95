package retrieval_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smara/backend/internal/retrieval"
	"smara/backend/internal/settings"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockIndex struct{ mock.Mock }

func (m *MockIndex) Query(ctx context.Context, vector []float32, f retrieval.Filter, limit int) ([]retrieval.Match, error) {
	args := m.Called(ctx, vector, f, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Match), args.Error(1)
}

type MockSettings struct{ mock.Mock }

func (m *MockSettings) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

// memoryCache is an in-process VectorCache.
type memoryCache struct {
	entries map[string][]float32
	hits    int
}

func (c *memoryCache) GetOrCompute(ctx context.Context, model, text string, compute func(context.Context) ([]float32, error)) ([]float32, bool, error) {
	if c.entries == nil {
		c.entries = map[string][]float32{}
	}
	if v, ok := c.entries[model+"|"+text]; ok {
		c.hits++
		return v, true, nil
	}
	v, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	c.entries[model+"|"+text] = v
	return v, false, nil
}

type staticURLs struct{}

func (staticURLs) PublicURL(key string) string { return "https://blobs.example/" + key }

func newService(e *MockEmbedder, idx *MockIndex, set *MockSettings, cache retrieval.VectorCache, log *retrieval.QueryLogger) *retrieval.Service {
	var sp retrieval.SettingsProvider
	if set != nil {
		sp = set
	}
	return retrieval.NewService(e, cache, idx, staticURLs{}, sp, nil, log, retrieval.Options{Model: "m", MinScore: 0.4})
}

func TestService_Search(t *testing.T) {
	vec := []float32{0.1, 0.2}
	start, end := int64(1000), int64(5000)

	tests := []struct {
		name    string
		query   retrieval.Query
		setup   func(*MockEmbedder, *MockIndex, *MockSettings)
		wantErr error
		check   func(*testing.T, []retrieval.Match)
	}{
		{
			name:    "Empty Query",
			query:   retrieval.Query{OwnerID: "u1"},
			setup:   func(e *MockEmbedder, i *MockIndex, s *MockSettings) {},
			wantErr: retrieval.ErrEmptyQuery,
		},
		{
			name:    "Whitespace Query",
			query:   retrieval.Query{Text: " \t\n ", OwnerID: "u1"},
			setup:   func(e *MockEmbedder, i *MockIndex, s *MockSettings) {},
			wantErr: retrieval.ErrEmptyQuery,
		},
		{
			name:    "Missing Owner",
			query:   retrieval.Query{Text: "cats"},
			setup:   func(e *MockEmbedder, i *MockIndex, s *MockSettings) {},
			wantErr: retrieval.ErrOwnerRequired,
		},
		{
			name:  "Ranks, Filters Score And Resolves Pointers",
			query: retrieval.Query{Text: "cats", OwnerID: "u1"},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 5}, nil)
				e.On("Embed", mock.Anything, "cats").Return(vec, nil)
				i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, 5).Return([]retrieval.Match{
					{AssetID: "a1", OwnerID: "u1", Modality: "image", StorageKey: "uploads/u1/a1.png", Score: 0.6},
					{AssetID: "a2", OwnerID: "u1", Modality: "link", URL: "https://youtu.be/abc123", StartMs: &start, EndMs: &end, Score: 0.9},
					{AssetID: "a3", OwnerID: "u1", Modality: "text", StorageKey: "uploads/u1/a3.txt", Score: 0.2},
				}, nil)
			},
			check: func(t *testing.T, res []retrieval.Match) {
				require.Len(t, res, 2)
				assert.Equal(t, "a2", res[0].AssetID)
				assert.Equal(t, "https://youtu.be/abc123", res[0].Pointer)
				assert.Equal(t, int64(1000), *res[0].StartMs)
				assert.Equal(t, "a1", res[1].AssetID)
				assert.Equal(t, "https://blobs.example/uploads/u1/a1.png", res[1].Pointer)
			},
		},
		{
			name:  "Drops Other Owners",
			query: retrieval.Query{Text: "cats", OwnerID: "u1", TopK: 3},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 10}, nil)
				e.On("Embed", mock.Anything, "cats").Return(vec, nil)
				i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, 3).Return([]retrieval.Match{
					{AssetID: "a1", OwnerID: "u2", Score: 0.99},
					{AssetID: "a2", OwnerID: "u1", Score: 0.5},
				}, nil)
			},
			check: func(t *testing.T, res []retrieval.Match) {
				require.Len(t, res, 1)
				assert.Equal(t, "a2", res[0].AssetID)
			},
		},
		{
			name:  "Caps TopK And Passes Modality",
			query: retrieval.Query{Text: "cats", OwnerID: "u1", TopK: 1000, Modality: "audio"},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(nil, errors.New("db down"))
				e.On("Embed", mock.Anything, "cats").Return(vec, nil)
				i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1", Modality: "audio"}, retrieval.MaxTopK).
					Return([]retrieval.Match{}, nil)
			},
			check: func(t *testing.T, res []retrieval.Match) {
				assert.Empty(t, res)
			},
		},
		{
			name:  "Request Min Score Overrides Settings",
			query: retrieval.Query{Text: "cats", OwnerID: "u1", MinScore: 0.8},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 10, SearchMinScore: 0.1}, nil)
				e.On("Embed", mock.Anything, "cats").Return(vec, nil)
				i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, 10).Return([]retrieval.Match{
					{AssetID: "a1", OwnerID: "u1", Score: 0.79},
					{AssetID: "a2", OwnerID: "u1", Score: 0.81},
				}, nil)
			},
			check: func(t *testing.T, res []retrieval.Match) {
				require.Len(t, res, 1)
				assert.Equal(t, "a2", res[0].AssetID)
			},
		},
		{
			name:  "Embedder Error",
			query: retrieval.Query{Text: "cats", OwnerID: "u1"},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 10}, nil)
				e.On("Embed", mock.Anything, "cats").Return(nil, errors.New("quota"))
			},
			wantErr: errors.New("quota"),
		},
		{
			name:  "Index Error",
			query: retrieval.Query{Text: "cats", OwnerID: "u1"},
			setup: func(e *MockEmbedder, i *MockIndex, s *MockSettings) {
				s.On("Get", mock.Anything).Return(&settings.Settings{SearchTopK: 10}, nil)
				e.On("Embed", mock.Anything, "cats").Return(vec, nil)
				i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, 10).Return(nil, errors.New("weaviate down"))
			},
			wantErr: errors.New("weaviate down"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, i, s := new(MockEmbedder), new(MockIndex), new(MockSettings)
			tt.setup(e, i, s)

			res, err := newService(e, i, s, nil, nil).Search(context.Background(), tt.query)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, res)
			}
			e.AssertExpectations(t)
			i.AssertExpectations(t)
		})
	}
}

func TestService_Search_Deterministic(t *testing.T) {
	vec := []float32{0.3, 0.4}
	e, i := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "dogs").Return(vec, nil).Once()
	i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, retrieval.DefaultTopK).Return([]retrieval.Match{
		{AssetID: "a1", OwnerID: "u1", Score: 0.7},
		{AssetID: "a2", OwnerID: "u1", Score: 0.7},
		{AssetID: "a3", OwnerID: "u1", Score: 0.9},
	}, nil)

	cache := &memoryCache{}
	svc := newService(e, i, nil, cache, nil)

	first, err := svc.Search(context.Background(), retrieval.Query{Text: "dogs", OwnerID: "u1"})
	require.NoError(t, err)
	second, err := svc.Search(context.Background(), retrieval.Query{Text: "dogs", OwnerID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a3", "a1", "a2"}, []string{first[0].AssetID, first[1].AssetID, first[2].AssetID})
	assert.Equal(t, 1, cache.hits)
	e.AssertNumberOfCalls(t, "Embed", 1)
}

func TestService_Search_Logs(t *testing.T) {
	var buf bytes.Buffer
	e, i := new(MockEmbedder), new(MockIndex)
	e.On("Embed", mock.Anything, "cats").Return([]float32{1}, nil)
	i.On("Query", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]retrieval.Match{
		{AssetID: "a1", OwnerID: "u1", Score: 0.9},
	}, nil)

	svc := newService(e, i, nil, nil, retrieval.NewQueryLogger(&buf))
	_, err := svc.Search(context.Background(), retrieval.Query{Text: "cats", OwnerID: "u1"})
	require.NoError(t, err)

	var entry retrieval.QueryLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cats", entry.Query)
	assert.Equal(t, "u1", entry.OwnerID)
	assert.Equal(t, 1, entry.NumResults)
	assert.Equal(t, retrieval.DefaultTopK, entry.TopK)
	assert.Equal(t, []string{"a1"}, entry.AssetIDs)
	assert.Equal(t, 0.9, entry.TopScore)
	assert.False(t, entry.CacheHit)
	assert.False(t, entry.Reranked)
}

type MockReranker struct{ mock.Mock }

func (m *MockReranker) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	args := m.Called(ctx, query, docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

func TestService_Search_Rerank(t *testing.T) {
	vec := []float32{0.3}
	hits := []retrieval.Match{
		{AssetID: "a1", OwnerID: "u1", Content: "dogs", Score: 0.9},
		{AssetID: "a2", OwnerID: "u1", Content: "cats", Score: 0.8},
		{AssetID: "a3", OwnerID: "u1", Content: "birds", Score: 0.7},
	}

	tests := []struct {
		name  string
		setup func(*MockReranker)
		want  []string
	}{
		{
			name: "Reorders By Provider",
			setup: func(r *MockReranker) {
				r.On("Rerank", mock.Anything, "cats", []string{"dogs", "cats", "birds"}).Return([]int{1, 2, 0}, nil)
			},
			want: []string{"a2", "a3", "a1"},
		},
		{
			name: "Truncated Response Keeps Rest In Vector Order",
			setup: func(r *MockReranker) {
				r.On("Rerank", mock.Anything, "cats", mock.Anything).Return([]int{2, 2}, nil)
			},
			want: []string{"a3", "a1", "a2"},
		},
		{
			name: "Provider Error Keeps Vector Order",
			setup: func(r *MockReranker) {
				r.On("Rerank", mock.Anything, "cats", mock.Anything).Return(nil, errors.New("timeout"))
			},
			want: []string{"a1", "a2", "a3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := new(MockEmbedder)
			i := new(MockIndex)
			r := new(MockReranker)
			e.On("Embed", mock.Anything, "cats").Return(vec, nil)
			i.On("Query", mock.Anything, vec, retrieval.Filter{OwnerID: "u1"}, retrieval.DefaultTopK).Return(hits, nil)
			tt.setup(r)

			svc := retrieval.NewService(e, nil, i, staticURLs{}, nil, nil, nil,
				retrieval.Options{Model: "m", MinScore: 0.4, Reranker: r})
			res, err := svc.Search(context.Background(), retrieval.Query{Text: "cats", OwnerID: "u1"})
			require.NoError(t, err)

			got := make([]string, len(res))
			for k, m := range res {
				got[k] = m.AssetID
			}
			assert.Equal(t, tt.want, got)
			r.AssertExpectations(t)
		})
	}
}
