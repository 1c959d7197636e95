package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"smara/backend/internal/metrics"
	"smara/backend/internal/middleware"
	"smara/backend/internal/settings"
)

var (
	ErrEmptyQuery    = errors.New("query text is required")
	ErrOwnerRequired = errors.New("owner id is required")
)

const (
	DefaultTopK     = 10
	MaxTopK         = 100
	DefaultMinScore = 0.4
)

type Query struct {
	Text     string
	OwnerID  string
	TopK     int
	Modality string
	MinScore float64
}

// Filter restricts an index query. OwnerID is always set.
type Filter struct {
	OwnerID  string
	Modality string
}

// Match is one ranked search result. Pointer resolves to the original asset:
// the source URL for links, the public blob URL otherwise.
type Match struct {
	VectorID    string  `json:"vector_id"`
	AssetID     string  `json:"asset_id"`
	OwnerID     string  `json:"owner_id"`
	ContainerID string  `json:"container_id,omitempty"`
	Modality    string  `json:"modality"`
	StorageKey  string  `json:"storage_key"`
	ChunkID     string  `json:"chunk_id,omitempty"`
	URL         string  `json:"url,omitempty"`
	Content     string  `json:"content"`
	StartMs     *int64  `json:"start_ms,omitempty"`
	EndMs       *int64  `json:"end_ms,omitempty"`
	Score       float64 `json:"score"`
	Pointer     string  `json:"pointer"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Query(ctx context.Context, vector []float32, f Filter, limit int) ([]Match, error)
}

// VectorCache memoises query embeddings per model.
type VectorCache interface {
	GetOrCompute(ctx context.Context, model, text string, compute func(context.Context) ([]float32, error)) ([]float32, bool, error)
}

type URLResolver interface {
	PublicURL(key string) string
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Reranker returns indices into docs, most relevant first.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

type Options struct {
	Model    string
	MinScore float64
	// Reranker reorders filtered matches by content. Nil keeps vector order.
	Reranker Reranker
}

type Service struct {
	embedder Embedder
	cache    VectorCache
	index    VectorIndex
	urls     URLResolver
	settings SettingsProvider
	metrics  *metrics.Metrics
	logger   *QueryLogger
	opts     Options
}

func NewService(e Embedder, c VectorCache, idx VectorIndex, urls URLResolver, set SettingsProvider, m *metrics.Metrics, l *QueryLogger, opts Options) *Service {
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}
	return &Service{
		embedder: e,
		cache:    c,
		index:    idx,
		urls:     urls,
		settings: set,
		metrics:  m,
		logger:   l,
		opts:     opts,
	}
}

// Search embeds the query, runs an owner-scoped nearest neighbour lookup and
// returns matches above the score floor, best first.
func (s *Service) Search(ctx context.Context, q Query) (matches []Match, err error) {
	start := time.Now()
	entry := QueryLogEntry{Query: q.Text, OwnerID: q.OwnerID, Modality: q.Modality}
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.ObserveSearch(status, start)
		if s.logger != nil && err == nil {
			entry.NumResults = len(matches)
			entry.AssetIDs = make([]string, 0, len(matches))
			for _, m := range matches {
				entry.AssetIDs = append(entry.AssetIDs, m.AssetID)
				entry.TopScore = max(entry.TopScore, m.Score)
			}
			entry.Duration = time.Since(start)
			entry.CorrelationID = middleware.GetCorrelationID(ctx)
			s.logger.Log(entry)
		}
	}()

	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	if q.OwnerID == "" {
		return nil, ErrOwnerRequired
	}

	topK, minScore := s.resolve(ctx, q)
	entry.TopK, entry.MinScore = topK, minScore

	vec, hit, err := s.embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	entry.CacheHit = hit

	hits, err := s.index.Query(ctx, vec, Filter{OwnerID: q.OwnerID, Modality: q.Modality}, topK)
	if err != nil {
		return nil, err
	}

	matches = make([]Match, 0, len(hits))
	for _, h := range hits {
		if h.OwnerID != q.OwnerID || h.Score < minScore {
			continue
		}
		h.Pointer = s.pointer(h)
		matches = append(matches, h)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	matches, entry.Reranked = s.rerank(ctx, q.Text, matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// resolve applies request values over the stored settings over the built-in
// defaults.
func (s *Service) resolve(ctx context.Context, q Query) (int, float64) {
	topK := DefaultTopK
	minScore := s.opts.MinScore
	if s.settings != nil {
		if cfg, err := s.settings.Get(ctx); err == nil {
			if cfg.SearchTopK > 0 {
				topK = cfg.SearchTopK
			}
			if cfg.SearchMinScore > 0 {
				minScore = cfg.SearchMinScore
			}
		}
	}
	if q.TopK > 0 {
		topK = q.TopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	if q.MinScore > 0 {
		minScore = q.MinScore
	}
	return topK, minScore
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, bool, error) {
	if s.cache == nil {
		vec, err := s.embedder.Embed(ctx, text)
		return vec, false, err
	}
	return s.cache.GetOrCompute(ctx, s.opts.Model, text, func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
}

// rerank applies the optional reranker. A failing provider degrades to vector
// order rather than failing the search.
func (s *Service) rerank(ctx context.Context, query string, matches []Match) ([]Match, bool) {
	if s.opts.Reranker == nil || len(matches) < 2 {
		return matches, false
	}
	contents := make([]string, len(matches))
	for i, m := range matches {
		contents[i] = m.Content
	}
	indices, err := s.opts.Reranker.Rerank(ctx, query, contents)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, keeping vector order", "error", err)
		return matches, false
	}
	reranked := make([]Match, 0, len(matches))
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(matches) || seen[idx] {
			continue
		}
		seen[idx] = true
		reranked = append(reranked, matches[idx])
	}
	// Providers may truncate; anything they dropped keeps its vector position after.
	for i, m := range matches {
		if !seen[i] {
			reranked = append(reranked, m)
		}
	}
	return reranked, true
}

func (s *Service) pointer(m Match) string {
	if m.Modality == "link" && m.URL != "" {
		return m.URL
	}
	if s.urls == nil {
		return m.StorageKey
	}
	return s.urls.PublicURL(m.StorageKey)
}
