package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"

	"smara/backend/features/asset"
	"smara/backend/features/job"
	"smara/backend/features/search"
	"smara/backend/features/stats"
	"smara/backend/internal/adapter/blob"
	"smara/backend/internal/adapter/ffmpeg"
	"smara/backend/internal/adapter/gemini"
	"smara/backend/internal/adapter/pdf"
	"smara/backend/internal/adapter/redis"
	"smara/backend/internal/adapter/reranker"
	"smara/backend/internal/adapter/speech"
	"smara/backend/internal/adapter/youtube"
	"smara/backend/internal/config"
	"smara/backend/internal/metrics"
	"smara/backend/internal/middleware"
	"smara/backend/internal/retrieval"
	"smara/backend/internal/settings"
	"smara/backend/internal/worker"
)

// ConsumerChannel is the NSQ channel every pipeline consumer joins.
const ConsumerChannel = "smara"

var workerTopics = map[string]string{
	config.WorkerDispatch: config.TopicIngestAsset,
	config.WorkerImage:    config.TopicIngestImage,
	config.WorkerAudio:    config.TopicIngestAudio,
	config.WorkerVideo:    config.TopicIngestVideo,
	config.WorkerDocument: config.TopicIngestDocument,
	config.WorkerLink:     config.TopicIngestLink,
	config.WorkerEmbed:    config.TopicIngestEmbed,
}

// Options override capability clients, mainly for tests. Nil fields are
// built from configuration.
type Options struct {
	Embedder    worker.Embedder
	Describer   worker.Describer
	Transcriber worker.Transcriber
	Fetcher     worker.TranscriptFetcher
	Extractor   worker.MediaExtractor
	Registry    *prometheus.Registry
}

type App struct {
	Handler  http.Handler
	Handlers map[string]nsq.Handler
	Metrics  *metrics.Metrics

	cfg       *config.Config
	closers   []io.Closer
	consumers []*nsq.Consumer
}

func New(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	a := &App{cfg: cfg}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	consumers := make([]string, 0, len(workerTopics))
	for name := range workerTopics {
		consumers = append(consumers, name)
	}
	m.InitConsumers(consumers...)
	a.Metrics = m

	caps := a.capabilities(ctx, cfg, opts)

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(deps.DB)
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Asset
	assetRepo := asset.NewPostgresRepo(deps.DB)
	assetService := asset.NewService(assetRepo, deps.Blobs, deps.NSQProducer, deps.VectorStore)
	assetHandler := asset.NewHandler(assetService, cfg.MaxUploadSizeMB<<20)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(deps.DB)
	jobService := job.NewService(jobRepo, deps.NSQProducer, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(assetRepo, jobRepo)

	// Feature: Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.closers = append(a.closers, queryLogger)
	queryCache := redis.NewQueryVectorCache(deps.Redis, cfg.SearchCacheTTL)
	retrievalOpts := retrieval.Options{Model: cfg.EmbeddingModel, MinScore: cfg.SearchMinScore}
	if rr := reranker.NewClient(cfg.RerankProvider, cfg.RerankAPIKey); rr.Enabled() {
		retrievalOpts.Reranker = rr
	}
	retrievalService := retrieval.NewService(
		caps.embedder, queryCache, deps.VectorStore, deps.Blobs, settingsService, m, queryLogger, retrievalOpts,
	)
	searchHandler := search.NewHandler(retrievalService)

	// Pipeline
	tracker := worker.NewCompletionTracker(redis.NewUnitStore(deps.Redis), assetRepo)
	settler := worker.NewSettler(jobRepo, deps.NSQProducer, tracker, m, cfg.MaxAttempts)

	a.Handlers = map[string]nsq.Handler{
		config.WorkerDispatch: worker.NewDispatcher(deps.Blobs, deps.NSQProducer, tracker, settler, cfg.ChunkSize),
		config.WorkerImage:    worker.NewImageConsumer(deps.Blobs, caps.describer, deps.NSQProducer, tracker, settler),
		config.WorkerAudio:    worker.NewAudioConsumer(deps.Blobs, caps.transcriber, deps.NSQProducer, tracker, settler),
		config.WorkerVideo:    worker.NewVideoConsumer(deps.Blobs, caps.extractor, deps.NSQProducer, tracker, settler, cfg.VideoExtractTimeout),
		config.WorkerDocument: worker.NewDocumentConsumer(deps.Blobs, pdf.NewExtractor(), deps.NSQProducer, tracker, settler, cfg.ChunkSize),
		config.WorkerLink:     worker.NewLinkConsumer(caps.fetcher, deps.NSQProducer, tracker, settler, cfg.ChunkSize),
		config.WorkerEmbed: worker.NewEmbedderConsumer(caps.embedder, deps.VectorStore, assetRepo, tracker, settler, m, worker.EmbedderOptions{
			StrictValidation: cfg.EmbedStrictValidation,
		}),
	}

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-Id, X-Container-Id, X-Filename, X-Source, X-Source-Url, X-Correlation-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /assets", middleware.CorrelationID(enableCORS(assetHandler.Upload)))
	mux.Handle("POST /assets/link", middleware.CorrelationID(enableCORS(assetHandler.SubmitLink)))
	mux.Handle("GET /assets/{id}", middleware.CorrelationID(enableCORS(assetHandler.Get)))
	mux.Handle("DELETE /assets/{id}", middleware.CorrelationID(enableCORS(assetHandler.Delete)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/failed/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.Handle("GET /metrics", m.Handler())

	if local, ok := deps.Blobs.(*blob.Local); ok {
		mux.Handle("GET /blobs/", http.StripPrefix("/blobs/", http.FileServer(http.Dir(local.Root()))))
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := deps.DB.PingContext(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "health: db unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		if err := deps.VectorStore.Ready(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "health: vector store unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

type capabilities struct {
	embedder    worker.Embedder
	describer   worker.Describer
	transcriber worker.Transcriber
	fetcher     worker.TranscriptFetcher
	extractor   worker.MediaExtractor
}

func (a *App) capabilities(ctx context.Context, cfg *config.Config, opts *Options) capabilities {
	c := capabilities{
		embedder:    opts.Embedder,
		describer:   opts.Describer,
		transcriber: opts.Transcriber,
		fetcher:     opts.Fetcher,
		extractor:   opts.Extractor,
	}

	if c.embedder == nil {
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			slog.Warn("embedding model unavailable", "error", err)
			c.embedder = unavailable("embedding model")
		} else {
			c.embedder = e
			a.closers = append(a.closers, e)
		}
	}
	if c.describer == nil {
		d, err := gemini.NewDescriber(ctx, cfg.GeminiAPIKey, cfg.VisionModel)
		if err != nil {
			slog.Warn("vision model unavailable", "error", err)
			c.describer = unavailable("vision model")
		} else {
			c.describer = d
			a.closers = append(a.closers, d)
		}
	}
	if c.transcriber == nil {
		t, err := speech.NewTranscriber(ctx, cfg.SpeechLanguage)
		if err != nil {
			slog.Warn("speech-to-text unavailable", "error", err)
			c.transcriber = unavailable("speech-to-text")
		} else {
			c.transcriber = t
			a.closers = append(a.closers, t)
		}
	}
	if c.fetcher == nil {
		c.fetcher = youtube.NewClient(cfg.TranscriptServiceURL)
	}
	if c.extractor == nil {
		c.extractor = ffmpeg.NewExtractor(cfg.FFmpegPath, cfg.VideoMaxFrames, cfg.VideoExtractTimeout)
	}
	return c
}

// unavailable stands in for a capability whose client could not be built.
// Messages that need it are acknowledged as capability_absent.
type unavailable string

func (u unavailable) err() error {
	return worker.Failf(worker.KindAbsent, "%s is not configured", string(u))
}

func (u unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, u.err()
}

func (u unavailable) Describe(context.Context, []byte, string, string) (string, error) {
	return "", u.err()
}

func (u unavailable) Transcribe(context.Context, []byte, string) (string, error) {
	return "", u.err()
}

// StartConsumers connects one NSQ consumer per configured worker. The
// attempt ceiling is enforced by the settler, so nsq's own is disabled.
func (a *App) StartConsumers() error {
	for _, name := range a.cfg.Workers {
		topic, ok := workerTopics[name]
		if !ok {
			return fmt.Errorf("unknown worker %q", name)
		}

		nsqCfg := nsq.NewConfig()
		nsqCfg.MaxAttempts = 0
		nsqCfg.MaxInFlight = max(a.cfg.ConsumerConcurrency, 1)

		consumer, err := nsq.NewConsumer(topic, ConsumerChannel, nsqCfg)
		if err != nil {
			return fmt.Errorf("nsq consumer %s: %w", topic, err)
		}
		consumer.AddConcurrentHandlers(a.Handlers[name], nsqCfg.MaxInFlight)
		if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
			return fmt.Errorf("connect %s consumer to lookupd: %w", topic, err)
		}
		a.consumers = append(a.consumers, consumer)
		slog.Info("consumer started", "worker", name, "topic", topic, "concurrency", nsqCfg.MaxInFlight)
	}
	return nil
}

func (a *App) stopConsumers() {
	for _, c := range a.consumers {
		c.Stop()
	}
	for _, c := range a.consumers {
		<-c.StopChan
	}
	a.consumers = nil
}

// Run starts the consumers and, when enabled, the HTTP API. It returns once
// ctx is cancelled and in-flight messages have settled.
func (a *App) Run(ctx context.Context) error {
	if err := a.StartConsumers(); err != nil {
		a.stopConsumers()
		return err
	}
	defer a.stopConsumers()

	if !a.cfg.EnableAPI {
		<-ctx.Done()
		slog.Info("shutting down consumers...")
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases capability clients.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close client", "error", err)
		}
	}
}
