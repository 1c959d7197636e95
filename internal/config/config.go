package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

// Worker names accepted in WORKERS.
const (
	WorkerDispatch = "dispatch"
	WorkerImage    = "image"
	WorkerAudio    = "audio"
	WorkerVideo    = "video"
	WorkerDocument = "document"
	WorkerLink     = "link"
	WorkerEmbed    = "embed"
)

const (
	BlobBackendLocal = "local"
	BlobBackendGCS   = "gcs"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"smara"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"smara"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Blob store
	BlobBackend       string `envconfig:"BLOB_BACKEND" default:"local"`
	GCSBucket         string `envconfig:"GCS_BUCKET"`
	BlobLocalDir      string `envconfig:"BLOB_LOCAL_DIR" default:"./data/blobs"`
	BlobPublicBaseURL string `envconfig:"BLOB_PUBLIC_BASE_URL" default:"http://localhost:8081/blobs"`

	// Capabilities
	GeminiAPIKey         string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel       string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	VisionModel          string `envconfig:"VISION_MODEL" default:"gemini-2.0-flash"`
	SpeechLanguage       string `envconfig:"SPEECH_LANGUAGE" default:"en-US"`
	TranscriptServiceURL string `envconfig:"TRANSCRIPT_SERVICE_URL" default:"http://transcripts:8000"`

	// Video
	FFmpegPath          string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	VideoExtractTimeout time.Duration `envconfig:"VIDEO_EXTRACT_TIMEOUT" default:"5m"`
	VideoMaxFrames      int           `envconfig:"VIDEO_MAX_FRAMES" default:"120"`

	// Pipeline
	Workers               []string `envconfig:"WORKERS" default:"dispatch,image,audio,video,document,link,embed"`
	ConsumerConcurrency   int      `envconfig:"CONSUMER_CONCURRENCY" default:"4"`
	ChunkSize             int      `envconfig:"CHUNK_SIZE" default:"8000"`
	MaxAttempts           uint16   `envconfig:"MAX_ATTEMPTS" default:"10"`
	EmbedStrictValidation bool     `envconfig:"EMBED_STRICT_VALIDATION" default:"false"`
	MigrationPath         string   `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Search
	SearchMinScore float64       `envconfig:"SEARCH_MIN_SCORE" default:"0.4"`
	SearchCacheTTL time.Duration `envconfig:"SEARCH_CACHE_TTL" default:"24h"`
	QueryLogPath   string        `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	RerankProvider string        `envconfig:"RERANK_PROVIDER" default:"none"`
	RerankAPIKey   string        `envconfig:"RERANK_API_KEY"`

	// Server
	EnableAPI       bool  `envconfig:"ENABLE_API" default:"true"`
	ServerPort      int   `envconfig:"SERVER_PORT" default:"8081"`
	MaxUploadSizeMB int64 `envconfig:"MAX_UPLOAD_SIZE_MB" default:"200"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	switch c.BlobBackend {
	case BlobBackendLocal:
		if c.BlobLocalDir == "" {
			return fmt.Errorf("%w: BLOB_LOCAL_DIR", ErrMissingRequired)
		}
	case BlobBackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("%w: GCS_BUCKET", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	switch c.RerankProvider {
	case "", "none":
	case "jina", "cohere":
		if c.RerankAPIKey == "" {
			return fmt.Errorf("%w: RERANK_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unknown RERANK_PROVIDER %q", c.RerankProvider)
	}
	for _, w := range c.Workers {
		if !knownWorker(w) {
			return fmt.Errorf("unknown worker %q in WORKERS", w)
		}
	}
	return nil
}

// WorkerEnabled reports whether the named consumer should run in this process.
func (c *Config) WorkerEnabled(name string) bool {
	for _, w := range c.Workers {
		if w == name {
			return true
		}
	}
	return false
}

func knownWorker(name string) bool {
	switch name {
	case WorkerDispatch, WorkerImage, WorkerAudio, WorkerVideo, WorkerDocument, WorkerLink, WorkerEmbed:
		return true
	}
	return false
}
