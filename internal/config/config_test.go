package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smara/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	os.Setenv("DB_HOST", "test-host")
	defer os.Unsetenv("DB_HOST")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.ChunkSize)
	assert.Equal(t, uint16(10), cfg.MaxAttempts)
	assert.Equal(t, 0.4, cfg.SearchMinScore)
	assert.Equal(t, 5*time.Minute, cfg.VideoExtractTimeout)
	assert.False(t, cfg.EmbedStrictValidation)
	assert.Equal(t, "none", cfg.RerankProvider)
	assert.ElementsMatch(t, []string{"dispatch", "image", "audio", "video", "document", "link", "embed"}, cfg.Workers)
}

func TestLoadConfig_Workers(t *testing.T) {
	os.Setenv("WORKERS", "video,embed")
	os.Setenv("CONSUMER_CONCURRENCY", "2")
	defer os.Unsetenv("WORKERS")
	defer os.Unsetenv("CONSUMER_CONCURRENCY")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.WorkerEnabled(config.WorkerVideo))
	assert.True(t, cfg.WorkerEnabled(config.WorkerEmbed))
	assert.False(t, cfg.WorkerEnabled(config.WorkerDispatch))
	assert.Equal(t, 2, cfg.ConsumerConcurrency)
}

func TestLoadConfig_UnknownWorker(t *testing.T) {
	os.Setenv("WORKERS", "dispatch,ocr")
	defer os.Unsetenv("WORKERS")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ocr")
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			DBHost:       "db",
			DBUser:       "u",
			DBName:       "n",
			BlobBackend:  config.BlobBackendLocal,
			BlobLocalDir: "/tmp/blobs",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"Valid", func(*config.Config) {}, ""},
		{"MissingDBHost", func(c *config.Config) { c.DBHost = "" }, "DB_HOST"},
		{"GCSWithoutBucket", func(c *config.Config) { c.BlobBackend = config.BlobBackendGCS }, "GCS_BUCKET"},
		{"UnknownBlobBackend", func(c *config.Config) { c.BlobBackend = "s3" }, "BLOB_BACKEND"},
		{"RerankWithoutKey", func(c *config.Config) { c.RerankProvider = "jina" }, "RERANK_API_KEY"},
		{"RerankWithKey", func(c *config.Config) { c.RerankProvider = "cohere"; c.RerankAPIKey = "k" }, ""},
		{"UnknownRerankProvider", func(c *config.Config) { c.RerankProvider = "voyage" }, "RERANK_PROVIDER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWorkerEnabled(t *testing.T) {
	cfg := config.Config{
		Workers:        []string{config.WorkerImage},
		RerankProvider: "cohere",
	}
	assert.True(t, cfg.WorkerEnabled(config.WorkerImage))
	assert.False(t, cfg.WorkerEnabled(config.WorkerEmbed))
	assert.False(t, (&config.Config{}).WorkerEnabled(config.WorkerImage))
}
