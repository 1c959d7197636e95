package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"smara/backend/internal/adapter/blob"
	"smara/backend/internal/adapter/redis"
	wstore "smara/backend/internal/adapter/weaviate"
	"smara/backend/internal/config"
)

// Dependencies are the long-lived connections shared by the API and the
// consumers.
type Dependencies struct {
	DB          *sql.DB
	VectorStore *wstore.Store
	NSQProducer *nsq.Producer
	Redis       *goredis.Client
	Blobs       blob.Store
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	attempts := max(cfg.BootstrapRetryAttempts, 1)

	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = retry(ctx, attempts, retryDelay, "ping db", db.PingContext)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := migrateUp(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}

	// Weaviate
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}
	vecStore := wstore.NewStore(wClient)
	if err := EnsureSchemaWithRetry(ctx, vecStore, attempts, retryDelay); err != nil {
		db.Close()
		return nil, fmt.Errorf("weaviate schema error: %w", err)
	}

	// Redis
	var rdb *goredis.Client
	err = retry(ctx, attempts, retryDelay, "ping redis", func(ctx context.Context) error {
		var cerr error
		rdb, cerr = redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return cerr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis error: %w", err)
	}

	// Blob store
	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("blob store error: %w", err)
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		db.Close()
		rdb.Close()
		blobs.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	producer.SetLogger(nil, nsq.LogLevelError)

	createTopics(ctx, cfg.NSQDHTTP, config.AllTopics)

	return &Dependencies{
		DB:          db,
		VectorStore: vecStore,
		NSQProducer: producer,
		Redis:       rdb,
		Blobs:       blobs,
	}, nil
}

// Close releases every connection. Safe on a partially filled value.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Blobs != nil {
		if err := d.Blobs.Close(); err != nil {
			slog.Warn("failed to close blob store", "error", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			slog.Warn("failed to close redis", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func migrateUp(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied", "path", path)
	return nil
}

// createTopics registers every topic on nsqd up front so consumers polling
// lookupd find them before the first publish.
func createTopics(ctx context.Context, nsqdHTTP string, topics []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, topic := range topics {
		u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			slog.Warn("unexpected status creating NSQ topic", "topic", topic, "status", resp.StatusCode)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}

// EnsureSchemaWithRetry delegates schema check to a helper with retry logic.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	return retry(ctx, attempts, delay, "ensure weaviate schema", store.EnsureSchema)
}

func retry(ctx context.Context, attempts int, delay time.Duration, what string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("bootstrap step failed, retrying...", "step", what, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
