package retrieval

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QueryLogEntry is one line of the search audit log.
type QueryLogEntry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Query         string        `json:"query"`
	OwnerID       string        `json:"owner_id"`
	Modality      string        `json:"modality,omitempty"`
	TopK          int           `json:"top_k"`
	MinScore      float64       `json:"min_score"`
	NumResults    int           `json:"num_results"`
	TopScore      float64       `json:"top_score,omitempty"`
	AssetIDs      []string      `json:"asset_ids,omitempty"`
	CacheHit      bool          `json:"cache_hit"`
	Reranked      bool          `json:"reranked"`
	Duration      time.Duration `json:"-"`
	LatencyMs     int64         `json:"latency_ms"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// QueryLogger appends QueryLogEntry values as JSON lines. Safe for concurrent use.
type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w)}
}

// NewFileQueryLogger appends to path, creating its directory when missing.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(f)
	l.closer = f
	return l, nil
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.Error("failed to write query log entry", "error", err)
	}
}

func (l *QueryLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
