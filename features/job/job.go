package job

import (
	"encoding/json"
	"time"
)

// Job is a dead-lettered message: the payload that exhausted its attempts on
// Topic, the consumer that gave up on it and the last error.
type Job struct {
	ID        string          `json:"id"`
	AssetID   string          `json:"asset_id,omitempty"`
	Topic     string          `json:"topic"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
