package models

import "time"

// Publish record statuses
const (
	PublishStatusPending   = "pending"
	PublishStatusSucceeded = "succeeded"
	PublishStatusFailed    = "failed"
)

// PublishRecord is the durable audit row kept for every publish attempt,
// one row per attempt (a retried publish gets a new row).
type PublishRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Source    string    `json:"source"`
	SourceRef string    `json:"source_ref"`
	Status    string    `json:"status"`
	VideoID   string    `json:"video_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublishedEvent is emitted to the message queue after a successful publish.
type PublishedEvent struct {
	RecordID    string    `json:"record_id"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	VideoID     string    `json:"video_id"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
}
