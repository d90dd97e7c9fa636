package models

import (
	"mime/multipart"
	"time"
)

// SourceType discriminates where the video bytes come from.
type SourceType string

const (
	SourceURL   SourceType = "url"
	SourceLocal SourceType = "local"
)

// PrivacyStatus is the platform-defined visibility of a published video.
type PrivacyStatus string

const (
	PrivacyPublic   PrivacyStatus = "public"
	PrivacyPrivate  PrivacyStatus = "private"
	PrivacyUnlisted PrivacyStatus = "unlisted"
)

// PrivacyStatuses is the fixed enumeration served by /privacy-options/.
var PrivacyStatuses = []PrivacyStatus{PrivacyPublic, PrivacyPrivate, PrivacyUnlisted}

// Valid reports whether p is one of the platform privacy states.
func (p PrivacyStatus) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyPrivate, PrivacyUnlisted:
		return true
	}
	return false
}

// VideoMetadata is the target description attached to a publish.
type VideoMetadata struct {
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Tags                []string      `json:"tags"`
	CategoryID          string        `json:"category_id"`
	PrivacyStatus       PrivacyStatus `json:"privacy_status"`
	PublishAt           string        `json:"publish_at,omitempty"` // RFC3339, private only
	Embeddable          bool          `json:"embeddable"`
	PublicStatsViewable bool          `json:"public_stats_viewable"`
	NotifySubscribers   bool          `json:"notify_subscribers"`
	MadeForKids         bool          `json:"made_for_kids"`
	PaidPromotion       bool          `json:"paid_promotion"`
	ThumbnailURL        string        `json:"thumbnail_url,omitempty"`
}

// UploadRequest is the request-scoped unit of work handed to the
// orchestrator. Exactly one of VideoURL / File is set, selected by Source.
type UploadRequest struct {
	Source   SourceType
	VideoURL string
	File     *multipart.FileHeader
	Email    string
	Metadata VideoMetadata
}

// UploadOutcome is the terminal result returned to the caller.
type UploadOutcome struct {
	VideoID string `json:"video_id"`
	Message string `json:"message"`
}

// PublishAtTime parses the scheduled publish instant, if any.
func (m VideoMetadata) PublishAtTime() (time.Time, bool, error) {
	if m.PublishAt == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, m.PublishAt)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}
