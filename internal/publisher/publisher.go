// Package publisher streams a staged local video to the publishing platform
// over a resumable transfer session, one chunk in flight at a time, until the
// platform returns the terminal video resource.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	yt "google.golang.org/api/youtube/v3"

	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/pkg/models"
)

// ChunkResult is the outcome of a single chunk send: either an intermediate
// progress fraction, or the terminal video resource when Video is non-nil.
type ChunkResult struct {
	Fraction float64
	Video    *yt.Video
}

// TransferSession sends the next pending chunk of one upload. Implementations
// track their own offset; callers loop until a terminal ChunkResult.
type TransferSession interface {
	SendChunk(ctx context.Context) (*ChunkResult, error)
}

// SessionOpener opens a transfer session for a local file and its video
// resource description.
type SessionOpener func(ctx context.Context, client *http.Client, localPath string, video *yt.Video, notifySubscribers bool) (TransferSession, error)

// Publisher drives resumable uploads against the platform
type Publisher struct {
	baseURL   string
	userAgent string
	log       *logging.Logger

	open SessionOpener
}

// New creates a publisher bound to the platform upload endpoint
func New(cfg config.UploaderConfig, log *logging.Logger) *Publisher {
	p := &Publisher{
		baseURL:   cfg.UploadBaseURL,
		userAgent: cfg.UserAgent,
		log:       log,
	}
	p.open = p.openResumable
	return p
}

// Publish transfers the file at localPath in chunks until the platform
// reports a terminal response, returning the assigned video identifier. Any
// transfer error fails the whole attempt; a retried publish opens a fresh
// session.
func (p *Publisher) Publish(ctx context.Context, client *http.Client, localPath string, meta models.VideoMetadata) (string, error) {
	video := buildVideo(meta)

	sess, err := p.open(ctx, client, localPath, video, meta.NotifySubscribers)
	if err != nil {
		return "", fmt.Errorf("failed to open transfer session: %w", err)
	}
	if closer, ok := sess.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	return p.drive(ctx, sess)
}

// drive loops one chunk at a time until the session reports the terminal
// video resource.
func (p *Publisher) drive(ctx context.Context, sess TransferSession) (string, error) {
	for {
		res, err := sess.SendChunk(ctx)
		if err != nil {
			return "", fmt.Errorf("chunk transfer failed: %w", err)
		}

		if res.Video != nil {
			if res.Video.Id == "" {
				return "", errors.New("publish completed without a video id")
			}
			return res.Video.Id, nil
		}

		p.log.Infof("Upload %.0f%% complete", res.Fraction*100)
	}
}

// buildVideo maps the request metadata onto the platform video resource
func buildVideo(meta models.VideoMetadata) *yt.Video {
	status := &yt.VideoStatus{
		PrivacyStatus:           string(meta.PrivacyStatus),
		Embeddable:              meta.Embeddable,
		PublicStatsViewable:     meta.PublicStatsViewable,
		MadeForKids:             meta.MadeForKids,
		SelfDeclaredMadeForKids: meta.MadeForKids,
		// false values still need to reach the wire
		ForceSendFields: []string{"Embeddable", "PublicStatsViewable", "SelfDeclaredMadeForKids"},
	}
	if meta.PublishAt != "" {
		status.PublishAt = meta.PublishAt
	}

	snippet := &yt.VideoSnippet{
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		CategoryId:  meta.CategoryID,
	}
	if meta.ThumbnailURL != "" {
		snippet.Thumbnails = &yt.ThumbnailDetails{
			Default: &yt.Thumbnail{Url: meta.ThumbnailURL},
		}
	}

	video := &yt.Video{
		Snippet: snippet,
		Status:  status,
	}
	if meta.PaidPromotion {
		video.PaidProductPlacementDetails = &yt.VideoPaidProductPlacementDetails{
			HasPaidProductPlacement: true,
		}
	}

	return video
}
