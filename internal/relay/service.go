// Package relay sequences one upload request end to end: validate, resolve
// the acting identity, stage the source video, publish it, and clean up
// whatever was staged.
package relay

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"

	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/internal/metrics"
	"github.com/vidrelay/vidrelay/internal/storage"
	"github.com/vidrelay/vidrelay/internal/tracing"
	"github.com/vidrelay/vidrelay/pkg/models"
)

// Stager materializes and disposes of staged artifacts
type Stager interface {
	StageFromURL(ctx context.Context, rawURL string) (localPath, objectKey string, err error)
	StageFromUpload(ctx context.Context, fh *multipart.FileHeader) (localPath string, err error)
	Cleanup(ctx context.Context, localPath, objectKey string)
}

// CredentialLookup maps an email to its stored identity
type CredentialLookup interface {
	FindByEmail(ctx context.Context, email string) (*models.CredentialRecord, error)
}

// Resolver produces an authorized client for a stored identity
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*http.Client, error)
}

// VideoPublisher runs the chunked publish pipeline
type VideoPublisher interface {
	Publish(ctx context.Context, client *http.Client, localPath string, meta models.VideoMetadata) (string, error)
}

// RecordStore keeps the durable audit trail of publish attempts
type RecordStore interface {
	CreatePublishRecord(ctx context.Context, rec *models.PublishRecord) error
	FinishPublishRecord(ctx context.Context, id, status, videoID, errMsg string) error
}

// EventPublisher emits published-video events to the message queue
type EventPublisher interface {
	PublishVideoEvent(ctx context.Context, evt *models.PublishedEvent) error
}

// Service is the request orchestrator
type Service struct {
	creds     CredentialLookup
	resolver  Resolver
	stager    Stager
	publisher VideoPublisher
	records   RecordStore     // optional
	events    EventPublisher  // optional
	log       *logging.Logger
}

// NewService wires the orchestrator. records and events may be nil when the
// audit store or event emission are disabled.
func NewService(creds CredentialLookup, resolver Resolver, stager Stager, publisher VideoPublisher, records RecordStore, events EventPublisher, log *logging.Logger) *Service {
	return &Service{
		creds:     creds,
		resolver:  resolver,
		stager:    stager,
		publisher: publisher,
		records:   records,
		events:    events,
		log:       log,
	}
}

// HandleUpload validates req, stages the source, publishes it on behalf of
// the resolved identity, and always cleans up any artifact that was staged.
func (s *Service) HandleUpload(ctx context.Context, req *models.UploadRequest) (*models.UploadOutcome, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "relay.handle_upload")
	defer span.Finish()
	span.SetTag("source", string(req.Source))

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	cred, err := s.creds.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, auth.ErrUnauthenticated
		}
		return nil, err
	}

	client, err := s.resolver.Resolve(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}

	record := s.beginRecord(ctx, req, cred.UserID)
	log := s.log.WithEmail(req.Email)
	start := time.Now()

	var localPath, objectKey string
	defer func() {
		// Anything that was staged gets cleaned up on every exit path.
		if localPath != "" || objectKey != "" {
			s.stager.Cleanup(ctx, localPath, objectKey)
		}
	}()

	switch req.Source {
	case models.SourceURL:
		localPath, objectKey, err = s.stager.StageFromURL(ctx, req.VideoURL)
	case models.SourceLocal:
		localPath, err = s.stager.StageFromUpload(ctx, req.File)
	}
	if err != nil {
		tracing.TagError(span, err)
		s.finishRecord(ctx, record, models.PublishStatusFailed, "", err)
		metrics.UploadsTotal.WithLabelValues(string(req.Source), "failed").Inc()
		return nil, &TransferError{Stage: "staging", Err: err}
	}
	if req.Source == models.SourceLocal && req.File != nil {
		metrics.StagedBytes.Observe(float64(req.File.Size))
	}

	videoID, err := s.publisher.Publish(ctx, client, localPath, req.Metadata)
	if err != nil {
		tracing.TagError(span, err)
		s.finishRecord(ctx, record, models.PublishStatusFailed, "", err)
		metrics.UploadsTotal.WithLabelValues(string(req.Source), "failed").Inc()
		return nil, &TransferError{Stage: "publish", Err: err}
	}

	s.finishRecord(ctx, record, models.PublishStatusSucceeded, videoID, nil)
	s.emitEvent(ctx, record, req, videoID)

	metrics.UploadsTotal.WithLabelValues(string(req.Source), "succeeded").Inc()
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	log.Infof("published video %s in %s", videoID, time.Since(start))

	return &models.UploadOutcome{
		VideoID: videoID,
		Message: "Video uploaded successfully.",
	}, nil
}

// validateRequest enforces the request invariants before any side effect
func validateRequest(req *models.UploadRequest) error {
	if req.Email == "" {
		return validationErrorf("email is required")
	}

	switch req.Source {
	case models.SourceURL:
		if req.VideoURL == "" {
			return validationErrorf("video_url is required for url uploads")
		}
		if req.File != nil {
			return validationErrorf("url uploads must not include a file")
		}
		u, err := url.Parse(req.VideoURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return validationErrorf("video_url must be an http(s) URL")
		}
	case models.SourceLocal:
		if req.File == nil {
			return validationErrorf("file is required for local uploads")
		}
		if req.VideoURL != "" {
			return validationErrorf("local uploads must not include video_url")
		}
		if err := storage.ValidateUploadFile(req.File.Filename, req.File.Header.Get("Content-Type")); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
	default:
		return validationErrorf("upload_type must be %q or %q", models.SourceURL, models.SourceLocal)
	}

	if !req.Metadata.PrivacyStatus.Valid() {
		return validationErrorf("privacy_status must be one of public, private, unlisted")
	}

	if _, set, err := req.Metadata.PublishAtTime(); set {
		if err != nil {
			return validationErrorf("publish_at must be a valid RFC3339 instant")
		}
		if req.Metadata.PrivacyStatus != models.PrivacyPrivate {
			return validationErrorf("publish_at requires private privacy")
		}
	}

	return nil
}

func (s *Service) beginRecord(ctx context.Context, req *models.UploadRequest, userID string) *models.PublishRecord {
	if s.records == nil {
		return nil
	}

	sourceRef := req.VideoURL
	if req.Source == models.SourceLocal && req.File != nil {
		sourceRef = req.File.Filename
	}

	now := time.Now().UTC()
	rec := &models.PublishRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     req.Email,
		Source:    string(req.Source),
		SourceRef: sourceRef,
		Status:    models.PublishStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.records.CreatePublishRecord(ctx, rec); err != nil {
		s.log.ErrorWithErr("failed to create publish record", err)
	}

	return rec
}

func (s *Service) finishRecord(ctx context.Context, rec *models.PublishRecord, status, videoID string, cause error) {
	if s.records == nil || rec == nil {
		return
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if err := s.records.FinishPublishRecord(ctx, rec.ID, status, videoID, errMsg); err != nil {
		s.log.ErrorWithErr("failed to finish publish record", err)
	}
}

func (s *Service) emitEvent(ctx context.Context, rec *models.PublishRecord, req *models.UploadRequest, videoID string) {
	if s.events == nil {
		return
	}

	evt := &models.PublishedEvent{
		Email:       req.Email,
		VideoID:     videoID,
		Title:       req.Metadata.Title,
		PublishedAt: time.Now().UTC(),
	}
	if rec != nil {
		evt.RecordID = rec.ID
		evt.UserID = rec.UserID
	}

	if err := s.events.PublishVideoEvent(ctx, evt); err != nil {
		s.log.ErrorWithErr("failed to emit published event", err)
	}
}
