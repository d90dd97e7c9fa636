package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/pkg/models"
)

type fakeCreds struct {
	records map[string]*models.CredentialRecord
}

func (f *fakeCreds) FindByEmail(ctx context.Context, email string) (*models.CredentialRecord, error) {
	rec, ok := f.records[email]
	if !ok {
		return nil, credstore.ErrNotFound
	}
	return rec, nil
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, userID string) (*http.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return http.DefaultClient, nil
}

type cleanupCall struct {
	localPath string
	objectKey string
}

type fakeStager struct {
	urlPath   string
	urlKey    string
	urlErr    error
	localPath string
	localErr  error

	urlCalls   int
	localCalls int
	cleanups   []cleanupCall
}

func (f *fakeStager) StageFromURL(ctx context.Context, rawURL string) (string, string, error) {
	f.urlCalls++
	return f.urlPath, f.urlKey, f.urlErr
}

func (f *fakeStager) StageFromUpload(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	f.localCalls++
	return f.localPath, f.localErr
}

func (f *fakeStager) Cleanup(ctx context.Context, localPath, objectKey string) {
	f.cleanups = append(f.cleanups, cleanupCall{localPath, objectKey})
}

type fakePublisher struct {
	videoID string
	err     error
	calls   int
}

func (f *fakePublisher) Publish(ctx context.Context, client *http.Client, localPath string, meta models.VideoMetadata) (string, error) {
	f.calls++
	return f.videoID, f.err
}

type fakeRecords struct {
	created  []*models.PublishRecord
	finished map[string]string // record id -> status
}

func (f *fakeRecords) CreatePublishRecord(ctx context.Context, rec *models.PublishRecord) error {
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeRecords) FinishPublishRecord(ctx context.Context, id, status, videoID, errMsg string) error {
	if f.finished == nil {
		f.finished = make(map[string]string)
	}
	f.finished[id] = status
	return nil
}

type fakeEvents struct {
	events []*models.PublishedEvent
}

func (f *fakeEvents) PublishVideoEvent(ctx context.Context, evt *models.PublishedEvent) error {
	f.events = append(f.events, evt)
	return nil
}

type fixture struct {
	svc       *Service
	creds     *fakeCreds
	stager    *fakeStager
	publisher *fakePublisher
	records   *fakeRecords
	events    *fakeEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	f := &fixture{
		creds: &fakeCreds{records: map[string]*models.CredentialRecord{
			"user@example.com": {UserID: "uid-1", Email: "user@example.com"},
		}},
		stager:    &fakeStager{},
		publisher: &fakePublisher{videoID: "vid-1"},
		records:   &fakeRecords{},
		events:    &fakeEvents{},
	}
	f.svc = NewService(f.creds, &fakeResolver{}, f.stager, f.publisher, f.records, f.events, log)

	return f
}

func fileHeaderFor(t *testing.T, filename, contentType string) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(10240)
	require.NoError(t, err)

	return form.File["file"][0]
}

func urlRequest() *models.UploadRequest {
	return &models.UploadRequest{
		Source:   models.SourceURL,
		VideoURL: "https://cdn.example.com/videos/movie.mp4",
		Email:    "user@example.com",
		Metadata: models.VideoMetadata{
			Title:         "My Video",
			PrivacyStatus: models.PrivacyPrivate,
		},
	}
}

func TestHandleUploadURLSuccess(t *testing.T) {
	f := newFixture(t)
	f.stager.urlPath = "/tmp/scratch/movie.mp4"
	f.stager.urlKey = "movie.mp4"

	outcome, err := f.svc.HandleUpload(context.Background(), urlRequest())
	require.NoError(t, err)
	assert.Equal(t, "vid-1", outcome.VideoID)
	assert.Equal(t, "Video uploaded successfully.", outcome.Message)

	// Staged object and scratch file both cleaned up
	require.Len(t, f.stager.cleanups, 1)
	assert.Equal(t, cleanupCall{"/tmp/scratch/movie.mp4", "movie.mp4"}, f.stager.cleanups[0])

	// Audit record finished and event emitted
	require.Len(t, f.records.created, 1)
	assert.Equal(t, models.PublishStatusSucceeded, f.records.finished[f.records.created[0].ID])
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "vid-1", f.events.events[0].VideoID)
}

func TestHandleUploadRejectsDisallowedExtension(t *testing.T) {
	f := newFixture(t)

	req := &models.UploadRequest{
		Source: models.SourceLocal,
		File:   fileHeaderFor(t, "notes.txt", "text/plain"),
		Email:  "user@example.com",
		Metadata: models.VideoMetadata{
			PrivacyStatus: models.PrivacyPrivate,
		},
	}

	_, err := f.svc.HandleUpload(context.Background(), req)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Validation short-circuits before any storage or publish side effect
	assert.Zero(t, f.stager.urlCalls)
	assert.Zero(t, f.stager.localCalls)
	assert.Zero(t, f.publisher.calls)
	assert.Empty(t, f.records.created)
}

func TestHandleUploadRejectsAmbiguousSource(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  *models.UploadRequest
	}{
		{
			name: "url type without url",
			req: &models.UploadRequest{
				Source: models.SourceURL,
				Email:  "user@example.com",
				Metadata: models.VideoMetadata{PrivacyStatus: models.PrivacyPrivate},
			},
		},
		{
			name: "url type with file attached",
			req: &models.UploadRequest{
				Source:   models.SourceURL,
				VideoURL: "https://example.com/a.mp4",
				File:     fileHeaderFor(t, "clip.mp4", "video/mp4"),
				Email:    "user@example.com",
				Metadata: models.VideoMetadata{PrivacyStatus: models.PrivacyPrivate},
			},
		},
		{
			name: "local type without file",
			req: &models.UploadRequest{
				Source: models.SourceLocal,
				Email:  "user@example.com",
				Metadata: models.VideoMetadata{PrivacyStatus: models.PrivacyPrivate},
			},
		},
		{
			name: "unknown upload type",
			req: &models.UploadRequest{
				Source:   models.SourceType("ftp"),
				VideoURL: "https://example.com/a.mp4",
				Email:    "user@example.com",
				Metadata: models.VideoMetadata{PrivacyStatus: models.PrivacyPrivate},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandleUpload(context.Background(), tt.req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	assert.Zero(t, f.stager.urlCalls)
	assert.Zero(t, f.publisher.calls)
}

func TestHandleUploadValidatesMetadata(t *testing.T) {
	f := newFixture(t)

	req := urlRequest()
	req.Metadata.PrivacyStatus = "friends-only"
	_, err := f.svc.HandleUpload(context.Background(), req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	req = urlRequest()
	req.Metadata.PublishAt = "tomorrow morning"
	_, err = f.svc.HandleUpload(context.Background(), req)
	assert.ErrorAs(t, err, &verr)

	// Scheduling only makes sense for private uploads
	req = urlRequest()
	req.Metadata.PrivacyStatus = models.PrivacyPublic
	req.Metadata.PublishAt = "2026-09-01T08:30:00Z"
	_, err = f.svc.HandleUpload(context.Background(), req)
	assert.ErrorAs(t, err, &verr)
}

func TestHandleUploadUnknownEmail(t *testing.T) {
	f := newFixture(t)

	req := urlRequest()
	req.Email = "stranger@example.com"

	_, err := f.svc.HandleUpload(context.Background(), req)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Zero(t, f.stager.urlCalls)
}

func TestHandleUploadPublishFailureStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.stager.urlPath = "/tmp/scratch/movie.mp4"
	f.stager.urlKey = "movie.mp4"
	f.publisher.err = errors.New("quota exceeded")

	_, err := f.svc.HandleUpload(context.Background(), urlRequest())

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "publish", terr.Stage)

	require.Len(t, f.stager.cleanups, 1)
	assert.Equal(t, cleanupCall{"/tmp/scratch/movie.mp4", "movie.mp4"}, f.stager.cleanups[0])

	require.Len(t, f.records.created, 1)
	assert.Equal(t, models.PublishStatusFailed, f.records.finished[f.records.created[0].ID])
	assert.Empty(t, f.events.events)
}

func TestHandleUploadStageFailureCleansUpCreatedKey(t *testing.T) {
	f := newFixture(t)
	// The object landed in intermediate storage but the retrieval failed.
	f.stager.urlKey = "movie.mp4"
	f.stager.urlErr = errors.New("download interrupted")

	_, err := f.svc.HandleUpload(context.Background(), urlRequest())

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "staging", terr.Stage)

	require.Len(t, f.stager.cleanups, 1)
	assert.Equal(t, "movie.mp4", f.stager.cleanups[0].objectKey)
}
