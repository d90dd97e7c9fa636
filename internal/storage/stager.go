package storage

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidrelay/vidrelay/internal/logging"
)

const cleanupAttempts = 3

// ObjectStore is the slice of intermediate storage the stager needs
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	DownloadFile(ctx context.Context, objectName, filePath string) error
	Delete(ctx context.Context, objectName string) error
}

// Stager materializes a source video at a local scratch path. URL sources
// are round-tripped through intermediate storage so the origin fetch is
// durably buffered before the publish pipeline touches it.
type Stager struct {
	store      ObjectStore
	httpClient *http.Client
	scratchDir string
	log        *logging.Logger

	removeFn   func(string) error
	retryDelay time.Duration
}

// NewStager creates a stager writing scratch files under scratchDir
func NewStager(store ObjectStore, scratchDir string, log *logging.Logger) (*Stager, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &Stager{
		store:      store,
		httpClient: &http.Client{}, // no overall timeout, transfers can be large
		scratchDir: scratchDir,
		log:        log,
		removeFn:   os.Remove,
		retryDelay: time.Second,
	}, nil
}

// StageFromURL fetches the remote resource as a stream, writes it into
// intermediate storage, then retrieves it back to a scratch path. The object
// key is returned as soon as the object exists so the caller can clean it up
// even when the later download fails.
func (s *Stager) StageFromURL(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid source url: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("origin fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("origin fetch failed: status %d", resp.StatusCode)
	}

	key := objectKeyForURL(rawURL)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeForPath(key)
	}

	start := time.Now()
	if err := s.store.Upload(ctx, key, resp.Body, resp.ContentLength, contentType); err != nil {
		return "", "", fmt.Errorf("failed to stage object %s: %w", key, err)
	}
	s.log.LogStorageOperation("stage_put", "", key, resp.ContentLength, time.Since(start), nil)

	localPath := s.scratchPath(key)
	if err := s.store.DownloadFile(ctx, key, localPath); err != nil {
		return "", key, fmt.Errorf("failed to retrieve staged object %s: %w", key, err)
	}

	return localPath, key, nil
}

// StageFromUpload validates a direct upload and writes it to a scratch path
func (s *Stager) StageFromUpload(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	if err := ValidateUploadFile(fh.Filename, fh.Header.Get("Content-Type")); err != nil {
		return "", err
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	localPath := s.scratchPath(fh.Filename)
	dst, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = s.removeFn(localPath)
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}

	return localPath, nil
}

// Cleanup deletes the intermediate object (if any) and the scratch file.
// Local deletion is retried to tolerate transient file-handle release delays.
// Failures are logged, never escalated.
func (s *Stager) Cleanup(ctx context.Context, localPath, objectKey string) {
	if objectKey != "" {
		if err := s.store.Delete(ctx, objectKey); err != nil {
			s.log.ErrorWithErr(fmt.Sprintf("failed to delete staged object %s", objectKey), err)
		}
	}

	if localPath != "" {
		s.removeWithRetry(localPath)
	}
}

func (s *Stager) removeWithRetry(localPath string) {
	var err error
	for attempt := 0; attempt < cleanupAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryDelay)
		}
		if err = s.removeFn(localPath); err == nil {
			return
		}
	}
	s.log.ErrorWithErr(fmt.Sprintf("failed to delete scratch file %s after %d attempts", localPath, cleanupAttempts), err)
}

// scratchPath generates a collision-free local path carrying name's extension
func (s *Stager) scratchPath(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".mp4"
	}
	return filepath.Join(s.scratchDir, uuid.New().String()+ext)
}

// objectKeyForURL derives the staging key from the URL path basename, falling
// back to a timestamped name when the basename is empty or a generic
// "download" placeholder.
func objectKeyForURL(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}

	if name == "" || name == "." || name == "/" || name == "download" {
		name = fmt.Sprintf("video_%d.mp4", time.Now().Unix())
	}

	return name
}
