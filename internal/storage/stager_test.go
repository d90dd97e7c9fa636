package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidrelay/vidrelay/internal/logging"
)

type mockStore struct {
	uploads     map[string][]byte
	deleted     []string
	uploadErr   error
	downloadErr error
	deleteErr   error
}

func newMockStore() *mockStore {
	return &mockStore{uploads: make(map[string][]byte)}
}

func (m *mockStore) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.uploads[objectName] = data
	return nil
}

func (m *mockStore) DownloadFile(ctx context.Context, objectName, filePath string) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	data, ok := m.uploads[objectName]
	if !ok {
		return errors.New("object not found")
	}
	return os.WriteFile(filePath, data, 0644)
}

func (m *mockStore) Delete(ctx context.Context, objectName string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, objectName)
	return nil
}

func newTestStager(t *testing.T, store ObjectStore) *Stager {
	t.Helper()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	stager, err := NewStager(store, t.TempDir(), log)
	require.NoError(t, err)
	stager.retryDelay = time.Millisecond

	return stager
}

func fileHeaderFor(t *testing.T, filename, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(int64(len(content)) + 10240)
	require.NoError(t, err)

	return form.File["file"][0]
}

func TestValidateUploadFile(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		wantErr     bool
	}{
		{"mp4 allowed", "clip.mp4", "video/mp4", false},
		{"mov allowed", "clip.mov", "video/quicktime", false},
		{"webm allowed", "clip.webm", "video/webm", false},
		{"uppercase extension", "CLIP.MP4", "video/mp4", false},
		{"disallowed extension", "notes.txt", "text/plain", true},
		{"no extension", "clip", "video/mp4", true},
		{"mismatched content type", "clip.mp4", "video/webm", true},
		{"generic content type", "clip.mkv", "application/octet-stream", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUploadFile(tt.filename, tt.contentType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObjectKeyForURL(t *testing.T) {
	assert.Equal(t, "movie.mp4", objectKeyForURL("https://cdn.example.com/videos/movie.mp4?sig=abc"))
	assert.Equal(t, "clip.webm", objectKeyForURL("https://example.com/a/b/clip.webm"))

	// Empty basename and the generic "download" placeholder both fall back
	// to a generated timestamped name.
	for _, raw := range []string{
		"https://example.com/",
		"https://drive.example.com/u/0/download?id=xyz",
	} {
		key := objectKeyForURL(raw)
		assert.True(t, strings.HasPrefix(key, "video_"), "got %q for %q", key, raw)
		assert.True(t, strings.HasSuffix(key, ".mp4"))
	}
}

func TestStageFromURL(t *testing.T) {
	content := []byte("fake video bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(content)
	}))
	defer server.Close()

	store := newMockStore()
	stager := newTestStager(t, store)

	localPath, key, err := stager.StageFromURL(context.Background(), server.URL+"/videos/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "movie.mp4", key)
	assert.Equal(t, content, store.uploads["movie.mp4"])

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStageFromURLOriginFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := newMockStore()
	stager := newTestStager(t, store)

	_, key, err := stager.StageFromURL(context.Background(), server.URL+"/missing.mp4")
	assert.Error(t, err)
	assert.Empty(t, key, "no object was created, no key to clean up")
	assert.Empty(t, store.uploads)
}

func TestStageFromURLDownloadFailureReturnsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	store := newMockStore()
	store.downloadErr = errors.New("connection reset")
	stager := newTestStager(t, store)

	_, key, err := stager.StageFromURL(context.Background(), server.URL+"/a/movie.mp4")
	assert.Error(t, err)
	// The object exists in intermediate storage, so the caller must still
	// receive the key for cleanup.
	assert.Equal(t, "movie.mp4", key)
}

func TestStageFromUpload(t *testing.T) {
	store := newMockStore()
	stager := newTestStager(t, store)

	fh := fileHeaderFor(t, "clip.mp4", "video/mp4", []byte("direct upload bytes"))

	localPath, err := stager.StageFromUpload(context.Background(), fh)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(localPath, ".mp4"))

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("direct upload bytes"), got)
}

func TestStageFromUploadRejectsDisallowedFile(t *testing.T) {
	store := newMockStore()
	stager := newTestStager(t, store)

	fh := fileHeaderFor(t, "malware.exe", "application/octet-stream", []byte("nope"))

	_, err := stager.StageFromUpload(context.Background(), fh)
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	store := newMockStore()
	stager := newTestStager(t, store)

	scratch := stager.scratchPath("clip.mp4")
	require.NoError(t, os.WriteFile(scratch, []byte("x"), 0644))

	stager.Cleanup(context.Background(), scratch, "clip.mp4")

	assert.Equal(t, []string{"clip.mp4"}, store.deleted)
	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupRetriesLocalDelete(t *testing.T) {
	store := newMockStore()
	stager := newTestStager(t, store)

	calls := 0
	stager.removeFn = func(path string) error {
		calls++
		if calls < 3 {
			return errors.New("file busy")
		}
		return nil
	}

	// Two transient failures then success must be absorbed silently.
	stager.Cleanup(context.Background(), "/tmp/whatever.mp4", "")
	assert.Equal(t, 3, calls)
}

func TestCleanupFailuresNeverEscalate(t *testing.T) {
	store := newMockStore()
	store.deleteErr = errors.New("storage unreachable")
	stager := newTestStager(t, store)

	stager.removeFn = func(path string) error {
		return errors.New("permission denied")
	}

	// Must not panic and must not return anything to escalate.
	stager.Cleanup(context.Background(), "/tmp/gone.mp4", "stuck-object.mp4")
}
