package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"
)

// Chunk size is inherited from the transfer implementation rather than
// chosen here, and stays a multiple of the platform's 256 KiB granule.
const chunkSize = int64(googleapi.DefaultUploadChunkSize)

// resumableSession is one resumable upload: an init call negotiated the
// session URL, then chunks are PUT with Content-Range until the platform
// answers with the terminal video resource instead of a 308.
type resumableSession struct {
	client    *http.Client
	file      *os.File
	size      int64
	offset    int64
	chunkSize int64
	uploadURL string
	userAgent string
}

// openResumable starts a session: POST the video resource description, read
// the session URL from the Location header.
func (p *Publisher) openResumable(ctx context.Context, client *http.Client, localPath string, video *yt.Video, notifySubscribers bool) (TransferSession, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat staged file: %w", err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("staged file %s is empty", localPath)
	}

	body, err := json.Marshal(video)
	if err != nil {
		f.Close()
		return nil, err
	}

	query := url.Values{}
	query.Set("uploadType", "resumable")
	query.Set("part", "snippet,status")
	query.Set("notifySubscribers", strconv.FormatBool(notifySubscribers))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		f.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(fi.Size(), 10))
	req.Header.Set("X-Upload-Content-Type", videoContentType(localPath))

	resp, err := client.Do(req)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("session init failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.Close()
		return nil, fmt.Errorf("session init failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		f.Close()
		return nil, fmt.Errorf("session init returned no location header")
	}

	return &resumableSession{
		client:    client,
		file:      f,
		size:      fi.Size(),
		chunkSize: chunkSize,
		uploadURL: location,
		userAgent: p.userAgent,
	}, nil
}

// SendChunk PUTs the next chunk. A 308 is an intermediate progress signal;
// the committed offset comes back in the Range header. 200/201 carry the
// terminal video resource.
func (s *resumableSession) SendChunk(ctx context.Context) (*ChunkResult, error) {
	n := s.size - s.offset
	if n > s.chunkSize {
		n = s.chunkSize
	}

	section := io.NewSectionReader(s.file, s.offset, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.uploadURL, section)
	if err != nil {
		return nil, err
	}
	req.ContentLength = n
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", s.offset, s.offset+n-1, s.size))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPermanentRedirect: // 308: more remains
		if end, ok := parseRangeEnd(resp.Header.Get("Range")); ok {
			s.offset = end + 1
		} else {
			s.offset += n
		}
		return &ChunkResult{Fraction: float64(s.offset) / float64(s.size)}, nil

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var video yt.Video
		if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
			return nil, fmt.Errorf("failed to decode terminal response: %w", err)
		}
		return &ChunkResult{Fraction: 1, Video: &video}, nil

	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chunk upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}

// Close releases the staged file handle
func (s *resumableSession) Close() error {
	return s.file.Close()
}

// parseRangeEnd extracts the committed end offset from a "bytes=0-N" header
func parseRangeEnd(rng string) (int64, bool) {
	rng = strings.TrimPrefix(rng, "bytes=")
	idx := strings.LastIndex(rng, "-")
	if idx < 0 {
		return 0, false
	}
	end, err := strconv.ParseInt(rng[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return end, true
}

func videoContentType(localPath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		return ct
	}
	return "video/mp4"
}
