package moosez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// archiveInfo is what a HEAD request tells us about a model archive.
type archiveInfo struct {
	// size is the archive length in bytes, or -1 when the server doesn't say.
	size int64

	// acceptRanges reports byte-range support.
	acceptRanges bool
}

// byteRange is an inclusive byte range of the archive. A whole range
// (whole == true) requests the entire body without a Range header.
type byteRange struct {
	start, end int64
	whole      bool
}

func (r byteRange) length() int64 {
	if r.whole {
		return -1
	}
	return r.end - r.start + 1
}

func (r byteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.start, r.end)
}

// statusError carries an unexpected HTTP status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// retryable reports whether a failed request is worth repeating.
func retryable(err error) bool {
	if errors.Is(err, ErrNetworkError) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return false
}

// archiveClient handles HTTP communication with the model archive host.
type archiveClient struct {
	httpClient HTTPClient
	logger     Logger

	// backoff is the wait before the first retry; it doubles up to MaxBackoff.
	backoff time.Duration
}

func newArchiveClient(client HTTPClient, logger Logger, backoff time.Duration) *archiveClient {
	return &archiveClient{
		httpClient: client,
		logger:     orNop(logger),
		backoff:    backoff,
	}
}

// probe issues a HEAD request for the archive.
func (c *archiveClient) probe(ctx context.Context, url string) (archiveInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return archiveInfo{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return archiveInfo{}, fmt.Errorf("probing %s: %w: %v", url, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return archiveInfo{}, fmt.Errorf("probing %s: %w: not found", url, ErrDownloadError)
	case resp.StatusCode != http.StatusOK:
		// Some hosts reject HEAD; fall back to a single plain GET.
		c.logger.Debug("archive probe unsupported", "url", url, "status", resp.StatusCode)
		return archiveInfo{size: -1}, nil
	}

	info := archiveInfo{size: resp.ContentLength}
	if info.size < 0 {
		if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			info.size = v
		}
	}
	info.acceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") && info.size > 0
	return info, nil
}

// fetchRange streams one range of the archive into w and returns the bytes written.
// The onProgress callback receives deltas as bytes arrive.
func (c *archiveClient) fetchRange(ctx context.Context, url string, rng byteRange, w io.Writer, onProgress func(delta int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if !rng.whole {
		req.Header.Set("Range", rng.header())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("fetching %s: %w: %v", url, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	want := http.StatusOK
	if !rng.whole {
		want = http.StatusPartialContent
	}
	if resp.StatusCode != want {
		return 0, fmt.Errorf("fetching %s: %w: %w", url, ErrDownloadError, &statusError{code: resp.StatusCode})
	}

	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{reader: resp.Body, onProgress: onProgress}
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("reading %s: %w: %v", url, ErrNetworkError, err)
	}
	if l := rng.length(); l >= 0 && n != l {
		return n, fmt.Errorf("reading %s: got %d bytes, want %d: %w", url, n, l, ErrNetworkError)
	}
	return n, nil
}

// withRetry runs fn up to 1+MaxRetries times while it fails with a
// retryable error, sleeping with exponential backoff in between.
func (c *archiveClient) withRetry(ctx context.Context, what string, fn func() error) error {
	wait := c.backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= MaxRetries {
			return err
		}
		c.logger.Warn("request failed, retrying", "what", what, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > MaxBackoff {
			wait = MaxBackoff
		}
	}
}

// progressReader wraps an io.Reader and reports progress as bytes are read.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
