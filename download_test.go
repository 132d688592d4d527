package moosez

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// rangeServer serves data with byte-range support and counts GET requests.
func rangeServer(t *testing.T, data []byte, gets *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets != nil {
			atomic.AddInt32(gets, 1)
		}
		http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func testJobs(prefix string, ranges []byteRange) []chunkJob {
	jobs := make([]chunkJob, len(ranges))
	for i, rng := range ranges {
		jobs[i] = chunkJob{key: prefix + "-" + string(rune('a'+i)), index: i, rng: rng}
	}
	return jobs
}

func readChunks(t *testing.T, cache *chunkCache, jobs []chunkJob) []byte {
	t.Helper()
	var out []byte
	for _, job := range jobs {
		f, err := cache.open(job.key)
		if err != nil {
			t.Fatalf("chunk %s not in cache: %v", job.key, err)
		}
		b, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, b...)
	}
	return out
}

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name      string
		info      archiveInfo
		chunkSize int64
		want      []byteRange
	}{
		{
			name:      "no range support",
			info:      archiveInfo{size: 100},
			chunkSize: 30,
			want:      []byteRange{{whole: true}},
		},
		{
			name:      "unknown size",
			info:      archiveInfo{size: -1, acceptRanges: true},
			chunkSize: 30,
			want:      []byteRange{{whole: true}},
		},
		{
			name:      "uneven split",
			info:      archiveInfo{size: 100, acceptRanges: true},
			chunkSize: 30,
			want:      []byteRange{{start: 0, end: 29}, {start: 30, end: 59}, {start: 60, end: 89}, {start: 90, end: 99}},
		},
		{
			name:      "exact split",
			info:      archiveInfo{size: 60, acceptRanges: true},
			chunkSize: 30,
			want:      []byteRange{{start: 0, end: 29}, {start: 30, end: 59}},
		},
		{
			name:      "chunk larger than archive",
			info:      archiveInfo{size: 10, acceptRanges: true},
			chunkSize: 30,
			want:      []byteRange{{start: 0, end: 9}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := planChunks(tt.info, tt.chunkSize)
			if len(got) != len(tt.want) {
				t.Fatalf("planChunks() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkPrefix(t *testing.T) {
	base := chunkPrefix("https://example.com/a.zip", 100, 30)
	if base != chunkPrefix("https://example.com/a.zip", 100, 30) {
		t.Error("chunkPrefix() should be stable")
	}
	for name, other := range map[string]string{
		"url":        chunkPrefix("https://example.com/b.zip", 100, 30),
		"size":       chunkPrefix("https://example.com/a.zip", 101, 30),
		"chunk size": chunkPrefix("https://example.com/a.zip", 100, 31),
	} {
		if other == base {
			t.Errorf("chunkPrefix() unchanged when %s changes", name)
		}
	}
}

func TestByteRange(t *testing.T) {
	r := byteRange{start: 10, end: 19}
	if r.length() != 10 {
		t.Errorf("length() = %d, want 10", r.length())
	}
	if r.header() != "bytes=10-19" {
		t.Errorf("header() = %q, want bytes=10-19", r.header())
	}
	if (byteRange{whole: true}).length() != -1 {
		t.Error("whole range length should be -1")
	}
}

func TestChunkCache(t *testing.T) {
	t.Run("write then open", func(t *testing.T) {
		cache := newChunkCache(t.TempDir())

		data := []byte("chunk data")
		err := cache.write("abc", func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
		if err != nil {
			t.Fatalf("write() error = %v", err)
		}

		size, ok := cache.size("abc")
		if !ok || size != int64(len(data)) {
			t.Errorf("size() = %d, %v; want %d, true", size, ok, len(data))
		}
		f, err := cache.open("abc")
		if err != nil {
			t.Fatalf("open() error = %v", err)
		}
		defer f.Close()
		got, _ := io.ReadAll(f)
		if string(got) != string(data) {
			t.Errorf("content = %q, want %q", got, data)
		}
	})

	t.Run("failed write leaves nothing", func(t *testing.T) {
		dir := t.TempDir()
		cache := newChunkCache(dir)

		err := cache.write("broken", func(w io.Writer) error {
			w.Write([]byte("partial"))
			return errors.New("connection reset")
		})
		if err == nil {
			t.Fatal("write() should return the fill error")
		}
		if _, ok := cache.size("broken"); ok {
			t.Error("failed chunk should not be cached")
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("cache dir holds %d entries, want 0", len(entries))
		}
	})

	t.Run("missing chunk", func(t *testing.T) {
		cache := newChunkCache(t.TempDir())
		if _, ok := cache.size("nonexistent"); ok {
			t.Error("size() returned true for missing chunk")
		}
	})

	t.Run("delete", func(t *testing.T) {
		cache := newChunkCache(t.TempDir())
		cache.write("todelete", func(w io.Writer) error {
			_, err := w.Write([]byte("data"))
			return err
		})

		if err := cache.delete("todelete"); err != nil {
			t.Fatalf("delete() error = %v", err)
		}
		if _, ok := cache.size("todelete"); ok {
			t.Error("chunk should be gone after delete")
		}
		if err := cache.delete("nonexistent"); err != nil {
			t.Errorf("delete() of missing chunk error = %v, want nil", err)
		}
	})

	t.Run("cleanup removes old files", func(t *testing.T) {
		dir := t.TempDir()
		cache := newChunkCache(dir)

		oldFile := filepath.Join(dir, "oldchunk")
		if err := os.WriteFile(oldFile, []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
		oldTime := time.Now().Add(-48 * time.Hour)
		if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
			t.Fatal(err)
		}
		cache.write("newchunk", func(w io.Writer) error {
			_, err := w.Write([]byte("new"))
			return err
		})

		if err := cache.cleanup(24 * time.Hour); err != nil {
			t.Fatalf("cleanup() error = %v", err)
		}
		if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
			t.Error("old file should have been removed")
		}
		if _, ok := cache.size("newchunk"); !ok {
			t.Error("new chunk should still exist")
		}
	})

	t.Run("cleanup on nonexistent directory is not an error", func(t *testing.T) {
		cache := newChunkCache(filepath.Join(t.TempDir(), "missing"))
		if err := cache.cleanup(24 * time.Hour); err != nil {
			t.Errorf("cleanup() error = %v, want nil", err)
		}
	})
}

func TestProbe(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	t.Run("size and range support", func(t *testing.T) {
		server := rangeServer(t, data, nil)
		client := newArchiveClient(server.Client(), nil, time.Millisecond)

		info, err := client.probe(context.Background(), server.URL)
		if err != nil {
			t.Fatalf("probe() error = %v", err)
		}
		if info.size != 1000 || !info.acceptRanges {
			t.Errorf("probe() = %+v, want size 1000 with ranges", info)
		}
	})

	t.Run("not found", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		defer server.Close()
		client := newArchiveClient(server.Client(), nil, time.Millisecond)

		_, err := client.probe(context.Background(), server.URL)
		if !errors.Is(err, ErrDownloadError) {
			t.Errorf("probe() error = %v, want ErrDownloadError", err)
		}
	})

	t.Run("HEAD rejected falls back to plain GET", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
		defer server.Close()
		client := newArchiveClient(server.Client(), nil, time.Millisecond)

		info, err := client.probe(context.Background(), server.URL)
		if err != nil {
			t.Fatalf("probe() error = %v", err)
		}
		if info.size != -1 || info.acceptRanges {
			t.Errorf("probe() = %+v, want unknown size without ranges", info)
		}
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", ErrNetworkError, true},
		{"server error", &statusError{code: http.StatusServiceUnavailable}, true},
		{"rate limited", &statusError{code: http.StatusTooManyRequests}, true},
		{"forbidden", &statusError{code: http.StatusForbidden}, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDownloadChunks(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	ranges := planChunks(archiveInfo{size: int64(len(data)), acceptRanges: true}, 300)

	t.Run("successful download of multiple chunks", func(t *testing.T) {
		server := rangeServer(t, data, nil)
		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)
		jobs := testJobs("ok", ranges)

		var progressCalls int32
		err := engine.downloadChunks(context.Background(), server.URL, jobs, 2, func(completed, total int, bytesDownloaded, bytesInProgress int64) {
			atomic.AddInt32(&progressCalls, 1)
		})
		if err != nil {
			t.Fatalf("downloadChunks() error = %v", err)
		}
		if atomic.LoadInt32(&progressCalls) < int32(len(jobs)) {
			t.Errorf("progressFn called %d times, want at least %d", progressCalls, len(jobs))
		}
		if got := readChunks(t, cache, jobs); !bytes.Equal(got, data) {
			t.Error("reassembled chunks differ from the archive")
		}
	})

	t.Run("whole archive without ranges", func(t *testing.T) {
		server := rangeServer(t, data, nil)
		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)
		jobs := testJobs("whole", []byteRange{{whole: true}})

		if err := engine.downloadChunks(context.Background(), server.URL, jobs, 4, nil); err != nil {
			t.Fatalf("downloadChunks() error = %v", err)
		}
		if got := readChunks(t, cache, jobs); !bytes.Equal(got, data) {
			t.Error("downloaded archive differs")
		}
	})

	t.Run("cache is used on second call", func(t *testing.T) {
		var gets int32
		server := rangeServer(t, data, &gets)
		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)
		jobs := testJobs("cached", ranges)

		if err := engine.downloadChunks(context.Background(), server.URL, jobs, 2, nil); err != nil {
			t.Fatalf("first downloadChunks() error = %v", err)
		}
		first := atomic.LoadInt32(&gets)
		if first != int32(len(jobs)) {
			t.Errorf("server hits = %d, want %d", first, len(jobs))
		}

		if err := engine.downloadChunks(context.Background(), server.URL, jobs, 2, nil); err != nil {
			t.Fatalf("second downloadChunks() error = %v", err)
		}
		if atomic.LoadInt32(&gets) != first {
			t.Errorf("server hits after second call = %d, want %d (should use cache)", gets, first)
		}
	})

	t.Run("truncated cached chunk is refetched", func(t *testing.T) {
		var gets int32
		server := rangeServer(t, data, &gets)
		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)
		jobs := testJobs("trunc", ranges[:1])

		cache.write(jobs[0].key, func(w io.Writer) error {
			_, err := w.Write(data[:10])
			return err
		})

		if err := engine.downloadChunks(context.Background(), server.URL, jobs, 1, nil); err != nil {
			t.Fatalf("downloadChunks() error = %v", err)
		}
		if atomic.LoadInt32(&gets) != 1 {
			t.Errorf("server hits = %d, want 1", gets)
		}
		if got := readChunks(t, cache, jobs); !bytes.Equal(got, data[:300]) {
			t.Error("chunk was not replaced")
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			http.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(data))
		}))
		defer server.Close()

		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)
		jobs := testJobs("retry", ranges[:1])

		if err := engine.downloadChunks(context.Background(), server.URL, jobs, 1, nil); err != nil {
			t.Fatalf("downloadChunks() error = %v", err)
		}
		if atomic.LoadInt32(&calls) != 3 {
			t.Errorf("server calls = %d, want 3", calls)
		}
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)

		err := engine.downloadChunks(context.Background(), server.URL, testJobs("denied", ranges[:1]), 1, nil)
		if !errors.Is(err, ErrDownloadError) {
			t.Errorf("downloadChunks() error = %v, want ErrDownloadError", err)
		}
		if atomic.LoadInt32(&calls) != 1 {
			t.Errorf("server calls = %d, want 1", calls)
		}
	})

	t.Run("network error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)

		err := engine.downloadChunks(context.Background(), server.URL, testJobs("net", ranges[:1]), 1, nil)
		if !errors.Is(err, ErrNetworkError) {
			t.Errorf("downloadChunks() error = %v, want ErrNetworkError", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer server.Close()

		cache := newChunkCache(t.TempDir())
		engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), cache, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		err := engine.downloadChunks(ctx, server.URL, testJobs("cancel", ranges[:1]), 1, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("downloadChunks() error = %v, want context.Canceled", err)
		}
	})

	t.Run("empty job list", func(t *testing.T) {
		engine := newDownloadEngine(newArchiveClient(http.DefaultClient, nil, time.Millisecond), newChunkCache(t.TempDir()), nil)
		if err := engine.downloadChunks(context.Background(), "http://unused", nil, 1, nil); err != nil {
			t.Errorf("downloadChunks() error = %v, want nil", err)
		}
	})
}

func TestDownloadEngineWithLogger(t *testing.T) {
	data := []byte("logged chunk")
	server := rangeServer(t, data, nil)

	logger := &testLogger{}
	engine := newDownloadEngine(newArchiveClient(server.Client(), nil, time.Millisecond), newChunkCache(t.TempDir()), logger)

	err := engine.downloadChunks(context.Background(), server.URL, testJobs("log", []byteRange{{whole: true}}), 1, nil)
	if err != nil {
		t.Fatalf("downloadChunks() error = %v", err)
	}
	if len(logger.messages) == 0 {
		t.Error("expected logger.Debug to be called")
	}
}
