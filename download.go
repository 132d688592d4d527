package moosez

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkCacheMaxAge is the maximum age for cached chunks before cleanup.
const ChunkCacheMaxAge = 24 * time.Hour

// planChunks splits an archive of the given size into byte ranges.
// Without range support (or an unknown size) the archive is one whole chunk.
func planChunks(info archiveInfo, chunkSize int64) []byteRange {
	if !info.acceptRanges || info.size <= 0 || chunkSize <= 0 {
		return []byteRange{{whole: true}}
	}
	var ranges []byteRange
	for start := int64(0); start < info.size; start += chunkSize {
		end := start + chunkSize - 1
		if end >= info.size {
			end = info.size - 1
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// chunkPrefix names the chunks of one download plan. It changes whenever
// the URL, the archive size or the chunk size does, so stale chunks of an
// older plan are never reused.
func chunkPrefix(url string, size, chunkSize int64) string {
	h := sha256.Sum256([]byte(url + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(chunkSize, 10)))
	return hex.EncodeToString(h[:8])
}

// chunkJob represents a unit of work for the download worker pool.
type chunkJob struct {
	// key names the chunk file in the cache.
	key string

	// index is the position of this chunk in the sequence.
	index int

	// rng is the byte range to fetch.
	rng byteRange
}

// downloadResult contains the result of a chunk download operation.
type downloadResult struct {
	index int
	err   error

	// bytesDownloaded is the bytes fetched from network (0 if from cache).
	bytesDownloaded int64
}

// chunkCache manages temporary storage of downloaded chunks.
type chunkCache struct {
	cacheDir string
	mu       sync.RWMutex
}

func newChunkCache(cacheDir string) *chunkCache {
	return &chunkCache{cacheDir: cacheDir}
}

func (c *chunkCache) chunkPath(key string) string {
	return filepath.Join(c.cacheDir, key)
}

// size returns the size of a cached chunk and whether it exists.
func (c *chunkCache) size(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := os.Stat(c.chunkPath(key))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// open returns a reader for a cached chunk.
func (c *chunkCache) open(key string) (*os.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return os.Open(c.chunkPath(key))
}

// write stores a chunk by streaming fill into a part file that is renamed
// into place only when fill succeeds.
func (c *chunkCache) write(key string, fill func(w io.Writer) error) error {
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	part := c.chunkPath(key) + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating chunk: %w", err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("closing chunk: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Rename(part, c.chunkPath(key)); err != nil {
		os.Remove(part)
		return fmt.Errorf("storing chunk: %w", err)
	}
	return nil
}

func (c *chunkCache) delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.chunkPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting chunk from cache: %w", err)
	}
	return nil
}

// cleanup removes all cached chunks older than maxAge.
func (c *chunkCache) cleanup(maxAge time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(c.cacheDir, entry.Name()))
		}
	}
	return nil
}

// downloadEngine orchestrates the parallel download of archive chunks.
type downloadEngine struct {
	client *archiveClient
	cache  *chunkCache
	logger Logger

	// wg tracks active download workers for graceful shutdown.
	wg sync.WaitGroup

	// bytesInProgress tracks bytes currently being downloaded across all workers.
	bytesInProgress int64
}

func newDownloadEngine(client *archiveClient, cache *chunkCache, logger Logger) *downloadEngine {
	return &downloadEngine{
		client: client,
		cache:  cache,
		logger: orNop(logger),
	}
}

// downloadChunks fetches every chunk of url with parallel workers. The
// progressFn is called after each chunk completes and once per second with
// (completed, total, bytesDownloaded, bytesInProgress).
func (d *downloadEngine) downloadChunks(ctx context.Context, url string, jobs []chunkJob, concurrency int, progressFn func(completed, total int, bytesDownloaded, bytesInProgress int64)) error {
	if len(jobs) == 0 {
		return nil
	}
	if concurrency > len(jobs) {
		concurrency = len(jobs)
	}

	atomic.StoreInt64(&d.bytesInProgress, 0)

	jobCh := make(chan chunkJob, len(jobs))
	results := make(chan downloadResult, len(jobs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.worker(ctx, url, jobCh, results)
	}
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var (
		firstErr             error
		completed            int
		totalBytesDownloaded int64
		progressMu           sync.Mutex
		progressDone         chan struct{}
	)
	total := len(jobs)

	if progressFn != nil {
		ticker := time.NewTicker(time.Second)
		progressDone = make(chan struct{})
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					progressMu.Lock()
					progressFn(completed, total, totalBytesDownloaded, atomic.LoadInt64(&d.bytesInProgress))
					progressMu.Unlock()
				case <-progressDone:
					return
				}
			}
		}()
	}

resultLoop:
	for completed < total {
		select {
		case result := <-results:
			if result.err != nil && firstErr == nil {
				firstErr = result.err
				cancel()
			}
			progressMu.Lock()
			completed++
			totalBytesDownloaded += result.bytesDownloaded
			if progressFn != nil {
				progressFn(completed, total, totalBytesDownloaded, atomic.LoadInt64(&d.bytesInProgress))
			}
			progressMu.Unlock()
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break resultLoop
		}
	}

	if progressDone != nil {
		close(progressDone)
	}
	d.wg.Wait()
	return firstErr
}

func (d *downloadEngine) worker(ctx context.Context, url string, jobs <-chan chunkJob, results chan<- downloadResult) {
	defer d.wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			results <- downloadResult{index: job.index, err: ctx.Err()}
			continue
		}
		n, err := d.downloadChunk(ctx, url, job)
		results <- downloadResult{index: job.index, err: err, bytesDownloaded: n}
	}
}

// downloadChunk downloads a single chunk unless a complete copy is cached.
// Returns the bytes fetched from the network (0 for cache hits).
func (d *downloadEngine) downloadChunk(ctx context.Context, url string, job chunkJob) (int64, error) {
	if size, ok := d.cache.size(job.key); ok {
		if want := job.rng.length(); want < 0 || size == want {
			d.logger.Debug("chunk cache hit", "chunk", job.key)
			return 0, nil
		}
		d.cache.delete(job.key)
	}

	var fetched int64
	err := d.client.withRetry(ctx, job.key, func() error {
		var inFlight int64
		err := d.cache.write(job.key, func(w io.Writer) error {
			n, err := d.client.fetchRange(ctx, url, job.rng, w, func(delta int64) {
				atomic.AddInt64(&d.bytesInProgress, delta)
				inFlight += delta
			})
			fetched = n
			return err
		})
		atomic.AddInt64(&d.bytesInProgress, -inFlight)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("downloading chunk %d: %w", job.index, err)
	}

	d.logger.Debug("chunk downloaded", "chunk", job.key, "size", fetched)
	return fetched, nil
}
