package moosez

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// chunkStreamReader provides an io.Reader over a sequence of cached chunks.
// Chunks are deleted as soon as they are fully consumed to keep peak disk
// usage near one archive size.
type chunkStreamReader struct {
	keys  []string
	cache *chunkCache

	// next is the index of the next chunk to open.
	next int

	// current is the chunk being read, nil between chunks.
	current    *os.File
	currentKey string
}

func newChunkStreamReader(keys []string, cache *chunkCache) *chunkStreamReader {
	return &chunkStreamReader{keys: keys, cache: cache}
}

// Read implements io.Reader, reading sequentially through all chunks.
func (r *chunkStreamReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= len(r.keys) {
				return 0, io.EOF
			}
			key := r.keys[r.next]
			f, err := r.cache.open(key)
			if err != nil {
				return 0, fmt.Errorf("chunk %s not found in cache", key)
			}
			r.current, r.currentKey = f, key
			r.next++
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.cache.delete(r.currentKey)
			r.current, r.currentKey = nil, ""
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close releases the chunk currently open, if any.
func (r *chunkStreamReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

var _ io.ReadCloser = (*chunkStreamReader)(nil)

// assembleArchive concatenates chunks into path and returns the SHA-256 of
// the archive and its size.
func assembleArchive(ctx context.Context, keys []string, cache *chunkCache, path string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer out.Close()

	reader := newChunkStreamReader(keys, cache)
	defer reader.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		return "", n, fmt.Errorf("assembling archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", n, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ctxReader stops a long copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// extractArchive unpacks the zip at archivePath into dest. Entries that
// would land outside dest are rejected. The progressFn receives each entry
// name; the number of files written is returned.
func extractArchive(ctx context.Context, archivePath, dest string, progressFn func(name string)) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	files := 0
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		target, err := safeJoin(root, entry.Name)
		if err != nil {
			return files, err
		}
		if progressFn != nil {
			progressFn(entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("%w: %v", ErrStorageError, err)
			}
			continue
		}
		if err := extractFile(entry, target); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

// safeJoin joins an archive entry name to root, refusing to escape it.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: absolute entry %q", ErrInvalidArchive, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes target directory", ErrInvalidArchive, name)
	}
	return target, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, entry.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	written, err := io.Copy(out, src)
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrInvalidArchive, entry.Name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, closeErr)
	}
	if uint64(written) != entry.UncompressedSize64 {
		return fmt.Errorf("%w: %s: wrote %d bytes, expected %d", ErrInvalidArchive, entry.Name, written, entry.UncompressedSize64)
	}
	return nil
}
