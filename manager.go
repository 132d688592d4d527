package moosez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// manager is the concrete implementation of the Manager interface.
type manager struct {
	cfg     Config
	logger  Logger
	catalog *Catalog
	storage storageInterface
	client  *archiveClient

	// downloadMu serializes pull operations within the process.
	downloadMu sync.Mutex
}

func (m *manager) Catalog() *Catalog {
	return m.catalog
}

func (m *manager) ResultsDir() string {
	return m.storage.resultsPath()
}

func (m *manager) ListInstalled(ctx context.Context) ([]InstalledModel, error) {
	idx, err := m.storage.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	models := make([]InstalledModel, 0, len(idx))
	for name, entry := range idx {
		models = append(models, m.installedModel(name, entry))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

func (m *manager) GetInstalled(ctx context.Context, name string) (InstalledModel, error) {
	idx, err := m.storage.loadIndex()
	if err != nil {
		return InstalledModel{}, fmt.Errorf("loading index: %w", err)
	}
	entry, ok := idx[name]
	if !ok {
		return InstalledModel{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	// An index entry whose directory vanished is not installed.
	if _, err := os.Stat(m.storage.datasetPath(entry.Directory)); err != nil {
		return InstalledModel{}, fmt.Errorf("%w: %s (dataset directory missing)", ErrNotInstalled, name)
	}
	return m.installedModel(name, entry), nil
}

func (m *manager) installedModel(name string, e installedEntry) InstalledModel {
	return InstalledModel{
		Name:        name,
		URL:         e.URL,
		ArchiveHash: e.ArchiveHash,
		ArchiveSize: e.ArchiveSize,
		FileCount:   e.FileCount,
		InstalledAt: e.InstalledAt,
		Path:        m.storage.datasetPath(e.Directory),
	}
}

func (m *manager) EnsureInstalled(ctx context.Context, name string, opts ...PullOption) error {
	if _, err := m.GetInstalled(ctx, name); err == nil {
		m.logger.Debug("model already installed", "model", name)
		return nil
	}
	err := m.Pull(ctx, name, opts...)
	if errors.Is(err, ErrAlreadyInstalled) {
		return nil
	}
	return err
}

// Pull downloads the archive in byte-range chunks, assembles and verifies
// it, extracts it into a staging directory and finally swaps the dataset
// directory into the results folder.
func (m *manager) Pull(ctx context.Context, name string, opts ...PullOption) error {
	cfg := newPullConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	model, err := m.catalog.Lookup(name)
	if err != nil {
		return err
	}
	if !model.Downloadable() {
		return fmt.Errorf("%w: %s", ErrNoWeights, name)
	}

	m.downloadMu.Lock()
	defer m.downloadMu.Unlock()

	// Cross-process lock for this model.
	pullLock, err := newFileLock(m.storage.lockPath(name), DefaultLockTimeout)
	if err != nil {
		return fmt.Errorf("%w: failed to create pull lock: %v", ErrStorageError, err)
	}
	if err := pullLock.LockContext(ctx); err != nil {
		return fmt.Errorf("%w: another process is pulling %s: %v", ErrStorageError, name, err)
	}
	defer pullLock.Unlock()

	if !cfg.force {
		if _, err := m.GetInstalled(ctx, name); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, name)
		}
	}

	progress := func(p PullProgress) {
		if cfg.progressFn != nil {
			p.Model = name
			cfg.progressFn(p)
		}
	}

	progress(PullProgress{Phase: PhaseProbe})
	info, err := m.client.probe(ctx, model.URL)
	if err != nil {
		return err
	}
	m.logger.Info("downloading model", "model", name, "url", model.URL, "size", info.size, "ranges", info.acceptRanges)

	ranges := planChunks(info, cfg.chunkSize)
	prefix := chunkPrefix(model.URL, info.size, cfg.chunkSize)
	jobs := make([]chunkJob, len(ranges))
	keys := make([]string, len(ranges))
	for i, rng := range ranges {
		keys[i] = fmt.Sprintf("%s-%04d", prefix, i)
		jobs[i] = chunkJob{key: keys[i], index: i, rng: rng}
	}

	progress(PullProgress{Phase: PhaseDownload, ChunksTotal: len(jobs), BytesTotal: info.size})

	cache := newChunkCache(m.storage.chunkCachePath())
	cache.cleanup(ChunkCacheMaxAge)
	engine := newDownloadEngine(m.client, cache, m.logger)
	err = engine.downloadChunks(ctx, model.URL, jobs, cfg.concurrency, func(completed, total int, bytesDownloaded, bytesInProgress int64) {
		var done int64
		for _, rng := range ranges[:completed] {
			done += rng.length()
		}
		if done < 0 || info.size < 0 {
			done = bytesDownloaded
		}
		progress(PullProgress{
			Phase:           PhaseDownload,
			ChunksTotal:     total,
			ChunksCompleted: completed,
			BytesTotal:      info.size,
			BytesCompleted:  done,
			BytesDownloaded: bytesDownloaded,
			BytesInProgress: bytesInProgress,
		})
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}

	staging := filepath.Join(m.storage.stagingPath(), name)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer os.RemoveAll(staging)

	archivePath := filepath.Join(staging, model.Filename)
	if model.Filename == "" {
		archivePath = filepath.Join(staging, name+".zip")
	}
	hash, size, err := assembleArchive(ctx, keys, cache, archivePath)
	if err != nil {
		return err
	}
	if model.SHA256 != "" && !strings.EqualFold(hash, model.SHA256) {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrHashMismatch, name, hash, model.SHA256)
	}

	progress(PullProgress{Phase: PhaseExtract, ChunksTotal: len(jobs), ChunksCompleted: len(jobs), BytesTotal: size, BytesCompleted: size})
	extracted := filepath.Join(staging, "extracted")
	files, err := extractArchive(ctx, archivePath, extracted, func(entry string) {
		progress(PullProgress{Phase: PhaseExtract, BytesTotal: size, BytesCompleted: size, CurrentFile: entry})
	})
	if err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}

	dataset := filepath.Join(extracted, model.Directory)
	if st, err := os.Stat(dataset); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s does not contain %s", ErrInvalidArchive, model.Filename, model.Directory)
	}
	if err := m.storage.removeDataset(model.Directory); err != nil {
		return err
	}
	if err := os.Rename(dataset, m.storage.datasetPath(model.Directory)); err != nil {
		return fmt.Errorf("%w: installing dataset: %v", ErrStorageError, err)
	}

	entry := installedEntry{
		URL:         model.URL,
		Directory:   model.Directory,
		ArchiveHash: hash,
		ArchiveSize: size,
		FileCount:   files,
		InstalledAt: time.Now().UTC(),
	}
	err = m.storage.updateIndex(func(idx installedIndex) error {
		idx[name] = entry
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving index: %w", err)
	}

	m.logger.Info("model installed", "model", name, "path", m.storage.datasetPath(model.Directory), "files", files, "sha256", hash)
	return nil
}

// Remove deletes the dataset directory unless another installed model
// shares it.
func (m *manager) Remove(ctx context.Context, name string) error {
	err := m.storage.updateIndex(func(idx installedIndex) error {
		entry, ok := idx[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInstalled, name)
		}

		shared := false
		for other, e := range idx {
			if other != name && e.Directory == entry.Directory {
				shared = true
				break
			}
		}
		if !shared {
			if err := m.storage.removeDataset(entry.Directory); err != nil {
				return fmt.Errorf("removing dataset: %w", err)
			}
		}
		delete(idx, name)
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("model removed", "model", name)
	return nil
}

func (m *manager) Path(ctx context.Context, name string) (string, error) {
	installed, err := m.GetInstalled(ctx, name)
	if err != nil {
		return "", err
	}
	return installed.Path, nil
}

func (m *manager) PruneCache(ctx context.Context) error {
	return m.storage.removeChunkCache()
}
