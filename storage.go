package moosez

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLockTimeout is the default timeout for acquiring file locks.
const DefaultLockTimeout = 30 * time.Second

// resultsDirName is the nnU-Net results folder below the storage base.
const resultsDirName = "nnunet_trained_models"

// installedIndex represents the contents of the local installed.json file.
type installedIndex map[string]installedEntry

// installedEntry represents a single entry in installed.json.
type installedEntry struct {
	// URL is the archive the model was installed from.
	URL string `json:"url"`

	// Directory is the dataset directory below the results folder.
	Directory string `json:"directory"`

	// ArchiveHash is the SHA-256 of the downloaded archive.
	ArchiveHash string `json:"archive_hash"`

	// ArchiveSize is the archive size in bytes.
	ArchiveSize int64 `json:"archive_size"`

	// FileCount is the number of extracted files.
	FileCount int `json:"file_count"`

	// InstalledAt is when the model was installed.
	InstalledAt time.Time `json:"installed_at"`
}

// storageInterface defines operations for local filesystem management.
// Implemented by *storage for production and in-memory fakes for tests.
type storageInterface interface {
	// loadIndex reads and parses installed.json.
	loadIndex() (installedIndex, error)

	// updateIndex applies fn to installed.json under its cross-process
	// lock and atomically writes the result.
	updateIndex(fn func(installedIndex) error) error

	// resultsPath returns the nnU-Net results folder.
	resultsPath() string

	// datasetPath returns the directory a dataset is extracted to.
	datasetPath(directory string) string

	// chunkCachePath returns the path to the chunk cache directory.
	chunkCachePath() string

	// stagingPath returns a scratch directory for archive assembly.
	stagingPath() string

	// ensureDir creates a directory and all parent directories if they don't exist.
	ensureDir(path string) error

	// atomicWrite writes data to a file using write-then-rename for atomicity.
	atomicWrite(path string, data []byte) error

	// removeDataset removes an extracted dataset directory.
	removeDataset(directory string) error

	// removeChunkCache removes the chunk cache directory.
	removeChunkCache() error

	// lockPath returns the lock file path guarding a model pull.
	lockPath(name string) string
}

// storage handles all local filesystem operations.
type storage struct {
	// baseDir is the base directory for all storage operations.
	baseDir string

	// lockTimeout is the maximum duration to wait for file lock acquisition.
	lockTimeout time.Duration

	// indexMu protects concurrent in-process access to installed.json.
	indexMu sync.RWMutex
}

var _ storageInterface = (*storage)(nil)

// envVarName constructs an environment variable name from the app name.
// Example: envVarName("moosez") returns "MOOSEZ_MODELS_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_MODELS_DIR"
}

// newStorage creates a new storage instance for the given configuration.
func newStorage(cfg Config) (*storage, error) {
	var baseDir string

	// Priority: env var > Config.DataDir > platform default
	if envDir := os.Getenv(envVarName(cfg.appName())); envDir != "" {
		baseDir = envDir
	} else if cfg.DataDir != "" {
		baseDir = cfg.DataDir
	} else {
		defaultDir, err := getDefaultDataDir(cfg.appName())
		if err != nil {
			return nil, fmt.Errorf("failed to get default data dir: %w", err)
		}
		baseDir = defaultDir
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	s := &storage{baseDir: abs, lockTimeout: DefaultLockTimeout}
	if err := s.ensureDir(s.resultsPath()); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return s, nil
}

// loadIndex returns an empty index if installed.json doesn't exist.
func (s *storage) loadIndex() (installedIndex, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.readIndex()
}

// updateIndex holds the installed.json lock from reading the index until
// the result is written, so two moosez processes never lose each other's
// entries. Nothing is written when fn fails.
func (s *storage) updateIndex(fn func(installedIndex) error) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	lock, err := newFileLock(filepath.Join(s.baseDir, "installed.json.lock"), s.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: failed to create lock: %v", ErrStorageError, err)
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: failed to acquire lock: %v", ErrStorageError, err)
	}
	defer lock.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal index: %v", ErrStorageError, err)
	}
	return s.atomicWrite(filepath.Join(s.baseDir, "installed.json"), data)
}

func (s *storage) readIndex() (installedIndex, error) {
	path := filepath.Join(s.baseDir, "installed.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(installedIndex), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	var idx installedIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: invalid installed.json: %v", ErrStorageError, err)
	}
	if idx == nil {
		idx = make(installedIndex)
	}
	return idx, nil
}

func (s *storage) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrStorageError, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorageError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageError, err)
	}
	return nil
}

func (s *storage) resultsPath() string {
	return filepath.Join(s.baseDir, resultsDirName)
}

func (s *storage) datasetPath(directory string) string {
	return filepath.Join(s.resultsPath(), directory)
}

func (s *storage) chunkCachePath() string {
	return filepath.Join(s.baseDir, ".chunks")
}

func (s *storage) stagingPath() string {
	return filepath.Join(s.baseDir, ".staging")
}

func (s *storage) lockPath(name string) string {
	return filepath.Join(s.baseDir, "."+name+".pull.lock")
}

func (s *storage) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageError, path, err)
	}
	return nil
}

func (s *storage) removeDataset(directory string) error {
	if directory == "" {
		return fmt.Errorf("%w: empty dataset directory", ErrStorageError)
	}
	if err := os.RemoveAll(s.datasetPath(directory)); err != nil {
		return fmt.Errorf("%w: failed to remove dataset directory: %v", ErrStorageError, err)
	}
	return nil
}

func (s *storage) removeChunkCache() error {
	for _, path := range []string{s.chunkCachePath(), s.stagingPath()} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("%w: failed to remove %s: %v", ErrStorageError, path, err)
		}
	}
	return nil
}
