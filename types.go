package moosez

import (
	"time"
)

// Config configures model storage.
type Config struct {
	// AppName determines the storage directory name and the environment
	// variable prefix. Defaults to "moosez".
	// Example: "moosez" → ~/.local/share/moosez/models/ on Linux
	AppName string

	// DataDir overrides the default data directory.
	// If empty, uses platform-appropriate default.
	// Can also be set via environment variable: <APPNAME>_MODELS_DIR
	DataDir string
}

// DefaultAppName is used when Config.AppName is empty.
const DefaultAppName = "moosez"

func (c Config) appName() string {
	if c.AppName == "" {
		return DefaultAppName
	}
	return c.AppName
}

// InstalledModel contains information about locally installed weights.
type InstalledModel struct {
	// Name identifies the model in the catalog.
	Name string `json:"name"`

	// URL is the archive the weights were installed from.
	URL string `json:"url"`

	// ArchiveHash is the SHA-256 of the downloaded archive.
	ArchiveHash string `json:"archive_hash"`

	// ArchiveSize is the size of the downloaded archive in bytes.
	ArchiveSize int64 `json:"archive_size"`

	// FileCount is the number of files extracted from the archive.
	FileCount int `json:"file_count"`

	// InstalledAt is when the model was installed.
	InstalledAt time.Time `json:"installed_at"`

	// Path is the absolute path to the extracted dataset directory.
	Path string `json:"path"`
}

// Pull phases reported through PullProgress.Phase.
const (
	PhaseProbe    = "probe"
	PhaseDownload = "download"
	PhaseExtract  = "extract"
)

// PullProgress reports download progress during a pull operation.
type PullProgress struct {
	// Phase is one of PhaseProbe, PhaseDownload or PhaseExtract.
	Phase string

	// Model is the model being pulled.
	Model string

	// ChunksTotal is the total number of byte-range chunks.
	ChunksTotal int

	// ChunksCompleted is the number of chunks finished so far.
	ChunksCompleted int

	// BytesTotal is the archive size.
	BytesTotal int64

	// BytesCompleted is the bytes from completed chunks so far (for progress %).
	BytesCompleted int64

	// BytesDownloaded is bytes actually fetched from network this session (excludes cache hits).
	BytesDownloaded int64

	// BytesInProgress is bytes currently being downloaded across all workers.
	// Use BytesDownloaded + BytesInProgress for smooth speed calculation.
	BytesInProgress int64

	// CurrentFile is the archive entry being extracted.
	CurrentFile string
}
