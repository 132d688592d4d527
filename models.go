package moosez

import (
	"context"
	"fmt"
)

// Manager provides programmatic access to model weights.
// All methods are safe for concurrent use.
// For CLI integration, use NewCommand instead.
type Manager interface {
	// Catalog returns the catalog used to resolve model names.
	Catalog() *Catalog

	// ListInstalled returns all locally installed models sorted by name.
	ListInstalled(ctx context.Context) ([]InstalledModel, error)

	// GetInstalled returns info about a specific installed model.
	// Returns ErrNotInstalled if the model is not installed locally.
	GetInstalled(ctx context.Context, name string) (InstalledModel, error)

	// Pull downloads and installs a model's weights.
	// If the model is already installed, returns ErrAlreadyInstalled
	// unless WithForce() is specified.
	Pull(ctx context.Context, name string, opts ...PullOption) error

	// EnsureInstalled pulls the model only when it is not installed yet.
	EnsureInstalled(ctx context.Context, name string, opts ...PullOption) error

	// Remove deletes a locally installed model.
	// Returns ErrNotInstalled if the model is not installed.
	Remove(ctx context.Context, name string) error

	// Path returns the absolute path to an installed model's dataset directory.
	// Returns ErrNotInstalled if the model is not installed.
	Path(ctx context.Context, name string) (string, error)

	// ResultsDir returns the nnU-Net results folder holding all datasets.
	// It is what the engine expects in nnUNet_results.
	ResultsDir() string

	// PruneCache removes cached chunks and staging files of incomplete downloads.
	PruneCache(ctx context.Context) error
}

var _ Manager = (*manager)(nil)

// NewManager creates a new Manager with the given configuration.
func NewManager(cfg Config, opts ...ManagerOption) (Manager, error) {
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}
	if mcfg.catalog == nil {
		mcfg.catalog = DefaultCatalog()
	}

	storage, err := newStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("moosez: %w", err)
	}

	return &manager{
		cfg:     cfg,
		logger:  orNop(mcfg.logger),
		catalog: mcfg.catalog,
		storage: storage,
		client:  newArchiveClient(mcfg.httpClient, mcfg.logger, mcfg.backoff),
	}, nil
}
